package contacts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/e2ee"
)

// ShareQueryParam carries the share payload in a share URL.
const ShareQueryParam = "s"

var ErrInvalidShare = errors.New("invalid share data")

// shareData is the QR payload: the username under a short key next to the
// public JWK members.
type shareData struct {
	U      string   `json:"u"`
	Crv    string   `json:"crv"`
	Ext    bool     `json:"ext"`
	KeyOps []string `json:"key_ops"`
	Kty    string   `json:"kty"`
	X      string   `json:"x"`
	Y      string   `json:"y"`
}

// EncodeShare returns the base64 share payload for id.
func EncodeShare(id Identity) (string, error) {
	pub := id.PublicKey.Public()
	b, err := json.Marshal(shareData{
		U:      id.Username,
		Crv:    pub.Crv,
		Ext:    pub.Ext,
		KeyOps: pub.KeyOps,
		Kty:    pub.Kty,
		X:      pub.X,
		Y:      pub.Y,
	})
	if err != nil {
		return "", fmt.Errorf("encode share: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ShareURL puts the share payload for id into base's query.
func ShareURL(base string, id Identity) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse share base url: %w", err)
	}
	payload, err := EncodeShare(id)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(ShareQueryParam, payload)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseShare accepts a share URL or the bare base64 payload and returns the
// contact it describes, added at now.
func ParseShare(input string, now time.Time) (Contact, error) {
	payload := strings.TrimSpace(input)
	if u, err := url.Parse(payload); err == nil && u.Scheme != "" {
		payload = u.Query().Get(ShareQueryParam)
		// A '+' that was not percent-encoded decodes to a space.
		payload = strings.ReplaceAll(payload, " ", "+")
	}
	if payload == "" {
		return Contact{}, fmt.Errorf("%w: empty", ErrInvalidShare)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return Contact{}, fmt.Errorf("%w: %v", ErrInvalidShare, err)
		}
	}

	var fields struct {
		U      *string   `json:"u"`
		Crv    *string   `json:"crv"`
		Ext    *bool     `json:"ext"`
		KeyOps *[]string `json:"key_ops"`
		Kty    *string   `json:"kty"`
		X      *string   `json:"x"`
		Y      *string   `json:"y"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Contact{}, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	if fields.U == nil || fields.Crv == nil || fields.Ext == nil || fields.KeyOps == nil ||
		fields.Kty == nil || fields.X == nil || fields.Y == nil {
		return Contact{}, fmt.Errorf("%w: missing members", ErrInvalidShare)
	}

	c, err := NewContact(*fields.U, e2ee.JWK{
		Crv:    *fields.Crv,
		Ext:    *fields.Ext,
		KeyOps: *fields.KeyOps,
		Kty:    *fields.Kty,
		X:      *fields.X,
		Y:      *fields.Y,
	}, now)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	return c, nil
}

// Package e2ee holds the end-to-end crypto used between two identities:
// P-256 key agreement, AES-256-GCM sealing and public key fingerprints.
// Everything here is stateless.
package e2ee

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	keyTypeEC  = "EC"
	keyTypeRSA = "RSA"
	curveP256  = "P-256"

	p256CoordinateSize = 32
)

var ErrInvalidKey = errors.New("invalid key")

var p256 = ecdh.P256()

// JWK is a JSON Web Key as exported by WebCrypto. Members are declared in
// lexicographic order so encoding/json emits them the same way browsers do.
type JWK struct {
	Crv    string   `json:"crv,omitempty"`
	D      string   `json:"d,omitempty"`
	E      string   `json:"e,omitempty"`
	Ext    bool     `json:"ext"`
	KeyOps []string `json:"key_ops"`
	Kty    string   `json:"kty"`
	N      string   `json:"n,omitempty"`
	X      string   `json:"x,omitempty"`
	Y      string   `json:"y,omitempty"`
}

// Public returns a copy without private members.
func (k JWK) Public() JWK {
	out := k
	out.D = ""
	out.KeyOps = []string{}
	return out
}

// GenerateKeyPair creates a fresh P-256 key pair for key agreement.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := p256.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 private key: %w", err)
	}
	return priv, nil
}

// PublicJWK exports pub the way WebCrypto exports an ECDH public key.
func PublicJWK(pub *ecdh.PublicKey) (JWK, error) {
	if pub == nil || pub.Curve() != p256 {
		return JWK{}, fmt.Errorf("%w: expected P-256 public key", ErrInvalidKey)
	}
	raw := pub.Bytes()
	if len(raw) != 1+2*p256CoordinateSize || raw[0] != 0x04 {
		return JWK{}, fmt.Errorf("%w: unexpected point encoding", ErrInvalidKey)
	}
	return JWK{
		Crv:    curveP256,
		Ext:    true,
		KeyOps: []string{},
		Kty:    keyTypeEC,
		X:      base64.RawURLEncoding.EncodeToString(raw[1 : 1+p256CoordinateSize]),
		Y:      base64.RawURLEncoding.EncodeToString(raw[1+p256CoordinateSize:]),
	}, nil
}

// PrivateJWK exports priv including the public coordinates.
func PrivateJWK(priv *ecdh.PrivateKey) (JWK, error) {
	if priv == nil {
		return JWK{}, fmt.Errorf("%w: nil private key", ErrInvalidKey)
	}
	k, err := PublicJWK(priv.PublicKey())
	if err != nil {
		return JWK{}, err
	}
	k.D = base64.RawURLEncoding.EncodeToString(priv.Bytes())
	k.KeyOps = []string{"deriveKey"}
	return k, nil
}

// ImportPublicJWK parses an EC P-256 public JWK. The point is validated to be
// on the curve.
func ImportPublicJWK(k JWK) (*ecdh.PublicKey, error) {
	if k.Kty != keyTypeEC || k.Crv != curveP256 {
		return nil, fmt.Errorf("%w: expected EC P-256, got kty=%q crv=%q", ErrInvalidKey, k.Kty, k.Crv)
	}
	x, err := decodeCoordinate(k.X)
	if err != nil {
		return nil, fmt.Errorf("%w: x: %v", ErrInvalidKey, err)
	}
	y, err := decodeCoordinate(k.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: y: %v", ErrInvalidKey, err)
	}
	point := make([]byte, 0, 1+2*p256CoordinateSize)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	pub, err := p256.NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// ImportPrivateJWK parses an EC P-256 private JWK. When x/y are present they
// must match the private scalar.
func ImportPrivateJWK(k JWK) (*ecdh.PrivateKey, error) {
	if k.Kty != keyTypeEC || k.Crv != curveP256 {
		return nil, fmt.Errorf("%w: expected EC P-256, got kty=%q crv=%q", ErrInvalidKey, k.Kty, k.Crv)
	}
	d, err := decodeCoordinate(k.D)
	if err != nil {
		return nil, fmt.Errorf("%w: d: %v", ErrInvalidKey, err)
	}
	priv, err := p256.NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if k.X != "" || k.Y != "" {
		pub, err := ImportPublicJWK(k)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pub.Bytes(), priv.PublicKey().Bytes()) {
			return nil, fmt.Errorf("%w: public coordinates do not match private key", ErrInvalidKey)
		}
	}
	return priv, nil
}

func decodeCoordinate(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != p256CoordinateSize {
		return nil, fmt.Errorf("got %d bytes, want %d", len(b), p256CoordinateSize)
	}
	return b, nil
}

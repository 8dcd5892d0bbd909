// Package contacts stores the local identity and the public keys of the
// people it shares locations with, and turns them into the encryption hooks
// the peer manager uses for signaling.
package contacts

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/e2ee"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// UnknownUsername is shown for fingerprints that are not in the book.
const UnknownUsername = "Unknown"

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrNoIdentity      = errors.New("no identity")
	ErrInvalidUsername = errors.New("invalid username")
)

// Identity is the local user's key pair.
type Identity struct {
	Fingerprint protocol.Fingerprint
	Username    string
	PublicKey   e2ee.JWK
	PrivateKey  e2ee.JWK
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewIdentity generates a fresh key pair for username.
func NewIdentity(username string, now time.Time) (Identity, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Username: username, CreatedAt: now}
	if err := id.Regenerate(now); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Regenerate replaces the key pair; the fingerprint changes with it.
func (id *Identity) Regenerate(now time.Time) error {
	priv, err := e2ee.GenerateKeyPair()
	if err != nil {
		return err
	}
	privJWK, err := e2ee.PrivateJWK(priv)
	if err != nil {
		return err
	}
	pubJWK, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		return err
	}
	fp, err := e2ee.GenerateFingerprint(pubJWK)
	if err != nil {
		return err
	}
	id.Fingerprint = fp
	id.PublicKey = pubJWK
	id.PrivateKey = privJWK
	id.UpdatedAt = now
	return nil
}

// ECDH imports the private key for key agreement.
func (id Identity) ECDH() (*ecdh.PrivateKey, error) {
	if id.PrivateKey.D == "" {
		return nil, fmt.Errorf("%w: identity has no private key", ErrNoIdentity)
	}
	return e2ee.ImportPrivateJWK(id.PrivateKey)
}

// Contact is another user's public identity.
type Contact struct {
	Fingerprint protocol.Fingerprint
	Username    string
	PublicKey   e2ee.JWK
	AddedAt     time.Time
}

// NewContact validates pub and derives the contact's fingerprint from it.
func NewContact(username string, pub e2ee.JWK, now time.Time) (Contact, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return Contact{}, err
	}
	pub = pub.Public()
	if _, err := e2ee.ImportPublicJWK(pub); err != nil {
		return Contact{}, err
	}
	fp, err := e2ee.GenerateFingerprint(pub)
	if err != nil {
		return Contact{}, err
	}
	return Contact{Fingerprint: fp, Username: username, PublicKey: pub, AddedAt: now}, nil
}

func normalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(name) > 64 {
		return "", fmt.Errorf("%w: longer than 64 bytes", ErrInvalidUsername)
	}
	return name, nil
}

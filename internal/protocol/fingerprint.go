package protocol

import (
	"errors"
	"strings"
)

// FingerprintLen is the length of a hex encoded SHA-256 digest.
const FingerprintLen = 64

var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// Fingerprint identifies a public key. It is the only routing address the
// relay knows about and the map key for peers and sessions.
//
// Values produced by ParseFingerprint are always lowercase.
type Fingerprint string

// ParseFingerprint validates a 64 char hex string (any case) and returns it
// lowercased.
func ParseFingerprint(raw string) (Fingerprint, error) {
	if len(raw) != FingerprintLen {
		return "", ErrInvalidFingerprint
	}
	for i := 0; i < len(raw); i++ {
		if !isHexChar(raw[i]) {
			return "", ErrInvalidFingerprint
		}
	}
	return Fingerprint(strings.ToLower(raw)), nil
}

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns the first 8 chars, which is what log lines carry.
func (f Fingerprint) Short() string {
	if len(f) <= 8 {
		return string(f)
	}
	return string(f[:8])
}

// Valid reports whether f is already in canonical (lowercase) form.
func (f Fingerprint) Valid() bool {
	parsed, err := ParseFingerprint(string(f))
	return err == nil && parsed == f
}

func isHexChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	default:
		return false
	}
}

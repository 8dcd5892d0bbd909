package e2ee

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// Canonical member sets, in RFC 7638 order.
type ecThumbprint struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type rsaThumbprint struct {
	E   string `json:"e"`
	Kty string `json:"kty"`
	N   string `json:"n"`
}

// GenerateFingerprint hashes the minimal public members of k with SHA-256.
func GenerateFingerprint(k JWK) (protocol.Fingerprint, error) {
	var canonical any
	switch k.Kty {
	case keyTypeEC:
		if k.Crv == "" || k.X == "" || k.Y == "" {
			return "", fmt.Errorf("%w: EC key needs crv, x and y", ErrInvalidKey)
		}
		canonical = ecThumbprint{Crv: k.Crv, Kty: k.Kty, X: k.X, Y: k.Y}
	case keyTypeRSA:
		if k.E == "" || k.N == "" {
			return "", fmt.Errorf("%w: RSA key needs e and n", ErrInvalidKey)
		}
		canonical = rsaThumbprint{E: k.E, Kty: k.Kty, N: k.N}
	default:
		return "", fmt.Errorf("%w: unsupported kty %q", ErrInvalidKey, k.Kty)
	}

	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encode thumbprint input: %w", err)
	}
	sum := sha256.Sum256(b)
	return protocol.Fingerprint(hex.EncodeToString(sum[:])), nil
}

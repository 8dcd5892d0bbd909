package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

const secretKeySize = 32

var hkdfInfo = []byte("geoshare e2e aes-256-gcm v1")

// ErrDecrypt is returned for any authentication failure: wrong key, tampered
// ciphertext or tampered IV.
var ErrDecrypt = errors.New("decrypt failed")

// SecretKey is an AES-256 key shared by exactly two identities.
type SecretKey [secretKeySize]byte

// DeriveSecretKey runs ECDH between priv and peer and stretches the shared
// point with HKDF-SHA256. derive(a, B) == derive(b, A).
func DeriveSecretKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (SecretKey, error) {
	var key SecretKey
	if priv == nil || peer == nil {
		return key, fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return key, fmt.Errorf("ecdh: %w", err)
	}
	r := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV.
func Encrypt(key SecretKey, plaintext []byte) (protocol.Encrypted, error) {
	aead, err := newGCM(key)
	if err != nil {
		return protocol.Encrypted{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return protocol.Encrypted{}, fmt.Errorf("generate iv: %w", err)
	}
	return protocol.Encrypted{
		IV:        iv,
		Encrypted: aead.Seal(nil, iv, plaintext, nil),
	}, nil
}

func Decrypt(key SecretKey, data protocol.Encrypted) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d, want %d", ErrDecrypt, len(data.IV), aead.NonceSize())
	}
	if len(data.Encrypted) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plaintext, err := aead.Open(nil, data.IV, data.Encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newGCM(key SecretKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

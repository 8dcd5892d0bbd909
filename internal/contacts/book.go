package contacts

import (
	"crypto/ecdh"
	"fmt"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/e2ee"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// Book is the in-memory view of the identity and contacts that the running
// client consults on every signaling message. Changes are written through
// to the Store when one is attached.
type Book struct {
	store *Store

	mu       sync.RWMutex
	identity Identity
	priv     *ecdh.PrivateKey
	contacts map[protocol.Fingerprint]Contact
}

// NewBook builds a Book for id. store may be nil.
func NewBook(id Identity, store *Store) (*Book, error) {
	priv, err := id.ECDH()
	if err != nil {
		return nil, err
	}
	return &Book{
		store:    store,
		identity: id,
		priv:     priv,
		contacts: make(map[protocol.Fingerprint]Contact),
	}, nil
}

// LoadBook reads the identity and all contacts from store.
func LoadBook(store *Store) (*Book, error) {
	id, err := store.Identity()
	if err != nil {
		return nil, err
	}
	b, err := NewBook(id, store)
	if err != nil {
		return nil, err
	}
	list, err := store.Contacts()
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		b.contacts[c.Fingerprint] = c
	}
	return b, nil
}

// Identity returns the local identity.
func (b *Book) Identity() Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

// Add stores c, replacing a contact with the same fingerprint.
func (b *Book) Add(c Contact) error {
	if c.Fingerprint == b.Identity().Fingerprint {
		return fmt.Errorf("%w: cannot add own identity", ErrInvalidShare)
	}
	if b.store != nil {
		if err := b.store.AddContact(c); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.contacts[c.Fingerprint] = c
	b.mu.Unlock()
	return nil
}

// Remove deletes the contact with fingerprint fp.
func (b *Book) Remove(fp protocol.Fingerprint) error {
	b.mu.Lock()
	_, ok := b.contacts[fp]
	b.mu.Unlock()
	if !ok {
		return ErrContactNotFound
	}
	if b.store != nil {
		if err := b.store.RemoveContact(fp); err != nil {
			return err
		}
	}
	b.mu.Lock()
	delete(b.contacts, fp)
	b.mu.Unlock()
	return nil
}

// Contact returns the contact with fingerprint fp.
func (b *Book) Contact(fp protocol.Fingerprint) (Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.contacts[fp]
	return c, ok
}

// Contacts lists contacts ordered by username.
func (b *Book) Contacts() []Contact {
	b.mu.RLock()
	out := make([]Contact, 0, len(b.contacts))
	for _, c := range b.contacts {
		out = append(out, c)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Username returns the contact's name, or UnknownUsername.
func (b *Book) Username(fp protocol.Fingerprint) string {
	if c, ok := b.Contact(fp); ok {
		return c.Username
	}
	return UnknownUsername
}

// EncryptForContact seals plaintext for the contact to. It has the shape of
// peer.EncryptFunc.
func (b *Book) EncryptForContact(to protocol.Fingerprint, plaintext []byte) (protocol.Encrypted, error) {
	key, err := b.secretFor(to)
	if err != nil {
		return protocol.Encrypted{}, err
	}
	return e2ee.Encrypt(key, plaintext)
}

// DecryptFromContact opens data sealed by the contact from. It has the shape
// of peer.DecryptFunc.
func (b *Book) DecryptFromContact(from protocol.Fingerprint, data protocol.Encrypted) ([]byte, error) {
	key, err := b.secretFor(from)
	if err != nil {
		return nil, err
	}
	return e2ee.Decrypt(key, data)
}

func (b *Book) secretFor(fp protocol.Fingerprint) (e2ee.SecretKey, error) {
	b.mu.RLock()
	c, ok := b.contacts[fp]
	priv := b.priv
	b.mu.RUnlock()
	if !ok {
		return e2ee.SecretKey{}, fmt.Errorf("%w: %s", ErrContactNotFound, fp)
	}
	pub, err := e2ee.ImportPublicJWK(c.PublicKey)
	if err != nil {
		return e2ee.SecretKey{}, err
	}
	return e2ee.DeriveSecretKey(priv, pub)
}

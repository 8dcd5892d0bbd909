package contacts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/e2ee"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func mustIdentity(t *testing.T, name string) Identity {
	t.Helper()
	id, err := NewIdentity(name, testNow)
	if err != nil {
		t.Fatalf("NewIdentity(%q): %v", name, err)
	}
	return id
}

func contactOf(t *testing.T, id Identity) Contact {
	t.Helper()
	c, err := NewContact(id.Username, id.PublicKey, testNow)
	if err != nil {
		t.Fatalf("NewContact: %v", err)
	}
	return c
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewIdentity(t *testing.T) {
	id := mustIdentity(t, "  alice ")
	if id.Username != "alice" {
		t.Fatalf("username=%q, want alice", id.Username)
	}
	if !id.Fingerprint.Valid() {
		t.Fatalf("fingerprint %q is not canonical", id.Fingerprint)
	}
	fp, err := e2ee.GenerateFingerprint(id.PublicKey)
	if err != nil || fp != id.Fingerprint {
		t.Fatalf("fingerprint=%s err=%v, want %s", fp, err, id.Fingerprint)
	}
	if id.PublicKey.D != "" {
		t.Fatalf("public key carries private material")
	}
	if _, err := id.ECDH(); err != nil {
		t.Fatalf("ECDH: %v", err)
	}

	old := id.Fingerprint
	if err := id.Regenerate(testNow.Add(time.Hour)); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if id.Fingerprint == old {
		t.Fatalf("fingerprint unchanged after regenerate")
	}
	if !id.UpdatedAt.Equal(testNow.Add(time.Hour)) || !id.CreatedAt.Equal(testNow) {
		t.Fatalf("timestamps created=%v updated=%v", id.CreatedAt, id.UpdatedAt)
	}

	for _, name := range []string{"", "   ", strings.Repeat("x", 65)} {
		if _, err := NewIdentity(name, testNow); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("NewIdentity(%q) err=%v, want ErrInvalidUsername", name, err)
		}
	}
}

func TestShare_URLAndBareBase64(t *testing.T) {
	alice := mustIdentity(t, "alice")

	link, err := ShareURL("https://geoshare.example/add", alice)
	if err != nil {
		t.Fatalf("ShareURL: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil || u.Query().Get(ShareQueryParam) == "" {
		t.Fatalf("share url %q has no %q param (err=%v)", link, ShareQueryParam, err)
	}
	bare, err := EncodeShare(alice)
	if err != nil {
		t.Fatalf("EncodeShare: %v", err)
	}

	for name, input := range map[string]string{
		"url":  link,
		"bare": bare,
		// Query strings pasted without encoding turn '+' into ' '.
		"unescaped url": "https://geoshare.example/add?s=" + strings.ReplaceAll(bare, "+", " "),
	} {
		t.Run(name, func(t *testing.T) {
			c, err := ParseShare(input, testNow)
			if err != nil {
				t.Fatalf("ParseShare: %v", err)
			}
			if c.Fingerprint != alice.Fingerprint || c.Username != "alice" {
				t.Fatalf("contact=%+v, want fingerprint %s", c, alice.Fingerprint)
			}
			if c.PublicKey.D != "" {
				t.Fatalf("contact key carries private material")
			}
		})
	}
}

func TestShare_PayloadShape(t *testing.T) {
	alice := mustIdentity(t, "alice")
	bare, _ := EncodeShare(alice)
	raw, err := base64.StdEncoding.DecodeString(bare)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"u", "crv", "ext", "key_ops", "kty", "x", "y"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("payload %s missing %q", raw, k)
		}
	}
	if _, ok := m["d"]; ok {
		t.Fatalf("payload leaks private key: %s", raw)
	}
}

func TestParseShare_Rejects(t *testing.T) {
	alice := mustIdentity(t, "alice")
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.StdEncoding.EncodeToString(b)
	}
	pub := alice.PublicKey

	for name, input := range map[string]string{
		"empty":          "",
		"no param":       "https://geoshare.example/add?x=1",
		"not base64":     "%%%",
		"not json":       base64.StdEncoding.EncodeToString([]byte("hello")),
		"missing member": enc(map[string]any{"u": "a", "crv": pub.Crv, "ext": true, "key_ops": []string{}, "kty": "EC", "x": pub.X}),
		"off curve":      enc(map[string]any{"u": "a", "crv": pub.Crv, "ext": true, "key_ops": []string{}, "kty": "EC", "x": pub.X, "y": pub.X}),
		"empty username": enc(map[string]any{"u": " ", "crv": pub.Crv, "ext": true, "key_ops": []string{}, "kty": "EC", "x": pub.X, "y": pub.Y}),
	} {
		if _, err := ParseShare(input, testNow); !errors.Is(err, ErrInvalidShare) {
			t.Fatalf("%s: err=%v, want ErrInvalidShare", name, err)
		}
	}
}

func TestStore_IdentityRoundTrip(t *testing.T) {
	s := openStore(t)
	if _, err := s.Identity(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("empty store err=%v, want ErrNoIdentity", err)
	}

	id := mustIdentity(t, "alice")
	if err := s.SaveIdentity(id); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	got, err := s.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if got.Fingerprint != id.Fingerprint || got.Username != id.Username || got.PrivateKey.D != id.PrivateKey.D {
		t.Fatalf("identity=%+v, want %+v", got, id)
	}
	if !got.CreatedAt.Equal(id.CreatedAt) {
		t.Fatalf("created=%v, want %v", got.CreatedAt, id.CreatedAt)
	}

	if err := id.Regenerate(testNow.Add(time.Minute)); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if err := s.SaveIdentity(id); err != nil {
		t.Fatalf("SaveIdentity again: %v", err)
	}
	got, _ = s.Identity()
	if got.Fingerprint != id.Fingerprint {
		t.Fatalf("fingerprint=%s, want %s", got.Fingerprint, id.Fingerprint)
	}
}

func TestStore_Contacts(t *testing.T) {
	s := openStore(t)
	bob := contactOf(t, mustIdentity(t, "bob"))
	carol := contactOf(t, mustIdentity(t, "Carol"))

	for _, c := range []Contact{carol, bob} {
		if err := s.AddContact(c); err != nil {
			t.Fatalf("AddContact: %v", err)
		}
	}
	renamed := bob
	renamed.Username = "bobby"
	if err := s.AddContact(renamed); err != nil {
		t.Fatalf("AddContact upsert: %v", err)
	}

	list, err := s.Contacts()
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(list) != 2 || list[0].Username != "bobby" || list[1].Username != "Carol" {
		t.Fatalf("contacts=%+v", list)
	}

	got, err := s.Contact(carol.Fingerprint)
	if err != nil || got.PublicKey.X != carol.PublicKey.X {
		t.Fatalf("Contact=%+v err=%v", got, err)
	}

	if err := s.RemoveContact(carol.Fingerprint); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	if err := s.RemoveContact(carol.Fingerprint); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("second remove err=%v, want ErrContactNotFound", err)
	}
	if _, err := s.Contact(carol.Fingerprint); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("Contact after remove err=%v, want ErrContactNotFound", err)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, path, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if path != filepath.Join(dir, DefaultDBFileName) {
		t.Fatalf("path=%s", path)
	}
	id := mustIdentity(t, "alice")
	bob := contactOf(t, mustIdentity(t, "bob"))
	if err := s.SaveIdentity(id); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	if err := s.AddContact(bob); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	s2, err := OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	defer s2.Close()
	b, err := LoadBook(s2)
	if err != nil {
		t.Fatalf("LoadBook: %v", err)
	}
	if b.Identity().Fingerprint != id.Fingerprint {
		t.Fatalf("identity=%s, want %s", b.Identity().Fingerprint, id.Fingerprint)
	}
	if got := b.Username(bob.Fingerprint); got != "bob" {
		t.Fatalf("username=%q, want bob", got)
	}
}

func TestBook_EncryptDecryptBetweenContacts(t *testing.T) {
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")

	ab, err := NewBook(alice, nil)
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	bb, _ := NewBook(bob, nil)
	if err := ab.Add(contactOf(t, bob)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := bb.Add(contactOf(t, alice)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	enc, err := ab.EncryptForContact(bob.Fingerprint, []byte(`{"type":"offer","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := bb.DecryptFromContact(alice.Fingerprint, enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("plaintext=%s", got)
	}

	if _, err := bb.DecryptFromContact(mustIdentity(t, "mallory").Fingerprint, enc); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("unknown sender err=%v, want ErrContactNotFound", err)
	}
	if _, err := ab.EncryptForContact(mustIdentity(t, "carol").Fingerprint, []byte("x")); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("unknown recipient err=%v, want ErrContactNotFound", err)
	}
}

func TestBook_AddRemove(t *testing.T) {
	s := openStore(t)
	alice := mustIdentity(t, "alice")
	if err := s.SaveIdentity(alice); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	b, err := LoadBook(s)
	if err != nil {
		t.Fatalf("LoadBook: %v", err)
	}

	if err := b.Add(contactOf(t, alice)); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("adding self err=%v, want ErrInvalidShare", err)
	}

	bob := contactOf(t, mustIdentity(t, "bob"))
	if got := b.Username(bob.Fingerprint); got != UnknownUsername {
		t.Fatalf("username=%q, want %q", got, UnknownUsername)
	}
	if err := b.Add(bob); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if list, _ := s.Contacts(); len(list) != 1 {
		t.Fatalf("store contacts=%d, want 1", len(list))
	}
	if got := b.Contacts(); len(got) != 1 || got[0].Fingerprint != bob.Fingerprint {
		t.Fatalf("book contacts=%+v", got)
	}

	if err := b.Remove(bob.Fingerprint); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Remove(bob.Fingerprint); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("second remove err=%v, want ErrContactNotFound", err)
	}
	if list, _ := s.Contacts(); len(list) != 0 {
		t.Fatalf("store contacts=%d after remove, want 0", len(list))
	}
}

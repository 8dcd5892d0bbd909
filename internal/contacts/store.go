package contacts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/e2ee"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "geoshare.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS identity (
  id          INTEGER PRIMARY KEY CHECK(id = 1),
  fingerprint TEXT NOT NULL,
  username    TEXT NOT NULL,
  public_key  TEXT NOT NULL,
  private_key TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS contacts (
  fingerprint TEXT PRIMARY KEY,
  username    TEXT NOT NULL,
  public_key  TEXT NOT NULL,
  added_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_contacts_username
ON contacts (username COLLATE NOCASE, fingerprint);
`,
}

// Store persists the identity and contact list in SQLite.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// SaveIdentity replaces the stored identity.
func (s *Store) SaveIdentity(id Identity) error {
	pub, err := json.Marshal(id.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	priv, err := json.Marshal(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO identity (id, fingerprint, username, public_key, private_key, created_at, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  fingerprint = excluded.fingerprint,
  username    = excluded.username,
  public_key  = excluded.public_key,
  private_key = excluded.private_key,
  updated_at  = excluded.updated_at
`, string(id.Fingerprint), id.Username, string(pub), string(priv), id.CreatedAt.UnixMilli(), id.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Identity loads the stored identity, or ErrNoIdentity.
func (s *Store) Identity() (Identity, error) {
	var (
		id               Identity
		fp, pub, priv    string
		created, updated int64
	)
	err := s.db.QueryRow(`
SELECT fingerprint, username, public_key, private_key, created_at, updated_at
FROM identity WHERE id = 1
`).Scan(&fp, &id.Username, &pub, &priv, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNoIdentity
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if err := json.Unmarshal([]byte(pub), &id.PublicKey); err != nil {
		return Identity{}, fmt.Errorf("decode public key: %w", err)
	}
	if err := json.Unmarshal([]byte(priv), &id.PrivateKey); err != nil {
		return Identity{}, fmt.Errorf("decode private key: %w", err)
	}
	id.Fingerprint = protocol.Fingerprint(fp)
	id.CreatedAt = time.UnixMilli(created)
	id.UpdatedAt = time.UnixMilli(updated)
	return id, nil
}

// AddContact inserts c, replacing any contact with the same fingerprint.
func (s *Store) AddContact(c Contact) error {
	pub, err := json.Marshal(c.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO contacts (fingerprint, username, public_key, added_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
  username   = excluded.username,
  public_key = excluded.public_key
`, string(c.Fingerprint), c.Username, string(pub), c.AddedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

// Contacts lists every contact ordered by username.
func (s *Store) Contacts() ([]Contact, error) {
	rows, err := s.db.Query(`
SELECT fingerprint, username, public_key, added_at
FROM contacts
ORDER BY username COLLATE NOCASE, fingerprint
`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

// Contact loads one contact, or ErrContactNotFound.
func (s *Store) Contact(fp protocol.Fingerprint) (Contact, error) {
	row := s.db.QueryRow(`
SELECT fingerprint, username, public_key, added_at
FROM contacts WHERE fingerprint = ?
`, string(fp))
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrContactNotFound
	}
	return c, err
}

// RemoveContact deletes one contact, or returns ErrContactNotFound.
func (s *Store) RemoveContact(fp protocol.Fingerprint) error {
	res, err := s.db.Exec(`DELETE FROM contacts WHERE fingerprint = ?`, string(fp))
	if err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	if n == 0 {
		return ErrContactNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (Contact, error) {
	var (
		c       Contact
		fp, pub string
		added   int64
	)
	if err := row.Scan(&fp, &c.Username, &pub, &added); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, err
		}
		return Contact{}, fmt.Errorf("scan contact: %w", err)
	}
	var key e2ee.JWK
	if err := json.Unmarshal([]byte(pub), &key); err != nil {
		return Contact{}, fmt.Errorf("decode contact key: %w", err)
	}
	c.Fingerprint = protocol.Fingerprint(fp)
	c.PublicKey = key
	c.AddedAt = time.UnixMilli(added)
	return c, nil
}

// Package cache is a content-addressed store for compiled program images,
// keyed by the SHA-256 of the source text. It lets the CLI skip recompiling
// scripts that have not changed.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("lume.cache")

const schema = `
CREATE TABLE IF NOT EXISTS images (
	hash       TEXT PRIMARY KEY,
	image      BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store is a sqlite-backed image cache. It is safe for use from a single
// interpreter process; the interpreter is single-threaded by design.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a store at the given path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashSource returns the cache key for a source text.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached image for a key, or (nil, nil) on a miss.
func (s *Store) Get(hash string) ([]byte, error) {
	var image []byte
	err := s.db.QueryRow(`SELECT image FROM images WHERE hash = ?`, hash).Scan(&image)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", hash, err)
	}
	log.Debugf("hit %s (%d bytes)", hash[:12], len(image))
	return image, nil
}

// Put stores an image under a key, replacing any previous entry.
func (s *Store) Put(hash string, image []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO images (hash, image, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET image = excluded.image, created_at = excluded.created_at`,
		hash, image, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", hash, err)
	}
	log.Debugf("stored %s (%d bytes)", hash[:12], len(image))
	return nil
}

// Count returns the number of cached images.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

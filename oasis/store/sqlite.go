// Package store implements the optional persistence hook: component
// snapshots written to a local SQLite file as lz4-compressed JSON blobs.
// When no snapshot path is configured the core stays purely in-memory.
package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	component TEXT PRIMARY KEY,
	taken_at  INTEGER NOT NULL,
	blob      BLOB NOT NULL
);`

// SQLite persists one snapshot blob per component, newest wins.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the snapshot database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Save compresses and upserts a component's snapshot blob.
func (s *SQLite) Save(component string, blob []byte) error {
	compressed, err := compress(blob)
	if err != nil {
		return fmt.Errorf("compressing %s snapshot: %w", component, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (component, taken_at, blob) VALUES (?, ?, ?)
		 ON CONFLICT(component) DO UPDATE SET taken_at=excluded.taken_at, blob=excluded.blob`,
		component, time.Now().UTC().UnixNano(), compressed)
	if err != nil {
		return fmt.Errorf("writing %s snapshot: %w", component, err)
	}
	return nil
}

// Load returns a component's snapshot blob, or ok=false when none exists.
func (s *SQLite) Load(component string) (blob []byte, ok bool, err error) {
	var compressed []byte
	row := s.db.QueryRow(`SELECT blob FROM snapshots WHERE component = ?`, component)
	if err := row.Scan(&compressed); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading %s snapshot: %w", component, err)
	}
	blob, err = decompress(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("decompressing %s snapshot: %w", component, err)
	}
	return blob, true, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

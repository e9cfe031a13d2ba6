// Package snapshotstore persists startup snapshot blobs (§6.5) in a local
// SQLite database, brotli-compressing the blob before it's written. It is
// grounded in the teacher's d1.go (database/sql over the same pure-Go
// glebarez/sqlite driver, WAL mode, one file per logical database) and
// compression.go (brotli.NewWriter/NewReader for the "br" format).
package snapshotstore

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"

	_ "github.com/glebarez/sqlite"
)

// Record is one persisted snapshot's metadata plus its (already
// decompressed) blob.
type Record struct {
	Name       string
	SourceHash string
	EngineTag  string
	CreatedAt  time.Time
	Blob       []byte
}

// Store persists snapshot blobs in the SQLite database Open or OpenMemory
// opened, compressing
// each blob with brotli the way the teacher's CompressionStream does for
// the "br" format (§6.5: "the host provides no guarantee of stability
// across engine versions" — EngineTag records what produced each blob so a
// caller can at least detect a mismatch before loading one).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a Store backed by the sqlite file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshotstore: creating directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("snapshotstore: enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("snapshotstore: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory Store, for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: opening in-memory store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("snapshotstore: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	name        TEXT PRIMARY KEY,
	source_hash TEXT NOT NULL,
	engine_tag  TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	blob        BLOB NOT NULL
);
`

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Put compresses blob and upserts it under name.
func (s *Store) Put(name, sourceHash, engineTag string, blob []byte) error {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(blob); err != nil {
		return fmt.Errorf("snapshotstore: compressing blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshotstore: compressing blob: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO snapshots (name, source_hash, engine_tag, created_at, blob)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET source_hash=excluded.source_hash,
			engine_tag=excluded.engine_tag, created_at=excluded.created_at, blob=excluded.blob`,
		name, sourceHash, engineTag, time.Now().Unix(), buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: storing %q: %w", name, err)
	}
	return nil
}

// Get loads and decompresses the snapshot stored under name.
func (s *Store) Get(name string) (Record, error) {
	var (
		rec       Record
		createdAt int64
		compressed []byte
	)
	row := s.db.QueryRow(`SELECT source_hash, engine_tag, created_at, blob FROM snapshots WHERE name = ?`, name)
	if err := row.Scan(&rec.SourceHash, &rec.EngineTag, &createdAt, &compressed); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, fmt.Errorf("snapshotstore: no snapshot named %q", name)
		}
		return Record{}, fmt.Errorf("snapshotstore: loading %q: %w", name, err)
	}
	rec.Name = name
	rec.CreatedAt = time.Unix(createdAt, 0)

	r := brotli.NewReader(bytes.NewReader(compressed))
	blob, err := io.ReadAll(r)
	if err != nil {
		return Record{}, fmt.Errorf("snapshotstore: decompressing %q: %w", name, err)
	}
	rec.Blob = blob
	return rec, nil
}

// Delete removes the snapshot stored under name, if any.
func (s *Store) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("snapshotstore: deleting %q: %w", name, err)
	}
	return nil
}

// List returns the names of every stored snapshot, most recently created
// first.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: listing: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("snapshotstore: scanning: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

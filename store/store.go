// Package store persists serialized object graph snapshots in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic metadata encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Metadata describes a stored snapshot. It is encoded as canonical CBOR
// alongside the stream bytes.
type Metadata struct {
	Label         string    `cbor:"label"`
	CreatedAt     time.Time `cbor:"created-at"`
	FormatVersion uint32    `cbor:"format-version"`
	ByteSize      int64     `cbor:"byte-size"`

	// SABHandles lists the shared buffer handles the stream captured.
	// The stream holds one host reference per entry.
	SABHandles []uint64 `cbor:"sab-handles,omitempty"`
}

// Snapshot is one stored object graph.
type Snapshot struct {
	ID   string
	Data []byte
	Meta Metadata
}

// Store is a SQLite-backed snapshot repository.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a snapshot database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id   TEXT PRIMARY KEY,
		meta BLOB NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores a snapshot and returns its generated id. Meta.ByteSize and
// a zero Meta.CreatedAt are filled in.
func (s *Store) Save(data []byte, meta Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.ByteSize = int64(len(data))

	metaBytes, err := cborEncMode.Marshal(&meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.Exec(
		"INSERT INTO snapshots (id, meta, data) VALUES (?, ?, ?)",
		id, metaBytes, data,
	)
	if err != nil {
		return "", fmt.Errorf("saving snapshot: %w", err)
	}
	return id, nil
}

// Load retrieves a snapshot by id.
func (s *Store) Load(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaBytes, data []byte
	err := s.db.QueryRow(
		"SELECT meta, data FROM snapshots WHERE id = ?", id,
	).Scan(&metaBytes, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	snap := &Snapshot{ID: id, Data: data}
	if err := cbor.Unmarshal(metaBytes, &snap.Meta); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
	}
	return snap, nil
}

// Delete removes a snapshot by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return nil
}

// List returns every snapshot's id and metadata, newest first, without
// the stream bytes.
func (s *Store) List() ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, meta FROM snapshots")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var metaBytes []byte
		if err := rows.Scan(&snap.ID, &metaBytes); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		if err := cbor.Unmarshal(metaBytes, &snap.Meta); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.CreatedAt.After(out[j].Meta.CreatedAt)
	})
	return out, nil
}

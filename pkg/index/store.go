package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tunefind/tunefind/pkg/feature"
	_ "modernc.org/sqlite"
)

// Store persists beat records in a SQLite file. The feature vector is
// stored as a JSON array in a TEXT column; at 12 floats per beat this is
// far from being a bottleneck and keeps the schema inspectable.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS beats (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		duration_s REAL NOT NULL,
		sample_rate INTEGER NOT NULL,
		bpm INTEGER NOT NULL DEFAULT 0,
		key TEXT NOT NULL DEFAULT '',
		vector TEXT NOT NULL,
		position INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_beats_owner ON beats(owner_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns all stored records in insertion order, plus the highest
// position seen so the caller can continue the sequence.
func (s *Store) Load() ([]Record, int64, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, filename, duration_s, sample_rate, bpm, key, vector, position
		FROM beats ORDER BY position ASC`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		records []Record
		maxPos  int64
	)
	for rows.Next() {
		var (
			r       Record
			rawVec  string
			pos     int64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Filename, &r.DurationS, &r.SampleRate, &r.BPM, &r.Key, &rawVec, &pos); err != nil {
			return nil, 0, err
		}

		var vec []float64
		if err := json.Unmarshal([]byte(rawVec), &vec); err != nil {
			return nil, 0, fmt.Errorf("beat %s: decode vector: %w", r.ID, err)
		}
		if len(vec) != feature.Size {
			return nil, 0, fmt.Errorf("beat %s: vector has %d values, want %d", r.ID, len(vec), feature.Size)
		}
		copy(r.Vector[:], vec)

		records = append(records, r)
		if pos > maxPos {
			maxPos = pos
		}
	}
	return records, maxPos, rows.Err()
}

// Save writes a record. An existing record with the same ID is updated in
// place, keeping its insertion position; otherwise the record is inserted
// at the given position.
func (s *Store) Save(r Record, pos int64) error {
	vec, err := json.Marshal(r.Vector[:])
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE beats SET owner_id = ?, filename = ?, duration_s = ?, sample_rate = ?, bpm = ?, key = ?, vector = ?
		WHERE id = ?`,
		r.OwnerID, r.Filename, r.DurationS, r.SampleRate, r.BPM, r.Key, string(vec), r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO beats (id, owner_id, filename, duration_s, sample_rate, bpm, key, vector, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Filename, r.DurationS, r.SampleRate, r.BPM, r.Key, string(vec), pos)
	return err
}

// Delete removes a record by ID.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM beats WHERE id = ?`, id)
	return err
}

// DeleteOwner removes every record belonging to an owner.
func (s *Store) DeleteOwner(ownerID string) error {
	_, err := s.db.Exec(`DELETE FROM beats WHERE owner_id = ?`, ownerID)
	return err
}

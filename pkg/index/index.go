// Package index holds each producer's beat library: owner-scoped records
// with their feature vectors, kept in memory for ranking and optionally
// written through to SQLite so a library survives restarts.
package index

import (
	"fmt"
	"iter"
	"sync"

	"github.com/tunefind/tunefind/pkg/feature"
)

// Record is the persisted unit: one uploaded beat.
type Record struct {
	ID         string         `json:"beat_id"`
	OwnerID    string         `json:"owner_id"`
	Filename   string         `json:"filename"`
	Vector     feature.Vector `json:"-"`
	BPM        int            `json:"bpm,omitempty"` // 0 = unknown
	Key        string         `json:"key,omitempty"` // "" = unknown
	DurationS  float64        `json:"duration_s"`
	SampleRate int            `json:"sample_rate"`
}

// Entry pairs a record ID with its feature vector for a ranking pass.
type Entry struct {
	ID     string
	Vector feature.Vector
}

// Index is the process-wide beat library. All operations are owner-scoped;
// no read or write ever crosses owners. A single RWMutex serializes
// mutations and gives readers consistent snapshots.
type Index struct {
	mu      sync.RWMutex
	owners  map[string][]Record // insertion order per owner
	byID    map[string]string   // beat ID -> owner, IDs are globally unique
	nextPos int64

	store *Store // nil for a purely in-memory index
}

// New creates an empty in-memory index with no persistence.
func New() *Index {
	return &Index{
		owners: make(map[string][]Record),
		byID:   make(map[string]string),
	}
}

// Open creates an index backed by a SQLite file, loading all previously
// stored records in insertion order.
func Open(path string) (*Index, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}

	idx := New()
	idx.store = store

	records, maxPos, err := store.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}
	for _, r := range records {
		idx.owners[r.OwnerID] = append(idx.owners[r.OwnerID], r)
		idx.byID[r.ID] = r.OwnerID
	}
	idx.nextPos = maxPos + 1

	return idx, nil
}

// Close releases the persistence handle, if any.
func (x *Index) Close() error {
	if x.store == nil {
		return nil
	}
	return x.store.Close()
}

// Add inserts a record, or replaces the record with the same ID in place so
// re-ingestion keeps its position in the owner's library. The store is
// written before memory: a failed write leaves the index unchanged, so what
// is rankable always matches what a reload would rebuild.
func (x *Index) Add(r Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	owner, exists := x.byID[r.ID]
	if exists && owner != r.OwnerID {
		return fmt.Errorf("beat %s already belongs to another owner", r.ID)
	}

	if x.store != nil {
		if err := x.store.Save(r, x.nextPos); err != nil {
			return fmt.Errorf("persist beat %s: %w", r.ID, err)
		}
		x.nextPos++
	}

	if exists {
		records := x.owners[owner]
		for i := range records {
			if records[i].ID == r.ID {
				records[i] = r
				break
			}
		}
	} else {
		x.owners[r.OwnerID] = append(x.owners[r.OwnerID], r)
		x.byID[r.ID] = r.OwnerID
	}
	return nil
}

// Remove deletes the record with the given ID from an owner's library.
// Removing an absent ID, or an ID held by a different owner, is a no-op.
func (x *Index) Remove(ownerID, id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if owner, ok := x.byID[id]; !ok || owner != ownerID {
		return false, nil
	}

	if x.store != nil {
		if err := x.store.Delete(id); err != nil {
			return false, fmt.Errorf("delete beat %s: %w", id, err)
		}
	}

	records := x.owners[ownerID]
	for i := range records {
		if records[i].ID == id {
			x.owners[ownerID] = append(records[:i:i], records[i+1:]...)
			break
		}
	}
	delete(x.byID, id)
	return true, nil
}

// Clear deletes every record for an owner and returns the count removed.
// An unknown owner clears zero records without error.
func (x *Index) Clear(ownerID string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	records := x.owners[ownerID]
	if x.store != nil {
		if err := x.store.DeleteOwner(ownerID); err != nil {
			return 0, fmt.Errorf("clear owner %s: %w", ownerID, err)
		}
	}

	for _, r := range records {
		delete(x.byID, r.ID)
	}
	delete(x.owners, ownerID)
	return len(records), nil
}

// Get returns an owner's record by ID.
func (x *Index) Get(ownerID, id string) (Record, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if owner, ok := x.byID[id]; !ok || owner != ownerID {
		return Record{}, false
	}
	for _, r := range x.owners[ownerID] {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Count returns the number of records in an owner's library.
func (x *Index) Count(ownerID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.owners[ownerID])
}

// All iterates an owner's records in insertion order. The sequence is a
// snapshot: it is finite, restartable, and unaffected by concurrent writes.
func (x *Index) All(ownerID string) iter.Seq[Record] {
	x.mu.RLock()
	records := make([]Record, len(x.owners[ownerID]))
	copy(records, x.owners[ownerID])
	x.mu.RUnlock()

	return func(yield func(Record) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}

// Vectors returns (ID, vector) pairs for an owner's library in insertion
// order. The slice is freshly built on every call, so it always reflects
// the latest Add/Remove state and is safe to rank against concurrently.
func (x *Index) Vectors(ownerID string) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	records := x.owners[ownerID]
	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = Entry{ID: r.ID, Vector: r.Vector}
	}
	return entries
}

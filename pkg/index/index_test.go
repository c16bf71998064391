package index

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunefind/tunefind/pkg/feature"
)

func record(id, owner string, seed float64) Record {
	var v feature.Vector
	for i := range v {
		v[i] = seed + float64(i)
	}
	return Record{
		ID:         id,
		OwnerID:    owner,
		Filename:   id + ".wav",
		Vector:     v,
		BPM:        120,
		Key:        "Am",
		DurationS:  2.5,
		SampleRate: feature.TargetRate,
	}
}

func TestAddPreservesInsertionOrder(t *testing.T) {
	idx := New()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, idx.Add(record(id, "owner", 1)))
	}

	var ids []string
	for r := range idx.All("owner") {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	entries := idx.Vectors("owner")
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[2].ID)
}

func TestAddReplacesInPlace(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a", "owner", 1)))
	require.NoError(t, idx.Add(record("b", "owner", 2)))

	updated := record("a", "owner", 9)
	updated.Filename = "renamed.wav"
	require.NoError(t, idx.Add(updated))

	assert.Equal(t, 2, idx.Count("owner"))

	entries := idx.Vectors("owner")
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID, "replaced record keeps its position")
	assert.Equal(t, updated.Vector, entries[0].Vector)

	got, ok := idx.Get("owner", "a")
	require.True(t, ok)
	assert.Equal(t, "renamed.wav", got.Filename)
}

func TestAddRejectsCrossOwnerID(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a", "alice", 1)))

	err := idx.Add(record("a", "bob", 2))
	assert.Error(t, err)
	assert.Equal(t, 0, idx.Count("bob"))
}

func TestOwnerIsolation(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a1", "alice", 1)))
	require.NoError(t, idx.Add(record("a2", "alice", 2)))
	require.NoError(t, idx.Add(record("b1", "bob", 3)))

	assert.Equal(t, 2, idx.Count("alice"))
	assert.Equal(t, 1, idx.Count("bob"))

	_, ok := idx.Get("bob", "a1")
	assert.False(t, ok, "bob must not see alice's beat")

	removed, err := idx.Remove("bob", "a1")
	require.NoError(t, err)
	assert.False(t, removed, "cross-owner remove is a no-op")
	assert.Equal(t, 2, idx.Count("alice"))
}

func TestRemove(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a", "owner", 1)))
	require.NoError(t, idx.Add(record("b", "owner", 2)))
	require.NoError(t, idx.Add(record("c", "owner", 3)))

	removed, err := idx.Remove("owner", "b")
	require.NoError(t, err)
	assert.True(t, removed)

	var ids []string
	for r := range idx.All("owner") {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)

	removed, err = idx.Remove("owner", "b")
	require.NoError(t, err)
	assert.False(t, removed, "double remove is a no-op")

	removed, err = idx.Remove("owner", "nope")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestClear(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a", "alice", 1)))
	require.NoError(t, idx.Add(record("b", "alice", 2)))
	require.NoError(t, idx.Add(record("c", "bob", 3)))

	count, err := idx.Clear("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, idx.Count("alice"))
	assert.Equal(t, 1, idx.Count("bob"))

	count, err = idx.Clear("nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAllIsASnapshot(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a", "owner", 1)))
	require.NoError(t, idx.Add(record("b", "owner", 2)))

	seq := idx.All("owner")

	// Mutations after the snapshot must not affect a running or restarted
	// iteration.
	require.NoError(t, idx.Add(record("c", "owner", 3)))
	_, err := idx.Remove("owner", "a")
	require.NoError(t, err)

	for range 2 {
		var ids []string
		for r := range seq {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"a", "b"}, ids)
	}
}

func TestVectorsReflectsLatestState(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(record("a", "owner", 1)))
	assert.Len(t, idx.Vectors("owner"), 1)

	require.NoError(t, idx.Add(record("b", "owner", 2)))
	assert.Len(t, idx.Vectors("owner"), 2)

	_, err := idx.Remove("owner", "a")
	require.NoError(t, err)
	assert.Len(t, idx.Vectors("owner"), 1)
}

func TestOpenReloadsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "beats.db")

	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(record("a", "alice", 1)))
	require.NoError(t, idx.Add(record("b", "alice", 2)))
	require.NoError(t, idx.Add(record("c", "bob", 3)))
	_, err = idx.Remove("alice", "a")
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Count("alice"))
	assert.Equal(t, 1, reopened.Count("bob"))

	got, ok := reopened.Get("alice", "b")
	require.True(t, ok)
	assert.Equal(t, record("b", "alice", 2), got)
}

func TestFailedWriteThroughLeavesIndexUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beats.db")

	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(record("a", "alice", 1)))

	// Closing the database makes every write-through fail; the in-memory
	// state must then stay exactly what a reload would rebuild.
	require.NoError(t, idx.store.Close())

	err = idx.Add(record("b", "alice", 2))
	require.Error(t, err)
	assert.Equal(t, 1, idx.Count("alice"))
	assert.Len(t, idx.Vectors("alice"), 1)
	_, ok := idx.Get("alice", "b")
	assert.False(t, ok, "failed add must not be rankable")

	removed, err := idx.Remove("alice", "a")
	require.Error(t, err)
	assert.False(t, removed)
	_, ok = idx.Get("alice", "a")
	assert.True(t, ok, "failed remove must keep the record")

	count, err := idx.Clear("alice")
	require.Error(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 1, idx.Count("alice"))
}

func TestConcurrentAddAndRead(t *testing.T) {
	idx := New()
	const n = 50

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := idx.Add(record(fmt.Sprintf("beat-%02d", i), "alice", float64(i))); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			for _, e := range idx.Vectors("alice") {
				if e.ID == "" {
					t.Error("observed a partially written entry")
				}
			}
			for r := range idx.All("alice") {
				if r.OwnerID != "alice" {
					t.Errorf("record %s has owner %q", r.ID, r.OwnerID)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, idx.Count("alice"))
	assert.Len(t, idx.Vectors("alice"), n)
}

func TestOpenKeepsOrderAcrossReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beats.db")

	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(record("a", "owner", 1)))
	require.NoError(t, idx.Add(record("b", "owner", 2)))
	require.NoError(t, idx.Add(record("a", "owner", 9))) // replace first
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries := reopened.Vectors("owner")
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID, "replace must not move the record to the end")
	assert.Equal(t, record("a", "owner", 9).Vector, entries[0].Vector)
}

package service

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunefind/tunefind/pkg/analysis"
	"github.com/tunefind/tunefind/pkg/audio"
)

// toneWAV builds a mono 16-bit WAV containing a sine tone at the pipeline's
// native rate, so tests exercise decode without hitting ffmpeg.
func toneWAV(freq float64, seconds float64) []byte {
	n := int(seconds * float64(audio.TargetRate))
	pcm := &bytes.Buffer{}
	for i := range n {
		val := int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(audio.TargetRate)))
		binary.Write(pcm, binary.LittleEndian, val)
	}

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+pcm.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(audio.TargetRate))
	binary.Write(buf, binary.LittleEndian, uint32(audio.TargetRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(pcm.Len()))
	buf.Write(pcm.Bytes())
	return buf.Bytes()
}

// newTestService builds an in-memory service with enrichment disabled, so
// results depend only on the similarity pipeline.
func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc.WithEnricher(nil)
}

func TestUploadSearchRoundTrip(t *testing.T) {
	svc := newTestService(t)
	beat := toneWAV(440, 2)

	up, err := svc.Upload("alice", "beat.wav", beat, UploadOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, up.BeatID)
	assert.InDelta(t, 2.0, up.DurationS, 0.01)

	result, err := svc.Search("alice", beat, 5)
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, up.BeatID, result.Matches[0].BeatID)
	assert.Equal(t, "beat.wav", result.Matches[0].Filename)
	assert.InDelta(t, 1.0, result.Matches[0].Score, 1e-9)
}

func TestSearchRanksNearestTone(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Upload("alice", "low.wav", toneWAV(220, 2), UploadOptions{})
	require.NoError(t, err)
	_, err = svc.Upload("alice", "high.wav", toneWAV(660, 2), UploadOptions{})
	require.NoError(t, err)

	// A 230Hz hum sits near the low beat and far from the high one.
	result, err := svc.Search("alice", toneWAV(230, 2), 5)
	require.NoError(t, err)
	require.Equal(t, 2, result.Count)
	assert.Equal(t, "low.wav", result.Matches[0].Filename)
	assert.Greater(t, result.Matches[0].Score, result.Matches[1].Score)
}

func TestSearchOwnerIsolation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	require.NoError(t, err)

	_, err = svc.Search("bob", toneWAV(440, 2), 5)
	assert.ErrorIs(t, err, ErrEmptyLibrary)

	list, err := svc.List("bob")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Count)
}

func TestSearchEmptyLibrary(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Search("alice", toneWAV(440, 1), 5)
	assert.ErrorIs(t, err, ErrEmptyLibrary)
}

func TestSearchUndecodableQuery(t *testing.T) {
	svc := newTestService(t)

	// Decode runs before the library check, so a bad clip is a decode
	// error whether or not the owner has any beats.
	var decodeErr *audio.DecodeError
	_, err := svc.Search("alice", []byte("not audio at all"), 5)
	assert.ErrorAs(t, err, &decodeErr)

	_, err = svc.Upload("alice", "beat.wav", toneWAV(440, 1), UploadOptions{})
	require.NoError(t, err)
	_, err = svc.Search("alice", []byte("not audio at all"), 5)
	assert.ErrorAs(t, err, &decodeErr)
}

func TestConcurrentUploads(t *testing.T) {
	svc := newTestService(t)
	beat := toneWAV(440, 1)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Upload("alice", fmt.Sprintf("beat-%02d.wav", i), beat, UploadOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	list, err := svc.List("alice")
	require.NoError(t, err)
	assert.Equal(t, n, list.Count)
}

func TestSearchValidatesTopK(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Upload("alice", "beat.wav", toneWAV(440, 1), UploadOptions{})
	require.NoError(t, err)

	for _, k := range []int{0, -1, MaxTopK + 1} {
		_, err := svc.Search("alice", toneWAV(440, 1), k)
		assert.ErrorIs(t, err, ErrInvalidArgument, "top_k = %d", k)
	}

	_, err = svc.Search("alice", toneWAV(440, 1), MaxTopK)
	assert.NoError(t, err)
}

func TestUploadValidatesArguments(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Upload("", "beat.wav", toneWAV(440, 1), UploadOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Upload("alice", "beat.wav", nil, UploadOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUploadUndecodableBytes(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Upload("alice", "junk.xyz", []byte("not audio at all"), UploadOptions{})
	var decodeErr *audio.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestUploadMetadataOverrides(t *testing.T) {
	svc := newTestService(t)

	up, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{BPM: 128, Key: "F#m"})
	require.NoError(t, err)
	assert.Equal(t, 128, up.BPM)
	assert.Equal(t, "F#m", up.Key)

	r, ok := svc.idx.Get("alice", up.BeatID)
	require.True(t, ok)
	assert.Equal(t, 128, r.BPM)
	assert.Equal(t, "F#m", r.Key)
}

func TestUploadSkipDuplicate(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	require.NoError(t, err)

	second, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{SkipDuplicate: true})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.BeatID, second.BeatID)
	assert.Equal(t, 1, svc.idx.Count("alice"))

	// Without the flag the same filename becomes a second record.
	third, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Equal(t, 2, svc.idx.Count("alice"))
}

func TestDeleteOne(t *testing.T) {
	svc := newTestService(t)

	up, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	require.NoError(t, err)

	removed, err := svc.Delete("alice", up.BeatID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Delete("alice", up.BeatID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = svc.Delete("", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeleteAll(t *testing.T) {
	svc := newTestService(t)

	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		_, err := svc.Upload("alice", name, toneWAV(440, 1), UploadOptions{})
		require.NoError(t, err)
	}
	_, err := svc.Upload("bob", "d.wav", toneWAV(440, 1), UploadOptions{})
	require.NoError(t, err)

	count, err := svc.DeleteAll("alice")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	list, err := svc.List("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Count)

	_, err = svc.Search("alice", toneWAV(440, 1), 5)
	assert.ErrorIs(t, err, ErrEmptyLibrary)

	assert.Equal(t, 1, svc.idx.Count("bob"), "other owners keep their beats")
}

func TestListInsertionOrder(t *testing.T) {
	svc := newTestService(t)

	names := []string{"third.wav", "first.wav", "second.wav"}
	for _, name := range names {
		_, err := svc.Upload("alice", name, toneWAV(440, 1), UploadOptions{})
		require.NoError(t, err)
	}

	list, err := svc.List("alice")
	require.NoError(t, err)
	require.Equal(t, 3, list.Count)
	for i, name := range names {
		assert.Equal(t, name, list.Beats[i].Filename)
	}
}

type stubKey struct {
	key string
	err error
}

func (s stubKey) Available() bool { return true }

func (s stubKey) EstimateKey([]byte, []float64, int) (string, error) {
	return s.key, s.err
}

func TestRequireKeyDetection(t *testing.T) {
	svc, err := New(Config{RequireKeyDetection: true})
	require.NoError(t, err)
	defer svc.Close()

	// No estimator at all: refused before decode.
	svc.WithEnricher(&analysis.Enricher{})
	_, err = svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	assert.ErrorIs(t, err, ErrDependencyMissing)

	// Estimator present but producing nothing: refused after the attempt.
	svc.WithEnricher(&analysis.Enricher{Key: stubKey{err: errors.New("failed")}})
	_, err = svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	assert.ErrorIs(t, err, ErrDependencyMissing)

	// A caller-supplied key satisfies the requirement without an estimator.
	svc.WithEnricher(&analysis.Enricher{})
	up, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{Key: "Cm"})
	require.NoError(t, err)
	assert.Equal(t, "Cm", up.Key)

	// A working estimator satisfies it too.
	svc.WithEnricher(&analysis.Enricher{Key: stubKey{key: "G"}})
	up, err = svc.Upload("alice", "other.wav", toneWAV(440, 2), UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "G", up.Key)
}

func TestDataDirRetentionAndPersistence(t *testing.T) {
	dir := t.TempDir()

	svc, err := New(Config{DataDir: dir})
	require.NoError(t, err)
	svc.WithEnricher(nil)

	up, err := svc.Upload("alice", "beat.wav", toneWAV(440, 2), UploadOptions{})
	require.NoError(t, err)

	retained := filepath.Join(dir, "uploads", "alice", up.BeatID+"_beat.wav")
	if _, err := os.Stat(retained); err != nil {
		t.Fatalf("retained upload missing: %v", err)
	}
	require.NoError(t, svc.Close())

	// A fresh service over the same directory sees the library.
	svc2, err := New(Config{DataDir: dir})
	require.NoError(t, err)
	defer svc2.Close()
	svc2.WithEnricher(nil)

	list, err := svc2.List("alice")
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, up.BeatID, list.Beats[0].ID)

	result, err := svc2.Search("alice", toneWAV(440, 2), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	assert.InDelta(t, 1.0, result.Matches[0].Score, 1e-9)

	// Deleting the beat also drops its retained file.
	removed, err := svc2.Delete("alice", up.BeatID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(retained)
	assert.True(t, os.IsNotExist(err))
}

func TestDiagnose(t *testing.T) {
	svc := newTestService(t)

	d := svc.Diagnose()
	assert.False(t, d.KeyRequired)
	assert.Empty(t, d.KeyFinder)
}

// Package service orchestrates the beat library: it composes the decoder,
// feature extractor, enrichment analyzers, index, and ranker behind the
// four operations the HTTP and CLI layers call.
package service

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tunefind/tunefind/pkg/analysis"
	"github.com/tunefind/tunefind/pkg/audio"
	"github.com/tunefind/tunefind/pkg/feature"
	"github.com/tunefind/tunefind/pkg/index"
	"github.com/tunefind/tunefind/pkg/rank"
)

// MaxTopK caps how many matches a single search may request.
const MaxTopK = 20

// Config holds the service's operational settings.
type Config struct {
	// DataDir is the root for retained uploads and the persisted index.
	// Empty means fully in-memory with no upload retention.
	DataDir string

	// RequireKeyDetection makes uploads fail with ErrDependencyMissing
	// when no key estimator is available, instead of degrading the key to
	// unknown. This is the single policy flag for strict libraries.
	RequireKeyDetection bool
}

// Service owns the library index for the process lifetime. Construct one
// at startup with New and pass it to the server/CLI; it is safe for
// concurrent use.
type Service struct {
	cfg      Config
	idx      *index.Index
	enricher *analysis.Enricher
}

// New builds a service from config, opening (or creating) the persisted
// index when a data directory is configured.
func New(cfg Config) (*Service, error) {
	var (
		idx *index.Index
		err error
	)
	if cfg.DataDir != "" {
		idx, err = index.Open(filepath.Join(cfg.DataDir, "index", "beats.db"))
		if err != nil {
			return nil, fmt.Errorf("open beat index: %w", err)
		}
	} else {
		idx = index.New()
	}

	return &Service{
		cfg:      cfg,
		idx:      idx,
		enricher: analysis.NewEnricher(),
	}, nil
}

// WithEnricher replaces the enrichment chain; used by tests and by callers
// that disable enrichment entirely (nil).
func (s *Service) WithEnricher(e *analysis.Enricher) *Service {
	s.enricher = e
	return s
}

// Close flushes and releases the persisted index.
func (s *Service) Close() error {
	return s.idx.Close()
}

// UploadResult summarizes one ingested beat.
type UploadResult struct {
	BeatID    string  `json:"beat_id"`
	OwnerID   string  `json:"owner_id"`
	Filename  string  `json:"filename"`
	DurationS float64 `json:"duration_s"`
	BPM       int     `json:"bpm,omitempty"`
	Key       string  `json:"key,omitempty"`
	Skipped   bool    `json:"skipped,omitempty"`
}

// UploadOptions carries caller-supplied metadata overrides.
type UploadOptions struct {
	// BPM and Key override the enrichment estimates when non-zero.
	BPM int
	Key string

	// SkipDuplicate makes an upload whose filename already exists in the
	// owner's library a no-op instead of a new record.
	SkipDuplicate bool
}

// Upload ingests raw audio bytes into an owner's library: decode, extract
// features, enrich with tempo/key, retain the original bytes, index.
// Enrichment is best effort unless RequireKeyDetection is set.
func (s *Service) Upload(ownerID, filename string, data []byte, opts UploadOptions) (UploadResult, error) {
	if ownerID == "" {
		return UploadResult{}, fmt.Errorf("%w: owner_id is required", ErrInvalidArgument)
	}
	if len(data) == 0 {
		return UploadResult{}, fmt.Errorf("%w: file is required", ErrInvalidArgument)
	}

	if opts.SkipDuplicate {
		for r := range s.idx.All(ownerID) {
			if r.Filename == filename {
				return UploadResult{
					BeatID:    r.ID,
					OwnerID:   ownerID,
					Filename:  r.Filename,
					DurationS: r.DurationS,
					BPM:       r.BPM,
					Key:       r.Key,
					Skipped:   true,
				}, nil
			}
		}
	}

	if s.cfg.RequireKeyDetection && opts.Key == "" && !s.enricher.KeyAvailable() {
		return UploadResult{}, fmt.Errorf("%w: install keyfinder-cli or unset TUNEFIND_REQUIRE_KEY", ErrDependencyMissing)
	}

	clip, err := audio.Decode(data, filename)
	if err != nil {
		return UploadResult{}, err
	}
	vec := feature.Extract(clip.Samples, audio.TargetRate)

	bpm := opts.BPM
	if bpm == 0 {
		bpm = s.enricher.EstimateTempo(clip.Samples, audio.TargetRate)
	}
	key := opts.Key
	if key == "" {
		key = s.enricher.EstimateKey(data, clip.Samples, audio.TargetRate)
		if key == "" && s.cfg.RequireKeyDetection {
			return UploadResult{}, fmt.Errorf("%w: key detection produced no result", ErrDependencyMissing)
		}
	}

	beatID := uuid.NewString()

	if s.cfg.DataDir != "" {
		if err := s.retainUpload(ownerID, beatID, filename, data); err != nil {
			return UploadResult{}, fmt.Errorf("retain upload: %w", err)
		}
	}

	record := index.Record{
		ID:         beatID,
		OwnerID:    ownerID,
		Filename:   filename,
		Vector:     vec,
		BPM:        bpm,
		Key:        key,
		DurationS:  clip.DurationS,
		SampleRate: audio.TargetRate,
	}
	if err := s.idx.Add(record); err != nil {
		return UploadResult{}, fmt.Errorf("index beat: %w", err)
	}

	return UploadResult{
		BeatID:    beatID,
		OwnerID:   ownerID,
		Filename:  filename,
		DurationS: clip.DurationS,
		BPM:       bpm,
		Key:       key,
	}, nil
}

// Match is one search result, ordered best first.
type Match struct {
	BeatID    string  `json:"beat_id"`
	Filename  string  `json:"filename"`
	OwnerID   string  `json:"owner_id"`
	DurationS float64 `json:"duration_s"`
	BPM       int     `json:"bpm,omitempty"`
	Key       string  `json:"key,omitempty"`
	Score     float64 `json:"score"`
}

// SearchResult is an ordered match list. Count == 0 with a nil error means
// the library was searched and nothing matched, which cannot happen
// without a score threshold; an empty library is ErrEmptyLibrary instead.
type SearchResult struct {
	Matches []Match `json:"matches"`
	Count   int     `json:"count"`
}

// Search decodes a hummed query, extracts its features, and ranks it
// against the owner's library.
func (s *Service) Search(ownerID string, data []byte, topK int) (SearchResult, error) {
	if ownerID == "" {
		return SearchResult{}, fmt.Errorf("%w: owner_id is required", ErrInvalidArgument)
	}
	if topK < 1 || topK > MaxTopK {
		return SearchResult{}, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidArgument, MaxTopK)
	}
	if len(data) == 0 {
		return SearchResult{}, fmt.Errorf("%w: file is required", ErrInvalidArgument)
	}

	clip, err := audio.Decode(data, "")
	if err != nil {
		return SearchResult{}, err
	}
	query := feature.Extract(clip.Samples, audio.TargetRate)

	// The library check comes after decode so the error kind follows the
	// first failing stage: a bad clip is a decode error even when the
	// owner has no beats yet.
	candidates := s.idx.Vectors(ownerID)
	if len(candidates) == 0 {
		return SearchResult{}, fmt.Errorf("%w: owner %s has no beats", ErrEmptyLibrary, ownerID)
	}

	ranked := rank.Rank(query, candidates, topK)

	matches := make([]Match, 0, len(ranked))
	for _, m := range ranked {
		r, ok := s.idx.Get(ownerID, m.ID)
		if !ok {
			continue // removed between snapshot and join
		}
		matches = append(matches, Match{
			BeatID:    r.ID,
			Filename:  r.Filename,
			OwnerID:   r.OwnerID,
			DurationS: r.DurationS,
			BPM:       r.BPM,
			Key:       r.Key,
			Score:     roundScore(m.Score),
		})
	}

	return SearchResult{Matches: matches, Count: len(matches)}, nil
}

// ListResult is an owner's library in insertion order.
type ListResult struct {
	Beats []index.Record `json:"beats"`
	Count int            `json:"count"`
}

// List returns an owner's beats. An unknown owner lists an empty library,
// not an error.
func (s *Service) List(ownerID string) (ListResult, error) {
	if ownerID == "" {
		return ListResult{}, fmt.Errorf("%w: owner_id is required", ErrInvalidArgument)
	}

	beats := make([]index.Record, 0, s.idx.Count(ownerID))
	for r := range s.idx.All(ownerID) {
		beats = append(beats, r)
	}
	return ListResult{Beats: beats, Count: len(beats)}, nil
}

// Delete removes a single beat and its retained upload. Deleting an absent
// beat reports removed == false without error.
func (s *Service) Delete(ownerID, beatID string) (bool, error) {
	if ownerID == "" || beatID == "" {
		return false, fmt.Errorf("%w: owner_id and beat_id are required", ErrInvalidArgument)
	}

	r, ok := s.idx.Get(ownerID, beatID)
	removed, err := s.idx.Remove(ownerID, beatID)
	if err != nil {
		return removed, err
	}
	if removed && ok && s.cfg.DataDir != "" {
		os.Remove(s.uploadPath(ownerID, beatID, r.Filename))
	}
	return removed, nil
}

// DeleteAll removes every beat for an owner, returning the count removed.
func (s *Service) DeleteAll(ownerID string) (int, error) {
	if ownerID == "" {
		return 0, fmt.Errorf("%w: owner_id is required", ErrInvalidArgument)
	}

	count, err := s.idx.Clear(ownerID)
	if err != nil {
		return count, err
	}
	if s.cfg.DataDir != "" {
		os.RemoveAll(filepath.Join(s.cfg.DataDir, "uploads", ownerID))
	}
	return count, nil
}

// Diagnostics reports the state of the external collaborators, for the
// /diagnostics endpoint and CLI troubleshooting.
type Diagnostics struct {
	FFmpeg            string `json:"ffmpeg,omitempty"`
	KeyFinder         string `json:"keyfinder,omitempty"`
	KeyRequired       bool   `json:"keyfinder_required"`
	DependenciesReady bool   `json:"dependencies_ready"`
}

// Diagnose probes the external decode and key-detection dependencies.
func (s *Service) Diagnose() Diagnostics {
	d := Diagnostics{
		FFmpeg:      audio.FFmpegPath(),
		KeyRequired: s.cfg.RequireKeyDetection,
	}
	if s.enricher != nil {
		if kf, ok := s.enricher.Key.(*analysis.KeyFinderCLI); ok && kf.Available() {
			d.KeyFinder = kf.Path
		}
	}
	d.DependenciesReady = d.FFmpeg != "" && (!s.cfg.RequireKeyDetection || s.enricher.KeyAvailable())
	return d
}

func (s *Service) uploadPath(ownerID, beatID, filename string) string {
	return filepath.Join(s.cfg.DataDir, "uploads", ownerID, beatID+"_"+filepath.Base(filename))
}

func (s *Service) retainUpload(ownerID, beatID, filename string, data []byte) error {
	dir := filepath.Join(s.cfg.DataDir, "uploads", ownerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(s.uploadPath(ownerID, beatID, filename), data, 0644)
}

// roundScore trims a similarity score to 4 decimal places for display.
func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}

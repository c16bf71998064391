// Package analysis provides best-effort tempo and key enrichment for
// uploaded beats. Estimates are advisory metadata only: they are attached
// to a beat record for display and never participate in similarity
// ranking.
package analysis

// TempoEstimator estimates a clip's tempo in BPM. ok is false when the
// clip is too short or too flat to carry a rhythm.
type TempoEstimator interface {
	EstimateTempo(samples []float64, sampleRate int) (bpm int, ok bool)
}

// KeyEstimator estimates a clip's musical key as a label like "A" or
// "F#m". Implementations backed by an external tool receive the original
// encoded bytes; in-process implementations use the decoded samples.
type KeyEstimator interface {
	EstimateKey(raw []byte, samples []float64, sampleRate int) (string, error)

	// Available reports whether the estimator's dependencies are present.
	Available() bool
}

// Enricher composes the available estimators. Members may be nil; every
// estimate is best effort and a failed or missing estimator simply leaves
// the field unknown.
type Enricher struct {
	Tempo       TempoEstimator
	Key         KeyEstimator
	KeyFallback KeyEstimator
}

// NewEnricher builds the default enrichment chain: in-process onset
// autocorrelation for tempo, keyfinder-cli for key with the chroma
// estimator as fallback when the CLI is not installed or fails.
func NewEnricher() *Enricher {
	return &Enricher{
		Tempo:       &OnsetTempo{},
		Key:         NewKeyFinderCLI(),
		KeyFallback: &ChromaKey{},
	}
}

// EstimateTempo returns the tempo estimate, or 0 when unknown.
func (e *Enricher) EstimateTempo(samples []float64, sampleRate int) int {
	if e == nil || e.Tempo == nil {
		return 0
	}
	bpm, ok := e.Tempo.EstimateTempo(samples, sampleRate)
	if !ok {
		return 0
	}
	return bpm
}

// EstimateKey returns the key estimate, or "" when unknown. The primary
// estimator is tried first; the fallback covers an absent or failing
// primary.
func (e *Enricher) EstimateKey(raw []byte, samples []float64, sampleRate int) string {
	if e == nil {
		return ""
	}
	for _, est := range []KeyEstimator{e.Key, e.KeyFallback} {
		if est == nil || !est.Available() {
			continue
		}
		if key, err := est.EstimateKey(raw, samples, sampleRate); err == nil && key != "" {
			return key
		}
	}
	return ""
}

// KeyAvailable reports whether any key estimator can run.
func (e *Enricher) KeyAvailable() bool {
	if e == nil {
		return false
	}
	if e.Key != nil && e.Key.Available() {
		return true
	}
	return e.KeyFallback != nil && e.KeyFallback.Available()
}

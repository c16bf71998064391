package analysis

import (
	"math"

	"github.com/tunefind/tunefind/pkg/feature"
)

// OnsetTempo estimates BPM from the autocorrelation of an onset-strength
// signal: frame the clip, take the positive energy differences between
// consecutive frames, and find the lag with the strongest self-similarity
// inside the plausible tempo range.
type OnsetTempo struct{}

const (
	tempoMinBPM = 60
	tempoMaxBPM = 200
)

// EstimateTempo returns the estimated BPM, folded into [60, 200] by octave
// doubling/halving. ok is false for clips under one second or without any
// energy rise to track.
func (OnsetTempo) EstimateTempo(samples []float64, sampleRate int) (int, bool) {
	if sampleRate != feature.TargetRate && sampleRate > 0 {
		samples = feature.Resample(samples, sampleRate, feature.TargetRate)
		sampleRate = feature.TargetRate
	}
	if len(samples) < sampleRate {
		return 0, false
	}

	energies := frameEnergies(samples)
	if len(energies) < 4 {
		return 0, false
	}

	// Onset strength: positive energy change, normalized to its peak.
	onset := make([]float64, len(energies)-1)
	maxOnset := 0.0
	for i := 1; i < len(energies); i++ {
		d := energies[i] - energies[i-1]
		if d < 0 {
			d = 0
		}
		onset[i-1] = d
		if d > maxOnset {
			maxOnset = d
		}
	}
	if maxOnset <= 1e-8 {
		return 0, false
	}
	for i := range onset {
		onset[i] /= maxOnset
	}

	framesPerSecond := float64(sampleRate) / float64(feature.HopSize)
	lagMin := int(framesPerSecond * 60 / tempoMaxBPM)
	lagMax := int(framesPerSecond * 60 / tempoMinBPM)
	if lagMax <= lagMin {
		return 0, false
	}

	bestLag := 0
	bestScore := -1.0
	for lag := lagMin; lag <= lagMax; lag++ {
		score := 0.0
		for i := lag; i < len(onset); i++ {
			score += onset[i] * onset[i-lag]
		}
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestLag == 0 {
		return 0, false
	}

	bpm := int(math.Round(60 * framesPerSecond / float64(bestLag)))
	for bpm < tempoMinBPM {
		bpm *= 2
	}
	for bpm > tempoMaxBPM {
		bpm /= 2
	}
	return bpm, true
}

// frameEnergies returns the unnormalized energy of each analysis window.
func frameEnergies(samples []float64) []float64 {
	if len(samples) < feature.FrameSize {
		return nil
	}
	n := (len(samples)-feature.FrameSize)/feature.HopSize + 1
	energies := make([]float64, n)
	for i := range n {
		start := i * feature.HopSize
		sum := 0.0
		for _, s := range samples[start : start+feature.FrameSize] {
			sum += s * s
		}
		energies[i] = sum
	}
	return energies
}

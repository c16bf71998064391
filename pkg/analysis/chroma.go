package analysis

import (
	"math"

	"github.com/tunefind/tunefind/pkg/feature"
)

// ChromaKey is the in-process fallback key estimator. It tracks a coarse
// pitch per analysis window via autocorrelation, accumulates an
// energy-weighted pitch-class profile, and correlates it against the
// Krumhansl-Schmuckler major and minor key profiles.
type ChromaKey struct{}

var (
	majorProfile = [12]float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = [12]float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}

	pitchNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}
)

// Available always reports true; the estimator has no external
// dependencies.
func (ChromaKey) Available() bool { return true }

// EstimateKey returns a label like "G" or "C#m", or an error when the clip
// carries no trackable pitch.
func (ChromaKey) EstimateKey(_ []byte, samples []float64, sampleRate int) (string, error) {
	if sampleRate != feature.TargetRate && sampleRate > 0 {
		samples = feature.Resample(samples, sampleRate, feature.TargetRate)
		sampleRate = feature.TargetRate
	}
	if len(samples) < feature.FrameSize {
		return "", errNoPitch
	}

	var pitchClasses [12]float64

	// Pitch range 50Hz-1kHz: lag bounds at the analysis rate.
	minLag := sampleRate / 1000
	if minLag < 1 {
		minLag = 1
	}
	maxLag := sampleRate / 50
	if maxLag > feature.FrameSize-1 {
		maxLag = feature.FrameSize - 1
	}

	numFrames := (len(samples)-feature.FrameSize)/feature.HopSize + 1

	// Cap the pitch-tracking work on long clips; key is stable enough to
	// sample every nth window.
	step := numFrames / 300
	if step < 1 {
		step = 1
	}

	for i := 0; i < numFrames; i += step {
		frame := samples[i*feature.HopSize : i*feature.HopSize+feature.FrameSize]

		energy := 0.0
		for _, s := range frame {
			energy += s * s
		}
		if energy <= 1e-6 {
			continue
		}

		bestLag := 0
		bestCorr := math.Inf(-1)
		for lag := minLag; lag <= maxLag; lag++ {
			corr := 0.0
			for j := 0; j < len(frame)-lag; j++ {
				corr += frame[j] * frame[j+lag]
			}
			if corr > bestCorr {
				bestCorr = corr
				bestLag = lag
			}
		}
		if bestLag == 0 {
			continue
		}

		freq := float64(sampleRate) / float64(bestLag)
		if freq < 50 || freq > 1000 {
			continue
		}
		midi := 69 + 12*math.Log2(freq/440.0)
		pc := ((int(math.Round(midi)) % 12) + 12) % 12
		pitchClasses[pc] += energy
	}

	total := 0.0
	for _, e := range pitchClasses {
		total += e
	}
	if total <= 0 {
		return "", errNoPitch
	}

	bestKey, bestScore, isMajor := -1, math.Inf(-1), true
	for tonic := 0; tonic < 12; tonic++ {
		majScore, minScore := 0.0, 0.0
		for pc := 0; pc < 12; pc++ {
			// Profile index of pitch class pc relative to this tonic.
			rel := ((pc - tonic) + 12) % 12
			majScore += majorProfile[rel] * pitchClasses[pc]
			minScore += minorProfile[rel] * pitchClasses[pc]
		}
		if majScore > bestScore {
			bestScore, bestKey, isMajor = majScore, tonic, true
		}
		if minScore > bestScore {
			bestScore, bestKey, isMajor = minScore, tonic, false
		}
	}
	if bestKey < 0 {
		return "", errNoPitch
	}

	key := pitchNames[bestKey]
	if !isMajor {
		key += "m"
	}
	return key, nil
}

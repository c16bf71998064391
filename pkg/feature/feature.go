// Package feature converts decoded audio into fixed-length feature vectors.
// The vector summarizes short-term energy, zero-crossing rate, and
// autocorrelation periodicity of a clip, so two clips of different duration
// stay comparable.
package feature

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Analysis constants. These are fixed once: changing any of them changes the
// meaning of every stored vector, so a library would need re-indexing.
const (
	// TargetRate is the canonical sample rate all clips are analyzed at.
	TargetRate = 8000

	// FrameSize is the analysis window in samples (50ms at 8kHz).
	FrameSize = 400

	// HopSize is the step between windows in samples (20ms at 8kHz).
	HopSize = 160
)

// acLags are the autocorrelation lags probed per frame. At 8kHz they cover
// periods of 2.5ms to 15ms (roughly 67Hz to 400Hz), the range where hummed
// pitch and low-end rhythm live.
var acLags = [...]int{20, 40, 80, 120}

// perFrame is the number of features computed per window:
// energy, zero-crossing rate, and one autocorrelation value per lag.
const perFrame = 2 + len(acLags)

// Size is the fixed length of every feature vector: the mean and standard
// deviation of each per-frame feature across the whole clip.
const Size = 2 * perFrame

// Vector is a fixed-length feature vector. The array type makes the fixed
// dimensionality structural: there is no way to store or rank a vector of
// the wrong length.
type Vector [Size]float64

// IsZero reports whether v has zero magnitude.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Extract computes the feature vector for a mono sample sequence. It is a
// pure function: identical samples at an identical rate always produce a
// bit-identical vector. Degenerate input (silence, clips shorter than one
// window, even zero samples) produces the zero vector rather than NaNs.
func Extract(samples []float64, sampleRate int) Vector {
	if sampleRate != TargetRate && sampleRate > 0 {
		samples = Resample(samples, sampleRate, TargetRate)
	}

	frames := frameCount(len(samples))
	feats := make([][perFrame]float64, frames)
	frame := make([]float64, FrameSize)
	for i := range frames {
		fillFrame(frame, samples, i*HopSize)
		frameFeatures(frame, &feats[i])
	}

	var v Vector
	col := make([]float64, frames)
	for f := 0; f < perFrame; f++ {
		for i := range feats {
			col[i] = feats[i][f]
		}
		v[f] = stat.Mean(col, nil)
		v[perFrame+f] = stat.PopStdDev(col, nil)
	}

	// L2 normalize so cosine similarity only compares the shape of the
	// summary, not overall loudness. A zero vector stays zero.
	if norm := floats.Norm(v[:], 2); norm > 0 {
		floats.Scale(1/norm, v[:])
	}
	return v
}

// frameCount returns the number of analysis windows for n samples.
// Short clips are zero-padded up to a single full window.
func frameCount(n int) int {
	if n < FrameSize {
		return 1
	}
	return (n-FrameSize)/HopSize + 1
}

// fillFrame copies FrameSize samples starting at offset, zero-padding past
// the end of the clip.
func fillFrame(frame, samples []float64, start int) {
	for i := range frame {
		if start+i < len(samples) {
			frame[i] = samples[start+i]
		} else {
			frame[i] = 0
		}
	}
}

// frameFeatures computes the per-window features: normalized energy,
// zero-crossing rate, and autocorrelation at each probe lag.
func frameFeatures(frame []float64, out *[perFrame]float64) {
	energy := floats.Dot(frame, frame) / float64(len(frame))

	zc := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0) != (frame[i] >= 0) {
			zc++
		}
	}
	zcr := float64(zc) / float64(len(frame)-1)

	out[0] = energy
	out[1] = zcr
	for i, lag := range acLags {
		out[2+i] = autocorr(frame, lag)
	}
}

// autocorr returns the normalized autocorrelation of frame at the given lag,
// or 0 when the lag exceeds the frame.
func autocorr(frame []float64, lag int) float64 {
	if lag >= len(frame) {
		return 0
	}
	n := len(frame) - lag
	return floats.Dot(frame[:n], frame[lag:]) / float64(n)
}

// Resample converts samples from srcRate to dstRate using linear
// interpolation. Retrieval compares 12 summary statistics, so interpolation
// quality matters less than determinism here.
func Resample(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	outLen := int(float64(len(samples)) * float64(dstRate) / float64(srcRate))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float64, outLen)
	step := float64(len(samples)-1) / math.Max(1, float64(outLen-1))
	for i := range out {
		x := float64(i) * step
		left := int(x)
		right := left + 1
		if right >= len(samples) {
			right = len(samples) - 1
		}
		frac := x - float64(left)
		out[i] = samples[left]*(1-frac) + samples[right]*frac
	}
	return out
}

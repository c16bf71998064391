// Package audio decodes uploaded audio bytes into canonical mono samples.
// WAV and MP3 are decoded in-process; other containers are delegated to an
// ffmpeg subprocess. Every clip is down-mixed to one channel, resampled to
// the fixed target rate, and peak-normalized before feature extraction.
package audio

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/tunefind/tunefind/pkg/feature"
)

// TargetRate is the sample rate of every decoded clip.
const TargetRate = feature.TargetRate

// Clip is a decoded, normalized audio clip ready for feature extraction.
type Clip struct {
	Samples    []float64 // mono, TargetRate, peak-normalized
	NativeRate int       // sample rate of the source before resampling
	DurationS  float64
}

// DecodeError reports input audio that could not be turned into samples:
// unrecognized or corrupt bytes, an empty decode, or a failed/missing
// external decoder.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %s audio", e.Format)
	}
	return fmt.Sprintf("decode %s audio: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(format, msg string, args ...any) error {
	return &DecodeError{Format: format, Err: fmt.Errorf(msg, args...)}
}

// Decode turns encoded audio bytes into a canonical clip. The filename is
// only consulted when the leading bytes don't identify the container.
func Decode(data []byte, filename string) (*Clip, error) {
	if len(data) == 0 {
		return nil, decodeErrorf("empty", "no audio bytes")
	}

	format := SniffFormat(data, filename)

	var (
		samples []float64
		rate    int
		err     error
	)
	switch format {
	case "wav":
		samples, rate, err = decodeWAV(data)
	case "mp3":
		samples, rate, err = decodeMP3(data)
	default:
		samples, rate, err = decodeFFmpeg(data, format)
	}
	if err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, &DecodeError{Format: format, Err: err}
	}
	if len(samples) == 0 {
		return nil, decodeErrorf(format, "decoded zero samples")
	}

	out := feature.Resample(samples, rate, TargetRate)
	normalizePeak(out)

	return &Clip{
		Samples:    out,
		NativeRate: rate,
		DurationS:  float64(len(out)) / float64(TargetRate),
	}, nil
}

// SniffFormat identifies the audio container from its leading bytes, falling
// back to the filename extension.
func SniffFormat(data []byte, filename string) string {
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return "wav"
	}
	if bytes.HasPrefix(data, []byte("ID3")) || (len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0) {
		return "mp3"
	}
	if bytes.HasPrefix(data, []byte("OggS")) {
		return "ogg"
	}
	if bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		return "webm"
	}
	if bytes.HasPrefix(data, []byte("fLaC")) {
		return "flac"
	}
	if len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) {
		return "m4a"
	}

	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return ext
	}
	return "unknown"
}

// Ext returns a file extension for the sniffed container, used when the
// bytes must be handed to an external tool through a temp file.
func Ext(data []byte) string {
	switch SniffFormat(data, "") {
	case "wav":
		return ".wav"
	case "mp3":
		return ".mp3"
	case "ogg":
		return ".ogg"
	case "webm":
		return ".webm"
	case "flac":
		return ".flac"
	case "m4a":
		return ".m4a"
	default:
		return ".audio"
	}
}

// normalizePeak scales samples so the largest magnitude is 1. Silence is
// left untouched rather than divided by zero.
func normalizePeak(samples []float64) {
	peak := 0.0
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	for i := range samples {
		samples[i] /= peak
	}
}

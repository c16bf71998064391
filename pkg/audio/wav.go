package audio

import (
	"encoding/binary"
)

// decodeWAV parses a RIFF/WAVE byte stream and returns mono float64 samples
// at the file's native rate. Only 16-bit PCM is decoded here; anything else
// inside a RIFF container goes through ffmpeg like the compressed formats.
func decodeWAV(data []byte) ([]float64, int, error) {
	if len(data) < 44 {
		return nil, 0, decodeErrorf("wav", "truncated RIFF header (%d bytes)", len(data))
	}

	var (
		channels   int
		sampleRate int
		bitDepth   int
		audioFmt   int
		pcm        []byte
	)

	// Walk the RIFF chunks. fmt precedes data in any well-formed file, and
	// some encoders append extra chunks (LIST, fact) that we skip.
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, decodeErrorf("wav", "fmt chunk too small (%d bytes)", size)
			}
			audioFmt = int(binary.LittleEndian.Uint16(data[body : body+2]))
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // chunk bodies are word-aligned
		}
	}

	if channels == 0 || sampleRate == 0 {
		return nil, 0, decodeErrorf("wav", "missing fmt chunk")
	}
	if audioFmt != 1 || bitDepth != 16 {
		return nil, 0, decodeErrorf("wav", "unsupported encoding (format %d, %d-bit); only 16-bit PCM", audioFmt, bitDepth)
	}
	if len(pcm) < 2 {
		return nil, 0, decodeErrorf("wav", "missing data chunk")
	}

	totalSamples := len(pcm) / 2
	frames := totalSamples / channels
	samples := make([]float64, frames)
	for i := range frames {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			offset := (i*channels + ch) * 2
			sum += float64(int16(binary.LittleEndian.Uint16(pcm[offset:])))
		}
		samples[i] = sum / float64(channels) / 32768.0
	}

	return samples, sampleRate, nil
}

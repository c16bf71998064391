package audio

import (
	"bytes"
	"encoding/binary"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// decodeMP3 decodes an MP3 byte stream to mono float64 samples at the
// file's native rate. go-mp3 always emits 16-bit little-endian stereo,
// 4 bytes per sample pair.
func decodeMP3(data []byte) ([]float64, int, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, decodeErrorf("mp3", "create decoder: %v", err)
	}

	sampleRate := decoder.SampleRate()

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, 0, decodeErrorf("mp3", "read PCM: %v", err)
	}

	numPairs := len(pcm) / 4
	samples := make([]float64, numPairs)
	for i := range numPairs {
		offset := i * 4
		left := int16(binary.LittleEndian.Uint16(pcm[offset:]))
		right := int16(binary.LittleEndian.Uint16(pcm[offset+2:]))
		samples[i] = (float64(left) + float64(right)) / 2.0 / 32768.0
	}

	return samples, sampleRate, nil
}

package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// ffmpegTimeout bounds a single decode subprocess. A decode that runs
// longer than this is reported as failed, never left hanging.
const ffmpegTimeout = 30 * time.Second

// FFmpegPath returns the ffmpeg binary location, or "" when it is not
// installed.
func FFmpegPath() string {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return ""
	}
	return path
}

// decodeFFmpeg decodes compressed/container formats (ogg, webm, m4a, flac,
// aac, ...) by asking ffmpeg to emit 16-bit PCM mono at the target rate on
// stdout. ffmpeg needs a seekable input for most containers, so the bytes
// go through a temp file.
func decodeFFmpeg(data []byte, format string) ([]float64, int, error) {
	if FFmpegPath() == "" {
		return nil, 0, decodeErrorf(format, "ffmpeg is not installed; required for %s input", format)
	}

	tmp, err := os.CreateTemp("", "tunefind_*"+Ext(data))
	if err != nil {
		return nil, 0, decodeErrorf(format, "create temp file: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, 0, decodeErrorf(format, "write temp file: %v", err)
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), ffmpegTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-v", "error",
		"-i", tmp.Name(),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(TargetRate),
		"-ac", "1",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, 0, decodeErrorf(format, "ffmpeg timed out after %s", ffmpegTimeout)
		}
		return nil, 0, decodeErrorf(format, "ffmpeg: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	pcm := stdout.Bytes()
	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}

	return samples, TargetRate, nil
}

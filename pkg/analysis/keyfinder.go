package analysis

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunefind/tunefind/pkg/audio"
)

// keyfinderTimeout bounds one key-detection subprocess.
const keyfinderTimeout = 20 * time.Second

// KeyFinderCLI detects musical key by shelling out to keyfinder-cli
// (libkeyfinder's command line front end). The binary is located from
// TUNEFIND_KEYFINDER_PATH, the project .tools directory, or PATH.
type KeyFinderCLI struct {
	Path string
}

// NewKeyFinderCLI probes for the keyfinder-cli binary. The returned
// estimator reports Available() == false when no binary was found.
func NewKeyFinderCLI() *KeyFinderCLI {
	return &KeyFinderCLI{Path: findKeyFinder()}
}

func findKeyFinder() string {
	if path := os.Getenv("TUNEFIND_KEYFINDER_PATH"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	candidates := []string{
		filepath.Join(".tools", "keyfinder-cli", "bin", "keyfinder-cli"),
		filepath.Join(".tools", "keyfinder-cli", "keyfinder-cli"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}

	if path, err := exec.LookPath("keyfinder-cli"); err == nil {
		return path
	}
	return ""
}

// Available reports whether the keyfinder-cli binary was found.
func (k *KeyFinderCLI) Available() bool {
	return k != nil && k.Path != ""
}

// EstimateKey writes the encoded bytes to a temp file and runs
// keyfinder-cli with standard notation output ("Bb", "F#m", ...).
func (k *KeyFinderCLI) EstimateKey(raw []byte, _ []float64, _ int) (string, error) {
	if !k.Available() {
		return "", fmt.Errorf("keyfinder-cli is not installed")
	}

	tmp, err := os.CreateTemp("", "tunefind_key_*"+audio.Ext(raw))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), keyfinderTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, k.Path, "-n", "standard", tmp.Name())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("keyfinder-cli timed out after %s", keyfinderTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("keyfinder-cli: %s", msg)
	}

	key := strings.TrimSpace(stdout.String())
	if key == "" {
		return "", fmt.Errorf("keyfinder-cli returned an empty key")
	}
	return key, nil
}

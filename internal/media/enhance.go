package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultEnhancerPath is where the Real-CUGAN executable is expected,
// relative to the working directory.
var DefaultEnhancerPath = filepath.Join("realcugan", "realcugan")

// Enhancer runs the Real-CUGAN upscale/denoise model over an image. Some
// source platforms recompress uploads hard enough that the originals look
// broken at full size; for those providers the image goes through the model
// before transcoding.
type Enhancer struct {
	exePath string
}

// NewEnhancer creates an enhancer using the executable at exePath, falling
// back to DefaultEnhancerPath when empty.
func NewEnhancer(exePath string) *Enhancer {
	if exePath == "" {
		exePath = DefaultEnhancerPath
	}
	return &Enhancer{exePath: exePath}
}

// Enhance upscales and denoises the image. The model writes its output with
// the same container as the input, so the input format must be detectable.
// Callers treat any error as "use the original bytes", never as an
// attachment failure.
func (e *Enhancer) Enhance(ctx context.Context, data []byte) ([]byte, error) {
	if _, err := os.Stat(e.exePath); err != nil {
		return nil, fmt.Errorf("enhancer executable not found at %s", e.exePath)
	}

	format, ok := DetectFormat(data)
	if !ok {
		return nil, fmt.Errorf("enhance: unsupported image format")
	}

	dir, err := os.MkdirTemp("", "realcugan-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "source")
	outPath := inPath + format.Ext()
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write temp image: %w", err)
	}

	// Fixed model parameters: 2x denoise, 64px tiles, 2:2:2 threads, auto GPU.
	cmd := exec.CommandContext(ctx, e.exePath,
		"-i", inPath,
		"-o", outPath,
		"-n", "2",
		"-t", "64",
		"-j", "2:2:2",
		"-g", "-1",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("realcugan: %w: %s", err, truncateOutput(out))
	}

	enhanced, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read enhanced image: %w", err)
	}
	return enhanced, nil
}

// Codec binary lifecycle and WebP transcoding.
//
// The destination instance wants lossy WebP; encoding goes through the
// upstream cwebp executable rather than a Go encoder so output is
// bit-identical to what the libwebp release produces. The binary is located
// once per process: $PATH first, then the well-known local path, and as a
// last resort the matching libwebp release archive is downloaded, extracted,
// and the binary relocated to the well-known path for future runs.
package media

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"
)

const (
	// webpVersion pins the libwebp release the downloader fetches.
	webpVersion = "1.4.0"

	// webpDistURL is the upstream libwebp release archive location.
	webpDistURL = "https://storage.googleapis.com/downloads.webmproject.org/releases/webp"

	// webpQuality is the lossy encoding quality.
	webpQuality = 80

	// maxSourceWidth is the widest image the destination accepts; anything
	// wider is resized down before encoding.
	maxSourceWidth = 3840

	// resizeTargetWidth is the width oversized images are resized to,
	// preserving aspect ratio.
	resizeTargetWidth = 2000
)

// ErrUnsupportedPlatform means no cwebp build exists for this OS/architecture
// combination. It is fatal for the whole pipeline instance, unlike
// per-attachment failures.
var ErrUnsupportedPlatform = errors.New("media: no cwebp build for this platform")

// Cwebp locates and invokes the cwebp executable. Resolution runs at most
// once; the resolved path is cached for the lifetime of the value.
type Cwebp struct {
	httpClient *http.Client

	// localPath is the well-known location the binary is relocated to
	// after download, relative to the working directory.
	localPath string

	once sync.Once
	path string
	err  error
}

// NewCwebp creates a cwebp codec handle. The zero httpClient gets a 30s
// timeout for archive downloads.
func NewCwebp() *Cwebp {
	name := "cwebp"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return &Cwebp{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		localPath:  filepath.Join("webp", "bin", name),
	}
}

// Resolve returns the path of a usable cwebp executable, downloading and
// installing one on first use if necessary.
func (c *Cwebp) Resolve(ctx context.Context) (string, error) {
	c.once.Do(func() {
		c.path, c.err = c.resolve(ctx)
	})
	return c.path, c.err
}

func (c *Cwebp) resolve(ctx context.Context) (string, error) {
	if path, err := exec.LookPath("cwebp"); err == nil {
		log.Debug().Str("path", path).Msg("cwebp found in PATH")
		return path, nil
	}
	if _, err := os.Stat(c.localPath); err == nil {
		log.Debug().Str("path", c.localPath).Msg("cwebp found at local path")
		return c.localPath, nil
	}

	log.Warn().Msg("cwebp binary not found, downloading libwebp release")
	if err := c.install(ctx); err != nil {
		return "", err
	}
	log.Info().Str("path", c.localPath).Msg("cwebp downloaded and installed")
	return c.localPath, nil
}

// releaseAsset maps a GOOS/GOARCH pair to the libwebp release archive name.
func releaseAsset(goos, goarch string) (string, error) {
	switch goos {
	case "linux":
		switch goarch {
		case "amd64":
			return fmt.Sprintf("libwebp-%s-linux-x86-64.tar.gz", webpVersion), nil
		case "arm64":
			return fmt.Sprintf("libwebp-%s-linux-aarch64.tar.gz", webpVersion), nil
		}
	case "darwin":
		switch goarch {
		case "amd64":
			return fmt.Sprintf("libwebp-%s-mac-x86-64.tar.gz", webpVersion), nil
		case "arm64":
			return fmt.Sprintf("libwebp-%s-mac-arm64.tar.gz", webpVersion), nil
		}
	case "windows":
		if goarch == "amd64" {
			return fmt.Sprintf("libwebp-%s-windows-x64.zip", webpVersion), nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

// install downloads the release archive for the current platform, extracts
// the cwebp binary, and relocates it to the well-known local path.
func (c *Cwebp) install(ctx context.Context) error {
	asset, err := releaseAsset(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webpDistURL+"/"+asset, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", asset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", asset, resp.StatusCode)
	}

	archive, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", asset, err)
	}

	var binary []byte
	if strings.HasSuffix(asset, ".zip") {
		binary, err = extractFromZip(archive, filepath.Base(c.localPath))
	} else {
		binary, err = extractFromTarGz(archive, filepath.Base(c.localPath))
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", asset, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.localPath), 0o755); err != nil {
		return fmt.Errorf("create codec dir: %w", err)
	}
	if err := os.WriteFile(c.localPath, binary, 0o755); err != nil {
		return fmt.Errorf("install cwebp: %w", err)
	}
	return nil
}

// extractFromTarGz pulls bin/<name> out of a gzipped tar archive.
func extractFromTarGz(archive []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	want := "bin/" + name
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && strings.HasSuffix(hdr.Name, want) {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", want)
}

// extractFromZip pulls bin/<name> out of a zip archive.
func extractFromZip(archive []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	want := "bin/" + name
	for _, f := range zr.File {
		if strings.HasSuffix(filepath.ToSlash(f.Name), want) {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", f.Name, err)
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", want)
}

// Encode transcodes image bytes to lossy WebP at the fixed quality. Images
// wider than the destination's ceiling are resized down first. All
// intermediate files live in a per-conversion temp dir removed on every
// exit path.
func (c *Cwebp) Encode(ctx context.Context, data []byte) ([]byte, error) {
	exe, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "cwebp-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "image")
	outPath := filepath.Join(dir, "image.webp")
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write temp image: %w", err)
	}

	args := encodeArgs(inPath, outPath, imageWidth(data))
	cmd := exec.CommandContext(ctx, exe, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("cwebp: %w: %s", err, truncateOutput(out))
	}

	encoded, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read encoded image: %w", err)
	}
	return encoded, nil
}

// encodeArgs builds the cwebp invocation, adding the resize option when the
// source is wider than the destination allows.
func encodeArgs(inPath, outPath string, width int) []string {
	args := []string{inPath, "-q", strconv.Itoa(webpQuality), "-quiet"}
	if width > maxSourceWidth {
		args = append(args, "-resize", strconv.Itoa(resizeTargetWidth), "0")
	}
	return append(args, "-o", outPath)
}

// imageWidth probes the pixel width from the image header. Returns 0 when
// the header cannot be decoded; the image then skips the resize guard and
// cwebp itself decides whether the input is usable.
func imageWidth(data []byte) int {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	return cfg.Width
}

func truncateOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

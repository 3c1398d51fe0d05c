// Package media turns an attachment URL into an uploadable WebP blob:
// fetch, optional Real-CUGAN enhancement, format detection, and cwebp
// transcoding. Every stage failure stays contained to its attachment — the
// pipeline degrades by producing fewer results, with one exception: a
// missing cwebp build for the host platform fails the whole instance.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnsupportedFormat marks an attachment whose bytes are not a supported
// image; the attachment is skipped.
var ErrUnsupportedFormat = errors.New("media: unsupported image format")

// maxAttachmentBytes caps a single fetched attachment (64 MB).
const maxAttachmentBytes = 64 << 20

// Options configures a Pipeline.
type Options struct {
	// EnhanceProviders is the allow-list of provider tags whose images run
	// through the enhancement model.
	EnhanceProviders []string

	// EnhancerPath overrides the Real-CUGAN executable location.
	EnhancerPath string

	// ConvertTimeout bounds each external binary invocation. Zero means
	// two minutes.
	ConvertTimeout time.Duration

	// HTTPTimeout bounds attachment fetches. Zero means 30 seconds.
	HTTPTimeout time.Duration
}

// Pipeline converts attachment URLs into uploadable WebP bytes.
type Pipeline struct {
	httpClient     *http.Client
	codec          *Cwebp
	enhancer       *Enhancer
	enhanceAllowed map[string]bool
	convertTimeout time.Duration
}

// New creates a Pipeline. The codec binary is resolved lazily on the first
// conversion and cached for the pipeline's lifetime.
func New(opts Options) *Pipeline {
	if opts.ConvertTimeout == 0 {
		opts.ConvertTimeout = 2 * time.Minute
	}
	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = 30 * time.Second
	}

	allowed := make(map[string]bool, len(opts.EnhanceProviders))
	for _, p := range opts.EnhanceProviders {
		allowed[p] = true
	}

	return &Pipeline{
		httpClient:     &http.Client{Timeout: opts.HTTPTimeout},
		codec:          NewCwebp(),
		enhancer:       NewEnhancer(opts.EnhancerPath),
		enhanceAllowed: allowed,
		convertTimeout: opts.ConvertTimeout,
	}
}

// ShouldEnhance reports whether images from the given provider go through
// the enhancement step.
func (p *Pipeline) ShouldEnhance(provider string) bool {
	return p.enhanceAllowed[provider]
}

// Fetch retrieves raw attachment bytes. Failures are per-attachment: the
// caller skips the attachment and continues.
func (p *Pipeline) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return data, nil
}

// Process runs one attachment end to end: fetch, enhance when the provider
// is allow-listed (enhancement failure falls back to the original bytes),
// verify the format, and transcode to WebP. Errors other than
// ErrUnsupportedPlatform mean "skip this attachment".
func (p *Pipeline) Process(ctx context.Context, url, provider string) ([]byte, error) {
	data, err := p.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	if p.ShouldEnhance(provider) {
		enhanceCtx, cancel := context.WithTimeout(ctx, p.convertTimeout)
		enhanced, err := p.enhancer.Enhance(enhanceCtx, data)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("Enhancement failed, using original bytes")
		} else {
			log.Debug().Str("url", url).Int("bytes", len(enhanced)).Msg("Image enhanced")
			data = enhanced
		}
	}

	if _, ok := DetectFormat(data); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, url)
	}

	encodeCtx, cancel := context.WithTimeout(ctx, p.convertTimeout)
	defer cancel()
	encoded, err := p.codec.Encode(encodeCtx, data)
	if err != nil {
		return nil, fmt.Errorf("transcode %s: %w", url, err)
	}
	return encoded, nil
}

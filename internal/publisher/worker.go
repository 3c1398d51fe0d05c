// Package publisher drives one publication run: take the oldest queued post,
// convert and upload its attachments, create the destination status, and
// remove the post from the queue.
//
// A run publishes at most one post. When a post fails, the worker moves on to
// the next distinct queued post instead of retrying the same one, so a single
// poisoned item cannot stall the queue; a bounded attempt budget caps how far
// one run walks. Failed posts are retained for the next scheduled run rather
// than deleted, trading possible re-attempts for zero silent data loss.
//
// Runs are assumed non-overlapping; the scheduler (cron, systemd timer) is
// responsible for singleton invocation.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/fpang/feedmirror/internal/mastodon"
	"github.com/fpang/feedmirror/internal/media"
	"github.com/fpang/feedmirror/internal/store"
)

// ErrAttemptsExhausted is returned when a run burns its whole failure budget
// without publishing anything.
var ErrAttemptsExhausted = errors.New("publisher: attempt budget exhausted")

// Queue is the slice of the post store the worker needs.
type Queue interface {
	PeekFirstAfter(ctx context.Context, after int64) (*store.Post, error)
	Remove(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int, error)
}

// MediaProcessor converts an attachment URL into uploadable image bytes.
type MediaProcessor interface {
	Process(ctx context.Context, url, provider string) ([]byte, error)
	ShouldEnhance(provider string) bool
}

// Destination is the slice of the destination client the worker needs.
type Destination interface {
	CreateMedia(ctx context.Context, data []byte, filename string) (string, error)
	CreateStatus(ctx context.Context, text, visibility string, mediaIDs []string) (*mastodon.Status, error)
	UpdateProfileField(ctx context.Context, name, value string) error
}

// Options configures a Worker.
type Options struct {
	// Visibility of created statuses: public, unlisted, private, or direct.
	Visibility string

	// Attempts is the per-run publish failure budget. Minimum 1.
	Attempts int

	// QueueField is the profile metadata field patched with the current
	// queue depth after a successful publish. Empty disables the report.
	QueueField string
}

// Worker publishes queued posts to the destination.
type Worker struct {
	queue      Queue
	media      MediaProcessor
	dest       Destination
	visibility string
	attempts   int
	queueField string
}

// New creates a publish worker.
func New(queue Queue, media MediaProcessor, dest Destination, opts Options) *Worker {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Visibility == "" {
		opts.Visibility = "public"
	}
	return &Worker{
		queue:      queue,
		media:      media,
		dest:       dest,
		visibility: opts.Visibility,
		attempts:   opts.Attempts,
		queueField: opts.QueueField,
	}
}

// Run performs one publication run. It returns nil when a post was published
// or the queue had nothing publishable left, ErrAttemptsExhausted when the
// failure budget ran out, and the underlying error for fatal conditions
// (store access, unsupported codec platform).
func (w *Worker) Run(ctx context.Context) error {
	remaining := w.attempts

	// Walk the queue by surrogate id so a failed post is never retried
	// within the same run.
	var lastFailedID int64

	for {
		post, err := w.queue.PeekFirstAfter(ctx, lastFailedID)
		if errors.Is(err, store.ErrNotFound) {
			if lastFailedID == 0 {
				log.Info().Msg("Queue is empty, nothing to publish")
			} else {
				log.Warn().Msg("No publishable post left in this run")
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load next post: %w", err)
		}

		log.Info().
			Int64("id", post.ID).
			Str("postId", post.ExternalID).
			Str("author", post.Author).
			Msg("Publishing post")

		err = w.publish(ctx, post)
		if err == nil {
			if err := w.queue.Remove(ctx, post.ID); err != nil {
				return fmt.Errorf("remove published post: %w", err)
			}
			w.reportQueueDepth(ctx)
			return nil
		}

		// A missing codec build for this platform fails every future
		// attachment too; walking on would only repeat the failure.
		if errors.Is(err, media.ErrUnsupportedPlatform) {
			return err
		}

		remaining--
		log.Error().
			Err(err).
			Int64("id", post.ID).
			Int("attemptsLeft", remaining).
			Msg("Publishing failed, post retained for a later run")

		if remaining == 0 {
			return ErrAttemptsExhausted
		}
		lastFailedID = post.ID
	}
}

// publish converts and uploads the post's attachments and creates the
// status. Per-attachment failures are skipped; a post that yields zero
// uploaded attachments fails, because the destination rejects a status whose
// promised media is missing.
func (w *Worker) publish(ctx context.Context, post *store.Post) error {
	var mediaIDs []string
	for i, url := range post.Attachments {
		data, err := w.media.Process(ctx, url, post.Provider)
		if err != nil {
			if errors.Is(err, media.ErrUnsupportedPlatform) {
				return err
			}
			log.Warn().Err(err).Str("url", url).Msg("Attachment conversion failed, skipping")
			continue
		}

		id, err := w.dest.CreateMedia(ctx, data, fmt.Sprintf("%d-%d.webp", post.ID, i+1))
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("Attachment upload failed, skipping")
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}

	if len(mediaIDs) == 0 {
		return fmt.Errorf("post %d: no usable attachments", post.ID)
	}

	caption := BuildCaption(post, w.media.ShouldEnhance(post.Provider))
	status, err := w.dest.CreateStatus(ctx, caption, w.visibility, mediaIDs)
	if err != nil {
		return fmt.Errorf("create status: %w", err)
	}

	log.Info().
		Str("statusId", status.ID).
		Str("url", status.URL).
		Int("mediaCount", len(mediaIDs)).
		Msg("Post published")
	return nil
}

// reportQueueDepth patches the configured profile field with the number of
// posts still waiting. Best-effort; failures never affect queue processing.
func (w *Worker) reportQueueDepth(ctx context.Context) {
	if w.queueField == "" {
		return
	}

	n, err := w.queue.CountPending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Queue depth lookup failed")
		return
	}
	if err := w.dest.UpdateProfileField(ctx, w.queueField, strconv.Itoa(n)); err != nil {
		log.Warn().Err(err).Msg("Queue depth report failed")
	}
}

// Package webhook provides the HTTP gateway for source-platform page-feed
// deliveries.
//
// Verification (GET):
//
//	The platform sends hub.mode, hub.verify_token, and hub.challenge as query
//	parameters. The handler validates the verify token and responds with the
//	challenge value. A parameterless visit is redirected to the mirrored
//	account's page.
//
// Event delivery (POST):
//
//	The platform sends a JSON envelope signed with X-Hub-Signature-256
//	(HMAC-SHA256 over the exact raw body using the app secret). The handler
//	validates the signature against the untouched byte stream, acknowledges
//	with 200 before any processing, and then validates, deduplicates,
//	resolves, and enqueues the post asynchronously. Processing failures are
//	logged, never surfaced back to the platform.
//
// Reference: https://developers.facebook.com/docs/graph-api/webhooks
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fpang/feedmirror/internal/store"
)

// maxBodySize is the maximum allowed request body size (1 MB).
// The platform batches up to 1000 updates per notification, which should stay
// well under this limit.
const maxBodySize = 1 << 20 // 1 MB

// Queue is the slice of the post store the gateway needs.
type Queue interface {
	ExistsByExternalID(ctx context.Context, externalID string) (bool, error)
	EnqueueIfAbsent(ctx context.Context, post *store.Post) (bool, error)
	Token(ctx context.Context, accountID string) (string, error)
}

// ImageResolver resolves source-platform photo references to image URLs.
type ImageResolver interface {
	PostAttachmentTargets(ctx context.Context, postID, token string) ([]string, error)
	LargestImage(ctx context.Context, photoID, token string) (string, error)
}

// Options configures a Handler.
type Options struct {
	// VerifyToken is the operator-chosen string the platform echoes back
	// during the GET subscription handshake.
	VerifyToken string

	// AppSecret signs POST deliveries via X-Hub-Signature-256.
	AppSecret string

	// AccountURL is where parameterless GET visits are redirected.
	AccountURL string

	// Provider tags every enqueued post; it gates the optional enhancement
	// step downstream.
	Provider string

	// Cooldown throttles event processing: after one event, the next waits
	// this long. The bucket is global, not per-client; the deployment mirrors
	// a single account and the throttle exists to absorb the platform's own
	// duplicate redeliveries. Zero disables it.
	Cooldown time.Duration
}

// Handler handles webhook verification and event deliveries.
type Handler struct {
	verifyToken string
	appSecret   string
	accountURL  string
	provider    string

	queue    Queue
	resolver ImageResolver
	limiter  *rate.Limiter
	validate *validator.Validate

	// closing aborts deliveries still parked on the cooldown limiter;
	// processing past that point is never cancelled.
	closing context.Context
	close   context.CancelFunc

	wg sync.WaitGroup
}

// NewHandler creates a webhook gateway handler.
func NewHandler(queue Queue, resolver ImageResolver, opts Options) *Handler {
	limit := rate.Inf
	if opts.Cooldown > 0 {
		limit = rate.Every(opts.Cooldown)
	}

	closing, cancel := context.WithCancel(context.Background())

	return &Handler{
		verifyToken: opts.VerifyToken,
		appSecret:   opts.AppSecret,
		accountURL:  opts.AccountURL,
		provider:    opts.Provider,
		queue:       queue,
		resolver:    resolver,
		limiter:     rate.NewLimiter(limit, 1),
		validate:    validator.New(),
		closing:     closing,
		close:       cancel,
	}
}

// ServeHTTP dispatches to verification (GET) or event handling (POST).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r)
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Drain blocks until all in-flight event processing has finished.
func (h *Handler) Drain() {
	h.wg.Wait()
}

// Shutdown aborts deliveries still waiting out the event cooldown, then
// drains processing that already passed it. Without the abort, a graceful
// shutdown could sit behind the cooldown bucket for one full window per
// queued delivery.
func (h *Handler) Shutdown() {
	h.close()
	h.wg.Wait()
}

// handleVerification processes the webhook subscription handshake.
//
// The platform sends:
//
//	GET <endpoint>?hub.mode=subscribe&hub.verify_token=<token>&hub.challenge=<challenge>
//
// The handler must respond with the hub.challenge value if the verify token
// matches, or 403 if it does not. A plain browser visit carries no hub
// parameters and is redirected to the account page instead.
func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "" && token == "" {
		http.Redirect(w, r, h.accountURL, http.StatusFound)
		return
	}

	if mode != "subscribe" || token != h.verifyToken {
		log.Warn().Str("mode", mode).Msg("Webhook verification failed")
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	log.Info().Msg("Webhook verification successful")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleEvent processes an incoming event delivery.
//
// The signature check runs over the exact raw bytes; a re-serialized parse
// would change the digest. Verified deliveries are acknowledged with 200
// before any processing starts, because the platform enforces a short
// response deadline and retries indefinitely on non-success.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Webhook event: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		log.Warn().Msg("Webhook event: empty body")
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		log.Warn().Msg("Webhook event: missing X-Hub-Signature-256 header")
		http.Error(w, "missing signature", http.StatusForbidden)
		return
	}

	if !h.verifySignature(body, signature) {
		log.Warn().Msg("Webhook event: invalid signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusOK)

	deliveryID := uuid.NewString()
	log.Debug().
		Str("deliveryId", deliveryID).
		Int("bodySize", len(body)).
		Msg("Webhook event acknowledged")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		// The delivery is already acknowledged; a panic here must not take
		// the gateway down with it.
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("deliveryId", deliveryID).
					Msg("Event processing panicked")
			}
		}()
		h.process(deliveryID, body)
	}()
}

// process runs after the delivery has been acknowledged. Every failure path
// is a log line and a return; nothing here reaches the platform.
func (h *Handler) process(deliveryID string, body []byte) {
	logger := log.With().Str("deliveryId", deliveryID).Logger()

	// Only the cooldown wait is cancellable; once a delivery holds its
	// slot, the rest of the pipeline runs to completion even mid-shutdown.
	if err := h.limiter.Wait(h.closing); err != nil {
		logger.Warn().Err(err).Msg("Event discarded during shutdown")
		return
	}
	ctx := context.Background()

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		logger.Warn().Err(err).Msg("Event payload is not valid JSON")
		return
	}
	if err := h.validate.Struct(&env); err != nil {
		logger.Warn().Err(err).Msg("Event envelope failed validation")
		return
	}
	if len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		logger.Warn().Msg("Event envelope carries no changes")
		return
	}

	chg := env.Entry[0].Changes[0]
	if !chg.isNewFeedPost() {
		logger.Debug().
			Str("field", chg.Field).
			Str("verb", chg.Value.Verb).
			Msg("Ignoring event: not a new feed post")
		return
	}

	exists, err := h.queue.ExistsByExternalID(ctx, chg.Value.PostID)
	if err != nil {
		logger.Error().Err(err).Msg("Duplicate lookup failed")
		return
	}
	if exists {
		logger.Debug().Str("postId", chg.Value.PostID).Msg("Ignoring duplicate delivery")
		return
	}

	token, err := h.queue.Token(ctx, chg.Value.From.ID)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("accountId", chg.Value.From.ID).
			Msg("No access token stored for account, enqueueing without resolved images")
	}

	var attachments []string
	if token != "" {
		attachments = h.resolveImages(ctx, &logger, chg, token)
	}

	inserted, err := h.queue.EnqueueIfAbsent(ctx, &store.Post{
		ExternalID:  chg.Value.PostID,
		Author:      chg.Value.From.Name,
		AuthorLink:  "https://facebook.com/" + chg.Value.From.ID,
		Message:     chg.Value.Message,
		Attachments: attachments,
		Provider:    h.provider,
	})
	if err != nil {
		logger.Error().Err(err).Str("postId", chg.Value.PostID).Msg("Enqueue failed")
		return
	}
	if !inserted {
		logger.Debug().Str("postId", chg.Value.PostID).Msg("Post already queued")
		return
	}

	logger.Info().
		Str("postId", chg.Value.PostID).
		Str("author", chg.Value.From.Name).
		Int("attachments", len(attachments)).
		Msg("New post queued")
}

// verifySignature validates the X-Hub-Signature-256 header value against the
// HMAC-SHA256 of the body using the app secret.
//
// The header format is: "sha256=<hex-encoded hash>"
//
// Uses hmac.Equal for constant-time comparison to prevent timing attacks.
func (h *Handler) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}

	receivedBytes, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)

	return hmac.Equal(receivedBytes, mac.Sum(nil))
}

package webhook

import (
	"context"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/fpang/feedmirror/internal/store"
)

// urlPattern matches one well-formed http(s) URL anywhere in the message. A
// post without a source link is not worth mirroring, so this doubles as the
// message-presence check.
var urlPattern = regexp.MustCompile(`https?://(?:www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b(?:[-a-zA-Z0-9()@:%_+.~#?&/=]*)`)

// envelope is the page-feed delivery shape. Only the first change of the
// first entry is processed; the single-page subscription never batches more.
type envelope struct {
	Object string  `json:"object" validate:"required,eq=page"`
	Entry  []entry `json:"entry" validate:"required,min=1,dive"`
}

type entry struct {
	ID      string   `json:"id"`
	Time    int64    `json:"time"`
	Changes []change `json:"changes" validate:"required,min=1,dive"`
}

type change struct {
	Field string      `json:"field" validate:"required"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	From        actor    `json:"from"`
	Link        string   `json:"link"`
	Message     string   `json:"message"`
	PostID      string   `json:"post_id" validate:"required"`
	CreatedTime int64    `json:"created_time"`
	Item        string   `json:"item"`
	Photos      []string `json:"photos"`
	PhotoID     string   `json:"photo_id"`
	Published   int      `json:"published"`
	Verb        string   `json:"verb"`
}

type actor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// isNewFeedPost reports whether the change is a freshly added feed post with
// a linkable message and at least one photo reference. Edits, likes, and
// text-only posts are ignored.
func (c *change) isNewFeedPost() bool {
	if c.Field != "feed" || c.Value.Verb != "add" {
		return false
	}
	if !urlPattern.MatchString(c.Value.Message) {
		return false
	}
	return c.Value.PhotoID != "" || len(c.Value.Photos) > 0
}

// resolveImages turns the change's photo references into high-resolution
// image URLs, capped at the store's attachment limit. A failed lookup skips
// that image; resolution never fails the whole event.
func (h *Handler) resolveImages(ctx context.Context, logger *zerolog.Logger, chg change, token string) []string {
	var resolved []string

	switch {
	// An album post carries its photos behind the post's attachment targets.
	case chg.Value.Item == "status" && len(chg.Value.Photos) > 0:
		targets, err := h.resolver.PostAttachmentTargets(ctx, chg.Value.PostID, token)
		if err != nil {
			logger.Warn().Err(err).Str("postId", chg.Value.PostID).Msg("Attachment lookup failed")
			return nil
		}
		if len(targets) > store.MaxAttachments {
			targets = targets[:store.MaxAttachments]
		}

		for _, target := range targets {
			src, err := h.resolver.LargestImage(ctx, target, token)
			if err != nil {
				logger.Warn().Err(err).Str("photoId", target).Msg("Image resolution failed, skipping")
				continue
			}
			resolved = append(resolved, src)
		}

	case chg.Value.Item == "photo" && chg.Value.PhotoID != "":
		src, err := h.resolver.LargestImage(ctx, chg.Value.PhotoID, token)
		if err != nil {
			logger.Warn().Err(err).Str("photoId", chg.Value.PhotoID).Msg("Image resolution failed")
			return nil
		}
		resolved = append(resolved, src)
	}

	return resolved
}

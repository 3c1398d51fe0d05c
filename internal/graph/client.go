// Package graph provides a client for the source platform's Graph API.
//
// The relay consumes a deliberately small slice of the API: resolving a
// post's photo attachments to their highest-resolution image URLs, and the
// /me identity lookup used by the setup CLI to verify a page access token.
// Every call takes the page token explicitly; tokens live in the store,
// keyed by account id, and the caller picks the right one per event.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultBaseURL is the Graph API base URL, pinned to the version the
	// webhook payloads are subscribed on.
	defaultBaseURL = "https://graph.facebook.com/v18.0"

	defaultTimeout = 30 * time.Second
)

// Client calls the source platform's Graph API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Graph API client. baseURL falls back to the pinned
// default when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
	}
}

// Account is the /me identity response.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiErr struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id,omitempty"`
}

func (e *apiErr) Error() string {
	return fmt.Sprintf("Graph API error: %s (type: %s, code: %d)", e.Message, e.Type, e.Code)
}

type meResponse struct {
	Account
	Error *apiErr `json:"error,omitempty"`
}

// attachmentsResponse is the /{post-id}/attachments shape. An album post
// carries its photos as subattachments of the first attachment record.
type attachmentsResponse struct {
	Data []struct {
		Type           string `json:"type"`
		Subattachments struct {
			Data []struct {
				Type   string `json:"type"`
				Target struct {
					ID  string `json:"id"`
					URL string `json:"url"`
				} `json:"target"`
			} `json:"data"`
		} `json:"subattachments"`
	} `json:"data"`
	Error *apiErr `json:"error,omitempty"`
}

// imagesResponse is the /{photo-id}?fields=images shape. The images list is
// ordered largest first.
type imagesResponse struct {
	Images []struct {
		Height int    `json:"height"`
		Width  int    `json:"width"`
		Source string `json:"source"`
	} `json:"images"`
	Error *apiErr `json:"error,omitempty"`
}

// Me verifies a page access token and returns the account it belongs to.
func (c *Client) Me(ctx context.Context, token string) (*Account, error) {
	var resp meResponse
	if err := c.get(ctx, "/me", url.Values{"access_token": {token}}, &resp); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("verify token: %w", resp.Error)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("verify token: no account id in response")
	}
	return &resp.Account, nil
}

// PostAttachmentTargets returns the photo target ids of an album post, in
// post order.
func (c *Client) PostAttachmentTargets(ctx context.Context, postID, token string) ([]string, error) {
	var resp attachmentsResponse
	path := fmt.Sprintf("/%s/attachments", url.PathEscape(postID))
	if err := c.get(ctx, path, url.Values{"access_token": {token}}, &resp); err != nil {
		return nil, fmt.Errorf("post %s attachments: %w", postID, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("post %s attachments: %w", postID, resp.Error)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	var targets []string
	for _, sub := range resp.Data[0].Subattachments.Data {
		if sub.Target.ID != "" {
			targets = append(targets, sub.Target.ID)
		}
	}
	return targets, nil
}

// LargestImage resolves a photo id to the URL of its highest-resolution
// rendition.
func (c *Client) LargestImage(ctx context.Context, photoID, token string) (string, error) {
	var resp imagesResponse
	path := fmt.Sprintf("/%s", url.PathEscape(photoID))
	if err := c.get(ctx, path, url.Values{"fields": {"images"}, "access_token": {token}}, &resp); err != nil {
		return "", fmt.Errorf("photo %s images: %w", photoID, err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("photo %s images: %w", photoID, resp.Error)
	}
	if len(resp.Images) == 0 {
		return "", fmt.Errorf("photo %s: no image renditions", photoID)
	}
	return resp.Images[0].Source, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	log.Debug().
		Str("path", path).
		Int("statusCode", httpResp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Graph API response")

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}
	return nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

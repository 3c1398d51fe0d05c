// Package mastodon provides a client for the destination instance's REST
// API, covering the three capabilities the relay consumes: uploading a media
// attachment, creating a status, and patching profile fields.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// Client calls the destination instance's REST API with a bearer token.
type Client struct {
	httpClient  *http.Client
	accessToken string
	baseURL     string
}

// NewClient creates a Mastodon API client for the given instance.
func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// Status is the subset of a created status the relay cares about.
type Status struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type mediaResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Status
	Error string `json:"error,omitempty"`
}

// CreateMedia uploads image bytes as a media attachment and returns its id.
// The instance may answer 202 while it processes the upload asynchronously;
// the id is still usable on a subsequent status create.
func (c *Client) CreateMedia(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create media: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("create media: write form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("create media: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/media", &buf)
	if err != nil {
		return "", fmt.Errorf("create media: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	body, status, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("create media: %w", err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return "", fmt.Errorf("create media: %w", apiError(body, status))
	}

	var resp mediaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("create media: parse response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create media: no attachment id in response")
	}

	log.Info().Str("mediaId", resp.ID).Int("bytes", len(data)).Msg("Media attachment uploaded")
	return resp.ID, nil
}

// CreateStatus publishes a status with the given text, visibility, and
// previously uploaded media ids. The media order in the published status
// follows mediaIDs.
func (c *Client) CreateStatus(ctx context.Context, text, visibility string, mediaIDs []string) (*Status, error) {
	params := url.Values{
		"status":     {text},
		"visibility": {visibility},
	}
	for _, id := range mediaIDs {
		params.Add("media_ids[]", id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/statuses", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create status: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	body, status, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("create status: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("create status: %w", apiError(body, status))
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("create status: parse response: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("create status: no status id in response")
	}

	log.Info().Str("statusId", resp.ID).Int("mediaCount", len(mediaIDs)).Msg("Status created")
	return &resp.Status, nil
}

// UpdateProfileField patches one named profile metadata field on the
// account. The relay uses it to expose the current queue depth; callers
// treat failures as best-effort.
func (c *Client) UpdateProfileField(ctx context.Context, name, value string) error {
	params := url.Values{
		"fields_attributes[0][name]":  {name},
		"fields_attributes[0][value]": {value},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/api/v1/accounts/update_credentials", strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("update profile field: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	body, status, err := c.do(req)
	if err != nil {
		return fmt.Errorf("update profile field: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("update profile field: %w", apiError(body, status))
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	start := time.Now()

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("statusCode", httpResp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Mastodon API response")

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, httpResp.StatusCode, nil
}

// apiError turns a non-success response into an error, surfacing the
// instance's {"error": "..."} message when present.
func apiError(body []byte, status int) error {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return fmt.Errorf("API error: %s (HTTP %d)", resp.Error, status)
	}
	return fmt.Errorf("API error: HTTP %d (body: %s)", status, truncate(string(body), 200))
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

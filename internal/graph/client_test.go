package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestClient creates a Client pointing at a test HTTP server.
func newTestClient(server *httptest.Server) *Client {
	return &Client{
		httpClient: server.Client(),
		baseURL:    server.URL,
	}
}

func TestMe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "page-token" {
			t.Errorf("unexpected access_token: %s", r.URL.Query().Get("access_token"))
		}
		w.Write([]byte(`{"id":"1234","name":"Some Page"}`))
	}))
	defer server.Close()

	account, err := newTestClient(server).Me(context.Background(), "page-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.ID != "1234" || account.Name != "Some Page" {
		t.Errorf("unexpected account: %+v", account)
	}
}

func TestMeInvalidToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).Me(context.Background(), "bogus")
	if err == nil {
		t.Fatal("expected error for invalid token")
	}
	if !strings.Contains(err.Error(), "OAuthException") {
		t.Errorf("expected API error detail in %q", err)
	}
}

func TestPostAttachmentTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/123_456/attachments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"type":"album","subattachments":{"data":[
			{"type":"photo","target":{"id":"p1","url":"u1"}},
			{"type":"photo","target":{"id":"p2","url":"u2"}}
		]}}]}`))
	}))
	defer server.Close()

	targets, err := newTestClient(server).PostAttachmentTargets(context.Background(), "123_456", "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 2 || targets[0] != "p1" || targets[1] != "p2" {
		t.Errorf("unexpected targets: %v", targets)
	}
}

func TestPostAttachmentTargetsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	targets, err := newTestClient(server).PostAttachmentTargets(context.Background(), "123", "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("expected no targets, got %v", targets)
	}
}

func TestLargestImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/p1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("fields") != "images" {
			t.Errorf("expected fields=images, got %s", r.URL.Query().Get("fields"))
		}
		w.Write([]byte(`{"images":[
			{"height":2048,"width":2048,"source":"http://cdn/large.jpg"},
			{"height":720,"width":720,"source":"http://cdn/small.jpg"}
		]}`))
	}))
	defer server.Close()

	src, err := newTestClient(server).LargestImage(context.Background(), "p1", "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src != "http://cdn/large.jpg" {
		t.Errorf("expected the first (largest) rendition, got %s", src)
	}
}

func TestLargestImageNoRenditions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images":[]}`))
	}))
	defer server.Close()

	if _, err := newTestClient(server).LargestImage(context.Background(), "p1", "tok"); err == nil {
		t.Fatal("expected error when photo has no renditions")
	}
}

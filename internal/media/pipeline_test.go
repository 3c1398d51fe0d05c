package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFakeExecutable(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755)
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	p := New(Options{})
	data, err := p.Fetch(context.Background(), server.URL+"/img.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Errorf("fetched %q", data)
	}
}

func TestFetchNonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := New(Options{})
	if _, err := p.Fetch(context.Background(), server.URL+"/gone.jpg"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestFetchUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	p := New(Options{})
	if _, err := p.Fetch(context.Background(), server.URL+"/img.jpg"); err == nil {
		t.Fatal("expected error for unreachable host")
	}
}

func TestProcessRejectsNonImage(t *testing.T) {
	// A corrupt attachment must surface as a skip signal before any codec
	// resolution, never as a panic or a pipeline abort.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>this is not an image</html>"))
	}))
	defer server.Close()

	p := New(Options{})
	_, err := p.Process(context.Background(), server.URL+"/img.jpg", "dotmoe")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestShouldEnhance(t *testing.T) {
	p := New(Options{EnhanceProviders: []string{"dotmoe", "other"}})
	if !p.ShouldEnhance("dotmoe") {
		t.Error("expected dotmoe to be allow-listed")
	}
	if p.ShouldEnhance("unknown") {
		t.Error("expected unknown provider to be denied")
	}

	none := New(Options{})
	if none.ShouldEnhance("dotmoe") {
		t.Error("expected empty allow-list to deny everything")
	}
}

func TestEnhanceMissingExecutable(t *testing.T) {
	e := NewEnhancer(filepath.Join(t.TempDir(), "missing", "realcugan"))
	if _, err := e.Enhance(context.Background(), pngBytes(t, 4, 4)); err == nil {
		t.Fatal("expected error when the enhancer executable is absent")
	}
}

func TestEnhanceRejectsUnknownFormat(t *testing.T) {
	// Even with an executable present, bytes with no detectable format
	// cannot be named for the model's output and are rejected up front.
	exe := filepath.Join(t.TempDir(), "realcugan")
	if err := writeFakeExecutable(exe); err != nil {
		t.Fatalf("write fake executable: %v", err)
	}

	e := NewEnhancer(exe)
	if _, err := e.Enhance(context.Background(), []byte("garbage")); err == nil {
		t.Fatal("expected error for undetectable input format")
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testPost(externalID string) *Post {
	return &Post{
		ExternalID:  externalID,
		Author:      "Some Page",
		AuthorLink:  "https://facebook.com/1234",
		Message:     "Check http://example.com",
		Attachments: []string{"http://img/1.jpg"},
		Provider:    "dotmoe",
	}
}

func TestEnqueueDeduplicatesByExternalID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.EnqueueIfAbsent(ctx, testPost("123"))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !inserted {
		t.Error("first enqueue: expected inserted=true")
	}

	inserted, err = s.EnqueueIfAbsent(ctx, testPost("123"))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if inserted {
		t.Error("second enqueue: expected inserted=false")
	}

	n, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 stored row, got %d", n)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		post *Post
	}{
		{"missing external id", &Post{Message: "hi http://x.com", Attachments: []string{"u"}}},
		{"empty post", &Post{ExternalID: "1"}},
		{"too many attachments", &Post{
			ExternalID:  "2",
			Message:     "http://x.com",
			Attachments: []string{"a", "b", "c", "d", "e"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.EnqueueIfAbsent(ctx, tt.post); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestPeekFirstReturnsOldest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.EnqueueIfAbsent(ctx, testPost(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	first, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if first.ExternalID != "a" {
		t.Errorf("expected oldest post 'a', got %q", first.ExternalID)
	}

	// Peek is non-destructive.
	again, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("second peek: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("peek removed the row: got id %d, want %d", again.ID, first.ID)
	}
}

func TestPeekFirstAfterSkipsEarlierPosts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.EnqueueIfAbsent(ctx, testPost(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	first, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}

	next, err := s.PeekFirstAfter(ctx, first.ID)
	if err != nil {
		t.Fatalf("peek after %d: %v", first.ID, err)
	}
	if next.ExternalID != "b" {
		t.Errorf("expected post 'b', got %q", next.ExternalID)
	}

	if _, err := s.PeekFirstAfter(ctx, next.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound past the end, got %v", err)
	}
}

func TestPeekFirstEmptyQueue(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.PeekFirst(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestRemoveBySurrogateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueIfAbsent(ctx, testPost("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.EnqueueIfAbsent(ctx, testPost("b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if err := s.Remove(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	next, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("peek after remove: %v", err)
	}
	if next.ExternalID != "b" {
		t.Errorf("expected head 'b' after removal, got %q", next.ExternalID)
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	post := testPost("multi")
	post.Attachments = []string{"http://img/1.jpg", "http://img/2.jpg", "http://img/3.jpg"}
	if _, err := s.EnqueueIfAbsent(ctx, post); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(got.Attachments) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(got.Attachments))
	}
	for i, url := range post.Attachments {
		if got.Attachments[i] != url {
			t.Errorf("attachment %d: got %q, want %q", i, got.Attachments[i], url)
		}
	}
	if got.Provider != "dotmoe" {
		t.Errorf("provider: got %q, want dotmoe", got.Provider)
	}
}

func TestExistsByExternalID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exists, err := s.ExistsByExternalID(ctx, "123")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("expected exists=false before enqueue")
	}

	if _, err := s.EnqueueIfAbsent(ctx, testPost("123")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exists, err = s.ExistsByExternalID(ctx, "123")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Error("expected exists=true after enqueue")
	}
}

func TestTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Token(ctx, "page1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown account, got %v", err)
	}

	if err := s.SetToken(ctx, "page1", "tok-a"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	tok, err := s.Token(ctx, "page1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok != "tok-a" {
		t.Errorf("token: got %q, want tok-a", tok)
	}

	// SetToken replaces an existing token.
	if err := s.SetToken(ctx, "page1", "tok-b"); err != nil {
		t.Fatalf("replace token: %v", err)
	}
	tok, err = s.Token(ctx, "page1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok != "tok-b" {
		t.Errorf("token after replace: got %q, want tok-b", tok)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueIfAbsent(ctx, testPost("keep")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	n, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row to survive re-migration, got %d", n)
	}
}

func TestMigrateFromVersion1PreservesPosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	// Hand-build a version-1 database: external id as primary key, no
	// surrogate id, no provider column.
	stmts := []string{
		`CREATE TABLE schema_version (id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL)`,
		`INSERT INTO schema_version (id, version) VALUES (1, 1)`,
		`CREATE TABLE tokens (id TEXT PRIMARY KEY, token TEXT NOT NULL)`,
		`CREATE TABLE delayed_posts (
			post_id TEXT PRIMARY KEY,
			author TEXT, author_link TEXT, message TEXT, attachments TEXT
		)`,
		`INSERT INTO delayed_posts VALUES ('old1', 'A', 'l', 'm http://x.com', 'u1|u2')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed v1 schema: %v", err)
		}
	}

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	got, err := s.PeekFirst(ctx)
	if err != nil {
		t.Fatalf("peek migrated post: %v", err)
	}
	if got.ExternalID != "old1" {
		t.Errorf("external id: got %q, want old1", got.ExternalID)
	}
	if got.ID == 0 {
		t.Error("migrated post has no surrogate id")
	}
	if len(got.Attachments) != 2 {
		t.Errorf("attachments: got %d, want 2", len(got.Attachments))
	}

	// The rebuilt table must enforce external id uniqueness.
	inserted, err := s.EnqueueIfAbsent(ctx, testPost("old1"))
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if inserted {
		t.Error("expected duplicate of migrated post to be ignored")
	}
}

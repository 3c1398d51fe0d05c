// Package store provides the durable delayed-post queue and the page token
// table, backed by a single SQLite database file.
//
// The queue is the only authoritative state in the system: deduplication of
// inbound events and the publish worker's notion of "what is next" are both
// derived from it on demand, never from process memory, so concurrent
// deliveries and restarts cannot desynchronize it.
//
// Posts are keyed two ways. The external post id (the source platform's
// identifier) carries a UNIQUE constraint and is used exclusively for
// deduplication on insert. Deletion goes through the store-assigned surrogate
// id: an earlier schema keyed rows by the external id alone, and deliveries
// with a missing external id produced rows that could never be deleted, so
// the same post was republished on every worker run. Migration 2 exists to
// make removal unconditionally reliable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MaxAttachments is the attachment cap per queued post.
const MaxAttachments = 4

// Post is one pending publication unit.
type Post struct {
	// ID is the store-assigned surrogate key, monotonically increasing in
	// insertion order. It is the only key removal accepts.
	ID int64

	// ExternalID is the source platform's post identifier, used only for
	// deduplication.
	ExternalID string

	Author     string
	AuthorLink string

	// Message is the post text; validated upstream to contain at least one
	// URL.
	Message string

	// Attachments holds up to MaxAttachments resolved image URLs, in the
	// order they should appear on the published status.
	Attachments []string

	// Provider tags the source of this post and gates the optional
	// enhancement step.
	Provider string
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path. The caller
// should run Migrate before using the store and Close when done.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnqueueIfAbsent inserts post unless a row with the same external id already
// exists. It reports whether a row was inserted; a duplicate is not an error.
func (s *Store) EnqueueIfAbsent(ctx context.Context, post *Post) (bool, error) {
	if post.ExternalID == "" {
		return false, fmt.Errorf("enqueue: external id is required")
	}
	if post.Message == "" && len(post.Attachments) == 0 {
		return false, fmt.Errorf("enqueue: post has no message and no attachments")
	}
	if len(post.Attachments) > MaxAttachments {
		return false, fmt.Errorf("enqueue: %d attachments exceeds cap of %d", len(post.Attachments), MaxAttachments)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO delayed_posts (post_id, author, author_link, message, attachments, provider)
		VALUES (?, ?, ?, ?, ?, ?)`,
		post.ExternalID,
		post.Author,
		post.AuthorLink,
		post.Message,
		joinAttachments(post.Attachments),
		post.Provider,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue post %s: %w", post.ExternalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue post %s: rows affected: %w", post.ExternalID, err)
	}
	return n > 0, nil
}

// PeekFirst returns the oldest queued post without removing it.
// Returns ErrNotFound when the queue is empty.
func (s *Store) PeekFirst(ctx context.Context) (*Post, error) {
	return s.PeekFirstAfter(ctx, 0)
}

// PeekFirstAfter returns the oldest queued post whose surrogate id is greater
// than after, without removing it. The worker uses it to step past posts that
// already failed within the current run. Returns ErrNotFound when no such
// post exists.
func (s *Store) PeekFirstAfter(ctx context.Context, after int64) (*Post, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, author, author_link, message, attachments, provider
		FROM delayed_posts
		WHERE id > ?
		ORDER BY id ASC
		LIMIT 1`, after)

	var (
		p           Post
		externalID  sql.NullString
		attachments string
	)
	err := row.Scan(&p.ID, &externalID, &p.Author, &p.AuthorLink, &p.Message, &attachments, &p.Provider)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("peek post: %w", err)
	}

	p.ExternalID = externalID.String
	p.Attachments = splitAttachments(attachments)
	return &p, nil
}

// Remove deletes a post by its surrogate id.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delayed_posts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove post %d: %w", id, err)
	}
	return nil
}

// ExistsByExternalID reports whether a post with the given external id is
// queued.
func (s *Store) ExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delayed_posts WHERE post_id = ?`, externalID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup post %s: %w", externalID, err)
	}
	return true, nil
}

// CountPending returns the number of queued posts.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delayed_posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// Token returns the stored access token for a source account id.
// Returns ErrNotFound when no token has been stored.
func (s *Store) Token(ctx context.Context, accountID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM tokens WHERE id = ?`, accountID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup token for %s: %w", accountID, err)
	}
	return token, nil
}

// SetToken stores or replaces the access token for a source account id.
func (s *Store) SetToken(ctx context.Context, accountID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (id, token) VALUES (?, ?)`, accountID, token,
	)
	if err != nil {
		return fmt.Errorf("store token for %s: %w", accountID, err)
	}
	return nil
}

// SQLite has no array type; attachments are serialized into one TEXT column.
func joinAttachments(urls []string) string {
	return strings.Join(urls, "|")
}

func splitAttachments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

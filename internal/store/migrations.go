package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// A migration is one forward-only schema step. Steps run in ascending version
// order, each inside its own transaction, and the recorded schema version
// advances in that same transaction — interrupting a migration leaves either
// the old or the new state, never a half-applied step. Every step is written
// to be safe to re-run (CREATE TABLE IF NOT EXISTS, copy-and-swap) in case
// the version bump itself is what got rolled back.
type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, migrateInitialSchema},
	{2, migrateSurrogateKey},
}

// Migrate brings the database schema up to the latest version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0)`); err != nil {
		return fmt.Errorf("seed schema_version: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		log.Info().Int("from", current).Int("to", m.version).Msg("Applying database migration")

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE schema_version SET version = ? WHERE id = 1`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
		current = m.version
	}

	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrateInitialSchema creates the version-1 tables: the token table and the
// delayed-post queue keyed by the external post id.
func migrateInitialSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delayed_posts (
			post_id TEXT PRIMARY KEY,
			author TEXT,
			author_link TEXT,
			message TEXT,
			attachments TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateSurrogateKey rebuilds delayed_posts around an integer surrogate
// primary key, demoting the external post id to a UNIQUE dedupe column, and
// adds the provider tag. External ids have been observed missing on real
// deliveries; rows keyed by them could never be deleted and were republished
// on every worker run. AUTOINCREMENT keeps surrogate ids monotonic so
// insertion order survives deletions.
func migrateSurrogateKey(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS delayed_posts_new (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			post_id TEXT UNIQUE,
			author TEXT,
			author_link TEXT,
			message TEXT,
			attachments TEXT,
			provider TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT INTO delayed_posts_new (post_id, author, author_link, message, attachments)
			SELECT post_id, author, author_link, message, attachments FROM delayed_posts`,
		`DROP TABLE delayed_posts`,
		`ALTER TABLE delayed_posts_new RENAME TO delayed_posts`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

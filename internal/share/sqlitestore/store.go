// Package sqlitestore keeps the ledger and processed-state blobs, plus the
// sync job history, in a local SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dvloznov/receipt-ledger/internal/share"
)

// Store manages blob and job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ share.TextStore = (*Store)(nil)

// Open initializes or connects to the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ReadText returns the blob stored under ref.ID.
func (s *Store) ReadText(ctx context.Context, ref share.Ref) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM blobs WHERE ref = ?`, ref.ID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &share.TransportError{Op: "read", Ref: ref.ID, Err: share.ErrNotFound}
	}
	if err != nil {
		return "", &share.TransportError{Op: "read", Ref: ref.ID, Err: err}
	}
	return body, nil
}

// WriteText replaces the blob stored under ref.ID.
func (s *Store) WriteText(ctx context.Context, ref share.Ref, text string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO blobs (ref, body, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(ref) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		ref.ID,
		text,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return &share.TransportError{Op: "write", Ref: ref.ID, Err: err}
	}
	return nil
}

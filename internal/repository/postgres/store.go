// Package postgres implements the local store on Postgres through pgx.
package postgres

import (
	"context"
	_ "embed"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-sterilization-trace/internal/database"
	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres implementation of repository.Store.
type Store struct {
	db  *database.DB
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a store over db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the source of created/updated stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

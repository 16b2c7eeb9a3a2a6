// Package store provides storage backends for QuoteRelay.
//
// This file implements a PostgreSQL-backed store for pending submissions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/QuoteRelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// Compile-time check that PostgresStore implements SubmissionRepo.
var _ SubmissionRepo = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, storageErr("open", fmt.Errorf("database DSN not set"))
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, storageErr("open", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, storageErr("open", err)
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, storageErr("open", fmt.Errorf("failed to run migrations: %w", err))
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, clock: cfg.Clock}, nil
}

func (s *PostgresStore) Add(ctx context.Context, q models.Quotation) (models.PendingSubmission, error) {
	extra, err := encodeExtra(q.Extra)
	if err != nil {
		return models.PendingSubmission{}, storageErr("add", err)
	}
	createdAt := s.clock().UnixMilli()
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO pending_submissions (nombre, telefono, moto, extra, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		q.Nombre, q.Telefono, q.Moto, nilIfEmpty(extra), createdAt).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore.Add: insert failed", "error", err)
		return models.PendingSubmission{}, storageErr("add", err)
	}
	slog.Debug("PostgresStore.Add: stored submission", "id", id)
	return models.PendingSubmission{ID: id, Quotation: q, CreatedAt: createdAt}, nil
}

func (s *PostgresStore) GetAll(ctx context.Context) ([]models.PendingSubmission, error) {
	return s.CreatedSince(ctx, 0)
}

func (s *PostgresStore) CreatedSince(ctx context.Context, sinceMillis int64) ([]models.PendingSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nombre, telefono, moto, extra, created_at FROM pending_submissions WHERE created_at >= $1 ORDER BY id`,
		sinceMillis)
	if err != nil {
		slog.Error("PostgresStore.CreatedSince: query failed", "error", err)
		return nil, storageErr("get", err)
	}
	items, err := scanSubmissions(rows)
	if err != nil {
		return nil, storageErr("get", err)
	}
	return items, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore.Delete: failed", "id", id, "error", err)
		return storageErr("delete", err)
	}
	return nil
}

// Clear truncates the table but keeps the id sequence, so ids are never reused.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_submissions`); err != nil {
		slog.Error("PostgresStore.Clear: failed", "error", err)
		return storageErr("clear", err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_submissions`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

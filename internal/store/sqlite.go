// Package store provides storage backends for QuoteRelay.
//
// This file implements an SQLite-backed store for pending submissions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/QuoteRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// Compile-time check that SQLiteStore implements SubmissionRepo.
var _ SubmissionRepo = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path (optionally "file:" prefixed) to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, storageErr("open", fmt.Errorf("database DSN not set"))
	}

	if path := sqliteFilePath(dsn); path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, storageErr("open", fmt.Errorf("failed to create database directory: %w", err))
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, storageErr("open", err)
	}
	// A single connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, storageErr("open", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, storageErr("open", fmt.Errorf("failed to run migrations: %w", err))
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, clock: cfg.Clock}, nil
}

// sqliteFilePath extracts the filesystem path from a DSN, or "" for in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func (s *SQLiteStore) Add(ctx context.Context, q models.Quotation) (models.PendingSubmission, error) {
	extra, err := encodeExtra(q.Extra)
	if err != nil {
		return models.PendingSubmission{}, storageErr("add", err)
	}
	createdAt := s.clock().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_submissions (nombre, telefono, moto, extra, created_at) VALUES (?, ?, ?, ?, ?)`,
		q.Nombre, q.Telefono, q.Moto, nilIfEmpty(extra), createdAt)
	if err != nil {
		slog.Error("SQLiteStore.Add: insert failed", "error", err)
		return models.PendingSubmission{}, storageErr("add", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.PendingSubmission{}, storageErr("add", err)
	}
	slog.Debug("SQLiteStore.Add: stored submission", "id", id)
	return models.PendingSubmission{ID: id, Quotation: q, CreatedAt: createdAt}, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]models.PendingSubmission, error) {
	return s.CreatedSince(ctx, 0)
}

func (s *SQLiteStore) CreatedSince(ctx context.Context, sinceMillis int64) ([]models.PendingSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nombre, telefono, moto, extra, created_at FROM pending_submissions WHERE created_at >= ? ORDER BY id`,
		sinceMillis)
	if err != nil {
		slog.Error("SQLiteStore.CreatedSince: query failed", "error", err)
		return nil, storageErr("get", err)
	}
	items, err := scanSubmissions(rows)
	if err != nil {
		slog.Error("SQLiteStore.CreatedSince: scan failed", "error", err)
		return nil, storageErr("get", err)
	}
	return items, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore.Delete: failed", "id", id, "error", err)
		return storageErr("delete", err)
	}
	slog.Debug("SQLiteStore.Delete: removed submission", "id", id)
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_submissions`); err != nil {
		slog.Error("SQLiteStore.Clear: failed", "error", err)
		return storageErr("clear", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_submissions`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// Package store provides storage backends for QuoteRelay.
//
// It holds pending quotation submissions until they are delivered upstream.
// Backends are SQLite (default), PostgreSQL and an in-memory store for tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/QuoteRelay/internal/models"
)

// ErrStorage is matched by every error returned from a SubmissionRepo.
var ErrStorage = errors.New("storage unavailable")

// StorageError reports a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// SubmissionRepo persists pending submissions.
type SubmissionRepo interface {
	// Add stores a new submission, assigning its id and creation time.
	Add(ctx context.Context, q models.Quotation) (models.PendingSubmission, error)

	// GetAll returns every pending submission in insertion order.
	GetAll(ctx context.Context) ([]models.PendingSubmission, error)

	// CreatedSince returns submissions created at or after the given epoch millis.
	CreatedSince(ctx context.Context, sinceMillis int64) ([]models.PendingSubmission, error)

	// Delete removes a submission. Deleting a missing id is not an error.
	Delete(ctx context.Context, id int64) error

	// Clear removes every submission.
	Clear(ctx context.Context) error

	// Count returns the number of pending submissions.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN   string
	Clock func() time.Time
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithClock overrides the time source used for createdAt.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings, "memory" for
// memory:// and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return "memory"
	default:
		return "sqlite3"
	}
}

// NewStore opens the backend matching the configured DSN.
func NewStore(opts ...Option) (SubmissionRepo, error) {
	cfg := applyOpts(opts)
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.NewStore: selecting backend", "type", kind)
	switch kind {
	case "postgres":
		return NewPostgresStore(opts...)
	case "memory":
		return NewInMemoryStore(opts...), nil
	default:
		return NewSQLiteStore(opts...)
	}
}

// InMemoryStore is a simple in-memory store for pending submissions.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]models.PendingSubmission
	clock  func() time.Time
}

// Compile-time check that InMemoryStore implements SubmissionRepo.
var _ SubmissionRepo = (*InMemoryStore)(nil)

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{items: make(map[int64]models.PendingSubmission), clock: cfg.Clock}
}

func (s *InMemoryStore) Add(ctx context.Context, q models.Quotation) (models.PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p := models.PendingSubmission{ID: s.nextID, Quotation: q, CreatedAt: s.clock().UnixMilli()}
	s.items[p.ID] = p
	return p, nil
}

func (s *InMemoryStore) GetAll(ctx context.Context) ([]models.PendingSubmission, error) {
	return s.CreatedSince(ctx, 0)
}

func (s *InMemoryStore) CreatedSince(ctx context.Context, sinceMillis int64) ([]models.PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PendingSubmission, 0, len(s.items))
	for _, p := range s.items {
		if p.CreatedAt >= sinceMillis {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[int64]models.PendingSubmission)
	return nil
}

func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *InMemoryStore) Close() error { return nil }

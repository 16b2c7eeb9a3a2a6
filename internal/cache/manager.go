package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/QuoteRelay/internal/metrics"
)

// Defaults for the cache manager.
const (
	DefaultInstallConcurrency = 4
	DefaultRevalidateTimeout  = 15 * time.Second
	DefaultMaxEntryBytes      = 8 << 20
	offlineBody               = "resource unavailable offline"
)

// State is the lifecycle phase of a Manager.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidTransition is returned when a lifecycle step is invoked out of order.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrEntryTooLarge is returned when a response body exceeds the entry size cap.
	ErrEntryTooLarge = errors.New("response body too large to cache")
)

// PrecacheFetchError reports a precache resource that could not be fetched.
// It is logged and skipped; it never fails an install.
type PrecacheFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *PrecacheFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: unexpected status %d", e.URL, e.Status)
}

func (e *PrecacheFetchError) Unwrap() error { return e.Err }

// Claimer takes control of every connected client once activation completes.
type Claimer interface {
	Claim(ctx context.Context) error
}

// Opts holds configuration options for the cache manager.
type Opts struct {
	Origin             string
	APIOrigin          string
	Client             *http.Client
	Online             func() bool
	Claimer            Claimer
	Metrics            *metrics.Metrics
	InstallConcurrency int
	RevalidateTimeout  time.Duration
	MaxEntryBytes      int64
}

// Option defines a configuration option for the cache manager.
type Option func(*Opts)

// WithOrigin sets the origin the front-end is served from; only same-origin GETs are cached.
func WithOrigin(origin string) Option {
	return func(o *Opts) { o.Origin = origin }
}

// WithAPIOrigin sets the remote API origin whose requests always bypass the cache.
func WithAPIOrigin(origin string) Option {
	return func(o *Opts) { o.APIOrigin = origin }
}

// WithHTTPClient sets the client used for network fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// WithOnlineFunc reports connectivity; when it returns false cache misses skip the network.
func WithOnlineFunc(f func() bool) Option {
	return func(o *Opts) { o.Online = f }
}

// WithClaimer sets who is told to take control of clients after activation.
func WithClaimer(c Claimer) Option {
	return func(o *Opts) { o.Claimer = c }
}

// WithMetrics sets the counters updated by the manager.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithInstallConcurrency bounds parallel precache fetches.
func WithInstallConcurrency(n int) Option {
	return func(o *Opts) { o.InstallConcurrency = n }
}

// WithRevalidateTimeout bounds each background refresh.
func WithRevalidateTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RevalidateTimeout = d }
}

// WithMaxEntryBytes caps the size of a cacheable response body.
func WithMaxEntryBytes(n int64) Option {
	return func(o *Opts) { o.MaxEntryBytes = n }
}

// InstallReport lists the outcome of precaching.
type InstallReport struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
}

// Manager owns one cache version: its lifecycle and its fetch policy.
type Manager struct {
	manifest  *Manifest
	storage   Storage
	origin    *url.URL
	apiOrigin *url.URL
	client    *http.Client
	online    func() bool
	claimer   Claimer
	metrics   *metrics.Metrics
	opts      Opts

	mu    sync.RWMutex
	state State

	revalidating sync.WaitGroup
}

// NewManager creates a manager for the given manifest in the Parsed state.
func NewManager(manifest *Manifest, storage Storage, opts ...Option) (*Manager, error) {
	cfg := Opts{
		InstallConcurrency: DefaultInstallConcurrency,
		RevalidateTimeout:  DefaultRevalidateTimeout,
		MaxEntryBytes:      DefaultMaxEntryBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("cache storage is required")
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}
	var apiOrigin *url.URL
	if cfg.APIOrigin != "" {
		apiOrigin, err = url.Parse(cfg.APIOrigin)
		if err != nil || apiOrigin.Host == "" {
			return nil, fmt.Errorf("invalid API origin %q", cfg.APIOrigin)
		}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = DefaultInstallConcurrency
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = DefaultRevalidateTimeout
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = DefaultMaxEntryBytes
	}
	return &Manager{
		manifest:  manifest,
		storage:   storage,
		origin:    origin,
		apiOrigin: apiOrigin,
		client:    cfg.Client,
		online:    cfg.Online,
		claimer:   cfg.Claimer,
		metrics:   metrics.OrNew(cfg.Metrics),
		opts:      cfg,
		state:     StateParsed,
	}, nil
}

// Manifest returns the manifest this manager serves.
func (m *Manager) Manifest() *Manifest { return m.manifest }

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, m.state)
	}
	m.state = to
	slog.Debug("Manager.transition", "version", m.manifest.Version, "state", to.String())
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Install fetches every precache resource concurrently and stores the successful ones.
// Individual fetch failures are logged and skipped; only a storage failure fails the install.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	if err := m.transition(StateParsed, StateInstalling); err != nil {
		return InstallReport{}, err
	}
	slog.Info("Manager.Install: precaching resources", "version", m.manifest.Version, "count", len(m.manifest.Precache))

	var (
		mu     sync.Mutex
		report InstallReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.InstallConcurrency)
	partition := m.manifest.PrecacheName()

	for _, path := range m.manifest.Precache {
		g.Go(func() error {
			entry, err := m.fetchForPrecache(gctx, path)
			if err != nil {
				m.metrics.PrecacheFailuresTotal.Add(1)
				slog.Warn("Manager.Install: skipping resource", "error", err)
				mu.Lock()
				report.Failed = append(report.Failed, path)
				mu.Unlock()
				return nil
			}
			if err := m.storage.Put(partition, entry.Key, entry); err != nil {
				return fmt.Errorf("store precache entry %s: %w", path, err)
			}
			mu.Lock()
			report.Cached = append(report.Cached, path)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Manager.Install: install failed", "version", m.manifest.Version, "error", err)
		m.setState(StateRedundant)
		return report, err
	}

	m.setState(StateInstalled)
	slog.Info("Manager.Install: installed", "version", m.manifest.Version, "cached", len(report.Cached), "failed", len(report.Failed))
	return report, nil
}

func (m *Manager) fetchForPrecache(ctx context.Context, path string) (Entry, error) {
	target := m.resolve(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Entry{}, &PrecacheFetchError{URL: target.String(), Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Entry{}, &PrecacheFetchError{URL: target.String(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Entry{}, &PrecacheFetchError{URL: target.String(), Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, m.opts.MaxEntryBytes+1))
	if err != nil {
		return Entry{}, &PrecacheFetchError{URL: target.String(), Err: err}
	}
	if int64(len(body)) > m.opts.MaxEntryBytes {
		return Entry{}, &PrecacheFetchError{URL: target.String(), Err: fmt.Errorf("%w: over %d bytes", ErrEntryTooLarge, m.opts.MaxEntryBytes)}
	}
	return Entry{
		Key:      cacheKey(target),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UnixMilli(),
	}, nil
}

// Activate deletes every partition that does not belong to this version, then claims clients.
// It returns the names of the deleted partitions.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}
	keep := map[string]bool{m.manifest.PrecacheName(): true, m.manifest.RuntimeName(): true}

	names, err := m.storage.Names()
	if err != nil {
		m.setState(StateInstalled)
		return nil, fmt.Errorf("list cache partitions: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := m.storage.Delete(name); err != nil {
			slog.Error("Manager.Activate: failed to delete stale partition", "name", name, "error", err)
			continue
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		slog.Info("Manager.Activate: purged stale partitions", "deleted", deleted)
	}

	if m.claimer != nil {
		if err := m.claimer.Claim(ctx); err != nil {
			slog.Warn("Manager.Activate: claim failed", "error", err)
		}
	}
	m.setState(StateActivated)
	slog.Info("Manager.Activate: activated", "version", m.manifest.Version)
	return deleted, nil
}

// Retire marks a superseded manager as redundant. It returns once no runtime
// write from this manager is in progress; later writes are dropped.
func (m *Manager) Retire() {
	m.setState(StateRedundant)
}

// Reinstate returns a retired manager to service after its successor failed to activate.
func (m *Manager) Reinstate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRedundant {
		m.state = StateActivated
	}
}

// putRuntime writes to the runtime partition unless the manager has been retired.
// The read lock is held across the write so Retire cannot interleave with it.
func (m *Manager) putRuntime(key string, e Entry) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateRedundant {
		return false, nil
	}
	return true, m.storage.Put(m.manifest.RuntimeName(), key, e)
}

// CacheNames returns the partition names used by this version.
func (m *Manager) CacheNames() []string {
	return []string{m.manifest.PrecacheName(), m.manifest.RuntimeName()}
}

// WaitIdle blocks until in-flight background revalidations finish.
func (m *Manager) WaitIdle() {
	m.revalidating.Wait()
}

// Fetch applies the fetch policy to an absolute-URL request:
// API-origin requests, non-GETs and foreign origins bypass the cache;
// cache hits are served stale-while-revalidate; misses go to the network and
// matching successful responses are auto-cached; a failed miss falls back to the
// cached root document for navigations and to a synthetic 503 otherwise.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	u := req.URL
	if m.apiOrigin != nil && sameOrigin(u, m.apiOrigin) {
		return m.network(ctx, req)
	}
	if req.Method != http.MethodGet || !sameOrigin(u, m.origin) {
		return m.network(ctx, req)
	}

	key := cacheKey(u)
	if e, ok := m.match(key); ok {
		m.metrics.CacheHitsTotal.Add(1)
		m.revalidate(ctx, req, key)
		return e.response(req), nil
	}
	m.metrics.CacheMissesTotal.Add(1)

	if m.online != nil && !m.online() {
		slog.Debug("Manager.Fetch: offline, skipping network", "key", key)
		return m.offlineResponse(req), nil
	}

	resp, err := m.network(ctx, req)
	if err != nil {
		slog.Debug("Manager.Fetch: network failed", "key", key, "error", err)
		return m.offlineResponse(req), nil
	}
	if isOK(resp.StatusCode) && m.manifest.ShouldAutoCache(u.Path) {
		var entry Entry
		var ok bool
		resp, entry, ok = m.capture(key, resp)
		if ok {
			if _, err := m.putRuntime(key, entry); err != nil {
				slog.Warn("Manager.Fetch: runtime cache write failed", "key", key, "error", err)
			}
		}
	}
	return resp, nil
}

// match prefers the runtime partition since it only ever holds refreshed copies.
func (m *Manager) match(key string) (Entry, bool) {
	for _, name := range []string{m.manifest.RuntimeName(), m.manifest.PrecacheName()} {
		e, ok, err := m.storage.Get(name, key)
		if err != nil {
			slog.Warn("Manager.match: cache read failed", "partition", name, "key", key, "error", err)
			continue
		}
		if ok {
			return e, true
		}
	}
	return Entry{}, false
}

func (m *Manager) revalidate(ctx context.Context, req *http.Request, key string) {
	m.revalidating.Add(1)
	go func() {
		defer m.revalidating.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RevalidateTimeout)
		defer cancel()

		resp, err := m.network(rctx, req)
		if err != nil {
			slog.Debug("Manager.revalidate: refresh failed", "key", key, "error", err)
			return
		}
		defer resp.Body.Close()
		if !isOK(resp.StatusCode) {
			return
		}
		_, entry, ok := m.capture(key, resp)
		if !ok {
			return
		}
		written, err := m.putRuntime(key, entry)
		if err != nil {
			slog.Warn("Manager.revalidate: runtime cache write failed", "key", key, "error", err)
			return
		}
		if !written {
			slog.Debug("Manager.revalidate: manager retired, dropping refresh", "key", key, "version", m.manifest.Version)
			return
		}
		m.metrics.CacheRevalidationsTotal.Add(1)
	}()
}

// capture reads a response body into an entry, returning a response whose body can still be consumed.
// Bodies larger than the configured cap are passed through without caching.
func (m *Manager) capture(key string, resp *http.Response) (*http.Response, Entry, bool) {
	limit := m.opts.MaxEntryBytes
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(buf))
		return resp, Entry{}, false
	}
	if int64(len(buf)) > limit {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return resp, Entry{}, false
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	return resp, Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     buf,
		StoredAt: time.Now().UnixMilli(),
	}, true
}

func (m *Manager) network(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	return m.client.Do(out)
}

func (m *Manager) offlineResponse(req *http.Request) *http.Response {
	m.metrics.OfflineFallbacksTotal.Add(1)
	if isNavigation(req) {
		for _, path := range []string{m.manifest.RootDocument, "/"} {
			if e, ok := m.match(cacheKey(m.resolve(path))); ok {
				return e.response(req)
			}
		}
	}
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}

func (m *Manager) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	return m.origin.ResolveReference(ref)
}

func (e Entry) response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func cacheKey(u *url.URL) string {
	return u.RequestURI()
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func isOK(status int) bool {
	return status >= 200 && status <= 299
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

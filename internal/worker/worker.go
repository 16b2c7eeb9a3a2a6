// Package worker is the background event dispatcher. It owns the active and
// waiting cache managers and routes lifecycle, message, push and connectivity
// events to the component that handles them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BTreeMap/QuoteRelay/internal/cache"
	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/notify"
	"github.com/BTreeMap/QuoteRelay/internal/router"
)

// EventType names a background event.
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventMessage           EventType = "message"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
	EventOnline            EventType = "online"
	EventOffline           EventType = "offline"
	EventPeriodicSync      EventType = "periodicsync"
	EventManifestChange    EventType = "manifestchange"
)

var (
	// ErrUnknownEvent is returned for an event type with no handler.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrNothingWaiting is returned when activation is requested with no installed version.
	ErrNothingWaiting = errors.New("no installed version waiting to activate")
	// ErrNoManifest is returned when an install event carries no manifest.
	ErrNoManifest = errors.New("install event without manifest")
)

// Event is one unit of work for the dispatcher. Only the fields relevant to Type are read.
type Event struct {
	Type     EventType
	Manifest *cache.Manifest
	Data     []byte
	Click    notify.Click
	Reply    router.ReplyFunc
}

// Result carries what an event produced, for callers that report it.
type Result struct {
	Install      *cache.InstallReport
	Purged       []string
	Notification *models.Notification
	Click        notify.ClickOutcome
}

// MessageHandler handles control messages from pages.
type MessageHandler interface {
	Handle(ctx context.Context, raw []byte, reply router.ReplyFunc) error
}

// Queue triggers delivery passes.
type Queue interface {
	Schedule()
}

// Connectivity records online/offline observations.
type Connectivity interface {
	Set(online bool)
}

// Notifier shows pushes and routes clicks.
type Notifier interface {
	HandlePush(ctx context.Context, payload []byte) (models.Notification, error)
	HandleClick(ctx context.Context, click notify.Click) (notify.ClickOutcome, error)
}

// ManagerFactory builds a cache manager for one manifest version.
type ManagerFactory func(m *cache.Manifest) (*cache.Manager, error)

// Deps are the components the dispatcher routes to.
type Deps struct {
	NewManager   ManagerFactory
	Messages     MessageHandler
	Queue        Queue
	Connectivity Connectivity
	Notifier     Notifier
	// Fallback serves requests while no version is active. nil means 503.
	Fallback http.Handler
}

// Opts holds configuration options for the worker.
type Opts struct {
	AutoActivate bool
}

// Option defines a configuration option for the worker.
type Option func(*Opts)

// WithAutoActivate controls whether a freshly installed version activates immediately.
func WithAutoActivate(on bool) Option {
	return func(o *Opts) { o.AutoActivate = on }
}

type handlerFunc func(ctx context.Context, ev Event) (Result, error)

// Worker dispatches events. Lifecycle events are serialized; others run concurrently.
type Worker struct {
	deps         Deps
	autoActivate bool
	handlers     map[EventType]handlerFunc

	lifecycle sync.Mutex
	mu        sync.RWMutex
	active    *cache.Manager
	waiting   *cache.Manager
}

// New creates a Worker.
func New(deps Deps, opts ...Option) (*Worker, error) {
	cfg := Opts{AutoActivate: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.NewManager == nil {
		return nil, fmt.Errorf("worker requires a cache manager factory")
	}
	w := &Worker{deps: deps, autoActivate: cfg.AutoActivate}
	w.handlers = map[EventType]handlerFunc{
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventMessage:           w.onMessage,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
		EventOnline:            w.onOnline,
		EventOffline:           w.onOffline,
		EventPeriodicSync:      w.onPeriodicSync,
		EventManifestChange:    w.onInstall,
	}
	return w, nil
}

// Dispatch runs the handler for ev.Type.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Type]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	slog.Debug("Worker.Dispatch", "event", ev.Type)
	return h(ctx, ev)
}

// Start installs (and, with auto-activate, activates) the initial manifest.
func (w *Worker) Start(ctx context.Context, m *cache.Manifest) error {
	_, err := w.Dispatch(ctx, Event{Type: EventInstall, Manifest: m})
	return err
}

// SkipWaiting activates the waiting version, if any.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	_, err := w.Dispatch(ctx, Event{Type: EventActivate})
	if errors.Is(err, ErrNothingWaiting) {
		return nil
	}
	return err
}

// Active returns the manager serving requests, or nil before the first activation.
func (w *Worker) Active() *cache.Manager {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// Waiting returns the installed manager waiting to activate, or nil.
func (w *Worker) Waiting() *cache.Manager {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.waiting
}

func (w *Worker) onInstall(ctx context.Context, ev Event) (Result, error) {
	if ev.Manifest == nil {
		return Result{}, ErrNoManifest
	}
	w.lifecycle.Lock()
	mgr, err := w.deps.NewManager(ev.Manifest)
	if err != nil {
		w.lifecycle.Unlock()
		return Result{}, fmt.Errorf("create cache manager %s: %w", ev.Manifest.Version, err)
	}
	report, err := mgr.Install(ctx)
	if err != nil {
		w.lifecycle.Unlock()
		return Result{Install: &report}, fmt.Errorf("install %s: %w", ev.Manifest.Version, err)
	}

	w.mu.Lock()
	previous := w.waiting
	w.waiting = mgr
	w.mu.Unlock()
	if previous != nil {
		previous.Retire()
	}
	w.lifecycle.Unlock()
	slog.Info("Worker.onInstall: version installed", "event", ev.Type, "version", ev.Manifest.Version)

	res := Result{Install: &report}
	if !w.autoActivate {
		return res, nil
	}
	act, err := w.onActivate(ctx, Event{Type: EventActivate})
	res.Purged = act.Purged
	return res, err
}

func (w *Worker) onActivate(ctx context.Context, ev Event) (Result, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.mu.RLock()
	next, previous := w.waiting, w.active
	w.mu.RUnlock()
	if next == nil {
		return Result{}, ErrNothingWaiting
	}
	// The outgoing version stops writing before its partitions are purged.
	if previous != nil {
		previous.Retire()
	}
	purged, err := next.Activate(ctx)
	if err != nil {
		if previous != nil {
			previous.Reinstate()
		}
		return Result{}, fmt.Errorf("activate %s: %w", next.Manifest().Version, err)
	}

	w.mu.Lock()
	w.active = next
	w.waiting = nil
	w.mu.Unlock()
	slog.Info("Worker.onActivate: version active", "version", next.Manifest().Version, "purged", len(purged))
	return Result{Purged: purged}, nil
}

func (w *Worker) onMessage(ctx context.Context, ev Event) (Result, error) {
	if w.deps.Messages == nil {
		return Result{}, nil
	}
	reply := ev.Reply
	if reply == nil {
		reply = func(context.Context, models.Message) error { return nil }
	}
	return Result{}, w.deps.Messages.Handle(ctx, ev.Data, reply)
}

func (w *Worker) onPush(ctx context.Context, ev Event) (Result, error) {
	if w.deps.Notifier == nil {
		return Result{}, nil
	}
	n, err := w.deps.Notifier.HandlePush(ctx, ev.Data)
	return Result{Notification: &n}, err
}

func (w *Worker) onNotificationClick(ctx context.Context, ev Event) (Result, error) {
	if w.deps.Notifier == nil {
		return Result{}, nil
	}
	out, err := w.deps.Notifier.HandleClick(ctx, ev.Click)
	return Result{Click: out}, err
}

func (w *Worker) onOnline(ctx context.Context, ev Event) (Result, error) {
	if w.deps.Connectivity != nil {
		w.deps.Connectivity.Set(true)
	}
	if w.deps.Queue != nil {
		w.deps.Queue.Schedule()
	}
	return Result{}, nil
}

func (w *Worker) onOffline(ctx context.Context, ev Event) (Result, error) {
	if w.deps.Connectivity != nil {
		w.deps.Connectivity.Set(false)
	}
	return Result{}, nil
}

func (w *Worker) onPeriodicSync(ctx context.Context, ev Event) (Result, error) {
	if w.deps.Queue != nil {
		w.deps.Queue.Schedule()
	}
	return Result{}, nil
}

// ServeHTTP routes a fetch to the active cache manager.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if active := w.Active(); active != nil {
		active.ServeHTTP(rw, r)
		return
	}
	if w.deps.Fallback != nil {
		w.deps.Fallback.ServeHTTP(rw, r)
		return
	}
	http.Error(rw, "worker not active", http.StatusServiceUnavailable)
}

// Status describes the lifecycle for the status endpoint.
type Status struct {
	ActiveVersion  string   `json:"activeVersion,omitempty"`
	ActiveState    string   `json:"activeState,omitempty"`
	WaitingVersion string   `json:"waitingVersion,omitempty"`
	WaitingState   string   `json:"waitingState,omitempty"`
	CacheNames     []string `json:"cacheNames,omitempty"`
}

// Status reports the active and waiting versions.
func (w *Worker) Status() Status {
	var s Status
	if a := w.Active(); a != nil {
		s.ActiveVersion = a.Manifest().Version
		s.ActiveState = a.State().String()
		s.CacheNames = a.CacheNames()
	}
	if wt := w.Waiting(); wt != nil {
		s.WaitingVersion = wt.Manifest().Version
		s.WaitingState = wt.State().String()
	}
	return s
}

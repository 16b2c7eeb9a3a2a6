package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/store"
)

// Defaults for the processor.
const (
	DefaultDebounce = 2 * time.Second
	DefaultPause    = 300 * time.Millisecond
)

// State is the processor's single-flight guard.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Broadcaster fans a message out to every connected client.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg models.Message) error
}

// SummaryNotifier shows a local notification summarizing a pass.
type SummaryNotifier interface {
	ShowLocal(ctx context.Context, title, body string) error
}

// Opts holds configuration options for the processor.
type Opts struct {
	Debounce    time.Duration
	Pause       time.Duration
	Broadcaster Broadcaster
	Notifier    SummaryNotifier
	Metrics     *metrics.Metrics
}

// Option defines a configuration option for the processor.
type Option func(*Opts)

// WithDebounce sets the delay Schedule waits before running a pass.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// WithPause sets the gap between consecutive deliveries within a pass.
func WithPause(d time.Duration) Option {
	return func(o *Opts) { o.Pause = d }
}

// WithBroadcaster sets where per-record and summary messages go.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *Opts) { o.Broadcaster = b }
}

// WithNotifier sets who shows the end-of-pass notification.
func WithNotifier(n SummaryNotifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithMetrics sets the counters updated by the processor.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Processor drains the pending queue, one pass at a time.
type Processor struct {
	repo        store.SubmissionRepo
	sender      Sender
	broadcaster Broadcaster
	notifier    SummaryNotifier
	metrics     *metrics.Metrics
	debounce    time.Duration
	pause       time.Duration

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	stopped bool

	inflight sync.WaitGroup
}

// NewProcessor creates a new Processor.
func NewProcessor(repo store.SubmissionRepo, sender Sender, opts ...Option) *Processor {
	cfg := Opts{Debounce: DefaultDebounce, Pause: DefaultPause}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	return &Processor{
		repo:        repo,
		sender:      sender,
		broadcaster: cfg.Broadcaster,
		notifier:    cfg.Notifier,
		metrics:     metrics.OrNew(cfg.Metrics),
		debounce:    cfg.Debounce,
		pause:       cfg.Pause,
	}
}

// State reports whether a pass is in progress.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Schedule (re)arms the debounce timer; a burst of triggers yields one pass.
func (p *Processor) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.Run(context.Background())
	})
	slog.Debug("Processor.Schedule: pass scheduled", "debounce", p.debounce)
}

// Stop cancels any pending scheduled pass and waits for a running one to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.inflight.Wait()
}

// Run performs one processing pass. It returns false without doing anything when
// another pass is already running or the processor has been stopped. Once started,
// the pass ignores cancellation of ctx.
func (p *Processor) Run(ctx context.Context) (models.SyncSummary, bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		slog.Debug("Processor.Run: processor stopped, skipping")
		return models.SyncSummary{}, false
	}
	if p.state == StateRunning {
		p.mu.Unlock()
		slog.Debug("Processor.Run: pass already running, skipping")
		return models.SyncSummary{}, false
	}
	p.state = StateRunning
	p.inflight.Add(1)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		p.inflight.Done()
	}()

	ctx = context.WithoutCancel(ctx)
	items, err := p.repo.GetAll(ctx)
	if err != nil {
		slog.Error("Processor.Run: failed to read queue", "error", err)
		return models.SyncSummary{}, true
	}
	if len(items) == 0 {
		slog.Debug("Processor.Run: queue empty")
		return models.SyncSummary{}, true
	}

	p.metrics.SyncPassesTotal.Add(1)
	slog.Info("Processor.Run: sending queue", "count", len(items))
	summary := models.SyncSummary{Total: len(items)}
	for i, item := range items {
		if i > 0 && p.pause > 0 {
			time.Sleep(p.pause)
		}
		if err := p.sender.Send(ctx, item); err != nil {
			summary.FailCount++
			p.metrics.DeliveriesFailedTotal.Add(1)
			slog.Warn("Processor.Run: delivery failed, keeping record", "id", item.ID, "error", err)
			continue
		}
		// Accepted upstream; a failed delete means at-least-once redelivery on the next pass.
		if err := p.repo.Delete(ctx, item.ID); err != nil {
			slog.Error("Processor.Run: delivered but delete failed", "id", item.ID, "error", err)
		}
		summary.SuccessCount++
		p.metrics.DeliveriesSucceededTotal.Add(1)
		p.broadcast(ctx, models.QuotationSynced(item))
	}

	slog.Info("Processor.Run: pass complete", "success", summary.SuccessCount, "failed", summary.FailCount, "total", summary.Total)
	p.broadcast(ctx, models.SyncComplete(summary))
	if summary.Drained() {
		p.broadcast(ctx, models.Message{Type: models.MessageQuotationsSynced})
	}
	if summary.SuccessCount > 0 && p.notifier != nil {
		body := fmt.Sprintf("%d de %d cotizaciones enviadas", summary.SuccessCount, summary.Total)
		if err := p.notifier.ShowLocal(ctx, "Cotizaciones sincronizadas", body); err != nil {
			slog.Warn("Processor.Run: summary notification failed", "error", err)
		}
	}
	return summary, true
}

func (p *Processor) broadcast(ctx context.Context, msg models.Message) {
	if p.broadcaster == nil {
		return
	}
	if err := p.broadcaster.Broadcast(ctx, msg); err != nil {
		slog.Warn("Processor.broadcast: failed", "type", msg.Type, "error", err)
	}
}

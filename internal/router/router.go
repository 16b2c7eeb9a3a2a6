// Package router dispatches control messages sent by foreground pages to the
// durable store and the delivery processor.
package router

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/store"
)

// DefaultDedupeWindow is how far back ADD_TO_CART looks for an identical record.
const DefaultDedupeWindow = 5 * time.Second

const schemaURL = "https://quoterelay.local/schemas/message.json"

//go:embed message.schema.json
var messageSchema []byte

var (
	// ErrMalformedMessage is returned when a message is not a JSON object with a type.
	ErrMalformedMessage = errors.New("malformed control message")
	// ErrDuplicate is reported when the same quotation was queued moments ago.
	ErrDuplicate = errors.New("duplicate quotation")
)

// ReplyFunc sends a message back to the page that sent the one being handled.
type ReplyFunc func(ctx context.Context, msg models.Message) error

// Scheduler triggers a debounced delivery pass.
type Scheduler interface {
	Schedule()
}

type handlerFunc func(ctx context.Context, in *inbound, reply ReplyFunc) error

// inbound is the decoded form of a message from a page.
type inbound struct {
	Type models.MessageType `json:"type"`
	Item map[string]any     `json:"item,omitempty"`
}

// Opts holds configuration options for the router.
type Opts struct {
	DedupeWindow time.Duration
	Clock        func() time.Time
	Online       func() bool
	SkipWaiting  func(ctx context.Context) error
	Metrics      *metrics.Metrics
}

// Option defines a configuration option for the router.
type Option func(*Opts)

// WithDedupeWindow sets the duplicate detection window; 0 disables the check.
func WithDedupeWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupeWindow = d }
}

// WithClock overrides the time source used for the dedupe window.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithImmediateSend schedules a delivery pass after every saved quotation while online reports true.
func WithImmediateSend(online func() bool) Option {
	return func(o *Opts) { o.Online = online }
}

// WithSkipWaiting sets the hook run for SKIP_WAITING.
func WithSkipWaiting(f func(ctx context.Context) error) Option {
	return func(o *Opts) { o.SkipWaiting = f }
}

// WithMetrics sets the counters updated by the router.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Router is the dispatch table for control messages.
type Router struct {
	repo      store.SubmissionRepo
	scheduler Scheduler
	schema    *jsonschema.Schema
	handlers  map[models.MessageType]handlerFunc

	dedupeWindow time.Duration
	clock        func() time.Time
	online       func() bool
	skipWaiting  func(ctx context.Context) error
	metrics      *metrics.Metrics

	// addMu makes the duplicate check and the insert one step.
	addMu sync.Mutex
}

// NewRouter creates a Router and compiles the message schema.
func NewRouter(repo store.SubmissionRepo, scheduler Scheduler, opts ...Option) (*Router, error) {
	if repo == nil || scheduler == nil {
		return nil, fmt.Errorf("router requires a store and a scheduler")
	}
	cfg := Opts{DedupeWindow: DefaultDedupeWindow, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	r := &Router{
		repo:         repo,
		scheduler:    scheduler,
		schema:       schema,
		dedupeWindow: cfg.DedupeWindow,
		clock:        cfg.Clock,
		online:       cfg.Online,
		skipWaiting:  cfg.SkipWaiting,
		metrics:      metrics.OrNew(cfg.Metrics),
	}
	r.handlers = map[models.MessageType]handlerFunc{
		models.MessageAddToCart:    r.handleAddToCart,
		models.MessageProcessQueue: r.handleProcessQueue,
		models.MessageCheckQueue:   r.handleCheckQueue,
		models.MessageClearQueue:   r.handleClearQueue,
		models.MessageSkipWaiting:  r.handleSkipWaiting,
	}
	return r, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(messageSchema))
	if err != nil {
		return nil, fmt.Errorf("parse message schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add message schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}
	return schema, nil
}

// Handle decodes one raw message and runs its handler. Unknown types are ignored.
// Only undecodable input and handler failures are returned as errors.
func (r *Router) Handle(ctx context.Context, raw []byte, reply ReplyFunc) error {
	r.metrics.ControlMessagesTotal.Add(1)

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		r.metrics.UnknownMessagesTotal.Add(1)
		slog.Debug("Router.Handle: undecodable message", "error", err)
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		r.metrics.UnknownMessagesTotal.Add(1)
		slog.Debug("Router.Handle: message without type", "error", err)
		return ErrMalformedMessage
	}

	handler, ok := r.handlers[in.Type]
	if !ok {
		r.metrics.UnknownMessagesTotal.Add(1)
		slog.Debug("Router.Handle: ignoring unknown message type", "type", in.Type)
		return nil
	}

	if err := r.schema.Validate(inst); err != nil {
		reason := schemaReason(err)
		slog.Debug("Router.Handle: message failed schema validation", "type", in.Type, "reason", reason)
		if in.Type == models.MessageAddToCart {
			return reply(ctx, models.CartSaveFailed("invalid item: "+reason, false))
		}
		return nil
	}
	return handler(ctx, &in, reply)
}

func (r *Router) handleAddToCart(ctx context.Context, in *inbound, reply ReplyFunc) error {
	q := quotationFromItem(in.Item)
	if err := q.Validate(); err != nil {
		return reply(ctx, models.CartSaveFailed(err.Error(), false))
	}

	saved, err := r.addUnlessDuplicate(ctx, q)
	if errors.Is(err, ErrDuplicate) {
		r.metrics.DuplicatesRejectedTotal.Add(1)
		slog.Info("Router.handleAddToCart: rejecting duplicate", "nombre", q.Nombre, "window", r.dedupeWindow)
		return reply(ctx, models.CartSaveFailed(ErrDuplicate.Error(), true))
	}
	if err != nil {
		slog.Error("Router.handleAddToCart: failed to queue quotation", "error", err)
		return reply(ctx, models.CartSaveFailed(err.Error(), false))
	}
	r.metrics.SubmissionsQueuedTotal.Add(1)
	slog.Info("Router.handleAddToCart: quotation queued", "id", saved.ID)

	replyErr := reply(ctx, models.CartSaved(saved))
	if r.online != nil && r.online() {
		r.scheduler.Schedule()
	}
	return replyErr
}

func (r *Router) addUnlessDuplicate(ctx context.Context, q models.Quotation) (models.PendingSubmission, error) {
	r.addMu.Lock()
	defer r.addMu.Unlock()
	dup, err := r.isDuplicate(ctx, q)
	if err != nil {
		return models.PendingSubmission{}, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		return models.PendingSubmission{}, ErrDuplicate
	}
	return r.repo.Add(ctx, q)
}

func (r *Router) isDuplicate(ctx context.Context, q models.Quotation) (bool, error) {
	if r.dedupeWindow <= 0 {
		return false, nil
	}
	since := r.clock().Add(-r.dedupeWindow).UnixMilli()
	recent, err := r.repo.CreatedSince(ctx, since)
	if err != nil {
		return false, err
	}
	key := q.DedupeKey()
	for i := range recent {
		if recent[i].DedupeKey() == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *Router) handleProcessQueue(ctx context.Context, in *inbound, reply ReplyFunc) error {
	r.scheduler.Schedule()
	return nil
}

func (r *Router) handleCheckQueue(ctx context.Context, in *inbound, reply ReplyFunc) error {
	items, err := r.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("check queue: %w", err)
	}
	return reply(ctx, models.QueueStatus(items))
}

func (r *Router) handleClearQueue(ctx context.Context, in *inbound, reply ReplyFunc) error {
	if err := r.repo.Clear(ctx); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	slog.Info("Router.handleClearQueue: queue cleared")
	return reply(ctx, models.QueueStatus(nil))
}

func (r *Router) handleSkipWaiting(ctx context.Context, in *inbound, reply ReplyFunc) error {
	if r.skipWaiting == nil {
		slog.Debug("Router.handleSkipWaiting: no waiting worker hook configured")
		return nil
	}
	return r.skipWaiting(ctx)
}

// quotationFromItem pulls the known fields out of an item and keeps other scalar fields as extras.
func quotationFromItem(item map[string]any) models.Quotation {
	var q models.Quotation
	for k, v := range item {
		switch k {
		case "nombre":
			q.Nombre, _ = v.(string)
		case "telefono":
			q.Telefono, _ = v.(string)
		case "moto":
			q.Moto, _ = v.(string)
		case "id", "createdAt":
		default:
			s, ok := scalarString(v)
			if !ok {
				continue
			}
			if q.Extra == nil {
				q.Extra = make(map[string]string)
			}
			q.Extra[k] = s
		}
	}
	return q
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64, bool:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}

// schemaReason reduces a validation error to its most specific line.
func schemaReason(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return strings.TrimPrefix(last, "- ")
}

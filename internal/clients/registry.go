// Package clients tracks the foreground pages connected to the worker and
// delivers control messages to them.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/util"
)

// ErrUnknownClient is returned when addressing a client that is not registered.
var ErrUnknownClient = errors.New("unknown client")

// Sink delivers a message to one page.
type Sink interface {
	Deliver(ctx context.Context, msg models.Message) error
}

// Client is a connected foreground page.
type Client struct {
	ID  string
	URL string

	seq        uint64
	sink       Sink
	transient  bool
	controlled atomic.Bool
}

// Controlled reports whether the active worker has claimed this client.
func (c *Client) Controlled() bool { return c.controlled.Load() }

// Info is a read-only view of a client for status output.
type Info struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Controlled bool   `json:"controlled"`
}

// Registry is the set of connected clients.
type Registry struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	seq          uint64
	claimed      bool
	pendingOpens []string
	metrics      *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{clients: make(map[string]*Client), metrics: metrics.OrNew(m)}
}

// Register adds a page. Once the worker has claimed clients, new pages start out controlled.
// Window opens requested while no page was connected are delivered to the first page that registers.
func (r *Registry) Register(ctx context.Context, pageURL string, sink Sink) *Client {
	c, pending := r.add(pageURL, sink, false)

	r.metrics.ConnectedClients.Add(1)
	slog.Debug("Registry.Register: client connected", "id", c.ID, "url", pageURL)
	for _, u := range pending {
		if err := sink.Deliver(ctx, models.Message{Type: models.MessageOpenWindow, URL: u}); err != nil {
			slog.Warn("Registry.Register: pending open failed", "id", c.ID, "url", u, "error", err)
		}
	}
	return c
}

// RegisterTransient adds a reply-only client for a single request.
// It is addressable by id and is never treated as a window.
func (r *Registry) RegisterTransient(pageURL string, sink Sink) *Client {
	c, _ := r.add(pageURL, sink, true)
	return c
}

func (r *Registry) add(pageURL string, sink Sink, transient bool) (*Client, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	c := &Client{
		ID:        util.GenerateClientID(),
		URL:       pageURL,
		seq:       r.seq,
		sink:      sink,
		transient: transient,
	}
	c.controlled.Store(r.claimed)
	r.clients[c.ID] = c
	if transient {
		return c, nil
	}
	pending := r.pendingOpens
	r.pendingOpens = nil
	return c, pending
}

// Unregister removes a page.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok && !c.transient {
		r.metrics.ConnectedClients.Add(-1)
		slog.Debug("Registry.Unregister: client disconnected", "id", id)
	}
}

// Get returns a client by id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// MatchAll returns every window client, including uncontrolled ones, in connection order.
func (r *Registry) MatchAll() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.transient {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Infos lists clients for status output.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.clients))
	for _, c := range r.clients {
		if c.transient {
			continue
		}
		out = append(out, Info{ID: c.ID, URL: c.URL, Controlled: c.controlled.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return r.clients[out[i].ID].seq < r.clients[out[j].ID].seq })
	return out
}

// PostMessage sends msg to a single client.
func (r *Registry) PostMessage(ctx context.Context, id string, msg models.Message) error {
	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if err := c.sink.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", msg.Type, id, err)
	}
	return nil
}

// Broadcast sends msg to every client. Failures are collected; delivery continues.
func (r *Registry) Broadcast(ctx context.Context, msg models.Message) error {
	var errs []error
	for _, c := range r.MatchAll() {
		if err := c.sink.Deliver(ctx, msg); err != nil {
			slog.Debug("Registry.Broadcast: delivery failed", "id", c.ID, "type", msg.Type, "error", err)
			errs = append(errs, fmt.Errorf("client %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Claim makes the worker the controller of every client and tells them so.
func (r *Registry) Claim(ctx context.Context) error {
	r.mu.Lock()
	r.claimed = true
	for _, c := range r.clients {
		c.controlled.Store(true)
	}
	r.mu.Unlock()
	slog.Info("Registry.Claim: clients claimed")
	return r.Broadcast(ctx, models.Message{Type: models.MessageControllerChange})
}

// FindByURL returns the first client whose page matches target.
func (r *Registry) FindByURL(target string) (*Client, bool) {
	for _, c := range r.MatchAll() {
		if matchesURL(c.URL, target) {
			return c, true
		}
	}
	return nil, false
}

// Focus asks a client to bring its window to the front.
func (r *Registry) Focus(ctx context.Context, id string) error {
	c, ok := r.Get(id)
	if !ok || c.transient {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return r.PostMessage(ctx, id, models.Message{Type: models.MessageFocus, URL: c.URL})
}

// OpenWindow asks the first connected client to open target in a new window.
// With no client connected the request is kept until one registers.
func (r *Registry) OpenWindow(ctx context.Context, target string) error {
	all := r.MatchAll()
	if len(all) == 0 {
		r.mu.Lock()
		r.pendingOpens = append(r.pendingOpens, target)
		r.mu.Unlock()
		slog.Info("Registry.OpenWindow: no client connected, deferring", "url", target)
		return nil
	}
	return r.PostMessage(ctx, all[0].ID, models.Message{Type: models.MessageOpenWindow, URL: target})
}

// PendingOpens returns window opens waiting for a client.
func (r *Registry) PendingOpens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.pendingOpens...)
}

// matchesURL compares path (and query when target has one); a relative target matches any host.
func matchesURL(clientURL, target string) bool {
	cu, err := url.Parse(clientURL)
	if err != nil {
		return false
	}
	tu, err := url.Parse(target)
	if err != nil {
		return false
	}
	if tu.Host != "" && cu.Host != "" && tu.Host != cu.Host {
		return false
	}
	cp, tp := cu.Path, tu.Path
	if cp == "" {
		cp = "/"
	}
	if tp == "" {
		tp = "/"
	}
	if cp != tp {
		return false
	}
	return tu.RawQuery == "" || tu.RawQuery == cu.RawQuery
}

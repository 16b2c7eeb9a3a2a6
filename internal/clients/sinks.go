package clients

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/BTreeMap/QuoteRelay/internal/models"
)

// Websocket defaults.
const (
	DefaultWriteTimeout = 5 * time.Second
	MaxMessageBytes     = 64 << 10
)

// wsSink writes JSON messages to a websocket. Conn.Write is safe for concurrent use.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) Deliver(ctx context.Context, msg models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, msg)
}

// MessageHandler handles one raw control message from a client.
type MessageHandler func(ctx context.Context, c *Client, raw []byte)

// ServeWebSocket upgrades the request, registers the page and feeds every text frame
// to handle until the page disconnects. Messages from one page are handled in order.
func (r *Registry) ServeWebSocket(w http.ResponseWriter, req *http.Request, opts *websocket.AcceptOptions, handle MessageHandler) {
	conn, err := websocket.Accept(w, req, opts)
	if err != nil {
		slog.Warn("Registry.ServeWebSocket: upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "worker closed connection")
	conn.SetReadLimit(MaxMessageBytes)

	ctx := req.Context()
	client := r.Register(ctx, PageURL(req), &wsSink{conn: conn, timeout: DefaultWriteTimeout})
	defer r.Unregister(client.ID)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				slog.Debug("Registry.ServeWebSocket: client closed", "id", client.ID)
			default:
				slog.Debug("Registry.ServeWebSocket: read ended", "id", client.ID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		handle(ctx, client, data)
	}
}

// PageURL identifies the page behind a request: ?url=, then Referer, then "/".
func PageURL(req *http.Request) string {
	if u := req.URL.Query().Get("url"); u != "" {
		return u
	}
	if ref := req.Referer(); ref != "" {
		return ref
	}
	return "/"
}

// Postback collects messages for a one-shot HTTP exchange.
type Postback struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (p *Postback) Deliver(ctx context.Context, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

// Messages returns everything delivered so far.
func (p *Postback) Messages() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message{}, p.msgs...)
}

// Package notify turns push payloads and local summaries into notifications,
// shows them on every configured display and routes notification clicks back
// to the connected pages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/QuoteRelay/internal/clients"
	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/models"
)

// Default notification content.
const (
	DefaultTitle = "QuoteRelay"
	DefaultBody  = "Tienes una nueva notificación"
	DefaultIcon  = "/cb190r.png"
	DefaultBadge = "/cb190r.png"
	DefaultTag   = "quotation-notification"

	ActionOpen  = "open"
	ActionClose = "close"
)

// DefaultVibrate is the vibration pattern used when a payload has none.
var DefaultVibrate = []int{200, 100, 200}

// PushPayloadParseError reports a push body that could not be decoded.
type PushPayloadParseError struct {
	Payload []byte
	Err     error
}

func (e *PushPayloadParseError) Error() string {
	return fmt.Sprintf("push payload parse error: %v", e.Err)
}

func (e *PushPayloadParseError) Unwrap() error { return e.Err }

// Display shows a notification somewhere.
type Display interface {
	Name() string
	Show(ctx context.Context, n models.Notification) error
}

// WindowController is the subset of the client registry used for clicks.
type WindowController interface {
	FindByURL(target string) (*clients.Client, bool)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, target string) error
	Broadcast(ctx context.Context, msg models.Message) error
}

// Click is a notification click reported by a page.
type Click struct {
	Action string         `json:"action"`
	Tag    string         `json:"tag,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ClickOutcome describes what a click resulted in.
type ClickOutcome string

const (
	ClickDismissed ClickOutcome = "dismissed"
	ClickFocused   ClickOutcome = "focused"
	ClickOpened    ClickOutcome = "opened"
)

// Presenter renders notifications and handles their clicks.
type Presenter struct {
	displays []Display
	windows  WindowController
	metrics  *metrics.Metrics
}

// NewPresenter creates a Presenter. windows may be nil when clicks are not routed.
func NewPresenter(windows WindowController, m *metrics.Metrics, displays ...Display) *Presenter {
	return &Presenter{displays: displays, windows: windows, metrics: metrics.OrNew(m)}
}

// DecodePush parses a push body. The returned notification is always usable:
// an empty body yields the defaults, and a malformed one yields the defaults
// together with a *PushPayloadParseError.
func DecodePush(payload []byte) (models.Notification, error) {
	n := models.Notification{Title: DefaultTitle, Body: DefaultBody, Icon: DefaultIcon}
	if len(bytes.TrimSpace(payload)) == 0 {
		return n, nil
	}
	var decoded models.Notification
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return n, &PushPayloadParseError{Payload: payload, Err: err}
	}
	if decoded.Title == "" {
		decoded.Title = DefaultTitle
	}
	if decoded.Body == "" {
		decoded.Body = DefaultBody
	}
	return decoded, nil
}

// WithDefaults fills every unset presentation field.
func WithDefaults(n models.Notification) models.Notification {
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if n.Icon == "" {
		n.Icon = DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = DefaultBadge
	}
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = append([]int(nil), DefaultVibrate...)
	}
	if len(n.Actions) == 0 {
		n.Actions = []models.NotificationAction{
			{Action: ActionOpen, Title: "Abrir"},
			{Action: ActionClose, Title: "Cerrar"},
		}
	}
	if n.Data == nil {
		n.Data = map[string]any{"url": "/"}
	}
	return n
}

// HandlePush decodes a push body and shows it. A parse error is logged and the defaults are shown.
func (p *Presenter) HandlePush(ctx context.Context, payload []byte) (models.Notification, error) {
	n, err := DecodePush(payload)
	if err != nil {
		slog.Warn("Presenter.HandlePush: using default content", "error", err)
	}
	return p.Show(ctx, n)
}

// Show fills defaults and hands the notification to every display.
// A failing display is logged and the rest still run; the error reports only the case where all failed.
func (p *Presenter) Show(ctx context.Context, n models.Notification) (models.Notification, error) {
	n = WithDefaults(n)
	p.metrics.NotificationsShownTotal.Add(1)
	if len(p.displays) == 0 {
		slog.Debug("Presenter.Show: no displays configured", "title", n.Title)
		return n, nil
	}
	failed := 0
	var lastErr error
	for _, d := range p.displays {
		if err := d.Show(ctx, n); err != nil {
			failed++
			lastErr = err
			slog.Warn("Presenter.Show: display failed", "display", d.Name(), "error", err)
		}
	}
	if failed == len(p.displays) {
		return n, fmt.Errorf("all displays failed: %w", lastErr)
	}
	slog.Info("Presenter.Show: notification shown", "title", n.Title, "tag", n.Tag)
	return n, nil
}

// ShowLocal shows a notification generated by the worker itself.
func (p *Presenter) ShowLocal(ctx context.Context, title, body string) error {
	_, err := p.Show(ctx, models.Notification{Title: title, Body: body})
	return err
}

// HandleClick dismisses the clicked notification and, unless the action was
// close, focuses the page showing the target URL or opens a new one.
func (p *Presenter) HandleClick(ctx context.Context, click Click) (ClickOutcome, error) {
	p.metrics.NotificationClicksTotal.Add(1)
	n := models.Notification{Tag: click.Tag, Data: click.Data}
	if p.windows != nil {
		msg := models.Message{Type: models.MessageNotificationClose, Notification: &n}
		if err := p.windows.Broadcast(ctx, msg); err != nil {
			slog.Debug("Presenter.HandleClick: dismiss broadcast failed", "error", err)
		}
	}
	if click.Action == ActionClose {
		return ClickDismissed, nil
	}
	if p.windows == nil {
		return ClickDismissed, nil
	}

	target := n.TargetURL()
	if c, ok := p.windows.FindByURL(target); ok {
		if err := p.windows.Focus(ctx, c.ID); err != nil {
			return ClickDismissed, fmt.Errorf("focus %s: %w", c.ID, err)
		}
		slog.Info("Presenter.HandleClick: focused existing page", "id", c.ID, "url", target)
		return ClickFocused, nil
	}
	if err := p.windows.OpenWindow(ctx, target); err != nil {
		return ClickDismissed, fmt.Errorf("open %s: %w", target, err)
	}
	slog.Info("Presenter.HandleClick: opened page", "url", target)
	return ClickOpened, nil
}

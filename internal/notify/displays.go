package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/QuoteRelay/internal/models"
)

// Broadcaster fans a message out to every connected page.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg models.Message) error
}

// ClientDisplay sends NOTIFICATION messages to every connected page.
type ClientDisplay struct {
	clients Broadcaster
}

func NewClientDisplay(b Broadcaster) *ClientDisplay {
	return &ClientDisplay{clients: b}
}

func (d *ClientDisplay) Name() string { return "clients" }

func (d *ClientDisplay) Show(ctx context.Context, n models.Notification) error {
	return d.clients.Broadcast(ctx, models.Message{Type: models.MessageNotification, Notification: &n})
}

// TerminalDisplay prints notifications to an operator console with a QR code of the target page.
type TerminalDisplay struct {
	mu     sync.Mutex
	w      io.Writer
	origin *url.URL
	qr     bool
}

// NewTerminalDisplay writes to w. Relative target URLs are resolved against origin
// so the QR code can be scanned from a phone; qr=false prints text only.
func NewTerminalDisplay(w io.Writer, origin string, qr bool) (*TerminalDisplay, error) {
	d := &TerminalDisplay{w: w, qr: qr}
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil {
			return nil, fmt.Errorf("parse terminal origin: %w", err)
		}
		d.origin = u
	}
	return d, nil
}

func (d *TerminalDisplay) Name() string { return "terminal" }

func (d *TerminalDisplay) Show(ctx context.Context, n models.Notification) error {
	target := d.absolute(n.TargetURL())
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := fmt.Fprintf(d.w, "[%s] %s\n%s\n-> %s\n", n.Tag, n.Title, n.Body, target); err != nil {
		return err
	}
	if d.qr {
		qrterminal.GenerateHalfBlock(target, qrterminal.L, d.w)
	}
	return nil
}

func (d *TerminalDisplay) absolute(target string) string {
	if d.origin == nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return d.origin.ResolveReference(ref).String()
}

// messageCreator is the Twilio call used by SMSDisplay.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSOpts holds configuration for the Twilio SMS mirror.
type SMSOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// SMSOption defines a configuration option for the SMS mirror.
type SMSOption func(*SMSOpts)

func WithAccountSID(sid string) SMSOption {
	return func(o *SMSOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) SMSOption {
	return func(o *SMSOpts) { o.AuthToken = token }
}

// WithFrom sets the Twilio sender number.
func WithFrom(from string) SMSOption {
	return func(o *SMSOpts) { o.From = from }
}

// WithTo sets the operator number that receives the mirror.
func WithTo(to string) SMSOption {
	return func(o *SMSOpts) { o.To = to }
}

// SMSDisplay mirrors notifications to an operator phone through Twilio.
type SMSDisplay struct {
	api  messageCreator
	from string
	to   string
}

// NewSMSDisplay creates the Twilio mirror.
func NewSMSDisplay(opts ...SMSOption) (*SMSDisplay, error) {
	var cfg SMSOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSMSDisplay: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("sender and recipient numbers must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSDisplay{api: client.Api, from: cfg.From, to: cfg.To}, nil
}

func (d *SMSDisplay) Name() string { return "sms" }

func (d *SMSDisplay) Show(ctx context.Context, n models.Notification) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(d.to)
	params.SetFrom(d.from)
	params.SetBody(smsBody(n))

	resp, err := d.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send sms to %s: %w", d.to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("SMSDisplay.Show: message sent", "sid", *resp.Sid)
	}
	return nil
}

func smsBody(n models.Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString(": ")
		b.WriteString(n.Body)
	}
	return b.String()
}

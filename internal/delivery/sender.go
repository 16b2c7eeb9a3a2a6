// Package delivery replays queued quotation submissions to the remote quotation API.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/QuoteRelay/internal/models"
)

// QuotationPath is appended to the configured endpoint for every delivery.
const QuotationPath = "/cotizacion"

// DefaultSendTimeout bounds a single delivery attempt.
const DefaultSendTimeout = 15 * time.Second

// ErrDelivery is matched by every DeliveryError.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError reports a record the remote endpoint did not accept.
// StatusCode is zero when the request never got a response.
type DeliveryError struct {
	ID         int64
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver submission %d: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("deliver submission %d: http %d: %s", e.ID, e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// Sender delivers a single submission upstream.
type Sender interface {
	Send(ctx context.Context, item models.PendingSubmission) error
}

// HTTPSender POSTs submissions as JSON to <endpoint>/cotizacion.
type HTTPSender struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// Compile-time check that HTTPSender implements Sender.
var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender creates a sender for the given endpoint base URL.
func NewHTTPSender(endpoint string, client *http.Client, timeout time.Duration) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &HTTPSender{
		url:     strings.TrimRight(endpoint, "/") + QuotationPath,
		client:  client,
		timeout: timeout,
	}
}

// URL returns the full delivery URL.
func (s *HTTPSender) URL() string { return s.url }

// Send posts only {nombre, telefono, moto}; any 2xx counts as accepted.
func (s *HTTPSender) Send(ctx context.Context, item models.PendingSubmission) error {
	body, err := json.Marshal(item.Outbound())
	if err != nil {
		return &DeliveryError{ID: item.ID, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{ID: item.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &DeliveryError{ID: item.ID, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{ID: item.ID, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	slog.Debug("HTTPSender.Send: delivered", "id", item.ID, "status", resp.StatusCode)
	return nil
}

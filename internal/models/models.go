// Package models defines the core data structures for QuoteRelay.
//
// It includes the pending quotation record, the control-message envelope exchanged
// between foreground pages and the worker, and the API response envelope.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode"
)

// Validation constants for input validation
const (
	// MaxFieldLength defines the maximum allowed length for a single quotation field
	MaxFieldLength = 256
)

// Error variables for better error handling and testability
var (
	ErrEmptyNombre    = errors.New("nombre is required")
	ErrEmptyTelefono  = errors.New("telefono is required")
	ErrEmptyMoto      = errors.New("moto is required")
	ErrFieldTooLong   = errors.New("field exceeds maximum length")
	ErrMissingPayload = errors.New("message payload is missing")
)

// Quotation is the payload a requester submits: who they are and which motorcycle they want.
type Quotation struct {
	Nombre   string            `json:"nombre"`
	Telefono string            `json:"telefono"`
	Moto     string            `json:"moto"`
	Extra    map[string]string `json:"extra,omitempty"` // opaque fields carried alongside, never sent upstream
}

// Validate checks that the three delivered fields are present and bounded.
func (q *Quotation) Validate() error {
	if strings.TrimSpace(q.Nombre) == "" {
		return ErrEmptyNombre
	}
	if strings.TrimSpace(q.Telefono) == "" {
		return ErrEmptyTelefono
	}
	if strings.TrimSpace(q.Moto) == "" {
		return ErrEmptyMoto
	}
	for _, f := range []string{q.Nombre, q.Telefono, q.Moto} {
		if len(f) > MaxFieldLength {
			return ErrFieldTooLong
		}
	}
	return nil
}

// DedupeKey derives the identity used to suppress double submissions.
// It is computed at runtime and never persisted.
func (q *Quotation) DedupeKey() string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, q.Telefono)
	return strings.ToLower(strings.TrimSpace(q.Nombre)) + "|" + digits + "|" + strings.ToLower(strings.TrimSpace(q.Moto))
}

// Outbound returns the minimal subset delivered to the remote quotation endpoint.
func (q *Quotation) Outbound() OutboundQuotation {
	return OutboundQuotation{Nombre: q.Nombre, Telefono: q.Telefono, Moto: q.Moto}
}

// OutboundQuotation is the exact JSON body POSTed upstream.
type OutboundQuotation struct {
	Nombre   string `json:"nombre"`
	Telefono string `json:"telefono"`
	Moto     string `json:"moto"`
}

// PendingSubmission is a quotation waiting for delivery.
// Presence in the store means pending; deletion is the only terminal transition.
type PendingSubmission struct {
	ID int64 `json:"id"`
	Quotation
	CreatedAt int64 `json:"createdAt"` // epoch milliseconds, set by the store
}

// MessageType is the tag of a control message.
type MessageType string

const (
	// Inbound (foreground -> worker)
	MessageAddToCart    MessageType = "ADD_TO_CART"
	MessageProcessQueue MessageType = "PROCESS_QUEUE"
	MessageCheckQueue   MessageType = "CHECK_QUEUE"
	MessageClearQueue   MessageType = "CLEAR_QUEUE"
	MessageSkipWaiting  MessageType = "SKIP_WAITING"

	// Outbound (worker -> foreground)
	MessageCartSaved         MessageType = "CART_SAVED"
	MessageQueueStatus       MessageType = "QUEUE_STATUS"
	MessageSyncComplete      MessageType = "SYNC_COMPLETE"
	MessageQuotationSynced   MessageType = "QUOTATION_SYNCED"
	MessageQuotationsSynced  MessageType = "QUOTATIONS_SYNCED"
	MessageNotification      MessageType = "NOTIFICATION"
	MessageControllerChange  MessageType = "CONTROLLER_CHANGE"
	MessageFocus             MessageType = "FOCUS"
	MessageOpenWindow        MessageType = "OPEN_WINDOW"
	MessageNotificationClose MessageType = "NOTIFICATION_CLOSE"
)

// Message is the envelope for every control message in either direction.
// Fields are populated according to Type; unused ones are omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	// ADD_TO_CART / CART_SAVED / QUOTATION_SYNCED
	Item      *PendingSubmission `json:"item,omitempty"`
	Success   *bool              `json:"success,omitempty"`
	Error     string             `json:"error,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`

	// QUEUE_STATUS
	Count *int                `json:"count,omitempty"`
	Items []PendingSubmission `json:"items,omitempty"`

	// SYNC_COMPLETE
	SuccessCount *int `json:"successCount,omitempty"`
	FailCount    *int `json:"failCount,omitempty"`
	Total        *int `json:"total,omitempty"`

	// NOTIFICATION / FOCUS / OPEN_WINDOW
	Notification *Notification `json:"notification,omitempty"`
	URL          string        `json:"url,omitempty"`
}

// MarshalJSON keeps "items" on QUEUE_STATUS even when the queue is empty.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire Message
	if m.Type != MessageQueueStatus {
		return json.Marshal(wire(m))
	}
	items := m.Items
	if items == nil {
		items = []PendingSubmission{}
	}
	return json.Marshal(struct {
		wire
		Items []PendingSubmission `json:"items"`
	}{wire(m), items})
}

// SyncSummary aggregates the outcome of one processing pass.
type SyncSummary struct {
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
	Total        int `json:"total"`
}

// Drained reports whether every record seen by the pass was delivered.
func (s SyncSummary) Drained() bool {
	return s.Total > 0 && s.FailCount == 0
}

// NotificationAction is a button attached to a displayed notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is the displayable form of a push message.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	Data               map[string]any       `json:"data,omitempty"`
}

// TargetURL returns data.url, or "/" when absent.
func (n *Notification) TargetURL() string {
	if n.Data != nil {
		if u, ok := n.Data["url"].(string); ok && u != "" {
			return u
		}
	}
	return "/"
}

// CartSaved builds a successful CART_SAVED reply.
func CartSaved(item PendingSubmission) Message {
	ok := true
	return Message{Type: MessageCartSaved, Success: &ok, Item: &item}
}

// CartSaveFailed builds a failed CART_SAVED reply.
func CartSaveFailed(reason string, duplicate bool) Message {
	ok := false
	return Message{Type: MessageCartSaved, Success: &ok, Error: reason, Duplicate: duplicate}
}

// QueueStatus builds a QUEUE_STATUS reply.
func QueueStatus(items []PendingSubmission) Message {
	if items == nil {
		items = []PendingSubmission{}
	}
	n := len(items)
	return Message{Type: MessageQueueStatus, Count: &n, Items: items}
}

// SyncComplete builds the per-pass SYNC_COMPLETE broadcast.
func SyncComplete(s SyncSummary) Message {
	return Message{Type: MessageSyncComplete, SuccessCount: &s.SuccessCount, FailCount: &s.FailCount, Total: &s.Total}
}

// QuotationSynced builds the per-record QUOTATION_SYNCED broadcast.
func QuotationSynced(item PendingSubmission) Message {
	return Message{Type: MessageQuotationSynced, Item: &item}
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates the request was queued for asynchronous handling.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Accepted creates an accepted API response with a message.
func Accepted(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithMessage(message).Build()
}

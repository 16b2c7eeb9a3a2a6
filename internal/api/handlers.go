package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/QuoteRelay/internal/clients"
	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/notify"
	"github.com/BTreeMap/QuoteRelay/internal/router"
	"github.com/BTreeMap/QuoteRelay/internal/worker"
)

// messagesHandler serves the control channel: GET upgrades to a websocket,
// POST handles one message and returns every reply it produced.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		s.deps.Clients.ServeWebSocket(w, r, s.acceptOpts, s.dispatchFrom)
		return
	}

	raw, err := readBody(w, r)
	if err != nil {
		slog.Warn("Server.messagesHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultHandlerTimeout)
	defer cancel()

	pb := &clients.Postback{}
	c := s.deps.Clients.RegisterTransient(clients.PageURL(r), pb)
	defer s.deps.Clients.Unregister(c.ID)

	if err := s.dispatch(ctx, c, raw); err != nil {
		if errors.Is(err, router.ErrMalformedMessage) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.messagesHandler: message handling failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pb.Messages()))
}

// dispatchFrom handles one websocket frame; failures are logged since there is no caller to return them to.
func (s *Server) dispatchFrom(ctx context.Context, c *clients.Client, raw []byte) {
	if err := s.dispatch(ctx, c, raw); err != nil {
		slog.Warn("Server.dispatchFrom: message handling failed", "client", c.ID, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, c *clients.Client, raw []byte) error {
	_, err := s.deps.Worker.Dispatch(ctx, worker.Event{
		Type: worker.EventMessage,
		Data: raw,
		Reply: func(ctx context.Context, msg models.Message) error {
			return s.deps.Clients.PostMessage(ctx, c.ID, msg)
		},
	})
	return err
}

// pushHandler accepts a raw push payload (POST /sw/push).
func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	payload, err := readBody(w, r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}
	res, err := s.deps.Worker.Dispatch(r.Context(), worker.Event{Type: worker.EventPush, Data: payload})
	if err != nil {
		slog.Error("Server.pushHandler: notification not shown", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to show notification"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res.Notification))
}

// notificationClickHandler routes a click on a shown notification (POST /sw/notificationclick).
func (s *Server) notificationClickHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var click notify.Click
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&click); err != nil {
		slog.Warn("Server.notificationClickHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.deps.Worker.Dispatch(r.Context(), worker.Event{Type: worker.EventNotificationClick, Click: click})
	if err != nil {
		slog.Error("Server.notificationClickHandler: click not routed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to route click"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"outcome": string(res.Click)}))
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// connectivityHandler records an online/offline signal from a page (POST /sw/connectivity).
func (s *Server) connectivityHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req connectivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil || req.Online == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Expected {\"online\": true|false}"))
		return
	}
	ev := worker.EventOffline
	if *req.Online {
		ev = worker.EventOnline
	}
	if _, err := s.deps.Worker.Dispatch(r.Context(), worker.Event{Type: ev}); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(string(ev)))
}

// StatusReport is the body of GET /sw/status.
type StatusReport struct {
	Worker     worker.Status    `json:"worker"`
	Queue      int              `json:"queue"`
	Processor  string           `json:"processor"`
	Online     bool             `json:"online"`
	Clients    []clients.Info   `json:"clients"`
	Metrics    map[string]int64 `json:"metrics"`
	UptimeSecs int64            `json:"uptimeSeconds"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	count, err := s.deps.Store.Count(r.Context())
	if err != nil {
		slog.Error("Server.statusHandler: failed to count queue", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read queue"))
		return
	}
	report := StatusReport{
		Worker:     s.deps.Worker.Status(),
		Queue:      count,
		Processor:  "idle",
		Online:     true,
		Clients:    s.deps.Clients.Infos(),
		Metrics:    s.deps.Metrics.Snapshot(),
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Processor != nil {
		report.Processor = s.deps.Processor.State().String()
	}
	if s.deps.Monitor != nil {
		report.Online = s.deps.Monitor.Online()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

// healthHandler reports liveness; the store must answer for the process to be healthy.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if count, err := s.deps.Store.Count(ctx); err != nil {
		slog.Warn("Server.healthHandler: store unavailable", "error", err)
		health["status"] = "degraded"
		health["error"] = "Failed to query pending queue"
		statusCode = http.StatusServiceUnavailable
	} else {
		health["pending"] = count
	}
	if active := s.deps.Worker.Active(); active != nil {
		health["version"] = active.Manifest().Version
	}
	writeJSONResponse(w, statusCode, health)
}

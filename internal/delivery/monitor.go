package delivery

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultProbeInterval is how often the monitor checks reachability.
const DefaultProbeInterval = 30 * time.Second

// Monitor tracks whether the remote endpoint is reachable and reports transitions.
type Monitor struct {
	probeURL string
	client   *http.Client
	interval time.Duration

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

// NewMonitor creates a monitor that starts out online, matching a fresh page load.
// An empty probeURL disables active probing; state then changes only through Set.
func NewMonitor(probeURL string, client *http.Client, interval time.Duration) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{probeURL: probeURL, client: client, interval: interval, online: true}
}

// Online reports the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a callback invoked on every online/offline transition.
func (m *Monitor) OnChange(f func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, f)
}

// Set records a connectivity observation; listeners run only when the state flips.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	slog.Info("Monitor.Set: connectivity changed", "online", online)
	for _, f := range listeners {
		f(online)
	}
}

// Probe issues a HEAD request; any HTTP response counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		slog.Error("Monitor.Probe: bad probe URL", "url", m.probeURL, "error", err)
		return m.Online()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		slog.Debug("Monitor.Probe: unreachable", "url", m.probeURL, "error", err)
		m.Set(false)
		return false
	}
	resp.Body.Close()
	m.Set(true)
	return true
}

// Run probes on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		slog.Info("Monitor.Run: no probe URL configured, relying on explicit signals")
		<-ctx.Done()
		return
	}
	slog.Info("Monitor.Run: starting connectivity probe", "url", m.probeURL, "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Monitor.Run: stopping")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

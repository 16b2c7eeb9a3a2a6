// Package metrics holds process-wide counters exposed on the status endpoint.
package metrics

import "sync/atomic"

// Metrics holds atomic counters for observability.
type Metrics struct {
	CacheHitsTotal           atomic.Int64
	CacheMissesTotal         atomic.Int64
	CacheRevalidationsTotal  atomic.Int64
	OfflineFallbacksTotal    atomic.Int64
	PrecacheFailuresTotal    atomic.Int64
	SubmissionsQueuedTotal   atomic.Int64
	DuplicatesRejectedTotal  atomic.Int64
	DeliveriesSucceededTotal atomic.Int64
	DeliveriesFailedTotal    atomic.Int64
	SyncPassesTotal          atomic.Int64
	NotificationsShownTotal  atomic.Int64
	NotificationClicksTotal  atomic.Int64
	ControlMessagesTotal     atomic.Int64
	UnknownMessagesTotal     atomic.Int64
	ConnectedClients         atomic.Int64
}

// Snapshot returns all metrics as a string-keyed map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"cache_hits_total":           m.CacheHitsTotal.Load(),
		"cache_misses_total":         m.CacheMissesTotal.Load(),
		"cache_revalidations_total":  m.CacheRevalidationsTotal.Load(),
		"offline_fallbacks_total":    m.OfflineFallbacksTotal.Load(),
		"precache_failures_total":    m.PrecacheFailuresTotal.Load(),
		"submissions_queued_total":   m.SubmissionsQueuedTotal.Load(),
		"duplicates_rejected_total":  m.DuplicatesRejectedTotal.Load(),
		"deliveries_succeeded_total": m.DeliveriesSucceededTotal.Load(),
		"deliveries_failed_total":    m.DeliveriesFailedTotal.Load(),
		"sync_passes_total":          m.SyncPassesTotal.Load(),
		"notifications_shown_total":  m.NotificationsShownTotal.Load(),
		"notification_clicks_total":  m.NotificationClicksTotal.Load(),
		"control_messages_total":     m.ControlMessagesTotal.Load(),
		"unknown_messages_total":     m.UnknownMessagesTotal.Load(),
		"connected_clients":          m.ConnectedClients.Load(),
	}
}

// OrNew returns m, or a fresh private set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return &Metrics{}
	}
	return m
}

// Package recovery restores QuoteRelay's background work after a restart.
// Components register what they need to bring back (the cached front-end,
// quotations left in the durable queue) and RecoverAll runs each of them,
// continuing past individual failures.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/QuoteRelay/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoverableFunc adapts a plain function to Recoverable.
type RecoverableFunc func(ctx context.Context, registry *RecoveryRegistry) error

func (f RecoverableFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// QueueScheduler triggers a delivery pass.
type QueueScheduler interface {
	Schedule()
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.SubmissionRepo
	queue QueueScheduler
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(repo store.SubmissionRepo, queue QueueScheduler) *RecoveryRegistry {
	return &RecoveryRegistry{store: repo, queue: queue}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.SubmissionRepo {
	return r.store
}

// ScheduleDelivery requests a delivery pass for recovered submissions
func (r *RecoveryRegistry) ScheduleDelivery() error {
	if r.queue == nil {
		return fmt.Errorf("no delivery queue registered")
	}
	r.queue.Schedule()
	return nil
}

// QueueRecovery schedules delivery of quotations that were still pending when the process stopped.
type QueueRecovery struct{}

func (QueueRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	repo := registry.GetStore()
	if repo == nil {
		return fmt.Errorf("no store registered")
	}
	n, err := repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("count pending quotations: %w", err)
	}
	if n == 0 {
		slog.Debug("QueueRecovery: nothing pending")
		return nil
	}
	slog.Info("QueueRecovery: resuming pending quotations", "pending", n)
	return registry.ScheduleDelivery()
}

type namedRecoverable struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []namedRecoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(repo store.SubmissionRepo, queue QueueScheduler) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(repo, queue)}
}

// RegisterRecoverable adds a component that can be recovered. Components run in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, namedRecoverable{name: name, r: r})
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	var failed []string
	for _, nr := range rm.recoverables {
		if err := nr.r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", nr.name)
			failed = append(failed, nr.name)
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", len(failed))

	if len(failed) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %v", len(failed), len(rm.recoverables), failed)
	}
	return nil
}

// GetRegistry provides access to the recovery registry
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}

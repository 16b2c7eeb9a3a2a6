package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/store"
)

type mockQueue struct {
	scheduled int
}

func (q *mockQueue) Schedule() { q.scheduled++ }

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	return m.recoverError
}

type failingCountStore struct {
	*store.InMemoryStore
}

func (s failingCountStore) Count(ctx context.Context) (int, error) {
	return 0, errors.New("disk gone")
}

func TestNewRecoveryRegistry(t *testing.T) {
	repo := store.NewInMemoryStore()
	registry := NewRecoveryRegistry(repo, &mockQueue{})

	if registry.GetStore() != repo {
		t.Error("Registry store does not match provided store")
	}
}

func TestRecoveryRegistry_ScheduleDeliveryWithoutQueue(t *testing.T) {
	registry := NewRecoveryRegistry(store.NewInMemoryStore(), nil)
	if err := registry.ScheduleDelivery(); err == nil {
		t.Error("Expected error when no delivery queue is registered")
	}
}

func TestQueueRecovery_SchedulesWhenPending(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	if _, err := repo.Add(ctx, models.Quotation{Nombre: "Juan", Telefono: "555-1234", Moto: "CB190R"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	q := &mockQueue{}

	if err := (QueueRecovery{}).RecoverState(ctx, NewRecoveryRegistry(repo, q)); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	if q.scheduled != 1 {
		t.Errorf("Expected one scheduled pass, got %d", q.scheduled)
	}
}

func TestQueueRecovery_EmptyQueue(t *testing.T) {
	q := &mockQueue{}
	if err := (QueueRecovery{}).RecoverState(context.Background(), NewRecoveryRegistry(store.NewInMemoryStore(), q)); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	if q.scheduled != 0 {
		t.Errorf("Expected no scheduled pass for an empty queue, got %d", q.scheduled)
	}
}

func TestQueueRecovery_StoreError(t *testing.T) {
	repo := failingCountStore{store.NewInMemoryStore()}
	err := (QueueRecovery{}).RecoverState(context.Background(), NewRecoveryRegistry(repo, &mockQueue{}))
	if err == nil {
		t.Error("Expected error when the store cannot be counted")
	}
}

func TestRecoveryManager_RecoverAll(t *testing.T) {
	rm := NewRecoveryManager(store.NewInMemoryStore(), &mockQueue{})

	first := &mockRecoverable{}
	second := &mockRecoverable{}
	rm.RegisterRecoverable("first", first)
	rm.RegisterRecoverable("second", second)

	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}
	if !first.recoverCalled || !second.recoverCalled {
		t.Error("Expected every recoverable to be called")
	}
}

func TestRecoveryManager_RecoverAllContinuesAfterFailure(t *testing.T) {
	rm := NewRecoveryManager(store.NewInMemoryStore(), &mockQueue{})

	failing := &mockRecoverable{recoverError: errors.New("origin unreachable")}
	after := &mockRecoverable{}
	rm.RegisterRecoverable("cache-install", failing)
	rm.RegisterRecoverable("delivery-queue", after)

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("Expected error when a component fails")
	}
	if !strings.Contains(err.Error(), "cache-install") {
		t.Errorf("Expected error to name the failed component, got %v", err)
	}
	if !after.recoverCalled {
		t.Error("Expected recovery to continue after a failing component")
	}
}

func TestRecoverableFunc(t *testing.T) {
	rm := NewRecoveryManager(nil, nil)
	var got *RecoveryRegistry
	rm.RegisterRecoverable("func", RecoverableFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		got = registry
		return nil
	}))

	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if got != rm.GetRegistry() {
		t.Error("Expected the manager's registry to be passed to the function")
	}
}

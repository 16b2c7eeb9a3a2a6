package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/models"
	"github.com/BTreeMap/QuoteRelay/internal/store"
)

type countingScheduler struct{ n atomic.Int32 }

func (s *countingScheduler) Schedule() { s.n.Add(1) }

type replies struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (r *replies) reply(ctx context.Context, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *replies) last(t *testing.T) models.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.msgs)
	return r.msgs[len(r.msgs)-1]
}

type brokenStore struct {
	*store.InMemoryStore
}

func (b brokenStore) Add(ctx context.Context, q models.Quotation) (models.PendingSubmission, error) {
	return models.PendingSubmission{}, &store.StorageError{Op: "add", Err: errors.New("disk full")}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const addJuan = `{"type":"ADD_TO_CART","item":{"nombre":"Juan","telefono":"555-1234","moto":"CB190R"}}`

func newTestRouter(t *testing.T, opts ...Option) (*Router, *store.InMemoryStore, *countingScheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	repo := store.NewInMemoryStore(store.WithClock(clock.Now))
	sched := &countingScheduler{}
	r, err := NewRouter(repo, sched, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return r, repo, sched, clock
}

func TestHandle_AddToCart(t *testing.T) {
	r, repo, sched, _ := newTestRouter(t)
	var out replies

	require.NoError(t, r.Handle(context.Background(), []byte(addJuan), out.reply))

	msg := out.last(t)
	assert.Equal(t, models.MessageCartSaved, msg.Type)
	require.NotNil(t, msg.Success)
	assert.True(t, *msg.Success)
	require.NotNil(t, msg.Item)
	assert.NotZero(t, msg.Item.ID)
	assert.Equal(t, "Juan", msg.Item.Nombre)
	assert.Equal(t, int64(1_700_000_000_000), msg.Item.CreatedAt)

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 0, sched.n.Load(), "no immediate send without an online hook")
}

func TestHandle_AddToCartKeepsExtraFields(t *testing.T) {
	r, repo, _, _ := newTestRouter(t)
	var out replies
	raw := `{"type":"ADD_TO_CART","item":{"nombre":"Ana","telefono":"1","moto":"XR150","ciudad":"Quito","cuotas":12,"nested":{"a":1}}}`

	require.NoError(t, r.Handle(context.Background(), []byte(raw), out.reply))

	items, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, map[string]string{"ciudad": "Quito", "cuotas": "12"}, items[0].Extra)
}

func TestHandle_AddToCartInvalidItem(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing item", `{"type":"ADD_TO_CART"}`},
		{"missing moto", `{"type":"ADD_TO_CART","item":{"nombre":"Juan","telefono":"1"}}`},
		{"wrong type", `{"type":"ADD_TO_CART","item":{"nombre":5,"telefono":"1","moto":"x"}}`},
		{"blank nombre", `{"type":"ADD_TO_CART","item":{"nombre":"   ","telefono":"1","moto":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, repo, _, _ := newTestRouter(t)
			var out replies

			require.NoError(t, r.Handle(context.Background(), []byte(tt.raw), out.reply))

			msg := out.last(t)
			assert.Equal(t, models.MessageCartSaved, msg.Type)
			require.NotNil(t, msg.Success)
			assert.False(t, *msg.Success)
			assert.NotEmpty(t, msg.Error)
			count, _ := repo.Count(context.Background())
			assert.Zero(t, count)
		})
	}
}

func TestHandle_AddToCartDuplicateWindow(t *testing.T) {
	m := &metrics.Metrics{}
	r, repo, _, clock := newTestRouter(t, WithMetrics(m))
	ctx := context.Background()
	var out replies

	require.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))
	clock.Advance(2 * time.Second)
	dup := `{"type":"ADD_TO_CART","item":{"nombre":" juan ","telefono":"555 1234","moto":"cb190r"}}`
	require.NoError(t, r.Handle(ctx, []byte(dup), out.reply))

	msg := out.last(t)
	require.NotNil(t, msg.Success)
	assert.False(t, *msg.Success)
	assert.True(t, msg.Duplicate)
	assert.EqualValues(t, 1, m.DuplicatesRejectedTotal.Load())

	clock.Advance(DefaultDedupeWindow)
	require.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))
	msg = out.last(t)
	assert.True(t, *msg.Success)

	count, _ := repo.Count(ctx)
	assert.Equal(t, 2, count)
}

func TestHandle_AddToCartConcurrentDuplicates(t *testing.T) {
	r, repo, _, _ := newTestRouter(t)
	ctx := context.Background()
	var out replies

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))
		}()
	}
	wg.Wait()

	count, _ := repo.Count(ctx)
	assert.Equal(t, 1, count, "only one of the identical submissions is queued")
	dups := 0
	for _, msg := range out.msgs {
		if msg.Duplicate {
			dups++
		}
	}
	assert.Equal(t, 7, dups)
}

func TestHandle_AddToCartDedupeDisabled(t *testing.T) {
	r, repo, _, _ := newTestRouter(t, WithDedupeWindow(0))
	ctx := context.Background()
	var out replies

	require.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))
	require.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))

	count, _ := repo.Count(ctx)
	assert.Equal(t, 2, count)
}

func TestHandle_AddToCartStorageError(t *testing.T) {
	r, err := NewRouter(brokenStore{store.NewInMemoryStore()}, &countingScheduler{})
	require.NoError(t, err)
	var out replies

	require.NoError(t, r.Handle(context.Background(), []byte(addJuan), out.reply))

	msg := out.last(t)
	require.NotNil(t, msg.Success)
	assert.False(t, *msg.Success)
	assert.Contains(t, msg.Error, "disk full")
	assert.False(t, msg.Duplicate)
}

func TestHandle_ImmediateSendFollowsConnectivity(t *testing.T) {
	var online atomic.Bool
	r, _, sched, clock := newTestRouter(t, WithImmediateSend(online.Load))
	ctx := context.Background()
	var out replies

	require.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))
	assert.EqualValues(t, 0, sched.n.Load())

	online.Store(true)
	clock.Advance(time.Minute)
	require.NoError(t, r.Handle(ctx, []byte(addJuan), out.reply))
	assert.EqualValues(t, 1, sched.n.Load())
}

func TestHandle_ProcessQueueSchedules(t *testing.T) {
	r, _, sched, _ := newTestRouter(t)
	var out replies

	require.NoError(t, r.Handle(context.Background(), []byte(`{"type":"PROCESS_QUEUE"}`), out.reply))

	assert.EqualValues(t, 1, sched.n.Load())
	assert.Empty(t, out.msgs)
}

func TestHandle_CheckAndClearQueue(t *testing.T) {
	r, repo, _, _ := newTestRouter(t)
	ctx := context.Background()
	_, err := repo.Add(ctx, models.Quotation{Nombre: "A", Telefono: "1", Moto: "X"})
	require.NoError(t, err)
	_, err = repo.Add(ctx, models.Quotation{Nombre: "B", Telefono: "2", Moto: "Y"})
	require.NoError(t, err)
	var out replies

	require.NoError(t, r.Handle(ctx, []byte(`{"type":"CHECK_QUEUE"}`), out.reply))
	msg := out.last(t)
	assert.Equal(t, models.MessageQueueStatus, msg.Type)
	require.NotNil(t, msg.Count)
	assert.Equal(t, 2, *msg.Count)
	require.Len(t, msg.Items, 2)
	assert.Equal(t, "A", msg.Items[0].Nombre)

	require.NoError(t, r.Handle(ctx, []byte(`{"type":"CLEAR_QUEUE"}`), out.reply))
	msg = out.last(t)
	assert.Equal(t, 0, *msg.Count)
	count, _ := repo.Count(ctx)
	assert.Zero(t, count)
}

func TestHandle_SkipWaiting(t *testing.T) {
	var called atomic.Bool
	r, _, _, _ := newTestRouter(t, WithSkipWaiting(func(ctx context.Context) error {
		called.Store(true)
		return nil
	}))

	require.NoError(t, r.Handle(context.Background(), []byte(`{"type":"SKIP_WAITING"}`), (&replies{}).reply))
	assert.True(t, called.Load())
}

func TestHandle_UnknownAndMalformed(t *testing.T) {
	m := &metrics.Metrics{}
	r, _, sched, _ := newTestRouter(t, WithMetrics(m))
	ctx := context.Background()
	var out replies

	assert.NoError(t, r.Handle(ctx, []byte(`{"type":"SOMETHING_NEW","payload":1}`), out.reply))
	assert.ErrorIs(t, r.Handle(ctx, []byte(`not json`), out.reply), ErrMalformedMessage)
	assert.ErrorIs(t, r.Handle(ctx, []byte(`{"item":{}}`), out.reply), ErrMalformedMessage)

	assert.Empty(t, out.msgs)
	assert.EqualValues(t, 0, sched.n.Load())
	assert.EqualValues(t, 3, m.ControlMessagesTotal.Load())
	assert.EqualValues(t, 3, m.UnknownMessagesTotal.Load())
}

func TestNewRouter_RequiresDependencies(t *testing.T) {
	_, err := NewRouter(nil, &countingScheduler{})
	assert.Error(t, err)
	_, err = NewRouter(store.NewInMemoryStore(), nil)
	assert.Error(t, err)
}

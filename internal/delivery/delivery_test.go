package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
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

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, msg models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBroadcaster) types() []models.MessageType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.MessageType, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (b *recordingBroadcaster) last() models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[len(b.msgs)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (n *recordingNotifier) ShowLocal(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies = append(n.bodies, body)
	return nil
}

// remote is a fake quotation API that rejects any nombre listed in reject.
type remote struct {
	srv      *httptest.Server
	mu       sync.Mutex
	received []map[string]any
	reject   map[string]bool
	delay    time.Duration
}

func newRemote(t *testing.T, reject ...string) *remote {
	t.Helper()
	r := &remote{reject: make(map[string]bool)}
	for _, n := range reject {
		r.reject[n] = true
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != QuotationPath || req.Method != http.MethodPost {
			http.NotFound(w, req)
			return
		}
		if req.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		var body map[string]any
		data, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		r.mu.Lock()
		r.received = append(r.received, body)
		r.mu.Unlock()
		if r.reject[body["nombre"].(string)] {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, "boom")
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remote) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.received {
		out = append(out, b["nombre"].(string))
	}
	return out
}

func seed(t *testing.T, repo store.SubmissionRepo, names ...string) []models.PendingSubmission {
	t.Helper()
	var out []models.PendingSubmission
	for _, n := range names {
		p, err := repo.Add(context.Background(), models.Quotation{Nombre: n, Telefono: "555", Moto: "cbr", Extra: map[string]string{"nota": "x"}})
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestHTTPSenderPostsMinimalBody(t *testing.T) {
	r := newRemote(t)
	s := NewHTTPSender(r.srv.URL+"/", r.srv.Client(), time.Second)
	assert.Equal(t, r.srv.URL+"/cotizacion", s.URL())

	item := models.PendingSubmission{ID: 3, Quotation: models.Quotation{Nombre: "Ana", Telefono: "555", Moto: "cbr", Extra: map[string]string{"nota": "x"}}, CreatedAt: 1}
	require.NoError(t, s.Send(context.Background(), item))

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.received, 1)
	assert.Equal(t, map[string]any{"nombre": "Ana", "telefono": "555", "moto": "cbr"}, r.received[0])
}

func TestHTTPSenderReportsFailures(t *testing.T) {
	r := newRemote(t, "Bad")
	s := NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second)

	err := s.Send(context.Background(), models.PendingSubmission{ID: 9, Quotation: models.Quotation{Nombre: "Bad", Telefono: "1", Moto: "x"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDelivery))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
	assert.Equal(t, "boom", de.Body)

	r.srv.Close()
	err = s.Send(context.Background(), models.PendingSubmission{ID: 10, Quotation: models.Quotation{Nombre: "Ok", Telefono: "1", Moto: "x"}})
	require.ErrorAs(t, err, &de)
	assert.Zero(t, de.StatusCode)
	assert.NotNil(t, de.Err)
}

func TestRunDeliversInOrderAndKeepsFailures(t *testing.T) {
	r := newRemote(t, "Luis")
	repo := store.NewInMemoryStore()
	seeded := seed(t, repo, "Ana", "Luis", "Eva")
	b := &recordingBroadcaster{}
	n := &recordingNotifier{}
	met := &metrics.Metrics{}
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second),
		WithPause(time.Millisecond), WithBroadcaster(b), WithNotifier(n), WithMetrics(met))

	summary, ran := p.Run(context.Background())
	require.True(t, ran)
	assert.Equal(t, models.SyncSummary{SuccessCount: 2, FailCount: 1, Total: 3}, summary)
	assert.Equal(t, []string{"Ana", "Luis", "Eva"}, r.names())

	left, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, seeded[1].ID, left[0].ID)

	assert.Equal(t, []models.MessageType{
		models.MessageQuotationSynced,
		models.MessageQuotationSynced,
		models.MessageSyncComplete,
	}, b.types(), "QUOTATIONS_SYNCED only follows a fully drained pass")
	last := b.last()
	assert.Equal(t, 2, *last.SuccessCount)
	assert.Equal(t, 1, *last.FailCount)
	assert.Equal(t, 3, *last.Total)
	assert.Equal(t, []string{"2 de 3 cotizaciones enviadas"}, n.bodies)
	assert.Equal(t, int64(2), met.DeliveriesSucceededTotal.Load())
	assert.Equal(t, int64(1), met.DeliveriesFailedTotal.Load())
	assert.Equal(t, StateIdle, p.State())
}

func TestRunDrainedPassBroadcastsQuotationsSynced(t *testing.T) {
	r := newRemote(t)
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana")
	b := &recordingBroadcaster{}
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second), WithBroadcaster(b))

	_, ran := p.Run(context.Background())
	require.True(t, ran)
	assert.Equal(t, []models.MessageType{
		models.MessageQuotationSynced,
		models.MessageSyncComplete,
		models.MessageQuotationsSynced,
	}, b.types())
}

func TestRunEmptyQueueIsSilent(t *testing.T) {
	b := &recordingBroadcaster{}
	n := &recordingNotifier{}
	p := NewProcessor(store.NewInMemoryStore(), NewHTTPSender("http://127.0.0.1:1", nil, time.Second),
		WithBroadcaster(b), WithNotifier(n))

	summary, ran := p.Run(context.Background())
	assert.True(t, ran)
	assert.Zero(t, summary.Total)
	assert.Empty(t, b.types())
	assert.Empty(t, n.bodies)
}

func TestRunAllFailuresSendsNoNotification(t *testing.T) {
	r := newRemote(t, "Ana")
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana")
	n := &recordingNotifier{}
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second), WithNotifier(n))

	summary, _ := p.Run(context.Background())
	assert.Equal(t, 1, summary.FailCount)
	assert.Empty(t, n.bodies)
	count, _ := repo.Count(context.Background())
	assert.Equal(t, 1, count)
}

func TestRunIsSingleFlight(t *testing.T) {
	r := newRemote(t)
	r.delay = 100 * time.Millisecond
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana", "Luis")
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second), WithPause(0))

	started := make(chan struct{})
	done := make(chan models.SyncSummary)
	go func() {
		close(started)
		s, _ := p.Run(context.Background())
		done <- s
	}()
	<-started
	require.Eventually(t, func() bool { return p.State() == StateRunning }, time.Second, 5*time.Millisecond)

	_, ran := p.Run(context.Background())
	assert.False(t, ran, "second pass must be refused while the first is running")

	s := <-done
	assert.Equal(t, 2, s.SuccessCount)
	assert.Len(t, r.names(), 2, "each record is sent exactly once")
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	r := newRemote(t)
	r.delay = 50 * time.Millisecond
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana", "Luis")
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second), WithPause(0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	s, ran := p.Run(ctx)
	require.True(t, ran)
	assert.Equal(t, 2, s.SuccessCount)
}

func TestScheduleDebouncesBursts(t *testing.T) {
	r := newRemote(t)
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana")
	met := &metrics.Metrics{}
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second),
		WithDebounce(50*time.Millisecond), WithMetrics(met))
	defer p.Stop()

	for i := 0; i < 5; i++ {
		p.Schedule()
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		n, _ := repo.Count(context.Background())
		return n == 0 && p.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), met.SyncPassesTotal.Load())
	assert.Equal(t, []string{"Ana"}, r.names())
}

func TestStopCancelsPendingSchedule(t *testing.T) {
	r := newRemote(t)
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana")
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second), WithDebounce(50*time.Millisecond))

	p.Schedule()
	p.Stop()
	p.Schedule()
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, r.names())
}

func TestRunAfterStopIsRefused(t *testing.T) {
	r := newRemote(t)
	repo := store.NewInMemoryStore()
	seed(t, repo, "Ana")
	p := NewProcessor(repo, NewHTTPSender(r.srv.URL, r.srv.Client(), time.Second), WithDebounce(0))

	p.Stop()
	_, ran := p.Run(context.Background())
	assert.False(t, ran, "a stopped processor must not start a pass")
	assert.Equal(t, StateIdle, p.State())
	assert.Empty(t, r.names())
	count, _ := repo.Count(context.Background())
	assert.Equal(t, 1, count)
}

func TestMonitorFiresOnTransitionsOnly(t *testing.T) {
	m := NewMonitor("", nil, 0)
	assert.True(t, m.Online())

	var mu sync.Mutex
	var seen []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})
	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, seen)
}

func TestMonitorProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	m := NewMonitor(srv.URL, srv.Client(), time.Minute)
	var flips atomic.Int32
	m.OnChange(func(bool) { flips.Add(1) })

	assert.True(t, m.Probe(context.Background()), "any HTTP response means reachable")
	srv.Close()
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Online())
	assert.Equal(t, int32(1), flips.Load())
}

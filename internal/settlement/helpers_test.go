package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/settlement/internal/callbacks"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/journal"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// hostedFake is a hosted provider whose remote state the test controls.
type hostedFake struct {
	method storage.Method

	mu        sync.Mutex
	state     gateway.RemoteState
	statusErr error
	createErr error
	cancelErr error
	cancelled []string

	statusCalls atomic.Int32
}

func newHostedFake(method storage.Method) *hostedFake {
	return &hostedFake{method: method, state: gateway.RemotePending}
}

func (h *hostedFake) set(state gateway.RemoteState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *hostedFake) Method() storage.Method { return h.method }
func (h *hostedFake) RequiresPolling() bool { return true }

func (h *hostedFake) Create(_ context.Context, req *gateway.CreateRequest) (gateway.DisplayPayload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return gateway.DisplayPayload{}, h.createErr
	}
	if req.Payment.Metadata == nil {
		req.Payment.Metadata = make(map[string]string)
	}
	req.Payment.Metadata["session_id"] = "s_" + req.Payment.ID
	return gateway.DisplayPayload{URL: "https://pay.example/" + req.Payment.ID}, nil
}

func (h *hostedFake) RemoteStatus(_ context.Context, p storage.Payment) (gateway.RemoteStatus, error) {
	h.statusCalls.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.statusErr != nil {
		return gateway.RemoteStatus{}, h.statusErr
	}
	return gateway.RemoteStatus{State: h.state, ExternalRef: "hosted_" + p.ID}, nil
}

func (h *hostedFake) Check(ctx context.Context, p storage.Payment, c gateway.Confirmer) (bool, error) {
	return gateway.CheckRemote(ctx, h, p, c)
}

func (h *hostedFake) Cancel(_ context.Context, p storage.Payment) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelErr != nil {
		return h.cancelErr
	}
	h.cancelled = append(h.cancelled, p.ID)
	return nil
}

func (h *hostedFake) cancelledIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cancelled...)
}

// flakyUpdates fails the next n UpdatePayment calls made inside transactions.
type flakyUpdates struct {
	storage.Store
	n atomic.Int32
}

var errUpdateFailed = errors.New("update payment: connection reset")

func (s *flakyUpdates) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.Store.InTx(ctx, func(tx storage.Tx) error {
		return fn(flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	storage.Tx
	s *flakyUpdates
}

func (t flakyTx) UpdatePayment(ctx context.Context, p storage.Payment) error {
	if t.s.n.Add(-1) >= 0 {
		return errUpdateFailed
	}
	return t.Tx.UpdatePayment(ctx, p)
}

type countingPoller struct{ n atomic.Int32 }

func (p *countingPoller) EnsureRunning() { p.n.Add(1) }

type recordingCache struct {
	mu          sync.Mutex
	invalidated []int64
}

func (c *recordingCache) GetBalance(context.Context, int64) (int64, bool) { return 0, false }
func (c *recordingCache) SetBalance(context.Context, int64, int64) {}
func (c *recordingCache) InvalidateBalance(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []callbacks.SettlementEvent
}

func (s *eventSink) PaymentConfirmed(_ context.Context, e callbacks.SettlementEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) all() []callbacks.SettlementEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]callbacks.SettlementEvent(nil), s.events...)
}

type harness struct {
	mgr     *Manager
	store   *storage.MemoryStore
	clock   *testClock
	poller  *countingPoller
	cache   *recordingCache
	events  *eventSink
	journal *journal.Memory
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, adapters ...gateway.Adapter) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryStore(),
		clock:   newTestClock(),
		poller:  &countingPoller{},
		cache:   &recordingCache{},
		events:  &eventSink{},
		journal: journal.NewMemory(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	var seq atomic.Int32
	h.mgr = NewManager(h.store, gateway.NewRegistry(adapters...), Config{
		Currency:       "RUB",
		PaymentTimeout: 15 * time.Minute,
		GraceWindow:    24 * time.Hour,
		MinAmount:      20000,
		MaxAmount:      10000000,
		Plans: []config.Plan{
			{ID: "month", Days: 30, Price: 29900},
			{ID: "week", Days: 7, Price: 9900},
		},
	},
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("pay-%d", seq.Add(1)) }),
		WithNotifier(h.events),
		WithJournal(h.journal),
		WithBalanceCache(h.cache),
		WithMetrics(h.metrics),
	)
	h.mgr.SetPoller(h.poller)
	return h
}

func (h *harness) create(t *testing.T, userID int64, method storage.Method, amount int64) storage.Payment {
	t.Helper()
	created, err := h.mgr.CreatePayment(context.Background(), CreateInput{UserID: userID, Method: method, Amount: amount})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return created.Payment
}

func (h *harness) payment(t *testing.T, id string) storage.Payment {
	t.Helper()
	p, err := h.store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPayment(%s): %v", id, err)
	}
	return p
}

func (h *harness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.Balance
}

// expire advances past the payment timeout and runs the expiry sweep.
func (h *harness) expire(t *testing.T) {
	t.Helper()
	h.clock.Advance(16 * time.Minute)
	if _, err := h.store.ExpireOverdue(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
}

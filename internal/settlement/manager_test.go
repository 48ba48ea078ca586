package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/storage"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCreatePayment_Success(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	h := newHarness(t, card)

	created, err := h.mgr.CreatePayment(context.Background(), CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 50000})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	p := h.payment(t, created.Payment.ID)
	if p.Status != storage.StatusPending || p.Amount != 50000 || p.UserID != 7 {
		t.Errorf("stored payment = %+v", p)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !p.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", p.ExpiresAt, want)
	}
	if p.Metadata["session_id"] != "s_"+p.ID || p.Metadata[metaDisplayURL] == "" {
		t.Errorf("gateway metadata not persisted: %v", p.Metadata)
	}
	if created.Display.PaymentID != p.ID || created.Display.Method != storage.MethodCard || created.Display.URL == "" {
		t.Errorf("display = %+v", created.Display)
	}
	if h.poller.n.Load() != 1 {
		t.Errorf("poller started %d times, want 1", h.poller.n.Load())
	}
	if v := promtest.ToFloat64(h.metrics.PaymentsCreatedTotal.WithLabelValues("card")); v != 1 {
		t.Errorf("created metric = %v", v)
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	h := newHarness(t, newHostedFake(storage.MethodCard))

	tests := []struct {
		name string
		in   CreateInput
		want error
	}{
		{name: "no user", in: CreateInput{Method: storage.MethodCard, Amount: 50000}, want: ErrInvalidUser},
		{name: "below minimum", in: CreateInput{UserID: 1, Method: storage.MethodCard, Amount: 19999}, want: ErrInvalidAmount},
		{name: "above maximum", in: CreateInput{UserID: 1, Method: storage.MethodCard, Amount: 10000001}, want: ErrInvalidAmount},
		{name: "unknown method", in: CreateInput{UserID: 1, Method: "paypal", Amount: 50000}, want: ErrInvalidMethod},
		{name: "method not registered", in: CreateInput{UserID: 1, Method: storage.MethodStars, Amount: 50000}, want: ErrInvalidMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.CreatePayment(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreatePayment_ConflictUnlessForceNew(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	h := newHarness(t, card)
	ctx := context.Background()

	first := h.create(t, 7, storage.MethodCard, 50000)

	_, err := h.mgr.CreatePayment(ctx, CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 30000})
	var active *ActivePaymentError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActivePaymentError, got %v", err)
	}
	if active.PaymentID != first.ID || active.Amount != 50000 || active.Method != storage.MethodCard {
		t.Errorf("conflict details = %+v", active)
	}

	// Another user is unaffected.
	h.create(t, 8, storage.MethodCard, 50000)

	second, err := h.mgr.CreatePayment(ctx, CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 30000, ForceNew: true})
	if err != nil {
		t.Fatalf("forced CreatePayment: %v", err)
	}
	if got := h.payment(t, first.ID).Status; got != storage.StatusCancelled {
		t.Errorf("replaced payment status = %s, want cancelled", got)
	}
	if ids := card.cancelledIDs(); len(ids) != 1 || ids[0] != first.ID {
		t.Errorf("remote cancel calls = %v", ids)
	}

	cont, err := h.mgr.ContinuePayment(ctx, 7)
	if err != nil {
		t.Fatalf("ContinuePayment: %v", err)
	}
	if cont.Payment.ID != second.Payment.ID || cont.Display.URL != second.Display.URL {
		t.Errorf("continue = %+v, want %s", cont.Payment, second.Payment.ID)
	}
}

func TestCreatePayment_ForceNewKeepsPaidPayment(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	h := newHarness(t, card)

	first := h.create(t, 7, storage.MethodCard, 50000)
	card.set(gateway.RemotePaid)

	if _, err := h.mgr.CreatePayment(context.Background(), CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 30000, ForceNew: true}); err != nil {
		t.Fatalf("forced CreatePayment: %v", err)
	}
	if got := h.payment(t, first.ID).Status; got != storage.StatusConfirmed {
		t.Errorf("paid payment status = %s, want confirmed", got)
	}
	if got := h.balance(t, 7); got != 50000 {
		t.Errorf("balance = %d, want 50000", got)
	}
}

func TestCreatePayment_AdapterFailureCancels(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	card.createErr = gateway.Transient("stripe", "create_session", errors.New("503"))
	h := newHarness(t, card)
	ctx := context.Background()

	_, err := h.mgr.CreatePayment(ctx, CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 50000})
	if !gateway.IsTransient(err) {
		t.Fatalf("expected transient gateway error, got %v", err)
	}

	failed := h.payment(t, "pay-1")
	if failed.Status != storage.StatusCancelled || failed.Metadata[metaCancelReason] != "create_failed" {
		t.Errorf("failed create left %+v", failed)
	}
	if h.poller.n.Load() != 0 {
		t.Error("poller must not start for a failed create")
	}
	if v := promtest.ToFloat64(h.metrics.PaymentsCancelledTotal.WithLabelValues("card", "create_failed")); v != 1 {
		t.Errorf("cancelled metric = %v", v)
	}

	// The cancelled record does not block a new attempt.
	card.mu.Lock()
	card.createErr = nil
	card.mu.Unlock()
	if _, err := h.mgr.CreatePayment(ctx, CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 50000}); err != nil {
		t.Fatalf("retry CreatePayment: %v", err)
	}
}

func TestCreatePayment_PersistFailureCancels(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	h := newHarness(t, card)
	flaky := &flakyUpdates{Store: h.store}
	flaky.n.Store(1)
	h.mgr.store = flaky
	ctx := context.Background()

	_, err := h.mgr.CreatePayment(ctx, CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 50000})
	if !errors.Is(err, errUpdateFailed) {
		t.Fatalf("expected persist error, got %v", err)
	}

	p := h.payment(t, "pay-1")
	if p.Status != storage.StatusCancelled || p.Metadata[metaCancelReason] != "persist_failed" {
		t.Errorf("payment after persist failure = %+v", p)
	}
	if got := card.cancelledIDs(); len(got) != 1 || got[0] != "pay-1" {
		t.Errorf("remote cancel calls = %v", got)
	}
	if v := promtest.ToFloat64(h.metrics.PaymentsCancelledTotal.WithLabelValues("card", "persist_failed")); v != 1 {
		t.Errorf("cancelled metric = %v", v)
	}
	if h.poller.n.Load() != 0 {
		t.Error("poller must not start for a failed create")
	}

	// No stale pending record blocks the next attempt.
	created, err := h.mgr.CreatePayment(ctx, CreateInput{UserID: 7, Method: storage.MethodCard, Amount: 50000})
	if err != nil {
		t.Fatalf("retry CreatePayment: %v", err)
	}
	if created.Payment.Metadata["session_id"] != "s_"+created.Payment.ID {
		t.Errorf("metadata = %v", created.Payment.Metadata)
	}
}

func TestConfirmPayment_NoDoubleCredit(t *testing.T) {
	h := newHarness(t, newHostedFake(storage.MethodCard))
	p := h.create(t, 7, storage.MethodCard, 50000)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.mgr.ConfirmPayment(context.Background(), gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "ref-1", Amount: 50000})
			if err != nil {
				t.Errorf("ConfirmPayment: %v", err)
				return
			}
			if res.Payment.Status != storage.StatusConfirmed {
				t.Errorf("status = %s", res.Payment.Status)
			}
			if res.Credited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Errorf("credited %d times, want 1", credited)
	}
	if got := h.balance(t, 7); got != 50000 {
		t.Errorf("balance = %d, want 50000", got)
	}
	if n := len(h.events.all()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestCheckPayment_ConcurrentHostedChecks(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	h := newHarness(t, card)
	p := h.create(t, 7, storage.MethodCard, 50000)
	card.set(gateway.RemotePaid)

	var wg sync.WaitGroup
	results := make([]CheckResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.mgr.CheckPayment(context.Background(), p.ID)
			if err != nil {
				t.Errorf("CheckPayment: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	credited := 0
	for i, res := range results {
		if res.Confirmed {
			credited++
		}
		if res.Payment.Status != storage.StatusConfirmed {
			t.Errorf("check %d: status = %s", i, res.Payment.Status)
		}
	}
	if credited != 1 {
		t.Errorf("%d checks reported confirmed, want exactly 1", credited)
	}

	again, err := h.mgr.CheckPayment(context.Background(), p.ID)
	if err != nil || again.Confirmed || again.Payment.Status != storage.StatusConfirmed {
		t.Errorf("repeat check = %+v, %v", again, err)
	}
	if got := h.balance(t, 7); got != 50000 {
		t.Errorf("balance = %d, want exactly one credit of 50000", got)
	}
	if got := h.payment(t, p.ID).ConfirmationRef; got != "hosted_"+p.ID {
		t.Errorf("ref = %q", got)
	}
	if v := promtest.ToFloat64(h.metrics.PaymentsConfirmedTotal.WithLabelValues("card", "false")); v != 1 {
		t.Errorf("confirmed metric = %v", v)
	}
}

func TestConfirmPayment_ReferenceRules(t *testing.T) {
	h := newHarness(t, newHostedFake(storage.MethodCard))
	ctx := context.Background()
	a := h.create(t, 7, storage.MethodCard, 50000)
	b := h.create(t, 8, storage.MethodCard, 50000)

	if _, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: a.ID, ExternalRef: "shared"}); err != nil {
		t.Fatalf("confirm a: %v", err)
	}
	_, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: b.ID, ExternalRef: "shared"})
	if !errors.Is(err, ErrReferenceUsed) || !errors.Is(err, storage.ErrDuplicateReference) {
		t.Fatalf("expected reference reuse rejection, got %v", err)
	}
	if got := h.payment(t, b.ID).Status; got != storage.StatusPending {
		t.Errorf("b status = %s, want pending", got)
	}
	if h.balance(t, 8) != 0 {
		t.Error("b must not be credited")
	}
	if v := promtest.ToFloat64(h.metrics.ConfirmRejectedTotal.WithLabelValues("card", "ref_used")); v != 1 {
		t.Errorf("rejected metric = %v", v)
	}

	// Re-confirming a confirmed payment is a no-op.
	res, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: a.ID, ExternalRef: "other"})
	if err != nil || res.Credited {
		t.Errorf("reconfirm = %+v, %v", res, err)
	}

	if _, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: "missing", ExternalRef: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing payment: %v", err)
	}
	if _, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: b.ID}); err == nil {
		t.Error("expected error without external ref")
	}
}

func TestConfirmPayment_RejectsTerminal(t *testing.T) {
	card := newHostedFake(storage.MethodCard)
	h := newHarness(t, card)
	p := h.create(t, 7, storage.MethodCard, 50000)

	if _, err := h.mgr.CancelPayment(context.Background(), p.ID, 7); err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	_, err := h.mgr.ConfirmPayment(context.Background(), gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "late", AllowExpiredRecovery: true})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("confirm of cancelled payment: %v", err)
	}
}

func TestConfirmPayment_ExpiredRecovery(t *testing.T) {
	h := newHarness(t, newHostedFake(storage.MethodCard))
	ctx := context.Background()
	p := h.create(t, 7, storage.MethodCard, 50000)
	h.expire(t)

	if got := h.payment(t, p.ID).Status; got != storage.StatusExpired {
		t.Fatalf("status = %s, want expired", got)
	}

	if _, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "r1"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("confirm without recovery: %v", err)
	}

	res, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "r1", AllowExpiredRecovery: true})
	if err != nil || !res.Credited {
		t.Fatalf("recovery = %+v, %v", res, err)
	}
	if res.Payment.Metadata[metaRecovered] != "true" {
		t.Error("recovered payment not marked")
	}

	again, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "r2", AllowExpiredRecovery: true})
	if err != nil || again.Credited {
		t.Errorf("second recovery = %+v, %v", again, err)
	}
	if got := h.balance(t, 7); got != 50000 {
		t.Errorf("balance = %d, want 50000", got)
	}
	events := h.events.all()
	if len(events) != 1 || !events[0].Recovered {
		t.Errorf("events = %+v", events)
	}
}

func TestConfirmPayment_RecoveryWindow(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration // after CreatedAt
		wantErr error
	}{
		{name: "just expired", advance: 16 * time.Minute},
		{name: "at the window edge", advance: 24 * time.Hour},
		{name: "past the window", advance: 24*time.Hour + time.Second, wantErr: ErrRecoveryWindowClosed},
		{name: "within 24h of expiry but not of creation", advance: 24*time.Hour + 10*time.Minute, wantErr: ErrRecoveryWindowClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newHostedFake(storage.MethodCard))
			p := h.create(t, 7, storage.MethodCard, 50000)
			h.clock.Advance(tt.advance)
			if _, err := h.store.ExpireOverdue(context.Background(), h.clock.Now()); err != nil {
				t.Fatal(err)
			}

			_, err := h.mgr.ConfirmPayment(context.Background(), gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "r", AllowExpiredRecovery: true})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			want := int64(50000)
			if tt.wantErr != nil {
				want = 0
			}
			if got := h.balance(t, 7); got != want {
				t.Errorf("balance = %d, want %d", got, want)
			}
		})
	}
}

func TestConfirmPayment_PostCommitHooks(t *testing.T) {
	h := newHarness(t, newHostedFake(storage.MethodCard))
	ctx := context.Background()

	// An active entitlement is reported with the event.
	if err := h.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.SetEntitlement(ctx, 7, h.clock.Now().Add(48*time.Hour))
	}); err != nil {
		t.Fatal(err)
	}
	p := h.create(t, 7, storage.MethodCard, 50000)
	if _, err := h.mgr.ConfirmPayment(ctx, gateway.ConfirmRequest{PaymentID: p.ID, ExternalRef: "ref-7", Amount: 49800}); err != nil {
		t.Fatal(err)
	}

	events := h.events.all()
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	e := events[0]
	if e.UserID != 7 || e.Amount != 50000 || e.Balance != 50000 || !e.HasActiveEntitlement || e.ConfirmationRef != "ref-7" || e.Currency != "RUB" {
		t.Errorf("event = %+v", e)
	}

	entries, err := h.mgr.History(ctx, 7, 10)
	if err != nil || len(entries) != 1 || entries[0].PaymentID != p.ID || entries[0].BalanceAfter != 50000 {
		t.Errorf("history = %+v, %v", entries, err)
	}

	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	if len(h.cache.invalidated) != 1 || h.cache.invalidated[0] != 7 {
		t.Errorf("invalidated = %v", h.cache.invalidated)
	}
}

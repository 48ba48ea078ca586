package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newPayment(id string, userID int64, created time.Time) Payment {
	return Payment{
		ID:        id,
		UserID:    userID,
		Method:    MethodCard,
		Amount:    50000,
		Status:    StatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(15 * time.Minute),
	}
}

func insert(t *testing.T, s Store, p Payment) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertPayment(context.Background(), p)
	})
	if err != nil {
		t.Fatalf("insert payment %s: %v", p.ID, err)
	}
}

func TestNewStore_Backends(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Backend: "memory"}, nil, nil)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}

	if _, err := NewStore(config.StorageConfig{Backend: "postgres"}, nil, nil); err == nil {
		t.Fatal("postgres without url should fail")
	}
	if _, err := NewStore(config.StorageConfig{Backend: "cassandra"}, nil, nil); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestTableNamesFromConfig(t *testing.T) {
	names := tableNamesFromConfig(config.SchemaMappingConfig{
		Users: config.TableMappingConfig{TableName: "bot_users"},
	})
	if names.Users != "bot_users" || names.Payments != DefaultPaymentsTable || names.Candidates != DefaultCandidatesTable {
		t.Fatalf("unexpected table names: %+v", names)
	}
}

func TestMemoryStore_InTxRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockUser(ctx, 7); err != nil {
			return err
		}
		if _, err := tx.CreditBalance(ctx, 7, 1000); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, newPayment("p1", 7, time.Now())); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetUser(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("user row should not be committed, got %v", err)
	}
	if _, err := s.GetPayment(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("payment should not be committed, got %v", err)
	}
}

func TestMemoryStore_InTxPanic(t *testing.T) {
	s := NewMemoryStore()
	err := s.InTx(context.Background(), func(tx Tx) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking transaction")
	}
	// The store must still be usable.
	insert(t, s, newPayment("p1", 1, time.Now()))
}

func TestMemoryStore_CreditDebit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockUser(ctx, 1); err != nil {
			return err
		}
		bal, err := tx.CreditBalance(ctx, 1, 50000)
		if err != nil {
			return err
		}
		if bal != 50000 {
			t.Errorf("balance after credit = %d", bal)
		}
		bal, err = tx.DebitBalance(ctx, 1, 20000)
		if err != nil {
			return err
		}
		if bal != 30000 {
			t.Errorf("balance after debit = %d", bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.DebitBalance(ctx, 1, 30001)
		return err
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	u, err := s.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Balance != 30000 {
		t.Errorf("committed balance = %d, want 30000", u.Balance)
	}
}

func TestMemoryStore_ConfirmationRefUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	insert(t, s, newPayment("p1", 1, now))
	insert(t, s, newPayment("p2", 2, now))

	confirm := func(id, ref string) error {
		return s.InTx(ctx, func(tx Tx) error {
			p, err := tx.LockPayment(ctx, id)
			if err != nil {
				return err
			}
			p.Status = StatusConfirmed
			p.ConfirmationRef = ref
			return tx.UpdatePayment(ctx, p)
		})
	}

	if err := confirm("p1", "stripe_cs_1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := confirm("p2", "stripe_cs_1"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	err := s.InTx(ctx, func(tx Tx) error {
		used, err := tx.ConfirmationRefUsed(ctx, "stripe_cs_1")
		if err != nil {
			return err
		}
		if !used {
			t.Error("ref should be reported as used")
		}
		used, _ = tx.ConfirmationRefUsed(ctx, "stripe_cs_2")
		if used {
			t.Error("unknown ref reported as used")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_FindActivePending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	old := newPayment("old", 1, now.Add(-10*time.Minute))
	recent := newPayment("recent", 1, now.Add(-time.Minute))
	overdue := newPayment("overdue", 1, now.Add(-time.Hour))
	other := newPayment("other", 2, now)
	for _, p := range []Payment{old, recent, overdue, other} {
		insert(t, s, p)
	}

	err := s.InTx(ctx, func(tx Tx) error {
		p, err := tx.FindActivePending(ctx, 1, now)
		if err != nil {
			return err
		}
		if p.ID != "recent" {
			t.Errorf("active pending = %s, want recent", p.ID)
		}
		if _, err := tx.FindActivePending(ctx, 3, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for user without payments, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_Candidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	insert(t, s, newPayment("p1", 1, now))
	insert(t, s, newPayment("p2", 2, now))

	c := Candidate{TxHash: "sig1", Amount: 1000, Memo: "abc", BlockTime: now}
	inserted, err := s.InsertCandidate(ctx, c)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = s.InsertCandidate(ctx, c)
	if err != nil || inserted {
		t.Fatalf("duplicate insert should be a no-op: inserted=%v err=%v", inserted, err)
	}

	list, err := s.UnclaimedCandidates(ctx, "abc", now.Add(-time.Minute))
	if err != nil || len(list) != 1 {
		t.Fatalf("unclaimed = %v, err=%v", list, err)
	}
	if list, _ := s.UnclaimedCandidates(ctx, "abc", now.Add(time.Minute)); len(list) != 0 {
		t.Errorf("candidates before since should be filtered, got %d", len(list))
	}

	claim := func(paymentID string) error {
		return s.InTx(ctx, func(tx Tx) error {
			return tx.ClaimCandidate(ctx, "sig1", paymentID)
		})
	}
	if err := claim("p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	s.mu.RLock()
	claimed := s.candidates["sig1"]
	s.mu.RUnlock()
	if claimed.ClaimedBy != "p1" || claimed.ClaimedAt == nil || claimed.ClaimedAt.Before(now.Add(-time.Second)) {
		t.Fatalf("claimed candidate = %+v", claimed)
	}
	firstClaim := *claimed.ClaimedAt

	if err := claim("p2"); !errors.Is(err, ErrCandidateClaimed) {
		t.Fatalf("expected ErrCandidateClaimed, got %v", err)
	}
	// Re-claiming for the same payment keeps the original claim time.
	if err := claim("p1"); err != nil {
		t.Fatalf("repeat claim: %v", err)
	}
	s.mu.RLock()
	again := s.candidates["sig1"]
	s.mu.RUnlock()
	if again.ClaimedAt == nil || !again.ClaimedAt.Equal(firstClaim) {
		t.Errorf("claimed_at moved: %v -> %v", firstClaim, again.ClaimedAt)
	}
	if err := s.InTx(ctx, func(tx Tx) error { return tx.ClaimCandidate(ctx, "missing", "p1") }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if list, _ := s.UnclaimedCandidates(ctx, "abc", now.Add(-time.Minute)); len(list) != 0 {
		t.Errorf("claimed candidate still listed")
	}
}

func TestMemoryStore_ConcurrentCredit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockUser(ctx, 9); err != nil {
					return err
				}
				_, err := tx.CreditBalance(ctx, 9, 100)
				return err
			})
		}()
	}
	wg.Wait()

	u, err := s.GetUser(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if u.Balance != 5000 {
		t.Errorf("balance = %d, want 5000", u.Balance)
	}
}

func TestMemoryStore_ListQueries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newPayment("a", 1, now.Add(-2*time.Minute))
	b := newPayment("b", 2, now.Add(-time.Minute))
	b.Method = MethodCryptoPay
	c := newPayment("c", 3, now.Add(-30*time.Hour))
	c.Status = StatusExpired
	c.ExpiresAt = now.Add(-29 * time.Hour)
	d := newPayment("d", 4, now.Add(-3*time.Hour))
	d.Status = StatusExpired
	d.ExpiresAt = now.Add(-2 * time.Hour)
	for _, p := range []Payment{a, b, c, d} {
		insert(t, s, p)
	}

	all, _ := s.ListByStatus(ctx, "", StatusPending)
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("ListByStatus all = %v", ids(all))
	}
	cards, _ := s.ListByStatus(ctx, MethodCard, StatusPending)
	if len(cards) != 1 || cards[0].ID != "a" {
		t.Errorf("ListByStatus card = %v", ids(cards))
	}
	expired, _ := s.ListExpiredSince(ctx, MethodCard, now.Add(-24*time.Hour))
	if len(expired) != 1 || expired[0].ID != "d" {
		t.Errorf("ListExpiredSince = %v", ids(expired))
	}
}

func TestMemoryStore_ExpireAndCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	overdue := newPayment("overdue", 1, now.Add(-20*time.Minute))
	fresh := newPayment("fresh", 2, now)
	stale := newPayment("stale", 3, now.Add(-8*24*time.Hour))
	stale.Status = StatusCancelled
	stale.UpdatedAt = now.Add(-8 * 24 * time.Hour)
	done := newPayment("done", 4, now.Add(-8*24*time.Hour))
	done.Status = StatusConfirmed
	done.UpdatedAt = now.Add(-8 * 24 * time.Hour)
	for _, p := range []Payment{overdue, fresh, stale, done} {
		insert(t, s, p)
	}
	_, _ = s.InsertCandidate(ctx, Candidate{TxHash: "old", Amount: 1, ObservedAt: now.Add(-8 * 24 * time.Hour)})

	n, err := s.ExpireOverdue(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("ExpireOverdue = %d, %v", n, err)
	}
	p, _ := s.GetPayment(ctx, "overdue")
	if p.Status != StatusExpired {
		t.Errorf("overdue status = %s", p.Status)
	}
	p, _ = s.GetPayment(ctx, "fresh")
	if p.Status != StatusPending {
		t.Errorf("fresh status = %s", p.Status)
	}

	n, err = s.DeleteTerminalOlderThan(ctx, now.Add(-7*24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("DeleteTerminalOlderThan = %d, %v", n, err)
	}
	if _, err := s.GetPayment(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Error("stale cancelled payment should be deleted")
	}
	if _, err := s.GetPayment(ctx, "done"); err != nil {
		t.Error("confirmed payments are never deleted")
	}
}

func TestSweeper_RunNow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	insert(t, s, newPayment("overdue", 1, now.Add(-time.Hour)))

	m := metrics.New(prometheus.NewRegistry())
	sw := NewSweeper(s, DefaultSweeperConfig(), m, zerolog.Nop())

	n, err := sw.ExpireNow(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireNow = %d, %v", n, err)
	}
	if got := promtest.ToFloat64(m.PaymentsExpiredTotal); got != 1 {
		t.Errorf("expired metric = %v, want 1", got)
	}

	sw.now = func() time.Time { return now.Add(8 * 24 * time.Hour) }
	n, err = sw.CleanupNow(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupNow = %d, %v", n, err)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), SweeperConfig{SweepInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
	sw.Start()

	done := make(chan struct{})
	go func() {
		sw.Stop()
		sw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() timed out")
	}
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), DefaultSweeperConfig(), nil, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		sw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked on a sweeper that never started")
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("SETTLEMENT_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("SETTLEMENT_TEST_POSTGRES_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}

	suffix := time.Now().Format("150405")
	tables := TableNames{Payments: "t_payments_" + suffix, Users: "t_users_" + suffix, Candidates: "t_candidates_" + suffix}
	s, err := NewPostgresStoreWithDB(db, tables)
	if err != nil {
		t.Fatalf("NewPostgresStoreWithDB: %v", err)
	}
	defer func() {
		_, _ = db.Exec("DROP TABLE " + tables.Payments + ", " + tables.Users + ", " + tables.Candidates)
	}()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	insert(t, s, newPayment("p1", 1, now))
	insert(t, s, newPayment("p2", 2, now))

	err = s.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPayment(ctx, "p1")
		if err != nil {
			return err
		}
		if _, err := tx.LockUser(ctx, p.UserID); err != nil {
			return err
		}
		p.Status = StatusConfirmed
		p.ConfirmationRef = "ref-1"
		p.ConfirmedAt = &now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		_, err = tx.CreditBalance(ctx, p.UserID, p.Amount)
		return err
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPayment(ctx, "p2")
		if err != nil {
			return err
		}
		p.ConfirmationRef = "ref-1"
		return tx.UpdatePayment(ctx, p)
	})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	u, err := s.GetUser(ctx, 1)
	if err != nil || u.Balance != 50000 {
		t.Fatalf("user = %+v, err=%v", u, err)
	}

	inserted, err := s.InsertCandidate(ctx, Candidate{TxHash: "sig", Amount: 10, Memo: "m", BlockTime: now})
	if err != nil || !inserted {
		t.Fatalf("insert candidate: %v %v", inserted, err)
	}
	inserted, _ = s.InsertCandidate(ctx, Candidate{TxHash: "sig", Amount: 10, Memo: "m", BlockTime: now})
	if inserted {
		t.Fatal("duplicate candidate inserted")
	}

	if err := s.InTx(ctx, func(tx Tx) error { return tx.ClaimCandidate(ctx, "sig", "p1") }); err != nil {
		t.Fatalf("claim candidate: %v", err)
	}
	var claimedBy string
	var claimedAt sql.NullTime
	row := db.QueryRow("SELECT claimed_by, claimed_at FROM "+tables.Candidates+" WHERE tx_hash = $1", "sig")
	if err := row.Scan(&claimedBy, &claimedAt); err != nil {
		t.Fatalf("read claim: %v", err)
	}
	if claimedBy != "p1" || !claimedAt.Valid || claimedAt.Time.Before(now.Add(-time.Minute)) {
		t.Errorf("claim = %q at %+v", claimedBy, claimedAt)
	}
}

func ids(ps []Payment) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

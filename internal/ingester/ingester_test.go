package ingester

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/solana"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	sigs      []solana.SignatureInfo
	transfers map[string]solana.Transfer
	loadErr   map[string]error
	loads     map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		transfers: make(map[string]solana.Transfer),
		loadErr:   make(map[string]error),
		loads:     make(map[string]int),
	}
}

func (f *fakeSource) add(sig solana.SignatureInfo, tr *solana.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sigs = append([]solana.SignatureInfo{sig}, f.sigs...)
	if tr != nil {
		tr.Signature = sig.Signature
		f.transfers[sig.Signature] = *tr
	}
}

func (f *fakeSource) RecentSignatures(_ context.Context, limit int) ([]solana.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sigs) > limit {
		return append([]solana.SignatureInfo(nil), f.sigs[:limit]...), nil
	}
	return append([]solana.SignatureInfo(nil), f.sigs...), nil
}

func (f *fakeSource) Transfer(_ context.Context, sig string) (solana.Transfer, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[sig]++
	if err := f.loadErr[sig]; err != nil {
		return solana.Transfer{}, false, err
	}
	tr, ok := f.transfers[sig]
	return tr, ok, nil
}

func (f *fakeSource) loadCount(sig string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[sig]
}

func newTestIngester(src Source, store CandidateWriter, m *metrics.Metrics) *Ingester {
	i := New(src, store, Config{}, m, zerolog.Nop())
	i.now = func() time.Time { return now }
	return i
}

func TestSweep(t *testing.T) {
	src := newFakeSource()
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	ing := newTestIngester(src, store, m)

	recent := now.Add(-2 * time.Minute)
	src.add(solana.SignatureInfo{Signature: "in", BlockTime: recent}, &solana.Transfer{Sender: "alice", Lamports: 498_000_000, Memo: "a1b2c3d4e5", BlockTime: recent})
	src.add(solana.SignatureInfo{Signature: "memo-from-sig", BlockTime: recent, Memo: "ffff000011"}, &solana.Transfer{Lamports: 1_000, BlockTime: recent})
	src.add(solana.SignatureInfo{Signature: "out", BlockTime: recent}, &solana.Transfer{Lamports: -5_000})
	src.add(solana.SignatureInfo{Signature: "failed", BlockTime: recent, Failed: true}, nil)
	src.add(solana.SignatureInfo{Signature: "old", BlockTime: now.Add(-time.Hour)}, &solana.Transfer{Lamports: 1})
	src.add(solana.SignatureInfo{Signature: "unrelated", BlockTime: recent}, nil)

	n, err := ing.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	cands, err := store.UnclaimedCandidates(context.Background(), "a1b2c3d4e5", time.Time{})
	if err != nil || len(cands) != 1 {
		t.Fatalf("candidates = %v, %v", cands, err)
	}
	if c := cands[0]; c.TxHash != "in" || c.Amount != 498_000_000 || c.Sender != "alice" || !c.BlockTime.Equal(recent) {
		t.Errorf("candidate = %+v", c)
	}
	if cands, _ := store.UnclaimedCandidates(context.Background(), "ffff000011", time.Time{}); len(cands) != 1 {
		t.Errorf("memo from signature info not used: %v", cands)
	}

	for result, want := range map[string]float64{"inserted": 2, "outgoing": 1, "failed": 1, "stale": 1, "skipped": 1} {
		if got := promtest.ToFloat64(m.IngesterTxTotal.WithLabelValues(result)); got != want {
			t.Errorf("%s = %v, want %v", result, got, want)
		}
	}
	if src.loadCount("old") != 0 || src.loadCount("failed") != 0 {
		t.Error("stale and failed transactions must not be loaded")
	}
}

func TestSweep_LoadsEachTransactionOnce(t *testing.T) {
	src := newFakeSource()
	store := storage.NewMemoryStore()
	ing := newTestIngester(src, store, nil)
	src.add(solana.SignatureInfo{Signature: "tx", BlockTime: now}, &solana.Transfer{Lamports: 10, Memo: "m"})

	for k := 0; k < 3; k++ {
		if _, err := ing.Sweep(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := src.loadCount("tx"); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestSweep_IdempotentAcrossInstances(t *testing.T) {
	src := newFakeSource()
	store := storage.NewMemoryStore()
	src.add(solana.SignatureInfo{Signature: "tx", BlockTime: now}, &solana.Transfer{Lamports: 10, Memo: "m"})

	first, _ := newTestIngester(src, store, nil).Sweep(context.Background())
	second, err := newTestIngester(src, store, nil).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || second != 0 {
		t.Errorf("inserted = %d then %d, want 1 then 0", first, second)
	}
}

func TestSweep_LoadErrorRetriedNextSweep(t *testing.T) {
	src := newFakeSource()
	store := storage.NewMemoryStore()
	ing := newTestIngester(src, store, nil)
	src.add(solana.SignatureInfo{Signature: "tx", BlockTime: now}, &solana.Transfer{Lamports: 10, Memo: "m"})
	src.loadErr["tx"] = errors.New("rpc timeout")

	if n, err := ing.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("first sweep = %d, %v", n, err)
	}
	src.mu.Lock()
	delete(src.loadErr, "tx")
	src.mu.Unlock()

	if n, err := ing.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
}

type failingSource struct{}

func (failingSource) RecentSignatures(context.Context, int) ([]solana.SignatureInfo, error) {
	return nil, errors.New("node down")
}

func (failingSource) Transfer(context.Context, string) (solana.Transfer, bool, error) {
	return solana.Transfer{}, false, errors.New("unreachable")
}

func TestSweep_ListError(t *testing.T) {
	ing := newTestIngester(failingSource{}, storage.NewMemoryStore(), nil)
	if _, err := ing.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartStop(t *testing.T) {
	src := newFakeSource()
	store := storage.NewMemoryStore()
	src.add(solana.SignatureInfo{Signature: "tx", BlockTime: now}, &solana.Transfer{Lamports: 10, Memo: "m"})

	ing := New(src, store, Config{Interval: 10 * time.Millisecond}, nil, zerolog.Nop())
	ing.now = func() time.Time { return now }
	ing.Start()

	deadline := time.After(2 * time.Second)
	for src.loadCount("tx") == 0 {
		select {
		case <-deadline:
			t.Fatal("periodic sweep never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	ing.Stop()
	ing.Stop()

	// Without an interval Start is a no-op and Stop must not block.
	idle := New(src, store, Config{}, nil, zerolog.Nop())
	idle.Start()
	idle.Stop()
}

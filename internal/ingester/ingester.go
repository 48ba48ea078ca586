// Package ingester records incoming transfers to the settlement wallet as
// candidates for the on-chain gateway to match by memo.
package ingester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/solana"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultWindow = 10 * time.Minute
	DefaultLimit  = 50
)

// Source lists and loads wallet transactions. *solana.RPCSource implements it.
type Source interface {
	RecentSignatures(ctx context.Context, limit int) ([]solana.SignatureInfo, error)
	Transfer(ctx context.Context, signature string) (solana.Transfer, bool, error)
}

// CandidateWriter persists observed transfers.
type CandidateWriter interface {
	InsertCandidate(ctx context.Context, c storage.Candidate) (bool, error)
}

// Config bounds a sweep. Interval > 0 enables the periodic mode.
type Config struct {
	Window   time.Duration
	Limit    int
	Interval time.Duration
}

// Ingester scans recent wallet activity.
type Ingester struct {
	source  Source
	store   CandidateWriter
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	sweepMu sync.Mutex
	// seen holds hashes already stored or rejected, by block time, so a
	// transaction is loaded at most once while it stays inside the window.
	seen map[string]time.Time

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates an ingester.
func New(source Source, store CandidateWriter, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Ingester {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	return &Ingester{
		source:   source,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		logger:   log.With().Str("component", "ingester").Logger(),
		now:      time.Now,
		seen:     make(map[string]time.Time),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Sweep fetches up to Limit recent signatures, loads the ones inside Window
// and stores incoming transfers. It returns the number of new candidates.
// A sweep already in progress makes this call a no-op.
func (i *Ingester) Sweep(ctx context.Context) (int, error) {
	if !i.sweepMu.TryLock() {
		return 0, nil
	}
	defer i.sweepMu.Unlock()

	sigs, err := i.source.RecentSignatures(ctx, i.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("ingester: list signatures: %w", err)
	}

	now := i.now()
	cutoff := now.Add(-i.cfg.Window)
	i.prune(cutoff)

	inserted := 0
	for _, sig := range sigs {
		if ctx.Err() != nil {
			return inserted, ctx.Err()
		}
		if _, ok := i.seen[sig.Signature]; ok {
			continue
		}
		if sig.Failed {
			i.observe(sig, "failed")
			continue
		}
		if !sig.BlockTime.IsZero() && sig.BlockTime.Before(cutoff) {
			i.metrics.ObserveIngestedTx("stale")
			continue
		}

		tr, ok, err := i.source.Transfer(ctx, sig.Signature)
		if err != nil {
			// Retried on the next sweep.
			i.metrics.ObserveIngestedTx("error")
			i.logger.Warn().Err(err).Str("tx", logger.TruncateAddress(sig.Signature)).Msg("ingester: load transaction failed")
			continue
		}
		if !ok {
			i.observe(sig, "skipped")
			continue
		}
		if tr.Lamports <= 0 {
			i.observe(sig, "outgoing")
			continue
		}

		c := storage.Candidate{
			TxHash:     sig.Signature,
			Sender:     tr.Sender,
			Amount:     tr.Lamports,
			Memo:       tr.Memo,
			BlockTime:  tr.BlockTime,
			ObservedAt: now,
		}
		if c.Memo == "" {
			c.Memo = sig.Memo
		}
		if c.BlockTime.IsZero() {
			c.BlockTime = sig.BlockTime
		}
		if c.BlockTime.IsZero() {
			c.BlockTime = now
		}

		isNew, err := i.store.InsertCandidate(ctx, c)
		if err != nil {
			i.metrics.ObserveIngestedTx("error")
			return inserted, fmt.Errorf("ingester: insert candidate %s: %w", sig.Signature, err)
		}
		if !isNew {
			i.observe(sig, "duplicate")
			continue
		}
		inserted++
		i.observe(sig, "inserted")
		i.logger.Info().
			Str("tx", logger.TruncateAddress(c.TxHash)).
			Str("sender", logger.TruncateAddress(c.Sender)).
			Int64("lamports", c.Amount).
			Str("memo", c.Memo).
			Msg("ingester: candidate stored")
	}
	return inserted, nil
}

func (i *Ingester) observe(sig solana.SignatureInfo, result string) {
	at := sig.BlockTime
	if at.IsZero() {
		at = i.now()
	}
	i.seen[sig.Signature] = at
	i.metrics.ObserveIngestedTx(result)
}

func (i *Ingester) prune(cutoff time.Time) {
	for hash, at := range i.seen {
		if at.Before(cutoff) {
			delete(i.seen, hash)
		}
	}
}

// Start runs Sweep every Interval. Without an interval the poller drives sweeps.
func (i *Ingester) Start() {
	if i.cfg.Interval <= 0 {
		return
	}
	i.started = true
	i.logger.Info().
		Dur("interval", i.cfg.Interval).
		Dur("window", i.cfg.Window).
		Int("limit", i.cfg.Limit).
		Msg("ingester: started")
	go i.run()
}

// Stop stops the periodic mode and waits for it to exit.
func (i *Ingester) Stop() {
	if !i.started {
		return
	}
	i.stopOnce.Do(func() {
		close(i.stopChan)
		<-i.doneChan
		i.logger.Info().Msg("ingester: stopped")
	})
}

func (i *Ingester) run() {
	defer close(i.doneChan)

	ticker := time.NewTicker(i.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), i.cfg.Interval)
			if _, err := i.Sweep(ctx); err != nil {
				i.logger.Error().Err(err).Msg("ingester: sweep failed")
			}
			cancel()
		case <-i.stopChan:
			return
		}
	}
}

// Package poller re-checks pending payments for gateways that cannot push
// confirmations. It runs only while such payments exist.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/settlement"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval             = 60 * time.Second
	DefaultRecheckExpiredWindow = 24 * time.Hour

	checkTimeout = 30 * time.Second
)

// Lister reads the records a cycle works on.
type Lister interface {
	ListByStatus(ctx context.Context, method storage.Method, status storage.Status) ([]storage.Payment, error)
	ListExpiredSince(ctx context.Context, method storage.Method, since time.Time) ([]storage.Payment, error)
}

// Checker confirms a payment when its gateway reports it settled.
type Checker interface {
	CheckPayment(ctx context.Context, paymentID string) (settlement.CheckResult, error)
}

// Sweeper ingests fresh on-chain transfers before the checks run.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config controls what a cycle checks and how often.
type Config struct {
	Interval time.Duration
	// Methods are checked while pending.
	Methods []storage.Method
	// RecheckExpired methods are also checked for RecheckExpiredWindow after
	// they expire locally, since the provider's own timeout is longer.
	RecheckExpired       []storage.Method
	RecheckExpiredWindow time.Duration
}

// Poller is the reconciliation loop. At most one loop runs at a time.
type Poller struct {
	cfg     Config
	store   Lister
	checker Checker
	sweeper Sweeper
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	running  atomic.Bool
	inflight sync.Map

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped poller. sweeper may be nil when no on-chain gateway is enabled.
func New(cfg Config, store Lister, checker Checker, sweeper Sweeper, m *metrics.Metrics, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RecheckExpiredWindow <= 0 {
		cfg.RecheckExpiredWindow = DefaultRecheckExpiredWindow
	}
	return &Poller{
		cfg:     cfg,
		store:   store,
		checker: checker,
		sweeper: sweeper,
		metrics: m,
		logger:  log.With().Str("component", "poller").Logger(),
		now:     time.Now,
	}
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// EnsureRunning starts the loop unless it is already running.
func (p *Poller) EnsureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.running.CompareAndSwap(false, true) {
		return
	}
	p.start()
}

// start launches the loop goroutine; p.mu must be held and running set.
func (p *Poller) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.metrics.SetPollerRunning(true)
	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("poller: started")
	go p.run(ctx, done)
}

// Stop cancels the loop and waits for it. EnsureRunning is a no-op afterwards.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		eligible, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("poller: cycle failed")
		}
		if err == nil && eligible == 0 && p.idle(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			p.running.Store(false)
			p.metrics.SetPollerRunning(false)
			return
		case <-ticker.C:
		}
	}
}

// idle clears the running flag when nothing is left to check. A payment
// created between the last listing and the flag flip is caught by the
// re-check, so it is never left without a poller.
func (p *Poller) idle(ctx context.Context) bool {
	p.running.Store(false)
	p.metrics.SetPollerRunning(false)

	n, err := p.eligible(ctx)
	if err == nil && n > 0 && p.running.CompareAndSwap(false, true) {
		p.metrics.SetPollerRunning(true)
		return false
	}
	p.logger.Info().Msg("poller: no pending payments, stopped")
	return true
}

func (p *Poller) eligible(ctx context.Context) (int, error) {
	pending, expired, err := p.candidates(ctx)
	return len(pending) + len(expired), err
}

func (p *Poller) candidates(ctx context.Context) (pending, expired []storage.Payment, err error) {
	for _, method := range p.cfg.Methods {
		list, listErr := p.store.ListByStatus(ctx, method, storage.StatusPending)
		if listErr != nil {
			return nil, nil, listErr
		}
		pending = append(pending, list...)
	}
	since := p.now().Add(-p.cfg.RecheckExpiredWindow)
	for _, method := range p.cfg.RecheckExpired {
		list, listErr := p.store.ListExpiredSince(ctx, method, since)
		if listErr != nil {
			return nil, nil, listErr
		}
		expired = append(expired, list...)
	}
	return pending, expired, nil
}

// RunOnce runs a single cycle and returns the number of eligible records.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	p.metrics.ObservePollerCycle()

	if p.sweeper != nil {
		if n, err := p.sweeper.Sweep(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("poller: ingester sweep failed")
		} else if n > 0 {
			p.logger.Debug().Int("inserted", n).Msg("poller: ingested transfers")
		}
	}

	pending, expired, err := p.candidates(ctx)
	if err != nil {
		return 0, err
	}
	for _, pay := range append(pending, expired...) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.check(ctx, pay)
	}
	return len(pending) + len(expired), nil
}

// check runs CheckPayment unless a check of the same payment is already in flight.
func (p *Poller) check(ctx context.Context, pay storage.Payment) {
	method := string(pay.Method)
	if _, busy := p.inflight.LoadOrStore(pay.ID, struct{}{}); busy {
		p.metrics.ObservePollerCheck(method, "skipped")
		return
	}
	defer p.inflight.Delete(pay.ID)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	res, err := p.checker.CheckPayment(ctx, pay.ID)
	switch {
	case err != nil:
		p.metrics.ObservePollerCheck(method, "error")
		log := logger.ForPayment(p.logger, pay.ID, method)
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Warn().Err(err).Str("status", string(pay.Status)).Msg("poller: check failed")
	case res.Confirmed:
		p.metrics.ObservePollerCheck(method, "confirmed")
		log := logger.ForPayment(p.logger, pay.ID, method)
		log.Info().
			Str("status", string(pay.Status)).
			Msg("poller: payment confirmed")
	default:
		p.metrics.ObservePollerCheck(method, "pending")
	}
}

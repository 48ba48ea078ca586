// Package settlement owns the payment lifecycle: creating intents through a
// gateway adapter, the atomic pending -> confirmed transition that credits a
// balance exactly once, cancellation and entitlement purchases.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/cache"
	"github.com/CedrosPay/settlement/internal/callbacks"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/journal"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Metadata keys written by the manager.
const (
	metaDisplayURL   = "display_url"
	metaDisplayText  = "display_text"
	metaCancelReason = "cancel_reason"
	metaRecovered    = "recovered"
)

// Poller is started whenever a payment that needs polling is created.
type Poller interface {
	EnsureRunning()
}

// Config holds the settlement rules.
type Config struct {
	Currency       string
	PaymentTimeout time.Duration
	GraceWindow    time.Duration // expired payments can be recovered this long after CreatedAt
	MinAmount      int64
	MaxAmount      int64
	Plans          []config.Plan
}

// ConfigFrom maps the settlement section of the application config.
func ConfigFrom(cfg config.SettlementConfig) Config {
	return Config{
		Currency:       cfg.Currency,
		PaymentTimeout: cfg.PaymentTimeout.Duration,
		GraceWindow:    cfg.ExpiredGraceWindow.Duration,
		MinAmount:      cfg.MinAmount,
		MaxAmount:      cfg.MaxAmount,
		Plans:          cfg.Plans,
	}
}

// Manager implements gateway.Confirmer.
type Manager struct {
	store    storage.Store
	registry *gateway.Registry
	cfg      Config

	notifier callbacks.Notifier
	journal  journal.Journal
	balances cache.BalanceCache
	poller   Poller
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	now   func() time.Time
	newID func() string
}

// Option customizes the manager.
type Option func(*Manager)

// WithNotifier sets the outbound event notifier.
func WithNotifier(n callbacks.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithJournal sets the settlement journal.
func WithJournal(j journal.Journal) Option {
	return func(m *Manager) {
		if j != nil {
			m.journal = j
		}
	}
}

// WithBalanceCache sets the balance cache invalidated after every credit.
func WithBalanceCache(c cache.BalanceCache) Option {
	return func(m *Manager) {
		if c != nil {
			m.balances = c
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the payment id generator.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates a manager over store and the registered adapters.
func NewManager(store storage.Store, registry *gateway.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 15 * time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	m := &Manager{
		store:    store,
		registry: registry,
		cfg:      cfg,
		notifier: callbacks.NoopNotifier{},
		journal:  journal.Noop{},
		balances: cache.Noop{},
		logger:   zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPoller wires the reconciliation poller. The poller depends on the
// manager, so it is attached after construction.
func (m *Manager) SetPoller(p Poller) {
	m.poller = p
}

// CreateInput is a top-up request from the front-end.
type CreateInput struct {
	UserID      int64
	Method      storage.Method
	Amount      int64
	ChannelHint string
	ForceNew    bool
}

// Created is a persisted payment with what the user needs to complete it.
type Created struct {
	Payment storage.Payment
	Display gateway.DisplayPayload
}

// CreatePayment persists a pending payment and registers it with the gateway.
// Without ForceNew an existing active payment yields *ActivePaymentError.
// With ForceNew the active payment is cancelled first when the provider
// confirms it is unpaid; otherwise it stays pending and is settled normally.
func (m *Manager) CreatePayment(ctx context.Context, in CreateInput) (Created, error) {
	if in.UserID <= 0 {
		return Created{}, ErrInvalidUser
	}
	if in.Amount < m.cfg.MinAmount || (m.cfg.MaxAmount > 0 && in.Amount > m.cfg.MaxAmount) || in.Amount <= 0 {
		return Created{}, fmt.Errorf("%w: %d not within [%d, %d]", ErrInvalidAmount, in.Amount, m.cfg.MinAmount, m.cfg.MaxAmount)
	}
	adapter, ok := m.registry.Get(in.Method)
	if !ok {
		return Created{}, fmt.Errorf("%w: %q", ErrInvalidMethod, in.Method)
	}

	if in.ForceNew {
		m.cancelActive(ctx, in.UserID)
	}

	now := m.now()
	p := storage.Payment{
		ID:        m.newID(),
		UserID:    in.UserID,
		Method:    in.Method,
		Amount:    in.Amount,
		Status:    storage.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.PaymentTimeout),
	}
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockUser(ctx, in.UserID); err != nil {
			return err
		}
		active, err := tx.FindActivePending(ctx, in.UserID, now)
		switch {
		case err == nil && !in.ForceNew:
			return &ActivePaymentError{
				PaymentID: active.ID,
				Amount:    active.Amount,
				Method:    active.Method,
				ExpiresAt: active.ExpiresAt,
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return Created{}, storeErr("create payment", err)
	}

	log := logger.ForPayment(m.logger, p.ID, string(p.Method))
	req := &gateway.CreateRequest{Payment: p, ChannelHint: in.ChannelHint}
	display, err := adapter.Create(ctx, req)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", p.UserID).Msg("settlement.create_gateway_failed")
		if cerr := m.cancelLocal(context.WithoutCancel(ctx), p.ID, "create_failed"); cerr != nil {
			log.Error().Err(cerr).Msg("settlement.create_rollback_failed")
		}
		return Created{}, fmt.Errorf("create %s payment: %w", p.Method, err)
	}

	updated := req.Payment
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]string)
	}
	if display.URL != "" {
		updated.Metadata[metaDisplayURL] = display.URL
	}
	if display.Text != "" {
		updated.Metadata[metaDisplayText] = display.Text
	}
	var stored storage.Payment
	err = m.store.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		cur.Memo = updated.Memo
		cur.QuotedAmount = updated.QuotedAmount
		cur.QuoteAsset = updated.QuoteAsset
		cur.Metadata = mergeMetadata(cur.Metadata, updated.Metadata)
		cur.UpdatedAt = m.now()
		stored = cur
		return tx.UpdatePayment(ctx, cur)
	})
	if err != nil {
		// Without the memo, quote or provider id the record cannot be matched; void it on both sides.
		log.Error().Err(err).Int64("user_id", p.UserID).Msg("settlement.create_persist_failed")
		rollbackCtx := context.WithoutCancel(ctx)
		if cerr := adapter.Cancel(rollbackCtx, updated); cerr != nil && !errors.Is(cerr, gateway.ErrCancelUnsupported) {
			log.Warn().Err(cerr).Msg("settlement.remote_cancel_failed")
		}
		if cerr := m.cancelLocal(rollbackCtx, p.ID, "persist_failed"); cerr != nil {
			log.Error().Err(cerr).Msg("settlement.create_rollback_failed")
		}
		return Created{}, storeErr("persist gateway details", err)
	}

	m.metrics.ObservePaymentCreated(string(p.Method))
	log.Info().
		Int64("user_id", p.UserID).
		Int64("amount", p.Amount).
		Int64("quoted", stored.QuotedAmount).
		Str("quote_asset", stored.QuoteAsset).
		Time("expires_at", p.ExpiresAt).
		Msg("settlement.payment_created")

	if adapter.RequiresPolling() && m.poller != nil {
		m.poller.EnsureRunning()
	}

	display.Method = stored.Method
	display.PaymentID = stored.ID
	display.Amount = stored.Amount
	display.ExpiresAt = stored.ExpiresAt
	return Created{Payment: stored, Display: display}, nil
}

// cancelActive cancels the user's active payment ahead of a forced new one.
// Failures leave it pending.
func (m *Manager) cancelActive(ctx context.Context, userID int64) {
	var active storage.Payment
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		active, err = tx.FindActivePending(ctx, userID, m.now())
		return err
	})
	if err != nil {
		return
	}
	if _, err := m.CancelPayment(ctx, active.ID, userID); err != nil {
		m.logger.Info().
			Err(err).
			Str("payment_id", active.ID).
			Int64("user_id", userID).
			Msg("settlement.force_new_kept_active")
	}
}

// ContinuePayment returns the user's active payment with its display payload.
func (m *Manager) ContinuePayment(ctx context.Context, userID int64) (Created, error) {
	var active storage.Payment
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		active, err = tx.FindActivePending(ctx, userID, m.now())
		return err
	})
	if err != nil {
		return Created{}, storeErr("find active payment", err)
	}
	return Created{Payment: active, Display: DisplayFor(active)}, nil
}

// DisplayFor rebuilds the display payload of a persisted payment.
func DisplayFor(p storage.Payment) gateway.DisplayPayload {
	d := gateway.DisplayPayload{
		Method:       p.Method,
		PaymentID:    p.ID,
		Amount:       p.Amount,
		Memo:         p.Memo,
		QuotedAmount: p.QuotedAmount,
		QuoteAsset:   p.QuoteAsset,
		ExpiresAt:    p.ExpiresAt,
	}
	if p.Metadata != nil {
		d.URL = p.Metadata[metaDisplayURL]
		d.Text = p.Metadata[metaDisplayText]
		d.Address = p.Metadata["wallet"]
	}
	return d
}

// GetPayment returns a payment by id.
func (m *Manager) GetPayment(ctx context.Context, id string) (storage.Payment, error) {
	p, err := m.store.GetPayment(ctx, id)
	return p, storeErr("get payment", err)
}

// cancelLocal moves a pending payment to cancelled without contacting the provider.
func (m *Manager) cancelLocal(ctx context.Context, id, reason string) error {
	var cancelled storage.Payment
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != storage.StatusPending {
			return ErrNotPending
		}
		p.Status = storage.StatusCancelled
		p.UpdatedAt = m.now()
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		p.Metadata[metaCancelReason] = reason
		cancelled = p
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return storeErr("cancel payment", err)
	}
	m.metrics.ObservePaymentCancelled(string(cancelled.Method), reason)
	return nil
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// methodName is the metric label for a payment method.
func methodName(m storage.Method) string {
	if m == "" {
		return "unknown"
	}
	return strings.ToLower(string(m))
}

package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/journal"
	"github.com/CedrosPay/settlement/internal/storage"
)

// Account is a user's balance and entitlement.
type Account struct {
	UserID               int64      `json:"user_id"`
	Balance              int64      `json:"balance"`
	Currency             string     `json:"currency"`
	EntitlementExpiresAt *time.Time `json:"entitlement_expires_at,omitempty"`
	HasActiveEntitlement bool       `json:"has_active_entitlement"`
}

// Balance returns the user's account. Unknown users have an empty account.
func (m *Manager) Balance(ctx context.Context, userID int64) (Account, error) {
	if userID <= 0 {
		return Account{}, ErrInvalidUser
	}
	u, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Account{UserID: userID, Currency: m.cfg.Currency}, nil
	}
	if err != nil {
		return Account{}, storeErr("get user", err)
	}
	m.balances.SetBalance(ctx, userID, u.Balance)
	return m.account(u), nil
}

func (m *Manager) account(u storage.User) Account {
	return Account{
		UserID:               u.ID,
		Balance:              u.Balance,
		Currency:             m.cfg.Currency,
		EntitlementExpiresAt: u.EntitlementExpiresAt,
		HasActiveEntitlement: u.HasActiveEntitlement(m.now()),
	}
}

// Purchase debits the plan price and extends the user's entitlement by the
// plan length, starting from the current expiry while it is still active.
func (m *Manager) Purchase(ctx context.Context, userID int64, planID string) (Account, error) {
	if userID <= 0 {
		return Account{}, ErrInvalidUser
	}
	plan, ok := config.SettlementConfig{Plans: m.cfg.Plans}.PlanByID(planID)
	if !ok {
		return Account{}, ErrInvalidPlan
	}

	var updated storage.User
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		balance, err := tx.DebitBalance(ctx, userID, plan.Price)
		if err != nil {
			return err
		}
		now := m.now()
		start := now
		if u.HasActiveEntitlement(now) {
			start = *u.EntitlementExpiresAt
		}
		until := start.AddDate(0, 0, plan.Days)
		if err := tx.SetEntitlement(ctx, userID, until); err != nil {
			return err
		}
		u.Balance = balance
		u.EntitlementExpiresAt = &until
		updated = u
		return nil
	})
	if err != nil {
		return Account{}, storeErr("purchase", err)
	}

	if err := m.balances.InvalidateBalance(context.WithoutCancel(ctx), userID); err != nil {
		m.logger.Warn().Err(err).Int64("user_id", userID).Msg("settlement.cache_invalidate_failed")
	}
	m.logger.Info().
		Int64("user_id", userID).
		Str("plan", plan.ID).
		Int64("price", plan.Price).
		Time("until", *updated.EntitlementExpiresAt).
		Msg("settlement.entitlement_purchased")
	return m.account(updated), nil
}

// History lists the user's credited payments from the journal, newest first.
func (m *Manager) History(ctx context.Context, userID int64, limit int) ([]journal.Entry, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	return m.journal.ListByUser(ctx, userID, limit)
}

package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/CedrosPay/settlement/internal/callbacks"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/journal"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/storage"
)

// ConfirmPayment performs the single atomic pending -> confirmed transition
// and credits the payment's amount to the user. Locks are taken payment
// first, user second. A payment already confirmed yields Credited=false and
// no error, so concurrent confirmation paths converge on one credit.
func (m *Manager) ConfirmPayment(ctx context.Context, req gateway.ConfirmRequest) (gateway.ConfirmResult, error) {
	if req.PaymentID == "" || req.ExternalRef == "" {
		return gateway.ConfirmResult{}, fmt.Errorf("settlement: confirm requires payment id and external ref")
	}

	var (
		res       gateway.ConfirmResult
		user      storage.User
		recovered bool
		reason    string
	)
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.LockPayment(ctx, req.PaymentID)
		if err != nil {
			reason = "not_found"
			return err
		}
		now := m.now()

		switch p.Status {
		case storage.StatusConfirmed:
			res = gateway.ConfirmResult{Payment: p}
			return nil
		case storage.StatusPending:
		case storage.StatusExpired:
			if !req.AllowExpiredRecovery {
				reason = "expired"
				return ErrNotPending
			}
			if m.cfg.GraceWindow <= 0 || now.Sub(p.CreatedAt) > m.cfg.GraceWindow {
				reason = "recovery_closed"
				return ErrRecoveryWindowClosed
			}
			recovered = true
		default:
			reason = string(p.Status)
			return ErrNotPending
		}

		if p.ConfirmationRef != "" {
			reason = "ref_set"
			return ErrReferenceUsed
		}
		used, err := tx.ConfirmationRefUsed(ctx, req.ExternalRef)
		if err != nil {
			return err
		}
		if used {
			reason = "ref_used"
			return fmt.Errorf("%w: %w", ErrReferenceUsed, storage.ErrDuplicateReference)
		}
		if req.ClaimTxHash != "" {
			if err := tx.ClaimCandidate(ctx, req.ClaimTxHash, p.ID); err != nil {
				reason = "candidate_claimed"
				return err
			}
		}

		u, err := tx.LockUser(ctx, p.UserID)
		if err != nil {
			return err
		}

		p.Status = storage.StatusConfirmed
		p.ConfirmationRef = req.ExternalRef
		p.ConfirmedAt = &now
		p.UpdatedAt = now
		if recovered {
			if p.Metadata == nil {
				p.Metadata = make(map[string]string)
			}
			p.Metadata[metaRecovered] = "true"
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			reason = "ref_used"
			if errors.Is(err, storage.ErrDuplicateReference) {
				return fmt.Errorf("%w: %w", ErrReferenceUsed, err)
			}
			return err
		}
		balance, err := tx.CreditBalance(ctx, p.UserID, p.Amount)
		if err != nil {
			return err
		}
		u.Balance = balance
		user = u
		res = gateway.ConfirmResult{Payment: p, Credited: true, Balance: balance}
		return nil
	})
	if err != nil {
		if reason != "" {
			m.metrics.ObserveConfirmRejected(methodName(m.methodOf(ctx, req.PaymentID)), reason)
		}
		return gateway.ConfirmResult{}, storeErr("confirm payment", err)
	}

	if res.Credited {
		m.afterCredit(context.WithoutCancel(ctx), res.Payment, user, recovered, req.Amount)
	}
	return res, nil
}

func (m *Manager) methodOf(ctx context.Context, id string) storage.Method {
	p, err := m.store.GetPayment(ctx, id)
	if err != nil {
		return ""
	}
	return p.Method
}

// afterCredit runs the post-commit hooks. None of them can undo the credit.
func (m *Manager) afterCredit(ctx context.Context, p storage.Payment, u storage.User, recovered bool, reported int64) {
	log := logger.ForPayment(m.logger, p.ID, string(p.Method))
	confirmedAt := m.now()
	if p.ConfirmedAt != nil {
		confirmedAt = *p.ConfirmedAt
	}

	if err := m.balances.InvalidateBalance(ctx, p.UserID); err != nil {
		log.Warn().Err(err).Int64("user_id", p.UserID).Msg("settlement.cache_invalidate_failed")
	}

	m.notifier.PaymentConfirmed(ctx, callbacks.SettlementEvent{
		PaymentID:            p.ID,
		UserID:               p.UserID,
		Method:               string(p.Method),
		Amount:               p.Amount,
		Currency:             m.cfg.Currency,
		Balance:              u.Balance,
		HasActiveEntitlement: u.HasActiveEntitlement(confirmedAt),
		ConfirmationRef:      p.ConfirmationRef,
		Recovered:            recovered,
		ConfirmedAt:          confirmedAt,
	})

	if err := m.journal.Record(ctx, journal.Entry{
		PaymentID:       p.ID,
		UserID:          p.UserID,
		Method:          string(p.Method),
		Amount:          p.Amount,
		Currency:        m.cfg.Currency,
		BalanceAfter:    u.Balance,
		ConfirmationRef: p.ConfirmationRef,
		Recovered:       recovered,
		ConfirmedAt:     confirmedAt,
	}); err != nil {
		log.Warn().Err(err).Msg("settlement.journal_failed")
	}

	m.metrics.ObservePaymentConfirmed(string(p.Method), m.cfg.Currency, p.Amount, recovered, confirmedAt.Sub(p.CreatedAt))
	log.Info().
		Int64("user_id", p.UserID).
		Int64("amount", p.Amount).
		Int64("reported_amount", reported).
		Int64("balance", u.Balance).
		Str("ref", logger.TruncateAddress(p.ConfirmationRef)).
		Bool("recovered", recovered).
		Msg("settlement.payment_confirmed")
}

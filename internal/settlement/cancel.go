package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/storage"
)

// CancelPayment cancels a pending payment on behalf of userID (0 skips the
// ownership check). A payment the provider already settled is confirmed
// instead and ErrRemoteSucceeded is returned with the confirmed record.
func (m *Manager) CancelPayment(ctx context.Context, paymentID string, userID int64) (storage.Payment, error) {
	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return storage.Payment{}, storeErr("get payment", err)
	}
	if userID != 0 && p.UserID != userID {
		return storage.Payment{}, ErrPayerMismatch
	}
	if p.Status != storage.StatusPending {
		return p, ErrNotPending
	}
	adapter, ok := m.registry.Get(p.Method)
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrInvalidMethod, p.Method)
	}
	log := logger.ForPayment(m.logger, p.ID, string(p.Method))

	settled, err := m.settleBeforeCancel(ctx, adapter, p)
	if err != nil {
		return p, err
	}
	if settled {
		return m.remoteSucceeded(ctx, p.ID)
	}

	if err := adapter.Cancel(ctx, p); err != nil && !errors.Is(err, gateway.ErrCancelUnsupported) {
		log.Warn().Err(err).Msg("settlement.remote_cancel_failed")
		// The provider may have refused because the payment just completed.
		settled, recheckErr := m.settleBeforeCancel(ctx, adapter, p)
		if recheckErr != nil {
			return p, fmt.Errorf("remote cancel failed: %w", err)
		}
		if settled {
			return m.remoteSucceeded(ctx, p.ID)
		}
	}

	if err := m.cancelLocal(ctx, p.ID, "user"); err != nil {
		if errors.Is(err, ErrNotPending) {
			cur, getErr := m.store.GetPayment(ctx, p.ID)
			if getErr == nil && cur.Status == storage.StatusConfirmed {
				return cur, ErrRemoteSucceeded
			}
		}
		return p, err
	}
	log.Info().Int64("user_id", p.UserID).Msg("settlement.payment_cancelled")

	cur, err := m.store.GetPayment(ctx, p.ID)
	return cur, storeErr("get payment", err)
}

// settleBeforeCancel reports whether the provider already settled p, confirming
// it when so. Hosted providers are asked for their remote state; the others
// run a regular check so an already ingested transfer is not lost.
func (m *Manager) settleBeforeCancel(ctx context.Context, adapter gateway.Adapter, p storage.Payment) (bool, error) {
	reporter, ok := adapter.(gateway.StatusReporter)
	if !ok {
		confirmed, err := adapter.Check(ctx, p, m)
		if err != nil {
			return false, err
		}
		return confirmed, nil
	}

	st, err := reporter.RemoteStatus(ctx, p)
	if err != nil {
		return false, fmt.Errorf("check remote status before cancel: %w", err)
	}
	switch st.State {
	case gateway.RemotePaid:
		_, err := m.ConfirmPayment(ctx, gateway.ConfirmRequest{
			PaymentID:            p.ID,
			ExternalRef:          st.ExternalRef,
			Amount:               p.Amount,
			AllowExpiredRecovery: true,
		})
		if err != nil {
			return false, err
		}
		return true, nil
	case gateway.RemotePending, gateway.RemoteExpired:
		return false, nil
	default:
		return false, ErrRemoteStateUnknown
	}
}

func (m *Manager) remoteSucceeded(ctx context.Context, id string) (storage.Payment, error) {
	cur, err := m.store.GetPayment(ctx, id)
	if err != nil {
		return storage.Payment{}, storeErr("get payment", err)
	}
	m.logger.Info().Str("payment_id", id).Msg("settlement.cancel_refused_remote_paid")
	return cur, ErrRemoteSucceeded
}

// CheckResult is the outcome of CheckPayment.
type CheckResult struct {
	Payment storage.Payment
	// Confirmed is true only for the call that credited the payment. A payment
	// confirmed earlier or by a concurrent check reports false; Payment.Status
	// still shows it confirmed.
	Confirmed bool
}

// CheckPayment asks the payment's adapter to look for a settlement.
func (m *Manager) CheckPayment(ctx context.Context, paymentID string) (CheckResult, error) {
	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return CheckResult{}, storeErr("get payment", err)
	}
	if p.Status == storage.StatusConfirmed {
		return CheckResult{Payment: p}, nil
	}
	if p.Status != storage.StatusPending && p.Status != storage.StatusExpired {
		return CheckResult{Payment: p}, nil
	}
	adapter, ok := m.registry.Get(p.Method)
	if !ok {
		return CheckResult{Payment: p}, fmt.Errorf("%w: %q", ErrInvalidMethod, p.Method)
	}

	confirmed, err := adapter.Check(ctx, p, m)
	if err != nil {
		return CheckResult{Payment: p}, err
	}
	if confirmed {
		if cur, err := m.store.GetPayment(ctx, p.ID); err == nil {
			p = cur
		}
	}
	return CheckResult{Payment: p, Confirmed: confirmed}, nil
}

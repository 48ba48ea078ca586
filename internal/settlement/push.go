package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/stars"
	"github.com/CedrosPay/settlement/internal/storage"
)

// PushConfirmation is a successful in-chat payment reported by the chat platform.
type PushConfirmation struct {
	ChargeID    string // platform charge id, becomes the confirmation reference
	UserID      int64  // the payer as seen by the platform
	AmountUnits int64  // stars paid
	Currency    string
	Payload     string // invoice payload issued at creation
}

// PreCheckout is the platform's question whether an in-chat invoice may be charged.
type PreCheckout struct {
	UserID      int64
	AmountUnits int64
	Currency    string
	Payload     string
}

// ConfirmPush confirms a push-confirmed payment after checking that the payer
// owns it and paid the issued quote. A payment that expired while the user was
// in the payment sheet is recovered inside the grace window.
func (m *Manager) ConfirmPush(ctx context.Context, in PushConfirmation) (gateway.ConfirmResult, error) {
	if in.ChargeID == "" {
		return gateway.ConfirmResult{}, fmt.Errorf("%w: missing charge id", ErrInvalidPayload)
	}
	p, err := m.pushTarget(ctx, in.Payload, in.UserID, in.AmountUnits, in.Currency)
	if err != nil {
		return gateway.ConfirmResult{}, err
	}
	return m.ConfirmPayment(ctx, gateway.ConfirmRequest{
		PaymentID:            p.ID,
		ExternalRef:          stars.Ref(in.ChargeID),
		Amount:               p.Amount,
		AllowExpiredRecovery: true,
	})
}

// ValidatePreCheckout accepts the charge only for a pending, unexpired payment
// owned by the payer whose amount is within bounds and matches the invoice.
func (m *Manager) ValidatePreCheckout(ctx context.Context, in PreCheckout) error {
	p, err := m.pushTarget(ctx, in.Payload, in.UserID, in.AmountUnits, in.Currency)
	if err != nil {
		return err
	}
	if p.Status != storage.StatusPending || p.IsExpiredAt(m.now()) {
		return ErrNotPending
	}
	if p.Amount < m.cfg.MinAmount || (m.cfg.MaxAmount > 0 && p.Amount > m.cfg.MaxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

func (m *Manager) pushTarget(ctx context.Context, payload string, payer, units int64, currency string) (storage.Payment, error) {
	owner, paymentID, err := stars.ParsePayload(payload)
	if err != nil {
		return storage.Payment{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if owner != payer {
		return storage.Payment{}, ErrPayerMismatch
	}
	p, err := m.store.GetPayment(ctx, paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Payment{}, fmt.Errorf("%w: unknown payment %s", ErrInvalidPayload, paymentID)
	}
	if err != nil {
		return storage.Payment{}, storeErr("get payment", err)
	}
	if p.UserID != payer {
		return storage.Payment{}, ErrPayerMismatch
	}
	if p.Method != storage.MethodStars {
		return storage.Payment{}, fmt.Errorf("%w: payment %s is %s", ErrInvalidMethod, p.ID, p.Method)
	}
	if currency != "" && !strings.EqualFold(currency, stars.Currency) {
		return storage.Payment{}, fmt.Errorf("%w: currency %s", ErrAmountMismatch, currency)
	}
	if p.QuotedAmount > 0 && units != p.QuotedAmount {
		return storage.Payment{}, fmt.Errorf("%w: paid %d, invoiced %d", ErrAmountMismatch, units, p.QuotedAmount)
	}
	return p, nil
}

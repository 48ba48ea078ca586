// Package gateway defines the contract every payment method implements and
// the error classification shared by the adapters.
package gateway

import (
	"context"
	"time"

	"github.com/CedrosPay/settlement/internal/storage"
)

// Adapter is a payment method.
type Adapter interface {
	Method() storage.Method
	// RequiresPolling reports whether confirmation is discovered by the
	// reconciliation poller rather than pushed by the provider.
	RequiresPolling() bool
	// Create registers the payment with the provider. It may fill Memo,
	// QuotedAmount, QuoteAsset and Metadata on req.Payment; the caller persists them.
	Create(ctx context.Context, req *CreateRequest) (DisplayPayload, error)
	// Check asks the provider whether the payment settled and, if so, confirms it
	// through c. It reports whether this call credited the payment; a payment
	// confirmed by a concurrent path yields false.
	Check(ctx context.Context, p storage.Payment, c Confirmer) (bool, error)
	// Cancel voids the payment on the provider side. Returns ErrCancelUnsupported
	// when the provider has nothing to void.
	Cancel(ctx context.Context, p storage.Payment) error
}

// StatusReporter is implemented by hosted adapters that can report the remote
// state of a payment without confirming it.
type StatusReporter interface {
	RemoteStatus(ctx context.Context, p storage.Payment) (RemoteStatus, error)
}

// RemoteState is the provider-side state of a payment.
type RemoteState string

const (
	RemotePending RemoteState = "pending"
	RemotePaid    RemoteState = "paid"
	RemoteExpired RemoteState = "expired"
	RemoteUnknown RemoteState = "unknown"
)

// RemoteStatus is what a hosted provider reports for a payment.
type RemoteStatus struct {
	State       RemoteState
	ExternalRef string
}

// CreateRequest carries the persisted pending payment to the adapter.
type CreateRequest struct {
	Payment     storage.Payment
	ChannelHint string // chat id for in-chat invoices
}

// DisplayPayload is what the front-end shows the user to complete a payment.
type DisplayPayload struct {
	Method       storage.Method `json:"method"`
	PaymentID    string         `json:"payment_id"`
	Amount       int64          `json:"amount"`
	URL          string         `json:"url,omitempty"`
	Address      string         `json:"address,omitempty"`
	Memo         string         `json:"memo,omitempty"`
	QuotedAmount int64          `json:"quoted_amount,omitempty"`
	QuoteAsset   string         `json:"quote_asset,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Text         string         `json:"text,omitempty"`
}

// ConfirmRequest asks for an atomic pending -> confirmed transition.
type ConfirmRequest struct {
	PaymentID   string
	ExternalRef string
	// Amount is the amount reported by the provider in settlement minor units,
	// used only for logging; the credit is always the payment's own amount.
	Amount int64
	// AllowExpiredRecovery permits confirming an expired payment inside the grace window.
	AllowExpiredRecovery bool
	// ClaimTxHash binds an on-chain candidate to the payment in the same transaction.
	ClaimTxHash string
}

// ConfirmResult is the outcome of a confirmation.
type ConfirmResult struct {
	Payment  storage.Payment
	Credited bool
	Balance  int64
}

// Confirmer performs the atomic confirmation. Implemented by the settlement manager.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)

// ConfirmPayment calls f.
func (f ConfirmerFunc) ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	return f(ctx, req)
}

// CheckRemote implements Adapter.Check for hosted providers: it confirms the
// payment when the provider reports it paid.
func CheckRemote(ctx context.Context, r StatusReporter, p storage.Payment, c Confirmer) (bool, error) {
	if p.Status == storage.StatusConfirmed {
		return false, nil
	}
	st, err := r.RemoteStatus(ctx, p)
	if err != nil {
		return false, err
	}
	if st.State != RemotePaid {
		return false, nil
	}
	res, err := c.ConfirmPayment(ctx, ConfirmRequest{
		PaymentID:            p.ID,
		ExternalRef:          st.ExternalRef,
		Amount:               p.Amount,
		AllowExpiredRecovery: p.Status == storage.StatusExpired,
	})
	if err != nil {
		return false, err
	}
	return res.Credited, nil
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/storage"
)

var (
	// Validation.
	ErrInvalidUser    = errors.New("settlement: invalid user id")
	ErrInvalidAmount  = errors.New("settlement: amount outside allowed bounds")
	ErrInvalidMethod  = errors.New("settlement: payment method not available")
	ErrInvalidPlan    = errors.New("settlement: unknown plan")
	ErrInvalidPayload = errors.New("settlement: invalid invoice payload")
	ErrPayerMismatch  = errors.New("settlement: payer does not own the payment")
	ErrAmountMismatch = errors.New("settlement: paid amount does not match the invoice")

	// Consistency.
	ErrNotFound             = storage.ErrNotFound
	ErrNotPending           = errors.New("settlement: payment is not pending")
	ErrReferenceUsed        = errors.New("settlement: confirmation reference already used")
	ErrRemoteSucceeded      = errors.New("settlement: payment already succeeded at the provider")
	ErrRecoveryWindowClosed = errors.New("settlement: expired payment is past the recovery window")
	ErrRemoteStateUnknown   = errors.New("settlement: provider state unknown")

	// ErrStore wraps unexpected ledger failures.
	ErrStore = errors.New("settlement: ledger failure")
)

// ActivePaymentError is returned by CreatePayment when the user already has a
// pending, unexpired payment and ForceNew was not set.
type ActivePaymentError struct {
	PaymentID string
	Amount    int64
	Method    storage.Method
	ExpiresAt time.Time
}

func (e *ActivePaymentError) Error() string {
	return fmt.Sprintf("settlement: active payment %s exists (%s, %d)", e.PaymentID, e.Method, e.Amount)
}

// known errors pass through storeErr unchanged.
var known = []error{
	ErrInvalidUser, ErrInvalidAmount, ErrInvalidMethod, ErrInvalidPlan, ErrInvalidPayload,
	ErrPayerMismatch, ErrAmountMismatch, ErrNotPending, ErrReferenceUsed,
	ErrRemoteSucceeded, ErrRecoveryWindowClosed,
	storage.ErrNotFound, storage.ErrDuplicateReference, storage.ErrCandidateClaimed,
	storage.ErrInsufficientBalance,
	gateway.ErrTransient, gateway.ErrTerminal,
	context.Canceled, context.DeadlineExceeded,
}

// storeErr classifies an error returned by a ledger call.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var active *ActivePaymentError
	if errors.As(err, &active) {
		return err
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

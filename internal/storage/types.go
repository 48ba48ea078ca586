package storage

import "time"

// Method identifies the gateway a payment is settled through.
type Method string

const (
	MethodOnChain   Method = "onchain"
	MethodCryptoPay Method = "cryptopay"
	MethodCard      Method = "card"
	MethodStars     Method = "stars"
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition is expected.
// Expired is not terminal: it can still be recovered within the grace window.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Payment is a single top-up intent. Amount is in minor units of the
// settlement currency, QuotedAmount in atomic units of QuoteAsset.
type Payment struct {
	ID              string
	UserID          int64
	Method          Method
	Amount          int64
	Status          Status
	Memo            string
	QuotedAmount    int64
	QuoteAsset      string
	ConfirmationRef string
	Metadata        map[string]string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ConfirmedAt     *time.Time
	UpdatedAt       time.Time
}

// IsExpiredAt reports whether the payment's deadline has passed.
func (p Payment) IsExpiredAt(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Candidate is an inbound on-chain transfer observed by the ingester,
// waiting to be matched to a payment by memo.
type Candidate struct {
	TxHash     string
	Sender     string
	Amount     int64 // lamports received by the settlement wallet
	Memo       string
	BlockTime  time.Time
	ClaimedBy  string // payment id, empty while unclaimed
	ClaimedAt  *time.Time
	ObservedAt time.Time
}

// User holds the spendable balance and the current entitlement.
type User struct {
	ID                   int64
	Balance              int64
	EntitlementExpiresAt *time.Time
	UpdatedAt            time.Time
}

// HasActiveEntitlement reports whether the user has access at now.
func (u User) HasActiveEntitlement(now time.Time) bool {
	return u.EntitlementExpiresAt != nil && u.EntitlementExpiresAt.After(now)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePayment(p Payment) Payment {
	p.Metadata = cloneMetadata(p.Metadata)
	if p.ConfirmedAt != nil {
		p.ConfirmedAt = ptrTime(*p.ConfirmedAt)
	}
	return p
}

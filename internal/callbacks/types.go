package callbacks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventPaymentConfirmed is the only settlement event type.
const EventPaymentConfirmed = "payment.confirmed"

// Notifier delivers settlement events to the configured consumer.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, event SettlementEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) PaymentConfirmed(context.Context, SettlementEvent) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event SettlementEvent)

// PaymentConfirmed calls f.
func (f NotifierFunc) PaymentConfirmed(ctx context.Context, event SettlementEvent) { f(ctx, event) }

// SettlementEvent tells the front-end that a user's balance was credited.
// EventID is the idempotency key; consumers MUST deduplicate on it.
type SettlementEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	PaymentID            string    `json:"paymentId"`
	UserID               int64     `json:"userId"`
	Method               string    `json:"method"`
	Amount               int64     `json:"amount"` // minor units of Currency
	Currency             string    `json:"currency"`
	Balance              int64     `json:"balance"`
	HasActiveEntitlement bool      `json:"hasActiveEntitlement"`
	ConfirmationRef      string    `json:"confirmationRef"`
	Recovered            bool      `json:"recovered,omitempty"`
	ConfirmedAt          time.Time `json:"confirmedAt"`
}

// ErrCallbackDisabled is returned when no settlement URL is configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// generateEventID returns "evt_" followed by 24 hex characters.
func generateEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// PrepareSettlementEvent fills the idempotency fields once. Values already set
// are preserved so a retried or redriven event keeps its identity.
func PrepareSettlementEvent(event *SettlementEvent) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventType == "" {
		event.EventType = EventPaymentConfirmed
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
	if event.ConfirmedAt.IsZero() {
		event.ConfirmedAt = event.EventTimestamp
	}
}

package stripe

import (
	"context"
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/money"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// RefPrefix prefixes the Checkout session id in confirmation references.
	RefPrefix = "stripe_"

	metaSessionID = "session_id"
)

// Sessions is the subset of Client used by the adapter.
type Sessions interface {
	CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (*stripeapi.CheckoutSession, error)
	GetSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error)
	ExpireSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error)
}

// Adapter is the hosted card gateway.
type Adapter struct {
	sessions    Sessions
	currency    string
	description string
	logger      zerolog.Logger
}

// NewAdapter creates the card adapter settling in currency.
func NewAdapter(sessions Sessions, currency, description string, log zerolog.Logger) *Adapter {
	return &Adapter{
		sessions:    sessions,
		currency:    currency,
		description: description,
		logger:      log.With().Str("gateway", string(storage.MethodCard)).Logger(),
	}
}

// Ref builds the confirmation reference for a Checkout session.
func Ref(sessionID string) string {
	return RefPrefix + sessionID
}

func (a *Adapter) Method() storage.Method { return storage.MethodCard }

func (a *Adapter) RequiresPolling() bool { return true }

// Create opens a Checkout session for the exact payment amount.
func (a *Adapter) Create(ctx context.Context, req *gateway.CreateRequest) (gateway.DisplayPayload, error) {
	p := &req.Payment

	asset, err := money.GetAsset(a.currency)
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Terminal(gatewayName, "create_session", err)
	}
	currency, err := asset.StripeCurrency()
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Terminal(gatewayName, "create_session", err)
	}

	sess, err := a.sessions.CreateCheckoutSession(ctx, CreateSessionRequest{
		PaymentID:   p.ID,
		UserID:      p.UserID,
		Amount:      p.Amount,
		Currency:    currency,
		Description: a.description,
	})
	if err != nil {
		return gateway.DisplayPayload{}, err
	}

	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[metaSessionID] = sess.ID

	return gateway.DisplayPayload{
		Method:    storage.MethodCard,
		PaymentID: p.ID,
		Amount:    p.Amount,
		URL:       sess.URL,
		ExpiresAt: p.ExpiresAt,
		Text:      fmt.Sprintf("Pay %s %s by card", money.New(asset, p.Amount).ToMajor(), asset.Code),
	}, nil
}

// RemoteStatus reports the Checkout session state.
func (a *Adapter) RemoteStatus(ctx context.Context, p storage.Payment) (gateway.RemoteStatus, error) {
	id := p.Metadata[metaSessionID]
	if id == "" {
		return gateway.RemoteStatus{State: gateway.RemoteUnknown}, nil
	}
	sess, err := a.sessions.GetSession(ctx, id)
	if err != nil {
		return gateway.RemoteStatus{}, err
	}
	return gateway.RemoteStatus{State: remoteState(sess), ExternalRef: Ref(id)}, nil
}

func remoteState(sess *stripeapi.CheckoutSession) gateway.RemoteState {
	if sess == nil {
		return gateway.RemoteUnknown
	}
	if string(sess.PaymentStatus) == "paid" {
		return gateway.RemotePaid
	}
	if string(sess.Status) == "expired" {
		return gateway.RemoteExpired
	}
	return gateway.RemotePending
}

// Check confirms the payment once the session is paid.
func (a *Adapter) Check(ctx context.Context, p storage.Payment, c gateway.Confirmer) (bool, error) {
	return gateway.CheckRemote(ctx, a, p, c)
}

// Cancel expires the Checkout session.
func (a *Adapter) Cancel(ctx context.Context, p storage.Payment) error {
	id := p.Metadata[metaSessionID]
	if id == "" {
		return gateway.ErrCancelUnsupported
	}
	if _, err := a.sessions.ExpireSession(ctx, id); err != nil {
		plog := logger.ForPayment(a.logger, p.ID, string(p.Method))
		plog.Warn().Err(err).Str("session_id", id).Msg("stripe.expire_session_failed")
		return err
	}
	return nil
}

// ConfirmFromWebhook confirms the payment named by a paid checkout event.
// Events for unpaid or unrelated sessions are ignored.
func (a *Adapter) ConfirmFromWebhook(ctx context.Context, event WebhookEvent, c gateway.Confirmer) (gateway.ConfirmResult, bool, error) {
	if !event.Paid() {
		return gateway.ConfirmResult{}, false, nil
	}
	if event.PaymentID == "" || event.SessionID == "" {
		return gateway.ConfirmResult{}, false, errors.New("stripe: webhook event missing payment or session id")
	}
	res, err := c.ConfirmPayment(ctx, gateway.ConfirmRequest{
		PaymentID:            event.PaymentID,
		ExternalRef:          Ref(event.SessionID),
		Amount:               event.AmountTotal,
		AllowExpiredRecovery: true,
	})
	if err != nil {
		return gateway.ConfirmResult{}, false, err
	}
	return res, true, nil
}

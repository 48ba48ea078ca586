package stars

import (
	"context"
	"fmt"
	"strconv"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/money"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/rs/zerolog"
)

// RefPrefix prefixes the Telegram charge id in confirmation references.
const RefPrefix = "stars_"

const metaPayload = "invoice_payload"

// API is the subset of Client used by the adapter.
type API interface {
	CreateInvoiceLink(ctx context.Context, params InvoiceParams) (string, error)
	SendInvoice(ctx context.Context, params InvoiceParams) error
}

// AdapterConfig configures the in-chat invoice adapter.
type AdapterConfig struct {
	Rate        float64 // settlement major units per star
	Currency    string
	Title       string
	Description string
}

// Adapter is the in-chat currency gateway. Confirmation is pushed by the
// chat platform, so Check never confirms on its own.
type Adapter struct {
	cfg    AdapterConfig
	api    API
	logger zerolog.Logger
}

// NewAdapter creates the adapter.
func NewAdapter(cfg AdapterConfig, api API, log zerolog.Logger) *Adapter {
	if cfg.Rate <= 0 {
		cfg.Rate = 1.35
	}
	if cfg.Title == "" {
		cfg.Title = "Balance top-up"
	}
	return &Adapter{
		cfg:    cfg,
		api:    api,
		logger: log.With().Str("gateway", string(storage.MethodStars)).Logger(),
	}
}

// Ref builds the confirmation reference for a Telegram charge.
func Ref(chargeID string) string {
	return RefPrefix + chargeID
}

// Rate returns the configured settlement price of one star.
func (a *Adapter) Rate() float64 { return a.cfg.Rate }

func (a *Adapter) Method() storage.Method { return storage.MethodStars }

func (a *Adapter) RequiresPolling() bool { return false }

// Create issues an XTR invoice. With a chat id hint the invoice is posted into
// the chat; otherwise an invoice link is returned.
func (a *Adapter) Create(ctx context.Context, req *gateway.CreateRequest) (gateway.DisplayPayload, error) {
	p := &req.Payment

	starsAmount := Amount(p.Amount, a.cfg.Rate)
	if starsAmount <= 0 {
		return gateway.DisplayPayload{}, gateway.Terminal(gatewayName, "invoice", fmt.Errorf("amount %d converts to zero stars", p.Amount))
	}
	major := strconv.FormatInt(p.Amount, 10)
	if asset, err := money.GetAsset(a.cfg.Currency); err == nil {
		major = money.New(asset, p.Amount).ToMajor() + " " + asset.Code
	}

	payload := BuildPayload(p.UserID, p.ID)
	params := InvoiceParams{
		Title:       a.cfg.Title,
		Description: firstNonEmpty(a.cfg.Description, "Top up your balance") + " (" + major + ")",
		Payload:     payload,
		Currency:    Currency,
		Prices:      []LabeledPrice{{Label: a.cfg.Title, Amount: starsAmount}},
	}

	display := gateway.DisplayPayload{
		Method:       storage.MethodStars,
		PaymentID:    p.ID,
		Amount:       p.Amount,
		QuotedAmount: starsAmount,
		QuoteAsset:   Currency,
		ExpiresAt:    p.ExpiresAt,
	}

	if req.ChannelHint != "" {
		chatID, err := strconv.ParseInt(req.ChannelHint, 10, 64)
		if err != nil {
			return gateway.DisplayPayload{}, gateway.Terminal(gatewayName, "sendInvoice", fmt.Errorf("invalid chat id %q", req.ChannelHint))
		}
		params.ChatID = chatID
		if err := a.api.SendInvoice(ctx, params); err != nil {
			return gateway.DisplayPayload{}, err
		}
		display.Text = fmt.Sprintf("Invoice for %d stars sent", starsAmount)
	} else {
		link, err := a.api.CreateInvoiceLink(ctx, params)
		if err != nil {
			return gateway.DisplayPayload{}, err
		}
		display.URL = link
		display.Text = fmt.Sprintf("Pay %d stars", starsAmount)
	}

	p.QuotedAmount = starsAmount
	p.QuoteAsset = Currency
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[metaPayload] = payload
	return display, nil
}

// Check reports the local state; stars payments are confirmed by push only.
func (a *Adapter) Check(context.Context, storage.Payment, gateway.Confirmer) (bool, error) {
	return false, nil
}

// Cancel has nothing to void: an issued Telegram invoice cannot be revoked.
// The pre-checkout query rejects payments that are no longer pending.
func (a *Adapter) Cancel(context.Context, storage.Payment) error {
	return gateway.ErrCancelUnsupported
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

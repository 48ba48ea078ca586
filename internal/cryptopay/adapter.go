package cryptopay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/money"
	"github.com/CedrosPay/settlement/internal/rates"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// RefPrefix prefixes the invoice id in confirmation references.
	RefPrefix = "cryptopay_"

	metaInvoiceID = "invoice_id"
)

// API is the subset of Client used by the adapter.
type API interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	DeleteInvoice(ctx context.Context, id int64) error
}

// AdapterConfig configures the hosted crypto invoice adapter.
type AdapterConfig struct {
	Asset       string // invoice asset, USDT by default
	Currency    string // settlement currency code
	Description string
}

// Adapter is the hosted crypto invoice gateway.
type Adapter struct {
	cfg    AdapterConfig
	api    API
	oracle rates.Oracle
	logger zerolog.Logger
	now    func() time.Time
}

// NewAdapter creates the adapter.
func NewAdapter(cfg AdapterConfig, api API, oracle rates.Oracle, log zerolog.Logger) *Adapter {
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	cfg.Asset = strings.ToUpper(cfg.Asset)
	if cfg.Description == "" {
		cfg.Description = "Balance top-up"
	}
	return &Adapter{
		cfg:    cfg,
		api:    api,
		oracle: oracle,
		logger: log.With().Str("gateway", string(storage.MethodCryptoPay)).Logger(),
		now:    time.Now,
	}
}

// Ref builds the confirmation reference for an invoice.
func Ref(invoiceID int64) string {
	return RefPrefix + strconv.FormatInt(invoiceID, 10)
}

func (a *Adapter) Method() storage.Method { return storage.MethodCryptoPay }

func (a *Adapter) RequiresPolling() bool { return true }

// Create converts the amount into the invoice asset and opens an invoice.
func (a *Adapter) Create(ctx context.Context, req *gateway.CreateRequest) (gateway.DisplayPayload, error) {
	p := &req.Payment

	settlement, err := money.GetAsset(a.cfg.Currency)
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Terminal(gatewayName, "quote", err)
	}
	price, err := a.oracle.Quote(ctx, a.cfg.Asset)
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Transient(gatewayName, "quote", err)
	}
	quoted, err := price.Convert(money.New(settlement, p.Amount), money.RoundingCeiling)
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Terminal(gatewayName, "quote", err)
	}

	expiresIn := int64(p.ExpiresAt.Sub(a.now()).Seconds())
	if expiresIn <= 0 {
		expiresIn = 60
	}
	inv, err := a.api.CreateInvoice(ctx, CreateInvoiceRequest{
		CurrencyType: "crypto",
		Asset:        a.cfg.Asset,
		Amount:       quoted.ToMajor(),
		Description:  fmt.Sprintf("%s %s %s", a.cfg.Description, money.New(settlement, p.Amount).ToMajor(), settlement.Code),
		Payload:      p.ID,
		ExpiresIn:    expiresIn,
	})
	if err != nil {
		return gateway.DisplayPayload{}, err
	}

	p.QuotedAmount = quoted.Atomic
	p.QuoteAsset = quoted.Asset.Code
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[metaInvoiceID] = strconv.FormatInt(inv.InvoiceID, 10)
	p.Metadata["invoice_hash"] = inv.Hash

	return gateway.DisplayPayload{
		Method:       storage.MethodCryptoPay,
		PaymentID:    p.ID,
		Amount:       p.Amount,
		URL:          inv.URL(),
		QuotedAmount: quoted.Atomic,
		QuoteAsset:   quoted.Asset.Code,
		ExpiresAt:    p.ExpiresAt,
		Text:         fmt.Sprintf("Pay %s %s via Crypto Bot", quoted.ToMajor(), a.cfg.Asset),
	}, nil
}

func invoiceID(p storage.Payment) (int64, error) {
	raw := p.Metadata[metaInvoiceID]
	if raw == "" {
		return 0, fmt.Errorf("payment %s has no invoice", p.ID)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// RemoteStatus reports the invoice state.
func (a *Adapter) RemoteStatus(ctx context.Context, p storage.Payment) (gateway.RemoteStatus, error) {
	id, err := invoiceID(p)
	if err != nil {
		return gateway.RemoteStatus{State: gateway.RemoteUnknown}, nil
	}
	inv, err := a.api.GetInvoice(ctx, id)
	if err != nil {
		return gateway.RemoteStatus{}, err
	}
	st := gateway.RemoteStatus{ExternalRef: Ref(id)}
	switch inv.Status {
	case InvoicePaid:
		st.State = gateway.RemotePaid
	case InvoiceExpired:
		st.State = gateway.RemoteExpired
	case InvoiceActive:
		st.State = gateway.RemotePending
	default:
		st.State = gateway.RemoteUnknown
	}
	return st, nil
}

// Check confirms the payment once the invoice is paid.
func (a *Adapter) Check(ctx context.Context, p storage.Payment, c gateway.Confirmer) (bool, error) {
	return gateway.CheckRemote(ctx, a, p, c)
}

// Cancel deletes the invoice. Deleting an already deleted or expired invoice is not an error.
func (a *Adapter) Cancel(ctx context.Context, p storage.Payment) error {
	id, err := invoiceID(p)
	if err != nil {
		return gateway.ErrCancelUnsupported
	}
	if err := a.api.DeleteInvoice(ctx, id); err != nil {
		if IsAPIError(err, "INVOICE_NOT_FOUND") {
			return nil
		}
		plog := logger.ForPayment(a.logger, p.ID, string(p.Method))
		plog.Warn().Err(err).Int64("invoice_id", id).Msg("cryptopay.delete_invoice_failed")
		return err
	}
	return nil
}

// Package solana settles payments made as native SOL transfers carrying a
// per-payment memo to the settlement wallet.
package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/money"
	"github.com/CedrosPay/settlement/internal/rates"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MemoLength is the number of hex characters in a payment memo.
	MemoLength = 10

	// candidateSkew tolerates block times slightly older than the payment record.
	candidateSkew = time.Minute
)

// CandidateReader lists ingested transfers awaiting a match.
type CandidateReader interface {
	UnclaimedCandidates(ctx context.Context, memo string, since time.Time) ([]storage.Candidate, error)
}

// AdapterConfig configures the on-chain adapter.
type AdapterConfig struct {
	Wallet       string
	Currency     string // settlement currency code
	ToleranceBPS int64  // minimum received/quoted ratio in basis points
}

// Adapter is the on-chain gateway.
type Adapter struct {
	cfg        AdapterConfig
	oracle     rates.Oracle
	candidates CandidateReader
	logger     zerolog.Logger
	newMemo    func() string
}

// NewAdapter creates the on-chain adapter.
func NewAdapter(cfg AdapterConfig, oracle rates.Oracle, candidates CandidateReader, log zerolog.Logger) *Adapter {
	if cfg.ToleranceBPS <= 0 {
		cfg.ToleranceBPS = 9500
	}
	return &Adapter{
		cfg:        cfg,
		oracle:     oracle,
		candidates: candidates,
		logger:     log.With().Str("gateway", string(storage.MethodOnChain)).Logger(),
		newMemo:    NewMemo,
	}
}

// NewMemo returns a random 10 character hex memo.
func NewMemo() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:MemoLength]
}

func (a *Adapter) Method() storage.Method { return storage.MethodOnChain }

func (a *Adapter) RequiresPolling() bool { return true }

// Create quotes the amount in SOL and assigns the payment memo.
func (a *Adapter) Create(ctx context.Context, req *gateway.CreateRequest) (gateway.DisplayPayload, error) {
	p := &req.Payment

	settlement, err := money.GetAsset(a.cfg.Currency)
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Terminal("solana", "quote", err)
	}
	price, err := a.oracle.Quote(ctx, "SOL")
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Transient("solana", "quote", err)
	}
	quoted, err := price.Convert(money.New(settlement, p.Amount), money.RoundingCeiling)
	if err != nil {
		return gateway.DisplayPayload{}, gateway.Terminal("solana", "quote", err)
	}

	p.Memo = a.newMemo()
	p.QuotedAmount = quoted.Atomic
	p.QuoteAsset = quoted.Asset.Code
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata["sol_price"] = fmt.Sprintf("%d", price.Atomic)
	p.Metadata["wallet"] = a.cfg.Wallet

	return gateway.DisplayPayload{
		Method:       storage.MethodOnChain,
		PaymentID:    p.ID,
		Amount:       p.Amount,
		Address:      a.cfg.Wallet,
		Memo:         p.Memo,
		QuotedAmount: quoted.Atomic,
		QuoteAsset:   quoted.Asset.Code,
		ExpiresAt:    p.ExpiresAt,
		Text: fmt.Sprintf("Send %s SOL to %s with memo %s before %s",
			quoted.ToMajor(), a.cfg.Wallet, p.Memo, p.ExpiresAt.UTC().Format(time.RFC3339)),
	}, nil
}

// Check matches ingested transfers carrying the payment memo. The first
// candidate that covers the quote within tolerance is claimed and confirms
// the payment; the credit is the payment amount regardless of over- or underpayment.
func (a *Adapter) Check(ctx context.Context, p storage.Payment, c gateway.Confirmer) (bool, error) {
	if p.Status == storage.StatusConfirmed {
		return false, nil
	}
	if p.Memo == "" || p.QuotedAmount <= 0 {
		return false, nil
	}
	log := logger.ForPayment(a.logger, p.ID, string(p.Method))

	cands, err := a.candidates.UnclaimedCandidates(ctx, p.Memo, p.CreatedAt.Add(-candidateSkew))
	if err != nil {
		return false, fmt.Errorf("solana: list candidates: %w", err)
	}

	sol := money.MustGetAsset("SOL")
	expected := money.New(sol, p.QuotedAmount)
	for _, cand := range cands {
		received := money.New(sol, cand.Amount)
		if !money.MeetsTolerance(received, expected, a.cfg.ToleranceBPS) {
			log.Warn().
				Str("tx", cand.TxHash).
				Int64("received", cand.Amount).
				Int64("expected", p.QuotedAmount).
				Float64("ratio", money.Ratio(received, expected)).
				Msg("onchain.underpaid_candidate")
			continue
		}

		res, err := c.ConfirmPayment(ctx, gateway.ConfirmRequest{
			PaymentID:            p.ID,
			ExternalRef:          cand.TxHash,
			Amount:               p.Amount,
			AllowExpiredRecovery: p.Status == storage.StatusExpired,
			ClaimTxHash:          cand.TxHash,
		})
		if errors.Is(err, storage.ErrCandidateClaimed) || errors.Is(err, storage.ErrDuplicateReference) {
			continue
		}
		if err != nil {
			return false, err
		}
		log.Info().
			Str("tx", cand.TxHash).
			Int64("received", cand.Amount).
			Int64("expected", p.QuotedAmount).
			Bool("credited", res.Credited).
			Msg("onchain.candidate_matched")
		return res.Credited, nil
	}
	return false, nil
}

// Cancel has nothing to void on-chain.
func (a *Adapter) Cancel(context.Context, storage.Payment) error {
	return gateway.ErrCancelUnsupported
}

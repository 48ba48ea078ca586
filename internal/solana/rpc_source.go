package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/rpcutil"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MemoProgramID is the SPL memo program (v2).
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// SignatureInfo is a recent transaction touching the settlement wallet.
type SignatureInfo struct {
	Signature string
	BlockTime time.Time
	Failed    bool
	Memo      string
}

// Transfer is the native SOL movement into the settlement wallet within one transaction.
type Transfer struct {
	Signature string
	Sender    string
	Lamports  int64 // post - pre balance of the wallet; negative for outgoing
	Memo      string
	BlockTime time.Time
}

// RPCSource reads wallet activity from a Solana RPC node.
type RPCSource struct {
	client     *rpc.Client
	wallet     solana.PublicKey
	commitment rpc.CommitmentType
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
}

// NewRPCSource creates a source for wallet.
func NewRPCSource(rpcURL, wallet, commitment string, breaker *circuitbreaker.Manager, m *metrics.Metrics) (*RPCSource, error) {
	if rpcURL == "" {
		return nil, errors.New("solana: rpc url required")
	}
	pk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("solana: invalid wallet address: %w", err)
	}
	c := rpc.CommitmentType(commitment)
	if c == "" {
		c = rpc.CommitmentConfirmed
	}
	return &RPCSource{
		client:     rpc.New(rpcURL),
		wallet:     pk,
		commitment: c,
		breaker:    breaker,
		metrics:    m,
	}, nil
}

// Wallet returns the settlement wallet address.
func (s *RPCSource) Wallet() string {
	return s.wallet.String()
}

// RecentSignatures lists up to limit signatures for the wallet, newest first.
func (s *RPCSource) RecentSignatures(ctx context.Context, limit int) ([]SignatureInfo, error) {
	done := metrics.MeasureGatewayCall(s.metrics, "solana_rpc", "get_signatures")
	out, err := rpcutil.WithRetry(ctx, func() ([]*rpc.TransactionSignature, error) {
		return circuitbreaker.Do(s.breaker, circuitbreaker.ServiceSolanaRPC, func() ([]*rpc.TransactionSignature, error) {
			return s.client.GetSignaturesForAddressWithOpts(ctx, s.wallet, &rpc.GetSignaturesForAddressOpts{
				Limit:      &limit,
				Commitment: s.commitment,
			})
		})
	}, rpcutil.WithOperation("GetSignaturesForAddress"))
	done(err)
	if err != nil {
		return nil, fmt.Errorf("solana: get signatures: %w", err)
	}

	infos := make([]SignatureInfo, 0, len(out))
	for _, sig := range out {
		if sig == nil {
			continue
		}
		info := SignatureInfo{
			Signature: sig.Signature.String(),
			Failed:    sig.Err != nil,
		}
		if sig.BlockTime != nil {
			info.BlockTime = sig.BlockTime.Time()
		}
		if sig.Memo != nil {
			info.Memo = ParseMemoField(*sig.Memo)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Transfer loads a transaction and computes the wallet's lamport delta.
// ok is false for failed transactions or ones that do not touch the wallet.
func (s *RPCSource) Transfer(ctx context.Context, signature string) (Transfer, bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return Transfer{}, false, fmt.Errorf("solana: invalid signature: %w", err)
	}

	maxVersion := uint64(0)
	done := metrics.MeasureGatewayCall(s.metrics, "solana_rpc", "get_transaction")
	res, err := rpcutil.WithRetry(ctx, func() (*rpc.GetTransactionResult, error) {
		return circuitbreaker.Do(s.breaker, circuitbreaker.ServiceSolanaRPC, func() (*rpc.GetTransactionResult, error) {
			return s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
				Encoding:                       solana.EncodingBase64,
				Commitment:                     s.commitment,
				MaxSupportedTransactionVersion: &maxVersion,
			})
		})
	}, rpcutil.WithOperation("GetTransaction"))
	done(err)
	if errors.Is(err, rpc.ErrNotFound) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, fmt.Errorf("solana: get transaction %s: %w", signature, err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return Transfer{}, false, nil
	}
	if res.Meta.Err != nil {
		return Transfer{}, false, nil
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return Transfer{}, false, fmt.Errorf("solana: decode transaction %s: %w", signature, err)
	}

	lamports, ok := balanceDelta(tx.Message.AccountKeys, res.Meta.PreBalances, res.Meta.PostBalances, s.wallet)
	if !ok {
		return Transfer{}, false, nil
	}

	t := Transfer{
		Signature: signature,
		Lamports:  lamports,
		Memo:      memoFromInstructions(tx),
	}
	if len(tx.Message.AccountKeys) > 0 {
		t.Sender = tx.Message.AccountKeys[0].String()
	}
	if res.BlockTime != nil {
		t.BlockTime = res.BlockTime.Time()
	}
	return t, true, nil
}

// HealthCheck asks the node for its health.
func (s *RPCSource) HealthCheck(ctx context.Context) error {
	_, err := s.client.GetHealth(ctx)
	return err
}

// balanceDelta returns post - pre for wallet.
func balanceDelta(keys solana.PublicKeySlice, pre, post []uint64, wallet solana.PublicKey) (int64, bool) {
	for i, k := range keys {
		if !k.Equals(wallet) {
			continue
		}
		if i >= len(pre) || i >= len(post) {
			return 0, false
		}
		return int64(post[i]) - int64(pre[i]), true
	}
	return 0, false
}

// memoFromInstructions returns the first memo program payload in tx.
func memoFromInstructions(tx *solana.Transaction) string {
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			continue
		}
		if tx.Message.AccountKeys[inst.ProgramIDIndex].Equals(MemoProgramID) {
			return strings.TrimSpace(string(inst.Data))
		}
	}
	return ""
}

// ParseMemoField extracts the memo text from the RPC memo field, which
// prefixes each memo with its byte length ("[10] a1b2c3d4e5") and joins
// several memos with "; ". The first non-empty memo wins.
func ParseMemoField(raw string) string {
	for _, part := range strings.Split(raw, "; ") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "[") {
			if end := strings.Index(part, "]"); end >= 0 {
				part = strings.TrimSpace(part[end+1:])
			}
		}
		if part != "" {
			return part
		}
	}
	return ""
}

package money

import (
	"fmt"
	"math"
	"math/big"
)

// Price is the value of one major unit of Base expressed in Quote atomic units.
// A SOL price of 14 523.57 RUB is Price{Base: SOL, Quote: RUB, Atomic: 1452357}.
type Price struct {
	Base   Asset
	Quote  Asset
	Atomic int64
}

// NewPrice builds a price from a float quote, e.g. an oracle response.
func NewPrice(base, quote Asset, perUnit float64) (Price, error) {
	m, err := FromFloat(quote, perUnit)
	if err != nil {
		return Price{}, err
	}
	if m.Atomic <= 0 {
		return Price{}, fmt.Errorf("money: non-positive price %v %s/%s", perUnit, quote.Code, base.Code)
	}
	return Price{Base: base, Quote: quote, Atomic: m.Atomic}, nil
}

// Convert expresses amount (in Quote) as an amount of Base.
// Quotes use RoundingCeiling so a payer is never asked for less than the price.
func (p Price) Convert(amount Money, mode RoundingMode) (Money, error) {
	if amount.Asset.Code != p.Quote.Code {
		return Money{}, fmt.Errorf("%w: price is in %s, amount is %s", ErrAssetMismatch, p.Quote.Code, amount.Asset.Code)
	}
	if p.Atomic <= 0 {
		return Money{}, ErrDivisionByZero
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Base.Decimals)), nil)
	num := new(big.Int).Mul(big.NewInt(amount.Atomic), scale)
	out, err := divRound(num, big.NewInt(p.Atomic), mode)
	if err != nil {
		return Money{}, err
	}
	return Money{Asset: p.Base, Atomic: out}, nil
}

// Ratio returns received/expected as a float, used only for logging.
func Ratio(received, expected Money) float64 {
	if expected.Atomic == 0 {
		return math.Inf(1)
	}
	return float64(received.Atomic) / float64(expected.Atomic)
}

// MeetsTolerance reports whether received covers at least toleranceBPS/10000 of expected.
// The comparison is exact integer arithmetic: received*10000 >= expected*toleranceBPS.
func MeetsTolerance(received, expected Money, toleranceBPS int64) bool {
	if received.Asset.Code != expected.Asset.Code {
		return false
	}
	lhs := new(big.Int).Mul(big.NewInt(received.Atomic), big.NewInt(10000))
	rhs := new(big.Int).Mul(big.NewInt(expected.Atomic), big.NewInt(toleranceBPS))
	return lhs.Cmp(rhs) >= 0
}

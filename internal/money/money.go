package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Money represents an amount in atomic units of an asset.
//
// Examples:
//   - 500.00 RUB = Money{Asset: RUB, Atomic: 50000}
//   - 0.25 SOL   = Money{Asset: SOL, Atomic: 250000000}
//   - 371 stars  = Money{Asset: XTR, Atomic: 371}
type Money struct {
	Asset  Asset
	Atomic int64
}

var (
	ErrOverflow       = errors.New("money: arithmetic overflow")
	ErrAssetMismatch  = errors.New("money: asset mismatch")
	ErrInvalidFormat  = errors.New("money: invalid format")
	ErrDivisionByZero = errors.New("money: division by zero")
)

// New creates a Money from atomic units.
func New(asset Asset, atomic int64) Money {
	return Money{Asset: asset, Atomic: atomic}
}

// Zero returns a zero amount for the given asset.
func Zero(asset Asset) Money {
	return Money{Asset: asset}
}

// FromMajor parses a decimal string such as "500.25" into atomic units.
// Digits beyond the asset precision are rounded half-up.
func FromMajor(asset Asset, major string) (Money, error) {
	major = strings.TrimSpace(major)
	negative := strings.HasPrefix(major, "-")
	major = strings.TrimPrefix(major, "-")

	parts := strings.Split(major, ".")
	if len(parts) > 2 || parts[0] == "" && (len(parts) == 1 || parts[1] == "") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, major)
	}
	if parts[0] == "" {
		parts[0] = "0"
	}

	integerVal, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || integerVal < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, major)
	}

	var fraction int64
	if len(parts) == 2 && parts[1] != "" {
		frac := parts[1]
		if _, err := strconv.ParseUint(frac, 10, 64); err != nil {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, major)
		}
		roundUp := false
		if len(frac) > int(asset.Decimals) {
			roundUp = frac[asset.Decimals] >= '5'
			frac = frac[:asset.Decimals]
		}
		for len(frac) < int(asset.Decimals) {
			frac += "0"
		}
		if frac != "" {
			fraction, _ = strconv.ParseInt(frac, 10, 64)
		}
		if roundUp {
			fraction++
		}
	}

	multiplier := int64(math.Pow10(int(asset.Decimals)))
	if integerVal > 0 && multiplier > math.MaxInt64/integerVal {
		return Money{}, ErrOverflow
	}
	total := integerVal*multiplier + fraction
	if negative {
		total = -total
	}
	return Money{Asset: asset, Atomic: total}, nil
}

// FromFloat converts a float quote (as returned by price APIs) using its shortest decimal form.
func FromFloat(asset Asset, v float64) (Money, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, v)
	}
	return FromMajor(asset, strconv.FormatFloat(v, 'f', -1, 64))
}

// ToMajor renders the amount with exactly Asset.Decimals fractional digits.
func (m Money) ToMajor() string {
	if m.Asset.Decimals == 0 {
		return strconv.FormatInt(m.Atomic, 10)
	}

	divisor := int64(math.Pow10(int(m.Asset.Decimals)))
	abs := m.Atomic
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}
	frac := strconv.FormatInt(abs%divisor, 10)
	return sign + strconv.FormatInt(abs/divisor, 10) + "." +
		strings.Repeat("0", int(m.Asset.Decimals)-len(frac)) + frac
}

// Add returns the sum of two amounts of the same asset.
func (m Money) Add(other Money) (Money, error) {
	if m.Asset.Code != other.Asset.Code {
		return Money{}, fmt.Errorf("%w: cannot add %s and %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	result := m.Atomic + other.Atomic
	if (result > m.Atomic) != (other.Atomic > 0) {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: result}, nil
}

// Sub returns the difference of two amounts of the same asset.
func (m Money) Sub(other Money) (Money, error) {
	if m.Asset.Code != other.Asset.Code {
		return Money{}, fmt.Errorf("%w: cannot subtract %s and %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	result := m.Atomic - other.Atomic
	if (result < m.Atomic) != (other.Atomic > 0) {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: result}, nil
}

// Mul multiplies by an integer scalar.
func (m Money) Mul(multiplier int64) (Money, error) {
	bigResult := new(big.Int).Mul(big.NewInt(m.Atomic), big.NewInt(multiplier))
	if !bigResult.IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: bigResult.Int64()}, nil
}

// RoundingMode determines how fractional atomic units are rounded.
type RoundingMode int

const (
	RoundingStandard RoundingMode = iota // half-up
	RoundingCeiling                      // away from zero
	RoundingFloor                        // towards zero
)

// MulBasisPoints multiplies by basis points with half-up rounding.
func (m Money) MulBasisPoints(basisPoints int64) (Money, error) {
	return m.MulBasisPointsWithRounding(basisPoints, RoundingStandard)
}

// MulBasisPointsWithRounding multiplies by basis points (1/100 of a percent).
func (m Money) MulBasisPointsWithRounding(basisPoints int64, mode RoundingMode) (Money, error) {
	num := new(big.Int).Mul(big.NewInt(m.Atomic), big.NewInt(basisPoints))
	out, err := divRound(num, big.NewInt(10000), mode)
	if err != nil {
		return Money{}, err
	}
	return Money{Asset: m.Asset, Atomic: out}, nil
}

// Div divides by an integer divisor with half-up rounding.
func (m Money) Div(divisor int64) (Money, error) {
	if divisor == 0 {
		return Money{}, ErrDivisionByZero
	}
	out, err := divRound(big.NewInt(m.Atomic), big.NewInt(divisor), RoundingStandard)
	if err != nil {
		return Money{}, err
	}
	return Money{Asset: m.Asset, Atomic: out}, nil
}

// divRound computes num/den with the given rounding; den must be positive.
func divRound(num, den *big.Int, mode RoundingMode) (int64, error) {
	if den.Sign() == 0 {
		return 0, ErrDivisionByZero
	}
	if den.Sign() < 0 {
		num = new(big.Int).Neg(num)
		den = new(big.Int).Neg(den)
	}
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		switch mode {
		case RoundingStandard:
			twice := new(big.Int).Mul(new(big.Int).Abs(rem), big.NewInt(2))
			if twice.Cmp(den) >= 0 {
				quo.Add(quo, big.NewInt(int64(num.Sign())))
			}
		case RoundingCeiling:
			quo.Add(quo, big.NewInt(int64(num.Sign())))
		}
	}
	if !quo.IsInt64() {
		return 0, ErrOverflow
	}
	return quo.Int64(), nil
}

// IsPositive returns true if amount is greater than zero.
func (m Money) IsPositive() bool { return m.Atomic > 0 }

// IsZero returns true if amount is exactly zero.
func (m Money) IsZero() bool { return m.Atomic == 0 }

// LessThan returns true if m < other. Different assets never compare.
func (m Money) LessThan(other Money) bool {
	return m.Asset.Code == other.Asset.Code && m.Atomic < other.Atomic
}

// Equal returns true if m == other (same asset and amount).
func (m Money) Equal(other Money) bool {
	return m.Asset.Code == other.Asset.Code && m.Atomic == other.Atomic
}

// String returns a human-readable representation such as "500.00 RUB".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToMajor(), m.Asset.Code)
}

package types

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point monetary value scaled by 10^8. All balance and
// settlement math in the core runs on Amounts; decimal strings exist only at
// the API edge.
type Amount int64

// Scale is the fixed-point denominator: 1.0 == 10^8.
const Scale = 100_000_000

// MaxFractionalDigits is the precision accepted from callers.
const MaxFractionalDigits = 8

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// ErrOverflow reports a fixed-point result that does not fit in an Amount.
var ErrOverflow = errors.New("amount out of range")

// CheckedMulDiv computes a*b/div with a 128-bit intermediate, reporting
// ErrOverflow when the quotient does not fit in an Amount. User-supplied
// operands go through the checked forms; callers whose bounds are already
// validated use MulDiv.
func CheckedMulDiv(a, b, div Amount) (Amount, error) {
	if div == 0 {
		panic("types: MulDiv by zero")
	}
	neg := false
	ua, ub, ud := uint64(a), uint64(b), uint64(div)
	if a < 0 {
		ua, neg = uint64(-a), !neg
	}
	if b < 0 {
		ub, neg = uint64(-b), !neg
	}
	if div < 0 {
		ud, neg = uint64(-div), !neg
	}
	hi, lo := bits.Mul64(ua, ub)
	if hi >= ud {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, ud)
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	if neg {
		return Amount(-int64(q)), nil
	}
	return Amount(int64(q)), nil
}

// MulDiv is CheckedMulDiv for operands whose bounds were validated at order
// entry. It panics on overflow rather than returning a wrong result.
func MulDiv(a, b, div Amount) Amount {
	q, err := CheckedMulDiv(a, b, div)
	if err != nil {
		panic("types: MulDiv overflow")
	}
	return q
}

// Notional returns price*qty/Scale, the quote-currency value of qty at price.
func Notional(price, qty Amount) Amount {
	return MulDiv(price, qty, Scale)
}

// CheckedNotional is Notional for unvalidated price and quantity.
func CheckedNotional(price, qty Amount) (Amount, error) {
	return CheckedMulDiv(price, qty, Scale)
}

// QuantityFor returns budget*Scale/price, the base quantity a quote budget
// can buy at price.
func QuantityFor(budget, price Amount) Amount {
	return MulDiv(budget, Scale, price)
}

// CheckedQuantityFor is QuantityFor when the quotient may not fit, as with a
// large budget against a near-zero price.
func CheckedQuantityFor(budget, price Amount) (Amount, error) {
	return CheckedMulDiv(budget, Scale, price)
}

// ParseAmount converts a decimal string into an Amount. It rejects values
// with more than 8 fractional digits rather than rounding silently.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a decimal into an Amount with precision checks.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.Exponent() < -MaxFractionalDigits {
		// Allow trailing zeros beyond 8 digits, reject real excess precision.
		if !d.Equal(d.Truncate(MaxFractionalDigits)) {
			return 0, fmt.Errorf("amount %s exceeds %d decimal places", d, MaxFractionalDigits)
		}
	}
	scaled := d.Shift(MaxFractionalDigits)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", d, MaxFractionalDigits)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d)
	}
	return Amount(scaled.IntPart()), nil
}

// Decimal converts the Amount back to a decimal for the API edge.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -MaxFractionalDigits)
}

// String renders the Amount as a plain decimal string.
func (a Amount) String() string {
	return a.Decimal().String()
}

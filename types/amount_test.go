package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"0", 0},
		{"1", Scale},
		{"0.3", 30_000_000},
		{"50000", 50_000 * Scale},
		{"0.00000001", 1},
		{"1.70000000", 170_000_000},
		{"-2.5", -250_000_000},
	}
	for _, tc := range tests {
		got, err := ParseAmount(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseAmountRejectsExcessPrecision(t *testing.T) {
	_, err := ParseAmount("0.000000001")
	assert.Error(t, err)

	_, err = ParseAmount("1.123456789")
	assert.Error(t, err)

	// Trailing zeros beyond eight digits are not excess precision.
	got, err := ParseAmount("1.1234567800")
	require.NoError(t, err)
	assert.Equal(t, Amount(112_345_678), got)
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "1..2", "1e"} {
		_, err := ParseAmount(in)
		assert.Error(t, err, in)
	}
}

func TestAmountString(t *testing.T) {
	assert.Equal(t, "0.3", Amount(30_000_000).String())
	assert.Equal(t, "50000", Amount(50_000*Scale).String())
	assert.Equal(t, "0.00000001", Amount(1).String())
}

func TestNotionalLargeValues(t *testing.T) {
	// 50,000 quote × 2 base would overflow int64 without the wide multiply.
	price := Amount(50_000 * Scale)
	qty := Amount(2 * Scale)
	assert.Equal(t, Amount(100_000*Scale), Notional(price, qty))
}

func TestQuantityForInvertsNotional(t *testing.T) {
	price := Amount(50_000 * Scale)
	budget := Amount(30_000 * Scale)
	qty := QuantityFor(budget, price)
	assert.Equal(t, Amount(60_000_000), qty) // 0.6 base
	assert.Equal(t, budget, Notional(price, qty))
}

func TestMulDivTruncates(t *testing.T) {
	// 1 / 3 at scale truncates toward zero.
	got := MulDiv(1*Scale, 1*Scale, 3*Scale)
	assert.Equal(t, Amount(33_333_333), got)
}

func TestMulDivPanics(t *testing.T) {
	assert.Panics(t, func() { MulDiv(1, 1, 0) })
	assert.Panics(t, func() { MulDiv(Amount(1<<62), Amount(1<<62), 1) })
}

func TestCheckedMulDivReportsOverflow(t *testing.T) {
	got, err := CheckedMulDiv(1*Scale, 1*Scale, 3*Scale)
	require.NoError(t, err)
	assert.Equal(t, Amount(33_333_333), got)

	_, err = CheckedMulDiv(Amount(1<<62), Amount(1<<62), 1)
	assert.ErrorIs(t, err, ErrOverflow)

	// Fits the 128-bit intermediate but not an int64 quotient.
	_, err = CheckedMulDiv(Amount(1<<62), 3, 1)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCheckedNotionalOverflow(t *testing.T) {
	price, err := ParseAmount("92000000000")
	require.NoError(t, err)
	qty, err := ParseAmount("1000")
	require.NoError(t, err)

	_, err = CheckedNotional(price, qty)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCheckedQuantityForOverflow(t *testing.T) {
	// A huge quote budget against the smallest representable price.
	_, err := CheckedQuantityFor(Amount(1_000_000*Scale), 1)
	assert.ErrorIs(t, err, ErrOverflow)

	got, err := CheckedQuantityFor(Amount(30_000*Scale), Amount(50_000*Scale))
	require.NoError(t, err)
	assert.Equal(t, Amount(60_000_000), got)
}

func TestAmountMin(t *testing.T) {
	assert.Equal(t, Amount(1), Amount(1).Min(2))
	assert.Equal(t, Amount(1), Amount(2).Min(1))
}

package ui

import (
	"math"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/pocketledger/budget/internal/record"
)

// FormatAmount formats d in the given ISO 4217 currency, e.g. "$1,234.50".
// Unknown currencies, and amounts too large for int64 minor units, fall
// back to the plain decimal and the code.
func FormatAmount(d decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return d.StringFixed(record.AmountPlaces) + " " + currency
	}
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	if minor.Abs().GreaterThan(maxMinor) {
		return d.StringFixed(int32(cur.Fraction)) + " " + currency
	}
	return cur.Formatter().Format(minor.IntPart())
}

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// FormatSigned formats a record's amount with expenses negative.
func FormatSigned(f record.Fields, currency string) string {
	return FormatAmount(f.SignedAmount(), currency)
}

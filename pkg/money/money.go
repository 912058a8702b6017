// Package money provides precise monetary helpers for statement amounts:
// decimal parsing of noisy extracted values, cents conversion, and
// currency-aware display formatting.
package money

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Common currency codes (ISO-4217)
const (
	USD = "USD" // US Dollar
	EUR = "EUR" // Euro
	GBP = "GBP" // British Pound
)

// Money represents a monetary value with currency.
// It wraps go-money for safe arithmetic and display.
type Money struct {
	m *money.Money
}

// New creates a new Money value from cents (minor units) and currency code.
func New(amountCents int64, currencyCode string) *Money {
	return &Money{m: money.New(amountCents, currencyCode)}
}

// FromDecimal creates Money from a decimal amount in major units.
func FromDecimal(d decimal.Decimal, currencyCode string) *Money {
	currency := money.GetCurrency(currencyCode)
	if currency == nil {
		currency = money.GetCurrency(USD)
	}
	cents := d.Mul(decimal.New(1, int32(currency.Fraction))).Round(0).IntPart()
	return New(cents, currencyCode)
}

// Cents returns the amount in minor units.
func (m *Money) Cents() int64 {
	return m.m.Amount()
}

// Currency returns the ISO-4217 currency code.
func (m *Money) Currency() string {
	return m.m.Currency().Code
}

// Decimal returns the amount in major units as a decimal.
func (m *Money) Decimal() decimal.Decimal {
	return decimal.New(m.m.Amount(), -int32(m.m.Currency().Fraction))
}

// Display returns the locale-formatted amount, e.g. "$1,234.56".
func (m *Money) Display() string {
	return m.m.Display()
}

// Add returns m + other. Currencies must match.
func (m *Money) Add(other *Money) (*Money, error) {
	sum, err := m.m.Add(other.m)
	if err != nil {
		return nil, fmt.Errorf("add money: %w", err)
	}
	return &Money{m: sum}, nil
}

// ParseAmount coerces a noisy extracted amount string into a decimal.
// Everything except digits, '.' and '-' is stripped (currency symbols,
// thousands separators, stray OCR artifacts). Empty results and the bare
// sentinels "-", ".", "-." mean no amount was present.
func ParseAmount(raw string) decimal.NullDecimal {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	switch cleaned {
	case "", "-", ".", "-.":
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// FormatDecimal renders a decimal with exactly two fraction digits,
// the canonical form for summary payloads.
func FormatDecimal(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatNullDecimal renders an optional amount, empty when absent.
func FormatNullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return FormatDecimal(d.Decimal)
}

/**
 * @description
 * Money is the only representation of a monetary amount inside the billing core.
 * Amounts are held as signed integer minor units together with an ISO-4217 code, and
 * each currency carries a fixed decimal scale. Conversion to and from human-readable
 * decimal strings happens at the boundary only.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Arbitrary-precision decimal parsing and formatting.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyScales maps supported currency codes to the number of minor-unit digits.
var currencyScales = map[string]int32{
	"IDR": 0,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"AUD": 2,
	"EUR": 2,
	"GBP": 2,
	"MYR": 2,
	"NGN": 2,
	"NZD": 2,
	"SGD": 2,
	"USD": 2,
}

var (
	maxMinorUnits = decimal.NewFromInt(math.MaxInt64)
	minMinorUnits = decimal.NewFromInt(math.MinInt64)
)

// NormalizeCurrency upper-cases and trims a currency code and checks it is supported.
func NormalizeCurrency(code string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := currencyScales[normalized]; !ok {
		return "", NewValidationError("currency_code", fmt.Sprintf("unsupported currency %q", code))
	}
	return normalized, nil
}

// CurrencyScale returns the number of decimal places used by the currency.
func CurrencyScale(code string) (int32, error) {
	normalized, err := NormalizeCurrency(code)
	if err != nil {
		return 0, err
	}
	return currencyScales[normalized], nil
}

// Money is a fixed-point amount in the minor units of Currency.
type Money struct {
	Amount   int64
	Currency string
}

// NewMoney builds a Money from minor units.
func NewMoney(minorUnits int64, currency string) (Money, error) {
	code, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: minorUnits, Currency: code}, nil
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// ParseMoney converts a decimal string such as "1500.50" into Money. Inputs carrying more
// precision than the currency allows are rejected rather than rounded.
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, NewValidationError("amount", fmt.Sprintf("invalid decimal amount %q", amount))
	}
	return MoneyFromDecimal(d, currency)
}

// MoneyFromDecimal converts a decimal value in major units into Money.
func MoneyFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	code, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	scale := currencyScales[code]

	minor := d.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, NewValidationError("amount", fmt.Sprintf("%s allows at most %d decimal places", code, scale))
	}
	if minor.GreaterThan(maxMinorUnits) || minor.LessThan(minMinorUnits) {
		return Money{}, NewValidationError("amount", "amount is out of range")
	}
	return Money{Amount: minor.IntPart(), Currency: code}, nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -currencyScales[m.Currency])
}

// String formats the amount with the currency's fixed number of decimals, e.g. "12.50 AUD".
func (m Money) String() string {
	return m.Decimal().StringFixed(currencyScales[m.Currency]) + " " + m.Currency
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Neg returns the amount with its sign flipped.
func (m Money) Neg() (Money, error) {
	if m.Amount == math.MinInt64 {
		return Money{}, NewValidationError("amount", "amount is out of range")
	}
	return Money{Amount: -m.Amount, Currency: m.Currency}, nil
}

// Add returns m + other. Both operands must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	sum := m.Amount + other.Amount
	if (other.Amount > 0 && sum < m.Amount) || (other.Amount < 0 && sum > m.Amount) {
		return Money{}, NewValidationError("amount", "amount is out of range")
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub returns m - other. Both operands must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	neg, err := other.Neg()
	if err != nil {
		return Money{}, err
	}
	return m.Add(neg)
}

// Cmp compares two amounts of the same currency and returns -1, 0 or +1.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return NewValidationError("currency_code", fmt.Sprintf("currency mismatch: %s vs %s", m.Currency, other.Currency))
	}
	return nil
}

type moneyJSON struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currency_code"`
}

// MarshalJSON encodes Money as {"amount":"12.50","currency_code":"AUD"}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{
		Amount:       m.Decimal().StringFixed(currencyScales[m.Currency]),
		CurrencyCode: m.Currency,
	})
}

// UnmarshalJSON accepts the amount as a decimal string. Bare JSON numbers are also accepted
// but parsed as decimals, never as floats.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount       json.RawMessage `json:"amount"`
		CurrencyCode string          `json:"currency_code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewValidationError("amount", "malformed money value")
	}
	if len(raw.Amount) == 0 {
		return NewValidationError("amount", "amount is required")
	}
	amount := strings.Trim(string(raw.Amount), `"`)
	parsed, err := ParseMoney(amount, raw.CurrencyCode)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

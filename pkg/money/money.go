// Package money provides the fixed-point currency amount used by every ledger
// and reconciliation computation. Values carry two fractional digits and are
// never converted through binary floating point.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on every Amount.
const Scale = 2

var ErrInvalidAmount = errors.New("invalid_amount")

// Amount is an exact currency value.
type Amount struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// New rounds d to Scale fractional digits.
func New(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

// FromInt builds an amount of whole currency units.
func FromInt(units int64) Amount {
	return Amount{d: decimal.NewFromInt(units)}
}

// FromMinor builds an amount from minor units (cents).
func FromMinor(minor int64) Amount {
	return Amount{d: decimal.New(minor, -Scale)}
}

// Parse reads a decimal string such as "30000" or "280.50".
func Parse(value string) (Amount, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Amount{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return New(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(value string) Amount {
	a, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return a
}

// Sum adds all amounts.
func Sum(amounts ...Amount) Amount {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a.d)
	}
	return Amount{d: total}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }
func (a Amount) Abs() Amount         { return Amount{d: a.d.Abs()} }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) Equal(b Amount) bool              { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool           { return a.d.LessThan(b.d) }
func (a Amount) LessThanOrEqual(b Amount) bool    { return a.d.LessThanOrEqual(b.d) }
func (a Amount) GreaterThan(b Amount) bool        { return a.d.GreaterThan(b.d) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.d.GreaterThanOrEqual(b.d) }

func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// ClampZero returns zero for negative amounts. The second result reports
// whether clamping happened.
func (a Amount) ClampZero() (Amount, bool) {
	if a.d.IsNegative() {
		return Amount{}, true
	}
	return a, false
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// Decimal exposes the underlying value for percentage math.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) String() string { return a.d.StringFixed(Scale) }

// Value stores the amount as a fixed decimal string for NUMERIC columns.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(Scale), nil
}

// Scan reads NUMERIC, integer, float or text columns.
func (a *Amount) Scan(src any) error {
	if src == nil {
		*a = Amount{}
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	*a = New(d)
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "280.50" and 280.50.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*a = Amount{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

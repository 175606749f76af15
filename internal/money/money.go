// Package money provides the amount type used across the wallet: an
// arbitrary-precision signed integer counted in minor currency units.
// Amounts never exist as floating point at any layer; they cross the
// wire and hit the database as decimal strings.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotInteger is returned when a parsed amount has a fractional part.
	ErrNotInteger = errors.New("amount must be a whole number of minor units")
	// ErrNotPositive is returned by ParsePositive for zero or negative input.
	ErrNotPositive = errors.New("amount must be positive")
)

// Money is a signed amount in minor currency units. The zero value is zero.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{}

// FromInt64 builds an amount from an int64 number of minor units.
func FromInt64(v int64) Money {
	return Money{d: decimal.NewFromInt(v)}
}

// Parse parses a decimal string into an amount. Fractional values are
// rejected; sign is preserved.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsInteger() {
		return Money{}, ErrNotInteger
	}
	return Money{d: d}, nil
}

// ParsePositive parses a decimal string and requires it to be strictly positive.
func ParsePositive(s string) (Money, error) {
	m, err := Parse(s)
	if err != nil {
		return Money{}, err
	}
	if !m.IsPositive() {
		return Money{}, ErrNotPositive
	}
	return m, nil
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

// Cmp returns -1, 0 or 1 comparing m against o.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) IsPositive() bool { return m.d.Sign() > 0 }
func (m Money) IsNegative() bool { return m.d.Sign() < 0 }
func (m Money) IsZero() bool     { return m.d.Sign() == 0 }

// String renders the amount as a plain decimal integer string.
func (m Money) String() string { return m.d.String() }

// MarshalJSON encodes the amount as a quoted decimal string so that
// values beyond float64 precision survive the wire intact.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.d.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare integer literal.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer; the database sees a NUMERIC-compatible string.
func (m Money) Value() (driver.Value, error) {
	return m.d.String(), nil
}

// Scan implements sql.Scanner for NUMERIC/text columns.
func (m *Money) Scan(value any) error {
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return err
	}
	if !d.IsInteger() {
		return ErrNotInteger
	}
	m.d = d
	return nil
}

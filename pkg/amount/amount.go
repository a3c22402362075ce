// Package amount implements exact decimal money amounts.
//
// Amounts are stored and exchanged as decimal strings matching ^-?\d+(\.\d+)?$.
// Binary floating point never touches a balance.
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterledger/pkg/errs"
)

var pattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

var ErrMalformed = errs.New(errs.KindBadInput, "malformed_amount", "amount must be a decimal string")

type Amount struct {
	d decimal.Decimal
}

func Zero() Amount { return Amount{} }

func FromInt(n int64) Amount { return Amount{d: decimal.NewFromInt(n)} }

// Parse validates s against the decimal grammar before converting it.
func Parse(s string) (Amount, error) {
	if !pattern.MatchString(s) {
		return Amount{}, ErrMalformed.WithMessage("amount %q is not a decimal string", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, ErrMalformed.WithMessage("amount %q: %v", s, err)
	}
	return Amount{d: d}, nil
}

func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsValid reports whether s is a well-formed decimal string.
func IsValid(s string) bool { return pattern.MatchString(s) }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }
func (a Amount) MulInt(n int64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(n))}
}
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }
func (a Amount) IsZero() bool { return a.d.IsZero() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// String renders the canonical form: no exponent, no trailing zeros.
func (a Amount) String() string { return a.d.String() }

func Sum(values ...Amount) Amount {
	total := Zero()
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case int64:
		*a = FromInt(v)
		return nil
	default:
		return fmt.Errorf("amount: unsupported scan type %T", src)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return ErrMalformed.WithMessage("amount must be encoded as a JSON string")
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (Amount) GormDataType() string { return "text" }

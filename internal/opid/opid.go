// Package opid implements the operation id carried by every versioned
// matching-engine entity. Operation ids are unbounded integers used only for
// ordering, so they are held as shopspring decimals and never as float64.
package opid

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Modulus bounds a reduced operation id so it stays exactly representable as
// a sorted-set score (float64 mantissa is 53 bits, 1e15 < 2^53).
var Modulus = decimal.New(1, 15)

// ErrNotInteger is returned when a parsed operation id has a fractional part.
var ErrNotInteger = errors.New("opid: operation id must be an integer")

// ID is a nullable operation id. The zero value is the null id.
type ID struct {
	value decimal.Decimal
	valid bool
}

// New returns a valid id from an int64.
func New(v int64) ID {
	return ID{value: decimal.NewFromInt(v), valid: true}
}

// Parse parses a base-10 integer of any width.
func Parse(s string) (ID, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ID{}, fmt.Errorf("opid: parse %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return ID{}, fmt.Errorf("%w: %s", ErrNotInteger, s)
	}
	return ID{value: d, valid: true}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether the id is present.
func (id ID) Valid() bool { return id.valid }

// Decimal returns the raw value; zero for the null id.
func (id ID) Decimal() decimal.Decimal { return id.value }

func (id ID) String() string {
	if !id.valid {
		return ""
	}
	return id.value.String()
}

// Cmp compares two present ids. Null ids compare as equal to everything;
// callers that care about presence use Supersedes.
func (id ID) Cmp(other ID) int {
	if !id.valid || !other.valid {
		return 0
	}
	return id.value.Cmp(other.value)
}

// Supersedes reports whether an incoming version may replace the current one.
// A missing version on either side never vetoes the replacement, except that
// an absent incoming version never displaces a present one.
func Supersedes(incoming, current ID) bool {
	switch {
	case !current.valid:
		return true
	case !incoming.valid:
		return false
	default:
		return incoming.value.Cmp(current.value) >= 0
	}
}

// Reduce maps the id into [0, Modulus) with exact integer arithmetic.
// Reduce is idempotent: Reduce(Reduce(x)) == Reduce(x).
func Reduce(id ID) ID {
	if !id.valid {
		return id
	}
	r := id.value.Mod(Modulus)
	if r.IsNegative() {
		r = r.Add(Modulus)
	}
	return ID{value: r, valid: true}
}

// Score is the reduced id as a sorted-set score. Null ids score zero.
func Score(id ID) float64 {
	return Reduce(id).value.InexactFloat64()
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	return []byte(`"` + id.value.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON number, a quoted number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*id = ID{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer; ids are persisted as exact decimal text.
func (id ID) Value() (driver.Value, error) {
	if !id.valid {
		return nil, nil
	}
	return id.value.String(), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
		return nil
	case int64:
		*id = New(v)
		return nil
	case string:
		return id.scanString(v)
	case []byte:
		return id.scanString(string(v))
	default:
		var d decimal.Decimal
		if err := d.Scan(v); err != nil {
			return fmt.Errorf("opid: scan %T: %w", src, err)
		}
		*id = ID{value: d.Truncate(0), valid: true}
		return nil
	}
}

func (id *ID) scanString(s string) error {
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// GormDataType keeps wide ids intact in MySQL/SQLite columns.
func (ID) GormDataType() string { return "decimal(65,0)" }

// Package convert holds the string-to-typed-value coercions and the reusable
// field rules that target validators and mappers are built from.
package convert

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ErrEmpty is returned by the parsers when the input is blank.
var ErrEmpty = errors.New("value is empty")

// DefaultDateLayouts are tried in order by ParseDate when no layout is given.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseInt parses a base-10 integer. Integral floats such as "12.0" are accepted.
func ParseInt(s string) (int64, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return 0, ErrEmpty
	}
	if i, err := strconv.ParseInt(clean, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%q is not a valid integer", s)
	}
	return int64(f), nil
}

// ParseFloat parses a finite floating point number.
func ParseFloat(s string) (float64, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return 0, ErrEmpty
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a valid number", s)
	}
	return f, nil
}

// ParseBool accepts true/false, yes/no, y/n, t/f, on/off and 1/0 in any case.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return false, ErrEmpty
	case "true", "t", "yes", "y", "1", "on":
		return true, nil
	case "false", "f", "no", "n", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a valid boolean (use true/false, yes/no or 1/0)", s)
	}
}

// ParseDate parses s with the first matching layout. DefaultDateLayouts are
// used when layouts is empty.
func ParseDate(s string, layouts ...string) (time.Time, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return time.Time{}, ErrEmpty
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, clean); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a valid date", s)
}

var decimalRegex = regexp.MustCompile(`^([+-]?)(\d+)(?:\.(\d+))?$`)

// ParseDecimal parses a plain decimal literal into a Postgres numeric without
// going through float64. maxScale < 0 means any number of fraction digits.
func ParseDecimal(s string, maxScale int) (pgtype.Numeric, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return pgtype.Numeric{}, ErrEmpty
	}
	m := decimalRegex.FindStringSubmatch(clean)
	if m == nil {
		return pgtype.Numeric{}, fmt.Errorf("%q is not a valid decimal", s)
	}
	frac := m[3]
	if maxScale >= 0 && len(frac) > maxScale {
		return pgtype.Numeric{}, fmt.Errorf("%q has more than %d fraction digits", s, maxScale)
	}
	digits, ok := new(big.Int).SetString(m[2]+frac, 10)
	if !ok {
		return pgtype.Numeric{}, fmt.Errorf("%q is not a valid decimal", s)
	}
	if m[1] == "-" {
		digits.Neg(digits)
	}
	return pgtype.Numeric{Int: digits, Exp: int32(-len(frac)), Valid: true}, nil
}

// ParseCents parses a money amount with at most two fraction digits into
// minor units. Values that do not fit in an int64 are rejected.
func ParseCents(s string) (int64, error) {
	n, err := ParseDecimal(s, 2)
	if err != nil {
		return 0, err
	}
	cents := new(big.Int).Set(n.Int)
	for exp := n.Exp; exp > -2; exp-- {
		cents.Mul(cents, big.NewInt(10))
	}
	if !cents.IsInt64() {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return cents.Int64(), nil
}

// CentsToNumeric converts minor units back into a numeric with scale 2.
func CentsToNumeric(cents int64) pgtype.Numeric {
	return pgtype.Numeric{Int: big.NewInt(cents), Exp: -2, Valid: true}
}

// Normalizer rewrites a raw cell value before validation and coercion.
type Normalizer func(string) string

// Normalizers by configuration name.
var normalizers = map[string]Normalizer{
	"trim":  strings.TrimSpace,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"collapse_spaces": func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	},
}

// LookupNormalizer returns the named normalizer.
func LookupNormalizer(name string) (Normalizer, bool) {
	n, ok := normalizers[strings.ToLower(strings.TrimSpace(name))]
	return n, ok
}

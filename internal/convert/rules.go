package convert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Rule checks a single field value and returns nil when it passes.
// Error text is phrased to follow the field name, e.g. "sku is required".
type Rule func(value string) error

// Required fails on empty or whitespace-only values.
func Required() Rule {
	return func(value string) error {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("is required")
		}
		return nil
	}
}

// MaxLength fails when value holds more than n characters.
func MaxLength(n int) Rule {
	return func(value string) error {
		if utf8.RuneCountInString(value) > n {
			return fmt.Errorf("must be at most %d characters", n)
		}
		return nil
	}
}

// Pattern compiles pattern and returns a rule matching non-empty values against it.
func Pattern(pattern string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	return func(value string) error {
		if value == "" {
			return nil
		}
		if !re.MatchString(value) {
			return fmt.Errorf("value %s does not match required pattern '%s'", strconv.Quote(value), pattern)
		}
		return nil
	}, nil
}

// Allowed fails when a non-empty value is not one of values. Comparison is
// case-insensitive when foldCase is set.
func Allowed(values []string, foldCase bool) Rule {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if foldCase {
			v = strings.ToLower(v)
		}
		set[v] = struct{}{}
	}
	listed := strings.Join(values, ", ")
	return func(value string) error {
		if value == "" {
			return nil
		}
		key := value
		if foldCase {
			key = strings.ToLower(key)
		}
		if _, ok := set[key]; !ok {
			return fmt.Errorf("value '%s' is not one of [%s]", value, listed)
		}
		return nil
	}
}

// Numeric fails when a non-empty value is not a number.
func Numeric() Rule {
	return func(value string) error {
		if value == "" {
			return nil
		}
		if _, err := ParseFloat(value); err != nil {
			return fmt.Errorf("must be numeric, got %s", strconv.Quote(value))
		}
		return nil
	}
}

// Integer fails when a non-empty value is not an integer.
func Integer() Rule {
	return func(value string) error {
		if value == "" {
			return nil
		}
		if _, err := ParseInt(value); err != nil {
			return fmt.Errorf("must be an integer, got %s", strconv.Quote(value))
		}
		return nil
	}
}

// Boolean fails when a non-empty value is not a recognised boolean.
func Boolean() Rule {
	return func(value string) error {
		if value == "" {
			return nil
		}
		if _, err := ParseBool(value); err != nil {
			return fmt.Errorf("must be a boolean, got %s", strconv.Quote(value))
		}
		return nil
	}
}

// Date fails when a non-empty value does not parse with layouts.
func Date(layouts ...string) Rule {
	return func(value string) error {
		if value == "" {
			return nil
		}
		if _, err := ParseDate(value, layouts...); err != nil {
			return fmt.Errorf("must be a date, got %s", strconv.Quote(value))
		}
		return nil
	}
}

// Range fails when a numeric value lies outside [min, max]. Nil bounds are open.
// Non-numeric values pass; pair Range with Numeric to reject them.
func Range(min, max *float64) Rule {
	return func(value string) error {
		if value == "" {
			return nil
		}
		f, err := ParseFloat(value)
		if err != nil {
			return nil
		}
		if min != nil && f < *min {
			return fmt.Errorf("value %v is less than minimum allowed %v", f, *min)
		}
		if max != nil && f > *max {
			return fmt.Errorf("value %v is greater than maximum allowed %v", f, *max)
		}
		return nil
	}
}

// Check runs rules in order and returns one message per failing rule,
// each prefixed with field.
func Check(field, value string, rules ...Rule) []string {
	var violations []string
	for _, rule := range rules {
		if err := rule(value); err != nil {
			violations = append(violations, field+" "+err.Error())
		}
	}
	return violations
}

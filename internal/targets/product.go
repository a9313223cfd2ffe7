// Package targets defines the import targets: the built-in product catalog
// and targets declared in configuration.
package targets

import (
	"fmt"
	"slices"
	"strings"

	"feed-loader/internal/convert"
	"feed-loader/internal/feed"
	"feed-loader/internal/pipeline"
)

// Product target defaults.
const (
	ProductTargetName = "product"
	ProductTable      = "products"
	DefaultCurrency   = "USD"
	maxProductName    = 255

	// maxPriceCents is the largest value of the NUMERIC(12, 2) price column.
	maxPriceCents = 999_999_999_999
)

var (
	productColumns = []string{"sku", "name", "description", "price", "currency", "stock", "active"}
	skuRule        = mustPattern(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	currencyRule   = mustPattern(`^[A-Za-z]{3}$`)
	zero           = 0.0
)

func mustPattern(p string) convert.Rule {
	rule, err := convert.Pattern(p)
	if err != nil {
		panic(err)
	}
	return rule
}

// Product is one row of the products table. Prices are kept in minor units.
type Product struct {
	SKU         string
	Name        string
	Description string
	PriceCents  int64
	Currency    string
	Stock       int64
	Active      bool
}

// Columns implements pipeline.Record.
func (p Product) Columns() []string {
	return slices.Clone(productColumns)
}

// Values implements pipeline.Record. The price is sent as a numeric(12,2).
func (p Product) Values() []any {
	return []any{p.SKU, p.Name, p.Description, convert.CentsToNumeric(p.PriceCents), p.Currency, p.Stock, p.Active}
}

// ProductTarget returns the built-in product catalog target.
func ProductTarget() pipeline.Target {
	return pipeline.Target{
		Name:        ProductTargetName,
		Description: "product catalog keyed by sku",
		Table:       ProductTable,
		ConflictKey: []string{"sku"},
		Columns:     slices.Clone(productColumns),
		Validator:   pipeline.ValidatorFunc(validateProduct),
		Mapper:      pipeline.MapperFunc(mapProduct),
	}
}

func priceRule(value string) error {
	if value == "" {
		return nil
	}
	cents, err := convert.ParseCents(value)
	if err != nil {
		return fmt.Errorf("must be a decimal with at most 2 fraction digits, got %q", value)
	}
	if cents < 0 {
		return fmt.Errorf("must not be negative, got %q", value)
	}
	if cents > maxPriceCents {
		return fmt.Errorf("must be at most 9999999999.99, got %q", value)
	}
	return nil
}

func validateProduct(row feed.RawRow) pipeline.ValidationOutcome {
	field := func(name string) string { return strings.TrimSpace(row.Value(name)) }

	var violations []string
	violations = append(violations, convert.Check("sku", field("sku"), convert.Required(), skuRule)...)
	violations = append(violations, convert.Check("name", field("name"), convert.Required(), convert.MaxLength(maxProductName))...)
	violations = append(violations, convert.Check("price", field("price"), convert.Required(), priceRule)...)
	violations = append(violations, convert.Check("currency", field("currency"), currencyRule)...)
	violations = append(violations, convert.Check("stock", field("stock"), convert.Integer(), convert.Range(&zero, nil))...)
	violations = append(violations, convert.Check("active", field("active"), convert.Boolean())...)
	return pipeline.Outcome(violations)
}

func mapProduct(row feed.RawRow) (pipeline.Record, error) {
	field := func(name string) string { return strings.TrimSpace(row.Value(name)) }

	p := Product{
		SKU:         field("sku"),
		Name:        field("name"),
		Description: field("description"),
		Currency:    DefaultCurrency,
		Active:      true,
	}

	cents, err := convert.ParseCents(field("price"))
	if err != nil {
		return nil, &pipeline.MappingError{Row: row.Number, Field: "price", Err: err}
	}
	p.PriceCents = cents

	if c := field("currency"); c != "" {
		p.Currency = strings.ToUpper(c)
	}
	if s := field("stock"); s != "" {
		if p.Stock, err = convert.ParseInt(s); err != nil {
			return nil, &pipeline.MappingError{Row: row.Number, Field: "stock", Err: err}
		}
	}
	if a := field("active"); a != "" {
		if p.Active, err = convert.ParseBool(a); err != nil {
			return nil, &pipeline.MappingError{Row: row.Number, Field: "active", Err: err}
		}
	}
	return p, nil
}

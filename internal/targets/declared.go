package targets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"feed-loader/internal/config"
	"feed-loader/internal/convert"
	"feed-loader/internal/feed"
	"feed-loader/internal/pipeline"
	"feed-loader/internal/store"
)

var defaultTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// column is a compiled column declaration.
type column struct {
	name      string
	source    string
	kind      string
	def       *string
	normalize []convert.Normalizer
	rules     []convert.Rule
	layouts   []string
}

type rule struct {
	expr    *convert.Expression
	message string
}

// declaredTarget validates and maps rows according to a TargetConfig.
type declaredTarget struct {
	columns []column
	names   []string
	rules   []rule
}

// Declared compiles the targets declared in configuration. Every problem is
// reported in one error.
func Declared(decls []config.TargetConfig, batchSize int) ([]pipeline.Target, error) {
	var (
		out      []pipeline.Target
		problems []string
	)
	for _, decl := range decls {
		t, err := compileTarget(decl, batchSize)
		if err != nil {
			problems = append(problems, fmt.Sprintf("- target '%s': %v", decl.Name, err))
			continue
		}
		out = append(out, t)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid declared targets:\n%s", strings.Join(problems, "\n"))
	}
	return out, nil
}

func compileTarget(decl config.TargetConfig, batchSize int) (pipeline.Target, error) {
	if len(decl.Columns) == 0 {
		return pipeline.Target{}, errors.New("no columns declared")
	}
	if batchSize > 0 && batchSize*len(decl.Columns) > store.MaxBindParameters {
		return pipeline.Target{}, fmt.Errorf("batch size %d x %d columns exceeds the bind parameter limit %d",
			batchSize, len(decl.Columns), store.MaxBindParameters)
	}

	dt := &declaredTarget{}
	declared := make(map[string]bool, len(decl.Columns))
	for _, cc := range decl.Columns {
		col, err := compileColumn(cc)
		if err != nil {
			return pipeline.Target{}, fmt.Errorf("column '%s': %w", cc.Name, err)
		}
		if declared[col.name] {
			return pipeline.Target{}, fmt.Errorf("column '%s' declared more than once", col.name)
		}
		declared[col.name] = true
		dt.columns = append(dt.columns, col)
		dt.names = append(dt.names, col.name)
	}
	for _, key := range decl.ConflictKey {
		if !declared[key] {
			return pipeline.Target{}, fmt.Errorf("conflict key '%s' is not a declared column", key)
		}
	}
	for _, rc := range decl.Rules {
		expr, err := convert.CompileExpression(rc.Expression)
		if err != nil {
			return pipeline.Target{}, err
		}
		for _, v := range expr.Vars() {
			if !declared[v] {
				return pipeline.Target{}, fmt.Errorf("rule '%s' references unknown column '%s'", rc.Expression, v)
			}
		}
		msg := rc.Message
		if msg == "" {
			msg = fmt.Sprintf("violates rule '%s'", rc.Expression)
		}
		dt.rules = append(dt.rules, rule{expr: expr, message: msg})
	}

	return pipeline.Target{
		Name:        decl.Name,
		Description: decl.Description,
		Table:       decl.Table,
		ConflictKey: decl.ConflictKey,
		Columns:     dt.names,
		Validator:   pipeline.ValidatorFunc(dt.validate),
		Mapper:      pipeline.MapperFunc(dt.mapRow),
	}, nil
}

func compileColumn(cc config.ColumnConfig) (column, error) {
	col := column{
		name:   cc.Name,
		source: cc.SourceName(),
		kind:   strings.ToLower(cc.Type),
		def:    cc.Default,
	}
	if col.kind == "" {
		col.kind = config.ColumnTypeText
	}
	for _, name := range cc.Normalize {
		n, ok := convert.LookupNormalizer(name)
		if !ok {
			return column{}, fmt.Errorf("unknown normalizer '%s'", name)
		}
		col.normalize = append(col.normalize, n)
	}

	if cc.Required {
		col.rules = append(col.rules, convert.Required())
	}
	switch col.kind {
	case config.ColumnTypeText:
	case config.ColumnTypeInt:
		col.rules = append(col.rules, convert.Integer())
	case config.ColumnTypeFloat:
		col.rules = append(col.rules, convert.Numeric())
	case config.ColumnTypeNumeric:
		col.rules = append(col.rules, decimalRule)
	case config.ColumnTypeBool:
		col.rules = append(col.rules, convert.Boolean())
	case config.ColumnTypeDate:
		col.layouts = layoutsFor(cc.Format, convert.DefaultDateLayouts)
		col.rules = append(col.rules, convert.Date(col.layouts...))
	case config.ColumnTypeTimestamp:
		col.layouts = layoutsFor(cc.Format, defaultTimestampLayouts)
		col.rules = append(col.rules, convert.Date(col.layouts...))
	default:
		return column{}, fmt.Errorf("unsupported type '%s'", cc.Type)
	}
	if cc.MaxLength > 0 {
		col.rules = append(col.rules, convert.MaxLength(cc.MaxLength))
	}
	if cc.Pattern != "" {
		p, err := convert.Pattern(cc.Pattern)
		if err != nil {
			return column{}, err
		}
		col.rules = append(col.rules, p)
	}
	if len(cc.Allowed) > 0 {
		col.rules = append(col.rules, convert.Allowed(cc.Allowed, false))
	}
	if cc.Min != nil || cc.Max != nil {
		col.rules = append(col.rules, convert.Range(cc.Min, cc.Max))
	}

	if col.def != nil {
		if msgs := convert.Check("default", *col.def, col.rules...); len(msgs) > 0 {
			return column{}, fmt.Errorf("invalid default: %s", strings.Join(msgs, "; "))
		}
	}
	return col, nil
}

func layoutsFor(format string, fallback []string) []string {
	if format != "" {
		return []string{format}
	}
	return fallback
}

func decimalRule(value string) error {
	if value == "" {
		return nil
	}
	if _, err := convert.ParseDecimal(value, -1); err != nil {
		return fmt.Errorf("must be a decimal number, got %q", value)
	}
	return nil
}

// raw returns the normalized cell, or the default when it is blank.
func (c column) raw(row feed.RawRow) string {
	v := row.Value(c.source)
	for _, n := range c.normalize {
		v = n(v)
	}
	if strings.TrimSpace(v) == "" {
		if c.def != nil {
			return *c.def
		}
		return ""
	}
	return v
}

// typed converts a cell to the value bound for the column. Empty cells become nil.
func (c column) typed(v string) (any, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	switch c.kind {
	case config.ColumnTypeInt:
		return convert.ParseInt(v)
	case config.ColumnTypeFloat:
		return convert.ParseFloat(v)
	case config.ColumnTypeNumeric:
		return convert.ParseDecimal(v, -1)
	case config.ColumnTypeBool:
		return convert.ParseBool(v)
	case config.ColumnTypeDate, config.ColumnTypeTimestamp:
		return convert.ParseDate(v, c.layouts...)
	default:
		return v, nil
	}
}

// param converts a typed value into the form govaluate compares: numbers and
// dates as float64, booleans and text unchanged.
func param(typed any) any {
	switch v := typed.(type) {
	case int64:
		return float64(v)
	case time.Time:
		return float64(v.Unix())
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	default:
		return typed
	}
}

func (dt *declaredTarget) validate(row feed.RawRow) pipeline.ValidationOutcome {
	var violations []string
	for _, c := range dt.columns {
		violations = append(violations, convert.Check(c.name, c.raw(row), c.rules...)...)
	}
	if len(violations) > 0 || len(dt.rules) == 0 {
		return pipeline.Outcome(violations)
	}

	params, err := dt.params(row)
	if err != nil {
		return pipeline.Outcome([]string{err.Error()})
	}
	for _, r := range dt.rules {
		if !r.applies(params) {
			continue
		}
		ok, err := r.expr.Eval(params)
		if err != nil {
			violations = append(violations, err.Error())
			continue
		}
		if !ok {
			violations = append(violations, r.message)
		}
	}
	return pipeline.Outcome(violations)
}

// applies reports whether every variable of the rule has a value. Rules over
// empty optional columns are skipped.
func (r rule) applies(params map[string]interface{}) bool {
	for _, v := range r.expr.Vars() {
		if params[v] == nil {
			return false
		}
	}
	return true
}

func (dt *declaredTarget) params(row feed.RawRow) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(dt.columns))
	for _, c := range dt.columns {
		v, err := c.typed(c.raw(row))
		if err != nil {
			return nil, fmt.Errorf("%s %v", c.name, err)
		}
		params[c.name] = param(v)
	}
	return params, nil
}

func (dt *declaredTarget) mapRow(row feed.RawRow) (pipeline.Record, error) {
	rec := make(pipeline.Fields, len(dt.columns))
	for i, c := range dt.columns {
		v, err := c.typed(c.raw(row))
		if err != nil {
			return nil, &pipeline.MappingError{Row: row.Number, Field: c.name, Err: err}
		}
		rec[i] = pipeline.Field{Name: c.name, Value: v}
	}
	return rec, nil
}

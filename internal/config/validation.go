package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Knetic/govaluate"

	"feed-loader/internal/logging"
)

var (
	knownLogLevels   = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownColumnTypes = []string{ColumnTypeText, ColumnTypeInt, ColumnTypeFloat, ColumnTypeNumeric, ColumnTypeBool, ColumnTypeDate, ColumnTypeTimestamp}
	knownNormalizers = []string{"trim", "lower", "upper", "collapse_spaces"}
)

// isValidEnumValue checks if a value is present in a list of allowed string values (case-insensitive).
func isValidEnumValue(value string, allowedValues []string) bool {
	lowerValue := strings.ToLower(value)
	for _, allowed := range allowedValues {
		if lowerValue == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// ValidateConfig checks the whole configuration and reports every problem at once.
func ValidateConfig(cfg *Config) error {
	var allErrors []string

	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Logging.Level: invalid log level '%s', must be one of %v", cfg.Logging.Level, knownLogLevels))
	}

	allErrors = append(allErrors, validateDatabaseConfig("Config.Database", &cfg.Database)...)

	if cfg.Import.BatchSize < 1 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Import.BatchSize: must be positive, got %d", cfg.Import.BatchSize))
	} else if cfg.Import.BatchSize > MaxBindParameters {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Import.BatchSize: %d exceeds the bind parameter limit %d", cfg.Import.BatchSize, MaxBindParameters))
	}

	allErrors = append(allErrors, validateSourcesConfig("Config.Sources", &cfg.Sources)...)
	allErrors = append(allErrors, validateS3Config("Config.S3", &cfg.S3)...)

	names := make(map[string]int, len(cfg.Targets))
	for i := range cfg.Targets {
		prefix := fmt.Sprintf("Config.Targets[%d]", i)
		t := &cfg.Targets[i]
		allErrors = append(allErrors, validateTargetConfig(prefix, t, cfg.Import.BatchSize)...)

		key := strings.ToLower(strings.TrimSpace(t.Name))
		if key == "" {
			continue
		}
		if first, exists := names[key]; exists {
			allErrors = append(allErrors, fmt.Sprintf("- %s.Name: duplicate target name '%s' (also Config.Targets[%d])", prefix, t.Name, first))
		} else {
			names[key] = i
		}
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(allErrors, "\n"))
	}
	logging.Logf(logging.Debug, "Configuration validation successful.")
	return nil
}

func validateDatabaseConfig(prefix string, cfg *DatabaseConfig) []string {
	var errs []string
	if cfg.MaxConns < 0 {
		errs = append(errs, fmt.Sprintf("- %s.MaxConns: cannot be negative", prefix))
	}
	if cfg.ConnectTimeout < 0 {
		errs = append(errs, fmt.Sprintf("- %s.ConnectTimeout: cannot be negative", prefix))
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("- %s.WriteTimeout: cannot be negative", prefix))
	}
	return errs
}

func validateSourcesConfig(prefix string, cfg *SourcesConfig) []string {
	var errs []string
	if err := validateSingleRuneString(cfg.CSV.Delimiter, prefix+".CSV.Delimiter", false); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSingleRuneString(cfg.CSV.Comment, prefix+".CSV.Comment", true); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.CSV.Comment != "" && cfg.CSV.Comment == cfg.CSV.Delimiter {
		errs = append(errs, fmt.Sprintf("- %s.CSV.Comment: cannot equal the delimiter", prefix))
	}
	if err := validateSingleRuneString(cfg.TSV.Comment, prefix+".TSV.Comment", true); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.TSV.Comment == "\t" {
		errs = append(errs, fmt.Sprintf("- %s.TSV.Comment: cannot be a tab", prefix))
	}
	if cfg.XLSX.Sheet != "" {
		if err := validateSheetName(cfg.XLSX.Sheet, prefix+".XLSX.Sheet"); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func validateS3Config(prefix string, cfg *S3Config) []string {
	var errs []string
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		errs = append(errs, fmt.Sprintf("- %s: access_key and secret_key must be set together", prefix))
	}
	if cfg.Endpoint != "" {
		if u, err := url.Parse(cfg.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("- %s.Endpoint: '%s' is not an absolute URL", prefix, cfg.Endpoint))
		}
	}
	return errs
}

// validateTargetConfig checks a declared target. Patterns and rule
// expressions are compiled so that mistakes surface at startup.
func validateTargetConfig(prefix string, t *TargetConfig, batchSize int) []string {
	var errs []string
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, fmt.Sprintf("- %s.Name: is required", prefix))
	}
	if strings.TrimSpace(t.Table) == "" {
		errs = append(errs, fmt.Sprintf("- %s.Table: is required", prefix))
	}
	if len(t.Columns) == 0 {
		errs = append(errs, fmt.Sprintf("- %s.Columns: at least one column is required", prefix))
	}

	columns := make(map[string]bool, len(t.Columns))
	for i := range t.Columns {
		col := &t.Columns[i]
		colPrefix := fmt.Sprintf("%s.Columns[%d]", prefix, i)
		errs = append(errs, validateColumnConfig(colPrefix, col)...)
		if col.Name == "" {
			continue
		}
		if columns[col.Name] {
			errs = append(errs, fmt.Sprintf("- %s.Name: duplicate column '%s'", colPrefix, col.Name))
		}
		columns[col.Name] = true
	}

	if len(t.ConflictKey) == 0 {
		errs = append(errs, fmt.Sprintf("- %s.ConflictKey: at least one column is required", prefix))
	}
	for _, key := range t.ConflictKey {
		if !columns[key] {
			errs = append(errs, fmt.Sprintf("- %s.ConflictKey: '%s' is not a declared column", prefix, key))
		}
	}

	if batchSize > 0 && len(t.Columns) > 0 && batchSize*len(t.Columns) > MaxBindParameters {
		errs = append(errs, fmt.Sprintf("- %s.Columns: batch size %d x %d columns exceeds the bind parameter limit %d", prefix, batchSize, len(t.Columns), MaxBindParameters))
	}

	for i, rule := range t.Rules {
		rulePrefix := fmt.Sprintf("%s.Rules[%d]", prefix, i)
		if strings.TrimSpace(rule.Expression) == "" {
			errs = append(errs, fmt.Sprintf("- %s.Expression: is required", rulePrefix))
			continue
		}
		expr, err := govaluate.NewEvaluableExpression(rule.Expression)
		if err != nil {
			errs = append(errs, fmt.Sprintf("- %s.Expression: invalid expression syntax: %v", rulePrefix, err))
			continue
		}
		for _, v := range expr.Vars() {
			if !columns[v] {
				errs = append(errs, fmt.Sprintf("- %s.Expression: references unknown column '%s'", rulePrefix, v))
			}
		}
	}
	return errs
}

func validateColumnConfig(prefix string, col *ColumnConfig) []string {
	var errs []string
	if col.Name == "" {
		errs = append(errs, fmt.Sprintf("- %s.Name: is required", prefix))
	}
	if !isValidEnumValue(col.Type, knownColumnTypes) {
		errs = append(errs, fmt.Sprintf("- %s.Type: invalid column type '%s', must be one of %v", prefix, col.Type, knownColumnTypes))
	}
	for _, n := range col.Normalize {
		if !isValidEnumValue(n, knownNormalizers) {
			errs = append(errs, fmt.Sprintf("- %s.Normalize: unknown normalizer '%s', must be one of %v", prefix, n, knownNormalizers))
		}
	}
	if col.MaxLength < 0 {
		errs = append(errs, fmt.Sprintf("- %s.MaxLength: cannot be negative", prefix))
	}
	if col.Pattern != "" {
		if _, err := regexp.Compile(col.Pattern); err != nil {
			errs = append(errs, fmt.Sprintf("- %s.Pattern: invalid regex '%s': %v", prefix, col.Pattern, err))
		}
	}
	if col.Min != nil && col.Max != nil && *col.Min > *col.Max {
		errs = append(errs, fmt.Sprintf("- %s: min (%v) cannot be greater than max (%v)", prefix, *col.Min, *col.Max))
	}
	numeric := isValidEnumValue(col.Type, []string{ColumnTypeInt, ColumnTypeFloat, ColumnTypeNumeric})
	if (col.Min != nil || col.Max != nil) && !numeric {
		errs = append(errs, fmt.Sprintf("- %s: min and max apply only to numeric columns", prefix))
	}
	if col.Format != "" && !isValidEnumValue(col.Type, []string{ColumnTypeDate, ColumnTypeTimestamp}) {
		logging.Logf(logging.Warning, "Validation: %s.Format is ignored for column type '%s'", prefix, col.Type)
	}
	return errs
}

// validateSingleRuneString checks that s holds exactly one character.
func validateSingleRuneString(s, fieldName string, allowEmpty bool) error {
	if s == "" {
		if !allowEmpty {
			return fmt.Errorf("- %s: cannot be empty", fieldName)
		}
		return nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return fmt.Errorf("- %s: %q must be a single character", fieldName, s)
	}
	return nil
}

// validateSheetName checks if an Excel sheet name is valid according to Excel limitations.
func validateSheetName(sheetName, fieldName string) error {
	if utf8.RuneCountInString(sheetName) > 31 {
		return fmt.Errorf("- %s: '%s' exceeds maximum length of 31 characters", fieldName, sheetName)
	}
	if strings.ContainsAny(sheetName, `:\/?*[]`) {
		return fmt.Errorf("- %s: '%s' contains invalid characters (: \\ / ? * [ ])", fieldName, sheetName)
	}
	if strings.HasPrefix(sheetName, "'") || strings.HasSuffix(sheetName, "'") {
		return fmt.Errorf("- %s: '%s' cannot start or end with a single quote", fieldName, sheetName)
	}
	return nil
}

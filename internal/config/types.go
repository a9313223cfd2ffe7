package config

import "time"

// Column types accepted by declared targets.
const (
	ColumnTypeText      = "text"
	ColumnTypeInt       = "int"
	ColumnTypeFloat     = "float"
	ColumnTypeNumeric   = "numeric"
	ColumnTypeBool      = "bool"
	ColumnTypeDate      = "date"
	ColumnTypeTimestamp = "timestamp"

	DefaultLogLevel       = "info"
	DefaultBatchSize      = 1000
	DefaultCSVDelimiter   = ","
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 60 * time.Second

	// MaxBindParameters is the Postgres limit on parameters per statement.
	MaxBindParameters = 65535
)

// Config is the structure of the feed-loader YAML file.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Import   ImportConfig   `yaml:"import"`
	Sources  SourcesConfig  `yaml:"sources"`
	S3       S3Config       `yaml:"s3"`
	// Targets declares tables importable in addition to the built-in ones.
	Targets []TargetConfig `yaml:"targets,omitempty"`
}

// LoggingConfig sets the log verbosity: none, error, warn, info or debug.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig describes the Postgres connection. URL may reference
// environment variables, e.g. postgres://loader:${DB_PASSWORD}@db/feeds.
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxConns       int32         `yaml:"max_conns,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
}

// ImportConfig holds run options shared by all imports.
type ImportConfig struct {
	BatchSize  int    `yaml:"batch_size,omitempty"`
	RejectFile string `yaml:"reject_file,omitempty"`
}

// SourcesConfig holds per-format reader options.
type SourcesConfig struct {
	CSV  CSVConfig  `yaml:"csv"`
	TSV  TSVConfig  `yaml:"tsv"`
	XLSX XLSXConfig `yaml:"xlsx"`
}

// CSVConfig sets the CSV delimiter and optional comment character.
type CSVConfig struct {
	Delimiter string `yaml:"delimiter,omitempty"`
	Comment   string `yaml:"comment,omitempty"`
}

// TSVConfig sets the optional TSV comment character.
type TSVConfig struct {
	Comment string `yaml:"comment,omitempty"`
}

// XLSXConfig selects the sheet to read. Empty means the active sheet.
type XLSXConfig struct {
	Sheet string `yaml:"sheet,omitempty"`
}

// S3Config enables s3:// feed paths. Static keys are optional; without them
// the default AWS credential chain is used.
type S3Config struct {
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
}

// Enabled reports whether any S3 setting is present.
func (c S3Config) Enabled() bool {
	return c.Region != "" || c.Endpoint != "" || c.AccessKey != ""
}

// TargetConfig declares an import target backed by an existing table.
type TargetConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Table       string         `yaml:"table"`
	ConflictKey []string       `yaml:"conflict_key"`
	Columns     []ColumnConfig `yaml:"columns"`
	// Rules are cross-field checks evaluated after the column checks pass.
	Rules []RuleConfig `yaml:"rules,omitempty"`
}

// ColumnConfig describes one table column and the feed field it comes from.
type ColumnConfig struct {
	Name string `yaml:"name"`
	// Source is the feed header; defaults to Name.
	Source   string  `yaml:"source,omitempty"`
	Type     string  `yaml:"type"`
	Required bool    `yaml:"required,omitempty"`
	Default  *string `yaml:"default,omitempty"`
	// Normalize lists normalizers applied in order: trim, lower, upper, collapse_spaces.
	Normalize []string `yaml:"normalize,omitempty"`
	MaxLength int      `yaml:"max_length,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty"`
	Allowed   []string `yaml:"allowed,omitempty"`
	Min       *float64 `yaml:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"`
	// Format is the Go time layout for date and timestamp columns.
	Format string `yaml:"format,omitempty"`
}

// SourceName returns the feed header the column reads from.
func (c ColumnConfig) SourceName() string {
	if c.Source != "" {
		return c.Source
	}
	return c.Name
}

// RuleConfig is a govaluate expression over column names that must hold.
type RuleConfig struct {
	Expression string `yaml:"expression"`
	Message    string `yaml:"message,omitempty"`
}

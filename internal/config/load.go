package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"feed-loader/internal/util"
)

// LoadConfig reads, parses, and validates the YAML configuration file.
// It applies defaults before returning the validated configuration.
func LoadConfig(filename string) (*Config, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(fileBytes, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", filename, err)
	}

	applyDefaults(&cfg)
	expandEnv(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills unset values.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Database.WriteTimeout == 0 {
		cfg.Database.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Import.BatchSize == 0 {
		cfg.Import.BatchSize = DefaultBatchSize
	}
	if cfg.Sources.CSV.Delimiter == "" {
		cfg.Sources.CSV.Delimiter = DefaultCSVDelimiter
	}
	for i := range cfg.Targets {
		for j := range cfg.Targets[i].Columns {
			col := &cfg.Targets[i].Columns[j]
			col.Type = strings.ToLower(strings.TrimSpace(col.Type))
			if col.Type == "" {
				col.Type = ColumnTypeText
			}
		}
	}
}

// expandEnv resolves environment references in paths and credentials.
// The database URL is expanded when connecting so that it can be masked.
func expandEnv(cfg *Config) {
	cfg.Import.RejectFile = util.ExpandEnvUniversal(cfg.Import.RejectFile)
	cfg.S3.Endpoint = util.ExpandEnvUniversal(cfg.S3.Endpoint)
	cfg.S3.AccessKey = util.ExpandEnvUniversal(cfg.S3.AccessKey)
	cfg.S3.SecretKey = util.ExpandEnvUniversal(cfg.S3.SecretKey)
}

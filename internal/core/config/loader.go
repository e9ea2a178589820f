package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/chainindexer/internal/infra/source"
	"github.com/vietddude/chainindexer/internal/infra/storage/sqlstore"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i, p := range cfg.Indexers {
		if !filepath.IsAbs(p) {
			cfg.Indexers[i] = filepath.Join(dir, p)
		}
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = sqlstore.DriverPgx
	}
	if c.Source.Kind == "" {
		c.Source.Kind = source.KindGRPC
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 30 * time.Second
	}

	e := &c.Executor
	if e.BatchSize == 0 {
		e.BatchSize = 10
	}
	if e.IdleInterval == 0 {
		e.IdleInterval = time.Second
	}
	if e.DispatchTimeout == 0 {
		e.DispatchTimeout = 30 * time.Second
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 5
	}
	if e.InitialBackoff == 0 {
		e.InitialBackoff = 2 * time.Second
	}
	if e.MaxBackoff == 0 {
		e.MaxBackoff = 60 * time.Second
	}
}

// Validate checks the settings that have no usable default.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case sqlstore.DriverPgx, sqlstore.DriverPostgres, sqlstore.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch strings.ToLower(c.Source.Kind) {
	case source.KindGRPC, source.KindHTTP:
	default:
		return fmt.Errorf("unsupported source kind %q", c.Source.Kind)
	}
	if c.Executor.MaxBackoff < c.Executor.InitialBackoff {
		return fmt.Errorf("executor.max_backoff %s is below initial_backoff %s",
			c.Executor.MaxBackoff, c.Executor.InitialBackoff)
	}
	return nil
}

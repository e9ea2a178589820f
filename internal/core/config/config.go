package config

import (
	"time"

	"github.com/vietddude/chainindexer/internal/indexing/recovery"
	"github.com/vietddude/chainindexer/internal/indexing/throttle"
	redisclient "github.com/vietddude/chainindexer/internal/infra/redis"
	"github.com/vietddude/chainindexer/internal/infra/storage/sqlstore"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database sqlstore.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Source   SourceConfig       `yaml:"source"`
	Executor ExecutorConfig     `yaml:"executor"`
	// Indexers lists manifest paths. Relative paths resolve against the
	// directory of the config file.
	Indexers []string `yaml:"indexers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SourceConfig selects the block source.
type SourceConfig struct {
	Kind    string        `yaml:"kind"` // grpc, http
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExecutorConfig holds dispatcher and execution settings shared by every
// indexer.
type ExecutorConfig struct {
	BatchSize       uint32        `yaml:"batch_size"`
	IdleInterval    time.Duration `yaml:"idle_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	// MaxBatchSize above BatchSize enables adaptive batching between the two.
	MaxBatchSize    uint32        `yaml:"max_batch_size"`
	MaxIdleInterval time.Duration `yaml:"max_idle_interval"`
}

// Backoff builds the batch retry strategy.
func (c ExecutorConfig) Backoff() *recovery.ExponentialBackoff {
	b := recovery.DefaultBackoff(recovery.ClassifyKind)
	b.InitialDelay = c.InitialBackoff
	b.MaxDelay = c.MaxBackoff
	b.MaxAttempts = c.MaxAttempts
	return b
}

// Throttle builds the adaptive batch controller, or nil when batching is fixed.
// Each dispatcher needs its own controller.
func (c ExecutorConfig) Throttle() *throttle.Controller {
	if c.MaxBatchSize <= c.BatchSize {
		return nil
	}
	cfg := throttle.DefaultConfig()
	cfg.MinBatchSize = c.BatchSize
	cfg.MaxBatchSize = c.MaxBatchSize
	cfg.MinInterval = c.IdleInterval
	if c.MaxIdleInterval > 0 {
		cfg.MaxInterval = c.MaxIdleInterval
	}
	if c.DispatchTimeout > 0 {
		cfg.HighLatency = c.DispatchTimeout / 2
	}
	return throttle.New(cfg)
}

package throttle

import "time"

// Config holds the bounds of adaptive batching.
type Config struct {
	// Batch size bounds. A full batch doubles the size, a slow one halves it.
	MinBatchSize uint32
	MaxBatchSize uint32

	// Idle polling bounds. Each empty batch at the source head doubles the
	// interval; any block resets it to MinInterval.
	MinInterval time.Duration
	MaxInterval time.Duration

	// HighLatency marks a batch as slow enough to shrink the next one.
	HighLatency time.Duration
}

// DefaultConfig returns sensible defaults for adaptive batching.
func DefaultConfig() Config {
	return Config{
		MinBatchSize: 1,
		MaxBatchSize: 100,
		MinInterval:  500 * time.Millisecond,
		MaxInterval:  30 * time.Second,
		HighLatency:  5 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MinBatchSize == 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.MaxBatchSize < c.MinBatchSize {
		c.MaxBatchSize = c.MinBatchSize
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.HighLatency <= 0 {
		c.HighLatency = d.HighLatency
	}
}

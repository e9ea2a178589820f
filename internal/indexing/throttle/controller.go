// Package throttle sizes dispatcher batches from how far behind the source
// the indexer is and how long batches take.
package throttle

import (
	"sync"
	"time"
)

// Controller computes the next batch size and idle interval of one
// dispatcher from the outcome of its previous batch.
type Controller struct {
	config Config

	mu       sync.Mutex
	batch    uint32
	interval time.Duration
}

// New creates a controller starting at the smallest batch and interval.
func New(config Config) *Controller {
	config.normalize()
	return &Controller{
		config:   config,
		batch:    config.MinBatchSize,
		interval: config.MinInterval,
	}
}

// Observe records a batch outcome. requested is the limit that was asked
// of the source, got the number of blocks processed.
//
// Algorithm:
//   - latency above HighLatency: halve the batch (handlers or source are slow)
//   - no blocks: at the source head, drop to the min batch and double the interval
//   - full batch: behind the head, double the batch
//   - partial batch: caught up, keep the batch size
func (c *Controller) Observe(requested uint32, got int, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if got == 0 {
		c.batch = c.config.MinBatchSize
		c.interval = min(c.interval*2, c.config.MaxInterval)
		return
	}
	c.interval = c.config.MinInterval

	switch {
	case latency > c.config.HighLatency:
		c.batch = max(c.batch/2, c.config.MinBatchSize)
	case uint32(got) >= requested:
		c.batch = min(c.batch*2, c.config.MaxBatchSize)
	}
}

// BatchSize returns the limit for the next fetch.
func (c *Controller) BatchSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batch
}

// Interval returns how long to wait after an empty batch.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

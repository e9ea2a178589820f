// Package dispatcher drives one indexer: it pulls block batches from the
// source, runs them through the executor inside a single storage transaction
// and advances the cursor in that same transaction.
//
// A batch either commits completely, together with its cursor advance, or
// leaves no trace. Transient failures retry the same batch with exponential
// backoff. Anything else stops the indexer and records a halt.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/indexing/metrics"
	"github.com/vietddude/chainindexer/internal/indexing/recovery"
	"github.com/vietddude/chainindexer/internal/indexing/throttle"
	"github.com/vietddude/chainindexer/internal/infra/source"
	"github.com/vietddude/chainindexer/internal/infra/storage"
	"github.com/vietddude/chainindexer/internal/schema"
)

// ReasonEndHeight is the cursor reason recorded when the end height is reached.
const ReasonEndHeight = "end height reached"

// StopSignal reports stop requests made outside the process.
type StopSignal interface {
	StopRequested(ctx context.Context, namespace, identifier string) (string, bool, error)
}

// HaltPublisher records halts for operators.
type HaltPublisher interface {
	Publish(ctx context.Context, h *domain.Halt) error
}

// Config holds dispatcher configuration
type Config struct {
	Namespace    string
	Identifier   string
	Mode         execution.Mode
	BatchSize    uint32
	IdleInterval time.Duration
	// StartHeight seeds a missing cursor at StartHeight-1.
	StartHeight uint64
	// EndHeight, when non-zero, is the last height to index.
	EndHeight uint64
	Backoff   *recovery.ExponentialBackoff
	// Throttle, when set, overrides BatchSize and IdleInterval.
	Throttle *throttle.Controller

	Plan     *schema.Plan
	Executor execution.Executor
	Source   source.Source
	Store    storage.Store
	Cursors  storage.CursorRepository
	// Stops and Halts are optional.
	Stops StopSignal
	Halts HaltPublisher
}

// Status is a snapshot of a dispatcher.
type Status struct {
	Namespace  string
	Identifier string
	State      State
	Height     uint64
	Halt       *domain.Halt
}

// Dispatcher runs the batch loop of one indexer.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	state  State
	height uint64
	halt   *domain.Halt

	running  atomic.Bool
	paused   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Dispatcher {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = recovery.DefaultBackoff(nil)
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: slog.With("indexer", domain.UID(cfg.Namespace, cfg.Identifier)),
		state:  StateIdle,
		stop:   make(chan struct{}),
	}
}

// Run processes batches until ctx is cancelled, Stop is called or the
// indexer halts. The returned halt is nil on a graceful stop. The error is
// non-nil only when the cursor could not be read or a halt could not be
// persisted.
func (d *Dispatcher) Run(ctx context.Context) (*domain.Halt, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("dispatcher already running")
	}
	defer d.running.Store(false)

	cursor, err := d.loadCursor(ctx)
	if err != nil {
		return nil, err
	}
	if cursor.State == domain.CursorStateStopped {
		d.logger.Warn("Cursor is stopped, not scheduling", "height", cursor.Height, "reason", cursor.Reason)
		d.setState(StateStopped)
		return nil, nil
	}
	d.setHeight(cursor.Height)
	d.logger.Info("Dispatcher started", "height", cursor.Height, "batch_size", d.cfg.BatchSize)

	attempt := 0
	for {
		if d.interrupted(ctx) {
			d.logger.Info("Dispatcher stopped", "height", d.Height())
			d.setState(StateStopped)
			return nil, nil
		}

		halt, err := d.checkStop(ctx)
		if err != nil || halt != nil {
			return halt, err
		}

		if d.paused.Load() {
			d.setState(StatePaused)
			d.wait(ctx, d.cfg.IdleInterval)
			continue
		}
		if d.State() == StatePaused {
			d.setState(StateIdle)
		}

		committed, err := d.step(ctx)
		if err == nil {
			attempt = 0
			if !committed {
				d.wait(ctx, d.idleInterval())
			}
			continue
		}

		if d.interrupted(ctx) {
			continue
		}
		if errors.Is(err, domain.ErrEarlyExit) {
			var exit *domain.ExitError
			code := int32(0)
			if errors.As(err, &exit) {
				code = exit.Code
			}
			return d.stopWith(ctx, domain.HaltEarlyExit, err.Error(), code)
		}
		if d.cfg.Backoff.ShouldRetry(err, attempt) {
			delay := d.cfg.Backoff.DelayFor(err, attempt)
			attempt++
			metrics.BatchesTotal.WithLabelValues(d.uid(), "retried").Inc()
			d.logger.Warn("Batch failed, retrying",
				"height", d.Height(),
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			d.setState(StateIdle)
			d.wait(ctx, delay)
			continue
		}
		return d.stopWith(ctx, domain.HaltFault, err.Error(), 0)
	}
}

// step runs one fetch, execute, commit cycle. It reports whether a batch was
// committed.
func (d *Dispatcher) step(ctx context.Context) (bool, error) {
	after := d.Height()
	limit := d.batchSize()
	if d.cfg.EndHeight > 0 && d.cfg.EndHeight-after < uint64(limit) {
		limit = uint32(d.cfg.EndHeight - after)
	}

	d.setState(StateFetching)
	start := time.Now()
	blocks, err := d.cfg.Source.NextBlocks(ctx, after, limit)
	if err != nil {
		return false, source.Classify("next_blocks", err)
	}
	if err := source.Validate(after, blocks); err != nil {
		return false, err
	}
	if d.cfg.EndHeight > 0 {
		blocks = trimTo(blocks, d.cfg.EndHeight)
	}
	if len(blocks) == 0 {
		d.observe(limit, 0, time.Since(start))
		metrics.BatchesTotal.WithLabelValues(d.uid(), "empty").Inc()
		d.setState(StateIdle)
		return false, nil
	}

	// The transaction outlives cancellation of ctx: a batch that started
	// executing always finishes with a commit or a rollback.
	work := context.WithoutCancel(ctx)
	uow, err := d.cfg.Store.NewUnitOfWork(work, d.cfg.Plan)
	if err != nil {
		return false, err
	}
	defer uow.Rollback()

	d.setState(StateExecuting)
	dispatched := time.Now()
	err = d.cfg.Executor.Dispatch(work, uow, blocks)
	metrics.DispatchLatency.WithLabelValues(d.uid(), string(d.cfg.Mode)).Observe(time.Since(dispatched).Seconds())
	if err != nil {
		return false, err
	}

	last := domain.LastHeight(blocks)
	d.setState(StateCommitting)
	if err := uow.AdvanceCursor(work, d.cfg.Namespace, d.cfg.Identifier, last); err != nil {
		return false, err
	}
	if err := uow.Commit(); err != nil {
		return false, err
	}

	d.setHeight(last)
	d.setState(StateIdle)
	d.observe(limit, len(blocks), time.Since(start))
	metrics.BlocksProcessed.WithLabelValues(d.uid()).Add(float64(len(blocks)))
	metrics.BatchesTotal.WithLabelValues(d.uid(), "committed").Inc()
	metrics.CursorHeight.WithLabelValues(d.uid()).Set(float64(last))
	d.logger.Debug("Batch committed",
		"from", blocks[0].Height,
		"to", last,
		"blocks", len(blocks),
		"duration", time.Since(start),
	)
	return true, nil
}

func (d *Dispatcher) batchSize() uint32 {
	if d.cfg.Throttle != nil {
		return d.cfg.Throttle.BatchSize()
	}
	return d.cfg.BatchSize
}

func (d *Dispatcher) idleInterval() time.Duration {
	if d.cfg.Throttle != nil {
		return d.cfg.Throttle.Interval()
	}
	return d.cfg.IdleInterval
}

func (d *Dispatcher) observe(limit uint32, got int, latency time.Duration) {
	if d.cfg.Throttle != nil {
		d.cfg.Throttle.Observe(limit, got, latency)
	}
}

func trimTo(blocks []domain.Block, end uint64) []domain.Block {
	for i, b := range blocks {
		if b.Height > end {
			return blocks[:i]
		}
	}
	return blocks
}

func (d *Dispatcher) loadCursor(ctx context.Context) (*domain.Cursor, error) {
	c, err := d.cfg.Cursors.Get(ctx, d.cfg.Namespace, d.cfg.Identifier)
	if errors.Is(err, storage.ErrCursorNotFound) {
		seed := uint64(0)
		if d.cfg.StartHeight > 0 {
			seed = d.cfg.StartHeight - 1
		}
		return &domain.Cursor{
			Namespace:  d.cfg.Namespace,
			Identifier: d.cfg.Identifier,
			Height:     seed,
			State:      domain.CursorStateRunning,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	return c, nil
}

// checkStop handles the end height and external stop requests.
func (d *Dispatcher) checkStop(ctx context.Context) (*domain.Halt, error) {
	if d.cfg.EndHeight > 0 && d.Height() >= d.cfg.EndHeight {
		return d.stopWith(ctx, domain.HaltEndHeight, ReasonEndHeight, 0)
	}
	if d.cfg.Stops == nil {
		return nil, nil
	}
	reason, ok, err := d.cfg.Stops.StopRequested(ctx, d.cfg.Namespace, d.cfg.Identifier)
	if err != nil {
		d.logger.Warn("Failed to check stop request", "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	if reason == "" {
		reason = "stop requested"
	}
	return d.stopWith(ctx, domain.HaltRequested, reason, 0)
}

// stopWith persists the stopped cursor state and publishes the halt.
func (d *Dispatcher) stopWith(ctx context.Context, kind domain.HaltKind, reason string, code int32) (*domain.Halt, error) {
	ctx = context.WithoutCancel(ctx)
	h := &domain.Halt{
		ID:         uuid.NewString(),
		Namespace:  d.cfg.Namespace,
		Identifier: d.cfg.Identifier,
		Kind:       kind,
		Height:     d.Height(),
		ExitCode:   code,
		Error:      reason,
		CreatedAt:  time.Now().Unix(),
	}

	d.mu.Lock()
	d.halt = h
	d.mu.Unlock()
	d.setState(StateStopped)
	metrics.Halts.WithLabelValues(d.uid(), string(kind)).Inc()

	switch kind {
	case domain.HaltFault:
		d.logger.Error("Indexer halted", "height", h.Height, "error", reason)
	default:
		d.logger.Info("Indexer stopped", "kind", kind, "height", h.Height, "reason", reason, "code", code)
	}

	if d.cfg.Halts != nil {
		if err := d.cfg.Halts.Publish(ctx, h); err != nil {
			d.logger.Warn("Failed to publish halt", "error", err)
		}
	}

	err := d.cfg.Cursors.UpdateState(ctx, d.cfg.Namespace, d.cfg.Identifier, domain.CursorStateStopped, reason)
	if errors.Is(err, storage.ErrCursorNotFound) {
		err = d.cfg.Cursors.Save(ctx, &domain.Cursor{
			Namespace:  d.cfg.Namespace,
			Identifier: d.cfg.Identifier,
			Height:     h.Height,
			State:      domain.CursorStateStopped,
			Reason:     reason,
		})
	}
	if err != nil {
		return h, fmt.Errorf("failed to persist stopped cursor: %w", err)
	}
	return h, nil
}

func (d *Dispatcher) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// wait sleeps for delay unless ctx is cancelled or Stop is called first.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-d.stop:
	case <-t.C:
	}
}

// Stop asks Run to return before the next batch. A batch in flight finishes.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Pause holds the loop before the next batch until Resume is called.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume releases a paused loop.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dispatcher) Height() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.height
}

// Status returns a snapshot for health reporting.
func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{
		Namespace:  d.cfg.Namespace,
		Identifier: d.cfg.Identifier,
		State:      d.state,
		Height:     d.height,
		Halt:       d.halt,
	}
}

func (d *Dispatcher) setState(to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == to {
		return
	}
	if !CanTransition(d.state, to) {
		d.logger.Warn("Invalid state transition", "from", d.state, "to", to)
	}
	d.state = to
}

func (d *Dispatcher) setHeight(h uint64) {
	d.mu.Lock()
	d.height = h
	d.mu.Unlock()
}

func (d *Dispatcher) uid() string {
	return domain.UID(d.cfg.Namespace, d.cfg.Identifier)
}

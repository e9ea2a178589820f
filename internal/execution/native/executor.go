package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/schema"
)

// Config configures a native executor.
type Config struct {
	Indexer string
	Module  string
	Plan    *schema.Plan
	// Timeout bounds one Dispatch. It is checked between events.
	Timeout time.Duration
}

// Executor implements execution.Executor for a registered module.
type Executor struct {
	cfg     Config
	module  Module
	layouts map[string]*codec.Layout
	logger  *slog.Logger
}

var _ execution.Executor = (*Executor)(nil)

// New looks up the configured module.
func New(cfg Config) (*Executor, error) {
	m, ok := Lookup(cfg.Module)
	if !ok {
		return nil, domain.Errorf(domain.ErrExecution, "load", "native module %q is not registered", cfg.Module)
	}
	if cfg.Plan == nil {
		return nil, domain.Errorf(domain.ErrExecution, "load", "no schema plan for %s", cfg.Indexer)
	}

	layouts := make(map[string]*codec.Layout, len(cfg.Plan.Tables))
	for _, t := range cfg.Plan.Tables {
		layouts[t.Type] = t.Layout()
	}

	return &Executor{
		cfg:     cfg,
		module:  m,
		layouts: layouts,
		logger:  slog.With("indexer", cfg.Indexer, "module", m.Name),
	}, nil
}

// Dispatch calls the handler of every event in order. Events without a
// handler are skipped.
func (e *Executor) Dispatch(ctx context.Context, session execution.Session, blocks []domain.Block) error {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	hctx := newContext(ctx, session, e.layouts, e.logger)
	defer hctx.release()

	for _, block := range blocks {
		for _, tx := range block.Transactions {
			for _, event := range tx.Events {
				if err := ctx.Err(); err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return domain.Errorf(domain.ErrExecution, "dispatch",
							"handler exceeded dispatch timeout of %s at height %d", e.cfg.Timeout, block.Height)
					}
					return domain.Wrap(domain.ErrTransport, "dispatch", err)
				}

				handler, ok := e.module.Handlers[event.Kind]
				if !ok {
					e.logger.Debug("No handler for event", "kind", event.Kind, "height", block.Height)
					continue
				}
				if err := handler(hctx, block, event); err != nil {
					return e.handlerError(block, tx, event, err)
				}
			}
		}
	}
	return nil
}

func (e *Executor) handlerError(block domain.Block, tx domain.Transaction, event domain.Event, err error) error {
	if errors.Is(err, domain.ErrEarlyExit) {
		return err
	}
	e.logger.Error("Handler failed",
		"height", block.Height,
		"tx", tx.ID,
		"kind", event.Kind,
		"error", err,
	)
	if domain.KindOf(err) != nil {
		return err
	}
	return domain.Wrap(domain.ErrExecution, event.Kind, fmt.Errorf("handler failed at height %d: %w", block.Height, err))
}

// Close is a no-op: native modules hold no instance state.
func (e *Executor) Close(context.Context) error { return nil }

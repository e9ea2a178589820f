// Package wasm runs sandboxed handler modules under wazero.
//
// A module sees storage only through the host functions of the "env" import
// module. Each Dispatch copies the encoded batch into guest memory, calls
// handle_events and frees the batch once the guest returns. Freed buffers stay
// on record for the life of the instance. Any trap discards the instance; the
// next Dispatch starts from a fresh one.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
)

// Guest exports.
const (
	ExportMemory       = "memory"
	ExportAlloc        = "alloc_fn"
	ExportDealloc      = "dealloc_fn"
	ExportHandleEvents = "handle_events"
	ExportVersionPtr   = "get_version_ptr"
	ExportVersionLen   = "get_version_len"
)

// Reactor modules built with -buildmode=c-shared initialize here.
const startFunction = "_initialize"

// Config configures a sandboxed executor.
type Config struct {
	// Indexer is the namespace.identifier used in logs and metrics.
	Indexer string
	// Module is the compiled WebAssembly binary.
	Module []byte
	// Version is the deployed schema version. When the module exports its
	// own version the two must match.
	Version string
	// Timeout bounds one Dispatch. Zero means no limit.
	Timeout time.Duration
}

// Executor implements execution.Executor for one module.
type Executor struct {
	cfg      Config
	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu     sync.Mutex
	mod    api.Module
	ledger *Ledger
}

var _ execution.Executor = (*Executor)(nil)

// New compiles the module, checks its exports and schema version, and keeps
// an instance ready for dispatch.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	e, err := newExecutor(ctx, r, cfg)
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return e, nil
}

func newExecutor(ctx context.Context, r wazero.Runtime, cfg Config) (*Executor, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
	}
	if err := instantiateHost(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := r.CompileModule(ctx, cfg.Module)
	if err != nil {
		return nil, domain.Wrap(domain.ErrExecution, "load", fmt.Errorf("failed to compile module: %w", err))
	}
	if err := checkExports(compiled); err != nil {
		return nil, err
	}

	e := &Executor{cfg: cfg, runtime: r, compiled: compiled}
	mod, err := e.instance(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.checkVersion(ctx, mod); err != nil {
		return nil, err
	}
	return e, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return domain.Errorf(domain.ErrExecution, "load", "module does not export %q", ExportMemory)
	}
	fns := compiled.ExportedFunctions()
	for _, name := range []string{ExportAlloc, ExportDealloc, ExportHandleEvents} {
		if _, ok := fns[name]; !ok {
			return domain.Errorf(domain.ErrExecution, "load", "module does not export %q", name)
		}
	}
	return nil
}

// instance returns the live module instance, instantiating one if needed.
func (e *Executor) instance(ctx context.Context) (api.Module, error) {
	if e.mod != nil && !e.mod.IsClosed() {
		return e.mod, nil
	}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions(startFunction).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		return nil, domain.Wrap(domain.ErrExecution, "instantiate", fmt.Errorf("failed to instantiate module: %w", err))
	}
	e.mod = mod
	e.ledger = NewLedger()
	return mod, nil
}

// discard drops an instance whose state can no longer be trusted.
func (e *Executor) discard(ctx context.Context) {
	if e.mod != nil {
		_ = e.mod.Close(ctx)
		e.mod = nil
	}
	e.ledger = nil
}

func (e *Executor) checkVersion(ctx context.Context, mod api.Module) error {
	ptrFn, lenFn := mod.ExportedFunction(ExportVersionPtr), mod.ExportedFunction(ExportVersionLen)
	if ptrFn == nil || lenFn == nil || e.cfg.Version == "" {
		return nil
	}
	ptr, err := ptrFn.Call(ctx)
	if err != nil {
		return domain.Wrap(domain.ErrFFI, ExportVersionPtr, err)
	}
	n, err := lenFn.Call(ctx)
	if err != nil {
		return domain.Wrap(domain.ErrFFI, ExportVersionLen, err)
	}
	b, ok := mod.Memory().Read(api.DecodeU32(ptr[0]), api.DecodeU32(n[0]))
	if !ok {
		return domain.Errorf(domain.ErrFFI, "version", "out of bounds version string")
	}
	// Modules built without a version export an empty string.
	if got := string(b); got != "" && got != e.cfg.Version {
		return domain.Errorf(domain.ErrExecution, "version",
			"module built for schema %s, deployed schema is %s", got, e.cfg.Version)
	}
	return nil
}

// Dispatch hands the batch to handle_events. Writes reach storage only
// through session while the call is running.
func (e *Executor) Dispatch(ctx context.Context, session execution.Session, blocks []domain.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runtime == nil {
		return domain.Errorf(domain.ErrExecution, "dispatch", "executor is closed")
	}
	mod, err := e.instance(ctx)
	if err != nil {
		return err
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	st := &dispatchState{indexer: e.cfg.Indexer, session: session, ledger: e.ledger}
	ctx = withState(ctx, st)
	g := moduleGuest{mod: mod}

	payload := codec.EncodeBatch(blocks)
	size := uint32(len(payload))
	ptr, err := g.Alloc(ctx, size)
	if err != nil {
		e.discard(ctx)
		return e.callError(ctx, st, ExportAlloc, err)
	}
	st.ledger.Lend(ptr, size)
	if !g.Write(ptr, payload) {
		e.discard(ctx)
		return domain.Errorf(domain.ErrFFI, "dispatch", "out of bounds batch buffer [%#x, +%d)", ptr, size)
	}

	if _, err := mod.ExportedFunction(ExportHandleEvents).Call(ctx, api.EncodeU32(ptr), api.EncodeU32(size)); err != nil {
		e.discard(ctx)
		return e.callError(ctx, st, ExportHandleEvents, err)
	}

	if _, err := mod.ExportedFunction(ExportDealloc).Call(ctx, api.EncodeU32(ptr), api.EncodeU32(size)); err != nil {
		e.discard(ctx)
		return e.callError(ctx, st, ExportDealloc, err)
	}
	contents, ok := g.Read(ptr, size)
	if !ok {
		e.discard(ctx)
		return domain.Errorf(domain.ErrFFI, "dispatch", "out of bounds batch buffer [%#x, +%d)", ptr, size)
	}
	if err := st.ledger.Reclaim(ptr, contents); err != nil {
		return err
	}
	if leaked := st.ledger.Outstanding(); len(leaked) > 0 {
		slog.Warn("Host buffers left in guest memory", "indexer", e.cfg.Indexer, "buffers", len(leaked))
	}
	st.ledger.Sweep(g)
	return nil
}

// callError turns a failed guest call into a domain error. Host function
// errors keep their own kind.
func (e *Executor) callError(ctx context.Context, st *dispatchState, fn string, err error) error {
	switch {
	case st.exit != nil:
		return st.exit
	case st.err != nil:
		return st.err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.Errorf(domain.ErrExecution, fn, "handler exceeded dispatch timeout of %s", e.cfg.Timeout)
	case ctx.Err() != nil:
		return domain.Wrap(domain.ErrTransport, fn, ctx.Err())
	default:
		return domain.Wrap(domain.ErrFFI, fn, fmt.Errorf("guest trap: %w", err))
	}
}

// Close releases the instance and the runtime.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runtime == nil {
		return nil
	}
	e.mod = nil
	err := e.runtime.Close(ctx)
	e.runtime = nil
	return err
}

package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/indexing/metrics"
)

// HostModule is the import module name of the host functions.
const HostModule = "env"

// Host function names.
const (
	FuncPutObject     = "ff_put_object"
	FuncGetObject     = "ff_get_object"
	FuncPutManyToMany = "ff_put_many_to_many_record"
	FuncLogData       = "ff_log_data"
	FuncEarlyExit     = "ff_early_exit"
)

// Log levels accepted by ff_log_data.
const (
	LogError int32 = iota + 1
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

const levelTrace = slog.LevelDebug - 4

// guest is the part of a module instance the host functions touch.
type guest interface {
	Read(ptr, n uint32) ([]byte, bool)
	Write(ptr uint32, b []byte) bool
	Alloc(ctx context.Context, n uint32) (uint32, error)
}

// dispatchState is what host functions may reach during one dispatch.
type dispatchState struct {
	indexer string
	session execution.Session
	ledger  *Ledger

	err  error
	exit *domain.ExitError
}

type stateKey struct{}

func withState(ctx context.Context, st *dispatchState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFrom(ctx context.Context) (*dispatchState, bool) {
	st, ok := ctx.Value(stateKey{}).(*dispatchState)
	return st, ok
}

// read copies [ptr, ptr+n) out of guest memory.
func read(g guest, st *dispatchState, op string, ptr, n uint32) ([]byte, error) {
	if err := st.ledger.Check(g, ptr, n); err != nil {
		return nil, err
	}
	b, ok := g.Read(ptr, n)
	if !ok {
		return nil, domain.Errorf(domain.ErrFFI, op, "out of bounds read [%#x, +%d)", ptr, n)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func putObject(ctx context.Context, st *dispatchState, g guest, typeID int64, ptr, n uint32) error {
	b, err := read(g, st, FuncPutObject, ptr, n)
	if err != nil {
		return err
	}
	row, err := codec.DecodeRow(b)
	if err != nil {
		return err
	}
	return st.session.PutObject(ctx, typeID, row)
}

// getObject returns the address of a guest-owned copy of the row and writes
// its length at lenPtr. Both are zero when the object does not exist.
func getObject(ctx context.Context, st *dispatchState, g guest, typeID int64, id uint64, lenPtr uint32) (uint32, error) {
	var size [4]byte
	row, err := st.session.GetObject(ctx, typeID, id)
	if errors.Is(err, execution.ErrNotFound) {
		if !g.Write(lenPtr, size[:]) {
			return 0, domain.Errorf(domain.ErrFFI, FuncGetObject, "out of bounds length pointer %#x", lenPtr)
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	b := codec.EncodeRow(row)
	ptr, err := g.Alloc(ctx, uint32(len(b)))
	if err != nil {
		return 0, domain.Wrap(domain.ErrFFI, FuncGetObject, err)
	}
	if !g.Write(ptr, b) {
		return 0, domain.Errorf(domain.ErrFFI, FuncGetObject, "out of bounds write [%#x, +%d)", ptr, len(b))
	}
	st.ledger.Transfer(ptr, uint32(len(b)))

	binary.LittleEndian.PutUint32(size[:], uint32(len(b)))
	if !g.Write(lenPtr, size[:]) {
		return 0, domain.Errorf(domain.ErrFFI, FuncGetObject, "out of bounds length pointer %#x", lenPtr)
	}
	return ptr, nil
}

func putManyToMany(ctx context.Context, st *dispatchState, g guest, ptr, n uint32) error {
	b, err := read(g, st, FuncPutManyToMany, ptr, n)
	if err != nil {
		return err
	}
	rec, err := codec.DecodeManyToMany(b)
	if err != nil {
		return err
	}
	return st.session.PutManyToMany(ctx, rec)
}

func logData(ctx context.Context, st *dispatchState, g guest, ptr, n uint32, level int32) error {
	b, err := read(g, st, FuncLogData, ptr, n)
	if err != nil {
		return err
	}
	var lvl slog.Level
	switch level {
	case LogError:
		lvl = slog.LevelError
	case LogWarn:
		lvl = slog.LevelWarn
	case LogInfo:
		lvl = slog.LevelInfo
	case LogDebug:
		lvl = slog.LevelDebug
	case LogTrace:
		lvl = levelTrace
	default:
		return domain.Errorf(domain.ErrFFI, FuncLogData, "invalid log level %d", level)
	}
	slog.Log(ctx, lvl, string(b), "indexer", st.indexer)
	return nil
}

// =============================================================================
// wazero bindings
// =============================================================================

type moduleGuest struct {
	mod api.Module
}

func (g moduleGuest) Read(ptr, n uint32) ([]byte, bool) {
	return g.mod.Memory().Read(ptr, n)
}

func (g moduleGuest) Write(ptr uint32, b []byte) bool {
	return g.mod.Memory().Write(ptr, b)
}

func (g moduleGuest) Alloc(ctx context.Context, n uint32) (uint32, error) {
	fn := g.mod.ExportedFunction(ExportAlloc)
	if fn == nil {
		return 0, errors.New("alloc_fn is not exported")
	}
	res, err := fn.Call(ctx, api.EncodeU32(n))
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(res[0]), nil
}

// bind adapts a host function body to wazero. Errors unwind the guest call
// and are kept on the dispatch state so their kind survives the trap.
func bind(name string, fn func(ctx context.Context, st *dispatchState, g guest, stack []uint64) error) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		st, ok := stateFrom(ctx)
		if !ok {
			panic(domain.Errorf(domain.ErrFFI, name, "called outside a dispatch"))
		}
		metrics.FFICalls.WithLabelValues(st.indexer, name).Inc()

		err := fn(ctx, st, moduleGuest{mod: mod}, stack)
		if err == nil {
			return
		}
		var exit *domain.ExitError
		if errors.As(err, &exit) {
			st.exit = exit
			_ = mod.CloseWithExitCode(ctx, uint32(exit.Code))
			panic(sys.NewExitError(uint32(exit.Code)))
		}
		if st.err == nil {
			st.err = err
		}
		panic(err)
	}
}

func instantiateHost(ctx context.Context, r wazero.Runtime) error {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64

	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(bind(FuncPutObject, func(ctx context.Context, st *dispatchState, g guest, stack []uint64) error {
			return putObject(ctx, st, g, int64(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
		}), []api.ValueType{i64, i32, i32}, nil).
		Export(FuncPutObject).
		NewFunctionBuilder().
		WithGoModuleFunction(bind(FuncGetObject, func(ctx context.Context, st *dispatchState, g guest, stack []uint64) error {
			ptr, err := getObject(ctx, st, g, int64(stack[0]), stack[1], api.DecodeU32(stack[2]))
			stack[0] = api.EncodeU32(ptr)
			return err
		}), []api.ValueType{i64, i64, i32}, []api.ValueType{i32}).
		Export(FuncGetObject).
		NewFunctionBuilder().
		WithGoModuleFunction(bind(FuncPutManyToMany, func(ctx context.Context, st *dispatchState, g guest, stack []uint64) error {
			return putManyToMany(ctx, st, g, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		}), []api.ValueType{i32, i32}, nil).
		Export(FuncPutManyToMany).
		NewFunctionBuilder().
		WithGoModuleFunction(bind(FuncLogData, func(ctx context.Context, st *dispatchState, g guest, stack []uint64) error {
			return logData(ctx, st, g, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeI32(stack[2]))
		}), []api.ValueType{i32, i32, i32}, nil).
		Export(FuncLogData).
		NewFunctionBuilder().
		WithGoModuleFunction(bind(FuncEarlyExit, func(_ context.Context, _ *dispatchState, _ guest, stack []uint64) error {
			return &domain.ExitError{Code: api.DecodeI32(stack[0])}
		}), []api.ValueType{i32}, nil).
		Export(FuncEarlyExit).
		Instantiate(ctx)
	return err
}

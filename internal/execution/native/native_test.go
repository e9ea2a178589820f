package native_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution/native"
	"github.com/vietddude/chainindexer/internal/execution/native/counter"
	"github.com/vietddude/chainindexer/internal/infra/storage/memory"
	"github.com/vietddude/chainindexer/internal/schema"
)

var leaked *native.Context

func init() {
	native.Register(native.Module{
		Name: "leaky",
		Handlers: map[string]native.HandlerFunc{
			"keep": func(ctx *native.Context, _ domain.Block, _ domain.Event) error {
				leaked = ctx
				return nil
			},
		},
	})
	native.Register(native.Module{
		Name: "slow",
		Handlers: map[string]native.HandlerFunc{
			"wait": func(*native.Context, domain.Block, domain.Event) error {
				time.Sleep(20 * time.Millisecond)
				return nil
			},
		},
	})
	native.Register(native.Module{
		Name: "stranger",
		Handlers: map[string]native.HandlerFunc{
			"go": func(ctx *native.Context, _ domain.Block, _ domain.Event) error {
				return ctx.Save(stranger{})
			},
		},
	})
}

func counterPlan(t *testing.T) *schema.Plan {
	t.Helper()
	s, err := schema.Parse("test", counter.Schema)
	require.NoError(t, err)
	plan, err := schema.Compile(s)
	require.NoError(t, err)
	return plan
}

func block(height uint64, events ...domain.Event) domain.Block {
	return domain.Block{
		Height:       height,
		ID:           "block",
		Transactions: []domain.Transaction{{ID: "tx", Events: events}},
	}
}

func dispatch(t *testing.T, module string, blocks ...domain.Block) (*memory.MemoryStorage, *schema.Plan, error) {
	t.Helper()
	ctx := context.Background()
	plan := counterPlan(t)
	store := memory.NewMemoryStorage()

	exec, err := native.New(native.Config{Indexer: "test.native", Module: module, Plan: plan, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer exec.Close(ctx)

	uow, err := store.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	if err := exec.Dispatch(ctx, uow, blocks); err != nil {
		require.NoError(t, uow.Rollback())
		return store, plan, err
	}
	require.NoError(t, uow.Commit())
	return store, plan, nil
}

// =============================================================================
// Dispatch
// =============================================================================

func TestCountScenario(t *testing.T) {
	store, plan, err := dispatch(t, counter.Name, block(1, counter.CountEvent(42)))
	require.NoError(t, err)

	table, _ := plan.Table("Count")
	assert.Equal(t, 1, store.Count(table.TypeID))
	row, ok := store.Object(table.TypeID, counter.TotalID)
	require.True(t, ok)
	assert.True(t, row.Equal(codec.Row{codec.ID(1), codec.UInt8(42)}))
}

func TestEventsRunInOrderAcrossBlocks(t *testing.T) {
	store, plan, err := dispatch(t, counter.Name,
		block(1, counter.CountEvent(1), domain.Event{Kind: "unknown"}),
		block(2, counter.CountEvent(2), counter.CountEvent(3)),
	)
	require.NoError(t, err)

	table, _ := plan.Table("Count")
	row, ok := store.Object(table.TypeID, counter.TotalID)
	require.True(t, ok)
	assert.Equal(t, uint64(6), row[1].AsUInt8())
}

func TestHandlerErrorAbortsBatch(t *testing.T) {
	store, plan, err := dispatch(t, counter.Name,
		block(1, counter.CountEvent(5)),
		block(2, domain.Event{Kind: counter.EventCount, Data: []byte{1}}),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
	assert.Contains(t, err.Error(), "height 2")

	table, _ := plan.Table("Count")
	assert.Zero(t, store.Count(table.TypeID))
}

func TestEarlyExit(t *testing.T) {
	store, plan, err := dispatch(t, counter.Name,
		block(1, counter.CountEvent(5), counter.StopEvent(3), counter.CountEvent(5)),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEarlyExit)

	var exit *domain.ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, int32(3), exit.Code)

	table, _ := plan.Table("Count")
	assert.Zero(t, store.Count(table.TypeID))
}

func TestDispatchTimeout(t *testing.T) {
	_, _, err := dispatch(t, "slow", block(1, domain.Event{Kind: "wait"}, domain.Event{Kind: "wait"}))
	assert.ErrorIs(t, err, domain.ErrExecution)
	assert.ErrorContains(t, err, "timeout")
}

func TestContextReleasedAfterDispatch(t *testing.T) {
	_, _, err := dispatch(t, "leaky", block(1, domain.Event{Kind: "keep"}))
	require.NoError(t, err)
	require.NotNil(t, leaked)

	err = leaked.Save(&counter.Count{ID: 1, Value: 1})
	assert.ErrorIs(t, err, native.ErrHandleReleased)
	err = leaked.Load(&counter.Count{}, 1)
	assert.ErrorIs(t, err, native.ErrHandleReleased)
}

// =============================================================================
// Registration
// =============================================================================

func TestNewUnknownModule(t *testing.T) {
	_, err := native.New(native.Config{Module: "missing", Plan: counterPlan(t)})
	assert.ErrorIs(t, err, domain.ErrExecution)
}

func TestRegister(t *testing.T) {
	assert.Contains(t, native.Modules(), counter.Name)

	m, ok := native.Lookup(counter.Name)
	require.True(t, ok)
	assert.Len(t, m.Handlers, 2)

	assert.Panics(t, func() {
		native.Register(native.Module{Name: counter.Name, Handlers: m.Handlers})
	})
	assert.Panics(t, func() { native.Register(native.Module{Name: "empty"}) })
	assert.Panics(t, func() {
		native.Register(native.Module{Handlers: map[string]native.HandlerFunc{"x": nil}})
	})
}

func TestSaveUnknownType(t *testing.T) {
	_, _, err := dispatch(t, "stranger", block(1, domain.Event{Kind: "go"}))
	assert.ErrorIs(t, err, domain.ErrCodec)
}

type stranger struct{}

func (stranger) TypeName() string        { return "Stranger" }
func (stranger) ToRow() codec.Row        { return codec.Row{codec.ID(1)} }
func (stranger) FromRow(codec.Row) error { return nil }

//go:build !wasip1

package guest

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/typeid"
)

type fakeHost struct {
	objects map[int64]map[uint64][]byte
	links   []codec.ManyToMany
	logs    []string
	exit    *int32
}

func newFakeHost() *fakeHost {
	return &fakeHost{objects: map[int64]map[uint64][]byte{}}
}

func (h *fakeHost) PutObject(typeID int64, row []byte) {
	r, err := codec.DecodeRow(row)
	if err != nil {
		panic(err)
	}
	if h.objects[typeID] == nil {
		h.objects[typeID] = map[uint64][]byte{}
	}
	h.objects[typeID][r.ID()] = row
}

func (h *fakeHost) GetObject(typeID int64, id uint64) []byte {
	return h.objects[typeID][id]
}

func (h *fakeHost) PutManyToMany(rec []byte) {
	m, err := codec.DecodeManyToMany(rec)
	if err != nil {
		panic(err)
	}
	h.links = append(h.links, m)
}

func (h *fakeHost) Log(_ Level, msg string) { h.logs = append(h.logs, msg) }

func (h *fakeHost) Exit(code int32) { h.exit = &code }

type total struct {
	ID    uint64
	Value uint64
}

func (t *total) TypeName() string { return "Count" }
func (t *total) ToRow() codec.Row {
	return codec.Row{codec.ID(t.ID), codec.UInt8(t.Value)}
}
func (t *total) FromRow(r codec.Row) error {
	t.ID, t.Value = r[0].AsID(), r[1].AsUInt8()
	return nil
}

// reset swaps the global registration table for the duration of a test.
func reset(t *testing.T, c Config) {
	t.Helper()
	mu.Lock()
	prevCfg, prevHandlers := cfg, handlers
	cfg, handlers = c, map[string]Handler{}
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		cfg, handlers = prevCfg, prevHandlers
		mu.Unlock()
	})
}

func batch(events ...domain.Event) []byte {
	return codec.EncodeBatch([]domain.Block{{
		Height:       7,
		Transactions: []domain.Transaction{{ID: "tx", Events: events}},
	}})
}

func amount(n uint64) domain.Event {
	return domain.Event{Kind: "count", Data: binary.BigEndian.AppendUint64(nil, n)}
}

func countHandler(ctx *Context, _ domain.Block, ev domain.Event) error {
	t := &total{ID: 1}
	if _, err := ctx.Load(t, 1); err != nil {
		return err
	}
	t.Value += binary.BigEndian.Uint64(ev.Data)
	ctx.Save(t)
	return nil
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	reset(t, Config{Namespace: "shop", Version: "v1"})
	Handle("count", countHandler)

	host := newFakeHost()
	require.NoError(t, dispatch(host, batch(amount(40), domain.Event{Kind: "unknown"}, amount(2))))

	row := host.objects[typeid.Of("shop", "Count")][1]
	require.NotNil(t, row)
	var got total
	r, err := codec.DecodeRow(row)
	require.NoError(t, err)
	require.NoError(t, got.FromRow(r))
	assert.Equal(t, uint64(42), got.Value)
	assert.Equal(t, "v1", version())
}

func TestDispatchHandlerError(t *testing.T) {
	reset(t, Config{Namespace: "shop"})
	Handle("count", func(*Context, domain.Block, domain.Event) error {
		return errors.New("boom")
	})

	err := dispatch(newFakeHost(), batch(amount(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "height 7")
}

func TestDispatchExit(t *testing.T) {
	reset(t, Config{Namespace: "shop"})
	Handle("stop", func(ctx *Context, _ domain.Block, _ domain.Event) error {
		return ctx.Exit(3)
	})
	Handle("count", countHandler)

	host := newFakeHost()
	require.NoError(t, dispatch(host, batch(domain.Event{Kind: "stop"}, amount(1))))
	require.NotNil(t, host.exit)
	assert.Equal(t, int32(3), *host.exit)
	assert.Empty(t, host.objects, "events after exit must not run")
}

func TestDispatchBadPayload(t *testing.T) {
	reset(t, Config{})
	assert.Error(t, dispatch(newFakeHost(), []byte{0xff, 0xff}))
}

// =============================================================================
// Context
// =============================================================================

func TestContextLinkAndLog(t *testing.T) {
	host := newFakeHost()
	ctx := &Context{host: host, namespace: "shop"}

	ctx.Link(&total{ID: 9}, "members", 1, 2)
	require.Len(t, host.links, 1)
	assert.Equal(t, codec.ManyToMany{
		ParentTypeID: typeid.Of("shop", "Count"),
		Field:        "members",
		ParentID:     9,
		ChildIDs:     []uint64{1, 2},
	}, host.links[0])

	ctx.Log(LevelInfo, "seen %d", 3)
	assert.Equal(t, []string{"seen 3"}, host.logs)

	found, err := ctx.Load(&total{}, 5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDuplicateHandlerPanics(t *testing.T) {
	reset(t, Config{})
	Handle("count", countHandler)
	assert.Panics(t, func() { Handle("count", countHandler) })
}

package control_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/control"
	"github.com/vietddude/chainindexer/internal/core/config"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/manifest"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/execution/native/counter"
	"github.com/vietddude/chainindexer/internal/indexing/dispatcher"
	"github.com/vietddude/chainindexer/internal/infra/storage"
	"github.com/vietddude/chainindexer/internal/infra/storage/sqlstore"
)

// =============================================================================
// Fakes
// =============================================================================

// chain serves one count(1) event per block, forever.
type chain struct{}

func (chain) NextBlocks(_ context.Context, after uint64, limit uint32) ([]domain.Block, error) {
	blocks := make([]domain.Block, 0, limit)
	for h := after + 1; h <= after+uint64(limit); h++ {
		blocks = append(blocks, domain.Block{
			Height: h,
			Transactions: []domain.Transaction{{
				Events: []domain.Event{counter.CountEvent(1)},
			}},
		})
	}
	return blocks, nil
}

func (chain) Close() error { return nil }

type stops struct {
	mu       sync.Mutex
	requests map[string]string
	cleared  []string
}

func (s *stops) RequestStop(_ context.Context, ns, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests == nil {
		s.requests = make(map[string]string)
	}
	s.requests[domain.UID(ns, id)] = reason
	return nil
}

func (s *stops) StopRequested(_ context.Context, ns, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.requests[domain.UID(ns, id)]
	return reason, ok, nil
}

func (s *stops) ClearStop(_ context.Context, ns, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, domain.UID(ns, id))
	s.cleared = append(s.cleared, domain.UID(ns, id))
	return nil
}

type halts struct {
	mu  sync.Mutex
	all map[string][]*domain.Halt
}

func (h *halts) Publish(_ context.Context, halt *domain.Halt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.all == nil {
		h.all = make(map[string][]*domain.Halt)
	}
	uid := domain.UID(halt.Namespace, halt.Identifier)
	h.all[uid] = append(h.all[uid], halt)
	return nil
}

func (h *halts) Latest(_ context.Context, ns, id string) (*domain.Halt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.all[domain.UID(ns, id)]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func (h *halts) Clear(_ context.Context, ns, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.all, domain.UID(ns, id))
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func newService(t *testing.T, deps control.Deps, manifests ...string) *control.Service {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.NewDB(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	deps.DB = db
	deps.Source = chain{}
	cfg := &config.AppConfig{
		Executor: config.ExecutorConfig{
			BatchSize:      2,
			IdleInterval:   time.Millisecond,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
	}
	return control.New(cfg, deps)
}

func counterManifest(end uint64) *manifest.Manifest {
	return &manifest.Manifest{
		Namespace:   "shop",
		Identifier:  "totals",
		Schema:      counter.Schema,
		Execution:   execution.ModeNative,
		Module:      counter.Name,
		StartHeight: 1,
		EndHeight:   end,
	}
}

func wait(t *testing.T, svc *control.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))
}

func statusOf(t *testing.T, svc *control.Service) control.IndexerStatus {
	t.Helper()
	list, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStartRunsToEndHeight(t *testing.T) {
	h := &halts{}
	svc := newService(t, control.Deps{Halts: h})

	require.NoError(t, svc.Start(context.Background(), counterManifest(5)))
	wait(t, svc)

	st := statusOf(t, svc)
	assert.Equal(t, uint64(5), st.Height)
	assert.Equal(t, domain.CursorStateStopped, st.State)
	assert.Equal(t, dispatcher.ReasonEndHeight, st.Reason)
	require.NotNil(t, st.Halt)
	assert.Equal(t, domain.HaltEndHeight, st.Halt.Kind)

	statuses := svc.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, dispatcher.StateStopped, statuses[0].State)
	assert.Equal(t, uint64(5), statuses[0].Height)
}

func TestDeployResumesStoppedIndexer(t *testing.T) {
	s := &stops{}
	h := &halts{}
	svc := newService(t, control.Deps{Stops: s, Halts: h})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, counterManifest(3)))
	wait(t, svc)
	require.Equal(t, domain.CursorStateStopped, statusOf(t, svc).State)

	handle, err := svc.Deploy(ctx, counterManifest(6))
	require.NoError(t, err)
	assert.False(t, handle.Created)

	st := statusOf(t, svc)
	assert.Equal(t, domain.CursorStateRunning, st.State)
	assert.Equal(t, uint64(3), st.Height)
	assert.Nil(t, st.Halt)
	assert.Contains(t, s.cleared, "shop.totals")

	require.NoError(t, svc.Start(ctx, counterManifest(6)))
	wait(t, svc)
	assert.Equal(t, uint64(6), statusOf(t, svc).Height)
}

func TestStartRejectsRunningIndexer(t *testing.T) {
	svc := newService(t, control.Deps{})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, counterManifest(0)))
	err := svc.Start(ctx, counterManifest(0))
	assert.ErrorIs(t, err, control.ErrRunning)
	assert.ErrorIs(t, svc.ResetCursor(ctx, "shop", "totals", 0), control.ErrRunning)

	require.NoError(t, svc.RequestStop(ctx, "shop", "totals", "test"))
	wait(t, svc)
}

func TestStartUnknownModule(t *testing.T) {
	svc := newService(t, control.Deps{})
	m := counterManifest(0)
	m.Module = "missing"

	err := svc.Start(context.Background(), m)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
	assert.Empty(t, svc.Statuses())
}

func TestStartAllSkipsStoppedIndexer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "totals.graphql"), []byte(counter.Schema), 0o600))
	path := filepath.Join(dir, "totals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace: shop
identifier: totals
graphql_schema: totals.graphql
module: counter
start_height: 1
end_height: 3
`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &stops{}
	svc := newService(t, control.Deps{Stops: s}, path)

	require.NoError(t, svc.StartAll(ctx))
	wait(t, svc)
	require.Equal(t, domain.CursorStateStopped, statusOf(t, svc).State)
	require.Len(t, s.cleared, 1)

	// A restart leaves the stopped indexer alone.
	require.NoError(t, svc.StartAll(ctx))
	wait(t, svc)
	st := statusOf(t, svc)
	assert.Equal(t, domain.CursorStateStopped, st.State)
	assert.Equal(t, dispatcher.ReasonEndHeight, st.Reason)
	assert.Len(t, s.cleared, 1, "no deploy on boot")

	// An explicit deploy resumes it.
	m, err := manifest.Load(path)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, domain.CursorStateRunning, statusOf(t, svc).State)
}

// =============================================================================
// Operator commands
// =============================================================================

func TestRequestStop(t *testing.T) {
	ctx := context.Background()

	svc := newService(t, control.Deps{})
	assert.Error(t, svc.RequestStop(ctx, "shop", "totals", "maintenance"))

	s := &stops{}
	svc = newService(t, control.Deps{Stops: s})
	require.NoError(t, svc.RequestStop(ctx, "shop", "totals", "maintenance"))
	reason, ok, err := s.StopRequested(ctx, "shop", "totals")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "maintenance", reason)

	// Deploy clears stale requests, so the stop is issued after Start.
	require.NoError(t, svc.Start(ctx, counterManifest(0)))
	require.NoError(t, svc.RequestStop(ctx, "shop", "totals", "maintenance"))
	wait(t, svc)

	st := statusOf(t, svc)
	assert.Equal(t, domain.CursorStateStopped, st.State)
	assert.Equal(t, "maintenance", st.Reason)
}

func TestResetCursor(t *testing.T) {
	svc := newService(t, control.Deps{})
	ctx := context.Background()

	err := svc.ResetCursor(ctx, "shop", "totals", 3)
	assert.ErrorIs(t, err, storage.ErrIndexerNotFound)

	require.NoError(t, svc.Start(ctx, counterManifest(4)))
	wait(t, svc)

	require.NoError(t, svc.ResetCursor(ctx, "shop", "totals", 2))
	st := statusOf(t, svc)
	assert.Equal(t, uint64(2), st.Height)
	assert.Equal(t, domain.CursorStateRunning, st.State)
}

func TestRemove(t *testing.T) {
	h := &halts{}
	svc := newService(t, control.Deps{Halts: h})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, counterManifest(2)))
	wait(t, svc)

	require.NoError(t, svc.Remove(ctx, "shop", "totals"))
	list, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, svc.Statuses())

	halt, err := h.Latest(ctx, "shop", "totals")
	require.NoError(t, err)
	assert.Nil(t, halt)

	assert.ErrorIs(t, svc.Remove(ctx, "shop", "totals"), storage.ErrIndexerNotFound)
}

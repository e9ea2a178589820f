package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "indexer_stop:shop.orders", stopKey("shop", "orders"))
	assert.Equal(t, "halts:shop.orders", haltsKey("shop", "orders"))
	assert.Equal(t, "halt:abc", haltKey("abc"))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "not a url"})
	assert.Error(t, err)
}

// newTestClient connects to INDEXER_REDIS_URL or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("INDEXER_REDIS_URL")
	if url == "" {
		t.Skip("INDEXER_REDIS_URL not set")
	}
	c, err := NewClient(Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// =============================================================================
// Stop requests
// =============================================================================

func TestStopRequests(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	ns, id := "test", uuid.NewString()
	t.Cleanup(func() { _ = c.ClearStop(ctx, ns, id) })

	_, ok, err := c.StopRequested(ctx, ns, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.RequestStop(ctx, ns, id, "maintenance"))
	reason, ok, err := c.StopRequested(ctx, ns, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "maintenance", reason)

	require.NoError(t, c.ClearStop(ctx, ns, id))
	_, ok, err = c.StopRequested(ctx, ns, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// Halts
// =============================================================================

func TestHaltRepo(t *testing.T) {
	c := newTestClient(t)
	repo := NewHaltRepo(c)
	ctx := context.Background()
	ns, id := "test", uuid.NewString()
	t.Cleanup(func() { _ = repo.Clear(ctx, ns, id) })

	latest, err := repo.Latest(ctx, ns, id)
	require.NoError(t, err)
	assert.Nil(t, latest)

	first := &domain.Halt{Namespace: ns, Identifier: id, Kind: domain.HaltFault, Height: 10, CreatedAt: 100}
	second := &domain.Halt{Namespace: ns, Identifier: id, Kind: domain.HaltEarlyExit, Height: 20, ExitCode: 3, CreatedAt: 200}
	require.NoError(t, repo.Publish(ctx, first))
	require.NoError(t, repo.Publish(ctx, second))
	assert.NotEmpty(t, first.ID)

	latest, err = repo.Latest(ctx, ns, id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, domain.HaltEarlyExit, latest.Kind)
	assert.Equal(t, int32(3), latest.ExitCode)

	all, err := repo.List(ctx, ns, id)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	require.NoError(t, repo.Clear(ctx, ns, id))
	all, err = repo.List(ctx, ns, id)
	require.NoError(t, err)
	assert.Empty(t, all)
}

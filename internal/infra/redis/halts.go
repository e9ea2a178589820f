package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// HaltTTL bounds how long halt records are kept.
const HaltTTL = 7 * 24 * time.Hour

// HaltRepo stores halt records per indexer, newest last.
type HaltRepo struct {
	rdb *redis.Client
}

// NewHaltRepo creates a new Redis-backed halt repository.
func NewHaltRepo(client *Client) *HaltRepo {
	return &HaltRepo{rdb: client.rdb}
}

// Key helpers
func haltsKey(namespace, identifier string) string {
	return fmt.Sprintf("halts:%s", domain.UID(namespace, identifier))
}

func haltKey(id string) string {
	return fmt.Sprintf("halt:%s", id)
}

// Publish stores a halt record. A missing ID or timestamp is filled in.
func (r *HaltRepo) Publish(ctx context.Context, h *domain.Halt) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt == 0 {
		h.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal halt: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, haltKey(h.ID), data, HaltTTL)
	pipe.ZAdd(ctx, haltsKey(h.Namespace, h.Identifier), redis.Z{
		Score:  float64(h.CreatedAt),
		Member: h.ID,
	})
	pipe.Expire(ctx, haltsKey(h.Namespace, h.Identifier), HaltTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish halt: %w", err)
	}
	return nil
}

// Latest returns the newest halt of an indexer, or nil when there is none.
func (r *HaltRepo) Latest(ctx context.Context, namespace, identifier string) (*domain.Halt, error) {
	ids, err := r.rdb.ZRevRange(ctx, haltsKey(namespace, identifier), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.get(ctx, namespace, identifier, ids[0])
}

// List returns every stored halt of an indexer, oldest first.
func (r *HaltRepo) List(ctx context.Context, namespace, identifier string) ([]*domain.Halt, error) {
	ids, err := r.rdb.ZRange(ctx, haltsKey(namespace, identifier), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	halts := make([]*domain.Halt, 0, len(ids))
	for _, id := range ids {
		h, err := r.get(ctx, namespace, identifier, id)
		if err != nil {
			return nil, err
		}
		if h != nil {
			halts = append(halts, h)
		}
	}
	return halts, nil
}

func (r *HaltRepo) get(ctx context.Context, namespace, identifier, id string) (*domain.Halt, error) {
	data, err := r.rdb.Get(ctx, haltKey(id)).Bytes()
	if err == redis.Nil {
		// Record expired but ID still indexed, remove it
		r.rdb.ZRem(ctx, haltsKey(namespace, identifier), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get halt: %w", err)
	}

	var h domain.Halt
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal halt: %w", err)
	}
	return &h, nil
}

// Clear removes every halt of an indexer.
func (r *HaltRepo) Clear(ctx context.Context, namespace, identifier string) error {
	ids, err := r.rdb.ZRange(ctx, haltsKey(namespace, identifier), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange failed: %w", err)
	}
	keys := []string{haltsKey(namespace, identifier)}
	for _, id := range ids {
		keys = append(keys, haltKey(id))
	}
	return r.rdb.Del(ctx, keys...).Err()
}

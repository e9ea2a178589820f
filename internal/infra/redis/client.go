package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Client wraps Redis operations for indexer control: stop requests and halt
// records.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func stopKey(namespace, identifier string) string {
	return fmt.Sprintf("indexer_stop:%s", domain.UID(namespace, identifier))
}

// RequestStop asks the dispatcher of an indexer to stop before its next batch.
func (c *Client) RequestStop(ctx context.Context, namespace, identifier, reason string) error {
	if err := c.rdb.Set(ctx, stopKey(namespace, identifier), reason, 0).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// StopRequested reports a pending stop request and its reason.
func (c *Client) StopRequested(ctx context.Context, namespace, identifier string) (string, bool, error) {
	reason, err := c.rdb.Get(ctx, stopKey(namespace, identifier)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get failed: %w", err)
	}
	return reason, true, nil
}

// ClearStop removes a stop request. Deploy calls it when rescheduling.
func (c *Client) ClearStop(ctx context.Context, namespace, identifier string) error {
	return c.rdb.Del(ctx, stopKey(namespace, identifier)).Err()
}

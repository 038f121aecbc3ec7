package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"printpay/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

// Fast-path reserve outcomes
const (
	ReserveShort        = 0
	ReserveOK           = 1
	ReserveInconclusive = 2
)

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKeys(lines []models.ReservationLine) ([]string, []interface{}) {
	keys := make([]string, len(lines))
	args := make([]interface{}, len(lines))
	for i, line := range lines {
		keys[i] = fmt.Sprintf("inventory:%d", line.ProductID)
		args[i] = line.Quantity
	}
	return keys, args
}

// ReserveStock atomically holds stock for every line or none at all.
// Returns ReserveInconclusive when the cache has no answer and the caller
// must rely on the database.
func (c *Client) ReserveStock(ctx context.Context, lines []models.ReservationLine) (int, error) {
	keys, args := inventoryKeys(lines)

	result, err := c.reserveScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return ReserveInconclusive, fmt.Errorf("reserve stock script failed: %w", err)
	}

	outcome, ok := result.(int64)
	if !ok {
		return ReserveInconclusive, fmt.Errorf("unexpected script result type")
	}

	return int(outcome), nil
}

// ReleaseStock atomically drops a hold (compensation)
func (c *Client) ReleaseStock(ctx context.Context, lines []models.ReservationLine) error {
	keys, args := inventoryKeys(lines)

	_, err := c.releaseScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}

	return nil
}

// CommitStock atomically converts a hold into a final deduction
func (c *Client) CommitStock(ctx context.Context, lines []models.ReservationLine) error {
	keys, args := inventoryKeys(lines)

	_, err := c.commitScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}

	return nil
}

// InitInventory initializes inventory counts in Redis
func (c *Client) InitInventory(ctx context.Context, productID int64, available, reserved int) error {
	key := fmt.Sprintf("inventory:%d", productID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "available", available)
	pipe.HSet(ctx, key, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// CacheQuote caches a price-feed rate
func (c *Client) CacheQuote(ctx context.Context, symbol, rate string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("quote:%s", symbol), rate, ttl).Err()
}

// GetCachedQuote returns a cached rate, or "" when absent
func (c *Client) GetCachedQuote(ctx context.Context, symbol string) (string, error) {
	rate, err := c.rdb.Get(ctx, fmt.Sprintf("quote:%s", symbol)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return rate, err
}

// MarkEventSeen records a webhook event id in the dedup cache
func (c *Client) MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("webhook:%s", eventID), "1", ttl).Err()
}

// IsEventSeen checks the dedup cache for a webhook event id
func (c *Client) IsEventSeen(ctx context.Context, eventID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("webhook:%s", eventID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process already owns a user's sync lock.
var ErrLockHeld = errors.New("sync already in progress")

// Client wraps Redis operations for sync coordination and the alert feed.
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
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func syncLockKey(userID string) string {
	return fmt.Sprintf("bankwatch:sync_lock:%s", userID)
}

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireSyncLock takes the per-user sync lock. The returned token must be
// passed to ReleaseSyncLock. ErrLockHeld means another sync owns it.
func (c *Client) AcquireSyncLock(
	ctx context.Context,
	userID, token string,
	ttl time.Duration,
) error {
	ok, err := c.rdb.SetNX(ctx, syncLockKey(userID), token, ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// ReleaseSyncLock releases the lock if token still owns it.
func (c *Client) ReleaseSyncLock(ctx context.Context, userID, token string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{syncLockKey(userID)}, token).Err(); err != nil &&
		!errors.Is(err, redis.Nil) {
		return fmt.Errorf("release sync lock: %w", err)
	}
	return nil
}

// RefreshSyncLock extends the TTL of a held lock.
func (c *Client) RefreshSyncLock(ctx context.Context, userID string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, syncLockKey(userID), ttl).Err()
}

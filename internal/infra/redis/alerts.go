package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/bankwatch/internal/core/domain"
)

// DefaultAlertRetention bounds how long alerts stay in a user's feed.
const DefaultAlertRetention = 30 * 24 * time.Hour

// AlertFeed stores alerts per user in a sorted set (score = unix millis) and
// publishes each one on a user channel for live consumers.
type AlertFeed struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewAlertFeed creates a Redis-backed alert feed.
func NewAlertFeed(client *Client, retention time.Duration) *AlertFeed {
	if retention <= 0 {
		retention = DefaultAlertRetention
	}
	return &AlertFeed{rdb: client.rdb, retention: retention}
}

// Key helpers
func alertFeedKey(userID string) string {
	return fmt.Sprintf("bankwatch:alerts:%s", userID)
}

// AlertChannel is the pub/sub channel alerts for userID are published on.
func AlertChannel(userID string) string {
	return fmt.Sprintf("bankwatch:alerts:%s:live", userID)
}

// Deliver appends alerts to the user's feed and publishes them.
func (f *AlertFeed) Deliver(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	pipe := f.rdb.TxPipeline()
	touched := make(map[string]struct{})
	for i := range alerts {
		a := &alerts[i]
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		key := alertFeedKey(a.UserID)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(a.CreatedAt.UnixMilli()),
			Member: data,
		})
		pipe.Publish(ctx, AlertChannel(a.UserID), data)
		touched[key] = struct{}{}
	}

	cutoff := time.Now().Add(-f.retention).UnixMilli()
	for key := range touched {
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
		pipe.Expire(ctx, key, f.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deliver alerts: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest alerts for userID, newest first.
func (f *AlertFeed) Recent(ctx context.Context, userID string, limit int64) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := f.rdb.ZRevRange(ctx, alertFeedKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	alerts := make([]domain.Alert, 0, len(raw))
	for _, member := range raw {
		var a domain.Alert
		if err := json.Unmarshal([]byte(member), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// Count returns the number of alerts stored for userID.
func (f *AlertFeed) Count(ctx context.Context, userID string) (int, error) {
	count, err := f.rdb.ZCard(ctx, alertFeedKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

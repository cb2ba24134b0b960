package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisWindow backs the recent-request ring with a shared Redis list so
// multiple proxy instances in front of the same upstream roster observe a
// consistent failure-rate signal. Push ignores Redis failures; Recent
// returns the Redis error, which stats.Store.RecentRequests answers by
// falling back to the request_log table.
type RedisWindow struct {
	client  redis.Cmdable
	maxSize int64
}

func NewRedisWindow(client redis.Cmdable, maxSize int) *RedisWindow {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &RedisWindow{client: client, maxSize: int64(maxSize)}
}

func key(endpointID int64) string {
	return fmt.Sprintf("rpcgate:recent:%d", endpointID)
}

func (r *RedisWindow) Push(ctx context.Context, entry domain.RequestLogEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key(entry.EndpointID), payload)
	pipe.LTrim(ctx, key(entry.EndpointID), 0, r.maxSize-1)
	_, _ = pipe.Exec(ctx)
}

func (r *RedisWindow) Recent(ctx context.Context, endpointID int64, limit int) ([]domain.RequestLogEntry, error) {
	if limit <= 0 || int64(limit) > r.maxSize {
		limit = int(r.maxSize)
	}

	raw, err := r.client.LRange(ctx, key(endpointID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	// LRANGE returns newest-first (LPUSH prepends); reverse to chronological.
	entries := make([]domain.RequestLogEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e domain.RequestLogEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

// AcquireScanLock takes the per-target scan mutex. Returns false when another
// pass holds it. The TTL covers a worst-case scan; ReleaseScanLock frees it
// earlier on normal completion.
func (c *Cache) AcquireScanLock(ctx context.Context, target string, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, "scanlock:"+target, 1, ttl).Result()
}

func (c *Cache) ReleaseScanLock(ctx context.Context, target string) error {
	return c.Client.Del(ctx, "scanlock:"+target).Err()
}

func (c *Cache) GetTargetStats(ctx context.Context, target string) (domain.TargetStats, error) {
	val, err := c.Client.Get(ctx, "stats:"+target).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TargetStats{}, domain.ErrCacheMiss
		}
		return domain.TargetStats{}, err
	}
	var stats domain.TargetStats
	if err := json.Unmarshal([]byte(val), &stats); err != nil {
		// Corrupt entry: treat as a miss so the DB repopulates it.
		return domain.TargetStats{}, domain.ErrCacheMiss
	}
	return stats, nil
}

func (c *Cache) SetTargetStats(ctx context.Context, stats domain.TargetStats, ttl time.Duration) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, "stats:"+stats.TargetAccount, b, ttl).Err()
}

// InvalidateTargetStats drops the cached snapshot after a scan commits.
func (c *Cache) InvalidateTargetStats(ctx context.Context, target string) error {
	return c.Client.Del(ctx, "stats:"+target).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}

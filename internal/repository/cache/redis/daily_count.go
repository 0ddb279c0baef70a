package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 每日发送计数放 Redis：多个 worker 并发提交时 INCRBY 保证原子，
// 键按 UTC 自然日滚动，过期兜底避免遗留

const dailyCountTTL = 25 * time.Hour

type DailyCountCache interface {
	// Get 返回服务当日已计数的发送条数
	Get(ctx context.Context, serviceID int64, day time.Time) (int64, error)
	// IncrBy 原子累加当日计数，返回累加后的值
	IncrBy(ctx context.Context, serviceID int64, day time.Time, n int64) (int64, error)
}

type dailyCountCache struct {
	client redis.Cmdable
}

func NewDailyCountCache(client redis.Cmdable) DailyCountCache {
	return &dailyCountCache{client: client}
}

func (c *dailyCountCache) Get(ctx context.Context, serviceID int64, day time.Time) (int64, error) {
	count, err := c.client.Get(ctx, c.key(serviceID, day)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

func (c *dailyCountCache) IncrBy(ctx context.Context, serviceID int64, day time.Time, n int64) (int64, error) {
	key := c.key(serviceID, day)
	count, err := c.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, err
	}
	// 首次写入时设置过期，跨日的键自然淘汰
	if count == n {
		c.client.Expire(ctx, key, dailyCountTTL)
	}
	return count, nil
}

func (c *dailyCountCache) key(serviceID int64, day time.Time) string {
	return fmt.Sprintf("sendcount:%d:%s", serviceID, day.UTC().Format("2006-01-02"))
}

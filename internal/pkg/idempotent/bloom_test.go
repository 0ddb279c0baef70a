//go:build e2e

package idempotent

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// 需要带 RedisBloom 模块的 Redis
func TestBloomServiceSeenAndMark(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	t.Cleanup(func() { client.Close() })

	if err := client.Ping(t.Context()).Err(); err != nil {
		t.Skip("Redis 不可用，跳过")
	}

	filter := "test:dedup:" + time.Now().Format("150405.000")
	t.Cleanup(func() { client.Del(t.Context(), filter) })

	svc := NewBloomService(client, filter, 10000, 0.001)
	require.NoError(t, svc.EnsureFilter(t.Context()))
	// 重复预建不报错
	require.NoError(t, svc.EnsureFilter(t.Context()))

	// 查询不落记录
	seen, err := svc.Seen(t.Context(), "receipt-1")
	require.NoError(t, err)
	require.False(t, seen)
	seen, err = svc.Seen(t.Context(), "receipt-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, svc.Mark(t.Context(), "receipt-1"))

	seen, err = svc.Seen(t.Context(), "receipt-1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = svc.Seen(t.Context(), "receipt-2")
	require.NoError(t, err)
	require.False(t, seen)
}

package ratelimit

import "golang.org/x/net/context"

type Limiter interface {
	// Limit 判断是否应该限流
	Limit(ctx context.Context, key string) (bool, error)
	// LimitWithRate 用调用方给定的窗口和速率判断是否限流，
	// 供发送方级别的个性化限速使用
	LimitWithRate(ctx context.Context, key string, intervalMillis int64, rate int) (bool, error)
	// IsLimitedAfter 检查在指定时间点后是否触发过限流
	IsLimitedAfter(ctx context.Context, key string, sinceMillis int64) (bool, error)
}

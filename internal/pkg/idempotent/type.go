package idempotent

import "context"

type Service interface {
	// Seen 返回该 key 是否出现过，不做记录
	Seen(ctx context.Context, key string) (bool, error)
	// Mark 记录该 key 已处理完成
	Mark(ctx context.Context, key string) error
}

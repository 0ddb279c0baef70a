package idempotent

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// BloomService 基于 Redis 布隆过滤器的去重服务。
// 存在误判率：极小概率把第一次出现的 key 判成重复，
// 调用方必须有兜底手段时才可以用
type BloomService struct {
	client     redis.Cmdable
	filterName string
	capacity   int64
	errorRate  float64
}

func NewBloomService(client redis.Cmdable, filterName string,
	capacity int64, errorRate float64,
) *BloomService {
	return &BloomService{
		client:     client,
		filterName: filterName,
		capacity:   capacity,
		errorRate:  errorRate,
	}
}

// EnsureFilter 按配置的容量和误判率预建过滤器，已存在则沿用
func (s *BloomService) EnsureFilter(ctx context.Context) error {
	err := s.client.BFReserve(ctx, s.filterName, s.errorRate, s.capacity).Err()
	if err != nil && strings.Contains(err.Error(), "exists") {
		return nil
	}
	return err
}

// Seen 查询不落记录：记录只在业务处理成功后由 Mark 写入，
// 处理失败重投的消息才不会被误判成重复
func (s *BloomService) Seen(ctx context.Context, key string) (bool, error) {
	return s.client.BFExists(ctx, s.filterName, key).Result()
}

func (s *BloomService) Mark(ctx context.Context, key string) error {
	return s.client.BFAdd(ctx, s.filterName, key).Err()
}

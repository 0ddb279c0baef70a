package sendlimit

import (
	"context"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	rediscache "gitee.com/flycash/notify-dispatch/internal/repository/cache/redis"
)

// GuardService 每日发送上限守卫。
// Check 只读不占用额度，Commit 在每次真实提交后原子累加，
// 所以上限是尽力而为的软限制：并发窗口内可能轻微超发，
// 但不会出现计数永远占着不释放的泄漏
type GuardService interface {
	// Check 判断再发 requested 条是否会突破当日上限。
	// 突破时返回 ErrSendingLimitExceeded
	Check(ctx context.Context, serviceID int64, requested int64) error
	// Commit 每次真实提交供应商之后累加计数
	Commit(ctx context.Context, serviceID int64, n int64) error
}

type guardService struct {
	configRepo repository.ConfigRepository
	counter    rediscache.DailyCountCache
	now        func() time.Time
}

func NewGuardService(configRepo repository.ConfigRepository, counter rediscache.DailyCountCache) GuardService {
	return &guardService{
		configRepo: configRepo,
		counter:    counter,
		now:        time.Now,
	}
}

func (s *guardService) Check(ctx context.Context, serviceID int64, requested int64) error {
	limit, err := s.limit(ctx, serviceID)
	if err != nil {
		return err
	}
	if limit <= 0 {
		// 0 表示不限量
		return nil
	}
	count, err := s.counter.Get(ctx, serviceID, s.now())
	if err != nil {
		return err
	}
	if count+requested > limit {
		return fmt.Errorf("%w: 服务 id=%d 已发送 %d 条，再发 %d 条会超过上限 %d",
			errs.ErrSendingLimitExceeded, serviceID, count, requested, limit)
	}
	return nil
}

func (s *guardService) Commit(ctx context.Context, serviceID int64, n int64) error {
	_, err := s.counter.IncrBy(ctx, serviceID, s.now(), n)
	return err
}

func (s *guardService) limit(ctx context.Context, serviceID int64) (int64, error) {
	svc, err := s.configRepo.GetService(ctx, serviceID)
	if err != nil {
		return 0, err
	}
	return int64(svc.MessageLimit), nil
}

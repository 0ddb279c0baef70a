package worker

import (
	"context"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/pkg/ratelimit"
	"gitee.com/flycash/notify-dispatch/internal/repository"

	"github.com/gotomicro/ego/core/elog"
)

const (
	millisPerSecond     = 1000
	throttledRetryDelay = time.Second
)

// ThrottledSubmitter 限速发送方的投递 worker：
// 提交前先过发送方自己的滑动窗口，窗口满了就把任务
// 原样推迟一拍，不占用重试次数
type ThrottledSubmitter struct {
	submitter  *Submitter
	repo       repository.NotificationRepository
	configRepo repository.ConfigRepository
	limiter    ratelimit.Limiter
	producer   task.Producer
	logger     *elog.Component
}

func NewThrottledSubmitter(
	submitter *Submitter,
	repo repository.NotificationRepository,
	configRepo repository.ConfigRepository,
	limiter ratelimit.Limiter,
	producer task.Producer,
) *ThrottledSubmitter {
	return &ThrottledSubmitter{
		submitter:  submitter,
		repo:       repo,
		configRepo: configRepo,
		limiter:    limiter,
		producer:   producer,
		logger:     elog.DefaultLogger,
	}
}

// Handle 处理一个限速投递任务
func (s *ThrottledSubmitter) Handle(ctx context.Context, t task.Task) error {
	n, err := s.repo.GetByID(ctx, t.NotificationID)
	if err != nil {
		return err
	}
	if !n.Submittable() {
		return nil
	}

	sender, err := s.configRepo.GetSMSSender(ctx, n.ServiceID, n.SenderID)
	if err != nil {
		return err
	}
	if !sender.RateLimited() {
		// 配置被改掉了也没关系，按普通路径走
		return s.submitter.Handle(ctx, t)
	}

	key := fmt.Sprintf("sender:%d", sender.ID)
	limited, err := s.limiter.LimitWithRate(ctx, key,
		int64(sender.RateLimitInterval)*millisPerSecond, int(sender.RateLimit))
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrRateLimited, err)
	}
	if limited {
		s.logger.Info("发送方限速窗口已满，推迟投递",
			elog.String("id", n.ID),
			elog.Int64("senderID", sender.ID))
		deferred := t
		deferred.NotBefore = time.Now().Add(throttledRetryDelay).UnixMilli()
		return s.producer.Produce(ctx, task.QueueRetry, deferred)
	}

	return s.submitter.Handle(ctx, t)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	retrypkg "gitee.com/flycash/notify-dispatch/internal/pkg/retry"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"
	"gitee.com/flycash/notify-dispatch/internal/service/sendlimit"

	"github.com/gotomicro/ego/core/elog"
)

const (
	defaultMaxAttempts = 5

	// 每日额度满了之后的推迟步长。额度按自然日滚动，
	// 短间隔轮询没有意义
	limitDeferDelay = 10 * time.Minute
)

// Submitter 投递 worker：消费一个投递任务，把通知提交给供应商。
// 队列是至少一次投递，所有路径都必须幂等：
// 重复的任务靠可提交状态判断直接退出，绝不二次提交
type Submitter struct {
	client      provider.Client
	repo        repository.NotificationRepository
	configRepo  repository.ConfigRepository
	guard       sendlimit.GuardService
	producer    task.Producer
	retryCfg    retrypkg.Config
	maxAttempts int32
	logger      *elog.Component
}

type SubmitterConfig struct {
	Client     provider.Client
	Repo       repository.NotificationRepository
	ConfigRepo repository.ConfigRepository
	Guard      sendlimit.GuardService
	Producer   task.Producer
	RetryCfg   retrypkg.Config
	// MaxAttempts 0 表示取默认值
	MaxAttempts int32
}

func NewSubmitter(cfg SubmitterConfig) *Submitter {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Submitter{
		client:      cfg.Client,
		repo:        cfg.Repo,
		configRepo:  cfg.ConfigRepo,
		guard:       cfg.Guard,
		producer:    cfg.Producer,
		retryCfg:    cfg.RetryCfg,
		maxAttempts: maxAttempts,
		logger:      elog.DefaultLogger,
	}
}

// Handle 处理一个投递任务
func (s *Submitter) Handle(ctx context.Context, t task.Task) error {
	n, err := s.repo.GetByID(ctx, t.NotificationID)
	if err != nil {
		if errors.Is(err, errs.ErrNotificationNotFound) {
			// 任务先于落库到达不应该发生，记下来就算了
			s.logger.Error("投递任务找不到对应通知",
				elog.String("id", t.NotificationID))
			return nil
		}
		return err
	}

	// 幂等退出：任务重复投递时第二次到这里直接结束
	if !n.Submittable() {
		s.logger.Info("通知已不在可提交状态，跳过",
			elog.String("id", n.ID),
			elog.String("status", string(n.Status)))
		return nil
	}

	// 白名单在创建之后可能被收紧，提交前复查一次
	svcCfg, err := s.configRepo.GetService(ctx, n.ServiceID)
	if err != nil {
		return err
	}
	if !svcCfg.AllowRecipient(n.Recipient, n.KeyType) {
		s.logger.Warn("收件人已不在允许名单内，拒绝提交",
			elog.String("id", n.ID),
			elog.Int64("serviceID", n.ServiceID))
		_, err = s.repo.TransitionStatus(ctx, n.ID, domain.SendStatusValidationFailed, domain.ReasonNoContact)
		return err
	}

	if err := s.guard.Check(ctx, n.ServiceID, 1); err != nil {
		if errors.Is(err, errs.ErrSendingLimitExceeded) {
			// 容量压力不是投递失败：任务原样推迟等额度窗口滚动，
			// 不占用重试次数，也永远不会因此进技术失败
			s.logger.Warn("已达当日发送上限，推迟投递",
				elog.String("id", n.ID),
				elog.Int64("serviceID", n.ServiceID))
			deferred := t
			deferred.NotBefore = time.Now().Add(limitDeferDelay).UnixMilli()
			return s.producer.Produce(ctx, task.QueueRetry, deferred)
		}
		return err
	}

	result, err := s.submit(ctx, n)
	if err != nil {
		return s.handleFailure(ctx, n, t, err)
	}

	updated, err := s.repo.MarkSending(ctx, n.ID, s.client.Name(), result.Reference)
	if err != nil {
		if errors.Is(err, errs.ErrReferenceAlreadySet) {
			// 并发提交撞上了，另一次已经成功，这一次作废
			s.logger.Warn("供应商标识已被设置，放弃本次提交结果",
				elog.String("id", n.ID),
				elog.String("reference", result.Reference))
			return nil
		}
		return err
	}
	if !updated {
		return nil
	}

	if err := s.guard.Commit(ctx, n.ServiceID, 1); err != nil {
		// 计数失败不回滚发送，上限本来就是软限制
		s.logger.Warn("发送计数累加失败",
			elog.Int64("serviceID", n.ServiceID),
			elog.FieldErr(err))
	}
	return nil
}

func (s *Submitter) submit(ctx context.Context, n domain.Notification) (provider.SubmitResult, error) {
	tmpl, err := s.configRepo.GetTemplate(ctx, n.Template.ID, n.Template.Version)
	if err != nil {
		return provider.SubmitResult{}, err
	}

	req := provider.SubmitRequest{
		Notification: n,
		Template:     tmpl,
	}
	if n.Channel == domain.ChannelSMS {
		sender, err := s.configRepo.GetSMSSender(ctx, n.ServiceID, n.SenderID)
		if err != nil {
			return provider.SubmitResult{}, err
		}
		req.SenderNumber = sender.Number
	}
	return s.client.Submit(ctx, req)
}

// handleFailure 失败分类处理：永久失败直接进终态，
// 瞬态失败在次数内重试，用尽次数进技术失败
func (s *Submitter) handleFailure(ctx context.Context, n domain.Notification, t task.Task, cause error) error {
	if pe, ok := provider.AsPermanent(cause); ok {
		s.logger.Info("供应商永久拒绝",
			elog.String("id", n.ID),
			elog.String("reason", pe.Reason),
			elog.FieldErr(cause))
		_, err := s.repo.TransitionStatus(ctx, n.ID, domain.SendStatusPermanentFailure, pe.Reason)
		return err
	}
	return s.retryLater(ctx, n, t, cause)
}

func (s *Submitter) retryLater(ctx context.Context, n domain.Notification, t task.Task, cause error) error {
	nextAttempt := t.Attempt + 1
	if nextAttempt >= s.maxAttempts {
		// 重试次数用尽。先重读当前状态：期间可能已被取消或成功
		current, err := s.repo.GetByID(ctx, n.ID)
		if err != nil {
			return err
		}
		if !current.Submittable() {
			return nil
		}
		s.logger.Error("重试次数用尽，通知进入技术失败",
			elog.String("id", n.ID),
			elog.Int("attempts", int(nextAttempt)),
			elog.FieldErr(cause))
		_, err = s.repo.TransitionStatus(ctx, n.ID, domain.SendStatusTechnicalFailure, domain.ReasonRetriesExceeded)
		return err
	}

	delay, err := s.backoff(nextAttempt)
	if err != nil {
		return err
	}
	s.logger.Warn("提交失败，安排重试",
		elog.String("id", n.ID),
		elog.Int("attempt", int(nextAttempt)),
		elog.Duration("delay", delay),
		elog.FieldErr(cause))

	retryTask := t
	retryTask.Attempt = nextAttempt
	retryTask.NotBefore = time.Now().Add(delay).UnixMilli()
	if err := s.producer.Produce(ctx, task.QueueRetry, retryTask); err != nil {
		return fmt.Errorf("重试任务入队失败: %w", err)
	}
	return nil
}

// backoff 第 attempt 次重试前的退避时长
func (s *Submitter) backoff(attempt int32) (time.Duration, error) {
	strategy, err := retrypkg.NewRetry(s.retryCfg)
	if err != nil {
		return 0, err
	}
	var delay time.Duration
	for i := int32(0); i < attempt; i++ {
		next, ok := strategy.Next()
		if !ok {
			break
		}
		delay = next
	}
	return delay, nil
}

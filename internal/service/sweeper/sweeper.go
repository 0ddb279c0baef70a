package sweeper

import (
	"context"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/pkg/metrics"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	"gitee.com/flycash/notify-dispatch/internal/service/router"

	"github.com/gotomicro/ego/core/elog"
	"github.com/hashicorp/go-multierror"
)

const (
	defaultStuckJobAge    = 30 * time.Minute
	defaultSendingTimeout = 72 * time.Hour
	defaultReplayAge      = 4 * time.Hour
	defaultBatchSize      = 500
)

// Config 各扫描的时间阈值，零值取默认
type Config struct {
	// StuckJobAge 批量任务被捡起后超过这个时长仍未完成算卡死
	StuckJobAge time.Duration `json:"stuckJobAge"`
	// SendingTimeout 提交供应商后超过这个时长没有回执算超时
	SendingTimeout time.Duration `json:"sendingTimeout"`
	// ReplayAge 停留在 CREATED 超过这个时长的通知重新入队
	ReplayAge time.Duration `json:"replayAge"`
	BatchSize int           `json:"batchSize"`
}

func (c *Config) withDefaults() {
	if c.StuckJobAge <= 0 {
		c.StuckJobAge = defaultStuckJobAge
	}
	if c.SendingTimeout <= 0 {
		c.SendingTimeout = defaultSendingTimeout
	}
	if c.ReplayAge <= 0 {
		c.ReplayAge = defaultReplayAge
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

// Sweeper 兜底扫描：补投丢失的任务、标记卡死的批量任务、
// 了结等不到回执的通知。所有动作都走条件更新，
// 多实例同时扫也不会把同一个对象处理两次
type Sweeper struct {
	notificationRepo repository.NotificationRepository
	jobRepo          repository.JobRepository
	router           router.Service
	producer         task.Producer
	cfg              Config
	now              func() time.Time
	logger           *elog.Component
}

func NewSweeper(
	notificationRepo repository.NotificationRepository,
	jobRepo repository.JobRepository,
	routerSvc router.Service,
	producer task.Producer,
	cfg Config,
) *Sweeper {
	cfg.withDefaults()
	return &Sweeper{
		notificationRepo: notificationRepo,
		jobRepo:          jobRepo,
		router:           routerSvc,
		producer:         producer,
		cfg:              cfg,
		now:              time.Now,
		logger:           elog.DefaultLogger,
	}
}

// Sweep 跑一轮全部扫描。每个扫描独立兜底，
// 一个扫描出错不拦着其余扫描，错误聚合返回
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errSet *multierror.Error
	if err := s.SweepStuckJobs(ctx); err != nil {
		errSet = multierror.Append(errSet, err)
	}
	if err := s.SweepTimedOutSending(ctx); err != nil {
		errSet = multierror.Append(errSet, err)
	}
	if err := s.ReplayCreated(ctx); err != nil {
		errSet = multierror.Append(errSet, err)
	}
	return errSet.ErrorOrNil()
}

// SweepStuckJobs 找出捡起后长期不动的批量任务，
// 标记 ERROR 并投递续传任务。条件更新保证每个任务
// 只会被标记一次，第二轮扫描扫不出同一个任务
func (s *Sweeper) SweepStuckJobs(ctx context.Context) error {
	olderThan := s.now().Add(-s.cfg.StuckJobAge)
	jobs, err := s.jobRepo.FindStuckInProgress(ctx, olderThan, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		flagged, err := s.jobRepo.CASStatus(ctx, job.ID, domain.JobStatusError)
		if err != nil {
			return err
		}
		if !flagged {
			// 另一个实例先标记了，续传任务由它负责
			continue
		}
		metrics.SweptRows.WithLabelValues("stuck_jobs").Inc()
		s.logger.Error("批量任务卡死，安排续传",
			elog.Any("jobID", job.ID),
			elog.Duration("stuckFor", s.now().Sub(job.ProcessingStarted)))
		err = s.producer.Produce(ctx, task.QueueJobs, task.Task{
			Name:  task.NameResumeJob,
			JobID: job.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SweepTimedOutSending 把长期等不到回执的通知了结成临时失败
func (s *Sweeper) SweepTimedOutSending(ctx context.Context) error {
	olderThan := s.now().Add(-s.cfg.SendingTimeout)
	for {
		affected, err := s.notificationRepo.MarkTimedOutAsTemporaryFailure(ctx, olderThan, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if affected > 0 {
			metrics.SweptRows.WithLabelValues("timed_out").Add(float64(affected))
			s.logger.Warn("通知等不到投递确认，标记临时失败",
				elog.Int64("count", affected))
		}
		if affected < int64(s.cfg.BatchSize) {
			return nil
		}
	}
}

// ReplayCreated 补投长期停留在 CREATED 的通知。
// 任务可能在入队前进程崩溃时丢失，这里重新路由重新入队，
// worker 侧的可提交检查保证重复补投无害
func (s *Sweeper) ReplayCreated(ctx context.Context) error {
	olderThan := s.now().Add(-s.cfg.ReplayAge)
	for _, channel := range []domain.Channel{domain.ChannelSMS, domain.ChannelEmail, domain.ChannelLetter} {
		notifications, err := s.notificationRepo.FindCreatedBefore(ctx, olderThan, channel, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, n := range notifications {
			route, err := s.router.Route(ctx, n)
			if err != nil {
				s.logger.Warn("补投时路由失败，跳过",
					elog.String("id", n.ID),
					elog.FieldErr(err))
				continue
			}
			err = s.producer.Produce(ctx, route.Queue, task.Task{
				Name:           route.TaskName,
				NotificationID: n.ID,
			})
			if err != nil {
				return err
			}
			metrics.SweptRows.WithLabelValues("replayed").Inc()
			s.logger.Info("补投停留在 CREATED 的通知",
				elog.String("id", n.ID),
				elog.String("queue", route.Queue))
		}
	}
	return nil
}

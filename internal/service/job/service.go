package job

import (
	"context"
	"errors"
	"fmt"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/pkg/idgen"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	"gitee.com/flycash/notify-dispatch/internal/service/router"
	"gitee.com/flycash/notify-dispatch/internal/service/sendlimit"

	"github.com/gofrs/uuid"
	"github.com/gotomicro/ego/core/elog"
)

const rowBatchSize = 500

// rowIDNamespace 批量任务行派生通知 ID 用的命名空间。
// 同一 (jobID, rowNumber) 永远派生出同一个 ID，
// 并发续传重复处理同一行时靠主键冲突天然去重
var rowIDNamespace = uuid.Must(uuid.FromString("8f9a6dca-1c5b-4f0e-9d27-5b1f3a6c0e42"))

func rowNotificationID(jobID uint64, rowNumber int32) string {
	return uuid.NewV5(rowIDNamespace, fmt.Sprintf("%d:%d", jobID, rowNumber)).String()
}

// Service 批量任务处理。单条通知的幂等由通知自己的状态机保证，
// 任务级别的幂等由任务状态机保证：PENDING 只能被捡起一次，
// 续传只认已落库的最大行号
type Service struct {
	jobRepo          repository.JobRepository
	notificationRepo repository.NotificationRepository
	guard            sendlimit.GuardService
	router           router.Service
	producer         task.Producer
	idGen            *idgen.Generator
	logger           *elog.Component
}

func NewService(
	jobRepo repository.JobRepository,
	notificationRepo repository.NotificationRepository,
	guard sendlimit.GuardService,
	routerSvc router.Service,
	producer task.Producer,
	idGen *idgen.Generator,
) *Service {
	return &Service{
		jobRepo:          jobRepo,
		notificationRepo: notificationRepo,
		guard:            guard,
		router:           routerSvc,
		producer:         producer,
		idGen:            idGen,
		logger:           elog.DefaultLogger,
	}
}

// Create 创建批量任务并投递处理任务
func (s *Service) Create(ctx context.Context, job domain.Job, rows []domain.JobRow) (domain.Job, error) {
	if job.ID == 0 {
		id, err := s.idGen.NextID()
		if err != nil {
			return domain.Job{}, err
		}
		job.ID = id
	}
	job.Status = domain.JobStatusPending
	job.NotificationCount = int32(len(rows))
	for i := range rows {
		rows[i].JobID = job.ID
		rows[i].RowNumber = int32(i)
	}

	created, err := s.jobRepo.Create(ctx, job, rows)
	if err != nil {
		return domain.Job{}, err
	}
	err = s.producer.Produce(ctx, task.QueueJobs, task.Task{
		Name:  task.NameProcessJob,
		JobID: created.ID,
	})
	if err != nil {
		// 任务丢了也没关系，卡死清扫兜底不了 PENDING，
		// 但调用方会收到错误自行重投
		return created, fmt.Errorf("处理任务入队失败: %w", err)
	}
	return created, nil
}

// Cancel 取消还没开始处理的任务
func (s *Service) Cancel(ctx context.Context, jobID uint64) (bool, error) {
	return s.jobRepo.CASStatus(ctx, jobID, domain.JobStatusCancelled)
}

// HandleProcess 处理 process_job 任务
func (s *Service) HandleProcess(ctx context.Context, t task.Task) error {
	job, err := s.jobRepo.GetByID(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, errs.ErrJobNotFound) {
			s.logger.Error("处理任务找不到对应批量任务", elog.Any("jobID", t.JobID))
			return nil
		}
		return err
	}

	picked, err := s.jobRepo.MarkInProgress(ctx, job.ID)
	if err != nil {
		return err
	}
	if !picked {
		// 重复投递或任务已被取消
		s.logger.Info("批量任务已不在待处理状态，跳过",
			elog.Any("jobID", job.ID),
			elog.String("status", string(job.Status)))
		return nil
	}

	if err := s.guard.Check(ctx, job.ServiceID, int64(job.NotificationCount)); err != nil {
		if errors.Is(err, errs.ErrSendingLimitExceeded) {
			s.logger.Warn("批量任务超出当日发送上限",
				elog.Any("jobID", job.ID),
				elog.Int("count", int(job.NotificationCount)))
			_, casErr := s.jobRepo.CASStatus(ctx, job.ID, domain.JobStatusSendingLimitsExceeded)
			return casErr
		}
		return err
	}

	return s.processRows(ctx, job, -1)
}

// HandleResume 处理 process_incomplete_job 续传任务：
// 从已成功落库的最大行号之后继续，已处理的行不再碰
func (s *Service) HandleResume(ctx context.Context, t task.Task) error {
	job, err := s.jobRepo.GetByID(ctx, t.JobID)
	if err != nil {
		return err
	}

	resumed, err := s.jobRepo.ResetForResume(ctx, job.ID)
	if err != nil {
		return err
	}
	if !resumed {
		s.logger.Info("批量任务不在 ERROR 状态，无需续传",
			elog.Any("jobID", job.ID))
		return nil
	}

	lastRow, err := s.notificationRepo.LastRowForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	s.logger.Info("从断点续传批量任务",
		elog.Any("jobID", job.ID),
		elog.Int("lastRow", int(lastRow)))
	return s.processRows(ctx, job, lastRow)
}

// processRows 从 afterRow 之后逐行落库并入队
func (s *Service) processRows(ctx context.Context, job domain.Job, afterRow int32) error {
	cursor := afterRow
	for {
		rows, err := s.jobRepo.ListRowsAfter(ctx, job.ID, cursor, rowBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := s.processRow(ctx, job, row); err != nil {
				return err
			}
			cursor = row.RowNumber
		}
	}

	_, err := s.jobRepo.CASStatus(ctx, job.ID, domain.JobStatusFinished)
	return err
}

func (s *Service) processRow(ctx context.Context, job domain.Job, row domain.JobRow) error {
	n := domain.Notification{
		ID:        rowNotificationID(job.ID, row.RowNumber),
		ServiceID: job.ServiceID,
		Channel:   job.Channel,
		Recipient: row.Recipient,
		Template: domain.Template{
			ID:      job.Template.ID,
			Version: job.Template.Version,
			Params:  row.Params,
		},
		Status:       domain.SendStatusCreated,
		KeyType:      domain.KeyTypeNormal,
		JobID:        job.ID,
		JobRowNumber: row.RowNumber,
	}

	created, err := s.notificationRepo.Create(ctx, n)
	if err != nil {
		if errors.Is(err, errs.ErrNotificationDuplicate) {
			// 并发续传撞上了，这行已经有人处理
			return nil
		}
		return err
	}

	route, err := s.router.Route(ctx, created)
	if err != nil {
		return err
	}
	return s.producer.Produce(ctx, route.Queue, task.Task{
		Name:           route.TaskName,
		NotificationID: created.ID,
	})
}

package repository

import (
	"context"
	"encoding/json"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/repository/dao"
)

// JobRepository 批量任务仓储接口
type JobRepository interface {
	// Create 创建批量任务及其全部行，ID 冲突返回 ErrJobDuplicate
	Create(ctx context.Context, job domain.Job, rows []domain.JobRow) (domain.Job, error)

	// GetByID 根据ID获取任务
	GetByID(ctx context.Context, id uint64) (domain.Job, error)

	// MarkInProgress 把 PENDING 任务标记为 IN_PROGRESS 并打上捡起时间戳。
	// 任务已不在 PENDING 时返回 false，队列重复投递靠它退出
	MarkInProgress(ctx context.Context, id uint64) (bool, error)

	// CASStatus 按迁移表推进任务状态
	CASStatus(ctx context.Context, id uint64, target domain.JobStatus) (bool, error)

	// ResetForResume 把 ERROR 任务重新标记为 IN_PROGRESS，续传专用
	ResetForResume(ctx context.Context, id uint64) (bool, error)

	// FindStuckInProgress 查找捡起后长期没有完成的任务
	FindStuckInProgress(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)

	// ListRowsAfter 返回行号严格大于 afterRow 的行，按行号升序
	ListRowsAfter(ctx context.Context, jobID uint64, afterRow int32, limit int) ([]domain.JobRow, error)
}

type jobRepository struct {
	dao    dao.JobDAO
	rowDAO dao.JobRowDAO
}

// NewJobRepository 创建批量任务仓储实例
func NewJobRepository(d dao.JobDAO, rowDAO dao.JobRowDAO) JobRepository {
	return &jobRepository{dao: d, rowDAO: rowDAO}
}

func (r *jobRepository) Create(ctx context.Context, job domain.Job, rows []domain.JobRow) (domain.Job, error) {
	created, err := r.dao.Create(ctx, r.toEntity(job))
	if err != nil {
		return domain.Job{}, err
	}
	rowEntities := make([]dao.JobRow, len(rows))
	for i := range rows {
		params, _ := json.Marshal(rows[i].Params)
		rowEntities[i] = dao.JobRow{
			JobID:     created.ID,
			RowNumber: rows[i].RowNumber,
			Recipient: rows[i].Recipient,
			Params:    string(params),
		}
	}
	if err := r.rowDAO.BatchCreate(ctx, rowEntities); err != nil {
		return domain.Job{}, err
	}
	return r.toDomain(created), nil
}

func (r *jobRepository) ListRowsAfter(ctx context.Context, jobID uint64, afterRow int32, limit int) ([]domain.JobRow, error) {
	entities, err := r.rowDAO.FindAfter(ctx, jobID, afterRow, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.JobRow, len(entities))
	for i := range entities {
		var params map[string]string
		if entities[i].Params != "" {
			_ = json.Unmarshal([]byte(entities[i].Params), &params)
		}
		rows[i] = domain.JobRow{
			JobID:     entities[i].JobID,
			RowNumber: entities[i].RowNumber,
			Recipient: entities[i].Recipient,
			Params:    params,
		}
	}
	return rows, nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uint64) (domain.Job, error) {
	entity, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return r.toDomain(entity), nil
}

func (r *jobRepository) MarkInProgress(ctx context.Context, id uint64) (bool, error) {
	return r.dao.MarkInProgress(ctx, id)
}

func (r *jobRepository) CASStatus(ctx context.Context, id uint64, target domain.JobStatus) (bool, error) {
	return r.dao.CASStatus(ctx, id, target)
}

func (r *jobRepository) ResetForResume(ctx context.Context, id uint64) (bool, error) {
	return r.dao.ResetForResume(ctx, id)
}

func (r *jobRepository) FindStuckInProgress(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	entities, err := r.dao.FindStuckInProgress(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, len(entities))
	for i := range entities {
		jobs[i] = r.toDomain(entities[i])
	}
	return jobs, nil
}

func (r *jobRepository) toEntity(job domain.Job) dao.Job {
	return dao.Job{
		ID:                job.ID,
		ServiceID:         job.ServiceID,
		Channel:           string(job.Channel),
		TemplateID:        job.Template.ID,
		TemplateVersion:   job.Template.Version,
		Status:            string(job.Status),
		NotificationCount: job.NotificationCount,
	}
}

func (r *jobRepository) toDomain(entity dao.Job) domain.Job {
	job := domain.Job{
		ID:        entity.ID,
		ServiceID: entity.ServiceID,
		Channel:   domain.Channel(entity.Channel),
		Template: domain.Template{
			ID:      entity.TemplateID,
			Version: entity.TemplateVersion,
		},
		Status:            domain.JobStatus(entity.Status),
		NotificationCount: entity.NotificationCount,
		CreatedAt:         time.UnixMilli(entity.Ctime),
		UpdatedAt:         time.UnixMilli(entity.Utime),
	}
	if entity.ProcessingStarted > 0 {
		job.ProcessingStarted = time.UnixMilli(entity.ProcessingStarted)
	}
	return job
}

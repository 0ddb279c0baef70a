package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"

	"github.com/ecodeclub/ekit/slice"
	"github.com/ego-component/egorm"
	"gorm.io/gorm"
)

type JobDAO interface {
	Create(ctx context.Context, data Job) (Job, error)
	GetByID(ctx context.Context, id uint64) (Job, error)

	// MarkInProgress 任务被 worker 捡起：PENDING -> IN_PROGRESS，
	// 同时盖上 processing_started 时间戳作为超时检测基准。
	// 返回 false 表示任务已经被别人捡起或已取消，调用方直接退出
	MarkInProgress(ctx context.Context, id uint64) (bool, error)
	// CASStatus 按任务迁移表推进状态，被拒绝时是 no-op
	CASStatus(ctx context.Context, id uint64, target domain.JobStatus) (bool, error)
	// ResetForResume 清扫恢复路径：ERROR -> IN_PROGRESS 并刷新
	// processing_started，避免下一轮清扫再次捡起同一个任务
	ResetForResume(ctx context.Context, id uint64) (bool, error)

	// FindStuckInProgress 查找捡起后超过阈值仍未完成的任务
	FindStuckInProgress(ctx context.Context, olderThan time.Time, limit int) ([]Job, error)
}

// Job 批量任务表
type Job struct {
	ID              uint64 `gorm:"primaryKey;comment:'雪花算法ID'"`
	ServiceID       int64  `gorm:"type:BIGINT;NOT NULL;index:idx_service;comment:'所属服务ID'"`
	Channel         string `gorm:"type:ENUM('SMS','EMAIL','LETTER');NOT NULL;comment:'通知渠道'"`
	TemplateID      int64  `gorm:"type:BIGINT;NOT NULL;comment:'模板ID'"`
	TemplateVersion int64  `gorm:"type:BIGINT;NOT NULL;comment:'模板版本'"`
	Status          string `gorm:"type:ENUM('PENDING','IN_PROGRESS','FINISHED','CANCELLED','ERROR','SENDING_LIMITS_EXCEEDED');NOT NULL;DEFAULT:'PENDING';index:idx_status_started,priority:1;comment:'任务状态'"`
	// ProcessingStarted 被捡起的时间戳，毫秒。0 表示还没被捡起过
	ProcessingStarted int64 `gorm:"NOT NULL;DEFAULT:0;index:idx_status_started,priority:2;comment:'捡起时间，超时检测基准'"`
	NotificationCount int32 `gorm:"type:INT;NOT NULL;DEFAULT:0;comment:'CSV总行数'"`
	Ctime             int64
	Utime             int64
}

type jobDAO struct {
	db *egorm.Component
}

func NewJobDAO(db *egorm.Component) JobDAO {
	return &jobDAO{db: db}
}

func (d *jobDAO) Create(ctx context.Context, data Job) (Job, error) {
	now := time.Now().UnixMilli()
	data.Ctime, data.Utime = now, now
	err := d.db.WithContext(ctx).Create(&data).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return Job{}, fmt.Errorf("%w: id=%d", errs.ErrJobDuplicate, data.ID)
		}
		return Job{}, err
	}
	return data, nil
}

func (d *jobDAO) GetByID(ctx context.Context, id uint64) (Job, error) {
	var job Job
	err := d.db.WithContext(ctx).First(&job, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, fmt.Errorf("%w: id=%d", errs.ErrJobNotFound, id)
		}
		return Job{}, err
	}
	return job, nil
}

func (d *jobDAO) MarkInProgress(ctx context.Context, id uint64) (bool, error) {
	now := time.Now().UnixMilli()
	res := d.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusPending.String()).
		Updates(map[string]any{
			"status":             domain.JobStatusInProgress.String(),
			"processing_started": now,
			"utime":              now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *jobDAO) CASStatus(ctx context.Context, id uint64, target domain.JobStatus) (bool, error) {
	sources := slice.Map(domain.JobTransitionSources(target), func(_ int, src domain.JobStatus) string {
		return src.String()
	})
	if len(sources) == 0 {
		return false, nil
	}
	res := d.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(map[string]any{
			"status": target.String(),
			"utime":  time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *jobDAO) ResetForResume(ctx context.Context, id uint64) (bool, error) {
	now := time.Now().UnixMilli()
	res := d.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusError.String()).
		Updates(map[string]any{
			"status":             domain.JobStatusInProgress.String(),
			"processing_started": now,
			"utime":              now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *jobDAO) FindStuckInProgress(ctx context.Context, olderThan time.Time, limit int) ([]Job, error) {
	var res []Job
	err := d.db.WithContext(ctx).
		Where("status = ? AND processing_started > 0 AND processing_started <= ?",
			domain.JobStatusInProgress.String(), olderThan.UnixMilli()).
		Limit(limit).
		Find(&res).Error
	return res, err
}

package repository

import (
	"context"
	"encoding/json"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/repository/dao"
)

// NotificationRepository 通知仓储接口
type NotificationRepository interface {
	// Create 创建一条通知
	Create(ctx context.Context, notification domain.Notification) (domain.Notification, error)

	// BatchCreate 批量创建通知
	BatchCreate(ctx context.Context, notifications []domain.Notification) error

	// GetByID 根据ID获取通知
	GetByID(ctx context.Context, id string) (domain.Notification, error)

	// GetByReference 根据供应商标识获取唯一通知，
	// 命中多条时返回 ErrAmbiguousReference
	GetByReference(ctx context.Context, reference string) (domain.Notification, error)

	// MarkSending 提交供应商成功后写入标识并推进到 SENDING
	MarkSending(ctx context.Context, id, provider, reference string) (bool, error)

	// CASStatus 只在当前状态等于 required 时推进状态
	CASStatus(ctx context.Context, id string, required, target domain.SendStatus, reason string) (bool, error)

	// TransitionStatus 按迁移表推进状态，被拒绝时是 no-op
	TransitionStatus(ctx context.Context, id string, target domain.SendStatus, reason string) (bool, error)

	// CASStatusWithCost 回执专用：状态变更与计费元数据同一条语句落库
	CASStatusWithCost(ctx context.Context, id string, required []domain.SendStatus, target domain.SendStatus, reason string, segments int32, costMillicents int64) (bool, error)

	// UpdateStatusByReference 按供应商标识扇出更新，返回受影响行数
	UpdateStatusByReference(ctx context.Context, reference string, target domain.SendStatus, reason string) (int64, error)

	// MarkTimedOutAsTemporaryFailure 把长期停留在 SENDING/PENDING 的通知标记为临时失败
	MarkTimedOutAsTemporaryFailure(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)

	// FindCreatedBefore 查找长期停留在 CREATED 的通知，用于补投
	FindCreatedBefore(ctx context.Context, olderThan time.Time, channel domain.Channel, limit int) ([]domain.Notification, error)

	// FindAwaitingReceipt 查找已提交但尚未收到回执的通知
	FindAwaitingReceipt(ctx context.Context, provider string, olderThan time.Time, limit int) ([]domain.Notification, error)

	// LastRowForJob 批量任务已落库的最大行号，没有任何行时返回 -1
	LastRowForJob(ctx context.Context, jobID uint64) (int32, error)
}

// notificationRepository 通知仓储实现
type notificationRepository struct {
	dao dao.NotificationDAO
}

// NewNotificationRepository 创建通知仓储实例
func NewNotificationRepository(d dao.NotificationDAO) NotificationRepository {
	return &notificationRepository{
		dao: d,
	}
}

func (r *notificationRepository) Create(ctx context.Context, notification domain.Notification) (domain.Notification, error) {
	created, err := r.dao.Create(ctx, r.toEntity(notification))
	if err != nil {
		return domain.Notification{}, err
	}
	return r.toDomain(created), nil
}

func (r *notificationRepository) BatchCreate(ctx context.Context, notifications []domain.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	entities := make([]dao.Notification, len(notifications))
	for i := range notifications {
		entities[i] = r.toEntity(notifications[i])
	}
	return r.dao.BatchCreate(ctx, entities)
}

func (r *notificationRepository) GetByID(ctx context.Context, id string) (domain.Notification, error) {
	entity, err := r.dao.GetByID(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	return r.toDomain(entity), nil
}

func (r *notificationRepository) GetByReference(ctx context.Context, reference string) (domain.Notification, error) {
	entity, err := r.dao.GetByReference(ctx, reference)
	if err != nil {
		return domain.Notification{}, err
	}
	return r.toDomain(entity), nil
}

func (r *notificationRepository) MarkSending(ctx context.Context, id, provider, reference string) (bool, error) {
	return r.dao.MarkSending(ctx, id, provider, reference)
}

func (r *notificationRepository) CASStatus(ctx context.Context, id string, required, target domain.SendStatus, reason string) (bool, error) {
	return r.dao.CASStatus(ctx, id, required, target, reason)
}

func (r *notificationRepository) TransitionStatus(ctx context.Context, id string, target domain.SendStatus, reason string) (bool, error) {
	return r.dao.TransitionStatus(ctx, id, target, reason)
}

func (r *notificationRepository) CASStatusWithCost(ctx context.Context, id string, required []domain.SendStatus, target domain.SendStatus, reason string, segments int32, costMillicents int64) (bool, error) {
	return r.dao.CASStatusWithCost(ctx, id, required, target, reason, segments, costMillicents)
}

func (r *notificationRepository) UpdateStatusByReference(ctx context.Context, reference string, target domain.SendStatus, reason string) (int64, error) {
	return r.dao.UpdateStatusByReference(ctx, reference, target, reason)
}

func (r *notificationRepository) MarkTimedOutAsTemporaryFailure(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	return r.dao.MarkTimedOutSendingAsTemporaryFailure(ctx, olderThan, batchSize)
}

func (r *notificationRepository) FindCreatedBefore(ctx context.Context, olderThan time.Time, channel domain.Channel, limit int) ([]domain.Notification, error) {
	entities, err := r.dao.FindCreatedBefore(ctx, olderThan, channel, limit)
	if err != nil {
		return nil, err
	}
	return r.toDomains(entities), nil
}

func (r *notificationRepository) FindAwaitingReceipt(ctx context.Context, provider string, olderThan time.Time, limit int) ([]domain.Notification, error) {
	entities, err := r.dao.FindAwaitingReceipt(ctx, provider, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return r.toDomains(entities), nil
}

func (r *notificationRepository) LastRowForJob(ctx context.Context, jobID uint64) (int32, error) {
	return r.dao.LastRowForJob(ctx, jobID)
}

// toEntity 将领域对象转换为DAO实体
func (r *notificationRepository) toEntity(notification domain.Notification) dao.Notification {
	params, _ := notification.MarshalTemplateParams()
	entity := dao.Notification{
		ID:              notification.ID,
		ServiceID:       notification.ServiceID,
		Channel:         string(notification.Channel),
		Recipient:       notification.Recipient,
		TemplateID:      notification.Template.ID,
		TemplateVersion: notification.Template.Version,
		Personalisation: params,
		Status:          string(notification.Status),
		StatusReason:    notification.StatusReason,
		KeyType:         string(notification.KeyType),
		BillableUnits:   notification.BillableUnits,
		SegmentsCount:   notification.SegmentsCount,
		CostMillicents:  notification.CostMillicents,
		JobID:           notification.JobID,
		JobRowNumber:    notification.JobRowNumber,
		SenderID:        notification.SenderID,
	}
	if notification.Reference != "" {
		ref := notification.Reference
		entity.Reference = &ref
	}
	if !notification.SentAt.IsZero() {
		entity.SentAt = notification.SentAt.UnixMilli()
	}
	return entity
}

// toDomain 将DAO实体转换为领域对象
func (r *notificationRepository) toDomain(entity dao.Notification) domain.Notification {
	var params map[string]string
	if entity.Personalisation != "" {
		_ = json.Unmarshal([]byte(entity.Personalisation), &params)
	}
	notification := domain.Notification{
		ID:        entity.ID,
		ServiceID: entity.ServiceID,
		Channel:   domain.Channel(entity.Channel),
		Recipient: entity.Recipient,
		Template: domain.Template{
			ID:      entity.TemplateID,
			Version: entity.TemplateVersion,
			Params:  params,
		},
		Status:         domain.SendStatus(entity.Status),
		StatusReason:   entity.StatusReason,
		KeyType:        domain.KeyType(entity.KeyType),
		BillableUnits:  entity.BillableUnits,
		SegmentsCount:  entity.SegmentsCount,
		CostMillicents: entity.CostMillicents,
		JobID:          entity.JobID,
		JobRowNumber:   entity.JobRowNumber,
		SenderID:       entity.SenderID,
		CreatedAt:      time.UnixMilli(entity.Ctime),
		UpdatedAt:      time.UnixMilli(entity.Utime),
	}
	if entity.Reference != nil {
		notification.Reference = *entity.Reference
	}
	if entity.SentAt > 0 {
		notification.SentAt = time.UnixMilli(entity.SentAt)
	}
	return notification
}

func (r *notificationRepository) toDomains(entities []dao.Notification) []domain.Notification {
	result := make([]domain.Notification, len(entities))
	for i := range entities {
		result[i] = r.toDomain(entities[i])
	}
	return result
}

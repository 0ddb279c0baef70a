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
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type NotificationDAO interface {
	// Create 创建单条通知记录。ID 冲突返回 ErrNotificationDuplicate，
	// 调用方靠它实现幂等重试
	Create(ctx context.Context, data Notification) (Notification, error)
	// BatchCreate 批量创建通知记录，批量任务逐行落库时使用
	BatchCreate(ctx context.Context, dataList []Notification) error

	// GetByID 根据ID查询通知
	GetByID(ctx context.Context, id string) (Notification, error)
	// GetByReference 根据供应商标识查询唯一一条通知。
	// 命中多条说明数据完整性被破坏，返回 ErrAmbiguousReference，
	// 调用方必须整体中止，不允许局部更新
	GetByReference(ctx context.Context, reference string) (Notification, error)

	// MarkSending 提交供应商成功后落库：写入供应商标识并把状态推进到 SENDING。
	// 供应商标识最多设置一次，重复设置返回 ErrReferenceAlreadySet。
	// 通知已不在可提交状态时返回 false，不报错
	MarkSending(ctx context.Context, id string, provider, reference string) (bool, error)

	// CASStatus 条件状态更新：只有当前状态等于 required 时才生效。
	// 不匹配是 no-op（返回 false），整行原封不动，时间戳也不更新
	CASStatus(ctx context.Context, id string, required, target domain.SendStatus, reason string) (bool, error)
	// TransitionStatus 按迁移表推进状态：来源状态集合由迁移表静态给出。
	// 被迁移表拒绝时是 no-op（返回 false），整行原封不动
	TransitionStatus(ctx context.Context, id string, target domain.SendStatus, reason string) (bool, error)

	// CASStatusWithCost 回执专用：条件状态更新的同时写入计费元数据。
	// 计费字段只随真正发生的状态变更落库，重复回执不会重复累计
	CASStatusWithCost(ctx context.Context, id string, required []domain.SendStatus, target domain.SendStatus, reason string, segments int32, costMillicents int64) (bool, error)

	// UpdateStatusByReference 防御性扇出更新：按供应商标识更新全部匹配行。
	// 信件对账文件走这条路径，允许一个标识对应多行
	UpdateStatusByReference(ctx context.Context, reference string, target domain.SendStatus, reason string) (int64, error)

	// 清扫相关
	MarkTimedOutSendingAsTemporaryFailure(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
	FindCreatedBefore(ctx context.Context, olderThan time.Time, channel domain.Channel, limit int) ([]Notification, error)
	FindAwaitingReceipt(ctx context.Context, provider string, olderThan time.Time, limit int) ([]Notification, error)

	// LastRowForJob 返回批量任务已成功落库的最大行号，没有任何行时返回 -1
	LastRowForJob(ctx context.Context, jobID uint64) (int32, error)
}

// Notification 通知记录表
type Notification struct {
	ID              string `gorm:"primaryKey;type:VARCHAR(36);comment:'UUID，调用方可自带用于幂等'"`
	ServiceID       int64  `gorm:"type:BIGINT;NOT NULL;index:idx_service_status,priority:1;comment:'所属服务ID'"`
	Channel         string `gorm:"type:ENUM('SMS','EMAIL','LETTER');NOT NULL;comment:'通知渠道'"`
	Recipient       string `gorm:"type:VARCHAR(512);NOT NULL;comment:'手机号/邮箱/收信地址'"`
	TemplateID      int64  `gorm:"type:BIGINT;NOT NULL;comment:'模板ID'"`
	TemplateVersion int64  `gorm:"type:BIGINT;NOT NULL;comment:'模板版本，创建后不可变'"`
	Personalisation string `gorm:"type:TEXT;comment:'渲染参数，JSON对象'"`
	Status          string `gorm:"type:ENUM('CREATED','PENDING_VIRUS_CHECK','SENDING','PENDING','SENT','DELIVERED','TEMPORARY_FAILURE','PERMANENT_FAILURE','TECHNICAL_FAILURE','VALIDATION_FAILED','VIRUS_SCAN_FAILED','CANCELLED','RETURNED_LETTER');NOT NULL;DEFAULT:'CREATED';index:idx_service_status,priority:2;index:idx_status_utime,priority:1;comment:'发送状态'"`
	StatusReason    string `gorm:"type:VARCHAR(256);comment:'终态失败原因，固定话术'"`
	// Reference 供应商回执关联标识，提交成功后最多设置一次。
	// NULL 表示尚未提交，唯一索引兜底防止两条通知共享一个标识
	Reference      *string `gorm:"type:VARCHAR(255);uniqueIndex:idx_reference;comment:'供应商回执关联标识'"`
	Provider       string  `gorm:"type:VARCHAR(64);comment:'提交时选定的供应商，选定后不变'"`
	KeyType        string  `gorm:"type:ENUM('NORMAL','TEAM','TEST');NOT NULL;DEFAULT:'NORMAL';comment:'API Key 类型'"`
	BillableUnits  int32   `gorm:"type:INT;NOT NULL;DEFAULT:0;comment:'计费单元数'"`
	SegmentsCount  int32   `gorm:"type:INT;NOT NULL;DEFAULT:0;comment:'短信分段数/信件页数'"`
	CostMillicents int64   `gorm:"type:BIGINT;NOT NULL;DEFAULT:0;comment:'千分之一美分计价'"`
	JobID          uint64  `gorm:"type:BIGINT UNSIGNED;NOT NULL;DEFAULT:0;index:idx_job,priority:1;comment:'批量任务ID，0表示单发'"`
	JobRowNumber   int32   `gorm:"type:INT;NOT NULL;DEFAULT:-1;index:idx_job,priority:2;comment:'CSV行号，用于断点续传'"`
	SenderID       int64   `gorm:"type:BIGINT;NOT NULL;DEFAULT:0;comment:'发送方配置ID，0表示服务默认'"`
	SentAt         int64   `gorm:"comment:'提交供应商成功时间'"`
	Ctime          int64
	Utime          int64 `gorm:"index:idx_status_utime,priority:2"`
}

type notificationDAO struct {
	db *egorm.Component
}

// NewNotificationDAO 创建通知DAO实例
func NewNotificationDAO(db *egorm.Component) NotificationDAO {
	return &notificationDAO{
		db: db,
	}
}

func (d *notificationDAO) Create(ctx context.Context, data Notification) (Notification, error) {
	now := time.Now().UnixMilli()
	data.Ctime, data.Utime = now, now
	err := d.db.WithContext(ctx).Create(&data).Error
	if err != nil {
		if isUniqueConstraintError(err) {
			return Notification{}, fmt.Errorf("%w: id=%s", errs.ErrNotificationDuplicate, data.ID)
		}
		return Notification{}, err
	}
	return data, nil
}

func (d *notificationDAO) BatchCreate(ctx context.Context, dataList []Notification) error {
	if len(dataList) == 0 {
		return nil
	}
	const batchSize = 100
	now := time.Now().UnixMilli()
	for i := range dataList {
		dataList[i].Ctime, dataList[i].Utime = now, now
	}
	err := d.db.WithContext(ctx).CreateInBatches(dataList, batchSize).Error
	if err != nil && isUniqueConstraintError(err) {
		return fmt.Errorf("%w", errs.ErrNotificationDuplicate)
	}
	return err
}

// isUniqueConstraintError 检查是否是唯一索引冲突错误
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	me := new(mysql.MySQLError)
	if ok := errors.As(err, &me); ok {
		const uniqueIndexErrNo uint16 = 1062
		return me.Number == uniqueIndexErrNo
	}
	return false
}

func (d *notificationDAO) GetByID(ctx context.Context, id string) (Notification, error) {
	var notification Notification
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&notification).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Notification{}, fmt.Errorf("%w: id=%s", errs.ErrNotificationNotFound, id)
		}
		return Notification{}, err
	}
	return notification, nil
}

func (d *notificationDAO) GetByReference(ctx context.Context, reference string) (Notification, error) {
	var notifications []Notification
	// 唯一索引保证了正常情况下最多一条，这里还是查两条兜底，
	// 真出现多条必须大声失败而不是悄悄更新错行
	err := d.db.WithContext(ctx).
		Where("reference = ?", reference).
		Limit(2).
		Find(&notifications).Error
	if err != nil {
		return Notification{}, err
	}
	switch len(notifications) {
	case 0:
		return Notification{}, fmt.Errorf("%w: reference=%s", errs.ErrNotificationNotFound, reference)
	case 1:
		return notifications[0], nil
	default:
		return Notification{}, fmt.Errorf("%w: reference=%s", errs.ErrAmbiguousReference, reference)
	}
}

func (d *notificationDAO) MarkSending(ctx context.Context, id string, provider, reference string) (bool, error) {
	now := time.Now().UnixMilli()
	sources := statusStrings(domain.TransitionSources(domain.SendStatusSending))
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND status IN ? AND reference IS NULL", id, sources).
		Updates(map[string]any{
			"status":    domain.SendStatusSending.String(),
			"provider":  provider,
			"reference": reference,
			"sent_at":   now,
			"utime":     now,
		})
	if res.Error != nil {
		if isUniqueConstraintError(res.Error) {
			// 两条通知拿到了同一个供应商标识，大声失败
			return false, fmt.Errorf("%w: reference=%s", errs.ErrReferenceAlreadySet, reference)
		}
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// 没更新到：要么是队列重复投递（状态已经离开可提交区），
	// 要么是标识已经设置过。后者要报错
	current, err := d.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if current.Reference != nil && *current.Reference != reference {
		return false, fmt.Errorf("%w: id=%s", errs.ErrReferenceAlreadySet, id)
	}
	return false, nil
}

func (d *notificationDAO) CASStatus(ctx context.Context, id string, required, target domain.SendStatus, reason string) (bool, error) {
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND status = ?", id, required.String()).
		Updates(map[string]any{
			"status":        target.String(),
			"status_reason": reason,
			"utime":         time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *notificationDAO) TransitionStatus(ctx context.Context, id string, target domain.SendStatus, reason string) (bool, error) {
	sources := statusStrings(domain.TransitionSources(target))
	if len(sources) == 0 {
		return false, nil
	}
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(map[string]any{
			"status":        target.String(),
			"status_reason": reason,
			"utime":         time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *notificationDAO) CASStatusWithCost(ctx context.Context, id string, required []domain.SendStatus, target domain.SendStatus, reason string, segments int32, costMillicents int64) (bool, error) {
	if len(required) == 0 {
		return false, nil
	}
	updates := map[string]any{
		"status":        target.String(),
		"status_reason": reason,
		"utime":         time.Now().UnixMilli(),
	}
	// 计费元数据和状态变更在同一条语句里落库，
	// 条件不满足时整行原封不动，重复回执自然不会重复计费
	if segments > 0 {
		updates["segments_count"] = segments
		updates["billable_units"] = segments
	}
	if costMillicents > 0 {
		updates["cost_millicents"] = costMillicents
	}
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND status IN ?", id, statusStrings(required)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *notificationDAO) UpdateStatusByReference(ctx context.Context, reference string, target domain.SendStatus, reason string) (int64, error) {
	sources := statusStrings(domain.TransitionSources(target))
	if len(sources) == 0 {
		return 0, nil
	}
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("reference = ? AND status IN ?", reference, sources).
		Updates(map[string]any{
			"status":        target.String(),
			"status_reason": reason,
			"utime":         time.Now().UnixMilli(),
		})
	return res.RowsAffected, res.Error
}

func (d *notificationDAO) MarkTimedOutSendingAsTemporaryFailure(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	now := time.Now().UnixMilli()
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("status IN ? AND utime <= ?",
			[]string{domain.SendStatusSending.String(), domain.SendStatusPending.String()},
			olderThan.UnixMilli()).
		Limit(batchSize).
		Updates(map[string]any{
			"status":        domain.SendStatusTemporaryFailure.String(),
			"status_reason": domain.ReasonDeliveryTimeout,
			"utime":         now,
		})
	return res.RowsAffected, res.Error
}

func (d *notificationDAO) FindCreatedBefore(ctx context.Context, olderThan time.Time, channel domain.Channel, limit int) ([]Notification, error) {
	var res []Notification
	err := d.db.WithContext(ctx).
		Where("status = ? AND channel = ? AND ctime <= ?",
			domain.SendStatusCreated.String(), channel.String(), olderThan.UnixMilli()).
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (d *notificationDAO) FindAwaitingReceipt(ctx context.Context, provider string, olderThan time.Time, limit int) ([]Notification, error) {
	var res []Notification
	err := d.db.WithContext(ctx).
		Where("provider = ? AND status IN ? AND reference IS NOT NULL AND sent_at <= ?",
			provider,
			[]string{domain.SendStatusSending.String(), domain.SendStatusPending.String()},
			olderThan.UnixMilli()).
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (d *notificationDAO) LastRowForJob(ctx context.Context, jobID uint64) (int32, error) {
	var row struct {
		MaxRow *int32
	}
	err := d.db.WithContext(ctx).Model(&Notification{}).
		Select("MAX(job_row_number) AS max_row").
		Where("job_id = ?", jobID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.MaxRow == nil {
		// 一行都没落过库，从头开始
		return -1, nil
	}
	return *row.MaxRow, nil
}

func statusStrings(statuses []domain.SendStatus) []string {
	return slice.Map(statuses, func(_ int, src domain.SendStatus) string {
		return src.String()
	})
}

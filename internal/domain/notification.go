package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/errs"
)

// Channel 通知渠道
type Channel string

const (
	ChannelSMS    Channel = "SMS"
	ChannelEmail  Channel = "EMAIL"
	ChannelLetter Channel = "LETTER"
)

func (c Channel) String() string {
	return string(c)
}

// KeyType 调用方使用的 API Key 类型。
// test 类型的通知永远不会提交给真实供应商
type KeyType string

const (
	KeyTypeNormal KeyType = "NORMAL"
	KeyTypeTeam   KeyType = "TEAM"
	KeyTypeTest   KeyType = "TEST"
)

// SendStatus 通知发送状态
type SendStatus string

const (
	SendStatusCreated           SendStatus = "CREATED"             // 已创建，待投递
	SendStatusPendingVirusCheck SendStatus = "PENDING_VIRUS_CHECK" // 信件附件病毒扫描中
	SendStatusSending           SendStatus = "SENDING"             // 已提交供应商
	SendStatusPending           SendStatus = "PENDING"             // 供应商已受理，等待回执
	SendStatusSent              SendStatus = "SENT"                // 供应商确认已发出
	SendStatusDelivered         SendStatus = "DELIVERED"           // 送达
	SendStatusTemporaryFailure  SendStatus = "TEMPORARY_FAILURE"   // 临时性失败
	SendStatusPermanentFailure  SendStatus = "PERMANENT_FAILURE"   // 永久性失败
	SendStatusTechnicalFailure  SendStatus = "TECHNICAL_FAILURE"   // 技术性失败
	SendStatusValidationFailed  SendStatus = "VALIDATION_FAILED"   // 校验失败
	SendStatusVirusScanFailed   SendStatus = "VIRUS_SCAN_FAILED"   // 病毒扫描失败
	SendStatusCancelled         SendStatus = "CANCELLED"           // 已取消
	SendStatusReturnedLetter    SendStatus = "RETURNED_LETTER"     // 信件被退回

	// SendStatusUnknown 供应商回执里出现无法识别的原始状态时的归一化结果。
	// 只存在于回执处理过程中，绝不落库
	SendStatusUnknown SendStatus = "UNKNOWN"
)

func (s SendStatus) String() string {
	return string(s)
}

// transitionSources 状态迁移表：目标状态 -> 允许的来源状态。
// 不在表里的迁移一律拒绝，拒绝是 no-op 而不是错误
var transitionSources = map[SendStatus][]SendStatus{
	SendStatusPendingVirusCheck: {SendStatusCreated},
	SendStatusSending:           {SendStatusCreated, SendStatusPendingVirusCheck, SendStatusTemporaryFailure},
	SendStatusPending:           {SendStatusSending},
	SendStatusSent:              {SendStatusSending, SendStatusPending},
	SendStatusDelivered:         {SendStatusSending, SendStatusPending, SendStatusSent},
	SendStatusTemporaryFailure:  {SendStatusSending, SendStatusPending, SendStatusSent},
	SendStatusPermanentFailure:  {SendStatusCreated, SendStatusSending, SendStatusPending, SendStatusTemporaryFailure},
	SendStatusTechnicalFailure:  {SendStatusCreated, SendStatusPendingVirusCheck, SendStatusSending, SendStatusPending},
	SendStatusValidationFailed:  {SendStatusCreated, SendStatusPendingVirusCheck},
	SendStatusVirusScanFailed:   {SendStatusPendingVirusCheck},
	SendStatusCancelled:         {SendStatusCreated, SendStatusPendingVirusCheck},
	SendStatusReturnedLetter:    {SendStatusSending},
}

// correctionSources 补偿迁移表：供应商在送达之后又上报退信/投诉时使用。
// 这是唯一允许离开成功终态的路径，必须显式调用
var correctionSources = map[SendStatus][]SendStatus{
	SendStatusTemporaryFailure: {SendStatusDelivered, SendStatusSent},
	SendStatusPermanentFailure: {SendStatusDelivered, SendStatusSent},
	SendStatusReturnedLetter:   {SendStatusDelivered, SendStatusSent},
}

// terminalStatuses 终态集合，到达之后普通迁移表不再允许任何变更
var terminalStatuses = map[SendStatus]struct{}{
	SendStatusDelivered:        {},
	SendStatusPermanentFailure: {},
	SendStatusTechnicalFailure: {},
	SendStatusValidationFailed: {},
	SendStatusVirusScanFailed:  {},
	SendStatusCancelled:        {},
	SendStatusReturnedLetter:   {},
}

// IsTerminal 是否终态
func (s SendStatus) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// TransitionSources 返回允许迁移到 target 的来源状态列表。
// 返回的是副本，调用方可以直接拿去拼 SQL 的 IN 条件
func TransitionSources(target SendStatus) []SendStatus {
	src := transitionSources[target]
	out := make([]SendStatus, len(src))
	copy(out, src)
	return out
}

// CorrectionSources 返回补偿迁移允许的来源状态列表
func CorrectionSources(target SendStatus) []SendStatus {
	src := correctionSources[target]
	out := make([]SendStatus, len(src))
	copy(out, src)
	return out
}

// CanTransition 普通迁移表是否允许 from -> to
func CanTransition(from, to SendStatus) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// 终态失败的 status_reason 只能来自这组固定话术，
// 绝不把供应商的原始错误串透传给调用方
const (
	ReasonInvalidNumber   = "Undeliverable - Phone number is invalid"
	ReasonInvalidEmail    = "Undeliverable - Email address is invalid"
	ReasonUnreachable     = "Undeliverable - Individual unreachable"
	ReasonBlocked         = "Undeliverable - Individual or carrier has blocked the request"
	ReasonNoContact       = "Undeliverable - No contact information"
	ReasonUndeliverable   = "Undeliverable - Unable to deliver"
	ReasonRetriesExceeded = "Technical failure - Maximum retries exceeded"
	ReasonDeliveryTimeout = "Did not receive timely delivery confirmation"
)

// Template 模版快照引用，创建之后不可变
type Template struct {
	ID      int64
	Version int64
	Params  map[string]string // 渲染参数
}

// Notification 通知领域模型
type Notification struct {
	ID             string // UUID，调用方可以自带，用于幂等重试
	ServiceID      int64
	Channel        Channel
	Recipient      string // 手机号/邮箱/收信地址
	Template       Template
	Status         SendStatus
	StatusReason   string
	Reference      string // 供应商回执关联标识，提交成功后最多设置一次
	KeyType        KeyType
	BillableUnits  int32
	SegmentsCount  int32
	CostMillicents int64  // 千分之一美分计价
	JobID          uint64 // 0 表示非批量任务产生
	JobRowNumber   int32
	SenderID       int64 // 0 表示使用服务默认发送方
	CreatedAt      time.Time
	SentAt         time.Time
	UpdatedAt      time.Time
}

// MarshalTemplateParams 序列化模版渲染参数
func (n *Notification) MarshalTemplateParams() (string, error) {
	val, err := json.Marshal(n.Template.Params)
	return string(val), err
}

func (n *Notification) Validate() error {
	if n.ServiceID <= 0 {
		return fmt.Errorf("%w: ServiceID = %d", errs.ErrInvalidParameter, n.ServiceID)
	}

	if n.Recipient == "" {
		return fmt.Errorf("%w: Recipient 为空", errs.ErrInvalidParameter)
	}

	if n.Channel != ChannelSMS && n.Channel != ChannelEmail && n.Channel != ChannelLetter {
		return fmt.Errorf("%w: Channel = %q", errs.ErrInvalidParameter, n.Channel)
	}

	if n.Template.ID <= 0 {
		return fmt.Errorf("%w: Template.ID = %d", errs.ErrInvalidParameter, n.Template.ID)
	}

	if n.Template.Version <= 0 {
		return fmt.Errorf("%w: Template.Version = %d", errs.ErrInvalidParameter, n.Template.Version)
	}

	if n.KeyType != KeyTypeNormal && n.KeyType != KeyTypeTeam && n.KeyType != KeyTypeTest {
		return fmt.Errorf("%w: KeyType = %q", errs.ErrInvalidParameter, n.KeyType)
	}

	return nil
}

// Submittable 是否还处于可以提交给供应商的状态。
// 队列重复投递时第二次执行靠它直接退出
func (n *Notification) Submittable() bool {
	return n.Status == SendStatusCreated || n.Status == SendStatusPendingVirusCheck
}

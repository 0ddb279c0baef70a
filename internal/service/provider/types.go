package provider

import (
	"context"
	"errors"

	"gitee.com/flycash/notify-dispatch/internal/domain"
)

// SubmitRequest 一次提交所需的全部材料。
// 模板快照由调用方预先解析好，客户端不回查数据库
type SubmitRequest struct {
	Notification domain.Notification
	Template     domain.TemplateSnapshot
	// SenderNumber 短信发送号码/签名，其它渠道为空
	SenderNumber string
}

// SubmitResult 提交成功的返回
type SubmitResult struct {
	// Reference 供应商返回的回执关联标识
	Reference string
	// SegmentsCount 短信分段数或信件页数，供应商不返回时为 0
	SegmentsCount int32
	// CostMillicents 千分之一美分计价，供应商不返回时为 0
	CostMillicents int64
}

// Client 供应商客户端接口
type Client interface {
	// Name 供应商标识，落库到通知记录上
	Name() string
	// Channel 该客户端服务的渠道
	Channel() domain.Channel
	// Submit 提交一条通知。永久拒绝返回 *PermanentError，
	// 其余错误一律视为瞬态，可以重试
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// PermanentError 供应商永久拒绝：重试不可能成功，
// Reason 是写进通知记录的固定话术
type PermanentError struct {
	Reason string
	cause  error
}

func NewPermanentError(reason string, cause error) *PermanentError {
	return &PermanentError{Reason: reason, cause: cause}
}

func (e *PermanentError) Error() string {
	if e.cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.cause.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.cause
}

// AsPermanent 判断错误是否为永久拒绝
func AsPermanent(err error) (*PermanentError, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

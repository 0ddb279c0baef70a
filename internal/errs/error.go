package errs

import (
	"errors"
)

// 定义统一的错误类型
var (
	ErrInvalidParameter         = errors.New("参数错误")
	ErrInvalidRecipient         = errors.New("收件人格式非法")
	ErrRecipientNotAllowed      = errors.New("收件人不在允许名单内")
	ErrNotificationNotFound     = errors.New("通知记录不存在")
	ErrNotificationDuplicate    = errors.New("通知记录主键冲突")
	ErrCreateNotificationFailed = errors.New("创建通知失败")
	ErrReferenceAlreadySet      = errors.New("供应商标识已经设置过")
	// ErrAmbiguousReference 一个 reference 对应了多条不同的通知，
	// 属于数据完整性故障，相关操作必须整体中止
	ErrAmbiguousReference = errors.New("供应商标识关联了多条通知")

	ErrSendingLimitExceeded = errors.New("已超出每日发送上限")
	ErrRateLimited          = errors.New("已达到速率限制")

	ErrJobNotFound       = errors.New("批量任务不存在")
	ErrJobDuplicate      = errors.New("批量任务记录主键冲突")
	ErrTemplateNotFound  = errors.New("模板记录不存在")
	ErrServiceNotFound   = errors.New("服务配置不存在")
	ErrServiceInactive   = errors.New("服务已停用")
	ErrChannelMismatched = errors.New("模板渠道与通知渠道不一致")

	ErrSendNotificationFailed  = errors.New("发送通知失败")
	ErrUnknownProviderStatus   = errors.New("无法识别的供应商状态")
	ErrUnknownProvider         = errors.New("无法识别的供应商")
	ErrUnknownTaskName         = errors.New("无法识别的任务名")
	ErrMalformedReceiptLine    = errors.New("对账文件行格式非法")
	ErrQueryReceiptFailed      = errors.New("查询供应商回执失败")
	ErrNotificationIDGenFailed = errors.New("通知ID生成失败")
)

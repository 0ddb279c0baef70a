package domain

import "time"

// DeliveryReceipt 归一化之后的供应商回执。
// 状态归一器是唯一允许认识供应商原始报文的组件，
// 回执处理链路只消费这个结构
type DeliveryReceipt struct {
	Provider          string
	Reference         string
	Status            SendStatus // 归一化状态，识别不了时是 SendStatusUnknown
	StatusReason      string
	RawStatus         string // 供应商原始状态串，只用于日志排查
	SegmentsCount     int32
	CostMillicents    int64
	PageCount         int32  // 信件回执独有
	CostThreshold     string // 信件分拣档位，影响邮资
	ProviderTimestamp time.Time
}

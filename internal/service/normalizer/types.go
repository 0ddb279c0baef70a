package normalizer

import (
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
)

// RawReceipt 供应商回执的原始报文，JSON 反序列化的直接产物。
// 字段语义因供应商而异，归一器之外不允许解读
type RawReceipt struct {
	Provider       string `json:"provider"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode,omitempty"`
	Message        string `json:"message,omitempty"`
	SegmentsCount  int32  `json:"segmentsCount,omitempty"`
	CostMillicents int64  `json:"costMillicents,omitempty"`
	// Timestamp 供应商侧时间，毫秒
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Normalizer 把单个供应商的原始回执翻译成统一回执。
// 识别不了的状态返回 SendStatusUnknown 和 ErrUnknownProviderStatus，
// 调用方记日志后丢弃，绝不让未知状态污染状态机
type Normalizer interface {
	Provider() string
	Normalize(raw RawReceipt) (domain.DeliveryReceipt, error)
}

// Registry 供应商名到归一器的静态注册表
type Registry struct {
	normalizers map[string]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	m := make(map[string]Normalizer, len(normalizers))
	for _, n := range normalizers {
		m[n.Provider()] = n
	}
	return &Registry{normalizers: m}
}

func (r *Registry) Get(provider string) (Normalizer, error) {
	n, ok := r.normalizers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownProvider, provider)
	}
	return n, nil
}

func baseReceipt(provider string, raw RawReceipt) domain.DeliveryReceipt {
	receipt := domain.DeliveryReceipt{
		Provider:       provider,
		Reference:      raw.Reference,
		RawStatus:      raw.Status,
		SegmentsCount:  raw.SegmentsCount,
		CostMillicents: raw.CostMillicents,
	}
	if raw.Timestamp > 0 {
		receipt.ProviderTimestamp = time.UnixMilli(raw.Timestamp)
	}
	return receipt
}

// Package metrics 回执与兜底管线的包级计数器。
// 这些事件散落在消费端、处理器和清扫里，光靠日志不好做告警
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// UnknownProviderStatus 归一失败的回执状态
	UnknownProviderStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_unknown_status_total",
			Help: "无法归一的供应商回执状态统计",
		},
		[]string{"provider"},
	)

	// AmbiguousReference 同一个供应商标识命中多条通知
	AmbiguousReference = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receipt_ambiguous_reference_total",
			Help: "供应商标识命中多条通知的次数",
		},
	)

	// SweptRows 兜底扫描纠正的对象数，按扫描类型区分
	SweptRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_swept_rows_total",
			Help: "兜底扫描纠正的对象数",
		},
		[]string{"scan"},
	)
)

func init() {
	prometheus.MustRegister(UnknownProviderStatus, AmbiguousReference, SweptRows)
}

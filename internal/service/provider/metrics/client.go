// Package metrics 为供应商客户端添加指标收集的装饰器
package metrics

import (
	"context"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"

	"github.com/prometheus/client_golang/prometheus"
)

// 指标在包级别注册一次，各渠道的装饰器实例共用，按标签区分
var (
	submitDurationSummary = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "provider_submit_duration_seconds",
			Help:       "供应商提交通知耗时统计（秒）",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
			MaxAge:     time.Minute * 5,
		},
		[]string{"provider", "channel", "outcome"},
	)

	submitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_submit_total",
			Help: "供应商提交通知结果统计",
		},
		[]string{"provider", "channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(submitDurationSummary, submitCounter)
}

// Client 为供应商客户端添加指标收集的装饰器
type Client struct {
	client provider.Client
}

func NewClient(c provider.Client) *Client {
	return &Client{client: c}
}

func (c *Client) Name() string {
	return c.client.Name()
}

func (c *Client) Channel() domain.Channel {
	return c.client.Channel()
}

// Submit 提交通知并记录指标
func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	startTime := time.Now()

	result, err := c.client.Submit(ctx, req)

	duration := time.Since(startTime).Seconds()
	outcome := c.outcome(err)

	submitCounter.WithLabelValues(
		c.client.Name(),
		string(c.client.Channel()),
		outcome,
	).Inc()

	submitDurationSummary.WithLabelValues(
		c.client.Name(),
		string(c.client.Channel()),
		outcome,
	).Observe(duration)

	return result, err
}

func (c *Client) outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	default:
		if _, ok := provider.AsPermanent(err); ok {
			return "permanent_failure"
		}
		return "transient_failure"
	}
}

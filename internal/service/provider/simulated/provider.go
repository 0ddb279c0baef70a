package simulated

import (
	"context"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"

	"github.com/gofrs/uuid"
	"github.com/gotomicro/ego/core/elog"
)

const Name = "simulated"

// ReceiptSink 接收模拟回执。装配时接回执处理器，
// 让研究模式的通知也走完整的状态闭环
type ReceiptSink interface {
	Ingest(ctx context.Context, receipt domain.DeliveryReceipt) error
}

// Client 模拟供应商：不触达任何真实渠道，
// 提交即受理，并在短暂延迟后回一条已送达回执
type Client struct {
	channel domain.Channel
	sink    ReceiptSink
	delay   time.Duration
	logger  *elog.Component
}

func NewClient(channel domain.Channel, sink ReceiptSink, delay time.Duration) *Client {
	return &Client{
		channel: channel,
		sink:    sink,
		delay:   delay,
		logger:  elog.DefaultLogger,
	}
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) Channel() domain.Channel {
	return c.channel
}

func (c *Client) Submit(_ context.Context, _ provider.SubmitRequest) (provider.SubmitResult, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: %w", errs.ErrSendNotificationFailed, err)
	}
	reference := "sim-" + id.String()

	if c.sink != nil {
		go c.deliverLater(reference)
	}
	return provider.SubmitResult{Reference: reference}, nil
}

func (c *Client) deliverLater(reference string) {
	time.Sleep(c.delay)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.sink.Ingest(ctx, domain.DeliveryReceipt{
		Provider:          Name,
		Reference:         reference,
		Status:            domain.SendStatusDelivered,
		RawStatus:         "DELIVERED",
		ProviderTimestamp: time.Now(),
	})
	if err != nil {
		c.logger.Warn("模拟回执写入失败",
			elog.String("reference", reference),
			elog.FieldErr(err))
	}
}

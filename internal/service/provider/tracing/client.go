package tracing

import (
	"context"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client 为供应商客户端添加链路追踪的装饰器
type Client struct {
	client provider.Client
	tracer trace.Tracer
}

// NewClient 创建一个新的带有链路追踪的供应商客户端
func NewClient(c provider.Client) *Client {
	return &Client{
		client: c,
		tracer: otel.Tracer("notify-dispatch/provider"),
	}
}

func (c *Client) Name() string {
	return c.client.Name()
}

func (c *Client) Channel() domain.Channel {
	return c.client.Channel()
}

func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	ctx, span := c.tracer.Start(ctx, "Provider.Submit",
		trace.WithAttributes(
			attribute.String("notification.id", req.Notification.ID),
			attribute.String("notification.channel", string(req.Notification.Channel)),
			attribute.String("provider.name", c.client.Name()),
		))
	defer span.End()

	result, err := c.client.Submit(ctx, req)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("provider.reference", result.Reference))
	}

	return result, err
}

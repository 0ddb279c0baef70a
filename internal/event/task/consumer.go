package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/errs"

	"github.com/ecodeclub/mq-api"
	"github.com/gotomicro/ego/core/elog"
)

// Handler 处理一个队列任务。返回错误表示处理失败，
// 是否重试由处理器自己决定（往重试队列再投一条），
// 消费循环不会自动重投
type Handler func(ctx context.Context, t Task) error

// Registry 任务名到处理器的静态注册表。
// 启动时装配完成，运行期只读
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) handler(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownTaskName, name)
	}
	return h, nil
}

// Consumer 单队列消费循环
type Consumer struct {
	queue    string
	consumer mq.Consumer
	registry *Registry
	logger   *elog.Component
}

func NewConsumer(queue string, consumer mq.Consumer, registry *Registry) *Consumer {
	return &Consumer{
		queue:    queue,
		consumer: consumer,
		registry: registry,
		logger:   elog.DefaultLogger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.Consume(ctx); err != nil {
				c.logger.Error("消费队列任务失败",
					elog.String("queue", c.queue),
					elog.FieldErr(err))
			}
		}
	}()
}

func (c *Consumer) Consume(ctx context.Context) error {
	msg, err := c.consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("获取消息失败: %w", err)
	}

	var t Task
	if err = json.Unmarshal(msg.Value, &t); err != nil {
		// 坏消息跳过，不能卡死整个队列
		c.logger.Warn("解析队列任务失败",
			elog.String("queue", c.queue),
			elog.FieldErr(err))
		return nil
	}

	h, err := c.registry.handler(t.Name)
	if err != nil {
		c.logger.Error("未注册的任务名",
			elog.String("queue", c.queue),
			elog.String("task", t.Name))
		return nil
	}
	return h(ctx, t)
}

// RetryConsumer 重试队列消费循环：任务带 NotBefore，
// 没到时间就等到时间再执行，退避窗口由入队方计算
type RetryConsumer struct {
	consumer mq.Consumer
	registry *Registry
	logger   *elog.Component
}

func NewRetryConsumer(consumer mq.Consumer, registry *Registry) *RetryConsumer {
	return &RetryConsumer{
		consumer: consumer,
		registry: registry,
		logger:   elog.DefaultLogger,
	}
}

func (c *RetryConsumer) Start(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.Consume(ctx); err != nil {
				c.logger.Error("消费重试任务失败", elog.FieldErr(err))
			}
		}
	}()
}

func (c *RetryConsumer) Consume(ctx context.Context) error {
	msg, err := c.consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("获取消息失败: %w", err)
	}

	var t Task
	if err = json.Unmarshal(msg.Value, &t); err != nil {
		c.logger.Warn("解析重试任务失败", elog.FieldErr(err))
		return nil
	}

	if !t.Ready(time.Now()) {
		timer := time.NewTimer(time.Until(time.UnixMilli(t.NotBefore)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	h, err := c.registry.handler(t.Name)
	if err != nil {
		c.logger.Error("未注册的任务名", elog.String("task", t.Name))
		return nil
	}
	return h(ctx, t)
}

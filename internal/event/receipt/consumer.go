package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/pkg/idempotent"
	"gitee.com/flycash/notify-dispatch/internal/pkg/metrics"
	"gitee.com/flycash/notify-dispatch/internal/service/normalizer"
	receiptsvc "gitee.com/flycash/notify-dispatch/internal/service/receipt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/gotomicro/ego/core/elog"
)

// EventName 供应商回执回调统一进这个 topic，
// 报文是归一器定义的 RawReceipt
const EventName = "delivery_receipt_events"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = time.Second
	retryDelay          = time.Second
)

type KafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
}

// EventConsumer 回执事件消费者：攒一小批一起处理，
// 每个分区只提交最后一条消息的位点
type EventConsumer struct {
	processor  *receiptsvc.Processor
	normalizer *normalizer.Registry
	consumer   KafkaConsumer
	dedup      idempotent.Service

	batchSize    int
	batchTimeout time.Duration

	logger *elog.Component
}

func NewEventConsumer(
	processor *receiptsvc.Processor,
	registry *normalizer.Registry,
	consumer *kafka.Consumer,
	dedup idempotent.Service,
) (*EventConsumer, error) {
	err := consumer.SubscribeTopics([]string{EventName}, nil)
	if err != nil {
		return nil, err
	}
	return &EventConsumer{
		processor:    processor,
		normalizer:   registry,
		consumer:     consumer,
		dedup:        dedup,
		batchSize:    defaultBatchSize,
		batchTimeout: defaultBatchTimeout,
		logger:       elog.DefaultLogger,
	}, nil
}

func (c *EventConsumer) Start(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.Consume(ctx); err != nil {
				c.logger.Error("消费回执事件失败", elog.FieldErr(err))
			}
		}
	}()
}

func (c *EventConsumer) Consume(ctx context.Context) error {
	messages, err := c.collectBatch(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	// 每个分区只记最后一条，批量提交一次
	lastPerPartition := make(map[int32]*kafka.Message)
	for _, msg := range messages {
		if err := c.handleMessage(ctx, msg); err != nil {
			return err
		}
		lastPerPartition[msg.TopicPartition.Partition] = msg
	}

	for _, msg := range lastPerPartition {
		if _, err := c.consumer.CommitMessage(msg); err != nil {
			return fmt.Errorf("提交位点失败: %w", err)
		}
	}
	return nil
}

func (c *EventConsumer) collectBatch(ctx context.Context) ([]*kafka.Message, error) {
	var messages []*kafka.Message
	deadline := time.Now().Add(c.batchTimeout)

	for len(messages) < c.batchSize {
		if ctx.Err() != nil {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := c.consumer.ReadMessage(remaining)
		if err != nil {
			var kErr kafka.Error
			if errors.As(err, &kErr) && kErr.Code() == kafka.ErrTimedOut {
				break
			}
			return nil, fmt.Errorf("获取消息失败: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (c *EventConsumer) handleMessage(ctx context.Context, msg *kafka.Message) error {
	var raw normalizer.RawReceipt
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		// 坏报文跳过，不能卡死分区
		c.logger.Warn("解析回执报文失败",
			elog.FieldErr(err),
			elog.Any("msg", msg))
		return nil
	}

	n, err := c.normalizer.Get(raw.Provider)
	if err != nil {
		c.logger.Error("回执来自未注册的供应商",
			elog.String("provider", raw.Provider))
		return nil
	}

	receipt, err := n.Normalize(raw)
	if err != nil {
		// 未知状态归一器已经降级成 UNKNOWN，记下来继续走，
		// 处理器负责丢弃
		metrics.UnknownProviderStatus.WithLabelValues(raw.Provider).Inc()
		c.logger.Warn("回执状态无法归一",
			elog.String("provider", raw.Provider),
			elog.String("reference", raw.Reference),
			elog.FieldErr(err))
	}

	// 布隆过滤器挡掉供应商重复推送。存在误判，真正的
	// 幂等由处理器的状态条件保证
	dedupKey := fmt.Sprintf("%s:%s:%s", receipt.Provider, receipt.Reference, receipt.Status)
	if c.dedup != nil {
		seen, err := c.dedup.Seen(ctx, dedupKey)
		if err != nil {
			c.logger.Warn("查询回执去重过滤器失败，照常处理", elog.FieldErr(err))
		} else if seen {
			return nil
		}
	}

	if err := c.ingest(ctx, receipt); err != nil {
		return err
	}
	// 处理成功才记录：失败的消息重投时必须再走一遍完整处理
	if c.dedup != nil {
		if err := c.dedup.Mark(ctx, dedupKey); err != nil {
			c.logger.Warn("写入回执去重过滤器失败", elog.FieldErr(err))
		}
	}
	return nil
}

func (c *EventConsumer) ingest(ctx context.Context, receipt domain.DeliveryReceipt) error {
	err := c.processor.Ingest(ctx, receipt)
	if err != nil && errors.Is(err, errs.ErrNotificationNotFound) {
		// 回执先于通知到达，小睡一拍原地重试一次
		time.Sleep(retryDelay)
		return c.processor.Ingest(ctx, receipt)
	}
	return err
}

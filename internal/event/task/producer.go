package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ecodeclub/mq-api"
)

type Producer interface {
	// Produce 把任务投进指定队列
	Produce(ctx context.Context, queue string, t Task) error
}

// producer 多队列生产者。mq.Producer 绑定单个 topic，
// 这里按队列名惰性创建并复用
type producer struct {
	q         mq.MQ
	mu        sync.Mutex
	producers map[string]mq.Producer
}

func NewProducer(q mq.MQ) Producer {
	return &producer{
		q:         q,
		producers: make(map[string]mq.Producer),
	}
}

func (p *producer) Produce(ctx context.Context, queue string, t Task) error {
	if t.EnqueuedAt == 0 {
		t.EnqueuedAt = time.Now().UnixMilli()
	}
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("序列化队列任务失败: %w", err)
	}
	qp, err := p.queueProducer(queue)
	if err != nil {
		return err
	}
	_, err = qp.Produce(ctx, &mq.Message{
		Topic: queue,
		// 同一条通知的任务落在同一分区，保持处理顺序
		Key:   []byte(t.NotificationID),
		Value: val,
	})
	return err
}

func (p *producer) queueProducer(queue string) (mq.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qp, ok := p.producers[queue]; ok {
		return qp, nil
	}
	qp, err := p.q.Producer(queue)
	if err != nil {
		return nil, fmt.Errorf("创建队列 %s 的生产者失败: %w", queue, err)
	}
	p.producers[queue] = qp
	return qp, nil
}

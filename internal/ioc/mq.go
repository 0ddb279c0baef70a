package ioc

import (
	"context"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/event/task"

	"github.com/ecodeclub/mq-api"
	"github.com/ecodeclub/mq-api/kafka"
	"github.com/gotomicro/ego/core/econf"
)

// 任务队列在启动时建好，分区数决定每个队列的并行度
func InitMQ() mq.MQ {
	type Topic struct {
		Name       string `yaml:"name"`
		Partitions int    `yaml:"partitions"`
	}
	type Config struct {
		Network   string   `yaml:"network"`
		Addresses []string `yaml:"addresses"`
		Topics    []Topic  `yaml:"topics"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("mq", &cfg); err != nil {
		panic(err)
	}

	q, err := kafka.NewMQ(cfg.Network, cfg.Addresses)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, t := range cfg.Topics {
		if err := q.CreateTopic(ctx, t.Name, t.Partitions); err != nil {
			panic(err)
		}
	}
	return q
}

func InitTaskProducer(q mq.MQ) task.Producer {
	return task.NewProducer(q)
}

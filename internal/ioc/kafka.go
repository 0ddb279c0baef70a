package ioc

import (
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/gotomicro/ego/core/econf"
)

// InitReceiptKafkaConsumer 回执事件的 Kafka 消费者。
// 位点由消费端攒批之后手动提交
func InitReceiptKafkaConsumer() *kafka.Consumer {
	type Config struct {
		Addr    string `yaml:"addr"`
		GroupID string `yaml:"groupId"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("kafka", &cfg); err != nil {
		panic(err)
	}
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Addr,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		panic(fmt.Sprintf("创建回执消费者失败: %v", err))
	}
	return consumer
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"ccs-gateway/internal/logging"

	"github.com/nsqio/go-nsq"
)

// nsqPublisher go-nsq 生产者的最小能力,测试中可替换
type nsqPublisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQProducer 向固定主题发布消息
type NSQProducer struct {
	p     nsqPublisher
	topic string
}

// NewNSQProducer 创建一个新的 NSQ 生产者
func NewNSQProducer(addr, topic string) (*NSQProducer, error) {
	if topic == "" {
		return nil, fmt.Errorf("%s", errorMessageTopicRequired)
	}

	producer, err := nsq.NewProducer(addr, createNSQConfig(0))
	if err != nil {
		return nil, err
	}
	producer.SetLogger(log.New(logging.Component("NSQ"), logPrefix, 0), nsq.LogLevelWarning)

	return &NSQProducer{p: producer, topic: topic}, nil
}

// Publish 发布原始消息体
// go-nsq 的 Publish 不接收 context,这里保留 ctx 以满足接口
func (n *NSQProducer) Publish(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return n.p.Publish(n.topic, payload)
}

// PublishJSON 序列化后发布
func (n *NSQProducer) PublishJSON(ctx context.Context, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode nsq payload: %w", err)
	}
	return n.Publish(ctx, payload)
}

// Topic 目标主题
func (n *NSQProducer) Topic() string {
	return n.topic
}

func (n *NSQProducer) Close() {
	if n.p != nil {
		n.p.Stop()
	}
}

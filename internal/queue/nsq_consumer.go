package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ccs-gateway/internal/config"
	"ccs-gateway/internal/logging"

	"github.com/nsqio/go-nsq"
	"github.com/rs/zerolog"
)

// ==================== 常量定义 ====================

const (
	defaultMessageHandleTimeout = 30 * time.Second

	defaultUserAgent = "ccs-gateway"

	logPrefix = "[nsq] "

	errorMessageTopicRequired        = "topic is required"
	errorMessageChannelRequired      = "channel is required"
	errorMessageHandlerRequired      = "handler is required"
	errorMessageNoAddressConfigured  = "no nsqd address or lookupd configured"
	errorMessageConsumerCreationFail = "failed to create NSQ consumer"
)

// ==================== 类型定义 ====================

// HandlerFunc 消息处理函数类型
type HandlerFunc func(ctx context.Context, payload []byte, attempts uint16) error

// NSQConsumer NSQ 消费者,处理失败达到上限的消息转入死信主题
type NSQConsumer struct {
	topic   string
	channel string

	nsqdAddresses    []string
	lookupdAddresses []string

	consumer *nsq.Consumer
	handler  HandlerFunc

	concurrency int

	dlqTopic             string
	maxAttemptsBeforeDLQ uint16
	dlqProducer          nsqPublisher

	messageHandleTimeout time.Duration
	logger               zerolog.Logger
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Topic                string
	Channel              string
	MaxInFlight          int
	Concurrency          int
	NsqdAddresses        []string
	LookupdAddresses     []string
	DLQTopic             string
	MaxAttemptsBeforeDLQ uint16
	MessageHandleTimeout time.Duration
	Handler              HandlerFunc
}

// ==================== 构造函数 ====================

// NewIntakeConsumer 按 NSQ 配置创建下行通知消费者
func NewIntakeConsumer(nsqConfig config.NSQ, handler HandlerFunc) (*NSQConsumer, error) {
	return NewNSQConsumerFromConfig(ConsumerConfig{
		Topic:                nsqConfig.IntakeTopic,
		Channel:              nsqConfig.IntakeChannel,
		MaxInFlight:          nsqConfig.MaxInFlight,
		Concurrency:          nsqConfig.Concurrency,
		NsqdAddresses:        nsqConfig.NsqdTCPAddrs,
		LookupdAddresses:     nsqConfig.LookupdHTTPAddrs,
		DLQTopic:             nsqConfig.DLQTopic,
		MaxAttemptsBeforeDLQ: uint16(nsqConfig.MaxConsumeAttemptsBeforeDLQ),
		Handler:              handler,
	})
}

// NewNSQConsumerFromConfig 从配置创建 NSQ 消费者
func NewNSQConsumerFromConfig(consumerConfig ConsumerConfig) (*NSQConsumer, error) {
	if err := validateConsumerConfig(consumerConfig); err != nil {
		return nil, err
	}

	consumer, err := nsq.NewConsumer(consumerConfig.Topic, consumerConfig.Channel, createNSQConfig(consumerConfig.MaxInFlight))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageConsumerCreationFail, err)
	}

	logger := logging.Component("NSQ")
	consumer.SetLogger(log.New(logger, logPrefix, 0), nsq.LogLevelInfo)

	timeout := consumerConfig.MessageHandleTimeout
	if timeout == 0 {
		timeout = defaultMessageHandleTimeout
	}

	concurrency := consumerConfig.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &NSQConsumer{
		topic:                consumerConfig.Topic,
		channel:              consumerConfig.Channel,
		nsqdAddresses:        consumerConfig.NsqdAddresses,
		lookupdAddresses:     consumerConfig.LookupdAddresses,
		consumer:             consumer,
		handler:              consumerConfig.Handler,
		concurrency:          concurrency,
		dlqTopic:             consumerConfig.DLQTopic,
		maxAttemptsBeforeDLQ: consumerConfig.MaxAttemptsBeforeDLQ,
		messageHandleTimeout: timeout,
		logger:               logger,
	}, nil
}

func validateConsumerConfig(consumerConfig ConsumerConfig) error {
	if consumerConfig.Topic == "" {
		return errors.New(errorMessageTopicRequired)
	}

	if consumerConfig.Channel == "" {
		return errors.New(errorMessageChannelRequired)
	}

	if consumerConfig.Handler == nil {
		return errors.New(errorMessageHandlerRequired)
	}

	if len(consumerConfig.NsqdAddresses) == 0 && len(consumerConfig.LookupdAddresses) == 0 {
		return errors.New(errorMessageNoAddressConfigured)
	}

	return nil
}

func createNSQConfig(maxInFlight int) *nsq.Config {
	nsqConfig := nsq.NewConfig()

	if maxInFlight > 0 {
		nsqConfig.MaxInFlight = maxInFlight
	}

	nsqConfig.UserAgent = defaultUserAgent

	return nsqConfig
}

// ==================== DLQ 配置 ====================

// AttachDLQProducer 附加 DLQ 生产者
func (consumer *NSQConsumer) AttachDLQProducer(nsqdAddress string) error {
	if consumer.dlqTopic == "" || nsqdAddress == "" {
		return nil
	}

	producer, err := nsq.NewProducer(nsqdAddress, createNSQConfig(0))
	if err != nil {
		return fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	consumer.dlqProducer = producer
	return nil
}

// IsDLQEnabled 检查是否启用了 DLQ
func (consumer *NSQConsumer) IsDLQEnabled() bool {
	return consumer.dlqTopic != "" && consumer.dlqProducer != nil
}

// ==================== 消息处理 ====================

// Run 连接 NSQ 并阻塞到消费者停止
func (consumer *NSQConsumer) Run() error {
	consumer.consumer.AddConcurrentHandlers(nsq.HandlerFunc(consumer.handleMessage), consumer.concurrency)

	for _, address := range consumer.nsqdAddresses {
		if err := consumer.consumer.ConnectToNSQD(address); err != nil {
			return fmt.Errorf("failed to connect to nsqd %s: %w", address, err)
		}
		consumer.logger.Info().Str("addr", address).Msg("[NSQ] 已连接 nsqd")
	}

	for _, address := range consumer.lookupdAddresses {
		if err := consumer.consumer.ConnectToNSQLookupd(address); err != nil {
			return fmt.Errorf("failed to connect to lookupd %s: %w", address, err)
		}
		consumer.logger.Info().Str("addr", address).Msg("[NSQ] 已连接 lookupd")
	}

	<-consumer.consumer.StopChan
	return nil
}

// handleMessage 返回错误时 NSQ 会重新投递
func (consumer *NSQConsumer) handleMessage(message *nsq.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), consumer.messageHandleTimeout)
	defer cancel()

	err := consumer.handler(ctx, message.Body, message.Attempts)
	if err == nil {
		return nil
	}

	return consumer.handleFailedMessage(message, err)
}

func (consumer *NSQConsumer) handleFailedMessage(message *nsq.Message, originalError error) error {
	if !consumer.shouldSendToDLQ(message) {
		return originalError
	}

	if err := consumer.dlqProducer.Publish(consumer.dlqTopic, message.Body); err != nil {
		consumer.logger.Error().Err(err).AnErr("original", originalError).Msg("[NSQ] 写入死信队列失败")
		return originalError
	}

	// 已进入死信队列,不再重试
	consumer.logger.Warn().Uint16("attempts", message.Attempts).Err(originalError).Msg("[NSQ] 消息已转入死信队列")
	return nil
}

func (consumer *NSQConsumer) shouldSendToDLQ(message *nsq.Message) bool {
	if !consumer.IsDLQEnabled() {
		return false
	}

	return message.Attempts >= consumer.maxAttemptsBeforeDLQ
}

// ==================== 生命周期管理 ====================

// Stop 停止消费者和 DLQ 生产者
func (consumer *NSQConsumer) Stop() {
	if consumer.consumer != nil {
		consumer.logger.Info().Str("topic", consumer.topic).Msg("[NSQ] 停止消费者")
		consumer.consumer.Stop()
	}

	if consumer.dlqProducer != nil {
		consumer.dlqProducer.Stop()
	}
}

// IsConnected 检查是否已连接
func (consumer *NSQConsumer) IsConnected() bool {
	return consumer.consumer.Stats().Connections > 0
}

package main

import (
	"ccs-gateway/internal/queue"

	"github.com/rs/zerolog/log"
)

// IntakeConsumerManager 下行通知消费者管理器
type IntakeConsumerManager struct {
	appContext *AppContext
	consumer   *queue.NSQConsumer
}

// NewIntakeConsumerManager 创建消费者管理器实例
func NewIntakeConsumerManager(appContext *AppContext) *IntakeConsumerManager {
	return &IntakeConsumerManager{
		appContext: appContext,
	}
}

// Start 启动消费者
// 流程:检查开关 → 创建消费者 → 挂载死信队列 → 后台运行
func (manager *IntakeConsumerManager) Start() {
	nsqConfig := manager.appContext.Config.NSQ
	if !nsqConfig.ConsumerEnabled {
		log.Info().Msg("[ConsumerManager] 消费者未启用,仅通过 HTTP 接收下行请求")
		return
	}

	consumer, err := manager.createConsumer()
	if err != nil {
		log.Error().Err(err).Msg("[ConsumerManager] 创建消费者失败")
		return
	}

	manager.attachDeadLetterQueue(consumer)
	manager.consumer = consumer
	manager.runConsumerInBackground(consumer)
}

func (manager *IntakeConsumerManager) createConsumer() (*queue.NSQConsumer, error) {
	return queue.NewIntakeConsumer(manager.appContext.Config.NSQ, manager.appContext.Intake.Handle)
}

// attachDeadLetterQueue 死信队列挂载失败不影响主消费流程
func (manager *IntakeConsumerManager) attachDeadLetterQueue(consumer *queue.NSQConsumer) {
	producerAddress := manager.appContext.Config.NSQ.ProducerAddr
	if producerAddress == "" {
		log.Warn().Msg("[ConsumerManager] 未配置生产者地址,死信队列不可用")
		return
	}

	if err := consumer.AttachDLQProducer(producerAddress); err != nil {
		log.Warn().Err(err).Msg("[ConsumerManager] 死信队列初始化失败")
	}
}

func (manager *IntakeConsumerManager) runConsumerInBackground(consumer *queue.NSQConsumer) {
	go func() {
		if err := consumer.Run(); err != nil {
			log.Error().Err(err).Msg("[ConsumerManager] 消费者运行出错")
		}
	}()

	log.Info().
		Str("topic", manager.appContext.Config.NSQ.IntakeTopic).
		Str("channel", manager.appContext.Config.NSQ.IntakeChannel).
		Msg("[ConsumerManager] 消费者已启动")
}

// Stop 停止消费者,等待在途消息处理完成
func (manager *IntakeConsumerManager) Stop() {
	if manager.consumer == nil {
		return
	}

	manager.consumer.Stop()
	log.Info().Msg("[ConsumerManager] 消费者已停止")
}

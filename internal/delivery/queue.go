// Package delivery 可靠投递队列
// 消息先写入存储再发送,收到 ack 后删除;失败时按 重试次数 * 退避单位 延迟重发
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/metrics"
	"ccs-gateway/internal/push"
	"ccs-gateway/internal/status"
	"ccs-gateway/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ==================== 常量定义 ====================

const (
	DefaultBackoffUnit = 2 * time.Second
	DefaultMaxRetries  = 10

	// 定时重发没有调用方上下文,单次发送使用独立超时
	scheduledSendTimeout = 10 * time.Second

	PurgeReasonMaxRetries  = "max_retries"
	PurgeReasonTerminal    = "terminal_nack"
	PurgeReasonGroupFanout = "group_fanout"
)

// ErrRetriesExhausted 重试次数超过上限,消息已被丢弃
var ErrRetriesExhausted = errors.New("delivery retries exhausted")

// ==================== 接口定义 ====================

// Sender 当前活跃连接的发送能力
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Options 队列参数
type Options struct {
	BackoffUnit time.Duration
	MaxRetries  int
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Statuses    status.Recorder // 可为空
}

// Queue 投递队列
type Queue struct {
	store       store.Store
	sender      Sender
	clock       clock.Clock
	backoffUnit time.Duration
	maxRetries  int
	metrics     *metrics.Metrics
	statuses    status.Recorder
	logger      zerolog.Logger

	mu     sync.Mutex
	timers map[string]*clock.Timer
	closed bool
}

// NewQueue 创建投递队列
func NewQueue(messageStore store.Store, sender Sender, options Options) *Queue {
	if options.BackoffUnit <= 0 {
		options.BackoffUnit = DefaultBackoffUnit
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &Queue{
		store:       messageStore,
		sender:      sender,
		clock:       options.Clock,
		backoffUnit: options.BackoffUnit,
		maxRetries:  options.MaxRetries,
		metrics:     options.Metrics,
		statuses:    options.Statuses,
		logger:      logging.Component("DeliveryQueue"),
		timers:      make(map[string]*clock.Timer),
	}
}

// BackoffDelay 第 retryCount 次重发前的等待时间
func BackoffDelay(retryCount int, unit time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	return time.Duration(retryCount) * unit
}

// ==================== 核心方法 ====================

// EnqueueAndSend 持久化消息后进入发送流程
func (queue *Queue) EnqueueAndSend(ctx context.Context, message push.OutboundMessage) error {
	if err := queue.store.SaveMessage(ctx, message.ID, message.Payload); err != nil {
		queue.logger.Error().Err(err).Str("message_id", message.ID).Msg("[DeliveryQueue] 消息持久化失败")
		return err
	}

	return queue.attempt(ctx, message.ID, message.Payload)
}

// ResendToRecipient 将已存储的消息改投给新的接收方,重试计数从 0 开始
func (queue *Queue) ResendToRecipient(ctx context.Context, recipient string, payload []byte) (string, error) {
	retargeted, err := push.Retarget(payload, recipient)
	if err != nil {
		return "", err
	}

	message, err := push.NewOutboundMessage(retargeted)
	if err != nil {
		return "", err
	}

	queue.logger.Info().Str("message_id", message.ID).Str("to", recipient).Msg("[DeliveryQueue] 改投新接收方")
	return message.ID, queue.EnqueueAndSend(ctx, message)
}

// Acknowledge 删除消息及其重试计数,重复确认无副作用
func (queue *Queue) Acknowledge(ctx context.Context, id string) error {
	queue.cancelTimer(id)

	if err := queue.store.DeleteMessage(ctx, id); err != nil {
		queue.logger.Warn().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 确认删除失败,消息可能被重复投递")
		return err
	}

	queue.logger.Debug().Str("message_id", id).Msg("[DeliveryQueue] 消息已确认")
	return nil
}

// Purge 在未收到 ack 的情况下结束消息生命周期
func (queue *Queue) Purge(ctx context.Context, id, reason string) error {
	if err := queue.Acknowledge(ctx, id); err != nil {
		return err
	}

	queue.metrics.RecordPurged(reason)
	queue.logger.Info().Str("message_id", id).Str("reason", reason).Msg("[DeliveryQueue] 消息已丢弃")
	return nil
}

// FetchForRetry 读取已存储的消息体
func (queue *Queue) FetchForRetry(ctx context.Context, id string) ([]byte, bool, error) {
	payload, found, err := queue.store.GetMessage(ctx, id)
	if err != nil {
		queue.logger.Error().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 读取待重发消息失败")
		return nil, false, err
	}
	return payload, found, nil
}

// Resend 原样重发已存储的消息,消息已被确认时直接返回
func (queue *Queue) Resend(ctx context.Context, id string) error {
	payload, found, err := queue.FetchForRetry(ctx, id)
	if err != nil {
		return err
	}

	if !found {
		queue.logger.Debug().Str("message_id", id).Msg("[DeliveryQueue] 消息不在队列中,跳过重发")
		return nil
	}

	return queue.attempt(ctx, id, payload)
}

// Pending 待确认消息数量
func (queue *Queue) Pending(ctx context.Context) (int64, error) {
	return queue.store.PendingCount(ctx)
}

// Close 停止所有尚未触发的重发定时器,已存储的消息保留
func (queue *Queue) Close() {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	queue.closed = true
	for id, timer := range queue.timers {
		timer.Stop()
		delete(queue.timers, id)
	}
}

// ==================== 私有方法：发送流程 ====================

// attempt 根据重试计数决定立即发送或延迟发送,随后计数加一
func (queue *Queue) attempt(ctx context.Context, id string, payload []byte) error {
	retryCount, err := queue.store.RetryCount(ctx, id)
	if err != nil {
		queue.logger.Error().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 读取重试计数失败,本次放弃")
		return err
	}

	if retryCount > queue.maxRetries {
		queue.logger.Warn().Str("message_id", id).Int("retry_count", retryCount).Msg("[DeliveryQueue] 超过最大重试次数")
		if err := queue.Purge(ctx, id, PurgeReasonMaxRetries); err != nil {
			return err
		}
		if queue.statuses != nil {
			if err := queue.statuses.Record(ctx, id, status.StateFailed, PurgeReasonMaxRetries); err != nil {
				queue.logger.Warn().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 投递状态记录失败")
			}
		}
		return ErrRetriesExhausted
	}

	var sendErr error
	if retryCount == 0 {
		sendErr = queue.transmit(ctx, id, payload)
	} else {
		queue.schedule(id, payload, BackoffDelay(retryCount, queue.backoffUnit))
	}

	if _, err := queue.store.IncrRetry(ctx, id); err != nil {
		queue.logger.Error().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 重试计数更新失败")
	}

	if sendErr != nil {
		queue.schedule(id, payload, BackoffDelay(retryCount+1, queue.backoffUnit))
		if _, err := queue.store.IncrRetry(ctx, id); err != nil {
			queue.logger.Error().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 重试计数更新失败")
		}
	}

	return sendErr
}

// schedule 注册延迟重发,同一消息只保留最新的定时器
func (queue *Queue) schedule(id string, payload []byte, delay time.Duration) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.closed {
		return
	}

	if previous, ok := queue.timers[id]; ok {
		previous.Stop()
	}

	var timer *clock.Timer
	timer = queue.clock.AfterFunc(delay, func() {
		queue.mu.Lock()
		if queue.timers[id] == timer {
			delete(queue.timers, id)
		}
		queue.mu.Unlock()

		queue.fire(id, payload)
	})
	queue.timers[id] = timer

	queue.metrics.RecordRetry()
	queue.logger.Info().Str("message_id", id).Dur("delay", delay).Msg("[DeliveryQueue] 已安排延迟重发")
}

// fire 定时器到期,发送前确认消息仍在队列中
func (queue *Queue) fire(id string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledSendTimeout)
	defer cancel()

	exists, err := queue.store.MessageExists(ctx, id)
	if err != nil {
		queue.logger.Error().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 重发前检查失败,本次放弃")
		return
	}

	if !exists {
		queue.logger.Debug().Str("message_id", id).Msg("[DeliveryQueue] 消息已确认,取消重发")
		return
	}

	if err := queue.transmit(ctx, id, payload); err != nil {
		_ = queue.attempt(ctx, id, payload)
	}
}

func (queue *Queue) transmit(ctx context.Context, id string, payload []byte) error {
	err := queue.sender.Send(ctx, payload)
	queue.metrics.RecordSent(err)

	if err != nil {
		queue.logger.Warn().Err(err).Str("message_id", id).Msg("[DeliveryQueue] 发送失败")
		return err
	}

	queue.logger.Debug().Str("message_id", id).Msg("[DeliveryQueue] 消息已发送")
	return nil
}

func (queue *Queue) cancelTimer(id string) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if timer, ok := queue.timers[id]; ok {
		timer.Stop()
		delete(queue.timers, id)
	}
}

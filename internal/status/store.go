// Package status 下行消息的投递状态跟踪
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ccs-gateway/internal/logging"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ==================== 常量定义 ====================

const (
	StateQueued    = "queued"    // 已落库等待应答
	StateAcked     = "acked"     // CCS 已接收
	StateDelivered = "delivered" // 已送达设备
	StateRetrying  = "retrying"  // 等待重发
	StateFailed    = "failed"    // 终止,不再重试

	defaultTTL = 24 * time.Hour

	redisKeyStatusFormat  = "%s:msg_status:%s"
	redisKeyHistoryFormat = "%s:msg_status_history:%s"
)

// ErrEmptyMessageID 消息 ID 为空
var ErrEmptyMessageID = errors.New("message_id is required")

// ==================== 数据结构 ====================

// MessageStatus 消息当前状态
type MessageStatus struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Recorder 状态写入方
type Recorder interface {
	Record(ctx context.Context, messageID, state, detail string) error
}

// RedisStatusStore Redis 状态存储
type RedisStatusStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// ==================== 构造函数 ====================

// NewRedisStatusStore ttl 为 0 时保留 24 小时
func NewRedisStatusStore(client *redis.Client, namespace string, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &RedisStatusStore{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		now:       time.Now,
		logger:    logging.Component("StatusStore"),
	}
}

// ==================== 核心方法 ====================

// Record 更新当前状态并追加一条历史
// queued 只在消息没有任何状态时写入,应答可能先于提交方的记录到达
func (store *RedisStatusStore) Record(ctx context.Context, messageID, state, detail string) error {
	if messageID == "" {
		return ErrEmptyMessageID
	}
	if state == StateQueued {
		return store.recordQueued(ctx, messageID, detail)
	}

	current, found, err := store.Get(ctx, messageID)
	if err != nil {
		return err
	}

	now := store.now().Unix()
	if !found {
		current = MessageStatus{MessageID: messageID, CreatedAt: now}
	}
	current.Status = state
	current.Detail = detail
	current.UpdatedAt = now

	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	historyKey := store.buildHistoryKey(messageID)
	_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, store.buildStatusKey(messageID), encoded, store.ttl)
		pipe.RPush(ctx, historyKey, encoded)
		pipe.Expire(ctx, historyKey, store.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save status to redis: %w", err)
	}

	store.logger.Debug().Str("message_id", messageID).Str("status", state).Msg("[StatusStore] 状态已更新")
	return nil
}

// recordQueued 用 SETNX 写入初始状态,已有状态时不做任何修改
func (store *RedisStatusStore) recordQueued(ctx context.Context, messageID, detail string) error {
	now := store.now().Unix()
	encoded, err := json.Marshal(MessageStatus{
		MessageID: messageID,
		Status:    StateQueued,
		Detail:    detail,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	created, err := store.client.SetNX(ctx, store.buildStatusKey(messageID), encoded, store.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save status to redis: %w", err)
	}
	if !created {
		return nil
	}

	historyKey := store.buildHistoryKey(messageID)
	_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, historyKey, encoded)
		pipe.Expire(ctx, historyKey, store.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save status history to redis: %w", err)
	}
	return nil
}

// Get 读取当前状态
func (store *RedisStatusStore) Get(ctx context.Context, messageID string) (MessageStatus, bool, error) {
	data, err := store.client.Get(ctx, store.buildStatusKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return MessageStatus{}, false, nil
	}
	if err != nil {
		return MessageStatus{}, false, fmt.Errorf("failed to get status from redis: %w", err)
	}

	var status MessageStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return MessageStatus{}, false, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return status, true, nil
}

// History 按时间顺序返回状态变更,无法解析的条目跳过
func (store *RedisStatusStore) History(ctx context.Context, messageID string) ([]MessageStatus, error) {
	entries, err := store.client.LRange(ctx, store.buildHistoryKey(messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get status history from redis: %w", err)
	}

	history := make([]MessageStatus, 0, len(entries))
	for _, entry := range entries {
		var status MessageStatus
		if err := json.Unmarshal([]byte(entry), &status); err == nil {
			history = append(history, status)
		}
	}
	return history, nil
}

// ==================== 私有方法 - Key 构建 ====================

func (store *RedisStatusStore) buildStatusKey(messageID string) string {
	return fmt.Sprintf(redisKeyStatusFormat, store.namespace, messageID)
}

func (store *RedisStatusStore) buildHistoryKey(messageID string) string {
	return fmt.Sprintf(redisKeyHistoryFormat, store.namespace, messageID)
}

// Package store 持久化待确认的下行消息、重试计数与设备组映射
// 键名与线上部署保持一致: MESSAGE_QUEUE 哈希、<id>_retry_count 计数、以类别命名的设备组哈希
package store

import (
	"context"
	"errors"
	"strconv"

	"ccs-gateway/internal/push"

	"github.com/redis/go-redis/v9"
)

// ==================== 常量定义 ====================

const (
	MessageQueueKey  = "MESSAGE_QUEUE"
	retryCountSuffix = "_retry_count"
)

// ==================== 接口定义 ====================

// Store 投递队列与设备组编排依赖的存储能力
type Store interface {
	SaveMessage(ctx context.Context, id string, payload []byte) error
	GetMessage(ctx context.Context, id string) ([]byte, bool, error)
	MessageExists(ctx context.Context, id string) (bool, error)
	DeleteMessage(ctx context.Context, id string) error
	PendingCount(ctx context.Context) (int64, error)

	RetryCount(ctx context.Context, id string) (int, error)
	IncrRetry(ctx context.Context, id string) (int, error)

	GroupMap(ctx context.Context, category string) (map[string]string, error)
	SaveGroupMap(ctx context.Context, category string, groups map[string]string) error
	GroupKey(ctx context.Context, category, keyName string) (string, bool, error)
}

// RedisStore 基于 Redis 的存储实现
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// RetryCountKey 消息重试计数键
func RetryCountKey(id string) string {
	return id + retryCountSuffix
}

// ==================== 消息 ====================

// SaveMessage 写入 MESSAGE_QUEUE,同 id 覆盖
func (store *RedisStore) SaveMessage(ctx context.Context, id string, payload []byte) error {
	if err := store.client.HSet(ctx, MessageQueueKey, id, payload).Err(); err != nil {
		return push.WrapError(push.ErrStore, "save message "+id, err)
	}
	return nil
}

// GetMessage 读取已持久化的消息,不存在时 found 为 false
func (store *RedisStore) GetMessage(ctx context.Context, id string) ([]byte, bool, error) {
	payload, err := store.client.HGet(ctx, MessageQueueKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, push.WrapError(push.ErrStore, "get message "+id, err)
	}
	return payload, true, nil
}

// MessageExists 判断消息是否仍待确认
func (store *RedisStore) MessageExists(ctx context.Context, id string) (bool, error) {
	exists, err := store.client.HExists(ctx, MessageQueueKey, id).Result()
	if err != nil {
		return false, push.WrapError(push.ErrStore, "check message "+id, err)
	}
	return exists, nil
}

// DeleteMessage 在同一事务中删除消息与重试计数
// 对不存在的消息执行删除不报错
func (store *RedisStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, MessageQueueKey, id)
		pipe.Del(ctx, RetryCountKey(id))
		return nil
	})
	if err != nil {
		return push.WrapError(push.ErrStore, "delete message "+id, err)
	}
	return nil
}

// PendingCount 待确认消息数量
func (store *RedisStore) PendingCount(ctx context.Context) (int64, error) {
	count, err := store.client.HLen(ctx, MessageQueueKey).Result()
	if err != nil {
		return 0, push.WrapError(push.ErrStore, "count pending messages", err)
	}
	return count, nil
}

// ==================== 重试计数 ====================

// RetryCount 读取重试计数,不存在视为 0
func (store *RedisStore) RetryCount(ctx context.Context, id string) (int, error) {
	value, err := store.client.Get(ctx, RetryCountKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, push.WrapError(push.ErrStore, "get retry count "+id, err)
	}

	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, push.WrapError(push.ErrStore, "parse retry count "+id, err)
	}
	return count, nil
}

// IncrRetry 计数加一并返回新值
func (store *RedisStore) IncrRetry(ctx context.Context, id string) (int, error) {
	count, err := store.client.Incr(ctx, RetryCountKey(id)).Result()
	if err != nil {
		return 0, push.WrapError(push.ErrStore, "increment retry count "+id, err)
	}
	return int(count), nil
}

// ==================== 设备组映射 ====================

// GroupMap 读取某个类别下的全部 notificationKeyName -> notificationKey
func (store *RedisStore) GroupMap(ctx context.Context, category string) (map[string]string, error) {
	groups, err := store.client.HGetAll(ctx, category).Result()
	if err != nil {
		return nil, push.WrapError(push.ErrStore, "get group map "+category, err)
	}
	return groups, nil
}

// SaveGroupMap 整体写回类别映射,MULTI 包裹保证单次写入原子
func (store *RedisStore) SaveGroupMap(ctx context.Context, category string, groups map[string]string) error {
	if len(groups) == 0 {
		return nil
	}

	values := make(map[string]any, len(groups))
	for keyName, key := range groups {
		values[keyName] = key
	}

	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, category, values)
		return nil
	})
	if err != nil {
		return push.WrapError(push.ErrStore, "save group map "+category, err)
	}
	return nil
}

// GroupKey 查询单个设备组的 notificationKey
func (store *RedisStore) GroupKey(ctx context.Context, category, keyName string) (string, bool, error) {
	key, err := store.client.HGet(ctx, category, keyName).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, push.WrapError(push.ErrStore, "get group key "+keyName, err)
	}
	return key, true, nil
}

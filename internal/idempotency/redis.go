// Package idempotency 基于 Redis 的幂等性检查
// 上行帧按 from + message_id 去重,CCS 重投的同一帧只处理一次
package idempotency

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keySeparator          = ":"
	idempotencyPrefix     = "idemp"
	redisPlaceholderValue = "1"
	contentDelimiter      = "|"
)

// 幂等键的作用域
const (
	ScopeUpstream     = "upstream"
	ScopeNotification = "notification"
)

var (
	// ErrRedisSetFailed Redis 设置失败错误
	ErrRedisSetFailed = errors.New("failed to set idempotency key in redis")

	// ErrEmptyKey 幂等键内容为空
	ErrEmptyKey = errors.New("idempotency key parts are empty")
)

// Checker 幂等性检查器接口
type Checker interface {
	// CheckAndSet 返回 true 表示首次出现
	CheckAndSet(ctx context.Context, scope string, parts []string, ttl time.Duration) (bool, string, error)
	// Release 删除 CheckAndSet 返回的键
	Release(ctx context.Context, key string) error
}

// RedisChecker 利用 SETNX 原子地检查并设置标记
type RedisChecker struct {
	client    *redis.Client
	Namespace string
}

// NewRedisChecker 创建 Redis 幂等性检查器实例
func NewRedisChecker(client *redis.Client, namespace string) *RedisChecker {
	return &RedisChecker{
		client:    client,
		Namespace: namespace,
	}
}

// CheckAndSet 检查并设置幂等性
func (checker *RedisChecker) CheckAndSet(
	ctx context.Context,
	scope string,
	parts []string,
	ttl time.Duration,
) (bool, string, error) {
	if len(parts) == 0 || strings.Join(parts, "") == "" {
		return false, "", ErrEmptyKey
	}

	key := checker.buildIdempotencyKey(scope, parts)

	isNewRequest, err := checker.client.SetNX(ctx, key, redisPlaceholderValue, ttl).Result()
	if err != nil {
		return false, key, fmt.Errorf("%w: %v", ErrRedisSetFailed, err)
	}

	return isNewRequest, key, nil
}

// Release 处理失败时删除标记,允许下一次重投重新处理
func (checker *RedisChecker) Release(ctx context.Context, key string) error {
	return checker.client.Del(ctx, key).Err()
}

// buildIdempotencyKey 格式: {namespace}:idemp:{scope}:{sha1(parts)}
func (checker *RedisChecker) buildIdempotencyKey(scope string, parts []string) string {
	hash := sha1.Sum([]byte(strings.Join(parts, contentDelimiter)))

	return strings.Join([]string{
		checker.Namespace,
		idempotencyPrefix,
		scope,
		hex.EncodeToString(hash[:]),
	}, keySeparator)
}

package registry

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

const (
	redisKeyDeviceFormat = "%s:device:%s"
	scanBatchSize        = 200
)

// RedisRegistry 未配置 MySQL 时使用的 Redis 注册表
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRedisRegistry 创建 Redis 注册表
func NewRedisRegistry(client *redis.Client, namespace string) *RedisRegistry {
	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		now:       time.Now,
		logger:    logging.Component("Registry"),
	}
}

func (registry *RedisRegistry) buildKey(token string) string {
	return fmt.Sprintf(redisKeyDeviceFormat, registry.namespace, token)
}

func (registry *RedisRegistry) Register(ctx context.Context, device Device) (bool, error) {
	if err := validateDevice(device); err != nil {
		return false, err
	}

	now := registry.now()
	device.CreatedAt, device.UpdatedAt = now, now

	payload, err := json.Marshal(device)
	if err != nil {
		return false, fmt.Errorf("encode device: %w", err)
	}

	created, err := registry.client.SetNX(ctx, registry.buildKey(device.Token), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("save device: %w", err)
	}

	registry.logger.Info().Str("key_name", device.NotificationKeyName).Bool("created", created).Msg("[Registry] 设备登记")
	return created, nil
}

func (registry *RedisRegistry) ResolveDevice(ctx context.Context, token string) (Device, bool, error) {
	payload, err := registry.client.Get(ctx, registry.buildKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("get device: %w", err)
	}

	var device Device
	if err := json.Unmarshal(payload, &device); err != nil {
		return Device{}, false, fmt.Errorf("decode device: %w", err)
	}
	return device, true, nil
}

// UpdateToken 在同一事务中写入新键并删除旧键
func (registry *RedisRegistry) UpdateToken(ctx context.Context, oldToken, newToken string) (Device, bool, error) {
	device, found, err := registry.ResolveDevice(ctx, oldToken)
	if err != nil || !found || oldToken == newToken {
		return device, found, err
	}

	device.Token = newToken
	device.UpdatedAt = registry.now()
	payload, err := json.Marshal(device)
	if err != nil {
		return Device{}, false, fmt.Errorf("encode device: %w", err)
	}

	_, err = registry.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, registry.buildKey(newToken), payload, 0)
		pipe.Del(ctx, registry.buildKey(oldToken))
		return nil
	})
	if err != nil {
		return Device{}, false, fmt.Errorf("update device token: %w", err)
	}

	registry.logger.Info().Msg("[Registry] 设备 token 已更新")
	return device, true, nil
}

func (registry *RedisRegistry) Remove(ctx context.Context, token string) error {
	if err := registry.client.Del(ctx, registry.buildKey(token)).Err(); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// Scan 遍历全部设备,fn 返回错误时停止;无法解析的条目记录后跳过
func (registry *RedisRegistry) Scan(ctx context.Context, fn func(Device) error) error {
	iterator := registry.client.Scan(ctx, 0, registry.buildKey("*"), scanBatchSize).Iterator()
	for iterator.Next(ctx) {
		key := iterator.Val()
		payload, err := registry.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get device: %w", err)
		}

		var device Device
		if err := json.Unmarshal(payload, &device); err != nil {
			registry.logger.Warn().Err(err).Str("key", key).Msg("[Registry] 设备记录无法解析,跳过")
			continue
		}
		if err := fn(device); err != nil {
			return err
		}
	}
	if err := iterator.Err(); err != nil {
		return fmt.Errorf("scan devices: %w", err)
	}
	return nil
}

// Count 已登记设备数
func (registry *RedisRegistry) Count(ctx context.Context) (int64, error) {
	var count int64
	err := registry.Scan(ctx, func(Device) error {
		count++
		return nil
	})
	return count, err
}

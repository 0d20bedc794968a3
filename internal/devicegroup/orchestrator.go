package devicegroup

import (
	"context"
	"errors"

	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/push"
	"ccs-gateway/internal/store"

	"github.com/rs/zerolog"
)

// Member 设备组成员
type Member struct {
	Token               string `json:"token"`
	NotificationKeyName string `json:"notification_key_name"`
}

// Orchestrator 设备组成员编排
type Orchestrator struct {
	store     store.Store
	directory Directory
	logger    zerolog.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(groupStore store.Store, directory Directory) *Orchestrator {
	return &Orchestrator{
		store:     groupStore,
		directory: directory,
		logger:    logging.Component("DeviceGroup"),
	}
}

// AddDevice 确保 token 属于 notificationKeyName 对应的设备组,返回 notificationKey
// 本地无映射时先创建,创建失败再按名称查询,随后写回映射并执行 add
func (orchestrator *Orchestrator) AddDevice(ctx context.Context, category string, member Member) (string, error) {
	if err := validateMember(member); err != nil {
		return "", err
	}

	logger := orchestrator.logger.With().Str("category", category).Str("key_name", member.NotificationKeyName).Logger()

	groups, err := orchestrator.store.GroupMap(ctx, category)
	if err != nil {
		logger.Error().Err(err).Msg("[DeviceGroup] 读取设备组映射失败")
		return "", err
	}

	key, found := groups[member.NotificationKeyName]
	if !found {
		key, err = orchestrator.resolveKey(ctx, logger, member)
		if err != nil {
			return "", err
		}

		if groups == nil {
			groups = make(map[string]string, 1)
		}
		groups[member.NotificationKeyName] = key

		if err := orchestrator.store.SaveGroupMap(ctx, category, groups); err != nil {
			logger.Error().Err(err).Msg("[DeviceGroup] 写回设备组映射失败")
			return "", err
		}
	}

	if err := orchestrator.directory.Add(ctx, member.NotificationKeyName, key, member.Token); err != nil {
		logger.Error().Err(err).Msg("[DeviceGroup] 加入设备组失败")
		return "", err
	}

	logger.Info().Msg("[DeviceGroup] 设备已加入设备组")
	return key, nil
}

// RemoveDevice 把 token 移出设备组,调用方按尽力而为处理返回的错误
func (orchestrator *Orchestrator) RemoveDevice(ctx context.Context, category string, member Member) error {
	if err := validateMember(member); err != nil {
		return err
	}

	logger := orchestrator.logger.With().Str("category", category).Str("key_name", member.NotificationKeyName).Logger()

	key, found, err := orchestrator.store.GroupKey(ctx, category, member.NotificationKeyName)
	if err != nil {
		logger.Warn().Err(err).Msg("[DeviceGroup] 读取本地映射失败,改为查询目录服务")
	}

	if !found {
		key, err = orchestrator.directory.Fetch(ctx, member.NotificationKeyName)
		if err != nil {
			logger.Error().Err(err).Msg("[DeviceGroup] 查询设备组失败,无法移除设备")
			return err
		}
	}

	if err := orchestrator.directory.Remove(ctx, member.NotificationKeyName, key, member.Token); err != nil {
		logger.Error().Err(err).Msg("[DeviceGroup] 移除设备失败")
		return err
	}

	logger.Info().Msg("[DeviceGroup] 设备已移出设备组")
	return nil
}

// resolveKey 创建设备组,失败时认为设备组可能已存在并按名称查询
func (orchestrator *Orchestrator) resolveKey(ctx context.Context, logger zerolog.Logger, member Member) (string, error) {
	key, err := orchestrator.directory.Create(ctx, member.NotificationKeyName, member.Token)
	if err == nil {
		logger.Info().Msg("[DeviceGroup] 设备组已创建")
		return key, nil
	}

	if errors.Is(err, push.ErrDirectoryUnavailable) {
		return "", err
	}

	logger.Warn().Err(err).Msg("[DeviceGroup] 创建设备组失败,尝试查询已有设备组")

	key, err = orchestrator.directory.Fetch(ctx, member.NotificationKeyName)
	if err != nil {
		logger.Error().Err(err).Msg("[DeviceGroup] 查询设备组失败")
		return "", err
	}
	return key, nil
}

func validateMember(member Member) error {
	if member.Token == "" || member.NotificationKeyName == "" {
		return push.WrapError(push.ErrDirectory, "token and notification key name are required", nil)
	}
	return nil
}

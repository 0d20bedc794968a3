// Package registry 设备注册表
// 记录设备 token 与所属设备组的对应关系,nack 移除设备和 canonical id 更新都依赖这里
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidDevice 设备信息不完整
var ErrInvalidDevice = errors.New("device token and notification key name are required")

// Device 已注册设备
type Device struct {
	Token               string    `json:"token"`
	NotificationKeyName string    `json:"notification_key_name"`
	Category            string    `json:"category"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Registry 设备注册表
type Registry interface {
	// Register 登记设备,已存在时返回 created=false
	Register(ctx context.Context, device Device) (bool, error)
	// ResolveDevice 按 token 查找设备
	ResolveDevice(ctx context.Context, token string) (Device, bool, error)
	// UpdateToken 用新 token 替换旧 token,旧 token 不存在时返回 found=false
	UpdateToken(ctx context.Context, oldToken, newToken string) (Device, bool, error)
	// Remove 删除设备,不存在时不报错
	Remove(ctx context.Context, token string) error
}

func validateDevice(device Device) error {
	if device.Token == "" || device.NotificationKeyName == "" {
		return ErrInvalidDevice
	}
	return nil
}

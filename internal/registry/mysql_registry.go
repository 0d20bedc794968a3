package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ccs-gateway/internal/logging"

	"github.com/rs/zerolog"
)

const (
	insertDeviceSQL = `INSERT IGNORE INTO devices (token, notification_key_name, category, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	selectDeviceSQL = `SELECT token, notification_key_name, category, created_at, updated_at FROM devices WHERE token = ?`
	updateTokenSQL  = `UPDATE devices SET token = ?, updated_at = ? WHERE token = ?`
	deleteDeviceSQL = `DELETE FROM devices WHERE token = ?`
	countDevicesSQL = `SELECT COUNT(*) FROM devices`
)

// MySQLRegistry 基于 MySQL 的设备注册表
type MySQLRegistry struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// NewMySQLRegistry 创建 MySQL 注册表
func NewMySQLRegistry(db *sql.DB) *MySQLRegistry {
	return &MySQLRegistry{
		db:     db,
		now:    time.Now,
		logger: logging.Component("Registry"),
	}
}

func (registry *MySQLRegistry) Register(ctx context.Context, device Device) (bool, error) {
	if err := validateDevice(device); err != nil {
		return false, err
	}

	now := registry.now()
	device.CreatedAt, device.UpdatedAt = now, now

	created, err := registry.insert(ctx, device)
	if err != nil {
		return false, err
	}

	registry.logger.Info().Str("key_name", device.NotificationKeyName).Bool("created", created).Msg("[Registry] 设备登记")
	return created, nil
}

// Import 保留原有时间戳写入,已存在的 token 跳过
func (registry *MySQLRegistry) Import(ctx context.Context, device Device) (bool, error) {
	if err := validateDevice(device); err != nil {
		return false, err
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = registry.now()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	return registry.insert(ctx, device)
}

// Count 已登记设备数
func (registry *MySQLRegistry) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := registry.db.QueryRowContext(ctx, countDevicesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

func (registry *MySQLRegistry) insert(ctx context.Context, device Device) (bool, error) {
	result, err := registry.db.ExecContext(ctx, insertDeviceSQL,
		device.Token, device.NotificationKeyName, device.Category, device.CreatedAt.Unix(), device.UpdatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("insert device: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert device: %w", err)
	}
	return affected > 0, nil
}

func (registry *MySQLRegistry) ResolveDevice(ctx context.Context, token string) (Device, bool, error) {
	var (
		device    Device
		createdAt int64
		updatedAt int64
	)

	err := registry.db.QueryRowContext(ctx, selectDeviceSQL, token).
		Scan(&device.Token, &device.NotificationKeyName, &device.Category, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("select device: %w", err)
	}

	device.CreatedAt = time.Unix(createdAt, 0)
	device.UpdatedAt = time.Unix(updatedAt, 0)
	return device, true, nil
}

func (registry *MySQLRegistry) UpdateToken(ctx context.Context, oldToken, newToken string) (Device, bool, error) {
	if oldToken == newToken {
		return registry.ResolveDevice(ctx, oldToken)
	}

	result, err := registry.db.ExecContext(ctx, updateTokenSQL, newToken, registry.now().Unix(), oldToken)
	if err != nil {
		return Device{}, false, fmt.Errorf("update device token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return Device{}, false, fmt.Errorf("update device token: %w", err)
	}
	if affected == 0 {
		return Device{}, false, nil
	}

	registry.logger.Info().Msg("[Registry] 设备 token 已更新")
	return registry.ResolveDevice(ctx, newToken)
}

func (registry *MySQLRegistry) Remove(ctx context.Context, token string) error {
	if _, err := registry.db.ExecContext(ctx, deleteDeviceSQL, token); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

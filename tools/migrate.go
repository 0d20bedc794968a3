package main

import (
	"context"
	"flag"
	"fmt"

	"ccs-gateway/internal/config"
	"ccs-gateway/internal/database"
	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/registry"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFile = flag.String("config", "etc/app.yaml", "配置文件路径")
	mode       = flag.String("mode", "migrate", "操作模式: migrate|verify|cleanup")
	dryRun     = flag.Bool("dry-run", false, "仅预览,不执行实际操作")
)

func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	logging.Setup(cfg.Log.Level, true)

	if cfg.Storage.MySQL.DSN == "" {
		log.Fatal().Msg("未配置 MySQL DSN,无法迁移设备注册表")
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
	defer rc.Close()

	mysqlDB, err := database.NewMySQLDB(cfg.Storage.MySQL)
	if err != nil {
		log.Fatal().Err(err).Msg("MySQL 连接失败")
	}
	defer mysqlDB.Close()

	if err := mysqlDB.InitTables(); err != nil {
		log.Fatal().Err(err).Msg("表初始化失败")
	}

	migrator := NewDeviceMigrator(
		registry.NewRedisRegistry(rc, cfg.Storage.Namespace),
		registry.NewMySQLRegistry(mysqlDB.DB),
		*dryRun,
	)

	ctx := context.Background()
	switch *mode {
	case "migrate":
		_, err = migrator.Migrate(ctx)
	case "verify":
		_, err = migrator.Verify(ctx)
	case "cleanup":
		_, err = migrator.Cleanup(ctx)
	default:
		err = fmt.Errorf("未知模式: %s", *mode)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("执行失败")
	}
}

// DeviceSource 迁移来源,即 Redis 注册表
type DeviceSource interface {
	Scan(ctx context.Context, fn func(registry.Device) error) error
	Count(ctx context.Context) (int64, error)
	Remove(ctx context.Context, token string) error
}

// DeviceTarget 迁移目标,即 MySQL 注册表
type DeviceTarget interface {
	Import(ctx context.Context, device registry.Device) (bool, error)
	ResolveDevice(ctx context.Context, token string) (registry.Device, bool, error)
	Count(ctx context.Context) (int64, error)
}

// MigrationReport 迁移统计
type MigrationReport struct {
	Scanned  int
	Migrated int
	Skipped  int
	Failed   int
}

// DeviceMigrator 把 Redis 中登记的设备迁移到 MySQL
type DeviceMigrator struct {
	source DeviceSource
	target DeviceTarget
	dryRun bool
	logger zerolog.Logger
}

func NewDeviceMigrator(source DeviceSource, target DeviceTarget, dryRun bool) *DeviceMigrator {
	return &DeviceMigrator{
		source: source,
		target: target,
		dryRun: dryRun,
		logger: logging.Component("Migrate"),
	}
}

// Migrate 逐个导入,已存在的 token 跳过;单条失败不中断
func (m *DeviceMigrator) Migrate(ctx context.Context) (MigrationReport, error) {
	m.logger.Info().Bool("dry_run", m.dryRun).Msg("开始迁移设备注册表...")

	var report MigrationReport
	err := m.source.Scan(ctx, func(device registry.Device) error {
		report.Scanned++

		if m.dryRun {
			_, exists, err := m.target.ResolveDevice(ctx, device.Token)
			switch {
			case err != nil:
				report.Failed++
			case exists:
				report.Skipped++
			default:
				report.Migrated++
			}
			return nil
		}

		created, err := m.target.Import(ctx, device)
		switch {
		case err != nil:
			m.logger.Error().Err(err).Str("key_name", device.NotificationKeyName).Msg("导入设备失败")
			report.Failed++
		case created:
			report.Migrated++
		default:
			report.Skipped++
		}

		if report.Scanned%100 == 0 {
			m.logger.Info().Int("scanned", report.Scanned).Int("migrated", report.Migrated).Msg("迁移进度")
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	m.logger.Info().
		Int("scanned", report.Scanned).
		Int("migrated", report.Migrated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("迁移完成")
	return report, nil
}

// Verify 比较两侧设备数
func (m *DeviceMigrator) Verify(ctx context.Context) (bool, error) {
	redisCount, err := m.source.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("统计 Redis 设备数失败: %w", err)
	}

	mysqlCount, err := m.target.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("统计 MySQL 设备数失败: %w", err)
	}

	consistent := mysqlCount >= redisCount
	m.logger.Info().
		Int64("redis", redisCount).
		Int64("mysql", mysqlCount).
		Bool("consistent", consistent).
		Msg("数据一致性验证")
	return consistent, nil
}

// Cleanup 删除 MySQL 中已存在的 Redis 设备记录
func (m *DeviceMigrator) Cleanup(ctx context.Context) (int, error) {
	var migrated []string
	err := m.source.Scan(ctx, func(device registry.Device) error {
		_, exists, err := m.target.ResolveDevice(ctx, device.Token)
		if err != nil {
			return err
		}
		if exists {
			migrated = append(migrated, device.Token)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if m.dryRun {
		m.logger.Info().Int("count", len(migrated)).Msg("可清理的 Redis 设备记录")
		return len(migrated), nil
	}

	deleted := 0
	for _, token := range migrated {
		if err := m.source.Remove(ctx, token); err != nil {
			m.logger.Error().Err(err).Msg("删除 Redis 设备记录失败")
			continue
		}
		deleted++
	}

	m.logger.Info().Int("deleted", deleted).Msg("清理完成")
	return deleted, nil
}

package database

import (
	"database/sql"
	"fmt"

	"ccs-gateway/internal/config"
	"ccs-gateway/internal/logging"

	_ "github.com/go-sql-driver/mysql"
)

// 表名常量
const (
	TableDevices = "devices"
)

// SQL 建表语句常量
// 使用 InnoDB 引擎,utf8mb4 支持完整 Unicode 字符集
const (
	// createDevicesTableSQL 设备注册表
	// token 为 CCS 注册 ID,notification_key_name 决定设备所属的设备组
	createDevicesTableSQL = `
		CREATE TABLE IF NOT EXISTS devices (
			token VARCHAR(255) PRIMARY KEY COMMENT '设备注册ID',
			notification_key_name VARCHAR(255) NOT NULL COMMENT '设备组名称',
			category VARCHAR(128) NOT NULL COMMENT '应用类别',
			created_at BIGINT NOT NULL COMMENT '创建时间戳',
			updated_at BIGINT NOT NULL COMMENT '更新时间戳',
			INDEX idx_key_name (notification_key_name),
			INDEX idx_category (category)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		COMMENT='设备注册表'
	`
)

// MySQLDB MySQL 数据库连接管理器
// 封装连接池和表初始化逻辑
type MySQLDB struct {
	*sql.DB
}

// NewMySQLDB 创建 MySQL 数据库连接
// 配置连接池参数并测试连接可用性
func NewMySQLDB(mysqlConfig config.MySQLConfig) (*MySQLDB, error) {
	database, err := sql.Open("mysql", mysqlConfig.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	configureConnectionPool(database, mysqlConfig)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := logging.Component("MySQL")
	logger.Info().Msg("[MYSQL] 数据库连接成功")
	return &MySQLDB{DB: database}, nil
}

// configureConnectionPool 配置数据库连接池参数
func configureConnectionPool(database *sql.DB, mysqlConfig config.MySQLConfig) {
	database.SetMaxOpenConns(mysqlConfig.MaxOpenConns)
	database.SetMaxIdleConns(mysqlConfig.MaxIdleConns)
	database.SetConnMaxLifetime(mysqlConfig.ConnMaxLifetime)
}

// InitTables 初始化数据库表结构
// 幂等操作,多次执行不会产生副作用
func (database *MySQLDB) InitTables() error {
	tables := []tableDefinition{
		{name: TableDevices, sql: createDevicesTableSQL},
	}

	logger := logging.Component("MySQL")
	for _, table := range tables {
		if _, err := database.Exec(table.sql); err != nil {
			logger.Error().Err(err).Str("table", table.name).Msg("[MYSQL] 创建表失败")
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
	}

	logger.Info().Msg("[MYSQL] 数据库表初始化完成")
	return nil
}

// tableDefinition 表定义结构
type tableDefinition struct {
	name string
	sql  string
}

// Close 关闭数据库连接
func (database *MySQLDB) Close() error {
	if err := database.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

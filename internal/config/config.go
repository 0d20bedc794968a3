package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 默认配置常量
const (
	// CCS 连接默认配置
	DefaultCCSEndpoint       = "wss://fcm-xmpp.googleapis.com:5235/ccs"
	DefaultCCSDevEndpoint    = "wss://fcm-xmpp.googleapis.com:5236/ccs"
	DefaultConnectAttempts   = 3
	DefaultDrainAttempts     = 10
	DefaultHealthInterval    = 30 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultAuthDomainSuffix  = "@gcm.googleapis.com"
	DefaultDirectoryEndpoint = "https://android.googleapis.com/gcm/notification"

	// 投递默认配置
	DefaultBackoffUnit = 2 * time.Second
	DefaultMaxRetries  = 10

	// 目录服务熔断默认配置
	DefaultDirectoryTimeout     = 10 * time.Second
	DefaultBreakerMaxFailures   = 5
	DefaultBreakerOpenTimeout   = 30 * time.Second
	DefaultBreakerHalfOpenProbe = 1

	// 分发默认配置
	DefaultDispatchWorkers   = 16
	DefaultDispatchQueueSize = 1024
	DefaultInboundDedupeTTL  = 10 * time.Minute

	// NSQ 默认配置
	DefaultIntakeTopic    = "ccs-notifications"
	DefaultIntakeChannel  = "ccs-gateway"
	DefaultUpstreamTopic  = "ccs-upstream"
	DefaultNSQMaxInFlight = 128
	DefaultNSQConcurrency = 8
	DefaultNSQMaxAttempts = 5
	DefaultDLQTopicSuffix = ".DLQ"

	// 应用默认配置
	DefaultHTTPAddress     = ":8080"
	DefaultRequestTimeout  = 5 * time.Second
	DefaultLogLevel        = "info"
	DefaultRedisNamespace  = "ccs"
	DefaultStatusTTL       = 24 * time.Hour
	DefaultMySQLMaxOpen    = 20
	DefaultMySQLMaxIdle    = 5
	DefaultMySQLLifetime   = time.Hour
	defaultEnvironmentFile = ".env"
)

// 环境变量覆盖项,密钥类配置不建议写入 YAML
const (
	EnvSenderID  = "CCS_SENDER_ID"
	EnvAPIKey    = "CCS_API_KEY"
	EnvRedisAddr = "CCS_REDIS_ADDR"
	EnvMySQLDSN  = "CCS_MYSQL_DSN"
	EnvLogLevel  = "CCS_LOG_LEVEL"
)

// App 应用全局配置
type App struct {
	Addr            string        `yaml:"Addr"`            // HTTP 监听地址
	RequestTimeout  time.Duration `yaml:"RequestTimeout"`  // HTTP 请求超时
	BasePackageName string        `yaml:"BasePackageName"` // 应用基础包名
}

// Log 日志配置
type Log struct {
	Level   string `yaml:"Level"`   // 日志级别
	Console bool   `yaml:"Console"` // 是否输出为控制台格式
}

// CCS 推送连接配置
type CCS struct {
	Endpoint         string        `yaml:"Endpoint"`         // CCS websocket 地址
	Dev              bool          `yaml:"Dev"`              // 是否使用开发端口
	SenderID         string        `yaml:"SenderID"`         // 发送方 ID
	APIKey           string        `yaml:"APIKey"`           // 服务端密钥
	ConnectAttempts  int           `yaml:"ConnectAttempts"`  // 启动时最大连接次数
	DrainAttempts    int           `yaml:"DrainAttempts"`    // draining 时备用连接最大尝试次数
	HealthInterval   time.Duration `yaml:"HealthInterval"`   // 健康检查周期
	HandshakeTimeout time.Duration `yaml:"HandshakeTimeout"` // 握手与认证超时
	WriteTimeout     time.Duration `yaml:"WriteTimeout"`     // 单帧写超时
}

// Directory 设备组目录服务配置
type Directory struct {
	Endpoint           string        `yaml:"Endpoint"`           // 设备组管理地址
	Timeout            time.Duration `yaml:"Timeout"`            // 单次调用超时
	BreakerMaxFailures uint32        `yaml:"BreakerMaxFailures"` // 连续失败多少次后熔断
	BreakerOpenTimeout time.Duration `yaml:"BreakerOpenTimeout"` // 熔断持续时间
	BreakerHalfOpen    uint32        `yaml:"BreakerHalfOpen"`    // 半开状态允许的探测请求数
}

// Delivery 投递与重试配置
type Delivery struct {
	BackoffUnit time.Duration `yaml:"BackoffUnit"` // 退避单位,延迟 = 重试次数 * 单位
	MaxRetries  int           `yaml:"MaxRetries"`  // 最大重试次数,超过后丢弃
}

// Dispatch 上行帧分发配置
type Dispatch struct {
	Workers          int           `yaml:"Workers"`          // 工作协程数
	QueueSize        int           `yaml:"QueueSize"`        // 待处理帧缓冲大小
	InboundDedupeTTL time.Duration `yaml:"InboundDedupeTTL"` // 上行消息去重窗口
}

// Storage 存储配置
type Storage struct {
	RedisAddr     string        `yaml:"RedisAddr"`     // Redis 地址
	RedisPassword string        `yaml:"RedisPassword"` // Redis 密码
	RedisDB       int           `yaml:"RedisDB"`       // Redis 库序号
	Namespace     string        `yaml:"Namespace"`     // 辅助键前缀
	StatusTTL     time.Duration `yaml:"StatusTTL"`     // 投递状态保留时长
	MySQL         MySQLConfig   `yaml:"MySQL"`         // MySQL 配置
}

// MySQLConfig MySQL 数据库连接配置
type MySQLConfig struct {
	DSN             string        `yaml:"DSN"`             // 数据源配置
	MaxOpenConns    int           `yaml:"MaxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int           `yaml:"MaxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `yaml:"ConnMaxLifetime"` // 连接最大生命周期
}

// NSQ 消息队列配置
// Intake 消费业务方的下行通知,Upstream 发布设备上行数据
type NSQ struct {
	IntakeTopic                 string   `yaml:"IntakeTopic"`                 // 下行通知主题
	IntakeChannel               string   `yaml:"IntakeChannel"`               // 消费者通道
	UpstreamTopic               string   `yaml:"UpstreamTopic"`               // 上行数据主题
	NsqdTCPAddrs                []string `yaml:"NsqdTCPAddrs"`                // NSQD TCP 地址列表
	LookupdHTTPAddrs            []string `yaml:"LookupdHTTPAddrs"`            // Lookupd HTTP 地址列表
	ProducerAddr                string   `yaml:"ProducerAddr"`                // 生产者地址
	MaxInFlight                 int      `yaml:"MaxInFlight"`                 // 最大并发消息数
	Concurrency                 int      `yaml:"Concurrency"`                 // 处理并发数
	ConsumerEnabled             bool     `yaml:"ConsumerEnabled"`             // 是否启用消费
	DLQTopic                    string   `yaml:"DLQTopic"`                    // 死信队列主题
	MaxConsumeAttemptsBeforeDLQ int      `yaml:"MaxConsumeAttemptsBeforeDLQ"` // 进入死信队列前最大尝试次数
}

// Config 应用完整配置
type Config struct {
	App       App       `yaml:"App"`
	Log       Log       `yaml:"Log"`
	CCS       CCS       `yaml:"CCS"`
	Directory Directory `yaml:"Directory"`
	Delivery  Delivery  `yaml:"Delivery"`
	Dispatch  Dispatch  `yaml:"Dispatch"`
	Storage   Storage   `yaml:"Storage"`
	NSQ       NSQ       `yaml:"NSQ"`
}

// MustLoad 加载 YAML 配置文件
// 加载失败时直接 panic(用于应用启动阶段)
func MustLoad(configPath string) Config {
	config, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return config
}

// Load 读取配置文件,叠加环境变量后校验
func Load(configPath string) (Config, error) {
	fileContent, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(fileContent)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// Parse 解析配置内容
// .env 文件不存在时忽略,已存在的环境变量不会被覆盖
func Parse(content []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(content, &config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	_ = godotenv.Load(defaultEnvironmentFile)
	config.applyEnvironment()

	if err := config.validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvironment 使用环境变量覆盖敏感配置
func (config *Config) applyEnvironment() {
	overrides := map[string]*string{
		EnvSenderID:  &config.CCS.SenderID,
		EnvAPIKey:    &config.CCS.APIKey,
		EnvRedisAddr: &config.Storage.RedisAddr,
		EnvMySQLDSN:  &config.Storage.MySQL.DSN,
		EnvLogLevel:  &config.Log.Level,
	}

	for name, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*target = value
		}
	}
}

// validate 校验配置并设置默认值
func (config *Config) validate() error {
	if err := config.validateCCSConfig(); err != nil {
		return err
	}

	config.validateAppConfig()
	config.validateDirectoryConfig()
	config.validateDeliveryConfig()
	config.validateDispatchConfig()
	config.validateStorageConfig()
	config.validateNSQConfig()

	return nil
}

// validateCCSConfig 校验 CCS 配置,缺少凭据视为启动失败
func (config *Config) validateCCSConfig() error {
	if config.CCS.SenderID == "" {
		return fmt.Errorf("CCS.SenderID cannot be empty")
	}

	if config.CCS.APIKey == "" {
		return fmt.Errorf("CCS.APIKey cannot be empty")
	}

	if config.CCS.Endpoint == "" {
		config.CCS.Endpoint = DefaultCCSEndpoint
		if config.CCS.Dev {
			config.CCS.Endpoint = DefaultCCSDevEndpoint
		}
	}

	if config.CCS.ConnectAttempts <= 0 {
		config.CCS.ConnectAttempts = DefaultConnectAttempts
	}

	if config.CCS.DrainAttempts <= 0 {
		config.CCS.DrainAttempts = DefaultDrainAttempts
	}

	if config.CCS.HealthInterval <= 0 {
		config.CCS.HealthInterval = DefaultHealthInterval
	}

	if config.CCS.HandshakeTimeout <= 0 {
		config.CCS.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if config.CCS.WriteTimeout <= 0 {
		config.CCS.WriteTimeout = DefaultWriteTimeout
	}

	return nil
}

// validateAppConfig 校验应用配置并设置默认值
func (config *Config) validateAppConfig() {
	if config.App.Addr == "" {
		config.App.Addr = DefaultHTTPAddress
	}

	if config.App.RequestTimeout <= 0 {
		config.App.RequestTimeout = DefaultRequestTimeout
	}

	if config.Log.Level == "" {
		config.Log.Level = DefaultLogLevel
	}
}

// validateDirectoryConfig 校验目录服务配置并设置默认值
func (config *Config) validateDirectoryConfig() {
	if config.Directory.Endpoint == "" {
		config.Directory.Endpoint = DefaultDirectoryEndpoint
	}

	if config.Directory.Timeout <= 0 {
		config.Directory.Timeout = DefaultDirectoryTimeout
	}

	if config.Directory.BreakerMaxFailures == 0 {
		config.Directory.BreakerMaxFailures = DefaultBreakerMaxFailures
	}

	if config.Directory.BreakerOpenTimeout <= 0 {
		config.Directory.BreakerOpenTimeout = DefaultBreakerOpenTimeout
	}

	if config.Directory.BreakerHalfOpen == 0 {
		config.Directory.BreakerHalfOpen = DefaultBreakerHalfOpenProbe
	}
}

// validateDeliveryConfig 校验投递配置并设置默认值
func (config *Config) validateDeliveryConfig() {
	if config.Delivery.BackoffUnit <= 0 {
		config.Delivery.BackoffUnit = DefaultBackoffUnit
	}

	if config.Delivery.MaxRetries <= 0 {
		config.Delivery.MaxRetries = DefaultMaxRetries
	}
}

// validateDispatchConfig 校验分发配置并设置默认值
func (config *Config) validateDispatchConfig() {
	if config.Dispatch.Workers <= 0 {
		config.Dispatch.Workers = DefaultDispatchWorkers
	}

	if config.Dispatch.QueueSize <= 0 {
		config.Dispatch.QueueSize = DefaultDispatchQueueSize
	}

	if config.Dispatch.InboundDedupeTTL <= 0 {
		config.Dispatch.InboundDedupeTTL = DefaultInboundDedupeTTL
	}
}

// validateStorageConfig 校验存储配置并设置默认值
func (config *Config) validateStorageConfig() {
	if config.Storage.Namespace == "" {
		config.Storage.Namespace = DefaultRedisNamespace
	}

	if config.Storage.StatusTTL <= 0 {
		config.Storage.StatusTTL = DefaultStatusTTL
	}

	if config.Storage.MySQL.MaxOpenConns <= 0 {
		config.Storage.MySQL.MaxOpenConns = DefaultMySQLMaxOpen
	}

	if config.Storage.MySQL.MaxIdleConns <= 0 {
		config.Storage.MySQL.MaxIdleConns = DefaultMySQLMaxIdle
	}

	if config.Storage.MySQL.ConnMaxLifetime <= 0 {
		config.Storage.MySQL.ConnMaxLifetime = DefaultMySQLLifetime
	}
}

// validateNSQConfig 校验 NSQ 配置并设置默认值
func (config *Config) validateNSQConfig() {
	if config.NSQ.IntakeTopic == "" {
		config.NSQ.IntakeTopic = DefaultIntakeTopic
	}

	if config.NSQ.IntakeChannel == "" {
		config.NSQ.IntakeChannel = DefaultIntakeChannel
	}

	if config.NSQ.UpstreamTopic == "" {
		config.NSQ.UpstreamTopic = DefaultUpstreamTopic
	}

	if config.NSQ.MaxInFlight <= 0 {
		config.NSQ.MaxInFlight = DefaultNSQMaxInFlight
	}

	if config.NSQ.Concurrency <= 0 {
		config.NSQ.Concurrency = DefaultNSQConcurrency
	}

	if config.NSQ.MaxConsumeAttemptsBeforeDLQ <= 0 {
		config.NSQ.MaxConsumeAttemptsBeforeDLQ = DefaultNSQMaxAttempts
	}

	if config.NSQ.DLQTopic == "" {
		config.NSQ.DLQTopic = config.NSQ.IntakeTopic + DefaultDLQTopicSuffix
	}
}

// LoginUser CCS 认证用户名
func (ccs CCS) LoginUser() string {
	return ccs.SenderID + DefaultAuthDomainSuffix
}

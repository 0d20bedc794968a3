package main

import (
	"context"

	"ccs-gateway/internal/config"
	"ccs-gateway/internal/connection"
	"ccs-gateway/internal/database"
	"ccs-gateway/internal/delivery"
	"ccs-gateway/internal/devicegroup"
	"ccs-gateway/internal/dispatch"
	"ccs-gateway/internal/idempotency"
	"ccs-gateway/internal/metrics"
	"ccs-gateway/internal/queue"
	"ccs-gateway/internal/registry"
	"ccs-gateway/internal/status"
	"ccs-gateway/internal/store"
	"ccs-gateway/internal/transport"
	"ccs-gateway/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// AppContext 应用全局上下文
type AppContext struct {
	Config           config.Config
	RedisClient      *redis.Client
	MySQLDB          *database.MySQLDB
	MetricsRegistry  *prometheus.Registry
	Metrics          *metrics.Metrics
	Connections      *connection.Manager
	DeliveryQueue    *delivery.Queue
	Registry         registry.Registry
	Orchestrator     *devicegroup.Orchestrator
	Checker          *idempotency.RedisChecker
	Statuses         *status.RedisStatusStore
	UpstreamProducer *queue.NSQProducer
	UpstreamHandler  *upstream.Handler
	Dispatcher       *dispatch.Dispatcher
	Intake           *queue.IntakeHandler
}

// ApplicationInitializer 应用初始化器
type ApplicationInitializer struct {
	configuration config.Config
	appContext    *AppContext
}

// NewApplicationInitializer 创建应用初始化器实例
func NewApplicationInitializer(configuration config.Config) *ApplicationInitializer {
	return &ApplicationInitializer{
		configuration: configuration,
		appContext:    &AppContext{Config: configuration},
	}
}

// InitAppContext 初始化应用上下文
// 依赖顺序:存储 → 指标 → 连接管理 → 投递队列 → 设备注册与设备组 → 分发器 → 入口
func InitAppContext(ctx context.Context, configuration config.Config) *AppContext {
	initializer := NewApplicationInitializer(configuration)
	return initializer.Initialize(ctx)
}

// Initialize 执行完整的初始化流程
func (initializer *ApplicationInitializer) Initialize(ctx context.Context) *AppContext {
	initializer.initializeRedis(ctx)
	initializer.initializeMetrics()
	initializer.initializeConnections()
	initializer.initializeStatuses()
	initializer.initializeDeliveryQueue()
	initializer.initializeRegistry()
	initializer.initializeDeviceGroups()
	initializer.initializeUpstream()
	initializer.initializeDispatcher(ctx)
	initializer.initializeIntake()

	return initializer.appContext
}

func (initializer *ApplicationInitializer) initializeRedis(ctx context.Context) {
	storage := initializer.configuration.Storage

	initializer.appContext.RedisClient = redis.NewClient(&redis.Options{
		Addr:     storage.RedisAddr,
		Password: storage.RedisPassword,
		DB:       storage.RedisDB,
	})

	if err := initializer.appContext.RedisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", storage.RedisAddr).Msg("[Initializer] Redis 连接失败")
	}
	log.Info().Str("addr", storage.RedisAddr).Msg("[Initializer] Redis 连接成功")
}

func (initializer *ApplicationInitializer) initializeMetrics() {
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gatewayMetrics, err := metrics.New(metricsRegistry)
	if err != nil {
		log.Fatal().Err(err).Msg("[Initializer] 指标注册失败")
	}

	initializer.appContext.MetricsRegistry = metricsRegistry
	initializer.appContext.Metrics = gatewayMetrics
}

func (initializer *ApplicationInitializer) initializeConnections() {
	ccs := initializer.configuration.CCS

	dialer := transport.NewDialer(transport.Config{
		Endpoint:         ccs.Endpoint,
		LoginUser:        ccs.LoginUser(),
		SenderID:         ccs.SenderID,
		APIKey:           ccs.APIKey,
		HandshakeTimeout: ccs.HandshakeTimeout,
		WriteTimeout:     ccs.WriteTimeout,
	})

	initializer.appContext.Connections = connection.NewManager(dialer, connection.Options{
		ConnectAttempts: ccs.ConnectAttempts,
		DrainAttempts:   ccs.DrainAttempts,
		HealthInterval:  ccs.HealthInterval,
		Metrics:         initializer.appContext.Metrics,
	})
}

func (initializer *ApplicationInitializer) initializeDeliveryQueue() {
	deliveryConfig := initializer.configuration.Delivery
	messageStore := store.NewRedisStore(initializer.appContext.RedisClient)

	initializer.appContext.DeliveryQueue = delivery.NewQueue(messageStore, initializer.appContext.Connections, delivery.Options{
		BackoffUnit: deliveryConfig.BackoffUnit,
		MaxRetries:  deliveryConfig.MaxRetries,
		Metrics:     initializer.appContext.Metrics,
		Statuses:    initializer.appContext.Statuses,
	})
}

func (initializer *ApplicationInitializer) initializeStatuses() {
	storage := initializer.configuration.Storage
	initializer.appContext.Statuses = status.NewRedisStatusStore(
		initializer.appContext.RedisClient,
		storage.Namespace,
		storage.StatusTTL,
	)
}

// initializeRegistry 配置了 MySQL 时使用 MySQL 保存设备,否则退回 Redis
func (initializer *ApplicationInitializer) initializeRegistry() {
	mysqlConfig := initializer.configuration.Storage.MySQL
	if mysqlConfig.DSN == "" {
		initializer.appContext.Registry = registry.NewRedisRegistry(
			initializer.appContext.RedisClient,
			initializer.configuration.Storage.Namespace,
		)
		log.Info().Msg("[Initializer] 设备注册表使用 Redis")
		return
	}

	mysqlDB, err := database.NewMySQLDB(mysqlConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("[Initializer] MySQL 连接失败")
	}
	if err := mysqlDB.InitTables(); err != nil {
		log.Fatal().Err(err).Msg("[Initializer] MySQL 建表失败")
	}

	initializer.appContext.MySQLDB = mysqlDB
	initializer.appContext.Registry = registry.NewMySQLRegistry(mysqlDB.DB)
	log.Info().Msg("[Initializer] 设备注册表使用 MySQL")
}

func (initializer *ApplicationInitializer) initializeDeviceGroups() {
	directoryConfig := initializer.configuration.Directory
	ccs := initializer.configuration.CCS

	directory := devicegroup.NewHTTPDirectory(devicegroup.DirectoryConfig{
		Endpoint:         directoryConfig.Endpoint,
		SenderID:         ccs.SenderID,
		APIKey:           ccs.APIKey,
		Timeout:          directoryConfig.Timeout,
		MaxFailures:      directoryConfig.BreakerMaxFailures,
		OpenTimeout:      directoryConfig.BreakerOpenTimeout,
		HalfOpenRequests: directoryConfig.BreakerHalfOpen,
		Metrics:          initializer.appContext.Metrics,
	})

	groupStore := store.NewRedisStore(initializer.appContext.RedisClient)
	initializer.appContext.Orchestrator = devicegroup.NewOrchestrator(groupStore, directory)
}

// initializeUpstream 未配置生产者地址时业务数据只记录日志
func (initializer *ApplicationInitializer) initializeUpstream() {
	nsqConfig := initializer.configuration.NSQ

	var publisher upstream.Publisher
	if nsqConfig.ProducerAddr != "" {
		producer, err := queue.NewNSQProducer(nsqConfig.ProducerAddr, nsqConfig.UpstreamTopic)
		if err != nil {
			log.Fatal().Err(err).Msg("[Initializer] 上行数据生产者创建失败")
		}
		initializer.appContext.UpstreamProducer = producer
		publisher = producer
		log.Info().Str("topic", nsqConfig.UpstreamTopic).Msg("[Initializer] 上行数据转发到 NSQ")
	}

	initializer.appContext.UpstreamHandler = upstream.NewHandler(
		initializer.appContext.Registry,
		initializer.appContext.Orchestrator,
		initializer.appContext.DeliveryQueue,
		publisher,
	)
}

func (initializer *ApplicationInitializer) initializeDispatcher(ctx context.Context) {
	dispatchConfig := initializer.configuration.Dispatch
	initializer.appContext.Checker = idempotency.NewRedisChecker(
		initializer.appContext.RedisClient,
		initializer.configuration.Storage.Namespace,
	)

	dispatcher := dispatch.NewDispatcher(dispatch.Dependencies{
		Connection: initializer.appContext.Connections,
		Queue:      initializer.appContext.DeliveryQueue,
		Data:       initializer.appContext.UpstreamHandler,
		Devices:    initializer.appContext.Registry,
		Groups:     initializer.appContext.Orchestrator,
		Checker:    initializer.appContext.Checker,
		Statuses:   initializer.appContext.Statuses,
		Metrics:    initializer.appContext.Metrics,
	}, dispatch.Options{
		Workers:   dispatchConfig.Workers,
		QueueSize: dispatchConfig.QueueSize,
		DedupeTTL: dispatchConfig.InboundDedupeTTL,
	})

	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("[Initializer] 分发器启动失败")
	}

	initializer.appContext.Connections.SetFrameSink(dispatcher)
	initializer.appContext.Dispatcher = dispatcher
}

func (initializer *ApplicationInitializer) initializeIntake() {
	initializer.appContext.Intake = queue.NewIntakeHandler(
		initializer.appContext.DeliveryQueue,
		initializer.appContext.Checker,
		initializer.configuration.App.BasePackageName,
	).WithStatusRecorder(initializer.appContext.Statuses)
}

// Start 建立主连接,之后才开始接受下行请求
func (appContext *AppContext) Start(ctx context.Context) error {
	return appContext.Connections.Start(ctx)
}

// Close 按依赖的逆序释放资源
func (appContext *AppContext) Close() {
	if appContext.Connections != nil {
		appContext.Connections.Shutdown()
	}
	if appContext.Dispatcher != nil {
		appContext.Dispatcher.Stop()
	}
	if appContext.DeliveryQueue != nil {
		appContext.DeliveryQueue.Close()
	}
	if appContext.UpstreamProducer != nil {
		appContext.UpstreamProducer.Close()
	}
	if appContext.MySQLDB != nil {
		if err := appContext.MySQLDB.Close(); err != nil {
			log.Error().Err(err).Msg("[AppContext] 关闭 MySQL 失败")
		}
	}
	if appContext.RedisClient != nil {
		if err := appContext.RedisClient.Close(); err != nil {
			log.Error().Err(err).Msg("[AppContext] 关闭 Redis 失败")
		}
	}
}

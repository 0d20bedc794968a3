package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ccs-gateway/internal/config"
	"ccs-gateway/internal/logging"

	"github.com/rs/zerolog/log"
)

const (
	configFilePath         = "etc/app.yaml"
	configPathEnv          = "CCS_CONFIG"
	gracefulShutdownPeriod = 5 * time.Second
)

//
// HTTP 服务器管理
//

// ServerManager HTTP 服务器管理器
type ServerManager struct {
	server *http.Server
}

// NewServerManager 创建服务器管理器实例
func NewServerManager(address string, handler http.Handler) *ServerManager {
	return &ServerManager{
		server: &http.Server{
			Addr:              address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start 在独立的 goroutine 中运行,避免阻塞主流程
func (manager *ServerManager) Start() {
	go func() {
		log.Info().Str("addr", manager.server.Addr).Msg("[Server] HTTP 服务启动")

		if err := manager.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("[Server] 启动失败")
		}
	}()
}

// GracefulShutdown 等待现有请求完成或超时后强制关闭
func (manager *ServerManager) GracefulShutdown() error {
	log.Info().Msg("[Server] 开始优雅关闭...")

	shutdownContext, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer cancel()

	if err := manager.server.Shutdown(shutdownContext); err != nil {
		log.Error().Err(err).Msg("[Server] 关闭过程出现错误")
		return err
	}

	log.Info().Msg("[Server] 优雅关闭完成")
	return nil
}

//
// 信号处理器
//

// SignalHandler 监听 SIGINT 和 SIGTERM 信号用于优雅关闭
type SignalHandler struct {
	notifyContext context.Context
	stopFunc      context.CancelFunc
}

// NewSignalHandler 创建信号处理器实例
func NewSignalHandler() *SignalHandler {
	notifyContext, stopFunc := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	return &SignalHandler{
		notifyContext: notifyContext,
		stopFunc:      stopFunc,
	}
}

// Context 收到信号后取消
func (handler *SignalHandler) Context() context.Context {
	return handler.notifyContext
}

// WaitForShutdownSignal 阻塞直到收到中断信号
func (handler *SignalHandler) WaitForShutdownSignal() {
	<-handler.notifyContext.Done()
	handler.stopFunc()
	log.Info().Msg("[SignalHandler] 收到关闭信号")
}

//
// 应用程序启动器
//

// ApplicationRunner 负责整个应用的生命周期管理
type ApplicationRunner struct {
	configuration   config.Config
	serverManager   *ServerManager
	signalHandler   *SignalHandler
	appContext      *AppContext
	consumerManager *IntakeConsumerManager
}

// NewApplicationRunner 创建应用运行器实例
func NewApplicationRunner() *ApplicationRunner {
	path := configFilePath
	if override := os.Getenv(configPathEnv); override != "" {
		path = override
	}

	configuration := config.MustLoad(path)
	logging.Setup(configuration.Log.Level, configuration.Log.Console)

	return &ApplicationRunner{
		configuration: configuration,
		signalHandler: NewSignalHandler(),
	}
}

// Run 执行完整的启动、运行和关闭流程
func (runner *ApplicationRunner) Run() {
	runner.initializeApplication()
	runner.connectCCS()
	runner.startConsumers()
	runner.startHTTPServer()
	runner.waitForShutdown()
}

func (runner *ApplicationRunner) initializeApplication() {
	runner.appContext = InitAppContext(runner.signalHandler.Context(), runner.configuration)
	log.Info().Msg("[Runner] 应用程序初始化完成")
}

// connectCCS 初始连接失败是致命错误
func (runner *ApplicationRunner) connectCCS() {
	if err := runner.appContext.Start(runner.signalHandler.Context()); err != nil {
		runner.appContext.Close()
		log.Fatal().Err(err).Msg("[Runner] CCS 连接建立失败")
	}
}

func (runner *ApplicationRunner) startConsumers() {
	runner.consumerManager = NewIntakeConsumerManager(runner.appContext)
	runner.consumerManager.Start()
}

func (runner *ApplicationRunner) startHTTPServer() {
	router := BuildGinRouter(runner.appContext)

	runner.serverManager = NewServerManager(runner.configuration.App.Addr, router)
	runner.serverManager.Start()
}

func (runner *ApplicationRunner) waitForShutdown() {
	runner.signalHandler.WaitForShutdownSignal()
	runner.performShutdown()
}

// performShutdown 先停止入口,再释放连接与存储
func (runner *ApplicationRunner) performShutdown() {
	if err := runner.serverManager.GracefulShutdown(); err != nil {
		log.Error().Err(err).Msg("[Runner] 服务器关闭出现错误")
	}

	if runner.consumerManager != nil {
		runner.consumerManager.Stop()
	}

	if runner.appContext != nil {
		runner.appContext.Close()
		log.Info().Msg("[Runner] 应用上下文资源释放完成")
	}

	log.Info().Msg("[Runner] 应用程序已完全关闭")
}

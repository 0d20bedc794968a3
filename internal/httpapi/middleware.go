package httpapi

import (
	"net/http"
	"time"

	"ccs-gateway/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// RequestID 透传或生成请求 ID,写回响应头
func RequestID() gin.HandlerFunc {
	return func(context *gin.Context) {
		requestID := context.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		context.Set(requestIDKey, requestID)
		context.Writer.Header().Set(requestIDHeader, requestID)
		context.Next()
	}
}

// Logger 访问日志,按响应状态选择日志级别
// 请求级 logger 存入上下文,处理器通过 loggerFrom 取用
func Logger() gin.HandlerFunc {
	base := logging.Component("HTTP")

	return func(context *gin.Context) {
		start := time.Now()

		path := context.FullPath()
		if path == "" {
			path = context.Request.URL.Path
		}

		logger := base.With().
			Str("request_id", requestIDFrom(context)).
			Str("method", context.Request.Method).
			Str("path", path).
			Str("remote_ip", context.ClientIP()).
			Logger()
		context.Set(loggerKey, &logger)

		context.Next()

		event := logger.With().
			Int("status", context.Writer.Status()).
			Dur("latency", time.Since(start)).
			Logger()

		switch status := context.Writer.Status(); {
		case len(context.Errors) > 0 || status >= http.StatusInternalServerError:
			event.Error().Str("errors", context.Errors.String()).Msg("[HTTP] 请求处理失败")
		case status >= http.StatusBadRequest:
			event.Warn().Msg("[HTTP] 请求被拒绝")
		default:
			event.Info().Msg("[HTTP] 请求完成")
		}
	}
}

// corsMiddleware 跨域资源共享中间件
func corsMiddleware() gin.HandlerFunc {
	return func(context *gin.Context) {
		context.Header("Access-Control-Allow-Origin", "*")
		context.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		context.Header("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Request-ID")

		if context.Request.Method == http.MethodOptions {
			context.AbortWithStatus(http.StatusNoContent)
			return
		}

		context.Next()
	}
}

// timeoutMiddleware 给请求上下文加超时,目录服务调用随之取消
func timeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(context *gin.Context) {
		if timeout <= 0 {
			context.Next()
			return
		}

		ctx, cancel := contextWithTimeout(context, timeout)
		defer cancel()

		context.Request = context.Request.WithContext(ctx)
		context.Next()
	}
}

func loggerFrom(context *gin.Context) *zerolog.Logger {
	if value, ok := context.Get(loggerKey); ok {
		if logger, ok := value.(*zerolog.Logger); ok {
			return logger
		}
	}
	logger := logging.Component("HTTP")
	return &logger
}

func requestIDFrom(context *gin.Context) string {
	requestID, _ := context.Get(requestIDKey)
	value, _ := requestID.(string)
	return value
}

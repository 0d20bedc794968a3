package httpapi

import (
	"context"
	"time"

	"ccs-gateway/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions 路由依赖
type RouterOptions struct {
	Handler        *Handler
	Status         *StatusHandler
	Messages       *MessageStatusHandler
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
}

// NewRouter 注册全部路由
func NewRouter(options RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), Logger(), gin.Recovery(), corsMiddleware(), options.Metrics.GinMiddleware())

	router.GET("/healthz", options.Status.Healthz)
	if options.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1", timeoutMiddleware(options.RequestTimeout))
	{
		api.POST("/notifications", options.Handler.SendNotification)
		api.POST("/device-groups/members", options.Handler.AddGroupMember)
		api.DELETE("/device-groups/members", options.Handler.RemoveGroupMember)
		api.GET("/connection", options.Status.ConnectionStatus)
		if options.Messages != nil {
			api.GET("/notifications/:id", options.Messages.NotificationStatus)
		}
	}

	return router
}

func contextWithTimeout(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}

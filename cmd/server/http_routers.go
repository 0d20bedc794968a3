package main

import (
	"ccs-gateway/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// BuildGinRouter 组装 HTTP 路由
func BuildGinRouter(appContext *AppContext) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	return httpapi.NewRouter(httpapi.RouterOptions{
		Handler:        httpapi.NewHandler(appContext.Intake, appContext.Orchestrator),
		Status:         httpapi.NewStatusHandler(appContext.Connections, appContext.DeliveryQueue),
		Messages:       httpapi.NewMessageStatusHandler(appContext.Statuses),
		Metrics:        appContext.Metrics,
		Gatherer:       appContext.MetricsRegistry,
		RequestTimeout: appContext.Config.App.RequestTimeout,
	})
}

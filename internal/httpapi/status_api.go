package httpapi

import (
	"context"
	"net/http"

	"ccs-gateway/internal/connection"
	"ccs-gateway/internal/status"

	"github.com/gin-gonic/gin"
)

// ConnectionStatusProvider 连接状态来源
type ConnectionStatusProvider interface {
	Status() connection.Status
}

// PendingCounter 待确认消息计数
type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// ConnectionStatusResponse GET /api/v1/connection
type ConnectionStatusResponse struct {
	connection.Status
	Pending int64 `json:"pending"`
}

// StatusHandler 连接与健康检查接口
type StatusHandler struct {
	connections ConnectionStatusProvider
	pending     PendingCounter
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(connections ConnectionStatusProvider, pending PendingCounter) *StatusHandler {
	return &StatusHandler{connections: connections, pending: pending}
}

// ConnectionStatus 返回主备连接快照与待确认消息数
func (handler *StatusHandler) ConnectionStatus(context *gin.Context) {
	response := ConnectionStatusResponse{Status: handler.connections.Status()}

	pending, err := handler.pending.Pending(context.Request.Context())
	if err != nil {
		loggerFrom(context).Warn().Err(err).Msg("[HTTP] 读取待确认消息数失败")
		pending = -1
	}
	response.Pending = pending

	sendSuccessResponse(context, http.StatusOK, response)
}

// Healthz 存在活跃连接时健康
func (handler *StatusHandler) Healthz(context *gin.Context) {
	snapshot := handler.connections.Status()
	if snapshot.Active == "" {
		context.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	context.JSON(http.StatusOK, gin.H{"status": "ok", "active": snapshot.Active})
}

// MessageStatusLookup 投递状态查询
type MessageStatusLookup interface {
	Get(ctx context.Context, messageID string) (status.MessageStatus, bool, error)
	History(ctx context.Context, messageID string) ([]status.MessageStatus, error)
}

// MessageStatusResponse GET /api/v1/notifications/:id
type MessageStatusResponse struct {
	status.MessageStatus
	History []status.MessageStatus `json:"history"`
}

// MessageStatusHandler 下行消息状态接口
type MessageStatusHandler struct {
	statuses MessageStatusLookup
}

func NewMessageStatusHandler(statuses MessageStatusLookup) *MessageStatusHandler {
	return &MessageStatusHandler{statuses: statuses}
}

// NotificationStatus 返回当前状态与变更历史,状态过期或未知时 404
func (handler *MessageStatusHandler) NotificationStatus(context *gin.Context) {
	messageID := context.Param("id")

	current, found, err := handler.statuses.Get(context.Request.Context(), messageID)
	if err != nil {
		loggerFrom(context).Error().Err(err).Str("message_id", messageID).Msg("[HTTP] 读取投递状态失败")
		sendErrorResponse(context, http.StatusInternalServerError, "failed to read message status")
		return
	}
	if !found {
		sendErrorResponse(context, http.StatusNotFound, "message status not found")
		return
	}

	history, err := handler.statuses.History(context.Request.Context(), messageID)
	if err != nil {
		loggerFrom(context).Warn().Err(err).Str("message_id", messageID).Msg("[HTTP] 读取状态历史失败")
	}

	sendSuccessResponse(context, http.StatusOK, MessageStatusResponse{MessageStatus: current, History: history})
}

// Package httpapi 网关对业务方开放的 HTTP 接口
package httpapi

import (
	"errors"
	"net/http"

	"ccs-gateway/internal/push"
	"ccs-gateway/internal/queue"
	"ccs-gateway/internal/registry"

	"github.com/gin-gonic/gin"
)

// UnifiedResponse 统一的 API 响应格式
type UnifiedResponse struct {
	Code      int         `json:"code"`
	Data      interface{} `json:"data,omitempty"`
	Msg       string      `json:"msg"`
	RequestID string      `json:"request_id,omitempty"`
}

// sendSuccessResponse 发送成功响应
func sendSuccessResponse(context *gin.Context, httpStatus int, data interface{}) {
	context.JSON(httpStatus, UnifiedResponse{
		Code:      httpStatus,
		Data:      data,
		Msg:       "success",
		RequestID: requestIDFrom(context),
	})
}

// sendErrorResponse 发送错误响应
func sendErrorResponse(context *gin.Context, httpStatus int, message string) {
	context.AbortWithStatusJSON(httpStatus, UnifiedResponse{
		Code:      httpStatus,
		Msg:       message,
		RequestID: requestIDFrom(context),
	})
}

// sendDomainError 按错误类别映射 HTTP 状态码
func sendDomainError(context *gin.Context, err error) {
	_ = context.Error(err)
	sendErrorResponse(context, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, push.ErrNoRecipient),
		errors.Is(err, registry.ErrInvalidDevice),
		errors.Is(err, push.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, push.ErrDirectoryUnavailable),
		errors.Is(err, push.ErrNoActiveChannel):
		return http.StatusServiceUnavailable
	case errors.Is(err, push.ErrDirectory):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

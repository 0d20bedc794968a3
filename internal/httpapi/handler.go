package httpapi

import (
	"context"
	"net/http"

	"ccs-gateway/internal/devicegroup"
	"ccs-gateway/internal/queue"

	"github.com/gin-gonic/gin"
)

// NotificationSubmitter 通知提交
type NotificationSubmitter interface {
	Submit(ctx context.Context, request queue.IntakeRequest) (string, error)
}

// GroupManager 设备组成员管理
type GroupManager interface {
	AddDevice(ctx context.Context, category string, member devicegroup.Member) (string, error)
	RemoveDevice(ctx context.Context, category string, member devicegroup.Member) error
}

// SendNotificationRequest POST /api/v1/notifications
type SendNotificationRequest struct {
	RequestID            string            `json:"request_id"`
	To                   string            `json:"to" binding:"required"`
	PackageNameExtension string            `json:"package_name_extension"`
	Priority             string            `json:"priority" binding:"omitempty,oneof=high normal"`
	CollapseKey          string            `json:"collapse_key"`
	Notification         map[string]string `json:"notification"`
	Data                 map[string]any    `json:"data"`
	DryRun               bool              `json:"dry_run"`
}

// GroupMemberRequest 设备组成员变更请求
type GroupMemberRequest struct {
	Category            string `json:"category" binding:"required"`
	Token               string `json:"token" binding:"required"`
	NotificationKeyName string `json:"notification_key_name" binding:"required"`
}

// Handler 通知与设备组接口
type Handler struct {
	notifications NotificationSubmitter
	groups        GroupManager
}

// NewHandler 创建处理器
func NewHandler(notifications NotificationSubmitter, groups GroupManager) *Handler {
	return &Handler{
		notifications: notifications,
		groups:        groups,
	}
}

// SendNotification 提交通知,消息落库即返回 202
func (handler *Handler) SendNotification(context *gin.Context) {
	var request SendNotificationRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		sendErrorResponse(context, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	intake := queue.IntakeRequest{RequestID: request.RequestID, To: request.To}
	intake.PackageNameExtension = request.PackageNameExtension
	intake.Priority = request.Priority
	intake.CollapseKey = request.CollapseKey
	intake.Notification.Notification = request.Notification
	intake.Data = request.Data
	intake.DryRun = request.DryRun

	messageID, err := handler.notifications.Submit(context.Request.Context(), intake)
	if err != nil {
		loggerFrom(context).Error().Err(err).Msg("[HTTP] 通知提交失败")
		sendDomainError(context, err)
		return
	}

	sendSuccessResponse(context, http.StatusAccepted, gin.H{"message_id": messageID})
}

// AddGroupMember 把设备加入设备组,必要时创建设备组
func (handler *Handler) AddGroupMember(context *gin.Context) {
	var request GroupMemberRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		sendErrorResponse(context, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	key, err := handler.groups.AddDevice(context.Request.Context(), request.Category, devicegroup.Member{
		Token:               request.Token,
		NotificationKeyName: request.NotificationKeyName,
	})
	if err != nil {
		sendDomainError(context, err)
		return
	}

	sendSuccessResponse(context, http.StatusOK, gin.H{
		"notification_key_name": request.NotificationKeyName,
		"notification_key":      key,
	})
}

// RemoveGroupMember 把设备移出设备组
func (handler *Handler) RemoveGroupMember(context *gin.Context) {
	var request GroupMemberRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		sendErrorResponse(context, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	err := handler.groups.RemoveDevice(context.Request.Context(), request.Category, devicegroup.Member{
		Token:               request.Token,
		NotificationKeyName: request.NotificationKeyName,
	})
	if err != nil {
		sendDomainError(context, err)
		return
	}

	sendSuccessResponse(context, http.StatusOK, nil)
}

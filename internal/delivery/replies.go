package delivery

import (
	"context"

	"ccs-gateway/internal/push"
)

// 设备注册相关的回复动作与状态码
const (
	ActionRegisterDevice = "Register Device"
	ActionUpdateID       = "Update Id"
	ActionPong           = "Pong"

	replyMessageKey = "message"
	replyStatusKey  = "status"
	replySuccess    = "Success"
	replyFailure    = "Failure"

	StatusCreated       = 200
	StatusAlreadyExists = 208
	StatusUpdated       = 204
)

// SendNotification 构建业务通知并投递,返回消息 ID
func (queue *Queue) SendNotification(ctx context.Context, appPackageName, to string, notification push.Notification) (string, error) {
	message, err := push.NewNotificationMessage(appPackageName, to, notification)
	if err != nil {
		return "", err
	}
	return queue.enqueueDownstream(ctx, message)
}

// ReplyRegistered 通知设备注册成功
func (queue *Queue) ReplyRegistered(ctx context.Context, packageName, token string) error {
	queue.logger.Info().Str("to", token).Msg("[DeliveryQueue] 回复设备注册成功")
	return queue.reply(ctx, token, ActionRegisterDevice, replySuccess, StatusCreated, packageName)
}

// ReplyAlreadyExists 通知设备已注册
func (queue *Queue) ReplyAlreadyExists(ctx context.Context, packageName, token string) error {
	queue.logger.Info().Str("to", token).Msg("[DeliveryQueue] 设备已存在")
	return queue.reply(ctx, token, ActionRegisterDevice, replyFailure, StatusAlreadyExists, packageName)
}

// ReplyIDUpdated 通知设备 token 已更新
func (queue *Queue) ReplyIDUpdated(ctx context.Context, packageName, token string) error {
	queue.logger.Info().Str("to", token).Msg("[DeliveryQueue] 回复设备 ID 更新成功")
	return queue.reply(ctx, token, ActionUpdateID, replySuccess, StatusUpdated, packageName)
}

func (queue *Queue) reply(ctx context.Context, token, action, outcome string, status int, packageName string) error {
	body := map[string]any{
		replyMessageKey: outcome,
		replyStatusKey:  status,
	}

	message, err := push.NewDataMessage(token, action, body, action, packageName)
	if err != nil {
		return err
	}

	_, err = queue.enqueueDownstream(ctx, message)
	return err
}

func (queue *Queue) enqueueDownstream(ctx context.Context, message push.Downstream) (string, error) {
	outbound, err := push.NewOutboundMessage(message)
	if err != nil {
		return "", err
	}

	if err := queue.EnqueueAndSend(ctx, outbound); err != nil {
		return outbound.ID, err
	}
	return outbound.ID, nil
}

// Package upstream 设备上行数据消息的默认处理
// 注册类 action 在网关内处理,其他业务数据转发到 NSQ upstream 主题
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"ccs-gateway/internal/delivery"
	"ccs-gateway/internal/devicegroup"
	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/push"
	"ccs-gateway/internal/registry"

	"github.com/rs/zerolog"
)

const (
	dataActionKey          = "action"
	dataOldIDKey           = "old_id"
	dataNotificationKeyKey = "notification_key_name"
)

var (
	// ErrMissingSender 数据消息缺少 from
	ErrMissingSender = errors.New("data message has no sender")
	// ErrMissingKeyName 注册请求缺少设备组名称
	ErrMissingKeyName = errors.New("register request has no notification_key_name")
	// ErrMissingOldID 更新请求缺少旧 token
	ErrMissingOldID = errors.New("update request has no old_id")
)

// GroupOrchestrator 设备组成员变更
type GroupOrchestrator interface {
	AddDevice(ctx context.Context, category string, member devicegroup.Member) (string, error)
	RemoveDevice(ctx context.Context, category string, member devicegroup.Member) error
}

// Replier 注册结果回复
type Replier interface {
	ReplyRegistered(ctx context.Context, packageName, token string) error
	ReplyAlreadyExists(ctx context.Context, packageName, token string) error
	ReplyIDUpdated(ctx context.Context, packageName, token string) error
}

// Publisher 业务数据出口
type Publisher interface {
	PublishJSON(ctx context.Context, value any) error
}

// Event 转发到 upstream 主题的设备数据
type Event struct {
	From      string          `json:"from"`
	Category  string          `json:"category"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Handler 默认数据消息处理器
type Handler struct {
	registry     registry.Registry
	orchestrator GroupOrchestrator
	replier      Replier
	publisher    Publisher
	logger       zerolog.Logger
}

// NewHandler publisher 为 nil 时业务数据只记录日志
func NewHandler(deviceRegistry registry.Registry, orchestrator GroupOrchestrator, replier Replier, publisher Publisher) *Handler {
	return &Handler{
		registry:     deviceRegistry,
		orchestrator: orchestrator,
		replier:      replier,
		publisher:    publisher,
		logger:       logging.Component("Upstream"),
	}
}

// HandleData 按 action 分发数据消息
// 带 registration_id 的消息说明设备 token 已变更,优先按 canonical id 更新
func (handler *Handler) HandleData(ctx context.Context, message push.DataMessage) error {
	if message.From == "" {
		return ErrMissingSender
	}

	data := map[string]any{}
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return push.WrapError(push.ErrProtocol, "decode data payload", err)
		}
	}

	logger := handler.logger.With().Str("message_id", message.MessageID).Str("category", message.Category).Logger()

	if message.RegistrationID != "" {
		logger.Info().Msg("[Upstream] 收到 canonical id,更新设备 token")
		return handler.updateToken(ctx, message.Category, message.From, message.RegistrationID)
	}

	action := strings.TrimSpace(stringField(data, dataActionKey))
	switch action {
	case delivery.ActionRegisterDevice:
		return handler.register(ctx, logger, message, data)
	case delivery.ActionUpdateID:
		oldID := stringField(data, dataOldIDKey)
		if oldID == "" {
			return ErrMissingOldID
		}
		return handler.updateToken(ctx, message.Category, oldID, message.From)
	case delivery.ActionPong:
		logger.Debug().Msg("[Upstream] 设备在线")
		return nil
	default:
		return handler.forward(ctx, logger, message)
	}
}

// HandleCanonical ack/nack 携带的 canonical id
func (handler *Handler) HandleCanonical(ctx context.Context, oldToken, newToken string) error {
	if oldToken == "" || newToken == "" || oldToken == newToken {
		return nil
	}

	device, found, err := handler.registry.UpdateToken(ctx, oldToken, newToken)
	if err != nil {
		return err
	}
	if !found {
		handler.logger.Warn().Msg("[Upstream] canonical id 对应的设备未注册")
		return nil
	}

	handler.swapMembership(ctx, device, oldToken)
	return nil
}

func (handler *Handler) register(ctx context.Context, logger zerolog.Logger, message push.DataMessage, data map[string]any) error {
	keyName := stringField(data, dataNotificationKeyKey)
	if keyName == "" {
		return ErrMissingKeyName
	}

	category := push.CategoryFromPackage(message.Category)
	device := registry.Device{
		Token:               message.From,
		NotificationKeyName: keyName,
		Category:            category,
	}

	created, err := handler.registry.Register(ctx, device)
	if err != nil {
		logger.Error().Err(err).Msg("[Upstream] 设备登记失败")
		return err
	}

	if !created {
		return handler.replier.ReplyAlreadyExists(ctx, message.Category, message.From)
	}

	member := devicegroup.Member{Token: device.Token, NotificationKeyName: keyName}
	if _, err := handler.orchestrator.AddDevice(ctx, category, member); err != nil {
		// 回滚登记,设备下次注册时重新走完整流程
		if removeErr := handler.registry.Remove(ctx, device.Token); removeErr != nil {
			logger.Error().Err(removeErr).Msg("[Upstream] 回滚设备登记失败")
		}
		return err
	}

	return handler.replier.ReplyRegistered(ctx, message.Category, message.From)
}

func (handler *Handler) updateToken(ctx context.Context, packageName, oldToken, newToken string) error {
	device, found, err := handler.registry.UpdateToken(ctx, oldToken, newToken)
	if err != nil {
		return err
	}
	if !found {
		handler.logger.Warn().Msg("[Upstream] 待更新的设备未注册,忽略")
		return nil
	}

	handler.swapMembership(ctx, device, oldToken)
	return handler.replier.ReplyIDUpdated(ctx, packageName, newToken)
}

// swapMembership 新 token 加入设备组,旧 token 尽力移出
func (handler *Handler) swapMembership(ctx context.Context, device registry.Device, oldToken string) {
	if _, err := handler.orchestrator.AddDevice(ctx, device.Category, devicegroup.Member{
		Token:               device.Token,
		NotificationKeyName: device.NotificationKeyName,
	}); err != nil {
		handler.logger.Error().Err(err).Msg("[Upstream] 新 token 加入设备组失败")
		return
	}

	if err := handler.orchestrator.RemoveDevice(ctx, device.Category, devicegroup.Member{
		Token:               oldToken,
		NotificationKeyName: device.NotificationKeyName,
	}); err != nil {
		handler.logger.Warn().Err(err).Msg("[Upstream] 旧 token 移出设备组失败")
	}
}

func (handler *Handler) forward(ctx context.Context, logger zerolog.Logger, message push.DataMessage) error {
	if handler.publisher == nil {
		logger.Info().Msg("[Upstream] 未配置 upstream 主题,业务数据仅记录")
		return nil
	}

	event := Event{
		From:      message.From,
		Category:  message.Category,
		MessageID: message.MessageID,
		Data:      message.Data,
	}
	if err := handler.publisher.PublishJSON(ctx, event); err != nil {
		logger.Error().Err(err).Msg("[Upstream] 业务数据转发失败")
		return err
	}

	logger.Debug().Msg("[Upstream] 业务数据已转发")
	return nil
}

func stringField(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return value
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ccs-gateway/internal/idempotency"
	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/push"
	"ccs-gateway/internal/status"

	"github.com/rs/zerolog"
)

const defaultIntakeDedupeTTL = 24 * time.Hour

// ErrDuplicateRequest request_id 在去重窗口内已提交过
var ErrDuplicateRequest = errors.New("duplicate notification request")

// IntakeRequest 业务方提交的下行通知
// To 为设备 token 或设备组 notification_key
type IntakeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	To        string `json:"to"`
	push.Notification
}

// NotificationSender 负责构建并投递通知
type NotificationSender interface {
	SendNotification(ctx context.Context, appPackageName, to string, notification push.Notification) (string, error)
}

// IntakeHandler 把 intake 主题的消息交给投递队列
type IntakeHandler struct {
	sender          NotificationSender
	checker         idempotency.Checker
	basePackageName string
	statuses        status.Recorder
	dedupeTTL       time.Duration
	logger          zerolog.Logger
}

// NewIntakeHandler checker 为 nil 时不做去重
func NewIntakeHandler(sender NotificationSender, checker idempotency.Checker, basePackageName string) *IntakeHandler {
	return &IntakeHandler{
		sender:          sender,
		checker:         checker,
		basePackageName: basePackageName,
		dedupeTTL:       defaultIntakeDedupeTTL,
		logger:          logging.Component("Intake"),
	}
}

// WithStatusRecorder 提交成功后记录 queued 状态
func (handler *IntakeHandler) WithStatusRecorder(recorder status.Recorder) *IntakeHandler {
	handler.statuses = recorder
	return handler
}

// Handle 实现 HandlerFunc
// 无法解析或缺少接收方的消息直接丢弃;只有持久化失败才让 NSQ 重投
func (handler *IntakeHandler) Handle(ctx context.Context, payload []byte, attempts uint16) error {
	var request IntakeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		handler.logger.Error().Err(err).Msg("[Intake] 通知请求格式错误,已丢弃")
		return nil
	}

	if request.To == "" {
		handler.logger.Error().Str("request_id", request.RequestID).Msg("[Intake] 通知请求缺少接收方,已丢弃")
		return nil
	}

	_, err := handler.Submit(ctx, request)
	if errors.Is(err, push.ErrStore) {
		return err
	}
	return nil
}

// Submit 构建通知并进入投递队列,返回消息 ID
// NSQ 与 HTTP 两条入口共用,带 request_id 的请求在去重窗口内只提交一次
// 消息落库后发送失败会由投递队列自行重试,此时仍返回消息 ID
func (handler *IntakeHandler) Submit(ctx context.Context, request IntakeRequest) (string, error) {
	if request.To == "" {
		return "", push.ErrNoRecipient
	}

	dedupeKey, duplicate := handler.claim(ctx, request.RequestID)
	if duplicate {
		handler.logger.Info().Str("request_id", request.RequestID).Msg("[Intake] 重复请求,跳过")
		return "", ErrDuplicateRequest
	}

	packageName := push.AppPackageName(handler.basePackageName, request.PackageNameExtension)
	messageID, err := handler.sender.SendNotification(ctx, packageName, request.To, request.Notification)
	if err != nil && (errors.Is(err, push.ErrStore) || messageID == "") {
		// 消息未能入队,释放去重标记让 NSQ 重投或客户端重试能再次提交
		handler.release(ctx, dedupeKey)
		if errors.Is(err, push.ErrStore) {
			handler.logger.Error().Err(err).Msg("[Intake] 通知持久化失败")
		} else {
			handler.logger.Error().Err(err).Msg("[Intake] 通知构建失败")
		}
		return "", err
	}
	if err != nil {
		handler.logger.Warn().Err(err).Str("message_id", messageID).Msg("[Intake] 首次发送失败,已进入重试")
		handler.recordStatus(ctx, messageID, status.StateRetrying, err.Error())
		return messageID, nil
	}

	handler.logger.Info().Str("message_id", messageID).Str("package", packageName).Msg("[Intake] 通知已提交")
	handler.recordStatus(ctx, messageID, status.StateQueued, request.To)
	return messageID, nil
}

// claim 写入 request_id 去重标记,返回键和是否重复
// 检查失败时放行,宁可重复投递也不丢通知
func (handler *IntakeHandler) claim(ctx context.Context, requestID string) (string, bool) {
	if requestID == "" || handler.checker == nil {
		return "", false
	}

	isNew, key, err := handler.checker.CheckAndSet(ctx, idempotency.ScopeNotification, []string{requestID}, handler.dedupeTTL)
	if err != nil {
		handler.logger.Warn().Err(err).Str("request_id", requestID).Msg("[Intake] 幂等检查失败,继续处理")
		return "", false
	}
	return key, !isNew
}

func (handler *IntakeHandler) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := handler.checker.Release(ctx, key); err != nil {
		handler.logger.Warn().Err(err).Str("key", key).Msg("[Intake] 去重标记释放失败")
	}
}

func (handler *IntakeHandler) recordStatus(ctx context.Context, messageID, state, detail string) {
	if handler.statuses == nil {
		return
	}
	if err := handler.statuses.Record(ctx, messageID, state, detail); err != nil {
		handler.logger.Warn().Err(err).Str("message_id", messageID).Msg("[Intake] 投递状态记录失败")
	}
}

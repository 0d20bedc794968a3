// Package dispatch 上行帧分发
// 接收协程只负责解码,各分支的存储与目录服务调用在工作池中执行
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ccs-gateway/internal/delivery"
	"ccs-gateway/internal/devicegroup"
	"ccs-gateway/internal/idempotency"
	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/metrics"
	"ccs-gateway/internal/push"
	"ccs-gateway/internal/registry"
	"ccs-gateway/internal/status"
	"ccs-gateway/internal/worker"

	"github.com/rs/zerolog"
)

// ==================== 常量定义 ====================

const (
	defaultDedupeTTL = 10 * time.Minute
	poolName         = "Dispatcher"
)

// ==================== 依赖接口 ====================

// Connection 连接管理器提供的能力
type Connection interface {
	Send(ctx context.Context, frame []byte) error
	BeginDraining()
}

// DeliveryQueue 投递队列提供的能力
type DeliveryQueue interface {
	Acknowledge(ctx context.Context, id string) error
	Purge(ctx context.Context, id, reason string) error
	FetchForRetry(ctx context.Context, id string) ([]byte, bool, error)
	Resend(ctx context.Context, id string) error
	ResendToRecipient(ctx context.Context, recipient string, payload []byte) (string, error)
}

// DataHandler 数据消息与 canonical id 的处理方
type DataHandler interface {
	HandleData(ctx context.Context, message push.DataMessage) error
	HandleCanonical(ctx context.Context, oldToken, newToken string) error
}

// DeviceResolver 按 token 查找设备
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, token string) (registry.Device, bool, error)
	Remove(ctx context.Context, token string) error
}

// GroupRemover 设备组成员移除
type GroupRemover interface {
	RemoveDevice(ctx context.Context, category string, member devicegroup.Member) error
}

// Dependencies 分发器协作方,Checker、Statuses 与 Metrics 可为空
type Dependencies struct {
	Connection Connection
	Queue      DeliveryQueue
	Data       DataHandler
	Devices    DeviceResolver
	Groups     GroupRemover
	Checker    idempotency.Checker
	Statuses   status.Recorder
	Metrics    *metrics.Metrics
}

// Options 工作池参数
type Options struct {
	Workers   int
	QueueSize int
	DedupeTTL time.Duration
}

// Dispatcher 上行帧分发器,实现 connection.FrameSink
type Dispatcher struct {
	deps      Dependencies
	pool      *worker.Pool[push.Frame]
	dedupeTTL time.Duration
	logger    zerolog.Logger

	// 工作池队列满时 ack/nack/receipt 改由独立协程处理
	overflowMu  sync.Mutex
	overflowCtx context.Context
	overflowWg  sync.WaitGroup
	stopped     bool
}

// NewDispatcher 创建分发器
func NewDispatcher(deps Dependencies, options Options) *Dispatcher {
	if options.DedupeTTL <= 0 {
		options.DedupeTTL = defaultDedupeTTL
	}

	dispatcher := &Dispatcher{
		deps:      deps,
		dedupeTTL: options.DedupeTTL,
		logger:    logging.Component(poolName),
	}
	dispatcher.pool = worker.NewPool(poolName, options.Workers, options.QueueSize, dispatcher.Process)
	return dispatcher
}

// Start 启动工作池
func (dispatcher *Dispatcher) Start(ctx context.Context) error {
	dispatcher.overflowMu.Lock()
	dispatcher.overflowCtx = ctx
	dispatcher.overflowMu.Unlock()
	return dispatcher.pool.Start(ctx)
}

// Stop 处理完已提交的帧后停止
func (dispatcher *Dispatcher) Stop() {
	dispatcher.pool.Stop()

	dispatcher.overflowMu.Lock()
	dispatcher.stopped = true
	dispatcher.overflowMu.Unlock()
	dispatcher.overflowWg.Wait()
}

// Stats 工作池统计
func (dispatcher *Dispatcher) Stats() worker.Stats {
	return dispatcher.pool.Stats()
}

// HandleFrame 在接收协程中调用,解码后提交到工作池
func (dispatcher *Dispatcher) HandleFrame(raw []byte) {
	frame, err := push.Decode(raw)
	if err != nil {
		dispatcher.deps.Metrics.RecordFrame("malformed")
		dispatcher.logger.Error().Err(err).Msg("[Dispatcher] 无法解析的帧,已丢弃")
		return
	}

	dispatcher.deps.Metrics.RecordFrame(string(frame.Type()))

	// 排空指令本身不阻塞,直接在接收协程处理
	if control, ok := frame.(push.Control); ok {
		dispatcher.handleControl(control)
		return
	}

	err = dispatcher.pool.Submit(frame)
	if err == nil {
		return
	}
	if errors.Is(err, worker.ErrQueueFull) && isDeliveryOutcome(frame) && dispatcher.processOverflow(frame) {
		dispatcher.logger.Warn().Str("message_id", frame.ID()).Str("type", string(frame.Type())).Msg("[Dispatcher] 工作池已满,改由独立协程处理")
		return
	}
	// 未应答的数据消息会由 CCS 重投
	dispatcher.logger.Error().Err(err).Str("message_id", frame.ID()).Str("type", string(frame.Type())).Msg("[Dispatcher] 提交处理失败,帧已丢弃")
}

// isDeliveryOutcome ack/nack/receipt 丢失后消息会一直留在队列中
func isDeliveryOutcome(frame push.Frame) bool {
	switch frame.(type) {
	case push.Ack, push.Nack, push.Receipt:
		return true
	default:
		return false
	}
}

// processOverflow 已停止时返回 false
func (dispatcher *Dispatcher) processOverflow(frame push.Frame) bool {
	dispatcher.overflowMu.Lock()
	if dispatcher.stopped || dispatcher.overflowCtx == nil {
		dispatcher.overflowMu.Unlock()
		return false
	}
	ctx := dispatcher.overflowCtx
	dispatcher.overflowWg.Add(1)
	dispatcher.overflowMu.Unlock()

	go func() {
		defer dispatcher.overflowWg.Done()
		if err := dispatcher.Process(ctx, frame); err != nil {
			dispatcher.logger.Error().Err(err).Str("message_id", frame.ID()).Msg("[Dispatcher] 帧处理失败")
		}
	}()
	return true
}

// Process 按帧类型执行对应分支
func (dispatcher *Dispatcher) Process(ctx context.Context, frame push.Frame) error {
	switch typed := frame.(type) {
	case push.DataMessage:
		return dispatcher.handleData(ctx, typed)
	case push.Ack:
		return dispatcher.handleAck(ctx, typed)
	case push.Nack:
		return dispatcher.handleNack(ctx, typed)
	case push.Receipt:
		return dispatcher.handleReceipt(ctx, typed)
	case push.Control:
		dispatcher.handleControl(typed)
		return nil
	default:
		dispatcher.logger.Warn().Str("type", string(frame.Type())).Str("message_id", frame.ID()).Msg("[Dispatcher] 未知的消息类型,已丢弃")
		return nil
	}
}

// ==================== 数据消息 ====================

// handleData 先应答再交给数据处理方,ack 发送失败时改发 nack
func (dispatcher *Dispatcher) handleData(ctx context.Context, message push.DataMessage) error {
	logger := dispatcher.logger.With().Str("message_id", message.MessageID).Logger()

	if message.From == "" || message.MessageID == "" {
		logger.Error().Msg("[Dispatcher] 数据消息缺少 from 或 message_id,已丢弃")
		return push.WrapError(push.ErrProtocol, "data message without sender", nil)
	}

	if err := dispatcher.reply(ctx, push.NewAck(message.From, message.MessageID)); err != nil {
		logger.Warn().Err(err).Msg("[Dispatcher] ack 发送失败,改发 nack")
		if nackErr := dispatcher.reply(ctx, push.NewNack(message.From, message.MessageID)); nackErr != nil {
			logger.Error().Err(nackErr).Msg("[Dispatcher] nack 发送失败")
		}
	}

	if dispatcher.deps.Checker != nil {
		isNew, _, err := dispatcher.deps.Checker.CheckAndSet(ctx, idempotency.ScopeUpstream, []string{message.From, message.MessageID}, dispatcher.dedupeTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("[Dispatcher] 幂等检查失败,继续处理")
		} else if !isNew {
			logger.Info().Msg("[Dispatcher] 重复的上行消息,跳过")
			return nil
		}
	}

	if err := dispatcher.deps.Data.HandleData(ctx, message); err != nil {
		logger.Error().Err(err).Msg("[Dispatcher] 数据消息处理失败")
		return err
	}
	return nil
}

// ==================== ack ====================

func (dispatcher *Dispatcher) handleAck(ctx context.Context, ack push.Ack) error {
	logger := dispatcher.logger.With().Str("message_id", ack.MessageID).Logger()
	dispatcher.handleCanonical(ctx, ack.From, ack.RegistrationID)

	if !ack.IsGroupAck() {
		dispatcher.recordStatus(ctx, ack.MessageID, status.StateAcked, "")
		return dispatcher.deps.Queue.Acknowledge(ctx, ack.MessageID)
	}

	if ack.FailureCount() == 0 {
		logger.Info().Msg("[Dispatcher] 设备组消息全部送达")
		dispatcher.recordStatus(ctx, ack.MessageID, status.StateAcked, "")
		return dispatcher.deps.Queue.Acknowledge(ctx, ack.MessageID)
	}

	payload, found, err := dispatcher.deps.Queue.FetchForRetry(ctx, ack.MessageID)
	if err != nil {
		return err
	}
	if !found {
		logger.Error().Msg("[Dispatcher] 设备组消息原文不存在,无法补发")
		return nil
	}

	logger.Info().Strs("failed", ack.FailedRegistrationIDs).Msg("[Dispatcher] 设备组部分失败,逐个补发")
	dispatcher.recordStatus(ctx, ack.MessageID, status.StateAcked, fmt.Sprintf("%d failed, resent individually", ack.FailureCount()))
	var firstErr error
	for _, token := range ack.FailedRegistrationIDs {
		if _, err := dispatcher.deps.Queue.ResendToRecipient(ctx, token, payload); err != nil {
			logger.Error().Err(err).Msg("[Dispatcher] 补发失败")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := dispatcher.deps.Queue.Purge(ctx, ack.MessageID, delivery.PurgeReasonGroupFanout); err != nil {
		logger.Warn().Err(err).Msg("[Dispatcher] 设备组消息清理失败")
	}
	return firstErr
}

// ==================== nack ====================

func (dispatcher *Dispatcher) handleNack(ctx context.Context, nack push.Nack) error {
	logger := dispatcher.logger.With().Str("message_id", nack.MessageID).Str("error", nack.Error).Logger()
	dispatcher.deps.Metrics.RecordNack(nack.Error)
	dispatcher.handleCanonical(ctx, nack.From, nack.RegistrationID)

	switch nack.Error {
	case push.ErrorBadRegistration, push.ErrorDeviceUnregistered:
		logger.Warn().Msg("[Dispatcher] 设备 token 已失效,移出设备组")
		dispatcher.removeDevice(ctx, logger, nack)
		dispatcher.recordStatus(ctx, nack.MessageID, status.StateFailed, nack.Error)
		return dispatcher.deps.Queue.Purge(ctx, nack.MessageID, delivery.PurgeReasonTerminal)
	case push.ErrorServiceUnavailable, push.ErrorInternalServerError:
		logger.Warn().Msg("[Dispatcher] 服务端暂时不可用,原样重发")
		err := dispatcher.deps.Queue.Resend(ctx, nack.MessageID)
		if errors.Is(err, delivery.ErrRetriesExhausted) {
			return nil
		}
		dispatcher.recordStatus(ctx, nack.MessageID, status.StateRetrying, nack.Error)
		return err
	case push.ErrorInvalidJSON:
		logger.Error().Str("description", nack.ErrorDescription).Msg("[Dispatcher] 下行消息格式错误")
		dispatcher.recordStatus(ctx, nack.MessageID, status.StateFailed, nack.Error)
		return dispatcher.deps.Queue.Purge(ctx, nack.MessageID, delivery.PurgeReasonTerminal)
	case push.ErrorDeviceMessageRateExceeded:
		logger.Error().Str("to", nack.From).Msg("[Dispatcher] 超出设备消息频率限制")
		dispatcher.recordStatus(ctx, nack.MessageID, status.StateFailed, nack.Error)
		return dispatcher.deps.Queue.Purge(ctx, nack.MessageID, delivery.PurgeReasonTerminal)
	default:
		logger.Error().Str("description", nack.ErrorDescription).Msg("[Dispatcher] 无法处理的 nack 错误码")
		return nil
	}
}

// removeDevice 尽力而为,失败只记录日志
func (dispatcher *Dispatcher) removeDevice(ctx context.Context, logger zerolog.Logger, nack push.Nack) {
	device, found, err := dispatcher.deps.Devices.ResolveDevice(ctx, nack.From)
	if err != nil {
		logger.Error().Err(err).Msg("[Dispatcher] 查询设备失败")
		return
	}
	if !found {
		logger.Warn().Msg("[Dispatcher] 设备未注册,无需移除")
		return
	}

	category := device.Category
	if payload, stored, err := dispatcher.deps.Queue.FetchForRetry(ctx, nack.MessageID); err == nil && stored {
		if packageName := restrictedPackageName(payload); packageName != "" {
			category = push.CategoryFromPackage(packageName)
		}
	}

	member := devicegroup.Member{Token: device.Token, NotificationKeyName: device.NotificationKeyName}
	if err := dispatcher.deps.Groups.RemoveDevice(ctx, category, member); err != nil {
		logger.Error().Err(err).Msg("[Dispatcher] 移出设备组失败")
		return
	}

	if err := dispatcher.deps.Devices.Remove(ctx, device.Token); err != nil {
		logger.Error().Err(err).Msg("[Dispatcher] 删除设备登记失败")
	}
}

// ==================== receipt / control ====================

func (dispatcher *Dispatcher) handleReceipt(ctx context.Context, receipt push.Receipt) error {
	if receipt.Data.MessageStatus != push.ReceiptMessageSentToDevice {
		dispatcher.logger.Info().Str("status", receipt.Data.MessageStatus).Str("message_id", receipt.MessageID).Msg("[Dispatcher] 忽略的回执状态")
		return nil
	}

	dispatcher.logger.Debug().Str("original_message_id", receipt.Data.OriginalMessageID).Msg("[Dispatcher] 消息已送达设备")
	dispatcher.recordStatus(ctx, receipt.Data.OriginalMessageID, status.StateDelivered, receipt.Data.DeviceRegistrationID)
	return dispatcher.reply(ctx, push.NewAck(receipt.From, receipt.MessageID))
}

func (dispatcher *Dispatcher) handleControl(control push.Control) {
	if control.ControlType != push.ControlConnectionDraining {
		dispatcher.logger.Warn().Str("control_type", control.ControlType).Msg("[Dispatcher] 未处理的控制消息")
		return
	}

	dispatcher.logger.Warn().Msg("[Dispatcher] 收到连接排空通知")
	dispatcher.deps.Connection.BeginDraining()
}

// ==================== 辅助方法 ====================

func (dispatcher *Dispatcher) handleCanonical(ctx context.Context, from, registrationID string) {
	if registrationID == "" || from == "" {
		return
	}

	if err := dispatcher.deps.Data.HandleCanonical(ctx, from, registrationID); err != nil {
		dispatcher.logger.Error().Err(err).Msg("[Dispatcher] canonical id 更新失败")
	}
}

// recordStatus 状态写入失败不影响投递流程
func (dispatcher *Dispatcher) recordStatus(ctx context.Context, messageID, state, detail string) {
	if dispatcher.deps.Statuses == nil || messageID == "" {
		return
	}
	if err := dispatcher.deps.Statuses.Record(ctx, messageID, state, detail); err != nil {
		dispatcher.logger.Warn().Err(err).Str("message_id", messageID).Msg("[Dispatcher] 投递状态记录失败")
	}
}

// reply ack/nack 直接写入活跃连接,不进入投递队列
func (dispatcher *Dispatcher) reply(ctx context.Context, reply push.Reply) error {
	frame, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return dispatcher.deps.Connection.Send(ctx, frame)
}

func restrictedPackageName(payload []byte) string {
	var stored struct {
		RestrictedPackageName string `json:"restricted_package_name"`
	}
	if err := json.Unmarshal(payload, &stored); err != nil {
		return ""
	}
	return stored.RestrictedPackageName
}

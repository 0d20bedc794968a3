package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 下行消息默认值
const (
	DefaultTimeToLive     = 86400
	DefaultDelayWhileIdle = false
	DefaultPriority       = "high"

	notificationSoundKey     = "sound"
	notificationSoundDefault = "default"
	dataActionKey            = "action"

	// devPackageExtension 开发包直接使用基础包名
	devPackageExtension = "devApp"
)

// Downstream 发往 CCS 的下行消息
// 持久化到 MESSAGE_QUEUE 的即为该结构的 JSON
type Downstream struct {
	To                       string            `json:"to"`
	MessageID                string            `json:"message_id"`
	CollapseKey              string            `json:"collapse_key,omitempty"`
	TimeToLive               int               `json:"time_to_live"`
	DelayWhileIdle           bool              `json:"delay_while_idle"`
	ContentAvailable         bool              `json:"content_available"`
	MutableContent           bool              `json:"mutable_content,omitempty"`
	Priority                 string            `json:"priority"`
	RestrictedPackageName    string            `json:"restricted_package_name,omitempty"`
	DeliveryReceiptRequested bool              `json:"delivery_receipt_requested"`
	DryRun                   bool              `json:"dry_run,omitempty"`
	Notification             map[string]string `json:"notification,omitempty"`
	Data                     json.RawMessage   `json:"data,omitempty"`
}

// Reply ack/nack 应答,不进入投递队列
type Reply struct {
	To          string      `json:"to"`
	MessageID   string      `json:"message_id"`
	MessageType MessageType `json:"message_type"`
}

// Notification 业务方提交的通知请求
type Notification struct {
	PackageNameExtension string            `json:"package_name_extension"`
	Priority             string            `json:"priority,omitempty"`
	CollapseKey          string            `json:"collapse_key,omitempty"`
	Notification         map[string]string `json:"notification,omitempty"`
	Data                 map[string]any    `json:"data,omitempty"`
	DryRun               bool              `json:"dry_run,omitempty"`
}

// OutboundMessage 投递队列独占的待确认消息
type OutboundMessage struct {
	ID         string
	Recipient  string
	Payload    []byte
	RetryCount int
	CreatedAt  time.Time
}

// NewMessageID 生成唯一消息 ID
func NewMessageID() string {
	return uuid.NewString()
}

// NewOutboundMessage 序列化下行消息并生成待投递记录
func NewOutboundMessage(message Downstream) (OutboundMessage, error) {
	if message.To == "" {
		return OutboundMessage{}, ErrNoRecipient
	}

	if message.MessageID == "" {
		message.MessageID = NewMessageID()
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("encode downstream message: %w", err)
	}

	return OutboundMessage{
		ID:        message.MessageID,
		Recipient: message.To,
		Payload:   payload,
		CreatedAt: time.Now(),
	}, nil
}

// NewNotificationMessage 构建业务通知下行消息
// notification 字段补默认提示音,content_available 仅在携带 data 时为 true
func NewNotificationMessage(appPackageName, to string, request Notification) (Downstream, error) {
	message := Downstream{
		To:                       to,
		MessageID:                NewMessageID(),
		CollapseKey:              request.CollapseKey,
		TimeToLive:               DefaultTimeToLive,
		DelayWhileIdle:           DefaultDelayWhileIdle,
		ContentAvailable:         len(request.Data) > 0,
		Priority:                 request.Priority,
		RestrictedPackageName:    appPackageName,
		DeliveryReceiptRequested: true,
		DryRun:                   request.DryRun,
	}

	if message.Priority == "" {
		message.Priority = DefaultPriority
	}

	if request.Notification != nil {
		notification := make(map[string]string, len(request.Notification)+1)
		for key, value := range request.Notification {
			notification[key] = value
		}
		notification[notificationSoundKey] = notificationSoundDefault
		message.Notification = notification
	}

	if len(request.Data) > 0 {
		data, err := json.Marshal(request.Data)
		if err != nil {
			return Downstream{}, fmt.Errorf("encode notification data: %w", err)
		}
		message.Data = data
	}

	return message, nil
}

// NewDataMessage 构建带 action 的数据消息,用于回复设备
func NewDataMessage(to, action string, payload map[string]any, collapseKey, packageName string) (Downstream, error) {
	message := Downstream{
		To:                       to,
		MessageID:                NewMessageID(),
		CollapseKey:              collapseKey,
		TimeToLive:               DefaultTimeToLive,
		DelayWhileIdle:           DefaultDelayWhileIdle,
		ContentAvailable:         payload != nil,
		MutableContent:           true,
		Priority:                 DefaultPriority,
		RestrictedPackageName:    packageName,
		DeliveryReceiptRequested: true,
	}

	if payload != nil {
		body := make(map[string]any, len(payload)+1)
		for key, value := range payload {
			body[key] = value
		}
		body[dataActionKey] = action

		data, err := json.Marshal(body)
		if err != nil {
			return Downstream{}, fmt.Errorf("encode data message: %w", err)
		}
		message.Data = data
	}

	return message, nil
}

// Retarget 将已持久化的下行消息改投给新的接收方
// 生成新的 message_id,使其拥有独立的重试计数
func Retarget(payload []byte, recipient string) (Downstream, error) {
	var message Downstream
	if err := json.Unmarshal(payload, &message); err != nil {
		return Downstream{}, WrapError(ErrProtocol, "decode stored message", err)
	}

	message.To = recipient
	message.MessageID = NewMessageID()

	return message, nil
}

// NewAck 构建 ack 应答
func NewAck(to, messageID string) Reply {
	return Reply{To: to, MessageID: messageID, MessageType: TypeAck}
}

// NewNack 构建 nack 应答
func NewNack(to, messageID string) Reply {
	return Reply{To: to, MessageID: messageID, MessageType: TypeNack}
}

// AppPackageName 由基础包名和扩展名拼出完整包名
func AppPackageName(base, extension string) string {
	if extension == "" || extension == devPackageExtension {
		return base
	}
	return base + "." + extension
}

// CategoryFromPackage 取包名最后一段作为分组类别
func CategoryFromPackage(packageName string) string {
	return packageName[strings.LastIndex(packageName, ".")+1:]
}

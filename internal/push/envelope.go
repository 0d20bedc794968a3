package push

import (
	"encoding/json"
	"strings"
)

// MessageType CCS 帧类型,数据消息不带该字段
type MessageType string

const (
	TypeData    MessageType = ""
	TypeAck     MessageType = "ack"
	TypeNack    MessageType = "nack"
	TypeReceipt MessageType = "receipt"
	TypeControl MessageType = "control"
)

// nack 错误码
const (
	ErrorBadRegistration           = "BAD_REGISTRATION"
	ErrorDeviceUnregistered        = "DEVICE_UNREGISTERED"
	ErrorInvalidJSON               = "INVALID_JSON"
	ErrorDeviceMessageRateExceeded = "DEVICE_MESSAGE_RATE_EXCEEDED"
	ErrorServiceUnavailable        = "SERVICE_UNAVAILABLE"
	ErrorInternalServerError       = "INTERNAL_SERVER_ERROR"
)

const (
	ReceiptMessageSentToDevice = "MESSAGE_SENT_TO_DEVICE"
	ControlConnectionDraining  = "CONNECTION_DRAINING"
)

// Frame 已解码的上行帧
type Frame interface {
	Type() MessageType
	ID() string
}

// DataMessage 设备上行的业务数据
type DataMessage struct {
	From           string          `json:"from"`
	Category       string          `json:"category"`
	MessageID      string          `json:"message_id"`
	RegistrationID string          `json:"registration_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Ack 普通 ack 或设备组发送的 ack
type Ack struct {
	From                  string   `json:"from"`
	MessageID             string   `json:"message_id"`
	RegistrationID        string   `json:"registration_id,omitempty"`
	Success               *int     `json:"success,omitempty"`
	Failure               *int     `json:"failure,omitempty"`
	FailedRegistrationIDs []string `json:"failed_registration_ids,omitempty"`
}

// IsGroupAck 同时带 success/failure 计数的是设备组发送结果
func (ack Ack) IsGroupAck() bool {
	return ack.Success != nil && ack.Failure != nil
}

// FailureCount 设备组发送失败数
func (ack Ack) FailureCount() int {
	if ack.Failure == nil {
		return 0
	}
	return *ack.Failure
}

// Nack 否定应答
type Nack struct {
	From             string `json:"from"`
	MessageID        string `json:"message_id"`
	RegistrationID   string `json:"registration_id,omitempty"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ReceiptData 送达回执内容
type ReceiptData struct {
	MessageStatus        string `json:"message_status"`
	OriginalMessageID    string `json:"original_message_id"`
	DeviceRegistrationID string `json:"device_registration_id"`
}

// Receipt 送达回执
type Receipt struct {
	From      string      `json:"from"`
	Category  string      `json:"category,omitempty"`
	MessageID string      `json:"message_id"`
	Data      ReceiptData `json:"data"`
}

// Control 连接控制帧
type Control struct {
	From        string `json:"from,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	ControlType string `json:"control_type"`
}

// Unknown 无法识别的 message_type,由调用方记录后丢弃
type Unknown struct {
	MessageType MessageType
	MessageID   string
}

func (message DataMessage) Type() MessageType { return TypeData }
func (message DataMessage) ID() string        { return message.MessageID }
func (ack Ack) Type() MessageType             { return TypeAck }
func (ack Ack) ID() string                    { return ack.MessageID }
func (nack Nack) Type() MessageType           { return TypeNack }
func (nack Nack) ID() string                  { return nack.MessageID }
func (receipt Receipt) Type() MessageType     { return TypeReceipt }
func (receipt Receipt) ID() string            { return receipt.MessageID }
func (control Control) Type() MessageType     { return TypeControl }
func (control Control) ID() string            { return control.MessageID }
func (unknown Unknown) Type() MessageType     { return unknown.MessageType }
func (unknown Unknown) ID() string            { return unknown.MessageID }

// header 用于先行读取判别字段
type header struct {
	MessageType MessageType `json:"message_type"`
	MessageID   string      `json:"message_id"`
}

// Decode 按 message_type 将原始帧解码为具体类型
func Decode(raw []byte) (Frame, error) {
	var head header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, WrapError(ErrProtocol, "decode frame header", err)
	}

	switch MessageType(strings.ToLower(string(head.MessageType))) {
	case TypeData:
		return decodeAs[DataMessage](raw)
	case TypeAck:
		return decodeAs[Ack](raw)
	case TypeNack:
		return decodeAs[Nack](raw)
	case TypeReceipt:
		return decodeAs[Receipt](raw)
	case TypeControl:
		return decodeAs[Control](raw)
	default:
		return Unknown{MessageType: head.MessageType, MessageID: head.MessageID}, nil
	}
}

func decodeAs[T Frame](raw []byte) (Frame, error) {
	var frame T
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, WrapError(ErrProtocol, "decode frame body", err)
	}
	return frame, nil
}

// Package connection 管理到 CCS 的主备连接
// 所有连接状态由单个协程持有,外部触发以命令形式投递给该协程
package connection

import "context"

// Role 连接角色
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// State 单个连接的状态
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Channel 已认证的双工消息通道
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Connected() bool
	Close() error
}

// Events 通道向管理器回报的事件
// HandleClosed 的 channel 参数用于识别过期的关闭事件
type Events interface {
	HandleFrame(frame []byte)
	HandleClosed(channel Channel, err error)
}

// Dialer 建立连接并完成认证
// 传输失败返回 push.ErrTransport,认证失败返回 push.ErrAuth
type Dialer interface {
	Dial(ctx context.Context, role Role, events Events) (Channel, error)
}

// FrameSink 上行帧的消费方
type FrameSink interface {
	HandleFrame(frame []byte)
}

// FrameSinkFunc 函数适配器
type FrameSinkFunc func(frame []byte)

func (fn FrameSinkFunc) HandleFrame(frame []byte) { fn(frame) }

// ChannelStatus 单个连接的快照
type ChannelStatus struct {
	Role     Role  `json:"role"`
	State    State `json:"state"`
	Draining bool  `json:"draining"`
}

// Status 管理器状态快照
type Status struct {
	Primary         ChannelStatus `json:"primary"`
	Secondary       ChannelStatus `json:"secondary"`
	Active          Role          `json:"active,omitempty"`
	DrainInProgress bool          `json:"drain_in_progress"`
}

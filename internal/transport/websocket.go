// Package transport 基于 websocket 的 CCS 通道
// 建连后先完成一次登录交换,成功后才启动读循环
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ccs-gateway/internal/connection"
	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/push"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ==================== 常量定义 ====================

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGracePeriod        = time.Second

	headerAuthorization = "Authorization"
	headerProjectID     = "project_id"

	frameTypeAuth = "auth"
	authSuccess   = "success"
)

// Config 通道参数
type Config struct {
	Endpoint         string
	LoginUser        string
	SenderID         string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// authRequest 登录帧
type authRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse 登录结果
type authResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ==================== 拨号 ====================

// Dialer 实现 connection.Dialer
type Dialer struct {
	config Config
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewDialer 创建 websocket 拨号器
func NewDialer(config Config) *Dialer {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	return &Dialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logging.Component("Transport"),
	}
}

// Dial 建立连接并完成登录
func (dialer *Dialer) Dial(ctx context.Context, role connection.Role, events connection.Events) (connection.Channel, error) {
	headers := http.Header{}
	headers.Set(headerAuthorization, "key="+dialer.config.APIKey)
	headers.Set(headerProjectID, dialer.config.SenderID)

	conn, response, err := dialer.dialer.DialContext(ctx, dialer.config.Endpoint, headers)
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, push.WrapError(push.ErrAuth, "handshake rejected", err)
		}
		return nil, push.WrapError(push.ErrTransport, "dial "+dialer.config.Endpoint, err)
	}

	channel := &wsChannel{
		role:         role,
		conn:         conn,
		events:       events,
		writeTimeout: dialer.config.WriteTimeout,
		logger:       dialer.logger.With().Str("role", string(role)).Logger(),
	}

	if err := channel.authenticate(ctx, dialer.config); err != nil {
		_ = conn.Close()
		return nil, err
	}

	channel.connected.Store(true)
	go channel.readLoop()

	channel.logger.Info().Msg("[Transport] 登录成功")
	return channel, nil
}

// ==================== 通道 ====================

type wsChannel struct {
	role         connection.Role
	conn         *websocket.Conn
	events       connection.Events
	writeTimeout time.Duration
	logger       zerolog.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
}

// authenticate 同步完成一次登录请求与应答
func (channel *wsChannel) authenticate(ctx context.Context, config Config) error {
	deadline := time.Now().Add(config.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	request, err := json.Marshal(authRequest{
		Type:     frameTypeAuth,
		Username: config.LoginUser,
		Password: config.APIKey,
	})
	if err != nil {
		return push.WrapError(push.ErrAuth, "encode login", err)
	}

	_ = channel.conn.SetWriteDeadline(deadline)
	if err := channel.conn.WriteMessage(websocket.TextMessage, request); err != nil {
		return push.WrapError(push.ErrTransport, "send login", err)
	}

	_ = channel.conn.SetReadDeadline(deadline)
	_, raw, err := channel.conn.ReadMessage()
	if err != nil {
		return push.WrapError(push.ErrTransport, "read login reply", err)
	}
	_ = channel.conn.SetReadDeadline(time.Time{})

	var response authResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return push.WrapError(push.ErrAuth, "decode login reply", err)
	}

	if response.Type != frameTypeAuth || response.Status != authSuccess {
		return push.WrapError(push.ErrAuth, "login rejected: "+response.Reason, nil)
	}
	return nil
}

// Send 写入一帧文本消息,写操作串行化
func (channel *wsChannel) Send(ctx context.Context, frame []byte) error {
	if !channel.connected.Load() {
		return push.WrapError(push.ErrTransport, "channel closed", nil)
	}

	deadline := time.Now().Add(channel.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	channel.writeMu.Lock()
	defer channel.writeMu.Unlock()

	_ = channel.conn.SetWriteDeadline(deadline)
	if err := channel.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return push.WrapError(push.ErrTransport, "write frame", err)
	}
	return nil
}

func (channel *wsChannel) Connected() bool {
	return channel.connected.Load()
}

// Close 发送关闭帧后断开
func (channel *wsChannel) Close() error {
	var err error
	channel.closeOnce.Do(func() {
		channel.connected.Store(false)

		channel.writeMu.Lock()
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = channel.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		channel.writeMu.Unlock()

		if closeErr := channel.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	})
	return err
}

// readLoop 读取上行帧直到连接断开
func (channel *wsChannel) readLoop() {
	for {
		messageType, frame, err := channel.conn.ReadMessage()
		if err != nil {
			wasConnected := channel.connected.Swap(false)
			_ = channel.conn.Close()

			if wasConnected && !isNormalClose(err) {
				channel.logger.Warn().Err(err).Msg("[Transport] 连接中断")
			}
			channel.events.HandleClosed(channel, err)
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		channel.events.HandleFrame(frame)
	}
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}

package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/metrics"
	"ccs-gateway/internal/push"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ==================== 常量定义 ====================

const (
	DefaultConnectAttempts = 3
	DefaultDrainAttempts   = 10
	DefaultHealthInterval  = 30 * time.Second
)

// Options 管理器参数
type Options struct {
	ConnectAttempts int
	DrainAttempts   int
	HealthInterval  time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

// slot 某个角色上的连接
type slot struct {
	role     Role
	channel  Channel
	state    State
	draining bool
}

func (s *slot) connected() bool {
	return s.state == StateConnected && s.channel != nil
}

func (s *slot) reset() Channel {
	channel := s.channel
	s.channel = nil
	s.state = StateDisconnected
	s.draining = false
	return channel
}

func (s *slot) snapshot() ChannelStatus {
	return ChannelStatus{Role: s.role, State: s.state, Draining: s.draining}
}

// managerState 只在 loop 协程内读写
type managerState struct {
	primary         slot
	secondary       slot
	drainInProgress bool
}

func (state *managerState) slot(role Role) *slot {
	if role == RoleSecondary {
		return &state.secondary
	}
	return &state.primary
}

// Manager 主备连接管理器
type Manager struct {
	dialer  Dialer
	options Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	sinkMu sync.RWMutex
	sink   FrameSink

	commands chan func(*managerState)
	done     chan struct{}
	state    managerState

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// spawnMu 保证 Shutdown 进入 wg.Wait 之后不再有 wg.Add
	spawnMu  sync.Mutex
	stopping bool
}

// NewManager 创建管理器并启动状态协程
func NewManager(dialer Dialer, options Options) *Manager {
	if options.ConnectAttempts <= 0 {
		options.ConnectAttempts = DefaultConnectAttempts
	}
	if options.DrainAttempts <= 0 {
		options.DrainAttempts = DefaultDrainAttempts
	}
	if options.HealthInterval <= 0 {
		options.HealthInterval = DefaultHealthInterval
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	manager := &Manager{
		dialer:   dialer,
		options:  options,
		metrics:  options.Metrics,
		logger:   logging.Component("ConnectionManager"),
		commands: make(chan func(*managerState)),
		done:     make(chan struct{}),
		state: managerState{
			primary:   slot{role: RolePrimary, state: StateDisconnected},
			secondary: slot{role: RoleSecondary, state: StateDisconnected},
		},
		lifetime: lifetime,
		cancel:   cancel,
	}

	go manager.loop()
	return manager
}

// SetFrameSink 设置上行帧消费方,需在 Start 之前调用
func (manager *Manager) SetFrameSink(sink FrameSink) {
	manager.sinkMu.Lock()
	defer manager.sinkMu.Unlock()
	manager.sink = sink
}

// ==================== 生命周期 ====================

// Start 建立主连接并启动健康检查
// 主连接在限定次数内无法建立时返回错误,由调用方决定是否退出进程
func (manager *Manager) Start(ctx context.Context) error {
	if err := manager.connectWithRetry(ctx, RolePrimary, manager.options.ConnectAttempts); err != nil {
		return err
	}

	ticker := manager.options.Clock.Ticker(manager.options.HealthInterval)
	if !manager.spawn(func() { manager.healthLoop(ticker) }) {
		ticker.Stop()
		return push.WrapError(push.ErrTransport, "connection manager stopped", nil)
	}

	manager.logger.Info().Dur("interval", manager.options.HealthInterval).Msg("[ConnectionManager] 主连接已建立,健康检查已启动")
	return nil
}

// Shutdown 断开所有连接,尽力而为
func (manager *Manager) Shutdown() {
	manager.stopOnce.Do(func() {
		manager.spawnMu.Lock()
		manager.stopping = true
		manager.cancel()
		manager.spawnMu.Unlock()
		manager.wg.Wait()

		var channels []Channel
		manager.do(func(state *managerState) {
			for _, s := range []*slot{&state.primary, &state.secondary} {
				if channel := s.reset(); channel != nil {
					channels = append(channels, channel)
				}
			}
		})
		close(manager.done)

		for _, channel := range channels {
			if err := channel.Close(); err != nil {
				manager.logger.Warn().Err(err).Msg("[ConnectionManager] 关闭连接失败")
			}
		}

		manager.metrics.SetConnected(string(RolePrimary), false)
		manager.metrics.SetConnected(string(RoleSecondary), false)
		manager.logger.Info().Msg("[ConnectionManager] 已关闭")
	})
}

// ==================== 连接 ====================

// Connect 建立指定角色的连接,已连接或正在连接时直接返回
func (manager *Manager) Connect(ctx context.Context, role Role) error {
	return manager.connect(ctx, role, false)
}

func (manager *Manager) connectWithRetry(ctx context.Context, role Role, attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = manager.Connect(ctx, role)
		if lastErr == nil {
			return nil
		}

		manager.logger.Warn().Err(lastErr).Str("role", string(role)).Int("attempt", attempt).Msg("[ConnectionManager] 连接失败")

		if errors.Is(lastErr, push.ErrAuth) || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

// connect 标记 connecting 后在调用方协程中拨号,结果再交回状态协程
// drain 为 true 时,备用连接建立成功即把主连接标记为 draining
func (manager *Manager) connect(ctx context.Context, role Role, drain bool) error {
	var proceed bool
	ok := manager.do(func(state *managerState) {
		target := state.slot(role)
		if target.state != StateDisconnected {
			if drain && target.connected() && state.primary.connected() {
				state.primary.draining = true
			}
			return
		}
		target.state = StateConnecting
		proceed = true
	})
	if !ok {
		return push.WrapError(push.ErrTransport, "connection manager stopped", nil)
	}
	if !proceed {
		return nil
	}

	channel, err := manager.dialer.Dial(ctx, role, manager)

	var result error
	ok = manager.do(func(state *managerState) {
		result = manager.finishConnect(state, role, channel, err, drain)
	})
	if !ok {
		if channel != nil {
			_ = channel.Close()
		}
		return push.WrapError(push.ErrTransport, "connection manager stopped", nil)
	}
	return result
}

// finishConnect 在状态协程中登记拨号结果
func (manager *Manager) finishConnect(state *managerState, role Role, channel Channel, err error, drain bool) error {
	target := state.slot(role)

	if err == nil && (channel == nil || !channel.Connected()) {
		err = push.WrapError(push.ErrTransport, "channel closed during handshake", nil)
	}

	if err != nil {
		target.reset()
		manager.metrics.SetConnected(string(role), false)
		return err
	}

	target.channel = channel
	target.state = StateConnected
	manager.metrics.SetConnected(string(role), true)
	manager.logger.Info().Str("role", string(role)).Msg("[ConnectionManager] 连接已建立")

	switch {
	case role == RoleSecondary && drain && state.primary.connected():
		state.primary.draining = true
		manager.logger.Info().Msg("[ConnectionManager] 备用连接就绪,主连接进入 draining")
	case role == RolePrimary && state.secondary.connected() && !state.primary.draining:
		manager.closeRedundant(state)
	}

	return nil
}

// closeRedundant 主连接健康时关闭多余的备用连接
func (manager *Manager) closeRedundant(state *managerState) {
	channel := state.secondary.reset()
	manager.metrics.SetConnected(string(RoleSecondary), false)
	manager.logger.Info().Msg("[ConnectionManager] 主连接健康,关闭多余的备用连接")

	go func() {
		if err := channel.Close(); err != nil {
			manager.logger.Warn().Err(err).Msg("[ConnectionManager] 关闭备用连接失败")
		}
	}()
}

// ==================== 事件 ====================

// HandleFrame 转发上行帧
func (manager *Manager) HandleFrame(frame []byte) {
	manager.sinkMu.RLock()
	sink := manager.sink
	manager.sinkMu.RUnlock()

	if sink == nil {
		manager.logger.Warn().Msg("[ConnectionManager] 未设置帧处理器,丢弃上行帧")
		return
	}
	sink.HandleFrame(frame)
}

// HandleClosed 连接关闭,主连接关闭时清除 draining
// 不属于当前任何角色的通道视为过期事件
func (manager *Manager) HandleClosed(channel Channel, err error) {
	manager.do(func(state *managerState) {
		for _, s := range []*slot{&state.primary, &state.secondary} {
			if s.channel == nil || s.channel != channel {
				continue
			}

			wasDraining := s.draining
			s.reset()
			manager.metrics.SetConnected(string(s.role), false)
			manager.logger.Warn().Err(err).Str("role", string(s.role)).Bool("was_draining", wasDraining).Msg("[ConnectionManager] 连接已关闭")
			return
		}

		manager.logger.Debug().Msg("[ConnectionManager] 忽略过期连接的关闭事件")
	})
}

// ==================== 健康检查 ====================

func (manager *Manager) healthLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-manager.lifetime.Done():
			return
		case <-ticker.C:
			manager.CheckHealth()
		}
	}
}

// CheckHealth 按主备状态决定是否重连,拨号在独立协程中进行
func (manager *Manager) CheckHealth() {
	var reconnect bool
	manager.do(func(state *managerState) {
		primary, secondary := &state.primary, &state.secondary

		switch {
		case primary.draining && !primary.connected():
			manager.logger.Error().
				Str("primary", string(primary.state)).
				Str("secondary", string(secondary.state)).
				Msg("[ConnectionManager] 状态不一致: 未连接的主连接处于 draining")
		case primary.connected():
		case primary.state == StateConnecting:
			manager.logger.Debug().Msg("[ConnectionManager] 主连接正在建立")
		case secondary.connected():
			manager.logger.Info().Msg("[ConnectionManager] 主连接断开,备用连接接管并重建主连接")
			reconnect = true
		default:
			manager.logger.Warn().Msg("[ConnectionManager] 无可用连接,重建主连接")
			reconnect = true
		}
	})

	if !reconnect {
		return
	}

	manager.spawn(func() {
		if err := manager.Connect(manager.lifetime, RolePrimary); err != nil {
			manager.logger.Error().Err(err).Msg("[ConnectionManager] 重建主连接失败,等待下次健康检查")
		}
	})
}

// ==================== draining ====================

// BeginDraining 收到 draining 指令后建立备用连接,不阻塞调用方
func (manager *Manager) BeginDraining() {
	var proceed bool
	manager.do(func(state *managerState) {
		if state.drainInProgress || state.primary.draining {
			return
		}
		state.drainInProgress = true
		proceed = true
	})

	if !proceed {
		manager.logger.Info().Msg("[ConnectionManager] draining 已在进行中")
		return
	}

	if !manager.spawn(func() { manager.drain(manager.lifetime) }) {
		manager.do(func(state *managerState) { state.drainInProgress = false })
	}
}

// spawn 在管理器的生命周期内启动后台协程,Shutdown 之后返回 false
func (manager *Manager) spawn(fn func()) bool {
	manager.spawnMu.Lock()
	defer manager.spawnMu.Unlock()

	if manager.stopping {
		return false
	}

	manager.wg.Add(1)
	go func() {
		defer manager.wg.Done()
		fn()
	}()
	return true
}

func (manager *Manager) drain(ctx context.Context) {
	defer manager.do(func(state *managerState) { state.drainInProgress = false })

	for attempt := 1; attempt <= manager.options.DrainAttempts; attempt++ {
		err := manager.connect(ctx, RoleSecondary, true)
		if err == nil {
			manager.metrics.RecordDraining(true)
			return
		}

		manager.logger.Warn().Err(err).Int("attempt", attempt).Msg("[ConnectionManager] 备用连接失败")

		if errors.Is(err, push.ErrAuth) || ctx.Err() != nil {
			break
		}
	}

	manager.metrics.RecordDraining(false)
	manager.logger.Error().Msg("[ConnectionManager] 备用连接无法建立,放弃 draining,继续使用主连接")
}

// ==================== 发送 ====================

// ActiveChannel 返回当前应使用的连接
// 主连接 draining 时使用备用连接;主连接健康时关闭多余的备用连接
func (manager *Manager) ActiveChannel() (Channel, Role, error) {
	var (
		channel Channel
		role    Role
	)

	ok := manager.do(func(state *managerState) {
		primary, secondary := &state.primary, &state.secondary

		switch {
		case primary.draining && secondary.connected():
			channel, role = secondary.channel, RoleSecondary
		case primary.connected():
			if secondary.connected() && !primary.draining {
				manager.closeRedundant(state)
			}
			channel, role = primary.channel, RolePrimary
		case secondary.connected():
			channel, role = secondary.channel, RoleSecondary
		}
	})

	if !ok || channel == nil {
		return nil, "", push.ErrNoActiveChannel
	}
	return channel, role, nil
}

// Send 通过活跃连接发送一帧
func (manager *Manager) Send(ctx context.Context, frame []byte) error {
	channel, role, err := manager.ActiveChannel()
	if err != nil {
		return err
	}

	if err := channel.Send(ctx, frame); err != nil {
		if errors.Is(err, push.ErrTransport) {
			return err
		}
		return push.WrapError(push.ErrTransport, "send on "+string(role), err)
	}
	return nil
}

// Status 当前状态快照
func (manager *Manager) Status() Status {
	var status Status
	manager.do(func(state *managerState) {
		status = Status{
			Primary:         state.primary.snapshot(),
			Secondary:       state.secondary.snapshot(),
			DrainInProgress: state.drainInProgress,
		}

		switch {
		case state.primary.draining && state.secondary.connected():
			status.Active = RoleSecondary
		case state.primary.connected():
			status.Active = RolePrimary
		case state.secondary.connected():
			status.Active = RoleSecondary
		}
	})
	return status
}

// ==================== 状态协程 ====================

func (manager *Manager) loop() {
	for {
		select {
		case command := <-manager.commands:
			command(&manager.state)
		case <-manager.done:
			return
		}
	}
}

// do 把命令交给状态协程执行并等待完成,管理器已关闭时返回 false
func (manager *Manager) do(command func(*managerState)) bool {
	finished := make(chan struct{})
	wrapped := func(state *managerState) {
		defer close(finished)
		command(state)
	}

	select {
	case manager.commands <- wrapped:
	case <-manager.done:
		return false
	}

	<-finished
	return true
}

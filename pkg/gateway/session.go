package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/bridge"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 协议违规原因（同时作为指标标签）
const (
	violationNotHello        = "not-hello"
	violationMalformedHello  = "malformed-hello"
	violationMissingIdentity = "missing-identity"
	violationInvalidState    = "invalid-state"
	violationInvalidPath     = "invalid-path"
)

// SessionInfo 会话快照
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id"`
	State        string    `json:"state"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Listening    bool      `json:"listening"`
}

// Session 一个设备连接的服务端状态，独占该连接
type Session struct {
	id             string
	server         *Server
	conn           *websocket.Conn
	writer         *message.Writer
	headerDeviceID string
	remoteAddr     string
	logger         *zap.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	createdAt      time.Time

	mu           sync.Mutex
	deviceID     string
	state        State
	exchange     *bridge.Exchange
	lastActivity time.Time
	connected    bool
	closed       bool
	ttsCancel    context.CancelFunc
	tenancies    map[string]*tenancy

	// hookMu 保证同一会话的上线/下线通知有序
	hookMu sync.Mutex
	// speakMu 同一会话的播报串行
	speakMu sync.Mutex
}

func newSession(parent context.Context, server *Server, conn *websocket.Conn, headerDeviceID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	now := time.Now()
	s := &Session{
		id:             id,
		server:         server,
		conn:           conn,
		headerDeviceID: headerDeviceID,
		logger:         server.logger.With(zap.String("session_id", id)),
		ctx:            ctx,
		cancel:         cancel,
		createdAt:      now,
		state:          StateAwaitingHello,
		lastActivity:   now,
	}
	if conn != nil {
		s.remoteAddr = conn.RemoteAddr().String()
		s.writer = message.NewWriter(conn, s.logger, message.WriterOptions{
			PingInterval: server.config.PingInterval,
			WriteTimeout: server.config.WriteTimeout,
		})
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		SessionID:    s.id,
		DeviceID:     s.deviceID,
		State:        s.state.String(),
		RemoteAddr:   s.remoteAddr,
		ConnectedAt:  s.createdAt,
		LastActivity: s.lastActivity,
		Listening:    s.exchange != nil,
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = state
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) holdTenancy(deviceID string, t *tenancy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenancies == nil {
		s.tenancies = make(map[string]*tenancy)
	}
	s.tenancies[deviceID] = t
}

func (s *Session) dropTenancy(deviceID string) *tenancy {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenancies[deviceID]
	delete(s.tenancies, deviceID)
	return t
}

func (s *Session) dropTenancies() map[string]*tenancy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tenancies
	s.tenancies = nil
	return out
}

func (s *Session) currentExchange() *bridge.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchange
}

// serve 读循环，帧按到达顺序逐个处理
func (s *Session) serve() {
	defer s.closeWith(0, "connection closed")

	s.conn.SetReadLimit(s.server.config.MaxMessageBytes)
	pongWait := s.pongWait()
	if pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			s.touch()
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Info("连接异常断开", zap.String("device_id", s.DeviceID()), zap.Error(err))
			}
			return
		}
		if pongWait > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		s.touch()
		if !s.handleFrame(mt, data) {
			return
		}
	}
}

func (s *Session) pongWait() time.Duration {
	if s.server.config.PingInterval <= 0 {
		return 0
	}
	return s.server.config.PingInterval*2 + s.server.config.WriteTimeout
}

// handleFrame 返回 false 表示会话应结束
func (s *Session) handleFrame(mt int, data []byte) bool {
	state := s.State()
	if state == StateClosing {
		return false
	}
	if state == StateAwaitingHello {
		return s.handleHandshake(mt, data)
	}
	if mt == websocket.BinaryMessage {
		return s.handleAudio(data)
	}
	if mt != websocket.TextMessage {
		return true
	}

	in, err := message.Decode(data)
	if err != nil {
		s.sendError(errhandler.CodeInvalidMessage, err.Error(), "")
		return true
	}

	switch {
	case in.Type == message.TypeHello:
		s.send(message.NewHelloAck(s.server.config.AudioParams))
	case in.Type == message.TypeAuth:
		s.handleAuth(in)
	case in.Type == message.TypePing:
		s.send(message.NewPong())
	case in.Type.IsControl():
		if state != StateActive {
			s.violate(violationInvalidState, string(in.Type)+" before auth")
			return false
		}
		s.handleControl(in)
	default:
		s.handleUnknown(in, state)
	}
	return true
}

// handleHandshake 首帧必须是合法的 hello
func (s *Session) handleHandshake(mt int, data []byte) bool {
	if mt != websocket.TextMessage {
		s.violate(violationNotHello, "first frame must be a hello message")
		return false
	}
	in, err := message.Decode(data)
	if err != nil {
		s.violate(violationMalformedHello, "malformed hello")
		return false
	}
	if in.Type != message.TypeHello {
		s.violate(violationNotHello, "first frame must be a hello message")
		return false
	}

	deviceID := s.headerDeviceID
	if deviceID == "" {
		deviceID = in.DeviceID
	}
	if deviceID == "" {
		s.violate(violationMissingIdentity, "missing device identity")
		return false
	}

	s.server.registry.Register(deviceID, s)

	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.server.registry.Unregister(deviceID, s)
		return false
	}
	s.deviceID = deviceID
	s.connected = true
	s.mu.Unlock()

	if s.server.config.ImplicitAuth {
		s.setState(StateActive)
	} else {
		s.setState(StateAuthenticated)
	}
	s.sendSync(message.NewHelloAck(s.server.config.AudioParams))

	fields := []zap.Field{zap.String("device_id", deviceID), zap.String("remote_addr", s.remoteAddr)}
	if in.AudioParams != nil {
		fields = append(fields, zap.Int("sample_rate", in.AudioParams.SampleRate), zap.String("format", in.AudioParams.Format))
	}
	s.logger.Info("设备握手成功", fields...)

	s.server.notifyConnected(deviceID)
	return true
}

// handleAuth 处理 auth，新的设备 ID 取代当前 ID
func (s *Session) handleAuth(in *message.Inbound) {
	current := s.DeviceID()
	next := in.DeviceID
	if next == "" {
		next = current
	}
	if next == "" {
		s.send(message.NewAuthAck(false, "missing device-id"))
		return
	}

	if next != current {
		s.server.registry.leave(current, s)
		s.server.registry.Register(next, s)

		s.hookMu.Lock()
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.hookMu.Unlock()
			s.server.registry.Unregister(next, s)
			return
		}
		s.deviceID = next
		s.mu.Unlock()

		s.logger.Info("设备ID已更新", zap.String("from", current), zap.String("to", next))
		s.server.notifyDisconnected(current)
		s.server.registry.Unregister(current, s)
		s.server.notifyConnected(next)
		s.hookMu.Unlock()
	}

	s.setState(StateActive)
	s.send(message.NewAuthAck(true, ""))
}

// handleControl 只更新音频交换上下文
func (s *Session) handleControl(in *message.Inbound) {
	switch in.Type {
	case message.TypeStartListen:
		if ex := s.currentExchange(); ex != nil {
			s.sendError(errhandler.CodeTurnActive, "a listening turn is already active", ex.ID())
			return
		}
		// 打开失败时错误已下发，不再回复 ok
		if ex := s.openExchange(); ex != nil {
			s.send(message.NewAck(message.TypeStartListen, message.StatusOK, ex.ID()))
		}

	case message.TypeWakewordDetected:
		// 只确认，回合由随后的 start_listen 或首个音频帧打开
		s.logger.Debug("唤醒词", zap.String("text", in.Text))
		s.send(message.NewAck(message.TypeWakewordDetected, message.StatusOK, turnID(s.currentExchange())))

	case message.TypeStopListen:
		ex := s.currentExchange()
		if ex == nil {
			s.send(message.NewAck(message.TypeStopListen, message.StatusIdle, ""))
			return
		}
		s.send(message.NewAck(message.TypeStopListen, message.StatusOK, ex.ID()))
		ex.Finish()

	case message.TypeAbort:
		s.cancelSpeech()
		ex := s.currentExchange()
		if ex != nil {
			ex.Abort("aborted by device")
		}
		s.send(message.NewAck(message.TypeAbort, message.StatusOK, turnID(ex)))

	case message.TypeText:
		if in.Text == "" {
			s.sendError(errhandler.CodeInvalidMessage, "text command requires a text field", "")
			return
		}
		if ex := s.currentExchange(); ex != nil {
			s.sendError(errhandler.CodeTurnActive, "a turn is already active", ex.ID())
			return
		}
		s.attachExchange(bridge.StartText(s.ctx, s.exchangeOptions(), in.Text))
	}
}

// handleAudio 二进制帧只在 Active 状态有效
func (s *Session) handleAudio(data []byte) bool {
	if s.State() != StateActive {
		s.violate(violationInvalidState, "audio before auth")
		return false
	}
	audioBytes.Add(float64(len(data)))

	ex := s.currentExchange()
	if ex == nil {
		ex = s.openExchange()
		if ex == nil {
			return true
		}
	}
	if err := ex.Append(data); err != nil && errors.Is(err, bridge.ErrTurnClosed) {
		s.logger.Debug("回合已结束，丢弃音频帧", zap.String("turn_id", ex.ID()), zap.Int("bytes", len(data)))
	}
	return true
}

// handleUnknown 代理模式下转发未知消息，否则回复错误
func (s *Session) handleUnknown(in *message.Inbound, state State) {
	backend := s.server.backend
	if state != StateActive || backend.Mode() != bridge.ModeProxy {
		s.sendError(errhandler.CodeInvalidMessage, "unsupported message type: "+string(in.Type), "")
		return
	}

	reply, err := backend.Forward(s.ctx, s.DeviceID(), in.Raw)
	if err != nil {
		classified := s.server.errs.HandleError(err, string(backend.Mode()))
		s.sendError(classified.Code, classified.Message, "")
		return
	}
	if reply != nil {
		s.send(reply)
	}
}

func (s *Session) exchangeOptions() bridge.Options {
	return bridge.Options{
		Backend:       s.server.backend,
		DeviceID:      s.DeviceID(),
		Errors:        s.server.errs,
		Logger:        s.logger,
		FinishTimeout: s.server.config.FinishTimeout,
		OnOutcome:     s.onOutcome,
	}
}

func (s *Session) openExchange() *bridge.Exchange {
	return s.attachExchange(bridge.OpenAudio(s.ctx, s.exchangeOptions()))
}

// attachExchange 记录未结束的回合；已结束（如管线缺失）的不记录并返回 nil
func (s *Session) attachExchange(ex *bridge.Exchange) *bridge.Exchange {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ex.Abort("session closed")
		return nil
	}
	if ex.Resolved() {
		s.mu.Unlock()
		return nil
	}
	s.exchange = ex
	s.mu.Unlock()
	return ex
}

// onOutcome 回合结束：清理上下文并下发唯一的结果消息
func (s *Session) onOutcome(o bridge.Outcome) {
	s.mu.Lock()
	if s.exchange != nil && s.exchange.ID() == o.TurnID {
		s.exchange = nil
	}
	closed := s.closed
	s.mu.Unlock()

	turnOutcomes.WithLabelValues(o.Label()).Inc()
	if closed {
		return
	}
	s.sendSync(o.Message())

	if o.Err == nil && o.Result.Response != "" && s.server.dispatcher.CanSynthesize() {
		go func() {
			if err := s.server.dispatcher.Speak(s.ctx, s, o.Result.Response); err != nil {
				s.logger.Warn("播报回复失败", zap.Error(err))
			}
		}()
	}
}

// speechContext 播报上下文，会话关闭或设备 abort 时取消
func (s *Session) speechContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	s.mu.Lock()
	s.ttsCancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		stop()
		cancel()
		s.mu.Lock()
		s.ttsCancel = nil
		s.mu.Unlock()
	}
}

func (s *Session) cancelSpeech() {
	s.mu.Lock()
	cancel := s.ttsCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) send(v interface{}) {
	if s.writer == nil {
		return
	}
	if err := s.writer.Send(v); err != nil && !errors.Is(err, message.ErrWriterClosed) {
		s.logger.Warn("发送消息失败", zap.Error(err))
	}
}

func (s *Session) sendSync(v interface{}) {
	if s.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.server.config.WriteTimeout)
	defer cancel()
	if err := s.writer.SendSync(ctx, v); err != nil && !errors.Is(err, message.ErrWriterClosed) {
		s.logger.Warn("发送消息失败", zap.Error(err))
	}
}

func (s *Session) sendError(code, msg, turnID string) {
	s.send(message.NewError(code, msg, turnID))
}

// violate 协议违规：以 policy violation 关闭连接
func (s *Session) violate(reason, detail string) {
	protocolViolations.WithLabelValues(reason).Inc()
	s.logger.Warn("协议违规，关闭连接",
		zap.String("reason", reason),
		zap.String("detail", detail),
		zap.String("remote_addr", s.remoteAddr))
	s.closeWith(websocket.ClosePolicyViolation, detail)
}

// closeWith 关闭会话；code 为 0 时不发送关闭帧。可重复调用
func (s *Session) closeWith(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosing
	ex := s.exchange
	s.exchange = nil
	ttsCancel := s.ttsCancel
	s.mu.Unlock()

	if ex != nil {
		ex.Abort(reason)
	}
	if ttsCancel != nil {
		ttsCancel()
	}
	s.cancel()

	switch {
	case s.writer != nil && code != 0:
		s.writer.CloseWithStatus(code, reason)
	case s.writer != nil:
		s.writer.Close()
	case s.conn != nil:
		_ = s.conn.Close()
	}

	// 先通知下线再释放占用，同一设备的新会话在此之后才会上线
	s.hookMu.Lock()
	s.mu.Lock()
	deviceID, connected := s.deviceID, s.connected
	s.mu.Unlock()
	if connected {
		s.server.notifyDisconnected(deviceID)
	}
	s.hookMu.Unlock()
	s.server.registry.unregisterAll(s)

	s.logger.Info("会话关闭", zap.String("device_id", deviceID), zap.String("reason", reason))
}

func turnID(ex *bridge.Exchange) string {
	if ex == nil {
		return ""
	}
	return ex.ID()
}

// Package gateway 小智设备 WebSocket 网关：握手、会话状态机、设备注册表与语音下发
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/bridge"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HeaderDeviceID 握手请求中携带设备 ID 的请求头
const (
	HeaderDeviceID = "Device-Id"
	QueryDeviceID  = "device-id"
)

var ErrAlreadyRunning = errors.New("gateway already running")

// BindError 监听地址不可用
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

var deviceUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Option 服务器可选项
type Option func(*Server)

func WithHooks(h Hooks) Option {
	return func(s *Server) {
		if h != nil {
			s.hooks = h
		}
	}
}

// WithSynthesizer 配置语音合成，用于 SendSpeech 与回复播报
func WithSynthesizer(synth pipeline.Synthesizer) Option {
	return func(s *Server) {
		s.synth = synth
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server 设备网关
type Server struct {
	config     Config
	backend    bridge.Backend
	registry   *Registry
	hooks      Hooks
	synth      pipeline.Synthesizer
	dispatcher *Dispatcher
	errs       *errhandler.Handler
	logger     *zap.Logger

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	live       map[*Session]struct{}
	wg         sync.WaitGroup
}

// NewServer 创建网关，backend 决定回合交给本地管线还是上游服务
func NewServer(cfg Config, backend bridge.Backend, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		config:   cfg,
		backend:  backend,
		registry: NewRegistry(),
		hooks:    HookFuncs{},
		logger:   zap.L().Named("gateway"),
		live:     make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.errs = errhandler.NewHandler(s.logger)
	s.dispatcher = newDispatcher(s.registry, s.synth, cfg.TTSCacheSize, s.errs, s.logger, cfg.WriteTimeout)
	return s
}

// Start 绑定地址并开始接受连接，绑定失败返回 *BindError
func (s *Server) Start(bindAddress string, port int, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if path == "" {
		path = s.config.Path
	}
	s.config.BindAddress, s.config.Port, s.config.Path = bindAddress, port, path

	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("网关服务异常退出", zap.Error(err))
		}
	}(s.httpServer)

	s.logger.Info("网关已启动",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", path),
		zap.String("mode", string(s.backend.Mode())))
	return nil
}

func (s *Server) engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.GET(s.config.Path, s.handleUpgrade)
	r.NoRoute(func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.Status(http.StatusNotFound)
			return
		}
		conn, err := deviceUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		protocolViolations.WithLabelValues(violationInvalidPath).Inc()
		s.logger.Warn("拒绝未知路径的连接", zap.String("path", c.Request.URL.Path))
		closeConn(conn, websocket.ClosePolicyViolation, "unknown path")
	})
	return r
}

// handleUpgrade 升级连接并在当前 goroutine 中运行会话
func (s *Server) handleUpgrade(c *gin.Context) {
	deviceID := c.GetHeader(HeaderDeviceID)
	if deviceID == "" {
		deviceID = c.Query(QueryDeviceID)
	}

	conn, err := deviceUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		closeConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	session := newSession(s.ctx, s, conn, deviceID)
	s.live[session] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	acceptedConnections.Inc()
	defer func() {
		s.mu.Lock()
		delete(s.live, session)
		s.mu.Unlock()
		s.wg.Done()
	}()
	session.serve()
}

// Stop 关闭所有会话并停止监听，可重复调用
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sessions := make([]*Session, 0, len(s.live))
	for session := range s.live {
		sessions = append(sessions, session)
	}
	srv := s.httpServer
	cancel := s.cancel
	s.mu.Unlock()

	err := srv.Close()
	cancel()
	for _, session := range sessions {
		session.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.registry.Clear()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownGrace):
		s.logger.Warn("等待会话退出超时", zap.Duration("grace", s.config.ShutdownGrace))
	}

	s.logger.Info("网关已停止", zap.Int("sessions", len(sessions)))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Mode() bridge.Mode {
	return s.backend.Mode()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// ConnectedDevices 在线设备 ID
func (s *Server) ConnectedDevices() []string {
	return s.registry.DeviceIDs()
}

// Session 查询设备会话快照
func (s *Server) Session(deviceID string) (SessionInfo, bool) {
	session, ok := s.registry.Lookup(deviceID)
	if !ok {
		return SessionInfo{}, false
	}
	return session.Info(), true
}

// Sessions 所有已注册会话的快照
func (s *Server) Sessions() []SessionInfo {
	ids := s.registry.DeviceIDs()
	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.Session(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// SendSpeech 向在线设备播报文本
func (s *Server) SendSpeech(ctx context.Context, deviceID, text string) error {
	return s.dispatcher.SendSpeech(ctx, deviceID, text)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/bridge"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubBackend 本地模式后端，结果可配置
type stubBackend struct {
	mode    bridge.Mode
	mu      sync.Mutex
	result  *pipeline.Result
	err     error
	openErr error
	audio   [][]byte
	texts   []string
}

func (b *stubBackend) Mode() bridge.Mode {
	if b.mode == "" {
		return bridge.ModeLocal
	}
	return b.mode
}

func (b *stubBackend) OpenAudio(context.Context, string) (bridge.AudioTurn, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &stubTurn{backend: b}, nil
}

func (b *stubBackend) RunText(_ context.Context, _ string, text string) (*pipeline.Result, error) {
	b.mu.Lock()
	b.texts = append(b.texts, text)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return &pipeline.Result{Text: text, Response: "reply: " + text}, nil
}

func (b *stubBackend) Forward(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return nil, bridge.ErrForwardUnsupported
}

func (b *stubBackend) received() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.audio)
}

type stubTurn struct {
	backend *stubBackend
}

func (t *stubTurn) Write(_ context.Context, chunk []byte) error {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	t.backend.audio = append(t.backend.audio, chunk)
	return nil
}

func (t *stubTurn) Finish(context.Context) (*pipeline.Result, error) {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	return t.backend.result, t.backend.err
}

func (t *stubTurn) Cancel() {}

func (t *stubTurn) EndOfUtterance() <-chan struct{} { return nil }

// blockingBackend 回合收尾阻塞到上下文取消，并记录 Cancel 次数
type blockingBackend struct {
	cancels  atomic.Int32
	finishes chan error
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{finishes: make(chan error, 4)}
}

func (b *blockingBackend) Mode() bridge.Mode {
	return bridge.ModeLocal
}

func (b *blockingBackend) OpenAudio(context.Context, string) (bridge.AudioTurn, error) {
	return &blockingTurn{backend: b}, nil
}

func (b *blockingBackend) RunText(context.Context, string, string) (*pipeline.Result, error) {
	return nil, errors.New("text turns not supported")
}

func (b *blockingBackend) Forward(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return nil, bridge.ErrForwardUnsupported
}

type blockingTurn struct {
	backend *blockingBackend
}

func (t *blockingTurn) Write(context.Context, []byte) error { return nil }

func (t *blockingTurn) Finish(ctx context.Context) (*pipeline.Result, error) {
	<-ctx.Done()
	t.backend.finishes <- ctx.Err()
	return nil, ctx.Err()
}

func (t *blockingTurn) Cancel() {
	t.backend.cancels.Add(1)
}

func (t *blockingTurn) EndOfUtterance() <-chan struct{} { return nil }

// stubSynth 语音合成桩
type stubSynth struct {
	mu    sync.Mutex
	calls int
	audio []byte
	err   error
}

func (s *stubSynth) Synthesize(context.Context, string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

// hookRecorder 按顺序记录上下线事件
type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) OnDeviceConnected(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "connected:"+id)
}

func (h *hookRecorder) OnDeviceDisconnected(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "disconnected:"+id)
}

func (h *hookRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

// slowHooks 下线通知耗时，模拟宿主写缓存
type slowHooks struct {
	hookRecorder
	delay time.Duration
}

func (h *slowHooks) OnDeviceDisconnected(id string) {
	time.Sleep(h.delay)
	h.hookRecorder.OnDeviceDisconnected(id)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.ShutdownGrace = time.Second
	cfg.FinishTimeout = 5 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config, backend bridge.Backend, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(cfg, backend, opts...)
	require.NoError(t, srv.Start("127.0.0.1", 0, DefaultPath))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dialPath(t *testing.T, srv *Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s", srv.Addr().String(), path)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dial(t *testing.T, srv *Server, deviceID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if deviceID != "" {
		header.Set(HeaderDeviceID, deviceID)
	}
	return dialPath(t, srv, DefaultPath, header)
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := sonic.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readMessage 读取下一条文本消息
func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var out map[string]interface{}
		require.NoError(t, sonic.Unmarshal(data, &out))
		return out
	}
}

// readUntil 跳过其它消息直到指定类型
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

// expectClose 读取直到连接关闭并返回关闭码
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		return websocket.CloseAbnormalClosure
	}
}

// handshake hello + auth，进入 Active
func handshake(t *testing.T, srv *Server, deviceID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, deviceID)
	sendJSON(t, conn, map[string]interface{}{"type": "hello"})
	require.Equal(t, "hello", readMessage(t, conn)["type"])
	sendJSON(t, conn, map[string]interface{}{"type": "auth"})
	ack := readMessage(t, conn)
	require.Equal(t, "auth", ack["type"])
	require.Equal(t, "ok", ack["status"])
	return conn
}

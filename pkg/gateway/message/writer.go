package message

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// WriterBufferSize 消息写入器缓冲区大小
	WriterBufferSize = 100
	// DefaultWriteTimeout 单帧写超时
	DefaultWriteTimeout = 10 * time.Second
	// closeGrace 关闭帧写超时
	closeGrace = time.Second
)

var (
	ErrWriterClosed = errors.New("writer closed")
	ErrBufferFull   = errors.New("writer buffer full")
)

type frame struct {
	messageType int
	data        []byte
}

// WriterOptions 写入器参数
type WriterOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// Writer 连接唯一的写入者：所有文本与二进制帧经同一队列按序写出
type Writer struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	frames  chan frame
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
	ping    time.Duration
}

// NewWriter 创建消息写入器并启动写循环
func NewWriter(conn *websocket.Conn, logger *zap.Logger, opts WriterOptions) *Writer {
	if logger == nil {
		logger = zap.L()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = WriterBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		conn:    conn,
		logger:  logger,
		frames:  make(chan frame, opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		timeout: opts.WriteTimeout,
		ping:    opts.PingInterval,
	}

	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Done 写入器关闭（主动关闭或写失败）时关闭
func (w *Writer) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Send 尽力发送 JSON 消息，缓冲区满时丢弃，不阻塞调用方
func (w *Writer) Send(v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if w.ctx.Err() != nil {
		return ErrWriterClosed
	}
	select {
	case w.frames <- frame{messageType: websocket.TextMessage, data: data}:
		return nil
	default:
		w.logger.Warn("消息缓冲区已满，丢弃消息", zap.ByteString("message", data))
		return ErrBufferFull
	}
}

// SendSync 发送 JSON 消息，缓冲区满时等待直到 ctx 结束或写入器关闭
func (w *Writer) SendSync(ctx context.Context, v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return w.enqueue(ctx, frame{messageType: websocket.TextMessage, data: data})
}

// SendBinary 发送二进制帧
func (w *Writer) SendBinary(ctx context.Context, data []byte) error {
	return w.enqueue(ctx, frame{messageType: websocket.BinaryMessage, data: data})
}

func (w *Writer) enqueue(ctx context.Context, f frame) error {
	if w.ctx.Err() != nil {
		return ErrWriterClosed
	}
	select {
	case w.frames <- f:
		return nil
	case <-w.ctx.Done():
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWithStatus 发送关闭帧后关闭连接
func (w *Writer) CloseWithStatus(code int, reason string) {
	if w.conn != nil && w.ctx.Err() == nil {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
			w.logger.Debug("写入关闭帧失败", zap.Error(err))
		}
	}
	w.Close()
}

// Close 停止写循环并关闭底层连接，可重复调用
func (w *Writer) Close() {
	w.once.Do(func() {
		w.cancel()
		w.wg.Wait()
		if w.conn != nil {
			_ = w.conn.Close()
		}
	})
}

// writeLoop 写循环，同时负责传输层 ping
func (w *Writer) writeLoop() {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.ping > 0 {
		ticker := time.NewTicker(w.ping)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case f := <-w.frames:
			if w.conn == nil {
				continue
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
			if err := w.conn.WriteMessage(f.messageType, f.data); err != nil {
				w.logger.Error("写入WebSocket消息失败", zap.Error(err))
				w.cancel()
				return
			}
		case <-tick:
			if w.conn == nil {
				continue
			}
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout)); err != nil {
				w.logger.Debug("发送ping失败", zap.Error(err))
				w.cancel()
				return
			}
		}
	}
}

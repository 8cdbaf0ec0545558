package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	gonanoid "github.com/matoous/go-nanoid"
	"go.uber.org/zap"
)

// Options 创建回合所需参数
type Options struct {
	Backend       Backend
	DeviceID      string
	Errors        *errhandler.Handler
	Logger        *zap.Logger
	FinishTimeout time.Duration
	// OnOutcome 每个回合恰好调用一次
	OnOutcome func(Outcome)
}

// Exchange 音频交换上下文，保证每个回合恰好产生一个结果
type Exchange struct {
	id        string
	opts      Options
	turn      AudioTurn
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	done      chan struct{}
	finishing atomic.Bool
	frames    atomic.Int64
	bytes     atomic.Int64
	started   time.Time
}

func newExchange(parent context.Context, opts Options) *Exchange {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Errors == nil {
		opts.Errors = errhandler.NewHandler(opts.Logger)
	}
	id, err := gonanoid.Nanoid()
	if err != nil {
		id = time.Now().Format("150405.000000")
	}
	ctx, cancel := context.WithCancel(parent)
	return &Exchange{
		id:      id,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

// OpenAudio 打开音频回合，后端打开失败时回合立即以错误结束
func OpenAudio(parent context.Context, opts Options) *Exchange {
	ex := newExchange(parent, opts)
	turn, err := opts.Backend.OpenAudio(ex.ctx, opts.DeviceID)
	if err != nil {
		ex.resolve(nil, err)
		return ex
	}
	ex.turn = turn

	if eou := turn.EndOfUtterance(); eou != nil {
		go func() {
			select {
			case <-eou:
				ex.Finish()
			case <-ex.ctx.Done():
			}
		}()
	}
	return ex
}

// StartText 文本回合，立即在后台执行
func StartText(parent context.Context, opts Options, text string) *Exchange {
	ex := newExchange(parent, opts)
	ex.finishing.Store(true)
	go func() {
		ctx, cancel := ex.finishContext()
		defer cancel()
		res, err := opts.Backend.RunText(ctx, opts.DeviceID, text)
		ex.resolve(res, err)
	}()
	return ex
}

func (e *Exchange) ID() string {
	return e.id
}

// Done 回合结束后关闭
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Resolved 是否已产生结果
func (e *Exchange) Resolved() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Stats 已接收的帧数与字节数
func (e *Exchange) Stats() (frames, bytes int64) {
	return e.frames.Load(), e.bytes.Load()
}

// Append 写入一帧音频
func (e *Exchange) Append(chunk []byte) error {
	if e.turn == nil || e.finishing.Load() || e.Resolved() {
		return ErrTurnClosed
	}
	e.frames.Add(1)
	e.bytes.Add(int64(len(chunk)))
	if err := e.turn.Write(e.ctx, chunk); err != nil {
		e.resolve(nil, err)
		return err
	}
	return nil
}

// Finish 结束音频输入并在后台执行阻塞的收尾调用，重复调用无效
func (e *Exchange) Finish() {
	if e.turn == nil || !e.finishing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ctx, cancel := e.finishContext()
		defer cancel()
		res, err := e.turn.Finish(ctx)
		e.resolve(res, err)
	}()
}

// Abort 中止回合
func (e *Exchange) Abort(reason string) {
	e.resolve(nil, errhandler.New(errhandler.CodeAborted, string(e.opts.Backend.Mode()), reason, nil))
}

func (e *Exchange) finishContext() (context.Context, context.CancelFunc) {
	if e.opts.FinishTimeout > 0 {
		return context.WithTimeout(e.ctx, e.opts.FinishTimeout)
	}
	return context.WithCancel(e.ctx)
}

func (e *Exchange) resolve(res *pipeline.Result, err error) {
	e.once.Do(func() {
		service := string(e.opts.Backend.Mode())
		if err == nil && (res == nil || strings.TrimSpace(res.Text) == "") {
			err = errhandler.New(errhandler.CodeNoResponse, service, "backend returned no recognition result", nil)
		}

		outcome := Outcome{TurnID: e.id, DeviceID: e.opts.DeviceID, Result: res}
		if err != nil {
			outcome.Result = nil
			outcome.Err = e.opts.Errors.HandleError(err, service)
		}

		if e.turn != nil {
			e.turn.Cancel()
		}
		e.cancel()
		close(e.done)

		frames, bytes := e.Stats()
		e.opts.Logger.Info("回合结束",
			zap.String("turn_id", e.id),
			zap.String("device_id", e.opts.DeviceID),
			zap.String("outcome", outcome.Label()),
			zap.Int64("frames", frames),
			zap.Int64("bytes", bytes),
			zap.Duration("elapsed", time.Since(e.started)))

		if e.opts.OnOutcome != nil {
			e.opts.OnOutcome(outcome)
		}
	})
}

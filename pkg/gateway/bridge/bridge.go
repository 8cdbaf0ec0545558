// Package bridge 将设备音频回合桥接到本地管线或远端转发服务
package bridge

import (
	"context"
	"errors"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
)

// Mode 后端模式
type Mode string

const (
	ModeLocal Mode = "local"
	ModeProxy Mode = "proxy"
)

var (
	ErrTurnClosed         = errors.New("turn already closed")
	ErrForwardUnsupported = errors.New("forwarding is only available in proxy mode")
)

// AudioTurn 一个回合内的后端句柄
type AudioTurn interface {
	Write(ctx context.Context, chunk []byte) error
	Finish(ctx context.Context) (*pipeline.Result, error)
	Cancel()
	// EndOfUtterance 后端判定语句结束时关闭，可为 nil
	EndOfUtterance() <-chan struct{}
}

// Backend 本地与代理两种后端的统一接口
type Backend interface {
	Mode() Mode
	OpenAudio(ctx context.Context, deviceID string) (AudioTurn, error)
	RunText(ctx context.Context, deviceID, text string) (*pipeline.Result, error)
	Forward(ctx context.Context, deviceID string, payload map[string]interface{}) (map[string]interface{}, error)
}

// Outcome 回合唯一的终态
type Outcome struct {
	TurnID   string
	DeviceID string
	Result   *pipeline.Result
	Err      *errhandler.Error
}

// Message 转换为下行消息
func (o Outcome) Message() interface{} {
	if o.Err != nil {
		return message.NewError(o.Err.Code, o.Err.Message, o.TurnID)
	}
	return message.NewRecognitionResult(o.Result.Text, o.Result.Response, o.TurnID)
}

// Label 用于指标统计
func (o Outcome) Label() string {
	if o.Err != nil {
		return o.Err.Code
	}
	return "ok"
}

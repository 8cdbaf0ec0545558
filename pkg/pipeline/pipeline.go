// Package pipeline 定义网关调用的语音处理后端契约
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrEmptyAudio    = errors.New("no audio received")
	ErrStreamStopped = errors.New("audio stream stopped")
)

// Result 一个回合的识别结果
type Result struct {
	Text           string
	Response       string
	ConversationID string
}

// AudioStream 流式音频输入，End 为阻塞的收尾调用
type AudioStream interface {
	Write(chunk []byte) error
	End(ctx context.Context) (*Result, error)
	Stop()
	// Done 后端检测到语句结束时关闭，不支持时返回 nil
	Done() <-chan struct{}
}

// Pipeline 本地语音管线
type Pipeline interface {
	ID() string
	StartAudio(ctx context.Context, deviceID string) (AudioStream, error)
	RunText(ctx context.Context, deviceID, text string) (*Result, error)
}

// Synthesizer 语音合成后端
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Registry 按 ID 管理可用管线
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

func (r *Registry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.ID()] = p
}

func (r *Registry) Get(id string) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pipelines))
	for id := range r.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

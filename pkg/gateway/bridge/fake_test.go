package bridge

import (
	"context"
	"sync"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
)

// fakeStream 可控的本地管线音频流
type fakeStream struct {
	mu      sync.Mutex
	chunks  [][]byte
	stopped bool
	eou     chan struct{}
	release chan struct{}
	result  *pipeline.Result
	err     error
}

func newFakeStream() *fakeStream {
	return &fakeStream{eou: make(chan struct{}), release: make(chan struct{})}
}

func (s *fakeStream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return pipeline.ErrStreamStopped
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *fakeStream) End(ctx context.Context) (*pipeline.Result, error) {
	select {
	case <-s.release:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeStream) Done() <-chan struct{} {
	return s.eou
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakePipeline struct {
	id     string
	stream *fakeStream
	text   *pipeline.Result
}

func (p *fakePipeline) ID() string { return p.id }

func (p *fakePipeline) StartAudio(context.Context, string) (pipeline.AudioStream, error) {
	return p.stream, nil
}

func (p *fakePipeline) RunText(_ context.Context, _ string, text string) (*pipeline.Result, error) {
	if p.text != nil {
		return p.text, nil
	}
	return &pipeline.Result{Text: text}, nil
}

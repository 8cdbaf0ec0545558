package bridge

import (
	"context"
	"fmt"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
)

// LocalBackend 将音频流式送入本地语音管线
type LocalBackend struct {
	pipelines  *pipeline.Registry
	pipelineID string
}

func NewLocalBackend(pipelines *pipeline.Registry, pipelineID string) *LocalBackend {
	if pipelines == nil {
		pipelines = pipeline.NewRegistry()
	}
	return &LocalBackend{pipelines: pipelines, pipelineID: pipelineID}
}

func (b *LocalBackend) Mode() Mode {
	return ModeLocal
}

func (b *LocalBackend) resolve() (pipeline.Pipeline, error) {
	p, ok := b.pipelines.Get(b.pipelineID)
	if !ok {
		return nil, errhandler.New(errhandler.CodeMissingPipeline, string(ModeLocal),
			fmt.Sprintf("pipeline %q is not available", b.pipelineID), nil)
	}
	return p, nil
}

func (b *LocalBackend) OpenAudio(ctx context.Context, deviceID string) (AudioTurn, error) {
	p, err := b.resolve()
	if err != nil {
		return nil, err
	}
	stream, err := p.StartAudio(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("start audio on pipeline %s: %w", p.ID(), err)
	}
	return &localTurn{stream: stream}, nil
}

func (b *LocalBackend) RunText(ctx context.Context, deviceID, text string) (*pipeline.Result, error) {
	p, err := b.resolve()
	if err != nil {
		return nil, err
	}
	return p.RunText(ctx, deviceID, text)
}

func (b *LocalBackend) Forward(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return nil, ErrForwardUnsupported
}

type localTurn struct {
	stream pipeline.AudioStream
}

func (t *localTurn) Write(_ context.Context, chunk []byte) error {
	return t.stream.Write(chunk)
}

func (t *localTurn) Finish(ctx context.Context) (*pipeline.Result, error) {
	return t.stream.End(ctx)
}

func (t *localTurn) Cancel() {
	t.stream.Stop()
}

func (t *localTurn) EndOfUtterance() <-chan struct{} {
	return t.stream.Done()
}

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *outcomeRecorder) record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *outcomeRecorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func localSetup(stream *fakeStream) (*LocalBackend, *outcomeRecorder, Options) {
	reg := pipeline.NewRegistry()
	reg.Register(&fakePipeline{id: "assist", stream: stream})
	backend := NewLocalBackend(reg, "assist")
	rec := &outcomeRecorder{}
	return backend, rec, Options{
		Backend:   backend,
		DeviceID:  "esp32-1",
		Logger:    zap.NewNop(),
		OnOutcome: rec.record,
	}
}

func waitDone(t *testing.T, ex *Exchange) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not resolve")
	}
}

func TestExchangeLocalResult(t *testing.T) {
	stream := newFakeStream()
	stream.result = &pipeline.Result{Text: "turn on the light", Response: "Done"}
	_, rec, opts := localSetup(stream)

	ex := OpenAudio(context.Background(), opts)
	require.False(t, ex.Resolved())
	require.NoError(t, ex.Append([]byte{1, 2}))
	require.NoError(t, ex.Append([]byte{3}))

	ex.Finish()
	ex.Finish()
	assert.ErrorIs(t, ex.Append([]byte{4}), ErrTurnClosed, "no audio after finish")
	close(stream.release)
	waitDone(t, ex)

	outcomes := rec.all()
	require.Len(t, outcomes, 1)
	assert.Nil(t, outcomes[0].Err)
	assert.Equal(t, "turn on the light", outcomes[0].Result.Text)
	assert.Equal(t, message.NewRecognitionResult("turn on the light", "Done", ex.ID()), outcomes[0].Message())
	assert.Len(t, stream.chunks, 2)
	frames, bytes := ex.Stats()
	assert.Equal(t, int64(2), frames)
	assert.Equal(t, int64(3), bytes)
	assert.True(t, stream.isStopped(), "backend handle released after outcome")
}

func TestExchangeEndOfUtterance(t *testing.T) {
	stream := newFakeStream()
	stream.result = &pipeline.Result{Text: "hi"}
	_, rec, opts := localSetup(stream)

	ex := OpenAudio(context.Background(), opts)
	require.NoError(t, ex.Append([]byte{1}))
	close(stream.eou)
	close(stream.release)
	waitDone(t, ex)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "ok", rec.all()[0].Label())
}

func TestExchangeAbortRacesFinish(t *testing.T) {
	stream := newFakeStream()
	stream.result = &pipeline.Result{Text: "late"}
	_, rec, opts := localSetup(stream)

	ex := OpenAudio(context.Background(), opts)
	require.NoError(t, ex.Append([]byte{1}))
	ex.Finish()
	ex.Abort("device abort")
	ex.Abort("again")
	close(stream.release)
	waitDone(t, ex)
	time.Sleep(20 * time.Millisecond)

	outcomes := rec.all()
	require.Len(t, outcomes, 1, "exactly one outcome per turn")
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, errhandler.CodeAborted, outcomes[0].Err.Code)
	assert.True(t, stream.isStopped())
}

func TestExchangeParentCancel(t *testing.T) {
	stream := newFakeStream()
	_, rec, opts := localSetup(stream)

	ctx, cancel := context.WithCancel(context.Background())
	ex := OpenAudio(ctx, opts)
	ex.Finish()
	cancel()
	waitDone(t, ex)

	require.Len(t, rec.all(), 1)
	assert.Equal(t, errhandler.CodeAborted, rec.all()[0].Err.Code)
}

func TestExchangeFinishTimeout(t *testing.T) {
	stream := newFakeStream()
	_, rec, opts := localSetup(stream)
	opts.FinishTimeout = 30 * time.Millisecond

	ex := OpenAudio(context.Background(), opts)
	ex.Finish()
	waitDone(t, ex)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, errhandler.CodeTimeout, rec.all()[0].Err.Code)
}

func TestExchangeEmptyResultIsNoResponse(t *testing.T) {
	stream := newFakeStream()
	stream.result = &pipeline.Result{Text: "  "}
	_, rec, opts := localSetup(stream)

	ex := OpenAudio(context.Background(), opts)
	ex.Finish()
	close(stream.release)
	waitDone(t, ex)
	assert.Equal(t, errhandler.CodeNoResponse, rec.all()[0].Err.Code)
}

func TestExchangeBackendError(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("pipeline crashed")
	_, rec, opts := localSetup(stream)

	ex := OpenAudio(context.Background(), opts)
	ex.Finish()
	close(stream.release)
	waitDone(t, ex)
	msg, ok := rec.all()[0].Message().(message.Error)
	require.True(t, ok)
	assert.Equal(t, errhandler.CodeProcessingError, msg.Code)
	assert.Equal(t, ex.ID(), msg.TurnID)
}

func TestExchangeMissingPipeline(t *testing.T) {
	backend := NewLocalBackend(nil, "does-not-exist")
	rec := &outcomeRecorder{}
	ex := OpenAudio(context.Background(), Options{Backend: backend, DeviceID: "esp32-1", Logger: zap.NewNop(), OnOutcome: rec.record})

	assert.True(t, ex.Resolved())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, errhandler.CodeMissingPipeline, rec.all()[0].Err.Code)
	assert.ErrorIs(t, ex.Append([]byte{1}), ErrTurnClosed)

	_, err := backend.RunText(context.Background(), "esp32-1", "hi")
	assert.Equal(t, errhandler.CodeMissingPipeline, errhandler.CodeOf(err))
	_, err = backend.Forward(context.Background(), "esp32-1", nil)
	assert.ErrorIs(t, err, ErrForwardUnsupported)
}

func TestExchangeTextTurn(t *testing.T) {
	stream := newFakeStream()
	_, rec, opts := localSetup(stream)

	ex := StartText(context.Background(), opts, "what time is it")
	waitDone(t, ex)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "what time is it", rec.all()[0].Result.Text)
	assert.ErrorIs(t, ex.Append([]byte{1}), ErrTurnClosed)
}

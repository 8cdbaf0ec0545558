package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultForwardTimeout = 10 * time.Second
	DefaultMaxAudioBytes  = 4 << 20

	proxyService = string(ModeProxy)
)

var ErrInvalidForwardURL = errors.New("forward url must be http or https")

// ProxyConfig 转发配置
type ProxyConfig struct {
	URL           string
	Timeout       time.Duration
	MaxAudioBytes int
}

// ProxyBackend 通过 HTTP 把回合转发给外部识别服务
// client 创建后只读，所有会话共享
type ProxyBackend struct {
	client   *resty.Client
	baseURL  string
	timeout  time.Duration
	maxBytes int
}

type forwardResponse struct {
	Text     string `json:"text"`
	Response string `json:"response"`
	Speech   string `json:"speech"`
}

// NewProxyBackend 创建代理后端，转发地址只接受 http(s)
func NewProxyBackend(cfg ProxyConfig) (*ProxyBackend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidForwardURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidForwardURL, cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}

	client := resty.New().
		SetHeader("User-Agent", "xiaozhi-gateway").
		SetRetryCount(0)
	return &ProxyBackend{
		client:   client,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxAudioBytes,
	}, nil
}

func (b *ProxyBackend) Mode() Mode {
	return ModeProxy
}

func (b *ProxyBackend) OpenAudio(_ context.Context, deviceID string) (AudioTurn, error) {
	return &proxyTurn{backend: b, deviceID: deviceID}, nil
}

// RunText 以 JSON 转发文本指令
func (b *ProxyBackend) RunText(ctx context.Context, deviceID, text string) (*pipeline.Result, error) {
	body := map[string]interface{}{"type": "text", "text": text, "device_id": deviceID}
	data, err := b.post(ctx, b.baseURL, deviceID, "application/json", body)
	if err != nil {
		return nil, err
	}
	return decodeResult(data)
}

// Forward 转发控制消息并返回服务端的 JSON 应答
func (b *ProxyBackend) Forward(ctx context.Context, deviceID string, payload map[string]interface{}) (map[string]interface{}, error) {
	data, err := b.post(ctx, b.baseURL, deviceID, "application/json", payload)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out map[string]interface{}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, errhandler.New(errhandler.CodeNoResponse, proxyService, "forward endpoint returned invalid JSON", err)
	}
	return out, nil
}

func (b *ProxyBackend) post(ctx context.Context, target, deviceID, contentType string, body interface{}) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.R().
		SetContext(reqCtx).
		SetHeader("Content-Type", contentType).
		SetHeader("Device-Id", deviceID).
		SetBody(body).
		Post(target)
	if err != nil {
		switch {
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			return nil, errhandler.New(errhandler.CodeTimeout, proxyService,
				fmt.Sprintf("forward request exceeded %s", b.timeout), err)
		case errors.Is(err, context.Canceled):
			return nil, errhandler.New(errhandler.CodeAborted, proxyService, "forward request cancelled", err)
		default:
			return nil, errhandler.New(errhandler.CodeForwardFailed, proxyService, "forward request failed", err)
		}
	}

	status := resp.StatusCode()
	switch {
	case status >= 500:
		return nil, errhandler.New(errhandler.CodeServerError, proxyService,
			fmt.Sprintf("forward endpoint returned %d", status), nil)
	case status >= 300:
		return nil, errhandler.New(errhandler.CodeForwardFailed, proxyService,
			fmt.Sprintf("forward endpoint returned %d", status), nil)
	}
	return resp.Body(), nil
}

func decodeResult(data []byte) (*pipeline.Result, error) {
	var fr forwardResponse
	if err := sonic.Unmarshal(data, &fr); err != nil {
		return nil, errhandler.New(errhandler.CodeNoResponse, proxyService, "forward endpoint returned invalid JSON", err)
	}
	if strings.TrimSpace(fr.Text) == "" {
		return nil, errhandler.New(errhandler.CodeNoResponse, proxyService, "forward endpoint returned no text", nil)
	}
	response := fr.Response
	if response == "" {
		response = fr.Speech
	}
	return &pipeline.Result{Text: fr.Text, Response: response}, nil
}

// proxyTurn 缓存整轮音频，结束时一次性转发
type proxyTurn struct {
	backend  *ProxyBackend
	deviceID string
	mu       sync.Mutex
	buf      bytes.Buffer
	cancel   context.CancelFunc
	closed   bool
}

func (t *proxyTurn) Write(_ context.Context, chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTurnClosed
	}
	if t.buf.Len()+len(chunk) > t.backend.maxBytes {
		return errhandler.New(errhandler.CodeProcessingError, proxyService,
			fmt.Sprintf("audio exceeds %d bytes", t.backend.maxBytes), nil)
	}
	t.buf.Write(chunk)
	return nil
}

func (t *proxyTurn) Finish(ctx context.Context) (*pipeline.Result, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTurnClosed
	}
	audio := append([]byte(nil), t.buf.Bytes()...)
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	if len(audio) == 0 {
		return nil, errhandler.New(errhandler.CodeNoResponse, proxyService, "no audio received", nil)
	}
	data, err := t.backend.post(ctx, t.backend.baseURL+"/audio", t.deviceID, "audio/raw", audio)
	if err != nil {
		return nil, err
	}
	return decodeResult(data)
}

func (t *proxyTurn) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	t.buf.Reset()
}

func (t *proxyTurn) EndOfUtterance() <-chan struct{} {
	return nil
}

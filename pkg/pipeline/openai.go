package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/sashabaranov/go-openai"
	"github.com/youpy/go-wav"
	"go.uber.org/zap"
)

const maxHistory = 20

// OpenAIConfig OpenAI 兼容接口配置
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	ASRModel     string
	ChatModel    string
	TTSModel     string
	Voice        string
	SystemPrompt string
	Language     string
	// AudioFormat 设备上行音频格式：pcm 封装为 wav，opus 逐帧封装为 ogg
	AudioFormat string
	SampleRate  int
	Channels    int
	// FrameDuration 每个 opus 包的时长（毫秒）
	FrameDuration int
	// SpeechFormat 合成音频格式
	SpeechFormat string
}

// OpenAIPipeline 使用 OpenAI 兼容接口完成 ASR → LLM → TTS
type OpenAIPipeline struct {
	id      string
	client  *openai.Client
	config  OpenAIConfig
	logger  *zap.Logger
	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

// NewOpenAIPipeline 创建管线
func NewOpenAIPipeline(id string, cfg OpenAIConfig, logger *zap.Logger) *OpenAIPipeline {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.ASRModel == "" {
		cfg.ASRModel = openai.Whisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.SpeechFormat == "" {
		cfg.SpeechFormat = string(openai.SpeechResponseFormatOpus)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 60
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIPipeline{
		id:      id,
		client:  openai.NewClientWithConfig(clientCfg),
		config:  cfg,
		logger:  logger,
		history: make(map[string][]openai.ChatCompletionMessage),
	}
}

func (p *OpenAIPipeline) ID() string {
	return p.id
}

// StartAudio 开始一个音频回合，音频在 End 时一次性转写
func (p *OpenAIPipeline) StartAudio(_ context.Context, deviceID string) (AudioStream, error) {
	return &bufferedStream{pipeline: p, deviceID: deviceID}, nil
}

// RunText 以文本直接进入对话阶段
func (p *OpenAIPipeline) RunText(ctx context.Context, deviceID, text string) (*Result, error) {
	response, err := p.chat(ctx, deviceID, text)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Response: response, ConversationID: deviceID}, nil
}

// Synthesize 合成语音
func (p *OpenAIPipeline) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.config.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(p.config.Voice),
		ResponseFormat: openai.SpeechResponseFormat(p.config.SpeechFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	return audio, nil
}

// transcribe 按上行格式封装整轮音频后转写
func (p *OpenAIPipeline) transcribe(ctx context.Context, packets [][]byte) (string, error) {
	var (
		audio    []byte
		filename string
		err      error
	)
	switch p.config.AudioFormat {
	case "pcm", "":
		audio, err = PCMToWAV(bytes.Join(packets, nil), p.config.SampleRate, p.config.Channels)
		filename = "audio.wav"
	case "opus":
		audio, err = OpusToOgg(packets, p.config.SampleRate, p.config.Channels, p.config.FrameDuration)
		filename = "audio.ogg"
	default:
		audio = bytes.Join(packets, nil)
		filename = "audio." + p.config.AudioFormat
	}
	if err != nil {
		return "", err
	}

	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.config.ASRModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: p.config.Language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// chat 调用对话模型，未配置模型时返回空响应
func (p *OpenAIPipeline) chat(ctx context.Context, deviceID, text string) (string, error) {
	if p.config.ChatModel == "" {
		return "", nil
	}

	p.mu.Lock()
	messages := make([]openai.ChatCompletionMessage, 0, len(p.history[deviceID])+2)
	if p.config.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.config.SystemPrompt})
	}
	messages = append(messages, p.history[deviceID]...)
	p.mu.Unlock()

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	messages = append(messages, user)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.config.ChatModel,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	reply := resp.Choices[0].Message.Content

	p.mu.Lock()
	h := append(p.history[deviceID], user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	p.history[deviceID] = h
	p.mu.Unlock()

	p.logger.Debug("对话完成", zap.String("device_id", deviceID), zap.Int("history", len(h)))
	return reply, nil
}

// bufferedStream 缓存整轮音频，保留每个二进制帧的边界
type bufferedStream struct {
	pipeline *OpenAIPipeline
	deviceID string
	mu       sync.Mutex
	packets  [][]byte
	size     int
	stopped  bool
}

func (s *bufferedStream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStreamStopped
	}
	if len(chunk) == 0 {
		return nil
	}
	s.packets = append(s.packets, append([]byte(nil), chunk...))
	s.size += len(chunk)
	return nil
}

func (s *bufferedStream) End(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStreamStopped
	}
	s.stopped = true
	packets, size := s.packets, s.size
	s.packets = nil
	s.mu.Unlock()

	if size == 0 {
		return nil, ErrEmptyAudio
	}
	text, err := s.pipeline.transcribe(ctx, packets)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return &Result{ConversationID: s.deviceID}, nil
	}
	response, err := s.pipeline.chat(ctx, s.deviceID, text)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Response: response, ConversationID: s.deviceID}, nil
}

func (s *bufferedStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.packets = nil
	s.size = 0
}

func (s *bufferedStream) Done() <-chan struct{} {
	return nil
}

// PCMToWAV 将 16bit PCM 封装为 WAV
func PCMToWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if channels <= 0 {
		channels = 1
	}
	blockAlign := 2 * channels
	numSamples := len(pcm) / blockAlign
	if numSamples == 0 {
		return nil, ErrEmptyAudio
	}

	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(numSamples), uint16(channels), uint32(sampleRate), 16)
	if _, err := w.Write(pcm[:numSamples*blockAlign]); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	return buf.Bytes(), nil
}

// OpusToOgg 将设备上行的 opus 包逐个写成 Ogg 页，供转写接口识别
func OpusToOgg(packets [][]byte, sampleRate, channels, frameDuration int) ([]byte, error) {
	if channels <= 0 {
		channels = 1
	}
	if frameDuration <= 0 {
		frameDuration = 60
	}

	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	// Ogg Opus 的粒度位置固定以 48kHz 计
	step := uint32(48 * frameDuration)
	var (
		timestamp uint32
		written   int
	)
	for _, payload := range packets {
		if len(payload) == 0 {
			continue
		}
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(written),
				Timestamp:      timestamp,
			},
			Payload: payload,
		}
		if err := w.WriteRTP(packet); err != nil {
			return nil, fmt.Errorf("write ogg page: %w", err)
		}
		timestamp += step
		written++
	}
	if written == 0 {
		return nil, ErrEmptyAudio
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close ogg writer: %w", err)
	}
	return buf.Bytes(), nil
}

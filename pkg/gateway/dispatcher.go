package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ErrDeviceNotConnected 目标设备当前没有会话
var ErrDeviceNotConnected = errors.New("device not connected")

const speechService = "tts"

// Dispatcher 向设备下发语音播报：tts start、音频、tts end
type Dispatcher struct {
	registry     *Registry
	synth        pipeline.Synthesizer
	cache        *lru.Cache[string, []byte]
	errs         *errhandler.Handler
	logger       *zap.Logger
	writeTimeout time.Duration
}

func newDispatcher(registry *Registry, synth pipeline.Synthesizer, cacheSize int, errs *errhandler.Handler, logger *zap.Logger, writeTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		synth:        synth,
		errs:         errs,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
	if synth != nil && cacheSize > 0 {
		cache, err := lru.New[string, []byte](cacheSize)
		if err != nil {
			logger.Warn("创建TTS缓存失败", zap.Error(err))
		} else {
			d.cache = cache
		}
	}
	return d
}

// CanSynthesize 是否配置了合成后端
func (d *Dispatcher) CanSynthesize() bool {
	return d.synth != nil
}

// SendSpeech 向指定设备播报文本；设备不在线时不写入任何数据
func (d *Dispatcher) SendSpeech(ctx context.Context, deviceID, text string) error {
	s, ok := d.registry.Lookup(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	return d.Speak(ctx, s, text)
}

// Speak 在会话上播报，start 与 end 总是成对出现
func (d *Dispatcher) Speak(parent context.Context, s *Session, text string) error {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	ctx, release := s.speechContext(parent)
	defer release()

	if err := d.write(ctx, s, message.NewTTS(message.TTSStateStart, text)); err != nil {
		speechDispatches.WithLabelValues("failed").Inc()
		return fmt.Errorf("send tts start: %w", err)
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		defer cancel()
		if err := d.write(endCtx, s, message.NewTTS(message.TTSStateEnd, "")); err != nil {
			d.logger.Debug("发送tts结束标记失败", zap.String("device_id", s.DeviceID()), zap.Error(err))
		}
	}()

	audio, err := d.synthesize(ctx, text)
	if err != nil {
		classified := d.errs.HandleError(err, speechService)
		_ = d.write(ctx, s, message.NewTTS(message.TTSStateError, classified.Message))
		speechDispatches.WithLabelValues("error").Inc()
		return fmt.Errorf("synthesize speech: %w", err)
	}

	if len(audio) > 0 && s.writer != nil {
		if err := s.writer.SendBinary(ctx, audio); err != nil {
			speechDispatches.WithLabelValues("failed").Inc()
			return fmt.Errorf("send tts audio: %w", err)
		}
	}
	speechDispatches.WithLabelValues("ok").Inc()
	d.logger.Info("语音播报完成",
		zap.String("device_id", s.DeviceID()),
		zap.Int("text_len", len([]rune(text))),
		zap.Int("audio_bytes", len(audio)))
	return nil
}

func (d *Dispatcher) synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.synth == nil {
		return nil, nil
	}
	if d.cache != nil {
		if audio, ok := d.cache.Get(text); ok {
			return audio, nil
		}
	}
	audio, err := d.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	if d.cache != nil && len(audio) > 0 {
		d.cache.Add(text, audio)
	}
	return audio, nil
}

func (d *Dispatcher) write(ctx context.Context, s *Session, v interface{}) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.SendSync(ctx, v)
}

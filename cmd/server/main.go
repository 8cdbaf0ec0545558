package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	handlers "github.com/code-100-precent/xiaozhi-gateway/internal/handler"
	"github.com/code-100-precent/xiaozhi-gateway/internal/listeners"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/cache"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/config"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/events"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/bridge"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/logger"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/middleware"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse Command Line Parameters
	mode := flag.String("mode", "", "running environment (development, test, production)")
	addrFlag := flag.String("addr", "", "host API address (overrides ADDR)")
	flag.Parse()

	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}

	// 2. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig

	// 3. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	addr := cfg.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}
	logger.Info("checked config -- addr: ", zap.String("addr", addr))
	logger.Info("checked config -- mode: ", zap.String("mode", cfg.Mode))

	// 4. Load Global Cache (presence store)
	if err := cache.InitGlobalCache(cfg.Cache); err != nil {
		logger.Error("failed to initialize cache", zap.Error(err))
		logger.Info("falling back to default local cache")
	}
	defer cache.CloseGlobalCache()

	// 5. Build Backend
	pipelines := pipeline.NewRegistry()
	var synth pipeline.Synthesizer
	if cfg.LLMApiKey != "" {
		p := pipeline.NewOpenAIPipeline(cfg.PipelineID, pipeline.OpenAIConfig{
			APIKey:        cfg.LLMApiKey,
			BaseURL:       cfg.LLMBaseURL,
			ASRModel:      cfg.ASRModel,
			ChatModel:     cfg.LLMModel,
			TTSModel:      cfg.TTSModel,
			Voice:         cfg.TTSVoice,
			SystemPrompt:  cfg.SystemPrompt,
			AudioFormat:   cfg.AudioFormat,
			SampleRate:    cfg.AudioSampleRate,
			Channels:      cfg.AudioChannels,
			FrameDuration: cfg.AudioFrameDuration,
		}, zap.L())
		pipelines.Register(p)
		synth = p
	} else {
		logger.Warn("LLM_API_KEY not set, local pipeline is unavailable")
	}

	var backend bridge.Backend
	if cfg.ProxyMode() {
		proxy, err := bridge.NewProxyBackend(bridge.ProxyConfig{
			URL:           cfg.ForwardURL,
			Timeout:       cfg.ForwardTimeout,
			MaxAudioBytes: cfg.MaxAudioBytes,
		})
		if err != nil {
			logger.Fatal("invalid forward url", zap.String("url", cfg.ForwardURL), zap.Error(err))
		}
		backend = proxy
	} else {
		backend = bridge.NewLocalBackend(pipelines, cfg.PipelineID)
	}

	// 6. Start Device Gateway
	audioParams := message.AudioParams{
		SampleRate: cfg.AudioSampleRate,
		Format:     cfg.AudioFormat,
		Channels:   cfg.AudioChannels,
	}
	listeners.InitAuditListener(events.GetEventBus())
	presence := listeners.NewDeviceListener(cache.GetGlobalCache(), events.GetEventBus(), 0)
	gwConfig := gateway.DefaultConfig()
	gwConfig.AudioParams = audioParams
	gwConfig.PingInterval = cfg.PingInterval
	gwConfig.ShutdownGrace = cfg.ShutdownGrace
	gwConfig.FinishTimeout = cfg.TurnTimeout
	gwConfig.ImplicitAuth = cfg.ImplicitAuth
	gwConfig.TTSCacheSize = cfg.TTSCacheSize

	opts := []gateway.Option{
		gateway.WithHooks(presence),
		gateway.WithLogger(zap.L().Named("gateway")),
	}
	if synth != nil {
		opts = append(opts, gateway.WithSynthesizer(synth))
	}
	gw := gateway.NewServer(gwConfig, backend, opts...)
	if err := gw.Start(cfg.WebsocketHost, cfg.WebsocketPort, cfg.WebsocketPath); err != nil {
		logger.Fatal("gateway start failed", zap.Error(err))
	}

	// 7. Initialize Gin Routing
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(middleware.LoggerMiddleware(zap.L()))
	limit, err := middleware.RateLimit(cfg.RateLimit)
	if err != nil {
		logger.Fatal("invalid rate limit", zap.String("rate", cfg.RateLimit), zap.Error(err))
	}
	r.Use(limit)

	handlers.NewHandlers(gw, presence, handlers.ProvisioningConfig{
		ExternalURL:       cfg.ExternalURL,
		Port:              cfg.WebsocketPort,
		Path:              cfg.WebsocketPath,
		ReconnectInterval: cfg.ReconnectInterval,
		PingInterval:      cfg.PingInterval,
		AudioParams:       audioParams,
		FrameDuration:     cfg.AudioFrameDuration,
	}).Register(r)

	// 8. Start HTTP Server
	httpServer := &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server run failed", zap.Error(err))
		}
	}()

	// 9. Wait For Shutdown Signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := gw.Stop(); err != nil {
		logger.Error("gateway stop failed", zap.Error(err))
	}
}

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
	Daily      bool   `env:"LOG_DAILY"`
}

// Lg 全局日志实例
var Lg = zap.NewNop()

// Init 初始化全局日志，mode 为 development 时同时输出到控制台
func Init(cfg *LogConfig, mode string) error {
	if cfg == nil {
		cfg = &LogConfig{Level: "info"}
	}

	level := new(zapcore.Level)
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		*level = zapcore.InfoLevel
	}

	var cores []zapcore.Core
	if cfg.Filename != "" {
		writer, err := fileWriter(cfg)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder(), writer, level))
	}
	if mode == "development" || cfg.Filename == "" {
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stdout), level))
	}

	Lg = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	zap.ReplaceGlobals(Lg)
	return nil
}

func fileWriter(cfg *LogConfig) (zapcore.WriteSyncer, error) {
	filename := cfg.Filename
	if cfg.Daily {
		ext := filepath.Ext(filename)
		filename = fmt.Sprintf("%s-%s%s", strings.TrimSuffix(filename, ext), time.Now().Format("2006-01-02"), ext)
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	}), nil
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.TimeKey = "time"
	return zapcore.NewJSONEncoder(ec)
}

func consoleEncoder() zapcore.Encoder {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func Debug(msg string, fields ...zap.Field) { Lg.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Lg.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Lg.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Lg.Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { Lg.Fatal(msg, fields...) }

// Sync 刷新缓冲
func Sync() {
	_ = Lg.Sync()
}

package handlers

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
)

var (
	ErrNoExternalURL      = errors.New("external url is not configured")
	ErrInvalidExternalURL = errors.New("external url must be http(s) or ws(s)")
)

// ProvisioningConfig 生成设备配置所需的网关参数
type ProvisioningConfig struct {
	ExternalURL       string
	Port              int
	Path              string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	AudioParams       message.AudioParams
	FrameDuration     int
}

// DeviceConfig 下发给设备固件的配置
type DeviceConfig struct {
	DeviceID          string              `json:"device_id"`
	WebsocketURL      string              `json:"websocket_url"`
	ReconnectInterval int64               `json:"reconnect_interval"`
	PingInterval      int64               `json:"ping_interval"`
	AudioParams       message.AudioParams `json:"audio_params"`
	FrameDuration     int                 `json:"frame_duration,omitempty"`
	Firmware          string              `json:"firmware"`
	ErrorCodes        ErrorCodes          `json:"error_codes"`
}

// ErrorCodes 设备可能收到的 error 消息错误码
type ErrorCodes struct {
	Turn    []string `json:"turn"`
	Request []string `json:"request"`
}

// Build 生成设备配置，override 非空时替代配置的外部地址
func (p ProvisioningConfig) Build(deviceID, override string) (*DeviceConfig, error) {
	base := p.ExternalURL
	if override != "" {
		base = override
	}
	wsURL, err := p.websocketURL(base)
	if err != nil {
		return nil, err
	}
	cfg := &DeviceConfig{
		DeviceID:          deviceID,
		WebsocketURL:      wsURL,
		ReconnectInterval: p.ReconnectInterval.Milliseconds(),
		PingInterval:      p.PingInterval.Milliseconds(),
		AudioParams:       p.AudioParams,
		FrameDuration:     p.FrameDuration,
		ErrorCodes: ErrorCodes{
			Turn:    errhandler.TurnOutcomeCodes(),
			Request: errhandler.RequestCodes(),
		},
	}
	cfg.Firmware = firmwareDefines(cfg)
	return cfg, nil
}

// websocketURL http→ws，https→wss，端口替换为网关端口，路径追加网关路径
func (p ProvisioningConfig) websocketURL(base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", ErrNoExternalURL
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExternalURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidExternalURL, base)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidExternalURL, base)
	}
	if p.Port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(p.Port))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(p.Path, "/")
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

func firmwareDefines(cfg *DeviceConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#define XIAOZHI_DEVICE_ID \"%s\"\n", cfg.DeviceID)
	fmt.Fprintf(&b, "#define XIAOZHI_WEBSOCKET_URL \"%s\"\n", cfg.WebsocketURL)
	fmt.Fprintf(&b, "#define XIAOZHI_RECONNECT_INTERVAL %d\n", cfg.ReconnectInterval)
	fmt.Fprintf(&b, "#define XIAOZHI_PING_INTERVAL %d\n", cfg.PingInterval)
	return b.String()
}

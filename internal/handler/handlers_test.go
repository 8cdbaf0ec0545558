package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/xiaozhi-gateway/internal/listeners"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/events"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/message"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGateway struct {
	sessions map[string]gateway.SessionInfo
	spoken   []string
	speakErr error
}

func (g *fakeGateway) ConnectedDevices() []string {
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (g *fakeGateway) Sessions() []gateway.SessionInfo {
	out := make([]gateway.SessionInfo, 0, len(g.sessions))
	for _, info := range g.sessions {
		out = append(out, info)
	}
	return out
}

func (g *fakeGateway) Session(id string) (gateway.SessionInfo, bool) {
	info, ok := g.sessions[id]
	return info, ok
}

func (g *fakeGateway) SendSpeech(_ context.Context, id, text string) error {
	if _, ok := g.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", gateway.ErrDeviceNotConnected, id)
	}
	if g.speakErr != nil {
		return g.speakErr
	}
	g.spoken = append(g.spoken, id+":"+text)
	return nil
}

type fakePresence map[string]*listeners.DevicePresence

func (p fakePresence) Lookup(_ context.Context, id string) (*listeners.DevicePresence, bool) {
	v, ok := p[id]
	return v, ok
}

func testProvisioning() ProvisioningConfig {
	return ProvisioningConfig{
		ExternalURL:       "https://home.example.com:8123",
		Port:              8554,
		Path:              "/xiaozhi",
		ReconnectInterval: 5 * time.Second,
		PingInterval:      30 * time.Second,
		AudioParams:       message.AudioParams{SampleRate: 16000, Format: "opus", Channels: 1},
	}
}

func newTestEngine(gw *fakeGateway, presence PresenceStore) *gin.Engine {
	r := gin.New()
	NewHandlers(gw, presence, testProvisioning()).Register(r)
	return r
}

type envelope struct {
	Code int                    `json:"code"`
	Msg  string                 `json:"msg"`
	Data map[string]interface{} `json:"data"`
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestListDevices(t *testing.T) {
	gw := &fakeGateway{sessions: map[string]gateway.SessionInfo{"dev-1": {DeviceID: "dev-1"}}}
	w, env := do(t, newTestEngine(gw, nil), http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), env.Data["count"])
	assert.Equal(t, []interface{}{"dev-1"}, env.Data["devices"])
	sessions, ok := env.Data["sessions"].([]interface{})
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, "dev-1", sessions[0].(map[string]interface{})["device_id"])
}

func TestGetDevice(t *testing.T) {
	gw := &fakeGateway{sessions: map[string]gateway.SessionInfo{
		"live": {DeviceID: "live", SessionID: "s-1", State: "active"},
	}}
	presence := fakePresence{"gone": {DeviceID: "gone", LastSeen: time.Now()}}
	r := newTestEngine(gw, presence)

	w, env := do(t, r, http.MethodGet, "/api/devices/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, env.Data["connected"])
	session := env.Data["session"].(map[string]interface{})
	assert.Equal(t, "s-1", session["session_id"])

	w, env = do(t, r, http.MethodGet, "/api/devices/gone", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, env.Data["connected"])
	assert.NotNil(t, env.Data["presence"])

	w, _ = do(t, r, http.MethodGet, "/api/devices/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendDeviceSpeech(t *testing.T) {
	tests := []struct {
		name   string
		device string
		body   string
		err    error
		status int
	}{
		{name: "delivered", device: "dev", body: `{"message":"hello"}`, status: http.StatusOK},
		{name: "missing message", device: "dev", body: `{}`, status: http.StatusBadRequest},
		{name: "not connected", device: "ghost", body: `{"message":"hello"}`, status: http.StatusNotFound},
		{name: "synthesis failed", device: "dev", body: `{"message":"hello"}`, err: errors.New("tts down"), status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{sessions: map[string]gateway.SessionInfo{"dev": {}}, speakErr: tt.err}
			w, _ := do(t, newTestEngine(gw, nil), http.MethodPost, "/api/devices/"+tt.device+"/tts", tt.body)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, []string{"dev:hello"}, gw.spoken)
				assert.Contains(t, events.GetEventBus().GetPublishedEventTypes(), events.SpeechDispatched)
			}
		})
	}
}

func TestGetDeviceConfig(t *testing.T) {
	r := newTestEngine(&fakeGateway{}, nil)
	w, env := do(t, r, http.MethodGet, "/api/devices/esp-01/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wss://home.example.com:8554/xiaozhi", env.Data["websocket_url"])
	assert.Equal(t, float64(5000), env.Data["reconnect_interval"])
	assert.Equal(t, float64(30000), env.Data["ping_interval"])
	assert.Contains(t, env.Data["firmware"], `#define XIAOZHI_DEVICE_ID "esp-01"`)
	codes, ok := env.Data["error_codes"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, codes["turn"], "aborted")
	assert.Contains(t, codes["request"], "turn-active")

	w, env = do(t, r, http.MethodGet, "/api/devices/esp-01/config?external_url=http://192.168.1.5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ws://192.168.1.5:8554/xiaozhi", env.Data["websocket_url"])
}

func TestProvisioningWebsocketURL(t *testing.T) {
	p := testProvisioning()
	tests := []struct {
		base string
		want string
		err  error
	}{
		{base: "http://ha.local", want: "ws://ha.local:8554/xiaozhi"},
		{base: "https://ha.example.com/", want: "wss://ha.example.com:8554/xiaozhi"},
		{base: "https://ha.example.com/proxy", want: "wss://ha.example.com:8554/proxy/xiaozhi"},
		{base: "http://[::1]:8123", want: "ws://[::1]:8554/xiaozhi"},
		{base: "", err: ErrNoExternalURL},
		{base: "ftp://ha.local", err: ErrInvalidExternalURL},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := p.websocketURL(tt.base)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealth(t *testing.T) {
	r := newTestEngine(&fakeGateway{}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

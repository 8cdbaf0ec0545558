package message

// Type 协议消息类型
type Type string

const (
	TypeHello             Type = "hello"
	TypeAuth              Type = "auth"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeStartListen       Type = "start_listen"
	TypeStopListen        Type = "stop_listen"
	TypeWakewordDetected  Type = "wakeword_detected"
	TypeAbort             Type = "abort"
	TypeText              Type = "text"
	TypeTTS               Type = "tts"
	TypeRecognitionResult Type = "recognition_result"
	TypeError             Type = "error"
)

// TTS 子状态
const (
	TTSStateStart = "start"
	TTSStateEnd   = "end"
	TTSStateError = "error"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusIdle  = "idle"

	TransportWebSocket = "websocket"
)

// IsControl 是否为设备侧的回合控制消息
func (t Type) IsControl() bool {
	switch t {
	case TypeStartListen, TypeStopListen, TypeWakewordDetected, TypeAbort, TypeText:
		return true
	}
	return false
}

// Known 是否为协议内已定义的类型
func (t Type) Known() bool {
	switch t {
	case TypeHello, TypeAuth, TypePing, TypePong, TypeTTS, TypeRecognitionResult, TypeError:
		return true
	}
	return t.IsControl()
}

// AudioParams 音频参数
type AudioParams struct {
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	Channels   int    `json:"channels"`
}

// Inbound 设备上行的文本消息
type Inbound struct {
	Type        Type
	DeviceID    string
	Text        string
	AudioParams *AudioParams
	Raw         map[string]interface{}
}

// HelloAck hello 应答
type HelloAck struct {
	Type        Type        `json:"type"`
	Transport   string      `json:"transport"`
	AudioParams AudioParams `json:"audio_params"`
	Status      string      `json:"status"`
}

// AuthAck auth 应答
type AuthAck struct {
	Type    Type   `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Pong 协议层心跳应答
type Pong struct {
	Type Type `json:"type"`
}

// Ack 控制消息的尽力应答
type Ack struct {
	Type   Type   `json:"type"`
	Status string `json:"status"`
	TurnID string `json:"turn_id,omitempty"`
}

// TTS 语音播报标记
type TTS struct {
	Type    Type   `json:"type"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// RecognitionResult 识别结果
type RecognitionResult struct {
	Type     Type   `json:"type"`
	Text     string `json:"text"`
	Response string `json:"response,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`
}

// Error 错误消息，Code 为稳定的错误码
type Error struct {
	Type    Type   `json:"type"`
	Code    string `json:"error"`
	Message string `json:"message"`
	TurnID  string `json:"turn_id,omitempty"`
}

func NewHelloAck(params AudioParams) HelloAck {
	return HelloAck{Type: TypeHello, Transport: TransportWebSocket, AudioParams: params, Status: StatusOK}
}

func NewAuthAck(ok bool, msg string) AuthAck {
	status := StatusOK
	if !ok {
		status = StatusError
	}
	return AuthAck{Type: TypeAuth, Status: status, Message: msg}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

func NewAck(t Type, status, turnID string) Ack {
	return Ack{Type: t, Status: status, TurnID: turnID}
}

func NewTTS(state, text string) TTS {
	return TTS{Type: TypeTTS, State: state, Message: text}
}

func NewRecognitionResult(text, response, turnID string) RecognitionResult {
	return RecognitionResult{Type: TypeRecognitionResult, Text: text, Response: response, TurnID: turnID}
}

func NewError(code, msg, turnID string) Error {
	return Error{Type: TypeError, Code: code, Message: msg, TurnID: turnID}
}

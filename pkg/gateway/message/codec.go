package message

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cast"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrMissingType = errors.New("missing message type")
)

// Decode 解析文本帧，必须是带 type 字段的 JSON 对象
func Decode(data []byte) (*Inbound, error) {
	var raw map[string]interface{}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, ErrMalformed
	}

	t, _ := raw["type"].(string)
	if t == "" {
		return nil, ErrMissingType
	}

	in := &Inbound{Type: Type(t), Raw: raw}
	switch in.Type {
	case TypeHello:
		in.DeviceID = stringField(raw, "device_id")
		in.AudioParams = audioParams(raw["audio_params"])
	case TypeAuth:
		in.DeviceID = stringField(raw, "device-id")
		if in.DeviceID == "" {
			in.DeviceID = stringField(raw, "device_id")
		}
	case TypeText, TypeWakewordDetected:
		in.Text = stringField(raw, "text")
	}
	return in, nil
}

// Encode 序列化下行消息
func Encode(v interface{}) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

func stringField(raw map[string]interface{}, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

func audioParams(v interface{}) *AudioParams {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return &AudioParams{
		SampleRate: cast.ToInt(m["sample_rate"]),
		Format:     cast.ToString(m["format"]),
		Channels:   cast.ToInt(m["channels"]),
	}
}

package relay

import "encoding/json"

// Control frame types exchanged as websocket text messages. Media travels in
// binary messages.
const (
	FrameSwitch   = "switch"
	FrameSwitched = "switched"
	FrameReady    = "ready"
	FrameError    = "error"
	FramePing     = "ping"
	FramePong     = "pong"
)

// Error codes carried by FrameError.
const (
	CodeConnectionRejected = "connection_rejected"
	CodeEncoderCrashed     = "encoder_crashed"
	CodeEncoderSpawn       = "encoder_spawn"
	CodeStoreUnavailable   = "store_unavailable"
	CodeBadFrame           = "bad_frame"
)

// Frame is a control message.
type Frame struct {
	Type         string `json:"type"`
	Format       string `json:"format,omitempty"`
	Sequence     *int64 `json:"sequence,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Code         string `json:"code,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

func EncodeFrame(f Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

func seq(n int64) *int64 { return &n }

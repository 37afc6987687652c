package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types on the capture trigger channel.
const (
	TypeConnected    = "connected"
	TypeClientReady  = "client_ready"
	TypeCaptureFrame = "capture_frame"
	TypeError        = "error"
)

// Message is one JSON frame on the trigger channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectedPayload struct {
	ClientID string `json:"client_id"`
}

type ClientReadyPayload struct {
	DeviceName string `json:"device_name"`
}

type CaptureFramePayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// NewMessage marshals payload into a message of the given type.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v as is.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
)

// Protocol constants
const (
	// Client to server message types
	TypeStart      = "start"
	TypeMicrophone = "microphone"
	TypeMute       = "mute"
	TypeText       = "text"
	TypeStop       = "stop"

	// Server to client message types
	TypeStatus    = "status"
	TypeMessage   = "message"
	TypeAudio     = "audio"
	TypeStopAudio = "stop_audio"
	TypeError     = "error"

	// MaxTextLength bounds typed text and control messages
	MaxTextLength = 4096
	// MaxControlSize bounds one JSON control frame
	MaxControlSize = 16 * 1024
)

// ClientMessage is a JSON control frame sent by the widget
type ClientMessage struct {
	Type    string `json:"type"`
	Consent *bool  `json:"consent,omitempty"` // start
	Granted *bool  `json:"granted,omitempty"` // microphone
	Muted   *bool  `json:"muted,omitempty"`   // mute
	Text    string `json:"text,omitempty"`    // text
}

// ServerMessage is a JSON frame sent to the widget. Only the fields of the
// given type are set.
type ServerMessage struct {
	Type string `json:"type"`

	// status
	State string `json:"state,omitempty"`

	// status, message, error
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// audio
	ID       uint64   `json:"id,omitempty"`
	StartAt  float64  `json:"start_at,omitempty"`
	Duration float64  `json:"duration,omitempty"`
	Data     string   `json:"data,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	IDs      []uint64 `json:"ids,omitempty"` // stop_audio
}

// ParseClientMessage decodes and validates a control frame
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if len(data) > MaxControlSize {
		return nil, fmt.Errorf("message too large: %d bytes (maximum %d)", len(data), MaxControlSize)
	}

	msg := &ClientMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := ValidateClientMessage(msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return msg, nil
}

// ValidateClientMessage checks the type and its required fields
func ValidateClientMessage(msg *ClientMessage) error {
	if !IsValidClientType(msg.Type) {
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}

	switch msg.Type {
	case TypeStart:
		// A call is only placed after the visitor accepted the privacy terms
		if msg.Consent == nil || !*msg.Consent {
			return fmt.Errorf("start requires consent")
		}
	case TypeMicrophone:
		if msg.Granted == nil {
			return fmt.Errorf("microphone requires granted")
		}
	case TypeMute:
		if msg.Muted == nil {
			return fmt.Errorf("mute requires muted")
		}
	case TypeText:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return fmt.Errorf("text is empty")
		}
		if len(text) > MaxTextLength {
			return fmt.Errorf("text too long: %d bytes (maximum %d)", len(text), MaxTextLength)
		}
	}

	return nil
}

// IsValidClientType checks if the client message type is known
func IsValidClientType(t string) bool {
	switch t {
	case TypeStart, TypeMicrophone, TypeMute, TypeText, TypeStop:
		return true
	}
	return false
}

// ParseAudioFrame decodes a binary frame of little-endian float32 capture
// samples
func ParseAudioFrame(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio frame")
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio frame length %d is not a multiple of 4", len(data))
	}
	return pcm.Float32LE(data), nil
}

// NewStatus builds a status frame
func NewStatus(state, text string) *ServerMessage {
	return &ServerMessage{Type: TypeStatus, State: state, Text: text}
}

// NewTranscriptMessage builds a transcript message frame
func NewTranscriptMessage(role, text string) *ServerMessage {
	return &ServerMessage{Type: TypeMessage, Role: role, Text: text}
}

// NewAudio builds an audio frame: the first channel of buf as base64 16-bit
// PCM, to start at the given output clock time
func NewAudio(id uint64, buf *pcm.Buffer, at float64) *ServerMessage {
	var samples []float32
	if buf != nil && len(buf.Channels) > 0 {
		samples = buf.Channels[0]
	}
	rate := pcm.OutputSampleRate
	if buf != nil && buf.SampleRate > 0 {
		rate = buf.SampleRate
	}
	return &ServerMessage{
		Type:     TypeAudio,
		ID:       id,
		StartAt:  at,
		Duration: buf.Duration(),
		Data:     pcm.Encode(pcm.FloatsToPCM16(samples)),
		MIMEType: pcm.MIMEType(rate),
	}
}

// NewStopAudio builds a frame cancelling scheduled buffers
func NewStopAudio(ids ...uint64) *ServerMessage {
	return &ServerMessage{Type: TypeStopAudio, IDs: ids}
}

// NewError builds an error frame
func NewError(text string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Text: text}
}

// audioPayload is the wire form of an audio frame. Every field is always
// present: a buffer may be scheduled at clock 0 with id 0.
type audioPayload struct {
	Type     string  `json:"type"`
	ID       uint64  `json:"id"`
	StartAt  float64 `json:"start_at"`
	Duration float64 `json:"duration"`
	Data     string  `json:"data"`
	MIMEType string  `json:"mime_type"`
}

// MarshalJSON writes audio frames with all their fields and every other
// type with only the fields it sets
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	if m.Type == TypeAudio {
		return json.Marshal(audioPayload{
			Type:     m.Type,
			ID:       m.ID,
			StartAt:  m.StartAt,
			Duration: m.Duration,
			Data:     m.Data,
			MIMEType: m.MIMEType,
		})
	}
	type plain ServerMessage
	return json.Marshal(plain(m))
}

// Encode marshals a server frame
func (m *ServerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// String returns a human-readable representation of the client message
func (m *ClientMessage) String() string {
	switch m.Type {
	case TypeStart:
		return fmt.Sprintf("ClientMessage{Type:%s, Consent:%v}", m.Type, boolValue(m.Consent))
	case TypeMicrophone:
		return fmt.Sprintf("ClientMessage{Type:%s, Granted:%v}", m.Type, boolValue(m.Granted))
	case TypeMute:
		return fmt.Sprintf("ClientMessage{Type:%s, Muted:%v}", m.Type, boolValue(m.Muted))
	case TypeText:
		return fmt.Sprintf("ClientMessage{Type:%s, TextLen:%d}", m.Type, len(m.Text))
	default:
		return fmt.Sprintf("ClientMessage{Type:%s}", m.Type)
	}
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

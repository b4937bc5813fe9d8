package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/satriahrh/storyteller/server/internal/audio"
)

// MessageType is the discriminator of a device control message
type MessageType string

// Device to bridge message types
const (
	MessageTypeAudio             MessageType = "audio"
	MessageTypeHeartbeat         MessageType = "heartbeat"
	MessageTypeText              MessageType = "text"
	MessageTypeEndStream         MessageType = "end_stream"
	MessageTypeStartConversation MessageType = "start_conversation"
	MessageTypeEndConversation   MessageType = "end_conversation"
	MessageTypeDisconnect        MessageType = "disconnect"
)

var (
	ErrInvalidJSON     = errors.New("invalid JSON format")
	ErrMissingType     = errors.New("message missing type field")
	ErrUnsupportedType = errors.New("unsupported message type")
)

// BaseMessage carries the fields every device message shares
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// AudioMessage is a hex encoded PCM16 frame at the device rate
type AudioMessage struct {
	BaseMessage
	AudioData string `json:"audio_data"`

	// PCM is the decoded frame.
	PCM []byte `json:"-"`
}

// TextMessage is a typed user turn
type TextMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// ControlMessage is any message without a payload
type ControlMessage struct {
	BaseMessage
}

// MessageValidator parses device control messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses a text frame into one of *AudioMessage,
// *TextMessage or *ControlMessage.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (any, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if base.Type == "" {
		return nil, ErrMissingType
	}

	switch base.Type {
	case MessageTypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid audio message: %w", err)
		}
		if err := v.validateAudio(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeText:
		var msg TextMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid text message: %w", err)
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, fmt.Errorf("text is required")
		}
		return &msg, nil

	case MessageTypeHeartbeat, MessageTypeEndStream, MessageTypeStartConversation,
		MessageTypeEndConversation, MessageTypeDisconnect:
		return &ControlMessage{BaseMessage: base}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, base.Type)
	}
}

// validateAudio decodes the hex payload
func (v *MessageValidator) validateAudio(msg *AudioMessage) error {
	if msg.AudioData == "" {
		return fmt.Errorf("audio_data is required")
	}
	pcm, err := audio.DecodeHex(msg.AudioData)
	if err != nil {
		return err
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio_data must hold whole PCM16 samples, got %d bytes", len(pcm))
	}
	msg.PCM = pcm
	return nil
}

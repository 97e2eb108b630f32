package ws

import (
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageModelUpdated MessageType = "presence.model_updated"
	MessageModelDeleted MessageType = "presence.model_deleted"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

func modelUpdated(s analytics.ModelSummary, at time.Time) Message {
	return Message{Type: MessageModelUpdated, DeviceID: s.DeviceID, Timestamp: at, Data: s}
}

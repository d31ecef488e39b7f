package model

import "encoding/json"

// WebSocket event names
const (
	EventMessageHistory = "messageHistory"
	EventNewMessage     = "newMessage"
	EventSendMessage    = "sendMessage"
)

// OutboundEvent is a server → client frame.
type OutboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// InboundEvent is a client → server frame. Data is decoded per event.
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HistoryFrame encodes a messageHistory event. A nil slice is sent as [].
func HistoryFrame(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(OutboundEvent{Event: EventMessageHistory, Data: msgs})
}

// NewMessageFrame encodes a newMessage event.
func NewMessageFrame(msg Message) ([]byte, error) {
	return json.Marshal(OutboundEvent{Event: EventNewMessage, Data: msg})
}

package observability

import "time"

// MessageType discriminates the payload carried by a pushed Message.
type MessageType string

const (
	MessageTypeConnectionState MessageType = "connection_state"
	MessageTypePinUpdate       MessageType = "pin_update"
)

// Message is the envelope pushed to every connected observability client.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ConnectionStateData reports the component's derived connection state.
type ConnectionStateData struct {
	State        string `json:"state"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PinUpdateData reports a single pin's current value.
type PinUpdateData struct {
	Name   string      `json:"name"`
	Type   string      `json:"type"`
	Value  interface{} `json:"value"`
	Synced bool        `json:"synced"`
}

func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{Type: msgType, Timestamp: time.Now(), Data: data}
}

func NewConnectionStateMessage(state, errKind, errText string) Message {
	return NewMessage(MessageTypeConnectionState, ConnectionStateData{
		State:        state,
		ErrorKind:    errKind,
		ErrorMessage: errText,
	})
}

func NewPinUpdateMessage(name, typ string, value interface{}, synced bool) Message {
	return NewMessage(MessageTypePinUpdate, PinUpdateData{
		Name:   name,
		Type:   typ,
		Value:  value,
		Synced: synced,
	})
}

package model

import (
	"encoding/json"
	"time"
)

// Event is a typed session notification. It is encoded as one flat JSON
// object: {"type": ..., <payload fields>, "timestamp": <unix ms>}.
type Event struct {
	Type      EventType
	Payload   map[string]any
	Timestamp time.Time
}

func NewEvent(eventType EventType, payload map[string]any) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
}

func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["type"] = e.Type
	flat["timestamp"] = e.Timestamp.UnixMilli()
	return json.Marshal(flat)
}

func QREvent(code string, expiresIn time.Duration) Event {
	return NewEvent(EventQR, map[string]any{
		"qr":         code,
		"expires_in": expiresIn.Milliseconds(),
	})
}

func InitializingEvent(state SessionState, lastError string) Event {
	payload := map[string]any{
		"message": "Session is initializing",
		"state":   state,
	}
	if lastError != "" {
		payload["lastError"] = lastError
	}
	return NewEvent(EventInitializing, payload)
}

func ConnectingEvent() Event {
	return NewEvent(EventConnecting, map[string]any{
		"message": "Connecting to device...",
	})
}

func ConnectedEvent(device Device) Event {
	return NewEvent(EventConnected, map[string]any{
		"message": "Device connected",
		"device":  device,
	})
}

// ErrorEvent builds an error notification. code and state are omitted when empty.
func ErrorEvent(message string, code string, state SessionState) Event {
	payload := map[string]any{"message": message}
	if code != "" {
		payload["code"] = code
	}
	if state != "" {
		payload["state"] = state
	}
	return NewEvent(EventError, payload)
}

func MessageReceivedEvent(msg Message) Event {
	return Event{Type: EventMessageReceived, Payload: msg.EventFields(), Timestamp: msg.Timestamp}
}

func MessageSentEvent(msg Message) Event {
	payload := msg.EventFields()
	payload["success"] = true
	return Event{Type: EventMessageSent, Payload: payload, Timestamp: msg.Timestamp}
}

func ConversationsEvent(list []ConversationSummary) Event {
	return NewEvent(EventConversations, map[string]any{
		"conversations": FormatConversations(list),
	})
}

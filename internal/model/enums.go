package model

type SessionState string

const (
	SessionStateUninitialized SessionState = "uninitialized"
	SessionStateCodeIssued    SessionState = "code_issued"
	SessionStateConnecting    SessionState = "connecting"
	SessionStateConnected     SessionState = "connected"
	SessionStateDisconnected  SessionState = "disconnected"
	SessionStateError         SessionState = "error"
)

// Recoverable reports whether Initialize may start a fresh pairing cycle from s.
func (s SessionState) Recoverable() bool {
	switch s {
	case SessionStateUninitialized, SessionStateDisconnected, SessionStateError:
		return true
	}
	return false
}

type EventType string

const (
	EventQR              EventType = "qr"
	EventInitializing    EventType = "initializing"
	EventConnecting      EventType = "connecting"
	EventConnected       EventType = "connected"
	EventError           EventType = "error"
	EventMessageReceived EventType = "message_received"
	EventMessageSent     EventType = "message_sent"
	EventConversations   EventType = "conversations"
)

type CommandType string

const (
	CommandRefreshCode      CommandType = "refresh-qr"
	CommandSimulateConnect  CommandType = "mock-connect"
	CommandSendMessage      CommandType = "send_message"
	CommandGetConversations CommandType = "get_conversations"
)

type OnboardingStatus string

const (
	OnboardingStatusPending   OnboardingStatus = "pending"
	OnboardingStatusCompleted OnboardingStatus = "completed"
)

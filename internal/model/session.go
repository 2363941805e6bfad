package model

import (
	"time"
)

// Device is the synthesized identity of the phone that completed pairing.
type Device struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// SessionSnapshot is a consistent copy of the session state at one instant.
type SessionSnapshot struct {
	State         SessionState
	Code          string
	CodeExpiresAt time.Time
	Device        *Device
	LastError     string
}

// CodeExpiresIn returns how long the current pairing code stays valid, or zero.
func (s SessionSnapshot) CodeExpiresIn(now time.Time) time.Duration {
	if s.Code == "" || s.CodeExpiresAt.IsZero() {
		return 0
	}
	if d := s.CodeExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s SessionSnapshot) Ready() bool {
	return s.State == SessionStateConnected
}

package model

import (
	"time"
)

type Message struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Body        string    `json:"body"`
	FromMe      bool      `json:"fromMe"`
	ContactName string    `json:"contactName,omitempty"`
	Timestamp   time.Time `json:"-"`
}

// Peer returns the remote party of the conversation the message belongs to.
func (m *Message) Peer() string {
	if m.FromMe {
		return m.To
	}
	return m.From
}

// EventFields returns the flattened wire fields of the message.
func (m *Message) EventFields() map[string]any {
	fields := map[string]any{
		"id":        m.ID,
		"from":      m.From,
		"to":        m.To,
		"body":      m.Body,
		"fromMe":    m.FromMe,
		"timestamp": m.Timestamp.UnixMilli(),
	}
	if m.ContactName != "" {
		fields["contactName"] = m.ContactName
	}
	return fields
}

type ConversationSummary struct {
	Peer        string
	ContactName string
	LastMessage Message
	Unread      int
}

func (c ConversationSummary) ToMap() map[string]any {
	out := map[string]any{
		"peer":        c.Peer,
		"lastMessage": c.LastMessage.EventFields(),
		"unread":      c.Unread,
	}
	if c.ContactName != "" {
		out["contactName"] = c.ContactName
	}
	return out
}

func FormatConversations(list []ConversationSummary) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, c := range list {
		out = append(out, c.ToMap())
	}
	return out
}

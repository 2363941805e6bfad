package service

import (
	"sort"

	"github.com/chatrelay/session-relay/internal/model"
)

type conversation struct {
	peer        string
	contactName string
	messages    []model.Message
	unread      int
}

func (c *conversation) last() model.Message {
	return c.messages[len(c.messages)-1]
}

// conversationBook holds the per-peer message history of one session.
// It is not safe for concurrent use; SessionService guards it.
type conversationBook struct {
	byPeer map[string]*conversation
}

func newConversationBook() *conversationBook {
	return &conversationBook{byPeer: make(map[string]*conversation)}
}

// append adds msg to its peer's conversation, creating it on first use.
// Inbound messages bump the unread counter. The stored copy is returned,
// with its timestamp clamped to keep the history monotonic.
func (b *conversationBook) append(msg model.Message) model.Message {
	peer := msg.Peer()
	conv, ok := b.byPeer[peer]
	if !ok {
		conv = &conversation{peer: peer}
		b.byPeer[peer] = conv
	}

	if n := len(conv.messages); n > 0 && msg.Timestamp.Before(conv.messages[n-1].Timestamp) {
		msg.Timestamp = conv.messages[n-1].Timestamp
	}

	conv.messages = append(conv.messages, msg)
	if msg.ContactName != "" {
		conv.contactName = msg.ContactName
	}
	if !msg.FromMe {
		conv.unread++
	}
	return msg
}

func (b *conversationBook) markRead(peer string) {
	if conv, ok := b.byPeer[peer]; ok {
		conv.unread = 0
	}
}

func (b *conversationBook) contactName(peer string) string {
	if conv, ok := b.byPeer[peer]; ok {
		return conv.contactName
	}
	return ""
}

func (b *conversationBook) messages(peer string) []model.Message {
	conv, ok := b.byPeer[peer]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), conv.messages...)
}

// summaries lists every conversation, most recently active first, ties
// broken by peer id.
func (b *conversationBook) summaries() []model.ConversationSummary {
	out := make([]model.ConversationSummary, 0, len(b.byPeer))
	for _, conv := range b.byPeer {
		out = append(out, model.ConversationSummary{
			Peer:        conv.peer,
			ContactName: conv.contactName,
			LastMessage: conv.last(),
			Unread:      conv.unread,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessage.Timestamp, out[j].LastMessage.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Peer < out[j].Peer
	})

	return out
}

func (b *conversationBook) reset() {
	b.byPeer = make(map[string]*conversation)
}

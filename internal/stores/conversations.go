// Package stores holds the pass-through conversation and announcement lists
// fed by the event router.
package stores

import (
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// Conversations keeps direct message threads, most recently active first.
type Conversations struct {
	items []streaming.Conversation
}

// NewConversations creates an empty store.
func NewConversations() *Conversations {
	return &Conversations{}
}

// Upsert replaces the conversation with the same id and moves it to the top.
func (c *Conversations) Upsert(conv streaming.Conversation) {
	if conv.ID == "" {
		return
	}
	for i := range c.items {
		if c.items[i].ID == conv.ID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.items = append([]streaming.Conversation{conv}, c.items...)
}

// Remove drops a conversation.
func (c *Conversations) Remove(id string) bool {
	for i := range c.items {
		if c.items[i].ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

// MarkRead clears the unread flag.
func (c *Conversations) MarkRead(id string) bool {
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Unread = false
			return true
		}
	}
	return false
}

// Len returns the number of conversations.
func (c *Conversations) Len() int { return len(c.items) }

// Snapshot copies the list.
func (c *Conversations) Snapshot() []streaming.Conversation {
	out := make([]streaming.Conversation, len(c.items))
	copy(out, c.items)
	return out
}

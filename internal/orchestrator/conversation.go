package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// Conversation is the message history of one connection. The orchestrator
// is its only writer.
type Conversation struct {
	mu       sync.RWMutex
	messages []models.Message
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds messages, filling in missing ids and timestamps.
func (c *Conversation) Append(msgs ...models.Message) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		c.messages = append(c.messages, m)
	}
}

// History returns a copy of every message in order.
func (c *Conversation) History() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

package bot

import (
	"sync"
	"time"
)

// conversationTTL is how long a pending /add conversation stays answerable.
// Expiry is lazy: checked when the next message arrives, not by a timer.
const conversationTTL = 5 * time.Minute

type stage int

const (
	stageURL stage = iota
	stageCadence
)

type pending struct {
	stage    stage
	url      string
	deadline time.Time
}

// conversations tracks the per-chat /add state machine.
type conversations struct {
	mu      sync.Mutex
	pending map[int64]*pending
}

func newConversations() *conversations {
	return &conversations{pending: map[int64]*pending{}}
}

func (c *conversations) begin(chatID int64) {
	c.mu.Lock()
	c.pending[chatID] = &pending{stage: stageURL, deadline: time.Now().Add(conversationTTL)}
	c.mu.Unlock()
}

// take removes and returns the chat's pending state. Callers that want to
// keep the conversation going put a successor back with resumeAt.
func (c *conversations) take(chatID int64) (pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[chatID]
	if !ok {
		return pending{}, false
	}
	delete(c.pending, chatID)
	if time.Now().After(p.deadline) {
		return pending{}, false
	}
	return *p, true
}

func (c *conversations) resumeAt(chatID int64, s stage, url string) {
	c.mu.Lock()
	c.pending[chatID] = &pending{stage: s, url: url, deadline: time.Now().Add(conversationTTL)}
	c.mu.Unlock()
}

// clear abandons any pending conversation; reports whether one existed and
// was still live.
func (c *conversations) clear(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[chatID]
	delete(c.pending, chatID)
	return ok && !time.Now().After(p.deadline)
}

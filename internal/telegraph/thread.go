package telegraph

import (
	"context"
	"sync"
)

// DefaultReplyThreads bounds how many notification threads are remembered.
const DefaultReplyThreads = 512

// PostedMessage identifies a message an adapter posted.
type PostedMessage struct {
	ID       string // platform message ID
	ThreadID string // thread where replies land; empty if none was opened
}

// Poster is implemented by adapters that can report where a posted message
// lives, so replies to it can be traced back to the notification.
type Poster interface {
	Post(ctx context.Context, msg OutboundMessage) (PostedMessage, error)
}

// ReplyThreads remembers which reply token each notification message carried.
// A chat reply inside that thread, or quoting that message, can then be
// relayed without the user retyping the token. The registry remains the
// authority on whether the token is still valid.
type ReplyThreads struct {
	mu     sync.Mutex
	max    int
	tokens map[string]string
	order  []string
}

// NewReplyThreads returns an index holding at most max entries; the oldest
// are forgotten first. max <= 0 selects DefaultReplyThreads.
func NewReplyThreads(max int) *ReplyThreads {
	if max <= 0 {
		max = DefaultReplyThreads
	}
	return &ReplyThreads{max: max, tokens: make(map[string]string)}
}

func threadKey(platform, id string) string { return platform + "/" + id }

// Bind records token for every non-empty ID of a posted message.
func (t *ReplyThreads) Bind(platform string, posted PostedMessage, token string) {
	if token == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range []string{posted.ID, posted.ThreadID} {
		if id == "" {
			continue
		}
		key := threadKey(platform, id)
		if _, ok := t.tokens[key]; !ok {
			t.order = append(t.order, key)
		}
		t.tokens[key] = token
	}
	for len(t.order) > t.max {
		delete(t.tokens, t.order[0])
		t.order = t.order[1:]
	}
}

// Lookup returns the token bound to the thread or quoted message of msg.
func (t *ReplyThreads) Lookup(platform string, msg InboundMessage) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range []string{msg.ThreadID, msg.ReplyTo} {
		if id == "" {
			continue
		}
		if token, ok := t.tokens[threadKey(platform, id)]; ok {
			return token, true
		}
	}
	return "", false
}

// Len returns the number of remembered IDs.
func (t *ReplyThreads) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

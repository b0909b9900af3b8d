package transport

import (
	"context"
	"sync"
)

// ConversationLocks serializes pipeline runs per conversation. A
// conversation's container workspace cannot host two concurrent
// executions, so at most one run may hold a conversation's slot at a
// time. The registry also keeps each active run's cancel function so a
// conversation delete can abort the run it owns.
//
// All methods are safe for concurrent access.
type ConversationLocks struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewConversationLocks creates an empty registry.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{
		active: make(map[string]context.CancelFunc),
	}
}

// TryAcquire claims the conversation's slot. It returns false when a run
// already holds it, in which case the caller must reject the request
// with a conversation_busy error rather than wait.
func (l *ConversationLocks) TryAcquire(conversationID string, cancel context.CancelFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.active[conversationID]; held {
		return false
	}
	l.active[conversationID] = cancel
	return true
}

// Release frees the conversation's slot. Called from every run exit path,
// including caller disconnect.
func (l *ConversationLocks) Release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, conversationID)
}

// CancelActive cancels the run holding the conversation's slot. Returns
// true if a run was active. The slot itself is released by the cancelled
// run on its way out, not here.
func (l *ConversationLocks) CancelActive(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cancel, ok := l.active[conversationID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active reports whether a run currently holds the conversation's slot.
func (l *ConversationLocks) Active(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[conversationID]
	return ok
}

// Package memory provides an in-memory implementation of transport.Store
// for testing and lightweight deployments. Data is lost when the process
// restarts. Optional LRU eviction caps the number of retained conversations.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/storage"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// entry holds a conversation and everything hanging off it. Evicting the
// conversation drops its messages, executions, and sessions with it.
type entry struct {
	conv       *api.Conversation
	messages   []*api.Message
	executions []*api.ExecutionRecord
	sessions   []*api.AutoFixSession
	lruElem    *list.Element // position in LRU list
}

// Store is an in-memory transport.Store with optional LRU eviction.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	lruList  *list.List // front = most recently used, back = least recently used
	maxSize  int        // 0 = unlimited
	settings *api.Settings
}

// Ensure Store implements transport.Store at compile time.
var _ transport.Store = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently touched conversation
// is evicted when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(_ context.Context, conv *api.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[conv.ID]; exists {
		return storage.ErrConflict
	}

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(conv.ID)
	s.entries[conv.ID] = &entry{
		conv:    conv,
		lruElem: elem,
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(_ context.Context, id string) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)

	return e.conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(_ context.Context) ([]*api.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*api.Conversation, 0, len(s.entries))
	for _, e := range s.entries {
		convs = append(convs, e.conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID > convs[j].ID
	})

	return convs, nil
}

// DeleteConversation removes a conversation together with its messages,
// execution records, and sessions.
func (s *Store) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}

	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return nil
}

// AppendMessage adds one message to a conversation's history and bumps
// the conversation's updated_at.
func (s *Store) AppendMessage(_ context.Context, msg *api.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[msg.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}

	e.messages = append(e.messages, msg)
	e.conv.UpdatedAt = time.Now().UTC()
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Store) ListMessages(_ context.Context, conversationID string) ([]*api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[conversationID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	msgs := make([]*api.Message, len(e.messages))
	copy(msgs, e.messages)
	return msgs, nil
}

// SaveExecution persists a finalized execution record.
func (s *Store) SaveExecution(_ context.Context, rec *api.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[rec.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}

	e.executions = append(e.executions, rec)
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// ListExecutions returns a conversation's execution records, newest first.
func (s *Store) ListExecutions(_ context.Context, conversationID string) ([]*api.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[conversationID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	recs := make([]*api.ExecutionRecord, len(e.executions))
	copy(recs, e.executions)
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
	return recs, nil
}

// SaveSession persists a finalized auto-fix session.
func (s *Store) SaveSession(_ context.Context, session *api.AutoFixSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[session.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}

	e.sessions = append(e.sessions, session)
	return nil
}

// GetSettings returns the persisted settings.
func (s *Store) GetSettings(_ context.Context) (*api.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.settings
	return &cp, nil
}

// SaveSettings persists the settings, replacing any previous value.
func (s *Store) SaveSettings(_ context.Context, settings *api.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings = &cp
	return nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the least recently used conversation.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}

package transport

import (
	"context"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// Store handles persistence for conversations, messages, execution
// records, auto-fix sessions, and settings. It is only wired in stateful
// deployments; the pipeline and the management API both degrade to
// stateless operation without one.
//
// The pipeline only ever writes (AppendMessage, SaveExecution,
// SaveSession); reads serve the management API.
type Store interface {
	// CreateConversation persists a new conversation. Returns
	// storage.ErrConflict when the ID is already taken.
	CreateConversation(ctx context.Context, conv *api.Conversation) error

	// GetConversation retrieves a conversation by ID. Returns
	// storage.ErrNotFound when it does not exist.
	GetConversation(ctx context.Context, id string) (*api.Conversation, error)

	// ListConversations returns all conversations, most recently
	// updated first.
	ListConversations(ctx context.Context) ([]*api.Conversation, error)

	// DeleteConversation removes a conversation together with its
	// messages, execution records, and sessions. Returns
	// storage.ErrNotFound when it does not exist.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage adds one message to a conversation's history and
	// bumps the conversation's updated_at.
	AppendMessage(ctx context.Context, msg *api.Message) error

	// ListMessages returns a conversation's messages, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]*api.Message, error)

	// SaveExecution persists a finalized execution record.
	SaveExecution(ctx context.Context, rec *api.ExecutionRecord) error

	// ListExecutions returns a conversation's execution records,
	// newest first.
	ListExecutions(ctx context.Context, conversationID string) ([]*api.ExecutionRecord, error)

	// SaveSession persists a finalized auto-fix session.
	SaveSession(ctx context.Context, session *api.AutoFixSession) error

	// GetSettings returns the persisted settings. Returns
	// storage.ErrNotFound when none have been saved yet.
	GetSettings(ctx context.Context) (*api.Settings, error)

	// SaveSettings persists the settings, replacing any previous value.
	SaveSettings(ctx context.Context, settings *api.Settings) error

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases database connections and resources.
	Close() error
}

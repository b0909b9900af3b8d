package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// WorkspaceDir is the working directory inside every execution container.
// Scripts are written here and produced files are collected from here.
const WorkspaceDir = "/workspace"

// DefaultImage is the container image used when none is configured.
const DefaultImage = "ai-code-executor:latest"

// ErrNotFound is returned when no container exists for a conversation.
var ErrNotFound = errors.New("container not found")

// ErrStatsUnavailable is returned by backends that cannot sample
// container resource usage.
var ErrStatsUnavailable = errors.New("container stats unavailable for this backend")

// Handle identifies a conversation's container within a Runtime.
type Handle struct {
	ContainerID    string
	ConversationID string
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// Info describes one managed container for the management API.
type Info struct {
	ContainerID    string    `json:"container_id"`
	ConversationID string    `json:"conversation_id"`
	Image          string    `json:"image"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

// UsageStats is a one-shot resource usage sample for a container.
type UsageStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsed    int64   `json:"memory_used"`
	MemoryLimit   int64   `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     int64   `json:"network_rx"`
	NetworkTx     int64   `json:"network_tx"`
}

// Runtime manages per-conversation execution containers for one backend.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Callers serialize executions per conversation; concurrent calls for
// different conversations are expected.
type Runtime interface {
	// GetOrCreate returns the conversation's container, creating and
	// starting one when none exists. A stopped container is restarted
	// rather than recreated so the workspace survives.
	GetOrCreate(ctx context.Context, conversationID string, limits ResourceLimits) (*Handle, error)

	// Lookup resolves a conversation to its existing container without
	// creating one. Returns ErrNotFound when the conversation has none.
	Lookup(ctx context.Context, conversationID string) (*Handle, error)

	// EnsureRunning restarts the container behind handle if it has
	// stopped. Idempotent when the container is already running.
	EnsureRunning(ctx context.Context, handle *Handle) error

	// Execute runs one unit inside the conversation's container and
	// returns the observed result. A timeout or a nonzero exit is a
	// normal result, not an error; errors report infrastructure
	// failures only. timeoutSeconds zero means no limit.
	Execute(ctx context.Context, handle *Handle, unit api.ExecutionUnit, timeoutSeconds int) (*ExecutionResult, error)

	// PutFile writes content into the container workspace under name.
	PutFile(ctx context.Context, handle *Handle, name string, content []byte) error

	// WorkspaceFiles lists the files currently in the workspace.
	// Contents are not included.
	WorkspaceFiles(ctx context.Context, handle *Handle) ([]api.FileInfo, error)

	// ReadFile returns the content of one workspace file.
	ReadFile(ctx context.Context, handle *Handle, name string) ([]byte, error)

	// List returns all containers managed by this runtime.
	List(ctx context.Context) ([]Info, error)

	// Stats samples resource usage for a conversation's container.
	// Returns ErrNotFound when the conversation has no container.
	Stats(ctx context.Context, conversationID string) (*UsageStats, error)

	// Remove stops and deletes a conversation's container together with
	// its workspace. Removing a missing container is not an error.
	Remove(ctx context.Context, conversationID string) error

	// ReclaimIdle removes containers whose last use is older than ttl
	// and reports how many were reclaimed.
	ReclaimIdle(ctx context.Context, ttl time.Duration) (int, error)

	// Close releases backend resources. Managed containers are left
	// running so conversations survive a server restart.
	Close() error
}

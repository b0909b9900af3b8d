// Package docker implements the sandbox.Runtime contract on the Docker
// Engine API.
//
// Each conversation gets one labeled, long-lived container. The container
// keeps a bash process as PID 1 and all work happens through exec
// sessions, so state in /workspace and installed packages persist between
// executions. Containers are found again after a server restart via the
// conversation label.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/debug"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

const (
	// labelConversation ties a container to its conversation. Discovery
	// after a restart filters on this label.
	labelConversation = "ai-code-executor.conversation-id"

	containerPrefix    = "aicodeexec-"
	stopTimeoutSeconds = 5
)

// Runtime manages per-conversation containers against one Docker daemon.
type Runtime struct {
	cli           *client.Client
	image         string
	fileViewLimit int64
	outputLimit   int

	mu      sync.Mutex
	handles map[string]sandbox.Handle
}

var _ sandbox.Runtime = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithImage overrides the container image.
func WithImage(img string) Option {
	return func(r *Runtime) {
		if img != "" {
			r.image = img
		}
	}
}

// WithFileViewLimit overrides how much produced file content is inlined
// into execution results. Larger files are reported as metadata only.
func WithFileViewLimit(limit int64) Option {
	return func(r *Runtime) {
		if limit > 0 {
			r.fileViewLimit = limit
		}
	}
}

// WithOutputLimit overrides how many bytes of each output stream an
// execution result may carry. Longer output is truncated.
func WithOutputLimit(limit int) Option {
	return func(r *Runtime) {
		if limit > 0 {
			r.outputLimit = limit
		}
	}
}

// NewRuntime connects to the Docker daemon, verifies it is reachable and
// pulls the execution image when it is not present locally.
func NewRuntime(ctx context.Context, opts ...Option) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, api.NewContainerCreationError(fmt.Sprintf("docker client init: %v", err))
	}

	r := &Runtime{
		cli:           cli,
		image:         sandbox.DefaultImage,
		fileViewLimit: defaultFileViewBytes,
		outputLimit:   defaultOutputBytes,
		handles:       make(map[string]sandbox.Handle),
	}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, api.NewContainerCreationError(fmt.Sprintf("docker daemon unavailable: %v", err))
	}
	if err := r.ensureImage(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) ensureImage(ctx context.Context) error {
	if _, err := r.cli.ImageInspect(ctx, r.image); err == nil {
		return nil
	}
	debug.Log("sandbox", "pulling image", "image", r.image)
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return api.NewContainerCreationError(fmt.Sprintf("image %q unavailable, pull failed: %v", r.image, err))
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return api.NewContainerCreationError(fmt.Sprintf("image %q pull interrupted: %v", r.image, err))
	}
	return nil
}

// GetOrCreate returns the conversation's container, restarting a stopped
// one and creating a fresh one only when none exists.
func (r *Runtime) GetOrCreate(ctx context.Context, conversationID string, limits sandbox.ResourceLimits) (*sandbox.Handle, error) {
	if err := limits.Validate(); err != nil {
		return nil, api.NewContainerCreationError(err.Error())
	}

	if handle := r.cachedHandle(conversationID); handle != nil {
		inspect, err := r.cli.ContainerInspect(ctx, handle.ContainerID)
		switch {
		case err == nil && inspect.State != nil && inspect.State.Running:
			r.touch(conversationID)
			return handle, nil
		case err == nil:
			if err := r.cli.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); err != nil {
				return nil, api.NewContainerRuntimeError(fmt.Sprintf("restart container: %v", err))
			}
			r.touch(conversationID)
			return handle, nil
		case client.IsErrNotFound(err):
			r.forget(conversationID)
		default:
			return nil, api.NewContainerRuntimeError(fmt.Sprintf("inspect container: %v", err))
		}
	}

	summary, err := r.findByLabel(ctx, conversationID)
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("list containers: %v", err))
	}
	if summary != nil {
		if summary.State != "running" {
			if err := r.cli.ContainerStart(ctx, summary.ID, container.StartOptions{}); err != nil {
				return nil, api.NewContainerRuntimeError(fmt.Sprintf("restart container: %v", err))
			}
		}
		now := time.Now()
		handle := sandbox.Handle{
			ContainerID:    summary.ID,
			ConversationID: conversationID,
			CreatedAt:      time.Unix(summary.Created, 0),
			LastUsedAt:     now,
		}
		r.remember(handle)
		debug.Log("sandbox", "container adopted", "conversation", conversationID, "container", shortID(summary.ID))
		return &handle, nil
	}

	return r.create(ctx, conversationID, limits)
}

// containerSpec translates resource limits into the create-time container
// and host configuration. NetworkDisabled maps to the "none" network mode
// so network units fail immediately instead of hanging until the timeout.
func (r *Runtime) containerSpec(conversationID string, limits sandbox.ResourceLimits) (*container.Config, *container.HostConfig, error) {
	memory, err := limits.MemoryBytes()
	if err != nil {
		return nil, nil, err
	}

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        []string{"/bin/bash"},
		Tty:        true,
		OpenStdin:  true,
		WorkingDir: sandbox.WorkspaceDir,
		Env:        []string{"CONVERSATION_ID=" + conversationID},
		Labels:     map[string]string{labelConversation: conversationID},
	}
	hostCfg := &container.HostConfig{}
	hostCfg.NanoCPUs = limits.NanoCPUs()
	hostCfg.Memory = memory
	if limits.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}
	return cfg, hostCfg, nil
}

func (r *Runtime) create(ctx context.Context, conversationID string, limits sandbox.ResourceLimits) (*sandbox.Handle, error) {
	cfg, hostCfg, err := r.containerSpec(conversationID, limits)
	if err != nil {
		return nil, api.NewContainerCreationError(err.Error())
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, containerPrefix+conversationID)
	if err != nil {
		return nil, api.NewContainerCreationError(fmt.Sprintf("create container: %v", err))
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, api.NewContainerCreationError(fmt.Sprintf("start container: %v", err))
	}

	now := time.Now()
	handle := sandbox.Handle{
		ContainerID:    resp.ID,
		ConversationID: conversationID,
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	r.remember(handle)
	debug.Log("sandbox", "container created", "conversation", conversationID, "container", shortID(resp.ID))
	return &handle, nil
}

// EnsureRunning restarts the container behind handle if it has stopped.
func (r *Runtime) EnsureRunning(ctx context.Context, handle *sandbox.Handle) error {
	inspect, err := r.cli.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			r.forget(handle.ConversationID)
			return fmt.Errorf("container %s: %w", shortID(handle.ContainerID), sandbox.ErrNotFound)
		}
		return api.NewContainerRuntimeError(fmt.Sprintf("inspect container: %v", err))
	}
	if inspect.State != nil && inspect.State.Running {
		return nil
	}
	if err := r.cli.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); err != nil {
		return api.NewContainerRuntimeError(fmt.Sprintf("restart container: %v", err))
	}
	return nil
}

// List returns every container carrying the conversation label.
func (r *Runtime) List(ctx context.Context) ([]sandbox.Info, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelConversation)),
	})
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("list containers: %v", err))
	}

	infos := make([]sandbox.Info, 0, len(list))
	for _, c := range list {
		info := sandbox.Info{
			ContainerID:    c.ID,
			ConversationID: c.Labels[labelConversation],
			Image:          c.Image,
			Status:         c.State,
			CreatedAt:      time.Unix(c.Created, 0),
		}
		if h := r.cachedHandle(info.ConversationID); h != nil {
			info.LastUsedAt = h.LastUsedAt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stats samples one resource usage snapshot for a conversation's container.
func (r *Runtime) Stats(ctx context.Context, conversationID string) (*sandbox.UsageStats, error) {
	handle, err := r.Lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	resp, err := r.cli.ContainerStats(ctx, handle.ContainerID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			r.forget(conversationID)
			return nil, sandbox.ErrNotFound
		}
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("container stats: %v", err))
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("decode stats: %v", err))
	}
	return computeUsage(&raw), nil
}

// computeUsage reduces a raw Docker stats sample to the fields the
// management API reports. CPU percent compares the container's usage delta
// against the host's over the sampling interval.
func computeUsage(s *container.StatsResponse) *sandbox.UsageStats {
	u := &sandbox.UsageStats{
		MemoryUsed:  int64(s.MemoryStats.Usage),
		MemoryLimit: int64(s.MemoryStats.Limit),
	}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		u.CPUPercent = cpuDelta / sysDelta * 100.0
	}
	if u.MemoryLimit > 0 {
		u.MemoryPercent = float64(u.MemoryUsed) / float64(u.MemoryLimit) * 100.0
	}
	for _, net := range s.Networks {
		u.NetworkRx += int64(net.RxBytes)
		u.NetworkTx += int64(net.TxBytes)
	}
	return u
}

// Remove stops and deletes a conversation's container. Removing a missing
// container is not an error.
func (r *Runtime) Remove(ctx context.Context, conversationID string) error {
	handle, err := r.Lookup(ctx, conversationID)
	if errors.Is(err, sandbox.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	timeout := stopTimeoutSeconds
	_ = r.cli.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout})
	if err := r.cli.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return api.NewContainerRuntimeError(fmt.Sprintf("remove container: %v", err))
	}
	r.forget(conversationID)
	debug.Log("sandbox", "container removed", "conversation", conversationID)
	return nil
}

// ReclaimIdle removes containers whose last use is older than ttl.
// Containers found without a cached handle (after a restart) are adopted
// now and become eligible one ttl later.
func (r *Runtime) ReclaimIdle(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}

	infos, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var idle []string
	r.mu.Lock()
	for _, info := range infos {
		h, ok := r.handles[info.ConversationID]
		if !ok {
			r.handles[info.ConversationID] = sandbox.Handle{
				ContainerID:    info.ContainerID,
				ConversationID: info.ConversationID,
				CreatedAt:      info.CreatedAt,
				LastUsedAt:     now,
			}
			continue
		}
		if now.Sub(h.LastUsedAt) > ttl {
			idle = append(idle, info.ConversationID)
		}
	}
	r.mu.Unlock()

	reclaimed := 0
	for _, conversationID := range idle {
		if err := r.Remove(ctx, conversationID); err != nil {
			debug.Log("sandbox", "reclaim failed", "conversation", conversationID, "error", err)
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		debug.Log("sandbox", "idle containers reclaimed", "count", reclaimed)
	}
	return reclaimed, nil
}

// Close releases the Docker client. Containers keep running so
// conversations survive a server restart.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) findByLabel(ctx context.Context, conversationID string) (*container.Summary, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelConversation+"="+conversationID)),
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// Lookup resolves a conversation to a handle via the cache, falling back
// to label discovery. Returns sandbox.ErrNotFound when the conversation
// has no container.
func (r *Runtime) Lookup(ctx context.Context, conversationID string) (*sandbox.Handle, error) {
	if handle := r.cachedHandle(conversationID); handle != nil {
		return handle, nil
	}
	summary, err := r.findByLabel(ctx, conversationID)
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("list containers: %v", err))
	}
	if summary == nil {
		return nil, sandbox.ErrNotFound
	}
	handle := sandbox.Handle{
		ContainerID:    summary.ID,
		ConversationID: conversationID,
		CreatedAt:      time.Unix(summary.Created, 0),
		LastUsedAt:     time.Now(),
	}
	r.remember(handle)
	return &handle, nil
}

func (r *Runtime) cachedHandle(conversationID string) *sandbox.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[conversationID]; ok {
		return &h
	}
	return nil
}

func (r *Runtime) remember(handle sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[handle.ConversationID] = handle
}

func (r *Runtime) touch(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[conversationID]; ok {
		h.LastUsedAt = time.Now()
		r.handles[conversationID] = h
	}
}

func (r *Runtime) forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, conversationID)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Package kubernetes implements the sandbox.Runtime contract on
// agent-sandbox SandboxClaim CRDs.
//
// Each conversation gets one SandboxClaim; the agent-sandbox controller
// materializes a Sandbox pod for it and publishes a service FQDN once the
// Ready condition holds. Execution and file access are delegated over
// HTTP to the sandbox server running inside the pod, so this backend
// needs no exec transport of its own. Resource limits come from the
// referenced SandboxTemplate, not from per-conversation settings.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/debug"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

// labelConversation ties a SandboxClaim to its conversation.
const labelConversation = "ai-code-executor/conversation-id"

// buildBaseURL derives the sandbox server URL from a Sandbox's service
// FQDN. Replaceable in tests.
var buildBaseURL = func(serviceFQDN string) string {
	return fmt.Sprintf("http://%s:8080", serviceFQDN)
}

// Runtime manages per-conversation sandbox pods through SandboxClaims.
type Runtime struct {
	client       client.Client
	sandboxes    *Client
	namespace    string
	template     string
	readyTimeout time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	handle  sandbox.Handle
	baseURL string
}

var _ sandbox.Runtime = (*Runtime)(nil)

// NewScheme returns a runtime.Scheme with the agent-sandbox types
// registered.
func NewScheme() (*k8sruntime.Scheme, error) {
	scheme := k8sruntime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// NewRuntime creates a Runtime that creates SandboxClaims referencing
// template in namespace and waits up to readyTimeout for pods to come up.
func NewRuntime(c client.Client, namespace, template string, readyTimeout time.Duration) *Runtime {
	return &Runtime{
		client:       c,
		sandboxes:    NewClient(),
		namespace:    namespace,
		template:     template,
		readyTimeout: readyTimeout,
		entries:      make(map[string]entry),
	}
}

// claimName derives a DNS-safe claim name from a conversation ID.
func claimName(conversationID string) string {
	return "aicodeexec-" + strings.ReplaceAll(strings.ToLower(conversationID), "_", "-")
}

// GetOrCreate returns the conversation's sandbox, creating a claim and
// waiting for readiness when none exists. Limits are validated for the
// settings surface but enforced by the SandboxTemplate.
func (r *Runtime) GetOrCreate(ctx context.Context, conversationID string, limits sandbox.ResourceLimits) (*sandbox.Handle, error) {
	if err := limits.Validate(); err != nil {
		return nil, api.NewContainerCreationError(err.Error())
	}

	name := claimName(conversationID)
	if e := r.cached(conversationID); e != nil {
		return &e.handle, nil
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	err := r.client.Get(ctx, types.NamespacedName{Name: name, Namespace: r.namespace}, claim)
	switch {
	case apierrors.IsNotFound(err):
		claim = &extensionsv1alpha1.SandboxClaim{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: r.namespace,
				Labels:    map[string]string{labelConversation: conversationID},
			},
			Spec: extensionsv1alpha1.SandboxClaimSpec{
				TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
					Name: r.template,
				},
			},
		}
		if err := r.client.Create(ctx, claim); err != nil {
			return nil, api.NewContainerCreationError(fmt.Sprintf("create SandboxClaim %q: %v", name, err))
		}
		debug.Log("sandbox", "SandboxClaim created", "name", name, "template", r.template)
	case err != nil:
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("get SandboxClaim %q: %v", name, err))
	}

	serviceFQDN, err := r.waitForReady(ctx, name)
	if err != nil {
		return nil, api.NewContainerCreationError(err.Error())
	}

	now := time.Now()
	handle := sandbox.Handle{
		ContainerID:    name,
		ConversationID: conversationID,
		CreatedAt:      claim.CreationTimestamp.Time,
		LastUsedAt:     now,
	}
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = now
	}
	r.remember(entry{handle: handle, baseURL: buildBaseURL(serviceFQDN)})
	return &handle, nil
}

// Lookup resolves a conversation to its sandbox without creating one.
// Existence is checked against the claim; readiness is not awaited.
func (r *Runtime) Lookup(ctx context.Context, conversationID string) (*sandbox.Handle, error) {
	if e := r.cached(conversationID); e != nil {
		return &e.handle, nil
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	err := r.client.Get(ctx, types.NamespacedName{Name: claimName(conversationID), Namespace: r.namespace}, claim)
	if apierrors.IsNotFound(err) {
		return nil, sandbox.ErrNotFound
	}
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("get SandboxClaim: %v", err))
	}

	handle := &sandbox.Handle{
		ContainerID:    claim.Name,
		ConversationID: conversationID,
		CreatedAt:      claim.CreationTimestamp.Time,
		LastUsedAt:     time.Now(),
	}
	return handle, nil
}

// EnsureRunning re-resolves the sandbox behind handle, waiting for
// readiness again if the pod was rescheduled.
func (r *Runtime) EnsureRunning(ctx context.Context, handle *sandbox.Handle) error {
	serviceFQDN, err := r.waitForReady(ctx, handle.ContainerID)
	if err != nil {
		return api.NewContainerRuntimeError(err.Error())
	}
	if e := r.cached(handle.ConversationID); e == nil || e.baseURL != buildBaseURL(serviceFQDN) {
		r.remember(entry{handle: *handle, baseURL: buildBaseURL(serviceFQDN)})
	}
	return nil
}

// waitForReady polls the Sandbox resource until its Ready condition is
// True and a service FQDN is published, or the timeout expires.
func (r *Runtime) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.After(r.readyTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		// Check immediately so an already-ready sandbox returns fast.
		sb := &sandboxv1alpha1.Sandbox{}
		key := types.NamespacedName{Name: name, Namespace: r.namespace}
		if err := r.client.Get(ctx, key, sb); err == nil {
			if isReady(sb) && sb.Status.ServiceFQDN != "" {
				return sb.Status.ServiceFQDN, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("cancelled waiting for Sandbox %q: %w", name, ctx.Err())
		case <-deadline:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", name, r.readyTimeout)
		case <-ticker.C:
		}
	}
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// Execute delegates one unit to the sandbox server inside the pod.
func (r *Runtime) Execute(ctx context.Context, handle *sandbox.Handle, unit api.ExecutionUnit, timeoutSeconds int) (*sandbox.ExecutionResult, error) {
	if !sandbox.Supported(unit.Language) {
		return sandbox.UnsupportedLanguageResult(unit), nil
	}

	baseURL, err := r.baseURL(ctx, handle)
	if err != nil {
		return nil, err
	}

	resp, err := r.sandboxes.Execute(ctx, baseURL, &ExecuteRequest{
		Language:       unit.Language,
		Code:           unit.Code,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("sandbox execute: %v", err))
	}

	r.touch(handle.ConversationID)
	return &sandbox.ExecutionResult{
		Unit:     unit,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Duration(resp.ExecutionTimeMS) * time.Millisecond,
		TimedOut: resp.TimedOut,
		Files:    resp.Files,
	}, nil
}

// PutFile uploads content into the pod workspace.
func (r *Runtime) PutFile(ctx context.Context, handle *sandbox.Handle, name string, content []byte) error {
	baseURL, err := r.baseURL(ctx, handle)
	if err != nil {
		return err
	}
	if err := r.sandboxes.PutFile(ctx, baseURL, name, content); err != nil {
		return api.NewContainerRuntimeError(fmt.Sprintf("sandbox put file: %v", err))
	}
	return nil
}

// WorkspaceFiles lists the pod workspace.
func (r *Runtime) WorkspaceFiles(ctx context.Context, handle *sandbox.Handle) ([]api.FileInfo, error) {
	baseURL, err := r.baseURL(ctx, handle)
	if err != nil {
		return nil, err
	}
	files, err := r.sandboxes.ListFiles(ctx, baseURL)
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("sandbox list files: %v", err))
	}
	return files, nil
}

// ReadFile fetches one workspace file from the pod.
func (r *Runtime) ReadFile(ctx context.Context, handle *sandbox.Handle, name string) ([]byte, error) {
	baseURL, err := r.baseURL(ctx, handle)
	if err != nil {
		return nil, err
	}
	content, err := r.sandboxes.GetFile(ctx, baseURL, name)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil, err
		}
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("sandbox get file: %v", err))
	}
	return content, nil
}

// List returns every claim carrying the conversation label.
func (r *Runtime) List(ctx context.Context) ([]sandbox.Info, error) {
	claims := &extensionsv1alpha1.SandboxClaimList{}
	if err := r.client.List(ctx, claims, client.InNamespace(r.namespace), client.HasLabels{labelConversation}); err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("list SandboxClaims: %v", err))
	}

	infos := make([]sandbox.Info, 0, len(claims.Items))
	for i := range claims.Items {
		claim := &claims.Items[i]
		info := sandbox.Info{
			ContainerID:    claim.Name,
			ConversationID: claim.Labels[labelConversation],
			Image:          claim.Spec.TemplateRef.Name,
			Status:         "pending",
			CreatedAt:      claim.CreationTimestamp.Time,
		}
		sb := &sandboxv1alpha1.Sandbox{}
		if err := r.client.Get(ctx, types.NamespacedName{Name: claim.Name, Namespace: r.namespace}, sb); err == nil && isReady(sb) {
			info.Status = "running"
		}
		if e := r.cached(info.ConversationID); e != nil {
			info.LastUsedAt = e.handle.LastUsedAt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stats is not available on this backend; usage accounting lives in the
// cluster's own metrics pipeline.
func (r *Runtime) Stats(ctx context.Context, conversationID string) (*sandbox.UsageStats, error) {
	return nil, sandbox.ErrStatsUnavailable
}

// Remove deletes the conversation's claim; the controller tears down the
// pod. Removing a missing claim is not an error.
func (r *Runtime) Remove(ctx context.Context, conversationID string) error {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName(conversationID),
			Namespace: r.namespace,
		},
	}
	if err := r.client.Delete(ctx, claim); err != nil && !apierrors.IsNotFound(err) {
		return api.NewContainerRuntimeError(fmt.Sprintf("delete SandboxClaim: %v", err))
	}
	r.forget(conversationID)
	debug.Log("sandbox", "SandboxClaim removed", "conversation", conversationID)
	return nil
}

// ReclaimIdle deletes claims whose last use is older than ttl. Claims
// found without a cached entry are adopted now and become eligible one
// ttl later.
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
		e, ok := r.entries[info.ConversationID]
		if !ok {
			r.entries[info.ConversationID] = entry{handle: sandbox.Handle{
				ContainerID:    info.ContainerID,
				ConversationID: info.ConversationID,
				CreatedAt:      info.CreatedAt,
				LastUsedAt:     now,
			}}
			continue
		}
		if now.Sub(e.handle.LastUsedAt) > ttl {
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
	return reclaimed, nil
}

// Close releases nothing; claims stay so conversations survive restarts.
func (r *Runtime) Close() error {
	return nil
}

// baseURL resolves the sandbox server URL for a handle, re-resolving
// through the Sandbox resource when the cache is cold.
func (r *Runtime) baseURL(ctx context.Context, handle *sandbox.Handle) (string, error) {
	if e := r.cached(handle.ConversationID); e != nil && e.baseURL != "" {
		return e.baseURL, nil
	}
	serviceFQDN, err := r.waitForReady(ctx, handle.ContainerID)
	if err != nil {
		return "", api.NewContainerRuntimeError(err.Error())
	}
	url := buildBaseURL(serviceFQDN)
	r.remember(entry{handle: *handle, baseURL: url})
	return url, nil
}

func (r *Runtime) cached(conversationID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok {
		return &e
	}
	return nil
}

func (r *Runtime) remember(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.handle.ConversationID] = e
}

func (r *Runtime) touch(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok {
		e.handle.LastUsedAt = time.Now()
		r.entries[conversationID] = e
	}
}

func (r *Runtime) forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, conversationID)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// handleCreateConversation handles POST /api/conversations.
func (a *Adapter) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "conversation management") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	// An empty body creates a conversation with defaults.
	var req api.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	now := time.Now().UTC()
	conv := &api.Conversation{
		ID:        api.NewConversationID(),
		Title:     req.Title,
		Model:     req.Model,
		AutoFix:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.AutoFix != nil {
		conv.AutoFix = *req.AutoFix
	}

	if err := a.store.CreateConversation(r.Context(), conv); err != nil {
		writeStoreError(w, err, "conversation "+conv.ID+" not found")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// handleListConversations handles GET /api/conversations.
func (a *Adapter) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "conversation management") {
		return
	}

	convs, err := a.store.ListConversations(r.Context())
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	if convs == nil {
		convs = []*api.Conversation{}
	}

	writeJSON(w, http.StatusOK, convs)
}

// handleGetConversation handles GET /api/conversations/{id}. The response
// embeds the conversation's message history.
func (a *Adapter) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "conversation management") {
		return
	}

	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	conv, err := a.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "conversation "+id+" not found")
		return
	}

	msgs, err := a.store.ListMessages(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "conversation "+id+" not found")
		return
	}
	if msgs == nil {
		msgs = []*api.Message{}
	}

	writeJSON(w, http.StatusOK, struct {
		*api.Conversation
		Messages []*api.Message `json:"messages"`
	}{conv, msgs})
}

// handleDeleteConversation handles DELETE /api/conversations/{id}. It
// aborts any active run, removes the conversation's container, and
// deletes the stored history.
func (a *Adapter) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	if a.locks != nil {
		a.locks.CancelActive(id)
	}

	// The container goes regardless of whether the history delete
	// succeeds; a missing container is not an error.
	if err := a.runtime.Remove(r.Context(), id); err != nil {
		slog.Warn("container removal failed",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()))
	}

	if a.store != nil {
		if err := a.store.DeleteConversation(r.Context(), id); err != nil {
			writeStoreError(w, err, "conversation "+id+" not found")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListExecutions handles GET /api/conversations/{id}/executions.
func (a *Adapter) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w, "execution history") {
		return
	}

	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	recs, err := a.store.ListExecutions(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	if recs == nil {
		recs = []*api.ExecutionRecord{}
	}

	writeJSON(w, http.StatusOK, recs)
}

// handleListContainers handles GET /api/containers.
func (a *Adapter) handleListContainers(w http.ResponseWriter, r *http.Request) {
	infos, err := a.runtime.List(r.Context())
	if err != nil {
		transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		return
	}
	if infos == nil {
		infos = []sandbox.Info{}
	}

	writeJSON(w, http.StatusOK, struct {
		Containers []sandbox.Info `json:"containers"`
	}{infos})
}

// handleContainerStats handles GET /api/containers/{id}/stats.
func (a *Adapter) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	stats, err := a.runtime.Stats(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			transport.WriteAPIError(w, api.NewNotFoundError("no container for conversation "+id))
		case errors.Is(err, sandbox.ErrStatsUnavailable):
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("", "container stats are not available for this backend"),
				http.StatusNotImplemented,
			)
		default:
			transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleDeleteContainer handles DELETE /api/containers/{id}. The
// conversation's history survives; only the container and its workspace
// are destroyed.
func (a *Adapter) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	if _, err := a.runtime.Lookup(r.Context(), id); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("no container for conversation "+id))
		} else {
			transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		}
		return
	}

	if a.locks != nil {
		a.locks.CancelActive(id)
	}

	if err := a.runtime.Remove(r.Context(), id); err != nil {
		transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListFiles handles GET /api/containers/{id}/files.
func (a *Adapter) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	handle, err := a.runtime.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("no container for conversation "+id))
		} else {
			transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		}
		return
	}

	files, err := a.runtime.WorkspaceFiles(r.Context(), handle)
	if err != nil {
		transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		return
	}
	if files == nil {
		files = []api.FileInfo{}
	}

	writeJSON(w, http.StatusOK, struct {
		Files []api.FileInfo `json:"files"`
	}{files})
}

// handleDownloadFile handles GET /api/containers/{id}/files/{name}.
func (a *Adapter) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	handle, err := a.runtime.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("no container for conversation "+id))
		} else {
			transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		}
		return
	}

	name := r.PathValue("name")
	content, err := a.runtime.ReadFile(r.Context(), handle, name)
	if err != nil {
		var apiErr *api.APIError
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			transport.WriteAPIError(w, api.NewNotFoundError("file "+name+" not found"))
		case errors.As(err, &apiErr):
			transport.WriteAPIError(w, apiErr)
		default:
			transport.WriteAPIError(w, api.NewContainerRuntimeError(err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(content)
}

// handleUploadFile handles POST /api/containers/{id}/files. The upload
// creates the conversation's container when none exists yet.
func (a *Adapter) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateConversationID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed conversation ID"),
			http.StatusBadRequest,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("file", fmt.Sprintf("upload too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("file", "multipart field 'file' is required"),
			http.StatusBadRequest,
		)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("file", "failed to read upload: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	handle, err := a.runtime.GetOrCreate(r.Context(), id, a.currentLimits())
	if err != nil {
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewContainerCreationError(err.Error())
		}
		transport.WriteAPIError(w, apiErr)
		return
	}

	if err := a.runtime.PutFile(r.Context(), handle, header.Filename, content); err != nil {
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewContainerRuntimeError(err.Error())
		}
		transport.WriteAPIError(w, apiErr)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	}{"File " + header.Filename + " uploaded successfully", header.Filename})
}

// currentLimits returns the limits new containers receive, falling back
// to unlimited when no settings controller is wired.
func (a *Adapter) currentLimits() sandbox.ResourceLimits {
	if a.settings == nil {
		return sandbox.ResourceLimits{}
	}
	return a.settings.CurrentLimits()
}

// handleGetSettings handles GET /api/settings.
func (a *Adapter) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if a.settings == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "settings are not available"),
			http.StatusNotImplemented,
		)
		return
	}

	writeJSON(w, http.StatusOK, a.settings.CurrentSettings())
}

// handleUpdateSettings handles PATCH /api/settings. Absent fields keep
// their current values. When the container limits change, every managed
// container is destroyed so the next run recreates it with the new
// limits; this discards those containers' workspace contents.
func (a *Adapter) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if a.settings == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "settings are not available"),
			http.StatusNotImplemented,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	current := a.settings.CurrentSettings()
	merged := current
	if req.CPUs != nil {
		merged.CPUs = *req.CPUs
	}
	if req.Memory != nil {
		merged.Memory = *req.Memory
	}
	if req.Storage != nil {
		merged.Storage = *req.Storage
	}
	if req.TimeoutSeconds != nil {
		merged.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.AutoFixMaxAttempts != nil {
		merged.AutoFixMaxAttempts = *req.AutoFixMaxAttempts
	}

	if apiErr := api.ValidateSettings(&merged); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	limits := sandbox.ResourceLimits{CPUs: merged.CPUs, Memory: merged.Memory, Storage: merged.Storage}
	if err := limits.Validate(); err != nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("", err.Error()))
		return
	}

	// Persist before applying so a storage failure leaves the running
	// configuration untouched.
	if a.store != nil {
		if err := a.store.SaveSettings(r.Context(), &merged); err != nil {
			writeStoreError(w, err, "")
			return
		}
	}

	a.settings.ApplySettings(merged)

	limitsChanged := merged.CPUs != current.CPUs ||
		merged.Memory != current.Memory ||
		merged.Storage != current.Storage

	removed := 0
	if limitsChanged {
		removed = a.removeAllContainers(r.Context())
	}

	writeJSON(w, http.StatusOK, struct {
		Message           string       `json:"message"`
		Settings          api.Settings `json:"settings"`
		ContainersRemoved int          `json:"containers_removed"`
	}{"Settings updated", merged, removed})
}

// removeAllContainers destroys every managed container, aborting active
// runs first, and reports how many were removed.
func (a *Adapter) removeAllContainers(ctx context.Context) int {
	infos, err := a.runtime.List(ctx)
	if err != nil {
		slog.Warn("container list failed during settings update",
			slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	for _, info := range infos {
		if a.locks != nil {
			a.locks.CancelActive(info.ConversationID)
		}
		if err := a.runtime.Remove(ctx, info.ConversationID); err != nil {
			slog.Warn("container removal failed during settings update",
				slog.String("conversation_id", info.ConversationID),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed
}

// handleHealth handles GET /healthz.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		if err := a.store.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			}{"degraded", err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}

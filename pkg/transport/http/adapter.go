package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/storage"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// SettingsController owns the live runtime knobs behind the settings
// endpoints. *pipeline.Pipeline satisfies it.
type SettingsController interface {
	CurrentSettings() api.Settings
	ApplySettings(api.Settings)
	CurrentLimits() sandbox.ResourceLimits
}

// Deps carries the adapter's collaborators. Runner and Runtime are
// required; the rest degrade gracefully when nil.
type Deps struct {
	// Runner executes pipeline runs for POST /api/execute.
	Runner transport.StreamRunner

	// Runtime manages the per-conversation containers behind the
	// container endpoints.
	Runtime sandbox.Runtime

	// Store persists conversations, messages, executions, and settings.
	// When nil, the conversation endpoints return 501 and settings
	// changes are not persisted across restarts.
	Store transport.Store

	// Settings exposes the live runtime knobs. When nil, the settings
	// endpoints return 501.
	Settings SettingsController

	// Locks is the pipeline's per-conversation run registry, used to
	// abort the active run when a conversation or container is deleted.
	Locks *transport.ConversationLocks
}

// Adapter serves the execution and management API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	runner   transport.StreamRunner
	runtime  sandbox.Runtime
	store    transport.Store
	settings SettingsController
	locks    *transport.ConversationLocks
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter from the given collaborators.
// Middleware is applied to the StreamRunner in the given order.
func NewAdapter(deps Deps, cfg Config, middlewares ...transport.Middleware) *Adapter {
	runner := deps.Runner
	if len(middlewares) > 0 {
		runner = transport.Chain(middlewares...)(runner)
	}

	a := &Adapter{
		runner:   runner,
		runtime:  deps.Runtime,
		store:    deps.Store,
		settings: deps.Settings,
		locks:    deps.Locks,
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /api/execute", a.handleExecute)

	a.mux.HandleFunc("POST /api/conversations", a.handleCreateConversation)
	a.mux.HandleFunc("GET /api/conversations", a.handleListConversations)
	a.mux.HandleFunc("GET /api/conversations/{id}", a.handleGetConversation)
	a.mux.HandleFunc("DELETE /api/conversations/{id}", a.handleDeleteConversation)
	a.mux.HandleFunc("GET /api/conversations/{id}/executions", a.handleListExecutions)

	a.mux.HandleFunc("GET /api/containers", a.handleListContainers)
	a.mux.HandleFunc("GET /api/containers/{id}/stats", a.handleContainerStats)
	a.mux.HandleFunc("DELETE /api/containers/{id}", a.handleDeleteContainer)
	a.mux.HandleFunc("GET /api/containers/{id}/files", a.handleListFiles)
	a.mux.HandleFunc("GET /api/containers/{id}/files/{name}", a.handleDownloadFile)
	a.mux.HandleFunc("POST /api/containers/{id}/files", a.handleUploadFile)

	a.mux.HandleFunc("GET /api/settings", a.handleGetSettings)
	a.mux.HandleFunc("PATCH /api/settings", a.handleUpdateSettings)

	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. If present in the request, it is forwarded to
// the response. After the handler runs, it checks the context for a
// request ID (set by the transport-level RequestID middleware) and adds
// it to the response headers if not already set.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If client sent X-Request-ID, propagate it into context.
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		// Use a response writer wrapper to capture and set the request ID
		// header before the first write.
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleExecute handles POST /api/execute. The response is always an SSE
// stream once the run starts producing events; failures before the first
// event come back as a plain JSON error instead.
func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	sw := newEventStreamWriter(w)
	if err := a.runner.Run(r.Context(), &req, sw); err != nil {
		// Once events have gone out the stream already carries the
		// error and done events; there is nothing left to write.
		if !sw.hasStartedStreaming() {
			var apiErr *api.APIError
			if !errors.As(err, &apiErr) {
				apiErr = api.NewServerError(err.Error())
			}
			transport.WriteAPIError(w, apiErr)
		}
	}
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeStoreError maps a storage failure to an HTTP error response.
// notFoundMsg is used when the error is storage.ErrNotFound.
func writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		transport.WriteAPIError(w, api.NewNotFoundError(notFoundMsg))
	case errors.As(err, &apiErr):
		transport.WriteAPIError(w, apiErr)
	default:
		transport.WriteAPIError(w, api.NewServerError(err.Error()))
	}
}

// requireStore writes a 501 when no store is configured and reports
// whether the handler can proceed.
func (a *Adapter) requireStore(w http.ResponseWriter, what string) bool {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", what+" is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return false
	}
	return true
}

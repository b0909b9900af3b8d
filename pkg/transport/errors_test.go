package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  *api.APIError
		want int
	}{
		{"invalid request", api.NewInvalidRequestError("text", "text is required"), http.StatusBadRequest},
		{"not found", api.NewNotFoundError("conversation not found"), http.StatusNotFound},
		{"conversation busy", api.NewConversationBusyError("conv-1"), http.StatusConflict},
		{"provider", api.NewProviderError("backend down"), http.StatusBadGateway},
		{"container creation", api.NewContainerCreationError("image missing"), http.StatusInternalServerError},
		{"container runtime", api.NewContainerRuntimeError("exec failed"), http.StatusInternalServerError},
		{"server", api.NewServerError("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.want {
				t.Errorf("HTTPStatusFromError(%s) = %d, want %d", tt.err.Type, got, tt.want)
			}
		})
	}
}

func TestWriteAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAPIError(rec, api.NewConversationBusyError("conv-1"))

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Error == nil || resp.Error.Type != api.ErrorTypeConversationBusy {
		t.Errorf("error body = %+v, want conversation_busy", resp.Error)
	}
}

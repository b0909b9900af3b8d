package kubernetes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

func testScheme(t *testing.T) *k8sruntime.Scheme {
	t.Helper()
	scheme, err := NewScheme()
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	return scheme
}

// simulateReady creates a Sandbox resource with Ready=True for the given
// claim name, as the agent-sandbox controller would.
func simulateReady(t *testing.T, c client.Client, name, namespace, fqdn string) {
	t.Helper()
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
	}
	if err := c.Create(context.Background(), sb); err != nil {
		t.Fatalf("simulateReady: create sandbox: %v", err)
	}
	sb.Status.ServiceFQDN = fqdn
	sb.Status.Conditions = []metav1.Condition{
		{
			Type:               string(sandboxv1alpha1.SandboxConditionReady),
			Status:             metav1.ConditionTrue,
			LastTransitionTime: metav1.Now(),
			Reason:             "Ready",
		},
	}
	if err := c.Status().Update(context.Background(), sb); err != nil {
		t.Fatalf("simulateReady: update status: %v", err)
	}
}

func TestClaimName(t *testing.T) {
	tests := []struct {
		conversationID string
		want           string
	}{
		{"conv_9f2c1a", "aicodeexec-conv-9f2c1a"},
		{"conv_ABC", "aicodeexec-conv-abc"},
	}
	for _, tt := range tests {
		if got := claimName(tt.conversationID); got != tt.want {
			t.Errorf("claimName(%q) = %q, want %q", tt.conversationID, got, tt.want)
		}
	}
}

func TestGetOrCreateCreatesClaim(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()

	r := NewRuntime(c, "default", "exec-template", 5*time.Second)
	name := claimName("conv_abc123")

	go func() {
		time.Sleep(200 * time.Millisecond)
		simulateReady(t, c, name, "default", "sb-abc.default.svc.cluster.local")
	}()

	handle, err := r.GetOrCreate(context.Background(), "conv_abc123", sandbox.ResourceLimits{CPUs: 2, Memory: "8g"})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if handle.ContainerID != name {
		t.Errorf("ContainerID = %q, want %q", handle.ContainerID, name)
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: name, Namespace: "default"}, claim); err != nil {
		t.Fatalf("SandboxClaim not found: %v", err)
	}
	if claim.Spec.TemplateRef.Name != "exec-template" {
		t.Errorf("templateRef = %q, want exec-template", claim.Spec.TemplateRef.Name)
	}
	if claim.Labels[labelConversation] != "conv_abc123" {
		t.Errorf("label = %q, want conv_abc123", claim.Labels[labelConversation])
	}

	// A second call reuses the cached sandbox without a new claim.
	again, err := r.GetOrCreate(context.Background(), "conv_abc123", sandbox.ResourceLimits{CPUs: 2, Memory: "8g"})
	if err != nil {
		t.Fatalf("GetOrCreate (reuse) failed: %v", err)
	}
	if again.ContainerID != handle.ContainerID {
		t.Errorf("reuse returned different container: %q vs %q", again.ContainerID, handle.ContainerID)
	}
}

func TestGetOrCreateTimeout(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()

	r := NewRuntime(c, "default", "exec-template", 500*time.Millisecond)

	// No controller simulation, so readiness never arrives.
	_, err := r.GetOrCreate(context.Background(), "conv_never", sandbox.ResourceLimits{CPUs: 1})
	if err == nil {
		t.Fatal("GetOrCreate = nil error, want timeout")
	}
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeContainerCreation {
		t.Errorf("error = %v, want container_creation_error", err)
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Language != "python" || req.TimeoutSeconds != 30 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecuteResponse{
			Stdout:          "done\n",
			ExitCode:        0,
			ExecutionTimeMS: 1500,
			Files:           []api.FileInfo{{Name: "out.txt", Size: 5, Content: "hello"}},
		})
	}))
	defer server.Close()

	origBuild := buildBaseURL
	buildBaseURL = func(fqdn string) string { return server.URL }
	defer func() { buildBaseURL = origBuild }()

	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()
	r := NewRuntime(c, "default", "exec-template", 5*time.Second)

	name := claimName("conv_exec")
	go func() {
		time.Sleep(100 * time.Millisecond)
		simulateReady(t, c, name, "default", "unused-fqdn")
	}()

	handle, err := r.GetOrCreate(context.Background(), "conv_exec", sandbox.ResourceLimits{CPUs: 1})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	result, err := r.Execute(context.Background(), handle, api.ExecutionUnit{Language: "python", Code: "print('done')"}, 30)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Stdout != "done\n" || result.ExitCode != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", result.Duration)
	}
	if len(result.Files) != 1 || result.Files[0].Name != "out.txt" {
		t.Errorf("files = %+v", result.Files)
	}
	if !result.Success() {
		t.Error("Success() = false, want true")
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	r := NewRuntime(c, "default", "exec-template", time.Second)

	handle := &sandbox.Handle{ContainerID: "x", ConversationID: "conv_x"}
	result, err := r.Execute(context.Background(), handle, api.ExecutionUnit{Language: "ruby", Code: "puts 1"}, 30)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 1 || result.Success() {
		t.Errorf("result = %+v, want failed unsupported-language result", result)
	}
}

func TestRemoveDeletesClaim(t *testing.T) {
	scheme := testScheme(t)
	name := claimName("conv_gone")
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    map[string]string{labelConversation: "conv_gone"},
		},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(claim).Build()
	r := NewRuntime(c, "default", "exec-template", time.Second)

	if err := r.Remove(context.Background(), "conv_gone"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	err := c.Get(context.Background(), client.ObjectKey{Name: name, Namespace: "default"}, &extensionsv1alpha1.SandboxClaim{})
	if err == nil {
		t.Error("SandboxClaim still exists after Remove")
	}

	// Removing again is idempotent.
	if err := r.Remove(context.Background(), "conv_gone"); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestStatsUnavailable(t *testing.T) {
	scheme := testScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	r := NewRuntime(c, "default", "exec-template", time.Second)

	if _, err := r.Stats(context.Background(), "conv_x"); err != sandbox.ErrStatsUnavailable {
		t.Errorf("Stats() error = %v, want ErrStatsUnavailable", err)
	}
}

func TestListReportsClaims(t *testing.T) {
	scheme := testScheme(t)
	name := claimName("conv_list")
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    map[string]string{labelConversation: "conv_list"},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{Name: "exec-template"},
		},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(claim).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()
	simulateReady(t, c, name, "default", "sb.default.svc.cluster.local")

	r := NewRuntime(c, "default", "exec-template", time.Second)
	infos, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("List returned %d infos, want 1", len(infos))
	}
	if infos[0].ConversationID != "conv_list" || infos[0].Status != "running" {
		t.Errorf("info = %+v", infos[0])
	}
}

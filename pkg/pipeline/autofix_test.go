package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

const (
	failingPython = "```python\nprint(x)\n```\n"
	fixedPython   = "```python\nprint('fixed')\n```\n"
)

// failOnce scripts a runtime whose first execution fails with stderr and
// every later one succeeds.
func failOnce(rt *scriptedRuntime, stderr string) *atomic.Int32 {
	var calls atomic.Int32
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		if calls.Add(1) == 1 {
			return failResult(unit, stderr), nil
		}
		return okResult(unit), nil
	}
	return &calls
}

func TestAutoFixCleanRunNoEvents(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	prov := &scriptedProvider{responses: []string{fixedPython}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{})
	rec := &eventRecorder{}

	// Auto-fix enabled but the execution succeeds: the loop never starts.
	if err := p.Run(context.Background(), runRequest(pythonResponse, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, typ := range []api.EventType{api.EventAutoFix, api.EventAutoFixPrompt, api.EventAutoFixComplete} {
		if n := len(rec.byType(typ)); n != 0 {
			t.Errorf("%d %s events for a clean run", n, typ)
		}
	}
	if len(prov.requests) != 0 {
		t.Errorf("%d provider calls for a clean run", len(prov.requests))
	}
	if len(store.sessions) != 0 {
		t.Errorf("%d sessions persisted for a clean run", len(store.sessions))
	}
}

func TestAutoFixSuccessFirstAttempt(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	failOnce(rt, "NameError: name 'x' is not defined")
	prov := &scriptedProvider{responses: []string{fixedPython}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{})
	rec := &eventRecorder{}

	req := runRequest(failingPython, true)
	if err := p.Run(context.Background(), req, rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback, // executing
		api.EventExecution,
		api.EventAutoFix, // analyzing
		api.EventAutoFixPrompt,
		api.EventAutoFix, // fixing
		api.EventCodePreview,
		api.EventFeedback, // executing fixed code
		api.EventExecution,
		api.EventAutoFixComplete,
		api.EventDone,
	})

	phases := rec.byType(api.EventAutoFix)
	if phases[0].Status != api.AutoFixAnalyzing || phases[1].Status != api.AutoFixFixing {
		t.Errorf("phase order = %s, %s", phases[0].Status, phases[1].Status)
	}
	if phases[0].MaxAttempts != DefaultMaxFixAttempts {
		t.Errorf("max_attempts = %d, want %d", phases[0].MaxAttempts, DefaultMaxFixAttempts)
	}

	complete := rec.byType(api.EventAutoFixComplete)[0]
	if complete.Success == nil || !*complete.Success {
		t.Error("auto_fix_complete not marked successful")
	}
	if complete.Attempt == nil || *complete.Attempt != 1 {
		t.Errorf("attempt = %v, want 1", complete.Attempt)
	}
	if complete.Reason != "" {
		t.Errorf("reason = %q, want empty on success", complete.Reason)
	}

	if len(store.sessions) != 1 {
		t.Fatalf("persisted %d sessions, want 1", len(store.sessions))
	}
	session := store.sessions[0]
	if session.Status != api.SessionSucceeded {
		t.Errorf("session status = %s, want succeeded", session.Status)
	}
	if session.Attempts != 1 || session.MaxAttempts != DefaultMaxFixAttempts {
		t.Errorf("attempts = %d/%d, want 1/%d", session.Attempts, session.MaxAttempts, DefaultMaxFixAttempts)
	}
	if session.ConversationID != req.ConversationID {
		t.Errorf("session conversation = %q, want %q", session.ConversationID, req.ConversationID)
	}
	if !api.ValidateRunID(session.ID) {
		t.Errorf("malformed session id %q", session.ID)
	}
	if session.CompletedAt.Before(session.StartedAt) {
		t.Errorf("completed_at %v before started_at %v", session.CompletedAt, session.StartedAt)
	}

	// The fix request replays the original response as the opening user
	// turn, then the error report.
	if len(prov.requests) != 1 {
		t.Fatalf("%d provider calls, want 1", len(prov.requests))
	}
	preq := prov.requests[0]
	if preq.System != DefaultSystemPrompt {
		t.Errorf("system prompt = %q", preq.System)
	}
	if len(preq.Messages) != 2 {
		t.Fatalf("%d history messages, want 2", len(preq.Messages))
	}
	if preq.Messages[0].Role != "user" || preq.Messages[0].Content != req.Text {
		t.Errorf("opening turn = %s %q", preq.Messages[0].Role, preq.Messages[0].Content)
	}
	if preq.Messages[1].Role != "user" || !strings.Contains(preq.Messages[1].Content, "NameError") {
		t.Errorf("fix turn = %s %q", preq.Messages[1].Role, preq.Messages[1].Content)
	}
}

func TestAutoFixAttemptBound(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "still broken"), nil
	}
	prov := &scriptedProvider{responses: []string{fixedPython}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{MaxFixAttempts: api.Int(2)})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var fixing int
	for _, ev := range rec.byType(api.EventAutoFix) {
		if ev.Status == api.AutoFixFixing {
			fixing++
		}
	}
	if fixing != 2 {
		t.Errorf("%d fixing phases, want 2", fixing)
	}
	if n := len(prov.requests); n != 2 {
		t.Errorf("%d provider calls, want 2", n)
	}

	complete := rec.byType(api.EventAutoFixComplete)[0]
	if complete.Success == nil || *complete.Success {
		t.Error("auto_fix_complete marked successful after exhaustion")
	}
	if complete.Reason != "Max attempts (2) reached" {
		t.Errorf("reason = %q", complete.Reason)
	}
	if complete.Attempt == nil || *complete.Attempt != 2 {
		t.Errorf("attempt = %v, want 2", complete.Attempt)
	}

	session := store.sessions[0]
	if session.Status != api.SessionExhausted || session.Attempts != 2 {
		t.Errorf("session = %s attempts %d, want exhausted attempts 2", session.Status, session.Attempts)
	}

	// Round two extends the same conversation: original response, first
	// report, first correction, second report.
	second := prov.requests[1]
	roles := make([]string, len(second.Messages))
	for i, m := range second.Messages {
		roles[i] = m.Role
	}
	want := []string{"user", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("round 2 history roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("round 2 history roles = %v, want %v", roles, want)
		}
	}
}

func TestAutoFixZeroBudget(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "boom"), nil
	}
	prov := &scriptedProvider{}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{MaxFixAttempts: api.Int(0)})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback,
		api.EventExecution,
		api.EventAutoFixComplete,
		api.EventDone,
	})

	complete := rec.byType(api.EventAutoFixComplete)[0]
	if complete.Reason != "Max attempts (0) reached" {
		t.Errorf("reason = %q", complete.Reason)
	}
	if complete.Attempt == nil || *complete.Attempt != 0 {
		t.Errorf("attempt = %v, want 0", complete.Attempt)
	}
	if len(prov.requests) != 0 {
		t.Errorf("%d provider calls with zero budget", len(prov.requests))
	}
	if store.sessions[0].Status != api.SessionExhausted || store.sessions[0].Attempts != 0 {
		t.Errorf("session = %s attempts %d", store.sessions[0].Status, store.sessions[0].Attempts)
	}
}

func TestAutoFixShellFailureSkipped(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "E: Unable to locate package whatever"), nil
	}
	prov := &scriptedProvider{responses: []string{fixedPython}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{})
	rec := &eventRecorder{}

	text := "```bash\napt-get install whatever\n```\n"
	if err := p.Run(context.Background(), runRequest(text, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback,
		api.EventExecution,
		api.EventDone,
	})
	if len(prov.requests) != 0 {
		t.Errorf("%d provider calls for a shell failure", len(prov.requests))
	}
	if len(store.sessions) != 0 {
		t.Errorf("%d sessions persisted for a shell failure", len(store.sessions))
	}
}

func TestAutoFixOnlyLastResultConsidered(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	failOnce(rt, "ModuleNotFoundError: No module named 'x'")
	prov := &scriptedProvider{responses: []string{fixedPython}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{})
	rec := &eventRecorder{}

	// First unit fails, second succeeds. The batch's last result is
	// clean, so no fix session starts.
	text := "```python\nimport x\n```\n\n```python\nprint('ok')\n```\n"
	if err := p.Run(context.Background(), runRequest(text, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := len(rec.byType(api.EventAutoFix)); n != 0 {
		t.Errorf("%d auto_fix events when the last unit succeeded", n)
	}
	if len(prov.requests) != 0 {
		t.Errorf("%d provider calls when the last unit succeeded", len(prov.requests))
	}
}

func TestAutoFixMidSessionShellFailureContinues(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, unit.Language+" failed"), nil
	}
	// The first correction is a shell script. A shell failure never
	// opens a session, but mid-session it is retried like any other.
	prov := &scriptedProvider{responses: []string{
		"```bash\npip install x\n```\n",
		fixedPython,
	}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{MaxFixAttempts: api.Int(2)})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := len(prov.requests); n != 2 {
		t.Fatalf("%d provider calls, want 2", n)
	}
	prompts := rec.byType(api.EventAutoFixPrompt)
	if len(prompts) != 2 {
		t.Fatalf("%d prompt events, want 2", len(prompts))
	}
	if !strings.Contains(prompts[0].Content, "Language: python") {
		t.Errorf("round 1 prompt: %q", prompts[0].Content)
	}
	if !strings.Contains(prompts[1].Content, "Language: bash") {
		t.Errorf("round 2 prompt should report the shell failure: %q", prompts[1].Content)
	}
	if store.sessions[0].Status != api.SessionExhausted {
		t.Errorf("session status = %s, want exhausted", store.sessions[0].Status)
	}
}

func TestAutoFixEmptyFixResponseExhausts(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "boom"), nil
	}
	prov := &scriptedProvider{responses: []string{"I am unable to fix this program."}}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback,
		api.EventExecution,
		api.EventAutoFix, // analyzing
		api.EventAutoFixPrompt,
		api.EventAutoFix, // fixing
		api.EventAutoFixComplete,
		api.EventDone,
	})

	complete := rec.byType(api.EventAutoFixComplete)[0]
	if complete.Success == nil || *complete.Success {
		t.Error("auto_fix_complete marked successful")
	}
	if complete.Reason != "No code blocks in response" {
		t.Errorf("reason = %q", complete.Reason)
	}
	if complete.Attempt == nil || *complete.Attempt != 1 {
		t.Errorf("attempt = %v, want 1", complete.Attempt)
	}

	// The round never reached execution, so it does not count.
	session := store.sessions[0]
	if session.Status != api.SessionExhausted || session.Attempts != 0 {
		t.Errorf("session = %s attempts %d, want exhausted attempts 0", session.Status, session.Attempts)
	}
	if rt.executedCount() != 1 {
		t.Errorf("executed %d units, want 1", rt.executedCount())
	}
}

func TestAutoFixProviderFailureFatal(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "boom"), nil
	}
	prov := &scriptedProvider{err: errors.New("api unreachable")}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, prov, store, Config{})
	rec := &eventRecorder{}

	err := p.Run(context.Background(), runRequest(failingPython, true), rec)
	if err == nil {
		t.Fatal("Run succeeded, want provider error")
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback,
		api.EventExecution,
		api.EventAutoFix, // analyzing
		api.EventAutoFixPrompt,
		api.EventAutoFix, // fixing
		api.EventError,
		api.EventDone,
	})
	if msg := rec.byType(api.EventError)[0].Message; !strings.Contains(msg, "api unreachable") {
		t.Errorf("error message = %q", msg)
	}

	// The aborted round never consumed the attempt.
	session := store.sessions[0]
	if session.Status != api.SessionAborted || session.Attempts != 0 {
		t.Errorf("session = %s attempts %d, want aborted attempts 0", session.Status, session.Attempts)
	}
}

func TestAutoFixPromptRendersStderr(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "NameError: name 'x' is not defined"), nil
	}
	prov := &scriptedProvider{responses: []string{"no code here"}}
	p := newTestPipeline(t, rt, prov, nil, Config{})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := "The code execution failed with the following error(s):\n\n" +
		"Language: python\n" +
		"Error Output:\n" +
		"NameError: name 'x' is not defined\n" +
		"Exit Code: 1\n\n" +
		"Please provide ONLY the fixed code in code blocks. Do not include any explanations, commentary, or text outside of code blocks. Just the working code."

	prompt := rec.byType(api.EventAutoFixPrompt)[0]
	if prompt.Content != want {
		t.Errorf("prompt content:\n%q\nwant:\n%q", prompt.Content, want)
	}
	if prompt.Attempt == nil || *prompt.Attempt != 1 {
		t.Errorf("prompt attempt = %v, want 1", prompt.Attempt)
	}

	// The same report is what the provider received.
	last := prov.requests[0].Messages[len(prov.requests[0].Messages)-1]
	if last.Content != want {
		t.Errorf("provider saw %q", last.Content)
	}
}

func TestAutoFixPromptFallsBackToStdout(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{
			Unit:     unit,
			Stdout:   "partial output before crash",
			ExitCode: 2,
			Duration: time.Millisecond,
		}, nil
	}
	prov := &scriptedProvider{responses: []string{"no code"}}
	p := newTestPipeline(t, rt, prov, nil, Config{})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	content := rec.byType(api.EventAutoFixPrompt)[0].Content
	if !strings.Contains(content, "Error Output:\npartial output before crash") {
		t.Errorf("prompt missing stdout fallback: %q", content)
	}
	if !strings.Contains(content, "Exit Code: 2") {
		t.Errorf("prompt missing exit code: %q", content)
	}
}

func TestAutoFixStderrOnlyFailureTriggersFix(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	var calls atomic.Int32
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		if calls.Add(1) == 1 {
			// Clean exit with stderr content still counts as failure.
			return &sandbox.ExecutionResult{
				Unit:     unit,
				Stdout:   "computed",
				Stderr:   "Traceback (most recent call last): something",
				ExitCode: 0,
				Duration: time.Millisecond,
			}, nil
		}
		return okResult(unit), nil
	}
	prov := &scriptedProvider{responses: []string{fixedPython}}
	p := newTestPipeline(t, rt, prov, nil, Config{})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(failingPython, true), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Exit zero keeps the execution event on the output side even though
	// the result feeds the fix loop.
	first := rec.byType(api.EventExecution)[0]
	if first.Error != "" || !strings.Contains(first.Output, "Traceback") {
		t.Errorf("execution event output %q error %q", first.Output, first.Error)
	}

	prompt := rec.byType(api.EventAutoFixPrompt)[0]
	if !strings.Contains(prompt.Content, "Traceback") {
		t.Errorf("prompt should carry stderr: %q", prompt.Content)
	}

	complete := rec.byType(api.EventAutoFixComplete)[0]
	if complete.Success == nil || !*complete.Success {
		t.Error("fix session did not succeed")
	}
}

func TestAutoFixUsesDefaultModel(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	failOnce(rt, "boom")
	prov := &scriptedProvider{responses: []string{fixedPython}}
	p := newTestPipeline(t, rt, prov, nil, Config{DefaultModel: "gpt-test"})
	rec := &eventRecorder{}

	req := runRequest(failingPython, true)
	req.Model = ""
	if err := p.Run(context.Background(), req, rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(prov.requests) != 1 {
		t.Fatalf("%d provider calls, want 1", len(prov.requests))
	}
	if got := prov.requests[0].Model; got != "gpt-test" {
		t.Errorf("model = %q, want gpt-test", got)
	}
}

func TestFixCandidate(t *testing.T) {
	py := func(ok bool) *sandbox.ExecutionResult {
		unit := api.ExecutionUnit{Language: "python", Code: "x"}
		if ok {
			return okResult(unit)
		}
		return failResult(unit, "boom")
	}
	sh := failResult(api.ExecutionUnit{Language: "bash", Code: "x"}, "boom")

	tests := []struct {
		name    string
		results []*sandbox.ExecutionResult
		want    bool
	}{
		{"empty batch", nil, false},
		{"last succeeded", []*sandbox.ExecutionResult{py(false), py(true)}, false},
		{"last failed", []*sandbox.ExecutionResult{py(true), py(false)}, true},
		{"single failure", []*sandbox.ExecutionResult{py(false)}, true},
		{"shell failure", []*sandbox.ExecutionResult{sh}, false},
		{"shell failure uppercase", []*sandbox.ExecutionResult{
			failResult(api.ExecutionUnit{Language: "Shell", Code: "x"}, "boom"),
		}, false},
		{"python failure after shell", []*sandbox.ExecutionResult{sh, py(false)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fixCandidate(tt.results)
			if (got != nil) != tt.want {
				t.Errorf("fixCandidate = %v, want candidate %v", got, tt.want)
			}
			if got != nil && got != tt.results[len(tt.results)-1] {
				t.Error("candidate is not the last result")
			}
		})
	}
}

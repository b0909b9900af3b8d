package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// scriptedRuntime implements sandbox.Runtime against canned results so
// pipeline behavior can be tested without a container backend.
type scriptedRuntime struct {
	mu       sync.Mutex
	exists   bool
	created  int
	getErr   error
	executed []api.ExecutionUnit
	limits   sandbox.ResourceLimits

	// exec produces the result for one unit. Defaults to a clean exit.
	exec func(ctx context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error)
}

var _ sandbox.Runtime = (*scriptedRuntime)(nil)

func (r *scriptedRuntime) handle(conversationID string) *sandbox.Handle {
	return &sandbox.Handle{
		ContainerID:    "0123456789abcdef",
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
		LastUsedAt:     time.Now(),
	}
}

func (r *scriptedRuntime) GetOrCreate(_ context.Context, conversationID string, limits sandbox.ResourceLimits) (*sandbox.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
	if r.getErr != nil {
		return nil, r.getErr
	}
	if !r.exists {
		r.created++
		r.exists = true
	}
	return r.handle(conversationID), nil
}

func (r *scriptedRuntime) Lookup(_ context.Context, conversationID string) (*sandbox.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exists {
		return nil, sandbox.ErrNotFound
	}
	return r.handle(conversationID), nil
}

func (r *scriptedRuntime) EnsureRunning(context.Context, *sandbox.Handle) error { return nil }

func (r *scriptedRuntime) Execute(ctx context.Context, _ *sandbox.Handle, unit api.ExecutionUnit, _ int) (*sandbox.ExecutionResult, error) {
	r.mu.Lock()
	r.executed = append(r.executed, unit)
	fn := r.exec
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, unit)
	}
	return okResult(unit), nil
}

func (r *scriptedRuntime) PutFile(context.Context, *sandbox.Handle, string, []byte) error {
	return nil
}

func (r *scriptedRuntime) WorkspaceFiles(context.Context, *sandbox.Handle) ([]api.FileInfo, error) {
	return nil, nil
}

func (r *scriptedRuntime) ReadFile(context.Context, *sandbox.Handle, string) ([]byte, error) {
	return nil, sandbox.ErrNotFound
}

func (r *scriptedRuntime) List(context.Context) ([]sandbox.Info, error) { return nil, nil }

func (r *scriptedRuntime) Stats(context.Context, string) (*sandbox.UsageStats, error) {
	return nil, sandbox.ErrStatsUnavailable
}

func (r *scriptedRuntime) Remove(context.Context, string) error { return nil }

func (r *scriptedRuntime) ReclaimIdle(context.Context, time.Duration) (int, error) { return 0, nil }

func (r *scriptedRuntime) Close() error { return nil }

func (r *scriptedRuntime) executedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func (r *scriptedRuntime) lastLimits() sandbox.ResourceLimits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// scriptedProvider returns canned fix responses in order, repeating the
// last one when the script runs out.
type scriptedProvider struct {
	name      string
	err       error
	responses []string

	mu       sync.Mutex
	requests []*provider.Request
}

var _ provider.Provider = (*scriptedProvider)(nil)

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &provider.Response{Text: ""}, nil
	}
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return &provider.Response{Text: p.responses[i]}, nil
}

func (p *scriptedProvider) Stream(context.Context, *provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, 1)
	ch <- provider.Event{Type: provider.EventDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Close() error { return nil }

// eventRecorder captures one request's event stream for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []api.Event
}

var _ transport.EventWriter = (*eventRecorder)(nil)

func (r *eventRecorder) WriteEvent(_ context.Context, ev api.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) all() []api.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Event(nil), r.events...)
}

func (r *eventRecorder) byType(t api.EventType) []api.Event {
	var out []api.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) types() []api.EventType {
	events := r.all()
	out := make([]api.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// recordingStore captures persisted records.
type recordingStore struct {
	mu         sync.Mutex
	messages   []*api.Message
	executions []*api.ExecutionRecord
	sessions   []*api.AutoFixSession
}

var _ Recorder = (*recordingStore)(nil)

func (s *recordingStore) AppendMessage(_ context.Context, msg *api.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingStore) SaveExecution(_ context.Context, rec *api.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, rec)
	return nil
}

func (s *recordingStore) SaveSession(_ context.Context, session *api.AutoFixSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions = append(s.sessions, &copied)
	return nil
}

func okResult(unit api.ExecutionUnit) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{Unit: unit, Stdout: "ok\n", Duration: 10 * time.Millisecond}
}

func failResult(unit api.ExecutionUnit, stderr string) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{Unit: unit, Stderr: stderr, ExitCode: 1, Duration: 10 * time.Millisecond}
}

func newTestPipeline(t *testing.T, rt sandbox.Runtime, prov provider.Provider, store Recorder, cfg Config) *Pipeline {
	t.Helper()
	router := provider.NewRouter()
	router.SetDefault(prov)
	p, err := New(rt, router, store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func runRequest(text string, autoFix bool) *api.RunRequest {
	return &api.RunRequest{
		ConversationID: api.NewConversationID(),
		Text:           text,
		Model:          "test-model",
		AutoFix:        autoFix,
	}
}

func wantTypes(t *testing.T, rec *eventRecorder, want []api.EventType) {
	t.Helper()
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (stream: %v)", i, got[i], want[i], got)
		}
	}
}

const pythonResponse = "Here you go:\n\n```python\nprint('hi')\n```\n"

func TestRunNoExecutableCode(t *testing.T) {
	rt := &scriptedRuntime{}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	req := runRequest("Just prose, nothing to run.", false)
	if err := p.Run(context.Background(), req, rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTypes(t, rec, []api.EventType{api.EventFeedback, api.EventDone})
	if rt.created != 0 {
		t.Errorf("created %d containers, want 0", rt.created)
	}
	fb := rec.byType(api.EventFeedback)[0]
	if fb.Level != api.LevelInfo || !strings.Contains(fb.Message, "No executable code") {
		t.Errorf("unexpected feedback: %+v", fb)
	}
}

func TestRunSingleUnitSuccess(t *testing.T) {
	rt := &scriptedRuntime{}
	store := &recordingStore{}
	p := newTestPipeline(t, rt, &scriptedProvider{}, store, Config{})
	rec := &eventRecorder{}

	req := runRequest(pythonResponse, false)
	if err := p.Run(context.Background(), req, rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback, // creating container
		api.EventFeedback, // container started
		api.EventFeedback, // executing
		api.EventExecution,
		api.EventDone,
	})

	exec := rec.byType(api.EventExecution)[0]
	if exec.Output != "ok" || exec.Error != "" {
		t.Errorf("output %q, error %q, want output only", exec.Output, exec.Error)
	}
	if exec.ExitCode == nil || *exec.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", exec.ExitCode)
	}
	if exec.Language != "python" {
		t.Errorf("language = %q, want python", exec.Language)
	}
	if !api.ValidateExecutionID(exec.ExecutionID) {
		t.Errorf("malformed execution id %q", exec.ExecutionID)
	}

	if len(store.executions) != 1 {
		t.Fatalf("persisted %d executions, want 1", len(store.executions))
	}
	if store.executions[0].ConversationID != req.ConversationID {
		t.Errorf("record conversation = %q, want %q", store.executions[0].ConversationID, req.ConversationID)
	}

	// The response text lands in the conversation history as an
	// assistant turn.
	if len(store.messages) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(store.messages))
	}
	if store.messages[0].Role != api.RoleAssistant || store.messages[0].Content != req.Text {
		t.Errorf("message = %s %q", store.messages[0].Role, store.messages[0].Content)
	}
}

func TestRunSequenceNumbersMonotonic(t *testing.T) {
	rt := &scriptedRuntime{}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	text := "```python\nprint(1)\n```\n\n```bash\nls\n```\n"
	if err := p.Run(context.Background(), runRequest(text, false), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := rec.all()
	for i, ev := range events {
		if ev.SequenceNumber != i {
			t.Fatalf("event %d has sequence_number %d", i, ev.SequenceNumber)
		}
	}
	if last := events[len(events)-1]; last.Type != api.EventDone {
		t.Fatalf("last event = %s, want done", last.Type)
	}
}

func TestRunReusesExistingContainer(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(pythonResponse, false), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, fb := range rec.byType(api.EventFeedback) {
		if strings.Contains(fb.Message, "Creating") {
			t.Errorf("creation feedback emitted for existing container: %q", fb.Message)
		}
	}
	if rt.created != 0 {
		t.Errorf("created %d containers, want 0", rt.created)
	}
}

func TestRunContainerCreationFatal(t *testing.T) {
	rt := &scriptedRuntime{getErr: api.NewContainerCreationError("docker daemon unavailable")}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	err := p.Run(context.Background(), runRequest(pythonResponse, true), rec)
	if err == nil {
		t.Fatal("Run succeeded, want container creation error")
	}
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeContainerCreation {
		t.Fatalf("error = %v, want container_creation_error", err)
	}

	wantTypes(t, rec, []api.EventType{
		api.EventCodePreview,
		api.EventFeedback, // creating container
		api.EventError,
		api.EventDone,
	})
	if msg := rec.byType(api.EventError)[0].Message; !strings.Contains(msg, "docker daemon unavailable") {
		t.Errorf("error message = %q", msg)
	}
	if rt.executedCount() != 0 {
		t.Errorf("executed %d units after fatal creation error", rt.executedCount())
	}
}

func TestRunExecutionFailureEmitsErrorField(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		return failResult(unit, "boom"), nil
	}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	if err := p.Run(context.Background(), runRequest(pythonResponse, false), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	exec := rec.byType(api.EventExecution)[0]
	if exec.Error != "boom" || exec.Output != "" {
		t.Errorf("output %q, error %q, want error only", exec.Output, exec.Error)
	}
	if exec.ExitCode == nil || *exec.ExitCode != 1 {
		t.Errorf("exit code = %v, want 1", exec.ExitCode)
	}
	// Auto-fix disabled: the stream must end without auto_fix events.
	if n := len(rec.byType(api.EventAutoFix)); n != 0 {
		t.Errorf("%d auto_fix events with auto-fix disabled", n)
	}
}

func TestRunInvalidRequest(t *testing.T) {
	p := newTestPipeline(t, &scriptedRuntime{}, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	err := p.Run(context.Background(), &api.RunRequest{Text: "x"}, rec)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeInvalidRequest {
		t.Fatalf("error = %v, want invalid_request_error", err)
	}
	if len(rec.all()) != 0 {
		t.Errorf("%d events written for rejected request, want 0", len(rec.all()))
	}
}

func TestRunBusyConversation(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	rt.exec = func(ctx context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return okResult(unit), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})

	req := runRequest(pythonResponse, false)
	first := &eventRecorder{}
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background(), req, first) }()
	<-started

	// Same conversation while the first run is in flight: reject, no
	// events.
	second := &eventRecorder{}
	err := p.Run(context.Background(), &api.RunRequest{
		ConversationID: req.ConversationID,
		Text:           pythonResponse,
	}, second)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeConversationBusy {
		t.Fatalf("error = %v, want conversation_busy_error", err)
	}
	if len(second.all()) != 0 {
		t.Errorf("%d events written for busy rejection", len(second.all()))
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// After the first terminal event the slot is free again.
	third := &eventRecorder{}
	if err := p.Run(context.Background(), &api.RunRequest{
		ConversationID: req.ConversationID,
		Text:           pythonResponse,
	}, third); err != nil {
		t.Fatalf("third run failed: %v", err)
	}
}

func TestRunCancelReleasesLock(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	started := make(chan struct{})
	rt.exec = func(ctx context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	req := runRequest(pythonResponse, false)
	rec := &eventRecorder{}
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, req, rec) }()
	<-started

	cancel()
	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	if p.Locks().Active(req.ConversationID) {
		t.Fatal("conversation slot still held after cancelled run")
	}

	events := rec.all()
	if last := events[len(events)-1]; last.Type != api.EventDone {
		t.Fatalf("last event = %s, want done", last.Type)
	}
	// Cancellation is not a fatal pipeline failure.
	if n := len(rec.byType(api.EventError)); n != 0 {
		t.Errorf("%d error events after cancellation, want 0", n)
	}
}

func TestRunPanicStillEmitsDone(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	rt.exec = func(context.Context, api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		panic("exec blew up")
	}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})
	rec := &eventRecorder{}

	err := p.Run(context.Background(), runRequest(pythonResponse, false), rec)
	if err == nil {
		t.Fatal("Run succeeded, want recovered panic error")
	}

	errs := rec.byType(api.EventError)
	if len(errs) != 1 {
		t.Fatalf("%d error events, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Message, "internal pipeline failure") {
		t.Errorf("error message = %q", errs[0].Message)
	}
	if n := len(rec.byType(api.EventDone)); n != 1 {
		t.Fatalf("%d done events, want exactly 1", n)
	}
	events := rec.all()
	if last := events[len(events)-1]; last.Type != api.EventDone {
		t.Fatalf("last event = %s, want done", last.Type)
	}
}

func TestRunNetworkDisabledFailsFast(t *testing.T) {
	rt := &scriptedRuntime{}
	// With networking detached the connect attempt is refused by the
	// kernel immediately, so the unit fails right away instead of
	// hanging until the execution timeout.
	rt.exec = func(_ context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		if rt.lastLimits().NetworkDisabled && strings.Contains(unit.Code, "urlopen") {
			return &sandbox.ExecutionResult{
				Unit:     unit,
				Stderr:   "urllib.error.URLError: <urlopen error [Errno 101] Network is unreachable>",
				ExitCode: 1,
				Duration: 5 * time.Millisecond,
			}, nil
		}
		return okResult(unit), nil
	}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{
		Limits:         sandbox.ResourceLimits{CPUs: 1, Memory: "1g", NetworkDisabled: true},
		TimeoutSeconds: api.Int(30),
	})
	rec := &eventRecorder{}

	text := "```python\nfrom urllib.request import urlopen\nurlopen('http://example.com')\n```\n"
	start := time.Now()
	if err := p.Run(context.Background(), runRequest(text, false), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !rt.lastLimits().NetworkDisabled {
		t.Fatal("runtime did not receive NetworkDisabled limits")
	}
	exec := rec.byType(api.EventExecution)[0]
	if exec.ExitCode == nil || *exec.ExitCode != 1 {
		t.Errorf("exit code = %v, want 1", exec.ExitCode)
	}
	if !strings.Contains(exec.Error, "Network is unreachable") {
		t.Errorf("error = %q, want network failure", exec.Error)
	}
	if exec.Duration >= 1 {
		t.Errorf("duration = %gs, want an immediate failure", exec.Duration)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("run took %s, want well under the 30s execution timeout", elapsed)
	}
}

func TestApplySettings(t *testing.T) {
	p := newTestPipeline(t, &scriptedRuntime{}, &scriptedProvider{}, nil, Config{})

	defaults := p.CurrentSettings()
	if defaults.TimeoutSeconds != DefaultTimeoutSeconds || defaults.AutoFixMaxAttempts != DefaultMaxFixAttempts {
		t.Fatalf("defaults = %+v", defaults)
	}

	p.ApplySettings(api.Settings{
		CPUs:               4,
		Memory:             "2g",
		Storage:            "5g",
		TimeoutSeconds:     0,
		AutoFixMaxAttempts: 3,
	})

	got := p.CurrentSettings()
	if got.CPUs != 4 || got.Memory != "2g" || got.Storage != "5g" {
		t.Errorf("limits = %+v", got)
	}
	// Explicit zero survives the round trip instead of reverting to the
	// default.
	if got.TimeoutSeconds != 0 {
		t.Errorf("timeout = %d, want 0", got.TimeoutSeconds)
	}
	if got.AutoFixMaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", got.AutoFixMaxAttempts)
	}
	if limits := p.CurrentLimits(); limits.CPUs != 4 {
		t.Errorf("limits.CPUs = %g, want 4", limits.CPUs)
	}
}

func TestRunCancelledRunCanBeAbortedExternally(t *testing.T) {
	rt := &scriptedRuntime{exists: true}
	started := make(chan struct{})
	rt.exec = func(ctx context.Context, unit api.ExecutionUnit) (*sandbox.ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := newTestPipeline(t, rt, &scriptedProvider{}, nil, Config{})

	req := runRequest(pythonResponse, false)
	rec := &eventRecorder{}
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background(), req, rec) }()
	<-started

	// A conversation delete aborts the active run through the registry.
	if !p.Locks().CancelActive(req.ConversationID) {
		t.Fatal("CancelActive found no active run")
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if p.Locks().Active(req.ConversationID) {
		t.Fatal("slot still held after aborted run returned")
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/extract"
	"github.com/Ark0N/AI-Code-Executor/pkg/observability"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// Recorder receives the records a run produces: the response text it
// started from, finalized executions, and auto-fix sessions. The
// pipeline only writes; reading them back is the management API's
// business. Implementations must be safe for concurrent use.
type Recorder interface {
	AppendMessage(ctx context.Context, msg *api.Message) error
	SaveExecution(ctx context.Context, rec *api.ExecutionRecord) error
	SaveSession(ctx context.Context, session *api.AutoFixSession) error
}

// Pipeline coordinates extraction, sandboxed execution, and the
// auto-fix loop. It implements transport.StreamRunner.
type Pipeline struct {
	runtime sandbox.Runtime
	router  *provider.Router
	store   Recorder
	locks   *transport.ConversationLocks

	// mu guards cfg: the settings surface may adjust limits and the
	// fix budget while runs are in flight.
	mu  sync.RWMutex
	cfg Config
}

// Ensure Pipeline implements transport.StreamRunner at compile time.
var _ transport.StreamRunner = (*Pipeline)(nil)

// New creates a Pipeline. The runtime and router must not be nil. The
// store may be nil for stateless operation.
func New(runtime sandbox.Runtime, router *provider.Router, store Recorder, cfg Config) (*Pipeline, error) {
	if runtime == nil {
		return nil, fmt.Errorf("pipeline: runtime must not be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("pipeline: router must not be nil")
	}
	return &Pipeline{
		runtime: runtime,
		router:  router,
		store:   store,
		locks:   transport.NewConversationLocks(),
		cfg:     cfg,
	}, nil
}

// Locks exposes the per-conversation run registry so the management API
// can abort the active run when a conversation or its container is
// deleted.
func (p *Pipeline) Locks() *transport.ConversationLocks {
	return p.locks
}

// config returns a snapshot of the current configuration.
func (p *Pipeline) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Run executes one pipeline request and writes every event, terminal
// done included, to w in production order.
//
// The conversation slot is claimed before any event is written, so a
// busy conversation surfaces as a plain error the transport can answer
// with a 409 and no stream output. Everything after the claim reports
// through the stream: a fatal failure becomes one error event, and the
// deferred cleanup emits done exactly once even when a stage panics.
func (p *Pipeline) Run(ctx context.Context, req *api.RunRequest, w transport.EventWriter) error {
	if apiErr := api.ValidateRunRequest(req, api.DefaultValidationConfig()); apiErr != nil {
		return apiErr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !p.locks.TryAcquire(req.ConversationID, cancel) {
		return api.NewConversationBusyError(req.ConversationID)
	}
	defer p.locks.Release(req.ConversationID)

	p.saveMessage(ctx, req)

	em := newEmitter(w)
	err := p.guardedRun(ctx, req, em)
	if err != nil && !isCancellation(err) {
		_ = em.Error(ctx, errorMessage(err))
	}
	em.Done(ctx)
	return err
}

// guardedRun runs the pipeline stages, converting a panic in any stage
// into an error so the terminal event still goes out.
func (p *Pipeline) guardedRun(ctx context.Context, req *api.RunRequest, em *emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline run panicked",
				slog.String("conversation_id", req.ConversationID),
				slog.Any("panic", r))
			err = api.NewServerError(fmt.Sprintf("internal pipeline failure: %v", r))
		}
	}()
	return p.run(ctx, req, em)
}

func (p *Pipeline) run(ctx context.Context, req *api.RunRequest, em *emitter) error {
	units := extract.Extract(req.Text)
	if len(units) == 0 {
		return em.Feedback(ctx, api.LevelInfo, "No executable code found in the response.")
	}

	if err := p.previewUnits(ctx, units, em); err != nil {
		return err
	}

	handle, err := p.prepareContainer(ctx, req.ConversationID, em)
	if err != nil {
		return err
	}

	results, err := p.executeAll(ctx, handle, units, em)
	if err != nil {
		return err
	}

	return p.autoFix(ctx, req, handle, results, em)
}

// prepareContainer resolves the conversation's container, announcing
// creation when none exists yet so the consumer learns why the first
// request pauses.
func (p *Pipeline) prepareContainer(ctx context.Context, conversationID string, em *emitter) (*sandbox.Handle, error) {
	creating := false
	if _, err := p.runtime.Lookup(ctx, conversationID); errors.Is(err, sandbox.ErrNotFound) {
		creating = true
		if err := em.Feedback(ctx, api.LevelInfo, "🐳 Creating Docker container..."); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	handle, err := p.runtime.GetOrCreate(ctx, conversationID, p.config().Limits)
	if err != nil {
		return nil, err
	}

	if creating {
		msg := fmt.Sprintf("✓ Container started (%s) in %.1fs",
			shortID(handle.ContainerID), time.Since(start).Seconds())
		if err := em.Feedback(ctx, api.LevelSuccess, msg); err != nil {
			return nil, err
		}
	}
	return handle, nil
}

func (p *Pipeline) previewUnits(ctx context.Context, units []api.ExecutionUnit, em *emitter) error {
	for _, unit := range units {
		if err := em.CodePreview(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// executeAll runs units in order, reporting each result as an execution
// event and persisting its record. Execution failures are results and
// the batch continues; only infrastructure errors abort.
func (p *Pipeline) executeAll(ctx context.Context, handle *sandbox.Handle, units []api.ExecutionUnit, em *emitter) ([]*sandbox.ExecutionResult, error) {
	results := make([]*sandbox.ExecutionResult, 0, len(units))
	for _, unit := range units {
		// Suspension point: cancellation is honored between launches,
		// never by killing an execution in flight.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.executeUnit(ctx, handle, unit, em)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *Pipeline) executeUnit(ctx context.Context, handle *sandbox.Handle, unit api.ExecutionUnit, em *emitter) (*sandbox.ExecutionResult, error) {
	if err := em.Feedback(ctx, api.LevelInfo, fmt.Sprintf("⚡ Executing %s code...", unit.Language)); err != nil {
		return nil, err
	}

	res, err := p.runtime.Execute(ctx, handle, unit, p.config().timeoutSeconds())
	if err != nil {
		observability.ExecutionsTotal.WithLabelValues(unit.Language, "error").Inc()
		return nil, err
	}

	observability.ExecutionsTotal.WithLabelValues(unit.Language, executionStatus(res)).Inc()
	observability.ExecutionDuration.WithLabelValues(unit.Language).Observe(res.Duration.Seconds())

	id := api.NewExecutionID()
	if err := em.Execution(ctx, id, res); err != nil {
		return nil, err
	}
	p.saveExecution(ctx, handle.ConversationID, id, res)
	return res, nil
}

// executionStatus labels a result for metrics.
func executionStatus(res *sandbox.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.Success():
		return "success"
	default:
		return "failure"
	}
}

// saveMessage records the response text this run was asked to process
// as an assistant turn, so the conversation history shows what produced
// the executions that follow. Best effort like all persistence here.
func (p *Pipeline) saveMessage(ctx context.Context, req *api.RunRequest) {
	if p.store == nil {
		return
	}
	msg := &api.Message{
		ID:             api.NewMessageID(),
		ConversationID: req.ConversationID,
		Role:           api.RoleAssistant,
		Content:        req.Text,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		slog.Warn("persist message failed",
			slog.String("conversation_id", req.ConversationID),
			slog.Any("error", err))
	}
}

// saveExecution hands the finalized record to the store. Persistence is
// best effort; a storage failure is logged and the run continues.
func (p *Pipeline) saveExecution(ctx context.Context, conversationID, id string, res *sandbox.ExecutionResult) {
	if p.store == nil {
		return
	}
	rec := &api.ExecutionRecord{
		ID:             id,
		ConversationID: conversationID,
		Language:       res.Unit.Language,
		Code:           res.Unit.Code,
		Output:         res.CombinedOutput(),
		ExitCode:       res.ExitCode,
		DurationMS:     res.Duration.Milliseconds(),
		Files:          res.Files,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.SaveExecution(ctx, rec); err != nil {
		slog.Warn("persist execution failed",
			slog.String("execution_id", id),
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
	}
}

// errorMessage picks the user-visible text for a fatal failure.
func errorMessage(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package pipeline

import (
	"context"
	"unicode/utf8"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// previewLimit caps how much of a unit's code a code_preview event
// carries.
const previewLimit = 200

// emitter numbers and writes one request's events in production order.
// It is confined to the request's pipeline goroutine, so ordering
// follows from single-threaded emission through one writer.
type emitter struct {
	w    transport.EventWriter
	seq  int
	done bool
}

func newEmitter(w transport.EventWriter) *emitter {
	return &emitter{w: w}
}

// nextSeq returns the current sequence number and increments it.
func (em *emitter) nextSeq() int {
	n := em.seq
	em.seq++
	return n
}

// emit stamps the event with the next sequence number and writes it. A
// write failure means the consumer is gone; callers propagate it so the
// run winds down at its next suspension point.
func (em *emitter) emit(ctx context.Context, ev api.Event) error {
	ev.SequenceNumber = em.nextSeq()
	return em.w.WriteEvent(ctx, ev)
}

// Feedback reports pipeline progress at the given level.
func (em *emitter) Feedback(ctx context.Context, level, message string) error {
	return em.emit(ctx, api.Event{Type: api.EventFeedback, Level: level, Message: message})
}

// CodePreview announces a unit about to run, truncating long code.
func (em *emitter) CodePreview(ctx context.Context, unit api.ExecutionUnit) error {
	return em.emit(ctx, api.Event{
		Type:     api.EventCodePreview,
		Language: unit.Language,
		Code:     truncateCode(unit.Code, previewLimit),
	})
}

// Execution reports one finished execution. Output and Error are
// mutually exclusive, selected by exit code.
func (em *emitter) Execution(ctx context.Context, id string, res *sandbox.ExecutionResult) error {
	ev := api.Event{
		Type:        api.EventExecution,
		ExecutionID: id,
		Language:    res.Unit.Language,
		Code:        res.Unit.Code,
		ExitCode:    api.Int(res.ExitCode),
		Duration:    res.Duration.Seconds(),
		Files:       res.Files,
	}
	out := res.CombinedOutput()
	if res.ExitCode == 0 {
		ev.Output = out
	} else {
		ev.Error = out
	}
	return em.emit(ctx, ev)
}

// AutoFix reports a fix loop phase change.
func (em *emitter) AutoFix(ctx context.Context, status string, attempt, maxAttempts int) error {
	return em.emit(ctx, api.Event{
		Type:        api.EventAutoFix,
		Status:      status,
		Attempt:     api.Int(attempt),
		MaxAttempts: maxAttempts,
	})
}

// AutoFixPrompt carries the error report sent to the model.
func (em *emitter) AutoFixPrompt(ctx context.Context, content string, attempt int) error {
	return em.emit(ctx, api.Event{
		Type:    api.EventAutoFixPrompt,
		Content: content,
		Attempt: api.Int(attempt),
	})
}

// AutoFixComplete reports the fix session outcome.
func (em *emitter) AutoFixComplete(ctx context.Context, success bool, attempt int, reason string) error {
	return em.emit(ctx, api.Event{
		Type:    api.EventAutoFixComplete,
		Success: api.Bool(success),
		Attempt: api.Int(attempt),
		Reason:  reason,
	})
}

// Error reports a fatal pipeline failure. The terminal done still
// follows.
func (em *emitter) Error(ctx context.Context, message string) error {
	return em.emit(ctx, api.Event{Type: api.EventError, Message: message})
}

// Done emits the terminal event. Idempotent so the guaranteed-cleanup
// path can call it unconditionally.
func (em *emitter) Done(ctx context.Context) {
	if em.done {
		return
	}
	em.done = true
	_ = em.emit(ctx, api.Event{Type: api.EventDone})
}

// truncateCode shortens code to limit bytes, backing off to a rune
// boundary, and marks the cut with an ellipsis.
func truncateCode(code string, limit int) string {
	if len(code) <= limit {
		return code
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(code[cut]) {
		cut--
	}
	return code[:cut] + "..."
}

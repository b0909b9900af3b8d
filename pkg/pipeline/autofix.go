package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/extract"
	"github.com/Ark0N/AI-Code-Executor/pkg/observability"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

// shellLanguages never start a fix session: a failing install script is
// an environment problem, not something the model repairs by editing
// the code that follows it.
var shellLanguages = map[string]bool{"bash": true, "sh": true, "shell": true}

func isShell(language string) bool {
	return shellLanguages[strings.ToLower(language)]
}

// fixCandidate returns the result the fix loop should start from: the
// batch's last result, provided it failed and is not a shell unit.
func fixCandidate(results []*sandbox.ExecutionResult) *sandbox.ExecutionResult {
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if last.Success() || isShell(last.Unit.Language) {
		return nil
	}
	return last
}

// fixSession tracks one auto-fix loop: the status machine plus the
// record handed to the persistence collaborator at the end.
type fixSession struct {
	rec api.AutoFixSession
}

// newFixSession opens a session for a batch whose last execution
// already ran and failed, so the status starts at executing.
func newFixSession(conversationID string, maxAttempts int) (*fixSession, error) {
	s := &fixSession{rec: api.AutoFixSession{
		ID:             api.NewRunID(),
		ConversationID: conversationID,
		MaxAttempts:    maxAttempts,
		StartedAt:      time.Now().UTC(),
	}}
	for _, status := range []api.SessionStatus{api.SessionIdle, api.SessionExecuting} {
		if err := s.to(status); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// to advances the session status, enforcing the state machine.
func (s *fixSession) to(next api.SessionStatus) error {
	if apiErr := api.ValidateSessionTransition(s.rec.Status, next); apiErr != nil {
		return apiErr
	}
	s.rec.Status = next
	return nil
}

// autoFix drives the bounded repair loop after a batch has run. It
// returns nil when the stream should end normally (nothing to fix,
// success, or exhaustion) and an error only for fatal failures.
//
// Only the batch's last result is considered, and a fix session never
// starts from a shell failure. Once a session is running, the next
// round's candidate is whatever last failed, shell or not.
func (p *Pipeline) autoFix(ctx context.Context, req *api.RunRequest, handle *sandbox.Handle, results []*sandbox.ExecutionResult, em *emitter) error {
	if !req.AutoFix {
		return nil
	}
	candidate := fixCandidate(results)
	if candidate == nil {
		return nil
	}

	cfg := p.config()
	maxAttempts := cfg.maxAttempts()
	session, err := newFixSession(req.ConversationID, maxAttempts)
	if err != nil {
		return err
	}

	model := req.Model
	if model == "" {
		model = cfg.DefaultModel
	}

	// The fix conversation replays the response that produced the
	// failing code, then alternates error reports with corrections.
	// The first turn must be a user turn, so the response rides as
	// user content.
	history := []provider.Message{{Role: provider.RoleUser, Content: req.Text}}

	attempt := 0
	for attempt < maxAttempts {
		attempt++

		if err := session.to(api.SessionAnalyzing); err != nil {
			return err
		}
		if err := em.AutoFix(ctx, api.AutoFixAnalyzing, attempt, maxAttempts); err != nil {
			return err
		}

		prompt := p.buildFixPrompt(candidate)
		if err := em.AutoFixPrompt(ctx, prompt, attempt); err != nil {
			return err
		}
		history = append(history, provider.Message{Role: provider.RoleUser, Content: prompt})

		if err := session.to(api.SessionFixing); err != nil {
			return err
		}
		if err := em.AutoFix(ctx, api.AutoFixFixing, attempt, maxAttempts); err != nil {
			return err
		}

		// Suspension point before the provider call.
		if ctx.Err() != nil {
			p.finishSession(ctx, session, api.SessionAborted, attempt-1)
			return ctx.Err()
		}

		text, err := p.completeFix(ctx, model, history)
		if err != nil {
			// Provider failure is fatal and never counts as a
			// consumed attempt.
			p.finishSession(ctx, session, api.SessionAborted, attempt-1)
			return err
		}
		history = append(history, provider.Message{Role: provider.RoleAssistant, Content: text})

		units := extract.Extract(text)
		if len(units) == 0 {
			// An unfixable response is not retried blindly.
			observability.AutoFixAttemptsTotal.WithLabelValues("failure").Inc()
			if err := em.AutoFixComplete(ctx, false, attempt, "No code blocks in response"); err != nil {
				return err
			}
			p.finishSession(ctx, session, api.SessionExhausted, attempt-1)
			return nil
		}

		if err := session.to(api.SessionExecuting); err != nil {
			return err
		}
		if err := p.previewUnits(ctx, units, em); err != nil {
			return err
		}
		fixResults, err := p.executeAll(ctx, handle, units, em)
		if err != nil {
			p.finishSession(ctx, session, api.SessionAborted, attempt-1)
			return err
		}

		last := fixResults[len(fixResults)-1]
		if last.Success() {
			observability.AutoFixAttemptsTotal.WithLabelValues("success").Inc()
			if err := em.AutoFixComplete(ctx, true, attempt, ""); err != nil {
				return err
			}
			p.finishSession(ctx, session, api.SessionSucceeded, attempt)
			return nil
		}

		observability.AutoFixAttemptsTotal.WithLabelValues("failure").Inc()
		candidate = last
	}

	reason := fmt.Sprintf("Max attempts (%d) reached", maxAttempts)
	if err := em.AutoFixComplete(ctx, false, attempt, reason); err != nil {
		return err
	}
	p.finishSession(ctx, session, api.SessionExhausted, attempt)
	return nil
}

// buildFixPrompt renders the error report for a failing result. Error
// output prefers stderr; a failure with a silent error channel falls
// back to stdout so the model still sees what happened.
func (p *Pipeline) buildFixPrompt(res *sandbox.ExecutionResult) string {
	output := res.Stderr
	if output == "" {
		output = res.Stdout
	}
	details := fmt.Sprintf("Language: %s\nError Output:\n%s\nExit Code: %d",
		res.Unit.Language, output, res.ExitCode)
	return strings.ReplaceAll(p.config().fixPrompt(), "{errors}", details)
}

// completeFix asks the conversation's model for corrected code.
func (p *Pipeline) completeFix(ctx context.Context, model string, history []provider.Message) (string, error) {
	prov, effectiveModel, err := p.router.Resolve(model)
	if err != nil {
		return "", err
	}

	preq := &provider.Request{
		Model:    effectiveModel,
		System:   p.config().systemPrompt(),
		Messages: history,
	}

	start := time.Now()
	resp, err := prov.Complete(ctx, preq)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.ProviderRequestsTotal.WithLabelValues(prov.Name(), status).Inc()
	observability.ProviderLatency.WithLabelValues(prov.Name()).Observe(duration.Seconds())

	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// finishSession records the terminal status and hands the session to
// the store. Attempts counts completed fix rounds, so a round cut short
// before its execution does not count.
func (p *Pipeline) finishSession(ctx context.Context, s *fixSession, status api.SessionStatus, attempts int) {
	if err := s.to(status); err != nil {
		slog.Error("auto-fix session state corrupted",
			slog.String("session_id", s.rec.ID),
			slog.Any("error", err))
		s.rec.Status = status
	}
	s.rec.Attempts = attempts
	s.rec.CompletedAt = time.Now().UTC()
	observability.AutoFixRounds.Observe(float64(attempts))

	if p.store == nil {
		return
	}
	if err := p.store.SaveSession(ctx, &s.rec); err != nil {
		slog.Warn("persist auto-fix session failed",
			slog.String("session_id", s.rec.ID),
			slog.String("conversation_id", s.rec.ConversationID),
			slog.Any("error", err))
	}
}

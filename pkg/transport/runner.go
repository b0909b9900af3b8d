package transport

import (
	"context"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// StreamRunner handles one pipeline run per inbound request. The
// implementation receives the request and writes every event, including
// the terminal done, to the EventWriter in production order.
type StreamRunner interface {
	Run(ctx context.Context, req *api.RunRequest, w EventWriter) error
}

// StreamRunnerFunc is an adapter that allows using an ordinary function
// as a StreamRunner.
type StreamRunnerFunc func(ctx context.Context, req *api.RunRequest, w EventWriter) error

// Run calls f(ctx, req, w).
func (f StreamRunnerFunc) Run(ctx context.Context, req *api.RunRequest, w EventWriter) error {
	return f(ctx, req, w)
}

// EventWriter abstracts the event stream for one request. The transport
// layer creates an EventWriter per request and hands it to the runner.
//
// WriteEvent sends a single event to the consumer and flushes it. Writes
// after the terminal done event return an error, as do writes once the
// consumer has disconnected; the runner treats either as a cancellation
// signal at its next suspension point.
type EventWriter interface {
	WriteEvent(ctx context.Context, event api.Event) error
}

package transport

import (
	"context"
	"fmt"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// Recovery returns middleware that catches panics in the runner and
// converts them to server error responses. The server continues to
// accept new requests after a panic is recovered.
func Recovery() Middleware {
	return func(next StreamRunner) StreamRunner {
		return StreamRunnerFunc(func(ctx context.Context, req *api.RunRequest, w EventWriter) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.Run(ctx, req, w)
		})
	}
}

// Package graceful runs background work that should outlive the HTTP handler
// that triggered it, without ever propagating a panic into the caller.
package graceful

import (
	"context"

	"github.com/Laisky/zap"
)

// Go runs fn in its own goroutine, recovering and logging any panic instead of
// crashing the process. Used for work the request path kicks off but does not
// wait on (capture-sink writes, post-response bookkeeping).
func Go(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("background task panicked",
						zap.String("task", name),
						zap.Any("panic", r),
					)
				}
			}
		}()
		fn(ctx)
	}()
}

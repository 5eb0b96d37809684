package graph

import (
	"context"
	"fmt"
	"time"
)

// runWithTimeout bounds one node dispatch. The node runs in its own
// goroutine; when the deadline passes, the caller gets a timeout error and
// the goroutine is left to observe the cancelled context and wind down.
// A zero timeout dispatches directly.
func runWithTimeout(ctx context.Context, timeout time.Duration, nodeID string,
	fn func(ctx context.Context) (Message, error)) (Message, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		msg Message
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, err := fn(runCtx)
		done <- outcome{msg: msg, err: err}
	}()

	select {
	case out := <-done:
		return out.msg, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return Message{}, NewCancelledError("RUN_CANCELLED", "context cancelled during node execution").
				WithContext("nodeId", nodeID).
				WithCause(ctx.Err())
		}
		return Message{}, NewTimeoutError("NODE_TIMEOUT",
			fmt.Sprintf("node %s exceeded %s", nodeID, timeout)).
			WithContext("nodeId", nodeID).
			WithContext("timeout", timeout.String())
	}
}

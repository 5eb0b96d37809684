package graph

import (
	"context"
	"fmt"
)

// ErrorActionKind enumerates what an OnError hook wants the runner to do
// with a failed step.
type ErrorActionKind int

const (
	// ActionPropagate lets the failure continue up the chain (default).
	ActionPropagate ErrorActionKind = iota

	// ActionSkip ignores the failure and continues with the pre-failure
	// message.
	ActionSkip

	// ActionRetry asks the runner to re-dispatch the node once more,
	// outside the retry supervisor's attempt budget.
	ActionRetry

	// ActionFallback replaces the step result with a substitute message
	// and continues.
	ActionFallback
)

// ErrorAction is an OnError hook's verdict.
type ErrorAction struct {
	Kind ErrorActionKind

	// Fallback is the substitute message for ActionFallback.
	Fallback Message
}

// Propagate returns the default verdict.
func Propagate() ErrorAction { return ErrorAction{Kind: ActionPropagate} }

// Skip returns a verdict that drops the failure.
func Skip() ErrorAction { return ErrorAction{Kind: ActionSkip} }

// Retry returns a verdict that requests one more dispatch.
func Retry() ErrorAction { return ErrorAction{Kind: ActionRetry} }

// Fallback returns a verdict substituting msg for the failed result.
func Fallback(msg Message) ErrorAction { return ErrorAction{Kind: ActionFallback, Fallback: msg} }

// Middleware observes and steers node execution.
//
// All three hooks run in registration order; BeforeNode and AfterNode may
// transform the message as it passes through. The first OnError verdict
// that is not Propagate wins and short-circuits the remaining hooks. A
// panic inside any hook is converted into a validation error
// tagged with the stage, so one faulty middleware cannot take the process
// down.
type Middleware interface {
	// BeforeNode runs before the node. The returned message replaces the
	// input; an error fails the step before the node ever runs.
	BeforeNode(ctx context.Context, nodeID string, msg Message) (Message, error)

	// AfterNode runs after a successful node execution and may transform
	// the result.
	AfterNode(ctx context.Context, nodeID string, msg Message) (Message, error)

	// OnError inspects a failed step and returns a verdict.
	OnError(ctx context.Context, nodeID string, msg Message, err error) ErrorAction
}

// MiddlewareFuncs adapts optional functions into a Middleware. Nil fields
// behave as pass-through.
type MiddlewareFuncs struct {
	Before func(ctx context.Context, nodeID string, msg Message) (Message, error)
	After  func(ctx context.Context, nodeID string, msg Message) (Message, error)
	Error  func(ctx context.Context, nodeID string, msg Message, err error) ErrorAction
}

// BeforeNode implements Middleware.
func (m MiddlewareFuncs) BeforeNode(ctx context.Context, nodeID string, msg Message) (Message, error) {
	if m.Before == nil {
		return msg, nil
	}
	return m.Before(ctx, nodeID, msg)
}

// AfterNode implements Middleware.
func (m MiddlewareFuncs) AfterNode(ctx context.Context, nodeID string, msg Message) (Message, error) {
	if m.After == nil {
		return msg, nil
	}
	return m.After(ctx, nodeID, msg)
}

// OnError implements Middleware.
func (m MiddlewareFuncs) OnError(ctx context.Context, nodeID string, msg Message, err error) ErrorAction {
	if m.Error == nil {
		return Propagate()
	}
	return m.Error(ctx, nodeID, msg, err)
}

// chain runs the middleware hooks with panic isolation. Methods keep the
// hook-ordering contract documented on Middleware.
type chain []Middleware

func (c chain) before(ctx context.Context, nodeID string, msg Message) (Message, error) {
	current := msg
	for _, mw := range c {
		next, err := guardTransform(ctx, "BeforeNode", nodeID, current, mw.BeforeNode)
		if err != nil {
			return Message{}, err
		}
		current = next
	}
	return current, nil
}

func (c chain) after(ctx context.Context, nodeID string, msg Message) (Message, error) {
	current := msg
	for _, mw := range c {
		next, err := guardTransform(ctx, "AfterNode", nodeID, current, mw.AfterNode)
		if err != nil {
			return Message{}, err
		}
		current = next
	}
	return current, nil
}

func (c chain) onError(ctx context.Context, nodeID string, msg Message, stepErr error) ErrorAction {
	for _, mw := range c {
		action := guardVerdict(ctx, nodeID, msg, stepErr, mw.OnError)
		if action.Kind != ActionPropagate {
			return action
		}
	}
	return Propagate()
}

func guardTransform(ctx context.Context, stage, nodeID string, msg Message,
	fn func(context.Context, string, Message) (Message, error)) (out Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Message{}
			err = NewValidationError("MIDDLEWARE_PANIC",
				fmt.Sprintf("middleware panicked: %v", rec)).
				WithContext("stage", stage).
				WithContext("nodeId", nodeID)
		}
	}()
	return fn(ctx, nodeID, msg)
}

func guardVerdict(ctx context.Context, nodeID string, msg Message, stepErr error,
	fn func(context.Context, string, Message, error) ErrorAction) (action ErrorAction) {
	defer func() {
		if rec := recover(); rec != nil {
			// A panicking error hook cannot veto anything.
			action = Propagate()
		}
	}()
	return fn(ctx, nodeID, msg, stepErr)
}

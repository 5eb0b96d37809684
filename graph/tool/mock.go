package tool

import (
	"context"
	"sync"
)

// MockTool is a test implementation of Tool.
//
// It provides configurable response sequences, error injection and call
// history tracking, and is safe for concurrent use.
//
// Example:
//
//	mock := &MockTool{
//	    ToolName:  "search_web",
//	    Responses: []Result{Ok("result1")},
//	}
//	res, err := mock.Execute(ctx, map[string]any{"query": "test"}, Context{})
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// Responses contains the sequence of results to return. Each call
	// returns the next response; once exhausted the last response repeats.
	Responses []Result

	// Errs contains per-call errors. A nil entry means no error for that
	// call; once exhausted no further errors are injected.
	Errs []error

	// Err, if set, is returned by every call (overrides Errs).
	Err error

	// DeclaredSchema is returned by Schema(). Zero value accepts anything.
	DeclaredSchema Schema

	// Calls tracks every Execute invocation.
	Calls []MockCall

	mu        sync.Mutex
	callIndex int
}

// MockCall records a single Execute invocation.
type MockCall struct {
	Params  map[string]any
	Context Context
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Description implements Tool.
func (m *MockTool) Description() string { return "mock tool for tests" }

// Schema implements Tool.
func (m *MockTool) Schema() Schema { return m.DeclaredSchema }

// CanExecute implements Tool.
func (m *MockTool) CanExecute(params map[string]any) bool {
	return m.DeclaredSchema.Validate(params) == nil
}

// Execute implements Tool. The call is recorded before any error injection
// so tests can assert on attempted invocations.
func (m *MockTool) Execute(ctx context.Context, params map[string]any, tc Context) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIndex
	m.callIndex++
	m.Calls = append(m.Calls, MockCall{Params: params, Context: tc})

	if m.Err != nil {
		return Result{}, m.Err
	}
	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return Result{}, m.Errs[idx]
	}

	if len(m.Responses) == 0 {
		return Ok(nil), nil
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of Execute invocations so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

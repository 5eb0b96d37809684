// Package tool defines the executable tool contract consumed by tool nodes,
// plus a process-wide registry and a couple of ready-made implementations.
package tool

import (
	"context"
	"fmt"
)

// Context carries the execution scope of a tool invocation. It is assembled
// by the runner from the message being processed.
type Context struct {
	GraphID       string
	NodeID        string
	RunID         string
	CorrelationID string
	Metadata      map[string]any
}

// Result is the structured outcome of one tool invocation.
//
// A Result with OK=false is still a successful invocation at the transport
// level — the tool ran and reported a domain failure. Transport-level
// failures are returned as errors from Execute.
type Result struct {
	OK       bool           `json:"ok"`
	Value    any            `json:"value,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ok builds a successful result.
func Ok(value any) Result {
	return Result{OK: true, Value: value}
}

// Fail builds a domain-failure result.
func Fail(reason string) Result {
	return Result{OK: false, Error: reason}
}

// ParamType enumerates the declarative parameter types a schema can declare.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeNumber ParamType = "number"
	TypeBool   ParamType = "bool"
	TypeList   ParamType = "list"
	TypeMap    ParamType = "map"
)

// Param describes one declared tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string
}

// Schema is a declarative descriptor of the parameters a tool accepts.
// It is validated at CanExecute time, not at registration.
type Schema struct {
	Params []Param
}

// Validate checks params against the schema: required parameters must be
// present and typed parameters must match their declared type.
func (s Schema) Validate(params map[string]any) error {
	for _, p := range s.Params {
		v, present := params[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if !matchesType(v, p.Type) {
			return fmt.Errorf("parameter %q: expected %s, got %T", p.Name, p.Type, v)
		}
	}
	return nil
}

func matchesType(v any, t ParamType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeList:
		_, ok := v.([]any)
		return ok
	case TypeMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// Tool is an executable unit of work that a ToolNode can invoke.
//
// Implementations should respect context cancellation, validate their inputs
// and report domain failures through Result rather than errors where the
// failure is meaningful to the workflow.
type Tool interface {
	// Name returns the unique identifier for this tool within its namespace.
	Name() string

	// Description returns a human-readable summary of what the tool does.
	Description() string

	// Schema returns the declarative parameter descriptor.
	Schema() Schema

	// Execute runs the tool. Transport or invariant failures are returned
	// as errors; domain failures are reported via Result.OK.
	Execute(ctx context.Context, params map[string]any, tc Context) (Result, error)

	// CanExecute reports whether params satisfy the tool's schema.
	CanExecute(params map[string]any) bool
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      Schema
	Fn              func(ctx context.Context, params map[string]any, tc Context) (Result, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.ToolDescription }

// Schema implements Tool.
func (f *Func) Schema() Schema { return f.ToolSchema }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, params map[string]any, tc Context) (Result, error) {
	if f.Fn == nil {
		return Result{}, fmt.Errorf("tool %q has no function bound", f.ToolName)
	}
	return f.Fn(ctx, params, tc)
}

// CanExecute implements Tool.
func (f *Func) CanExecute(params map[string]any) bool {
	return f.ToolSchema.Validate(params) == nil
}

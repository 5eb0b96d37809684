package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tessellate-ai/agentgraph-go/graph/tool"
)

// ValidationLevel grades a resolver validation finding.
type ValidationLevel int

const (
	// ValidationWarning marks a finding that fails builds only in strict
	// mode.
	ValidationWarning ValidationLevel = iota

	// ValidationError marks a finding that always fails the build.
	ValidationError
)

// ValidationEntry is one finding from ToolResolver.Validate.
type ValidationEntry struct {
	Level   ValidationLevel
	Message string
}

// ToolResolver selects the tool a tool node should invoke for a given
// message. Resolution happens per execution, so the chosen tool can depend
// on message data.
type ToolResolver interface {
	// Resolve returns the tool for msg, or a lookup error when none
	// applies.
	Resolve(msg Message) (tool.Tool, error)

	// Validate checks the resolver against a registry at build time and
	// reports findings. An empty slice means healthy.
	Validate(reg *tool.Registry) []ValidationEntry

	// DisplayName names the resolver in diagnostics.
	DisplayName() string
}

// toolRegistryDefault indirection lets validation fall back to the shared
// registry without importing it at every call site.
func toolRegistryDefault() *tool.Registry { return tool.Default() }

// StaticResolver always resolves to one fixed tool.
type StaticResolver struct {
	tool tool.Tool
}

// NewStaticResolver wraps t.
func NewStaticResolver(t tool.Tool) *StaticResolver {
	return &StaticResolver{tool: t}
}

// Resolve implements ToolResolver.
func (r *StaticResolver) Resolve(Message) (tool.Tool, error) {
	if r.tool == nil {
		return nil, NewLookupError("TOOL_NOT_FOUND", "static resolver holds no tool")
	}
	return r.tool, nil
}

// Validate implements ToolResolver.
func (r *StaticResolver) Validate(*tool.Registry) []ValidationEntry {
	if r.tool == nil {
		return []ValidationEntry{{Level: ValidationError, Message: "static resolver holds no tool"}}
	}
	return nil
}

// DisplayName implements ToolResolver.
func (r *StaticResolver) DisplayName() string {
	if r.tool != nil {
		return "static(" + r.tool.Name() + ")"
	}
	return "static(<nil>)"
}

// RegistryResolver resolves the tool named by the message.
//
// The tool name is read from Data["toolName"], the namespace from
// Data["toolNamespace"] (defaulting to the registry's default namespace).
// ExpectedTools, when set, restricts resolution to a known allow-list and
// lets Validate confirm the tools exist before any run starts.
type RegistryResolver struct {
	registry *tool.Registry

	// ExpectedTools lists "namespace/name" (or bare name) entries this
	// resolver is allowed to return. Empty means any registered tool.
	ExpectedTools []string

	// Strict rejects resolution of tools outside ExpectedTools instead of
	// warning at validation time only.
	Strict bool
}

// NewRegistryResolver creates a resolver over reg. A nil registry uses the
// shared default registry.
func NewRegistryResolver(reg *tool.Registry) *RegistryResolver {
	if reg == nil {
		reg = tool.Default()
	}
	return &RegistryResolver{registry: reg}
}

// DataToolName is the data key naming the tool a registry resolver invokes.
const DataToolName = "toolName"

// DataToolNamespace is the data key naming the tool's registry namespace.
const DataToolNamespace = "toolNamespace"

func (r *RegistryResolver) qualify(name, namespace string) string {
	if strings.Contains(name, "/") {
		return name
	}
	if namespace == "" {
		namespace = tool.DefaultNamespace
	}
	return namespace + "/" + name
}

// Resolve implements ToolResolver.
func (r *RegistryResolver) Resolve(msg Message) (tool.Tool, error) {
	name, ok := msg.DataString(DataToolName)
	if !ok || name == "" {
		return nil, NewLookupError("TOOL_NAME_MISSING", "message carries no tool name").
			WithContext("key", DataToolName)
	}
	namespace, _ := msg.DataString(DataToolNamespace)
	qualified := r.qualify(name, namespace)

	if r.Strict && len(r.ExpectedTools) > 0 && !r.expected(qualified) {
		return nil, NewSecurityError("TOOL_NOT_ALLOWED", "tool is outside the resolver's allow-list").
			WithContext("tool", qualified)
	}

	ns, bare, _ := strings.Cut(qualified, "/")
	t, ok := r.registry.Lookup(ns, bare)
	if !ok {
		return nil, NewToolLookupError(bare, ns)
	}
	return t, nil
}

func (r *RegistryResolver) expected(qualified string) bool {
	for _, e := range r.ExpectedTools {
		if r.qualify(e, "") == qualified {
			return true
		}
	}
	return false
}

// Validate implements ToolResolver. Expected tools missing from the
// registry are warnings, promoted to errors by strict graph validation.
func (r *RegistryResolver) Validate(reg *tool.Registry) []ValidationEntry {
	if reg == nil {
		reg = r.registry
	}
	var out []ValidationEntry
	for _, e := range r.ExpectedTools {
		qualified := r.qualify(e, "")
		ns, bare, _ := strings.Cut(qualified, "/")
		if _, ok := reg.Lookup(ns, bare); !ok {
			out = append(out, ValidationEntry{
				Level:   ValidationWarning,
				Message: fmt.Sprintf("expected tool %q is not registered", qualified),
			})
		}
	}
	return out
}

// DisplayName implements ToolResolver.
func (r *RegistryResolver) DisplayName() string {
	if len(r.ExpectedTools) > 0 {
		names := append([]string(nil), r.ExpectedTools...)
		sort.Strings(names)
		return "registry[" + strings.Join(names, ",") + "]"
	}
	return "registry"
}

// DynamicResolver resolves with an arbitrary function. Panics inside the
// function are converted to lookup errors so a misbehaving resolver fails
// the step instead of the process.
type DynamicResolver struct {
	name string
	fn   func(msg Message) (tool.Tool, error)
}

// NewDynamicResolver wraps fn under a diagnostic name.
func NewDynamicResolver(name string, fn func(msg Message) (tool.Tool, error)) *DynamicResolver {
	return &DynamicResolver{name: name, fn: fn}
}

// Resolve implements ToolResolver.
func (r *DynamicResolver) Resolve(msg Message) (t tool.Tool, err error) {
	if r.fn == nil {
		return nil, NewLookupError("RESOLVER_EMPTY", "dynamic resolver has no function").
			WithContext("resolver", r.name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			t = nil
			err = NewLookupError("RESOLVER_PANIC",
				fmt.Sprintf("dynamic resolver panicked: %v", rec)).
				WithContext("resolver", r.name)
		}
	}()
	return r.fn(msg)
}

// Validate implements ToolResolver. Dynamic resolution cannot be checked
// ahead of time; a missing function is the only detectable defect.
func (r *DynamicResolver) Validate(*tool.Registry) []ValidationEntry {
	if r.fn == nil {
		return []ValidationEntry{{Level: ValidationError, Message: "dynamic resolver has no function"}}
	}
	return nil
}

// DisplayName implements ToolResolver.
func (r *DynamicResolver) DisplayName() string { return "dynamic(" + r.name + ")" }

// FallbackResolver tries a sequence of resolvers in order and returns the
// first success. When every resolver declines, the lookup error aggregates
// each failure so the caller sees the full decision trail.
type FallbackResolver struct {
	resolvers []ToolResolver
}

// NewFallbackResolver chains resolvers.
func NewFallbackResolver(resolvers ...ToolResolver) *FallbackResolver {
	return &FallbackResolver{resolvers: resolvers}
}

// Resolve implements ToolResolver.
func (r *FallbackResolver) Resolve(msg Message) (tool.Tool, error) {
	if len(r.resolvers) == 0 {
		return nil, NewLookupError("RESOLVER_EMPTY", "fallback resolver has no delegates")
	}
	var reasons []string
	for _, delegate := range r.resolvers {
		t, err := delegate.Resolve(msg)
		if err == nil {
			return t, nil
		}
		reasons = append(reasons, delegate.DisplayName()+": "+err.Error())
	}
	return nil, NewLookupError("TOOL_NOT_FOUND", "every resolver declined").
		WithContext("attempts", strings.Join(reasons, "; "))
}

// Validate implements ToolResolver by merging every delegate's findings.
func (r *FallbackResolver) Validate(reg *tool.Registry) []ValidationEntry {
	if len(r.resolvers) == 0 {
		return []ValidationEntry{{Level: ValidationError, Message: "fallback resolver has no delegates"}}
	}
	var out []ValidationEntry
	for _, delegate := range r.resolvers {
		for _, entry := range delegate.Validate(reg) {
			entry.Message = delegate.DisplayName() + ": " + entry.Message
			out = append(out, entry)
		}
	}
	return out
}

// DisplayName implements ToolResolver.
func (r *FallbackResolver) DisplayName() string {
	names := make([]string, len(r.resolvers))
	for i, delegate := range r.resolvers {
		names[i] = delegate.DisplayName()
	}
	return "fallback[" + strings.Join(names, "→") + "]"
}

package tool

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultNamespace is used when callers do not qualify a tool name.
const DefaultNamespace = "default"

// Registry is a namespaced collection of tools shared across concurrent
// runs. All methods are safe for concurrent use.
//
// The registry is an explicit dependency: resolvers receive the registry
// they should consult at construction time. A process-wide default is
// provided for convenience but is fully substitutable; tests should use
// their own instance or call Clear between cases.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool // "namespace/name" -> tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

var defaultRegistry = NewRegistry()

// Default returns the shared in-process registry.
func Default() *Registry { return defaultRegistry }

func regKey(namespace, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + name
}

// Register adds a tool under the given namespace. Registering a nil tool or
// an empty name is an error; re-registering a name replaces the previous
// binding.
func (r *Registry) Register(namespace string, t Tool) error {
	if t == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	if t.Name() == "" {
		return fmt.Errorf("cannot register tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[regKey(namespace, t.Name())] = t
	return nil
}

// Lookup finds a tool by name and namespace.
func (r *Registry) Lookup(namespace, name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[regKey(namespace, name)]
	return t, ok
}

// Names returns the sorted tool names registered under a namespace.
func (r *Registry) Names(namespace string) []string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	prefix := namespace + "/"
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for k := range r.tools {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of registered tools across all namespaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear removes every registered tool. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]Tool)
}

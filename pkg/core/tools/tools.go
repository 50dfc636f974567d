// Package tools holds the tool registry and the execution contract shared
// by every backend: the model asks for a tool by name with JSON
// arguments, the engine runs it, and the outcome goes back as a result.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voxa-labs/callbridge/pkg/core"
	"github.com/voxa-labs/callbridge/pkg/core/provider"
)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON schema for the arguments object.
	Schema map[string]any

	// Terminal tools end the call after their side effect (hangup,
	// transfer). The orchestrator sequences the farewell before running
	// them.
	Terminal bool

	Handler func(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation is one requested tool execution.
type Invocation struct {
	CallID    string
	Arguments map[string]any
	Exec      *ExecContext
}

// ExecContext gives handlers controlled access to the call.
type ExecContext struct {
	CallID       string
	ControlPlane ControlPlane

	// Session is a point-in-time view of the call state.
	Session SessionInfo

	// Vars is a read-only configuration snapshot for handlers.
	Vars map[string]string
}

// SessionInfo is the read-only call snapshot handed to tool handlers.
type SessionInfo struct {
	SessionID string
	Backend   string
	StartedAt time.Time
	Turn      string
}

// Result is a tool outcome. Failures are results, not errors; the model
// sees them and the conversation continues.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{byName: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		r.byName[t.Name] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[t.Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the advertisable specs for all registered tools.
func (r *Registry) Definitions() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.ToolSpec, 0, len(r.byName))
	for _, t := range r.byName {
		specs = append(specs, provider.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// IsTerminal reports whether the named tool ends the call.
func (r *Registry) IsTerminal(name string) bool {
	t, ok := r.Get(name)
	return ok && t.Terminal
}

// Execute runs the named tool. The returned Result is always non-nil:
// unknown tools, bad arguments, and handler failures all come back as
// failed results so the call can continue.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage, exec *ExecContext) *Result {
	t, ok := r.Get(name)
	if !ok {
		return &Result{Success: false, Err: fmt.Sprintf("unknown tool %q", name)}
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return &Result{Success: false, Err: fmt.Sprintf("invalid arguments for %q: %v", name, err)}
		}
	}

	inv := &Invocation{
		CallID:    exec.CallID,
		Arguments: args,
		Exec:      exec,
	}

	result, err := t.Handler(ctx, inv)
	if err != nil {
		toolErr := core.NewToolExecutionError(name, err)
		return &Result{Success: false, Err: toolErr.Error()}
	}
	if result == nil {
		return &Result{Success: true}
	}
	return result
}

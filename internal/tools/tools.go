// Package tools defines the tool interface and registry exposed over MCP.
// Each tool validates its own arguments so malformed calls are rejected
// before the execution environment is touched.
package tools

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInvalidArguments is returned by Validate when tool arguments are
// missing, empty or of the wrong type.
var ErrInvalidArguments = errors.New("invalid arguments")

// Tool is the interface all maigret-mcp tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "search_username").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed. Errors wrap ErrInvalidArguments.
	// The dispatcher calls it before provisioning the environment.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters. Failures of the
	// underlying process are reported in the Result, not as an error.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorResult wraps a failure message into a tool-level error result.
func ErrorResult(msg string, metadata map[string]any) *Result {
	return &Result{Output: msg, IsError: true, Metadata: metadata}
}

// Metadata keys set by tools and read by the dispatcher and history.
const (
	MetaSubject    = "subject"
	MetaFormat     = "format"
	MetaReportPath = "report_path"
	MetaExitCode   = "exit_code"
)

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

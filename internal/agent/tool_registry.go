package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/pkg/models"
)

// Tool is one executable capability offered to the model.
type Tool interface {
	// Name returns the function-call identifier (alphanumeric, underscores).
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. A tool-level failure should come back as an
	// error; the executor converts it into a failed ToolResult rather than
	// aborting the turn.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolExecutor is what the loop needs from a tool runtime. The reference
// implementation is Registry; producers may supply their own (sandboxed
// runners, RPC bridges).
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
	Definitions() []providers.ToolDefinition
	IsRegistered(name string) bool
}

// Registry is an in-process ToolExecutor.
//
// Thread Safety: registration and execution may interleave; all map access
// is mutex-guarded.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), logger: slog.Default()}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// IsRegistered reports whether a tool name is known.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns wire-ready definitions for every registered tool.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one call. Tool failures and panics come back as failed
// results so the model can react; only an unknown tool name is treated
// that way too, with an explanatory message.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return models.ToolResult{Success: false, Output: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "panic", rec)
			result = models.ToolResult{Success: false, Output: fmt.Sprintf("tool %s panicked: %v", call.Name, rec)}
		}
	}()

	out, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return models.ToolResult{Success: false, Output: err.Error()}
	}
	return models.ToolResult{Success: true, Output: out}
}

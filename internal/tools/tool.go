// Package tools provides the tool framework and the built-in coding tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KafClaw/codeclaw/internal/confirmation"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrInvalidParams = errors.New("invalid tool parameters")
)

// Progress is an incremental update emitted by a running tool. Output replaces
// whatever was reported before; it is not appended.
type Progress struct {
	Output string
	PID    int
}

// ProgressFunc receives live updates while a tool executes. It may be nil.
type ProgressFunc func(Progress)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool. It must watch ctx and return promptly once it is
	// cancelled. A returned error marks the call as failed.
	Execute(ctx context.Context, params map[string]any, progress ProgressFunc) (string, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only (always allowed)
// Tier 1: controlled writes (auto-approved in auto_edit mode)
// Tier 2: shell and other high-impact actions (approval unless yolo)
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tier constants.
const (
	TierReadOnly = 0
	TierWrite    = 1
	TierHighRisk = 2
)

// ToolTier returns the risk tier for a tool, defaulting to TierReadOnly.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Confirmer is implemented by tools that describe themselves to the approver.
type Confirmer interface {
	ConfirmationDetails(ctx context.Context, params map[string]any) (confirmation.Details, error)
}

// MarkdownTool marks tools whose output should be rendered as markdown.
type MarkdownTool interface {
	IsOutputMarkdown() bool
}

// IsOutputMarkdown reports the tool's output-is-markdown flag.
func IsOutputMarkdown(t Tool) bool {
	if mt, ok := t.(MarkdownTool); ok {
		return mt.IsOutputMarkdown()
	}
	return false
}

// ConfirmationDetails returns what the approver should see for a call,
// falling back to a generic description for tools without a Confirmer.
func ConfirmationDetails(ctx context.Context, t Tool, params map[string]any) (confirmation.Details, error) {
	if c, ok := t.(Confirmer); ok {
		return c.ConfirmationDetails(ctx, params)
	}
	return confirmation.Details{
		Kind:        confirmation.KindInfo,
		Title:       fmt.Sprintf("Allow %s?", t.Name()),
		Description: t.Description(),
		Preview:     FormatArgsPreview(params),
	}, nil
}

// Registry manages tool registration and lookup. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas *SchemaCache
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: NewSchemaCache(),
	}
}

// Register adds a tool to the registry, replacing one with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas.Invalidate(tool.Name())
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
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

// List returns all registered tools ordered by name.
func (r *Registry) List() []Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Subset returns a new registry holding only the named tools that exist here.
func (r *Registry) Subset(names []string) *Registry {
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out.tools[name] = t
		}
	}
	return out
}

// Definitions returns tool definitions in OpenAI format.
func (r *Registry) Definitions() []map[string]any {
	tools := r.List()
	result := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
			},
		})
	}
	return result
}

// Validate looks up name and checks params against its declared schema.
func (r *Registry) Validate(name string, params map[string]any) (Tool, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if err := r.schemas.Validate(tool, params); err != nil {
		return tool, err
	}
	return tool, nil
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

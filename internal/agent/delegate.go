package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/KafClaw/codeclaw/internal/provider"
	"github.com/KafClaw/codeclaw/internal/scheduler"
	"github.com/KafClaw/codeclaw/internal/tools"
)

// DelegateToolName is the name of the sub-agent delegation tool.
const DelegateToolName = "delegate_to_agent"

// DelegateOptions configures a DelegateTool.
type DelegateOptions struct {
	Definitions *Definitions
	// Registry holds the tools sub-agents may be granted.
	Registry *tools.Registry
	Provider provider.LLMProvider
	// Scheduler is the template for child schedulers. ID and Registry are
	// replaced per delegation; Bus should be the parent's bus.
	Scheduler     scheduler.Options
	Workspace     string
	MaxIterations int
	Logger        *slog.Logger
}

// DelegateTool runs a task on a named sub-agent with its own scheduler.
type DelegateTool struct {
	opts DelegateOptions
}

// NewDelegateTool creates a DelegateTool.
func NewDelegateTool(opts DelegateOptions) *DelegateTool {
	if opts.Definitions == nil {
		opts.Definitions = NewDefinitions()
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &DelegateTool{opts: opts}
}

func (t *DelegateTool) Name() string { return DelegateToolName }

// Delegation itself is read-only; the sub-agent's tools are confirmed by its
// own scheduler.
func (t *DelegateTool) Tier() int { return tools.TierReadOnly }

func (t *DelegateTool) IsOutputMarkdown() bool { return true }

func (t *DelegateTool) Description() string {
	var b strings.Builder
	b.WriteString("Delegate a self-contained task to a specialised sub-agent and return its final answer.")
	if defs := t.opts.Definitions.List(); len(defs) > 0 {
		b.WriteString(" Available agents:")
		for _, def := range defs {
			fmt.Fprintf(&b, "\n- %s: %s", def.Name, def.Description)
		}
	}
	return b.String()
}

func (t *DelegateTool) Parameters() map[string]any {
	agentName := map[string]any{
		"type":        "string",
		"description": "The name of the agent to delegate to",
	}
	if defs := t.opts.Definitions.List(); len(defs) > 0 {
		names := make([]any, len(defs))
		for i, def := range defs {
			names[i] = def.Name
		}
		agentName["enum"] = names
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_name": agentName,
			"task": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The complete task description for the agent",
			},
		},
		"required": []string{"agent_name", "task"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, params map[string]any, progress tools.ProgressFunc) (string, error) {
	name := tools.GetString(params, "agent_name", "")
	task := tools.GetString(params, "task", "")
	if task == "" {
		return "", fmt.Errorf("%w: task is required", tools.ErrInvalidParams)
	}
	def, ok := t.opts.Definitions.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown agent: %s", name)
	}
	if t.opts.Provider == nil {
		return "", errors.New("delegation has no provider")
	}

	registry := t.childRegistry(def)
	sched := t.childScheduler(def, registry)
	if progress != nil {
		progress(tools.Progress{Output: fmt.Sprintf("Delegated to %s (%s)", def.Name, sched.ID())})
	}
	t.opts.Logger.Info("Delegating task", "agent", def.Name, "scheduler_id", sched.ID())

	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = t.opts.MaxIterations
	}
	loop := NewLoop(LoopOptions{
		Provider:      t.opts.Provider,
		Scheduler:     sched,
		Registry:      registry,
		Logger:        t.opts.Logger,
		Workspace:     t.opts.Workspace,
		SystemPrompt:  def.SystemPrompt,
		Model:         def.Model,
		MaxIterations: maxIter,
	})

	answer, err := loop.Process(ctx, task)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", def.Name, err)
	}
	return fmt.Sprintf("## %s\n\n%s", def.Name, answer), nil
}

func (t *DelegateTool) childScheduler(def Definition, registry *tools.Registry) *scheduler.Scheduler {
	opts := t.opts.Scheduler
	opts.ID = scheduler.NestedID(def.Name)
	opts.Registry = registry
	opts.OnAllComplete = nil
	if opts.Logger == nil {
		opts.Logger = t.opts.Logger
	}
	return scheduler.New(opts)
}

// childRegistry grants the definition's tools, or every tool when it names
// none. The delegate tool is never granted.
func (t *DelegateTool) childRegistry(def Definition) *tools.Registry {
	names := def.Tools
	if len(names) == 0 {
		names = t.opts.Registry.Names()
	}
	names = slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == DelegateToolName })
	return t.opts.Registry.Subset(names)
}

// Package agent runs the model/tool loop on top of the scheduler and hosts
// sub-agent delegation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/codeclaw/internal/hooks"
	"github.com/KafClaw/codeclaw/internal/provider"
	"github.com/KafClaw/codeclaw/internal/scheduler"
	"github.com/KafClaw/codeclaw/internal/tools"
)

const (
	defaultMaxIterations = 20
	defaultMaxTokens     = 4096
	defaultTemperature   = 0.7
)

// MaxIterationsResponse is returned when the model keeps calling tools past
// the iteration limit.
const MaxIterationsResponse = "Max iterations reached. Please try a simpler request."

// CancelledResponse is returned when every tool call of a turn was cancelled.
const CancelledResponse = "Tool execution cancelled."

// LoopOptions contains configuration for creating a Loop.
type LoopOptions struct {
	Provider  provider.LLMProvider
	Scheduler *scheduler.Scheduler
	Registry  *tools.Registry
	Hooks     *hooks.Dispatcher
	Logger    *slog.Logger

	Workspace    string
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64

	MaxIterations int
	// MaxHistoryMessages triggers compaction once exceeded; 0 disables it.
	MaxHistoryMessages int
}

// Loop is one conversation with the model. Turns are processed one at a time.
type Loop struct {
	provider    provider.LLMProvider
	scheduler   *scheduler.Scheduler
	registry    *tools.Registry
	hooks       *hooks.Dispatcher
	logger      *slog.Logger
	prompt      *ContextBuilder
	basePrompt  string
	model       string
	maxTokens   int
	temperature float64

	maxIterations int
	maxHistory    int

	mu      sync.Mutex
	started bool
	system  string
	history []provider.Message
	usage   provider.Usage
}

// NewLoop creates a Loop. A nil scheduler gets a root scheduler over the
// registry.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(scheduler.Options{Registry: opts.Registry, Logger: opts.Logger})
	}
	if opts.Model == "" && opts.Provider != nil {
		opts.Model = opts.Provider.DefaultModel()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	return &Loop{
		provider:      opts.Provider,
		scheduler:     opts.Scheduler,
		registry:      opts.Registry,
		hooks:         opts.Hooks,
		logger:        opts.Logger.With("scheduler_id", opts.Scheduler.ID()),
		prompt:        NewContextBuilder(opts.Workspace, opts.Registry),
		basePrompt:    opts.SystemPrompt,
		model:         opts.Model,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		maxIterations: opts.MaxIterations,
		maxHistory:    opts.MaxHistoryMessages,
	}
}

// Scheduler returns the scheduler that executes this loop's tool calls.
func (l *Loop) Scheduler() *scheduler.Scheduler { return l.scheduler }

// Start fires the session-start hook and builds the system prompt. Calling it
// again is a no-op. source is "startup", "resume" or "clear".
func (l *Loop) Start(ctx context.Context, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startLocked(ctx, source)
}

func (l *Loop) startLocked(ctx context.Context, source string) {
	if l.started {
		return
	}
	l.started = true
	var additional string
	if l.hooks != nil {
		if out := l.hooks.SessionStart(ctx, source); out != nil {
			additional = out.AdditionalContext
		}
	}
	l.system = l.prompt.BuildSystemPrompt(l.basePrompt, additional)
}

// Close fires the session-end hook if the session was started.
func (l *Loop) Close(ctx context.Context, reason string) {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started && l.hooks != nil {
		l.hooks.SessionEnd(ctx, reason)
	}
}

// Process runs one user turn and returns the model's final answer.
func (l *Loop) Process(ctx context.Context, content string) (string, error) {
	if l.provider == nil {
		return "", fmt.Errorf("agent loop has no provider")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.startLocked(ctx, "startup")
	l.history = append(l.history, provider.Message{Role: "user", Content: content})
	if l.maxHistory > 0 && len(l.history) > l.maxHistory {
		l.compactLocked(ctx, "auto", max(l.maxHistory/2, 1))
	}

	start := time.Now()
	out, err := l.runAgentLoop(ctx)
	l.logger.Debug("Turn finished", "duration_ms", time.Since(start).Milliseconds(), "error", err)
	return out, err
}

// Compact drops history before the most recent user message.
func (l *Loop) Compact(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compactLocked(ctx, "manual", 1)
}

// History returns a copy of the conversation without the system prompt.
func (l *Loop) History() []provider.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]provider.Message(nil), l.history...)
}

// Restore replaces the conversation history, typically with a saved session.
func (l *Loop) Restore(history []provider.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append([]provider.Message(nil), history...)
}

// Usage returns the accumulated token usage.
func (l *Loop) Usage() provider.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}

func (l *Loop) runAgentLoop(ctx context.Context) (string, error) {
	toolDefs := provider.ToolDefinitions(l.registry)

	for i := 0; i < l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    l.messagesLocked(),
			Tools:       toolDefs,
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("LLM call failed: %w", err)
		}
		l.trackTokens(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			l.history = append(l.history, provider.Message{Role: "assistant", Content: resp.Content})
			return resp.Content, nil
		}

		calls := make([]provider.ToolCall, len(resp.ToolCalls))
		reqs := make([]scheduler.Request, len(resp.ToolCalls))
		for j, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = fmt.Sprintf("call_%d_%d", i, j)
			}
			calls[j] = tc
			reqs[j] = scheduler.Request{CallID: tc.ID, Name: tc.Name, Args: tc.Arguments}
		}
		l.history = append(l.history, provider.Message{Role: "assistant", Content: resp.Content, ToolCalls: calls})

		names := make([]string, len(calls))
		for j, tc := range calls {
			names[j] = tc.Name
		}
		l.logger.Info("Executing tools", "iteration", i, "tools", strings.Join(names, ", "))

		results := l.scheduler.Schedule(ctx, reqs)
		allCancelled := true
		for _, call := range results {
			l.history = append(l.history, provider.Message{
				Role:       "tool",
				Content:    toolMessage(call),
				ToolCallID: call.Request.CallID,
			})
			if call.Status() != scheduler.StatusCancelled {
				allCancelled = false
			}
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if allCancelled {
			return CancelledResponse, nil
		}
	}

	return MaxIterationsResponse, nil
}

func (l *Loop) messagesLocked() []provider.Message {
	msgs := make([]provider.Message, 0, len(l.history)+1)
	msgs = append(msgs, provider.Message{Role: "system", Content: l.system})
	return append(msgs, l.history...)
}

// compactLocked keeps roughly the last keep messages, cutting at a user
// message so no tool result loses its assistant call.
func (l *Loop) compactLocked(ctx context.Context, trigger string, keep int) {
	cut := len(l.history) - keep
	if cut <= 0 {
		return
	}
	for cut > 0 && l.history[cut].Role != "user" {
		cut--
	}
	if cut == 0 {
		return
	}
	if l.hooks != nil {
		l.hooks.PreCompress(ctx, trigger)
	}
	l.history = append([]provider.Message(nil), l.history[cut:]...)
	l.logger.Info("Compacted history", "trigger", trigger, "removed", cut, "kept", len(l.history))
}

func (l *Loop) trackTokens(usage provider.Usage) {
	l.usage.PromptTokens += usage.PromptTokens
	l.usage.CompletionTokens += usage.CompletionTokens
	l.usage.TotalTokens += usage.TotalTokens
}

func toolMessage(call scheduler.ToolCall) string {
	r, _ := call.Result()
	if call.Status() == scheduler.StatusError {
		return "Error: " + r.Output
	}
	return r.Output
}

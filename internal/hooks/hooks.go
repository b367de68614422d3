// Package hooks dispatches lifecycle notifications over the bus and runs the
// configured hook commands that answer them.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

// Event names a lifecycle point.
type Event string

const (
	EventSessionStart Event = "SessionStart"
	EventSessionEnd   Event = "SessionEnd"
	EventPreCompress  Event = "PreCompress"
	EventBeforeTool   Event = "BeforeTool"
	EventAfterTool    Event = "AfterTool"
)

// Request is the payload of a hook-execution-request message.
type Request struct {
	EventName Event          `json:"hook_event_name"`
	Input     map[string]any `json:"input,omitempty"`
}

// Response is the payload of a hook-execution-response message.
type Response struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Output is what a session-start hook may contribute to the agent.
type Output struct {
	AdditionalContext string
	Raw               map[string]any
}

// DefaultTimeout bounds how long the dispatcher waits for a hook response.
const DefaultTimeout = 60 * time.Second

// Dispatcher fires hook requests. Every failure is logged and swallowed.
type Dispatcher struct {
	bus     *bus.Bus
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher on b. A zero timeout uses DefaultTimeout.
func NewDispatcher(b *bus.Bus, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: b, timeout: timeout, logger: logger}
}

// Fire sends a hook request and returns the response, or nil when nobody
// answered successfully.
func (d *Dispatcher) Fire(ctx context.Context, event Event, input map[string]any) *Response {
	msg := bus.Message{Type: bus.TypeHookExecutionRequest, Payload: Request{EventName: event, Input: input}}
	resp, err := d.bus.Request(ctx, msg, bus.TypeHookExecutionResponse, bus.WithTimeout(d.timeout))
	if err != nil {
		d.logger.Debug("Hook not executed", "event", event, "error", err)
		return nil
	}
	out, ok := resp.Payload.(Response)
	if !ok {
		d.logger.Warn("Hook response has unexpected payload", "event", event, "type", fmt.Sprintf("%T", resp.Payload))
		return nil
	}
	if !out.Success {
		d.logger.Warn("Hook failed", "event", event, "error", out.Error)
		return nil
	}
	return &out
}

// SessionStart fires the session-start hook. source is "startup", "resume" or "clear".
func (d *Dispatcher) SessionStart(ctx context.Context, source string) *Output {
	resp := d.Fire(ctx, EventSessionStart, map[string]any{"source": source})
	if resp == nil || len(resp.Output) == 0 {
		return nil
	}
	out := &Output{Raw: resp.Output}
	if s, ok := resp.Output["additionalContext"].(string); ok {
		out.AdditionalContext = s
	}
	return out
}

func (d *Dispatcher) SessionEnd(ctx context.Context, reason string) {
	d.Fire(ctx, EventSessionEnd, map[string]any{"reason": reason})
}

// PreCompress fires before history compaction. trigger is "auto" or "manual".
func (d *Dispatcher) PreCompress(ctx context.Context, trigger string) {
	d.Fire(ctx, EventPreCompress, map[string]any{"trigger": trigger})
}

// BeforeTool implements scheduler.ToolNotifier.
func (d *Dispatcher) BeforeTool(ctx context.Context, call scheduler.ToolCall) {
	d.Fire(ctx, EventBeforeTool, toolInput(call))
}

// AfterTool implements scheduler.ToolNotifier.
func (d *Dispatcher) AfterTool(ctx context.Context, call scheduler.ToolCall) {
	in := toolInput(call)
	in["status"] = string(call.Status())
	if r, ok := call.Result(); ok {
		in["tool_response"] = r.Output
	}
	d.Fire(ctx, EventAfterTool, in)
}

func toolInput(call scheduler.ToolCall) map[string]any {
	return map[string]any{
		"scheduler_id": call.SchedulerID,
		"call_id":      call.Request.CallID,
		"tool_name":    call.Request.Name,
		"tool_input":   call.Request.Args,
	}
}

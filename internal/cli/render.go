package cli

import (
	"context"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

// Renderer prints tool-call transitions. Updates from nested schedulers are
// indented under the agent that owns them.
type Renderer struct {
	console *console
	sub     *bus.Subscription

	mu   sync.Mutex
	last map[string]scheduler.Status
}

func NewRenderer(b *bus.Bus, c *console) *Renderer {
	r := &Renderer{console: c, last: make(map[string]scheduler.Status)}
	r.sub = b.Subscribe(bus.TypeToolCallsUpdate, r)
	return r
}

// HandleMessage implements bus.Handler.
func (r *Renderer) HandleMessage(msg bus.Message) {
	u, ok := msg.Payload.(scheduler.Update)
	if !ok {
		return
	}
	for _, call := range u.Calls {
		if !r.changed(u.SchedulerID, call) {
			continue
		}
		if line := renderCall(u.SchedulerID, call); line != "" {
			r.console.println(line)
		}
	}
}

func (r *Renderer) changed(schedulerID string, call scheduler.ToolCall) bool {
	key := schedulerID + "/" + call.Request.CallID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last[key] == call.Status() {
		return false
	}
	r.last[key] = call.Status()
	return true
}

// Close prints what is already queued and stops rendering.
func (r *Renderer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = r.sub.Drain(ctx)
	r.sub.Unsubscribe()
}

func renderCall(schedulerID string, call scheduler.ToolCall) string {
	prefix := "  "
	if schedulerID != scheduler.RootID {
		prefix = "    " + color.MagentaString("[%s]", agentName(schedulerID)) + " "
	}
	name := call.Request.Name
	switch call.Status() {
	case scheduler.StatusAwaitingApproval:
		return prefix + color.YellowString("? %s", name) + " awaiting approval"
	case scheduler.StatusExecuting:
		return prefix + color.CyanString("▶ %s", name)
	case scheduler.StatusSuccess:
		res, _ := call.Result()
		return prefix + color.GreenString("✓ %s", name) + summary(res)
	case scheduler.StatusError:
		res, _ := call.Result()
		return prefix + color.RedString("✗ %s", name) + summary(res)
	case scheduler.StatusCancelled:
		res, _ := call.Result()
		return prefix + color.YellowString("⊘ %s", name) + summary(res)
	}
	return ""
}

func summary(res scheduler.Result) string {
	text := res.Display
	if text == "" {
		text = res.Output
	}
	if line := firstLine(text, 100); line != "" {
		return "  " + line
	}
	return ""
}

// agentName recovers the agent name from a nested scheduler id (<agent>-<uuid>).
func agentName(schedulerID string) string {
	const uuidLen = 36
	if i := len(schedulerID) - uuidLen - 1; i > 0 && schedulerID[i] == '-' {
		return schedulerID[:i]
	}
	return schedulerID
}

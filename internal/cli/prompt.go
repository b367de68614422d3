package cli

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/confirmation"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

const maxPromptAttempts = 3

// PromptResponder answers confirmation requests by asking on the console.
// Requests are answered one at a time in arrival order.
type PromptResponder struct {
	bus     *bus.Bus
	console *console
	in      *bufio.Reader
	logger  *slog.Logger
	sub     *bus.Subscription
}

func NewPromptResponder(b *bus.Bus, in io.Reader, c *console, logger *slog.Logger) *PromptResponder {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PromptResponder{bus: b, console: c, in: bufio.NewReader(in), logger: logger}
	p.sub = b.Subscribe(bus.TypeToolConfirmationRequest, p)
	return p
}

// HandleMessage implements bus.Handler.
func (p *PromptResponder) HandleMessage(msg bus.Message) {
	req, ok := msg.Payload.(confirmation.Request)
	if !ok {
		return
	}
	resp := p.ask(req)
	if err := p.bus.Respond(msg, bus.TypeToolConfirmationResponse, resp); err != nil {
		p.logger.Warn("Confirmation response failed", "call_id", req.CallID, "error", err)
	}
}

func (p *PromptResponder) Close() {
	p.sub.Unsubscribe()
}

func (p *PromptResponder) ask(req confirmation.Request) confirmation.Response {
	d := req.Details
	title := d.Title
	if title == "" {
		title = req.ToolName
	}
	who := ""
	if req.SchedulerID != "" && req.SchedulerID != scheduler.RootID {
		who = color.MagentaString("[%s] ", agentName(req.SchedulerID))
	}
	p.console.printf("\n%s%s %s\n", who, color.YellowString("⚠ Approve %s?", req.ToolName), title)
	if d.Description != "" {
		p.console.printf("  %s\n", d.Description)
	}
	if d.Preview != "" {
		p.console.printf("%s\n", indent(d.Preview, "  │ "))
	}

	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		p.console.printf("  [y] once  [a] always  [n] no  [c] cancel all > ")
		line, err := p.in.ReadString('\n')
		if outcome, ok := parseAnswer(line); ok {
			return confirmation.Response{Outcome: outcome}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("Reading confirmation failed", "error", err)
			}
			return confirmation.Response{Outcome: confirmation.Cancel, Reason: "no answer"}
		}
	}
	return confirmation.Response{Outcome: confirmation.Cancel, Reason: "no valid answer"}
}

func parseAnswer(line string) (confirmation.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return confirmation.ProceedOnce, true
	case "a", "always":
		return confirmation.ProceedAlways, true
	case "n", "no":
		return confirmation.Cancel, true
	case "c", "cancel":
		return confirmation.CancelBatch, true
	}
	return "", false
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// Package confirmation defines the approval messages exchanged between a
// scheduler and whoever answers tool confirmations (console prompt, policy
// automation, tests).
package confirmation

import (
	"log/slog"

	"github.com/KafClaw/codeclaw/internal/bus"
)

// Outcome is the responder's answer to a confirmation request.
type Outcome string

const (
	ProceedOnce   Outcome = "proceed_once"
	ProceedAlways Outcome = "proceed_always"
	Cancel        Outcome = "cancel"
	CancelBatch   Outcome = "cancel_batch"
)

// Approved reports whether the outcome lets the tool call execute.
func (o Outcome) Approved() bool {
	return o == ProceedOnce || o == ProceedAlways
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case ProceedOnce, ProceedAlways, Cancel, CancelBatch:
		return true
	}
	return false
}

// Kind classifies the confirmation prompt.
type Kind string

const (
	KindExec Kind = "exec"
	KindEdit Kind = "edit"
	KindInfo Kind = "info"
)

// Details is what a tool shows the approver before it runs.
type Details struct {
	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// Preview holds a diff or command preview, if any.
	Preview string `json:"preview,omitempty"`
}

// Request is the payload of a tool-confirmation-request message.
type Request struct {
	SchedulerID string         `json:"scheduler_id"`
	CallID      string         `json:"call_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args,omitempty"`
	Details     Details        `json:"details"`
}

// Response is the payload of a tool-confirmation-response message.
type Response struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Decide maps a request to an outcome.
type Decide func(Request) Outcome

// AutoResponder answers every confirmation request on a bus with a fixed
// decision. It backs non-interactive runs and tests.
type AutoResponder struct {
	bus    *bus.Bus
	decide Decide
	sub    *bus.Subscription
	logger *slog.Logger
}

// NewAutoResponder subscribes a responder to b. A nil decide approves once.
func NewAutoResponder(b *bus.Bus, decide Decide) *AutoResponder {
	if decide == nil {
		decide = func(Request) Outcome { return ProceedOnce }
	}
	r := &AutoResponder{bus: b, decide: decide, logger: slog.Default()}
	r.sub = b.Subscribe(bus.TypeToolConfirmationRequest, r)
	return r
}

// HandleMessage implements bus.Handler.
func (r *AutoResponder) HandleMessage(msg bus.Message) {
	req, ok := msg.Payload.(Request)
	if !ok {
		return
	}
	outcome := r.decide(req)
	if err := r.bus.Respond(msg, bus.TypeToolConfirmationResponse, Response{Outcome: outcome}); err != nil {
		r.logger.Warn("Confirmation response failed", "call_id", req.CallID, "error", err)
	}
}

// Close unsubscribes the responder.
func (r *AutoResponder) Close() {
	r.sub.Unsubscribe()
}

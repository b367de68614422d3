// Package policy decides whether a tool call may run, needs approval, or is denied.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/codeclaw/internal/tools"
)

// Mode is the caller's approval mode.
type Mode string

const (
	// ModeDefault asks before anything above read-only.
	ModeDefault Mode = "default"
	// ModeAutoEdit auto-approves file edits but still asks before shell commands.
	ModeAutoEdit Mode = "auto_edit"
	// ModeYolo approves everything that is not explicitly denied.
	ModeYolo Mode = "yolo"
)

// ParseMode converts a config or flag value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDefault, nil
	case ModeDefault, ModeAutoEdit, ModeYolo:
		return m, nil
	}
	return "", fmt.Errorf("unknown approval mode %q", s)
}

// maxAutoTier is the highest tier the mode approves without asking.
func (m Mode) maxAutoTier() int {
	switch m {
	case ModeYolo:
		return tools.TierHighRisk
	case ModeAutoEdit:
		return tools.TierWrite
	}
	return tools.TierReadOnly
}

// Context holds information about a pending tool execution.
type Context struct {
	SchedulerID string
	CallID      string
	Tool        string
	Tier        int
	Arguments   map[string]any
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow            bool
	RequiresApproval bool // true when the call may run once a responder approves it
	Reason           string
	Tier             int
	Ts               time.Time
}

// Engine evaluates whether a tool execution should proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
	// Remember stores a standing allow rule covering calls like ctx.
	Remember(ctx Context) error
}

// DefaultEngine checks the deny list, the tool tier against the approval mode
// and the remembered allow rules, in that order.
type DefaultEngine struct {
	Mode   Mode
	Denied map[string]bool
	// Rules holds remembered approvals. It may be nil.
	Rules *AllowList
}

// NewDefaultEngine creates a policy engine for the given mode.
func NewDefaultEngine(mode Mode, denied []string, rules *AllowList) *DefaultEngine {
	e := &DefaultEngine{Mode: mode, Denied: make(map[string]bool, len(denied)), Rules: rules}
	for _, name := range denied {
		e.Denied[name] = true
	}
	return e
}

// Evaluate implements Engine.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{
		Tier: ctx.Tier,
		Ts:   time.Now(),
	}

	if e.Denied[ctx.Tool] {
		d.Reason = fmt.Sprintf("tool_denied: %s", ctx.Tool)
		return d
	}

	// Tier 0 tools are always allowed
	if ctx.Tier == tools.TierReadOnly {
		d.Allow = true
		d.Reason = "tier_0_always_allowed"
		return d
	}

	if ctx.Tier <= e.Mode.maxAutoTier() {
		d.Allow = true
		d.Reason = fmt.Sprintf("tier_%d_auto_approved_%s", ctx.Tier, e.Mode)
		return d
	}

	if e.Rules != nil && e.Rules.Matches(ctx.Tool, ctx.Arguments) {
		d.Allow = true
		d.Reason = "remembered_approval"
		return d
	}

	d.RequiresApproval = true
	d.Reason = fmt.Sprintf("tier_%d_requires_approval", ctx.Tier)
	return d
}

// Remember implements Engine. Without an allow list it is a no-op.
func (e *DefaultEngine) Remember(ctx Context) error {
	if e.Rules == nil {
		return nil
	}
	return e.Rules.Add(RuleFor(ctx.Tool, ctx.Arguments))
}

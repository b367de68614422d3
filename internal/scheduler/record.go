package scheduler

import (
	"encoding/json"
	"time"

	"github.com/KafClaw/codeclaw/internal/confirmation"
)

// Status is the externally visible phase of a tool call.
type Status string

const (
	StatusScheduled        Status = "scheduled"
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusScheduled:        {StatusValidating, StatusCancelled},
	StatusValidating:       {StatusError, StatusAwaitingApproval, StatusExecuting, StatusCancelled},
	StatusAwaitingApproval: {StatusExecuting, StatusCancelled},
	StatusExecuting:        {StatusSuccess, StatusError, StatusCancelled},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State is the status of a tool call together with the data that only exists
// in that status. The set of implementations is closed.
type State interface {
	Status() Status
	isState()
}

type Scheduled struct{}

type Validating struct{}

// AwaitingApproval holds the correlation id of the outstanding confirmation request.
type AwaitingApproval struct {
	CorrelationID string
	Details       confirmation.Details
}

// Executing carries the latest live output. LiveOutput replaces, not appends.
type Executing struct {
	LiveOutput string
	PID        int
}

type Succeeded struct{ Result Result }

type Failed struct{ Result Result }

type Cancelled struct{ Result Result }

func (Scheduled) Status() Status        { return StatusScheduled }
func (Validating) Status() Status       { return StatusValidating }
func (AwaitingApproval) Status() Status { return StatusAwaitingApproval }
func (Executing) Status() Status        { return StatusExecuting }
func (Succeeded) Status() Status        { return StatusSuccess }
func (Failed) Status() Status           { return StatusError }
func (Cancelled) Status() Status        { return StatusCancelled }

func (Scheduled) isState()        {}
func (Validating) isState()       {}
func (AwaitingApproval) isState() {}
func (Executing) isState()        {}
func (Succeeded) isState()        {}
func (Failed) isState()           {}
func (Cancelled) isState()        {}

// ErrorType classifies failed calls.
type ErrorType string

const (
	ErrorToolNotRegistered ErrorType = "tool_not_registered"
	ErrorInvalidParams     ErrorType = "invalid_params"
	ErrorPolicyDenied      ErrorType = "policy_denied"
	ErrorExecutionFailed   ErrorType = "execution_failed"
)

// Result is the terminal payload of a tool call. Output is what the model
// sees; Display is what a person sees.
type Result struct {
	Output     string        `json:"output"`
	Display    string        `json:"display,omitempty"`
	OutputFile string        `json:"output_file,omitempty"`
	Markdown   bool          `json:"markdown,omitempty"`
	ErrorType  ErrorType     `json:"error_type,omitempty"`
	Duration   time.Duration `json:"-"`
}

// Request is an immutable tool invocation proposed by the model.
type Request struct {
	CallID string
	Name   string
	Args   map[string]any
}

// ToolCall is one record of a batch. Values handed out by the scheduler are
// copies; mutating them has no effect on the batch.
type ToolCall struct {
	Request     Request
	SchedulerID string
	State       State
	StartedAt   time.Time
	EndedAt     time.Time
}

func (c ToolCall) Status() Status { return c.State.Status() }

func (c ToolCall) Terminal() bool { return c.Status().Terminal() }

// CorrelationID is set only while the call awaits approval.
func (c ToolCall) CorrelationID() string {
	if s, ok := c.State.(AwaitingApproval); ok {
		return s.CorrelationID
	}
	return ""
}

// Result returns the terminal result, if any.
func (c ToolCall) Result() (Result, bool) {
	switch s := c.State.(type) {
	case Succeeded:
		return s.Result, true
	case Failed:
		return s.Result, true
	case Cancelled:
		return s.Result, true
	}
	return Result{}, false
}

func (c ToolCall) LiveOutput() string {
	if s, ok := c.State.(Executing); ok {
		return s.LiveOutput
	}
	return ""
}

func (c ToolCall) PID() int {
	if s, ok := c.State.(Executing); ok {
		return s.PID
	}
	return 0
}

type toolCallJSON struct {
	CallID        string                `json:"call_id"`
	Name          string                `json:"name"`
	Args          map[string]any        `json:"args,omitempty"`
	SchedulerID   string                `json:"scheduler_id"`
	Status        Status                `json:"status"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Confirmation  *confirmation.Details `json:"confirmation,omitempty"`
	LiveOutput    string                `json:"live_output,omitempty"`
	PID           int                   `json:"pid,omitempty"`
	Result        *Result               `json:"result,omitempty"`
	DurationMS    int64                 `json:"duration_ms,omitempty"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"`
}

// MarshalJSON flattens the state into a single object with a status tag.
func (c ToolCall) MarshalJSON() ([]byte, error) {
	out := toolCallJSON{
		CallID:      c.Request.CallID,
		Name:        c.Request.Name,
		Args:        c.Request.Args,
		SchedulerID: c.SchedulerID,
		Status:      c.Status(),
		LiveOutput:  c.LiveOutput(),
		PID:         c.PID(),
	}
	if s, ok := c.State.(AwaitingApproval); ok {
		out.CorrelationID = s.CorrelationID
		details := s.Details
		out.Confirmation = &details
	}
	if r, ok := c.Result(); ok {
		out.Result = &r
		out.DurationMS = r.Duration.Milliseconds()
	}
	if !c.StartedAt.IsZero() {
		out.StartedAt = &c.StartedAt
	}
	if !c.EndedAt.IsZero() {
		out.EndedAt = &c.EndedAt
	}
	return json.Marshal(out)
}

// Update is the payload of a tool-calls-update message: the full batch of one
// scheduler at the moment of a transition.
type Update struct {
	SchedulerID string
	Calls       []ToolCall
}

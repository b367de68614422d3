package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/KafClaw/codeclaw/internal/confirmation"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusValidating, true},
		{StatusScheduled, StatusExecuting, false},
		{StatusValidating, StatusAwaitingApproval, true},
		{StatusValidating, StatusExecuting, true},
		{StatusValidating, StatusError, true},
		{StatusAwaitingApproval, StatusExecuting, true},
		{StatusAwaitingApproval, StatusCancelled, true},
		{StatusAwaitingApproval, StatusSuccess, false},
		{StatusExecuting, StatusSuccess, true},
		{StatusExecuting, StatusAwaitingApproval, false},
		{StatusSuccess, StatusCancelled, false},
		{StatusError, StatusExecuting, false},
		{StatusCancelled, StatusSuccess, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestToolCallAccessors(t *testing.T) {
	c := ToolCall{State: AwaitingApproval{CorrelationID: "abc"}}
	if c.CorrelationID() != "abc" || c.Terminal() {
		t.Fatalf("unexpected awaiting accessors: %q %v", c.CorrelationID(), c.Terminal())
	}
	if _, ok := c.Result(); ok {
		t.Fatal("non-terminal record must not have a result")
	}

	c.State = Failed{Result: Result{Output: "nope", ErrorType: ErrorPolicyDenied}}
	r, ok := c.Result()
	if !ok || r.ErrorType != ErrorPolicyDenied || c.CorrelationID() != "" {
		t.Fatalf("unexpected failed accessors: %+v", r)
	}
}

func TestToolCallJSONIsFlat(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := ToolCall{
		Request:     Request{CallID: "1", Name: "exec", Args: map[string]any{"command": "ls"}},
		SchedulerID: RootID,
		State:       Succeeded{Result: Result{Output: "a.txt", Duration: 1500 * time.Millisecond}},
		StartedAt:   started,
		EndedAt:     started.Add(1500 * time.Millisecond),
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "success" || got["scheduler_id"] != "root" || got["call_id"] != "1" {
		t.Fatalf("unexpected envelope: %s", data)
	}
	if got["duration_ms"] != float64(1500) {
		t.Fatalf("unexpected duration: %v", got["duration_ms"])
	}
	if _, ok := got["correlation_id"]; ok {
		t.Fatal("terminal record must not encode a correlation id")
	}

	c.State = AwaitingApproval{CorrelationID: "x", Details: confirmation.Details{Kind: confirmation.KindExec, Title: "Run"}}
	data, _ = json.Marshal(c)
	got = nil
	json.Unmarshal(data, &got)
	if got["correlation_id"] != "x" || got["result"] != nil {
		t.Fatalf("unexpected awaiting encoding: %s", data)
	}
}

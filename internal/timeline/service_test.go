package timeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/confirmation"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

func newTestTimeline(t *testing.T) *TimelineService {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "timeline.db")
	svc, err := NewTimelineService(dbPath)
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		_ = os.RemoveAll(dir)
	})
	return svc
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func call(sid, id, name string, state scheduler.State) scheduler.ToolCall {
	return scheduler.ToolCall{
		Request:     scheduler.Request{CallID: id, Name: name, Args: map[string]any{"path": "a.txt"}},
		SchedulerID: sid,
		State:       state,
	}
}

func TestUpsertToolCallLifecycle(t *testing.T) {
	svc := newTestTimeline(t)

	c := call("root", "c1", "write_file", scheduler.AwaitingApproval{CorrelationID: "corr-1"})
	if err := svc.UpsertToolCall(c); err != nil {
		t.Fatalf("upsert awaiting: %v", err)
	}

	started := time.Now().Add(-time.Second)
	c.State = scheduler.Failed{Result: scheduler.Result{
		Output:    "boom",
		ErrorType: scheduler.ErrorExecutionFailed,
		Duration:  1500 * time.Millisecond,
	}}
	c.StartedAt = started
	c.EndedAt = time.Now()
	if err := svc.UpsertToolCall(c); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	recs, err := svc.ListToolCalls("root", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one row per call, got %d", len(recs))
	}
	r := recs[0]
	if r.Status != "error" || r.ErrorType != "execution_failed" || r.Output != "boom" {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.CorrelationID != "corr-1" {
		t.Errorf("correlation id should survive later states, got %q", r.CorrelationID)
	}
	if r.DurationMS != 1500 {
		t.Errorf("expected 1500ms, got %d", r.DurationMS)
	}
	if r.Arguments != `{"path":"a.txt"}` {
		t.Errorf("unexpected arguments %q", r.Arguments)
	}
	if r.StartedAt == nil || r.EndedAt == nil {
		t.Errorf("expected timestamps, got %+v", r)
	}
}

func TestListToolCallsFilterAndLimit(t *testing.T) {
	svc := newTestTimeline(t)
	for _, c := range []scheduler.ToolCall{
		call("root", "a", "read_file", scheduler.Scheduled{}),
		call("helper-1", "b", "exec", scheduler.Scheduled{}),
		call("root", "c", "list_dir", scheduler.Scheduled{}),
	} {
		if err := svc.UpsertToolCall(c); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	root, err := svc.ListToolCalls("root", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(root) != 2 || root[0].CallID != "c" || root[1].CallID != "a" {
		t.Fatalf("expected newest root calls first, got %+v", root)
	}

	all, err := svc.ListToolCalls("", 2)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected limit 2, got %d", len(all))
	}
}

func TestApprovalRequestThenResponse(t *testing.T) {
	svc := newTestTimeline(t)
	req := confirmation.Request{
		SchedulerID: "root",
		CallID:      "c1",
		ToolName:    "exec",
		Args:        map[string]any{"command": "ls"},
		Details:     confirmation.Details{Kind: confirmation.KindExec, Title: "Run shell command"},
	}
	if err := svc.InsertApprovalRequest("corr-1", req); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pending, err := svc.ListApprovals("pending")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Tool != "exec" || pending[0].Kind != "exec" {
		t.Fatalf("unexpected pending approvals: %+v", pending)
	}

	if err := svc.UpdateApprovalStatus("corr-1", confirmation.Response{Outcome: confirmation.Cancel, Reason: "no"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	all, err := svc.ListApprovals("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(all))
	}
	a := all[0]
	if a.Status != string(confirmation.Cancel) || a.Reason != "no" || a.RespondedAt == nil {
		t.Errorf("unexpected approval: %+v", a)
	}
}

func TestApprovalResponseBeforeRequestKeepsOutcome(t *testing.T) {
	svc := newTestTimeline(t)
	if err := svc.UpdateApprovalStatus("corr-2", confirmation.Response{Outcome: confirmation.ProceedOnce}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.InsertApprovalRequest("corr-2", confirmation.Request{SchedulerID: "root", CallID: "c2", ToolName: "write_file"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	all, err := svc.ListApprovals("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Status != string(confirmation.ProceedOnce) || all[0].Tool != "write_file" {
		t.Fatalf("unexpected approvals: %+v", all)
	}
}

func TestAttachJournalsBusTraffic(t *testing.T) {
	svc := newTestTimeline(t)
	b := bus.New()
	defer b.Close()
	svc.Attach(b)

	publish := func(msg bus.Message) {
		t.Helper()
		if err := b.Publish(msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(bus.Message{Type: bus.TypeToolCallsUpdate, Payload: scheduler.Update{
		SchedulerID: "root",
		Calls:       []scheduler.ToolCall{call("root", "c1", "exec", scheduler.Executing{LiveOutput: "a"})},
	}})
	publish(bus.Message{Type: bus.TypeToolCallsUpdate, Payload: scheduler.Update{
		SchedulerID: "root",
		Calls: []scheduler.ToolCall{call("root", "c1", "exec", scheduler.Succeeded{Result: scheduler.Result{
			Output: "done",
		}})},
	}})
	publish(bus.Message{
		Type:          bus.TypeToolConfirmationRequest,
		CorrelationID: "corr-9",
		Payload:       confirmation.Request{SchedulerID: "root", CallID: "c1", ToolName: "exec"},
	})
	publish(bus.Message{
		Type:          bus.TypeToolConfirmationResponse,
		CorrelationID: "corr-9",
		Payload:       confirmation.Response{Outcome: confirmation.ProceedAlways},
	})

	eventually(t, func() bool {
		recs, err := svc.ListToolCalls("root", 10)
		return err == nil && len(recs) == 1 && recs[0].Status == "success" && recs[0].Output == "done"
	})
	eventually(t, func() bool {
		recs, err := svc.ListApprovals("")
		return err == nil && len(recs) == 1 && recs[0].Status == string(confirmation.ProceedAlways) && recs[0].Tool == "exec"
	})
}

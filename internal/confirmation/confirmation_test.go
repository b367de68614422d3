package confirmation

import (
	"context"
	"testing"
	"time"

	"github.com/KafClaw/codeclaw/internal/bus"
)

func TestOutcomeClassification(t *testing.T) {
	cases := []struct {
		o        Outcome
		approved bool
		valid    bool
	}{
		{ProceedOnce, true, true},
		{ProceedAlways, true, true},
		{Cancel, false, true},
		{CancelBatch, false, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		if tc.o.Approved() != tc.approved || tc.o.Valid() != tc.valid {
			t.Errorf("%q: approved=%v valid=%v", tc.o, tc.o.Approved(), tc.o.Valid())
		}
	}
}

func ask(t *testing.T, b *bus.Bus, req Request) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := b.Request(ctx, bus.Message{Type: bus.TypeToolConfirmationRequest, Payload: req}, bus.TypeToolConfirmationResponse)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp.Payload.(Response)
}

func TestAutoResponderDefaultsToProceedOnce(t *testing.T) {
	b := bus.New()
	defer b.Close()
	r := NewAutoResponder(b, nil)
	defer r.Close()

	if got := ask(t, b, Request{CallID: "c1", ToolName: "write_file"}); got.Outcome != ProceedOnce {
		t.Fatalf("expected proceed_once, got %+v", got)
	}
}

func TestAutoResponderUsesDecision(t *testing.T) {
	b := bus.New()
	defer b.Close()
	r := NewAutoResponder(b, func(req Request) Outcome {
		if req.Details.Kind == KindExec {
			return Cancel
		}
		return ProceedAlways
	})
	defer r.Close()

	if got := ask(t, b, Request{CallID: "c1", Details: Details{Kind: KindExec}}); got.Outcome != Cancel {
		t.Fatalf("expected cancel for exec, got %+v", got)
	}
	if got := ask(t, b, Request{CallID: "c2", Details: Details{Kind: KindEdit}}); got.Outcome != ProceedAlways {
		t.Fatalf("expected proceed_always for edit, got %+v", got)
	}
}

func TestAutoResponderCloseStopsAnswering(t *testing.T) {
	b := bus.New()
	defer b.Close()
	r := NewAutoResponder(b, nil)
	r.Close()
	if n := b.SubscriberCount(bus.TypeToolConfirmationRequest); n != 0 {
		t.Fatalf("expected no responders after close, got %d", n)
	}
}

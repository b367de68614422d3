package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func newTestSink(w Writer) *Sink {
	s := New(w, nil)
	s.backoff = time.Millisecond
	return s
}

func update(sid string, calls ...scheduler.ToolCall) bus.Message {
	return bus.Message{Type: bus.TypeToolCallsUpdate, Payload: scheduler.Update{SchedulerID: sid, Calls: calls}}
}

func tc(sid, id string, state scheduler.State) scheduler.ToolCall {
	return scheduler.ToolCall{
		Request:     scheduler.Request{CallID: id, Name: "exec"},
		SchedulerID: sid,
		State:       state,
		EndedAt:     time.Unix(1700000000, 0),
	}
}

func TestSinkWritesTerminalRecordsOnce(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)

	done := tc("root", "a", scheduler.Succeeded{Result: scheduler.Result{Output: "ok"}})
	running := tc("root", "b", scheduler.Executing{})
	s.HandleMessage(update("root", done, running))
	s.HandleMessage(update("root", done, tc("root", "b", scheduler.Cancelled{Result: scheduler.Result{Output: "stop"}})))

	msgs := w.written()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "root" {
		t.Errorf("expected scheduler id key, got %q", msgs[0].Key)
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[0].Value, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["call_id"] != "a" || body["status"] != "success" {
		t.Errorf("unexpected body: %v", body)
	}
	var status string
	for _, h := range msgs[1].Headers {
		if h.Key == "status" {
			status = string(h.Value)
		}
	}
	if status != "cancelled" {
		t.Errorf("expected cancelled status header, got %q", status)
	}
	if !msgs[0].Time.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("expected end time as message time, got %v", msgs[0].Time)
	}
}

func TestSinkRetriesAndRedeliversAfterFailure(t *testing.T) {
	w := &fakeWriter{fail: 2}
	s := newTestSink(w)
	done := tc("root", "a", scheduler.Failed{Result: scheduler.Result{Output: "boom"}})

	s.HandleMessage(update("root", done))
	if got := len(w.written()); got != 1 {
		t.Fatalf("expected write to succeed on third attempt, got %d messages", got)
	}

	w2 := &fakeWriter{fail: 3}
	s2 := newTestSink(w2)
	s2.HandleMessage(update("root", done))
	if got := len(w2.written()); got != 0 {
		t.Fatalf("expected no messages after exhausted retries, got %d", got)
	}
	s2.HandleMessage(update("root", done))
	if got := len(w2.written()); got != 1 {
		t.Fatalf("expected redelivery on next update, got %d", got)
	}
}

func TestSinkSeparatesSchedulers(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)
	s.HandleMessage(update("root", tc("root", "a", scheduler.Succeeded{})))
	s.HandleMessage(update("helper-1", tc("helper-1", "a", scheduler.Succeeded{})))

	msgs := w.written()
	if len(msgs) != 2 || string(msgs[1].Key) != "helper-1" {
		t.Fatalf("same call id under different schedulers should both export: %+v", msgs)
	}
}

func TestSinkAttachAndClose(t *testing.T) {
	b := bus.New()
	defer b.Close()
	w := &fakeWriter{}
	s := newTestSink(w)
	s.Attach(b)
	s.Attach(b)
	if n := b.SubscriberCount(bus.TypeToolCallsUpdate); n != 1 {
		t.Fatalf("expected one subscription, got %d", n)
	}

	if err := b.Publish(update("root", tc("root", "a", scheduler.Succeeded{}))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(w.written()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(w.written()) != 1 {
		t.Fatal("expected message from bus")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if n := b.SubscriberCount(bus.TypeToolCallsUpdate); n != 0 {
		t.Errorf("expected unsubscribed, got %d", n)
	}
}

func TestNewWriter(t *testing.T) {
	w := NewWriter(Config{Brokers: []string{"localhost:9092"}, Topic: "codeclaw.tool-calls"})
	defer w.Close()
	if w.Topic != "codeclaw.tool-calls" {
		t.Errorf("unexpected topic %q", w.Topic)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", w.Balancer)
	}
	if w.WriteTimeout != 10*time.Second {
		t.Errorf("expected default write timeout, got %v", w.WriteTimeout)
	}
}

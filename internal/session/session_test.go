package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/codeclaw/internal/provider"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sessions")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, dir
}

func TestSaveAndReload(t *testing.T) {
	m, dir := newTestManager(t)
	s, err := m.GetOrCreate("cli:default")
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty new session, got %d", s.Len())
	}
	s.SetMessages([]provider.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a.txt"}}}},
		{Role: "tool", ToolCallID: "c1", Content: "contents"},
		{Role: "assistant", Content: "done"},
	})
	s.SetMetadata("model", "gpt-4o")
	if err := m.Save(s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cli_default.jsonl")); err != nil {
		t.Fatalf("expected sanitized file name: %v", err)
	}

	fresh, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := fresh.GetOrCreate("cli:default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	h := loaded.History(0)
	if len(h) != 4 {
		t.Fatalf("expected 4 messages, got %+v", h)
	}
	if h[1].ToolCalls[0].Name != "read_file" || h[1].ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Errorf("tool call not preserved: %+v", h[1])
	}
	if h[2].ToolCallID != "c1" {
		t.Errorf("tool call id not preserved: %+v", h[2])
	}
	if v, ok := loaded.GetMetadata("model"); !ok || v != "gpt-4o" {
		t.Errorf("metadata not preserved: %v", v)
	}
	if last := loaded.History(1); len(last) != 1 || last[0].Content != "done" {
		t.Errorf("expected only the last message, got %+v", last)
	}
}

func TestSessionPathRejectsTraversal(t *testing.T) {
	m, dir := newTestManager(t)
	p := m.sessionPath("../../etc/passwd")
	if filepath.Dir(p) != dir {
		t.Fatalf("session path escaped dir: %s", p)
	}
}

func TestListAndDelete(t *testing.T) {
	m, _ := newTestManager(t)
	for _, key := range []string{"a", "b"} {
		s, err := m.GetOrCreate(key)
		if err != nil {
			t.Fatal(err)
		}
		s.SetMessages([]provider.Message{{Role: "user", Content: key}})
		if err := m.Save(s); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "b" || infos[0].Messages != 1 {
		t.Fatalf("expected most recent first, got %+v", infos)
	}

	if !m.Delete("a") {
		t.Fatal("expected delete to remove saved session")
	}
	if m.Delete("a") {
		t.Fatal("second delete should report nothing removed")
	}
	infos, _ = m.List()
	if len(infos) != 1 {
		t.Fatalf("expected 1 session left, got %+v", infos)
	}
}

func TestCorruptSessionIsReported(t *testing.T) {
	m, dir := newTestManager(t)
	if err := os.WriteFile(filepath.Join(dir, "bad.jsonl"), []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOrCreate("bad"); err == nil {
		t.Fatal("expected error for corrupt session file")
	}
}

package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/provider"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

func TestDefinitionsStripDelegateTool(t *testing.T) {
	defs := NewDefinitions()
	tools := []string{"read_file", DelegateToolName, "exec"}
	if err := defs.Register(Definition{Name: " helper ", Tools: tools}); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, ok := defs.Get("helper")
	if !ok {
		t.Fatal("definition not registered under trimmed name")
	}
	if strings.Join(def.Tools, ",") != "read_file,exec" {
		t.Fatalf("expected delegate tool stripped, got %v", def.Tools)
	}
	if tools[1] != DelegateToolName {
		t.Fatal("caller's slice must not be modified")
	}
}

func TestDefinitionsRejectInvalid(t *testing.T) {
	defs := NewDefinitions()
	if err := defs.Register(Definition{Name: "  "}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := defs.Register(Definition{Name: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := defs.Register(Definition{Name: "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
	if defs.Len() != 1 {
		t.Fatalf("expected 1 definition, got %d", defs.Len())
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	data := `agents:
  - name: reviewer
    description: Reviews diffs
    system_prompt: You review code.
    tools: [read_file, delegate_to_agent]
    max_iterations: 5
  - name: archivist
    description: Files things
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	list := defs.List()
	if len(list) != 2 || list[0].Name != "archivist" || list[1].Name != "reviewer" {
		t.Fatalf("unexpected definitions: %+v", list)
	}
	r := list[1]
	if r.SystemPrompt != "You review code." || r.MaxIterations != 5 {
		t.Errorf("fields not decoded: %+v", r)
	}
	if len(r.Tools) != 1 || r.Tools[0] != "read_file" {
		t.Errorf("expected delegate tool stripped at load, got %v", r.Tools)
	}
}

func TestLoadDefinitionsMissingFile(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if defs.Len() != 0 {
		t.Fatalf("expected empty set, got %d", defs.Len())
	}
}

func TestLoadDefinitionsRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte("agents: [name: x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDefinitions(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDelegateToolMetadata(t *testing.T) {
	defs := NewDefinitions()
	_ = defs.Register(Definition{Name: "helper", Description: "Helps out"})
	tool := NewDelegateTool(DelegateOptions{Definitions: defs})

	if tool.Name() != DelegateToolName || tool.Tier() != 0 || !tool.IsOutputMarkdown() {
		t.Fatal("unexpected delegate tool metadata")
	}
	if !strings.Contains(tool.Description(), "- helper: Helps out") {
		t.Errorf("description should list agents: %q", tool.Description())
	}
	props := tool.Parameters()["properties"].(map[string]any)
	enum := props["agent_name"].(map[string]any)["enum"].([]any)
	if len(enum) != 1 || enum[0] != "helper" {
		t.Errorf("expected agent enum, got %v", enum)
	}
}

func TestDelegateToolUnknownAgent(t *testing.T) {
	tool := NewDelegateTool(DelegateOptions{Provider: &scriptedProvider{}})
	_, err := tool.Execute(context.Background(), map[string]any{"agent_name": "ghost", "task": "x"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown agent") {
		t.Fatalf("expected unknown agent error, got %v", err)
	}
}

func TestDelegationRunsNestedScheduler(t *testing.T) {
	b := newTestBus(t)
	updates := make(chan scheduler.Update, 1024)
	b.Subscribe(bus.TypeToolCallsUpdate, bus.HandlerFunc(func(m bus.Message) {
		updates <- m.Payload.(scheduler.Update)
	}))

	defs := NewDefinitions()
	if err := defs.Register(Definition{
		Name:         "helper",
		SystemPrompt: "You are the helper.",
		Tools:        []string{"echo", DelegateToolName},
	}); err != nil {
		t.Fatal(err)
	}

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		// root turn
		{ToolCalls: []provider.ToolCall{{ID: "d1", Name: DelegateToolName, Arguments: map[string]any{
			"agent_name": "helper",
			"task":       "say hi",
		}}}},
		// helper turn
		{ToolCalls: []provider.ToolCall{{ID: "e1", Name: "echo", Arguments: map[string]any{"text": "hi"}}}},
		{Content: "helper says hi"},
		// root resumes
		{Content: "all done"},
	}}

	reg := newTestRegistry(&echoTool{name: "echo"}, &echoTool{name: "other"})
	reg.Register(NewDelegateTool(DelegateOptions{
		Definitions: defs,
		Registry:    reg,
		Provider:    p,
		Scheduler:   scheduler.Options{Bus: b},
	}))
	root := scheduler.New(scheduler.Options{Bus: b, Registry: reg})
	loop := NewLoop(LoopOptions{Provider: p, Registry: reg, Scheduler: root})

	got, err := loop.Process(context.Background(), "delegate please")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != "all done" {
		t.Fatalf("expected all done, got %q", got)
	}

	child := p.request(1)
	if !strings.Contains(child.Messages[0].Content, "You are the helper.") {
		t.Errorf("helper prompt not used: %q", child.Messages[0].Content)
	}
	if len(child.Tools) != 1 || child.Tools[0].Function.Name != "echo" {
		t.Errorf("helper should only see echo, got %+v", child.Tools)
	}

	msg, ok := findToolMessage(p.request(3).Messages, "d1")
	if !ok || msg.Content != "## helper\n\nhelper says hi" {
		t.Fatalf("unexpected delegate result: %+v", msg)
	}

	// The root delegate call's terminal update is published after every
	// nested update, so draining up to it sees the whole exchange.
	var nestedID string
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case u := <-updates:
			for _, c := range u.Calls {
				if c.SchedulerID != u.SchedulerID {
					t.Fatalf("record %s carries %s in update from %s", c.Request.CallID, c.SchedulerID, u.SchedulerID)
				}
				switch c.Request.CallID {
				case "e1":
					if u.SchedulerID == scheduler.RootID {
						t.Fatal("nested call leaked into root updates")
					}
					nestedID = u.SchedulerID
				case "d1":
					if u.SchedulerID != scheduler.RootID {
						t.Fatalf("delegate call published by %s", u.SchedulerID)
					}
					done = done || c.Terminal()
				}
			}
		case <-deadline:
			t.Fatal("timed out draining updates")
		}
	}
	if !strings.HasPrefix(nestedID, "helper-") {
		t.Fatalf("expected nested scheduler id helper-<uuid>, got %q", nestedID)
	}
}

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/codeclaw/internal/tools"
)

// BootstrapFiles are read from the workspace root, in order, and appended to
// the system prompt when present.
var BootstrapFiles = []string{"CODECLAW.md", "AGENTS.md"}

// ContextBuilder assembles the system prompt.
type ContextBuilder struct {
	workspace string
	registry  *tools.Registry
	now       func() time.Time
}

// NewContextBuilder creates a new ContextBuilder.
func NewContextBuilder(workspace string, registry *tools.Registry) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		registry:  registry,
		now:       time.Now,
	}
}

// BuildSystemPrompt joins the base prompt, the runtime header, workspace
// bootstrap files, the tool summary and any hook-provided context.
func (b *ContextBuilder) BuildSystemPrompt(base, additional string) string {
	var parts []string

	if base = strings.TrimSpace(base); base != "" {
		parts = append(parts, base)
	}
	parts = append(parts, b.runtimeInfo())

	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	if summary := b.toolSummary(); summary != "" {
		parts = append(parts, "# Tools\n\n"+summary)
	}
	if additional = strings.TrimSpace(additional); additional != "" {
		parts = append(parts, "# Session Context\n\n"+additional)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) runtimeInfo() string {
	t := b.now()
	return fmt.Sprintf(`## Current Time
%s

## Runtime
%s %s, Go %s

## Workspace
Your workspace is at: %s
File writes and edits are restricted to the workspace.`,
		t.Format("2006-01-02 15:04 (Monday)"),
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		b.workspacePath())
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	ws := b.workspacePath()
	if ws == "" {
		return ""
	}
	var parts []string
	for _, filename := range BootstrapFiles {
		content, err := os.ReadFile(filepath.Join(ws, filename))
		if err != nil || len(strings.TrimSpace(string(content))) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, strings.TrimSpace(string(content))))
	}
	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) toolSummary() string {
	if b.registry == nil {
		return ""
	}
	var lines []string
	for _, t := range b.registry.List() {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
	}
	return strings.Join(lines, "\n")
}

func (b *ContextBuilder) workspacePath() string {
	ws := b.workspace
	if ws == "" {
		return ""
	}
	if strings.HasPrefix(ws, "~") {
		home, _ := os.UserHomeDir()
		ws = filepath.Join(home, ws[1:])
	}
	if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}
	return ws
}

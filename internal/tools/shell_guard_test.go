package tools

import (
	"errors"
	"testing"
	"time"
)

func TestGuardCommandStrictAllowListBranches(t *testing.T) {
	tool := NewExecTool(5*time.Second, false, "", nil)
	tool.StrictAllowList = true

	if err := tool.guardCommand("echo hello", ""); err != nil {
		t.Fatalf("expected allow-listed command accepted, got %v", err)
	}
	if err := tool.guardCommand("python -c 'print(1)'", ""); !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("expected non allow-listed command to be blocked, got %v", err)
	}
}

func TestGuardCommandEmpty(t *testing.T) {
	tool := NewExecTool(5*time.Second, false, "", nil)
	if err := tool.guardCommand("   ", ""); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestGuardCommandDenyAndTraversalBranches(t *testing.T) {
	workspace := t.TempDir()
	repo := t.TempDir()
	tool := NewExecTool(5*time.Second, true, workspace, func() string { return repo })
	tool.StrictAllowList = false

	if err := tool.guardCommand("rm -rf /", workspace); err == nil {
		t.Fatal("expected deny-pattern command blocked")
	}
	if err := tool.guardCommand("0rm -rf /", workspace); err == nil {
		t.Fatal("expected prefixed destructive rm command blocked")
	}
	if err := tool.guardCommand("cat ../../../etc/passwd", workspace); !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("expected traversal command blocked, got %v", err)
	}
	if err := tool.guardCommand("echo ok", t.TempDir()); err == nil {
		t.Fatal("expected outside working dir blocked")
	}
	if err := tool.guardCommand("echo ok", workspace); err != nil {
		t.Fatalf("expected workspace working dir allowed, got %v", err)
	}
	if err := tool.guardCommand("echo ok", repo); err != nil {
		t.Fatalf("expected repo working dir allowed, got %v", err)
	}
}

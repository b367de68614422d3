package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/KafClaw/codeclaw/internal/confirmation"
)

// ReadFileTool reads the contents of a file.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Tier() int    { return TierReadOnly }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any, _ ProgressFunc) (string, error) {
	path := expandPath(GetString(params, "path", ""))
	content, err := os.ReadFile(path)
	if err != nil {
		return "", describeFSError("read file", path, err)
	}
	return string(content), nil
}

// WriteFileTool writes content to a file.
type WriteFileTool struct {
	workspaceRoot func() string
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Tier() int    { return TierWrite }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the specified path. Creates parent directories if needed. Writes are restricted to the workspace."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

// ConfirmationDetails shows a diff between the current file and the new content.
func (t *WriteFileTool) ConfirmationDetails(ctx context.Context, params map[string]any) (confirmation.Details, error) {
	path, err := t.resolve(params)
	if err != nil {
		return confirmation.Details{}, err
	}
	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return confirmation.Details{}, describeFSError("read file", path, err)
	}
	preview, err := unifiedDiff(path, string(current), GetString(params, "content", ""))
	if err != nil {
		return confirmation.Details{}, err
	}
	return confirmation.Details{
		Kind:        confirmation.KindEdit,
		Title:       fmt.Sprintf("Write %s", filepath.Base(path)),
		Description: path,
		Preview:     preview,
	}, nil
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any, _ ProgressFunc) (string, error) {
	path, err := t.resolve(params)
	if err != nil {
		return "", err
	}
	content := GetString(params, "content", "")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", describeFSError("write file", path, err)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

func (t *WriteFileTool) resolve(params map[string]any) (string, error) {
	return resolveWithin(t.workspaceRoot, GetString(params, "path", ""))
}

// EditFileTool replaces text in a file.
type EditFileTool struct {
	workspaceRoot func() string
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Tier() int    { return TierWrite }

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing the first occurrence of old_text with new_text. Edits are restricted to the workspace."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The text to find and replace",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "The replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

// ConfirmationDetails shows the edit as a unified diff.
func (t *EditFileTool) ConfirmationDetails(ctx context.Context, params map[string]any) (confirmation.Details, error) {
	path, before, after, err := t.plan(params)
	if err != nil {
		return confirmation.Details{}, err
	}
	preview, err := unifiedDiff(path, before, after)
	if err != nil {
		return confirmation.Details{}, err
	}
	return confirmation.Details{
		Kind:        confirmation.KindEdit,
		Title:       fmt.Sprintf("Edit %s", filepath.Base(path)),
		Description: path,
		Preview:     preview,
	}, nil
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any, _ ProgressFunc) (string, error) {
	path, _, after, err := t.plan(params)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
		return "", describeFSError("write file", path, err)
	}
	return fmt.Sprintf("Successfully edited %s", path), nil
}

func (t *EditFileTool) plan(params map[string]any) (path, before, after string, err error) {
	path, err = resolveWithin(t.workspaceRoot, GetString(params, "path", ""))
	if err != nil {
		return "", "", "", err
	}
	oldText := GetString(params, "old_text", "")
	newText := GetString(params, "new_text", "")

	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", "", describeFSError("read file", path, err)
	}
	before = string(content)
	if !strings.Contains(before, oldText) {
		return "", "", "", fmt.Errorf("text not found in file: %s", path)
	}
	return path, before, strings.Replace(before, oldText, newText, 1), nil
}

// ListDirTool lists directory contents.
type ListDirTool struct{}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Tier() int    { return TierReadOnly }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory path to list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any, _ ProgressFunc) (string, error) {
	path := expandPath(GetString(params, "path", "."))

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", describeFSError("read directory", path, err)
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Contents of %s:\n", path)
	for _, entry := range entries {
		info, _ := entry.Info()
		switch {
		case entry.IsDir():
			fmt.Fprintf(&result, "  [DIR]  %s/\n", entry.Name())
		case info != nil:
			fmt.Fprintf(&result, "  [FILE] %s (%d bytes)\n", entry.Name(), info.Size())
		default:
			fmt.Fprintf(&result, "  [FILE] %s\n", entry.Name())
		}
	}
	return result.String(), nil
}

// NewReadFileTool creates a new ReadFileTool.
func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

// NewWriteFileTool creates a WriteFileTool restricted to the workspace returned
// by root. An empty root disables the restriction.
func NewWriteFileTool(root func() string) *WriteFileTool {
	return &WriteFileTool{workspaceRoot: normalizedRoot(root)}
}

// NewEditFileTool creates an EditFileTool restricted to the workspace.
func NewEditFileTool(root func() string) *EditFileTool {
	return &EditFileTool{workspaceRoot: normalizedRoot(root)}
}

// NewListDirTool creates a new ListDirTool.
func NewListDirTool() *ListDirTool { return &ListDirTool{} }

func normalizedRoot(root func() string) func() string {
	if root == nil {
		return func() string { return "" }
	}
	return func() string { return normalizeRoot(root()) }
}

func resolveWithin(root func() string, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidParams)
	}
	path = expandPath(path)
	if r := root(); r != "" && !isWithin(r, path) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return path, nil
}

func unifiedDiff(path, before, after string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + filepath.Base(path),
		ToFile:   "b/" + filepath.Base(path),
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("build diff: %w", err)
	}
	return text, nil
}

func describeFSError(op, path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s: not found: %s", op, path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s: permission denied: %s", op, path)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	return expandPath(root)
}

func isWithin(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

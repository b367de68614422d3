package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/KafClaw/codeclaw/internal/confirmation"
)

// DenyPatterns contains regex patterns for dangerous commands.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`\brm\s+-rf\b`,            // rm -rf anywhere
	`\brm\s+-r[fF]?\s+\.\b`,   // rm -r . / rm -rf .
	`\brm\s+-r[fF]?\s+\*`,     // rm -r *
	`\brm\s+\*`,               // rm *
	`\bgit\s+rm\b`,            // git rm
	`\bfind\b.*\b-delete\b`,   // find -delete
	`\bunlink\b`,              // unlink
	`\brmdir\b`,               // rmdir
	`\bdd\b.*\bof=/dev/`,      // dd to device
	`\bmkfs\b`,                // filesystem format
	`\bfdisk\b`,               // partition tool
	`\bformat\b`,              // Windows format
	`>\s*/dev/`,               // redirect to device
	`\bchmod\s+-R\s+777\b`,    // chmod 777 recursive
	`\bchown\s+-R\b.*[/~]`,    // chown recursive on root/home
	`\b:(){ :|:& };:\b`,       // fork bomb
	`\bshutdown\b`,            // shutdown
	`\breboot\b`,              // reboot
	`\bhalt\b`,                // halt
	`\binit\s+[0-6]\b`,        // init level change
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`, // systemd control
}

// AllowPatterns contains regex patterns for strict allow-list mode.
var AllowPatterns = []string{
	`(?i)^\s*git(\s|$)`,
	`(?i)^\s*ls(\s|$)`,
	`(?i)^\s*cat(\s|$)`,
	`(?i)^\s*pwd(\s|$)`,
	`(?i)^\s*rg(\s|$)`,
	`(?i)^\s*grep(\s|$)`,
	`(?i)^\s*sed(\s|$)`,
	`(?i)^\s*head(\s|$)`,
	`(?i)^\s*tail(\s|$)`,
	`(?i)^\s*wc(\s|$)`,
	`(?i)^\s*echo(\s|$)`,
}

// ErrCommandBlocked is returned for commands rejected by the guard patterns.
var ErrCommandBlocked = errors.New("command blocked by safety policy")

// PathPatterns for detecting path traversal attempts.
var PathPatterns = []string{
	`\.\.\/`, // ../
	`\.\.\\`, // ..\
	`\/\.\.`, // /..
	`\\\.\.`, // \..
}

// ExecTool executes shell commands.
type ExecTool struct {
	Timeout             time.Duration
	RestrictToWorkspace bool
	WorkDir             string
	workRepoGetter      func() string
	denyRegexes         []*regexp.Regexp
	pathRegexes         []*regexp.Regexp
	allowRegexes        []*regexp.Regexp
	StrictAllowList     bool
	ProgressInterval    time.Duration // throttles live output updates; default 100ms
}

// NewExecTool creates a new ExecTool.
func NewExecTool(timeout time.Duration, restrictToWorkspace bool, workDir string, workRepoGetter func() string) *ExecTool {
	// Compile deny patterns
	denyRegexes := make([]*regexp.Regexp, 0, len(DenyPatterns))
	for _, pattern := range DenyPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			denyRegexes = append(denyRegexes, re)
		}
	}

	// Compile path patterns
	pathRegexes := make([]*regexp.Regexp, 0, len(PathPatterns))
	for _, pattern := range PathPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			pathRegexes = append(pathRegexes, re)
		}
	}

	// Compile allow patterns
	allowRegexes := make([]*regexp.Regexp, 0, len(AllowPatterns))
	for _, pattern := range AllowPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			allowRegexes = append(allowRegexes, re)
		}
	}

	return &ExecTool{
		Timeout:             timeout,
		RestrictToWorkspace: restrictToWorkspace,
		WorkDir:             workDir,
		workRepoGetter:      workRepoGetter,
		denyRegexes:         denyRegexes,
		pathRegexes:         pathRegexes,
		allowRegexes:        allowRegexes,
		StrictAllowList:     true,
	}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Tier() int    { return TierHighRisk }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

// ConfirmationDetails shows the command and the directory it will run in.
func (t *ExecTool) ConfirmationDetails(ctx context.Context, params map[string]any) (confirmation.Details, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.defaultWorkDir())
	if err := t.guardCommand(command, workingDir); err != nil {
		return confirmation.Details{}, err
	}
	desc := "in the current directory"
	if workingDir != "" {
		desc = "in " + workingDir
	}
	return confirmation.Details{
		Kind:        confirmation.KindExec,
		Title:       "Run shell command",
		Description: desc,
		Preview:     command,
	}, nil
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any, progress ProgressFunc) (string, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.defaultWorkDir())

	if err := t.guardCommand(command, workingDir); err != nil {
		return "", err
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.WaitDelay = 2 * time.Second
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	out := &liveOutput{progress: progress, interval: t.progressInterval()}
	cmd.Stdout = out.writer(&out.stdout)
	cmd.Stderr = out.writer(&out.stderr)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}
	out.setPID(cmd.Process.Pid)

	err := cmd.Wait()
	result := out.String()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("command timed out after %v", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("execute command: %w", err)
		}
		result += fmt.Sprintf("\nExit code: %d", exitErr.ExitCode())
	}

	if result == "" {
		return "(no output)", nil
	}
	return result, nil
}

func (t *ExecTool) progressInterval() time.Duration {
	if t.ProgressInterval > 0 {
		return t.ProgressInterval
	}
	return 100 * time.Millisecond
}

func (t *ExecTool) guardCommand(command, workingDir string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidParams)
	}

	// Strict allow-list mode
	if t.StrictAllowList {
		allowed := false
		for _, re := range t.allowRegexes {
			if re.MatchString(command) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrCommandBlocked
		}
	}

	// Check deny patterns
	for _, re := range t.denyRegexes {
		if re.MatchString(command) {
			return ErrCommandBlocked
		}
	}

	// Check path traversal if workspace restricted
	if t.RestrictToWorkspace && t.WorkDir != "" {
		for _, re := range t.pathRegexes {
			if re.MatchString(command) {
				return fmt.Errorf("%w: path traversal not allowed", ErrCommandBlocked)
			}
		}

		// Additional check: command shouldn't reference paths outside workspace or work repo
		allowedRoots := []string{}
		if absWorkDir, err := filepath.Abs(t.WorkDir); err == nil && absWorkDir != "" {
			allowedRoots = append(allowedRoots, absWorkDir)
		}
		if t.workRepoGetter != nil {
			if repo := t.workRepoGetter(); repo != "" {
				if absRepo, err := filepath.Abs(repo); err == nil {
					allowedRoots = append(allowedRoots, absRepo)
				}
			}
		}
		if workingDir != "" {
			absWorkingDir, _ := filepath.Abs(workingDir)
			allowed := false
			for _, root := range allowedRoots {
				if strings.HasPrefix(absWorkingDir, root) {
					allowed = true
					break
				}
			}
			if !allowed {
				return ErrCommandBlocked
			}
		}
	}

	return nil
}

func (t *ExecTool) defaultWorkDir() string {
	if t.workRepoGetter != nil {
		if repo := t.workRepoGetter(); repo != "" {
			return repo
		}
	}
	return t.WorkDir
}

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/KafClaw/codeclaw/internal/bus"
)

// Command is one configured hook command.
type Command struct {
	Command string        `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Config maps events to the commands run for them.
type Config map[Event][]Command

type configFile struct {
	Hooks Config `yaml:"hooks"`
}

// LoadConfig reads hook definitions from a YAML file. A missing file yields no hooks.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return nil, fmt.Errorf("read hooks file %s: %w", path, err)
	}
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hooks file %s: %w", path, err)
	}
	for event, cmds := range f.Hooks {
		for _, c := range cmds {
			if strings.TrimSpace(c.Command) == "" {
				return nil, fmt.Errorf("parse hooks file %s: empty command for %s", path, event)
			}
		}
	}
	return f.Hooks, nil
}

// Runner answers hook requests on the bus by running shell commands. Commands
// for one event run concurrently; each receives the request as JSON on stdin.
// A command printing a JSON object has it merged into the response output;
// plain text is appended to additionalContext.
type Runner struct {
	bus     *bus.Bus
	cfg     Config
	workDir string
	timeout time.Duration
	logger  *slog.Logger
	sub     *bus.Subscription

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner subscribes a runner to b.
func NewRunner(b *bus.Bus, cfg Config, workDir string, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{bus: b, cfg: cfg, workDir: workDir, timeout: timeout, logger: logger}
	r.sub = b.Subscribe(bus.TypeHookExecutionRequest, r)
	return r
}

// HandleMessage implements bus.Handler.
func (r *Runner) HandleMessage(msg bus.Message) {
	req, ok := msg.Payload.(Request)
	if !ok {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("Hook request after close", "event", req.EventName)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		resp := r.run(context.Background(), req)
		if err := r.bus.Respond(msg, bus.TypeHookExecutionResponse, resp); err != nil {
			r.logger.Debug("Hook response not delivered", "event", req.EventName, "error", err)
		}
	}()
}

// Close unsubscribes the runner and waits for running hooks. Requests still
// being delivered afterwards are dropped.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.sub.Unsubscribe()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, req Request) Response {
	cmds := r.cfg[req.EventName]
	if len(cmds) == 0 {
		return Response{Success: true}
	}

	stdin, err := json.Marshal(req)
	if err != nil {
		return Response{Error: fmt.Sprintf("encode hook input: %v", err)}
	}

	outputs := make([]string, len(cmds))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cmds {
		i, c := i, c
		g.Go(func() error {
			out, err := r.exec(gctx, c, stdin)
			if err != nil {
				return fmt.Errorf("hook %q: %w", c.Command, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("Hook command failed", "event", req.EventName, "error", err)
		return Response{Error: err.Error()}
	}

	return Response{Success: true, Output: mergeOutputs(outputs)}
}

func (r *Runner) exec(ctx context.Context, c Command, stdin []byte) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.WaitDelay = time.Second
	cmd.Dir = r.workDir
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("timed out after %v", timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}

func mergeOutputs(outputs []string) map[string]any {
	merged := map[string]any{}
	var extra []string
	for _, out := range outputs {
		out = strings.TrimSpace(out)
		if out == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(out), &obj); err == nil {
			for k, v := range obj {
				if k == "additionalContext" {
					if s, ok := v.(string); ok {
						extra = append(extra, s)
					}
					continue
				}
				merged[k] = v
			}
			continue
		}
		extra = append(extra, out)
	}
	if len(extra) > 0 {
		merged["additionalContext"] = strings.Join(extra, "\n")
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

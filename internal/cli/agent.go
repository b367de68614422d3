package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/KafClaw/codeclaw/internal/config"
	"github.com/KafClaw/codeclaw/internal/policy"
	"github.com/KafClaw/codeclaw/internal/provider"
)

var (
	agentMessage      string
	agentApprovalMode string
	agentYolo         bool
	agentSession      string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Chat with the coding agent",
	Long: "Runs one message with --message, or an interactive session reading prompts from stdin.\n" +
		"Tool calls that need approval are confirmed on the console.",
	RunE: runAgent,
}

// newProvider builds the model client; replaced in tests.
var newProvider = func(cfg *config.Config) (provider.LLMProvider, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errors.New("no API key configured: set OPENAI_API_KEY or provider.apiKey")
	}
	return provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Model.Name), nil
}

// turnSignals scopes interrupt handling to one turn; replaced in tests.
var turnSignals = func(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVar(&agentApprovalMode, "approval-mode", "", "Approval mode: default, auto_edit or yolo")
	agentCmd.Flags().BoolVar(&agentYolo, "yolo", false, "Approve every tool call that is not denied")
	agentCmd.Flags().StringVarP(&agentSession, "session", "s", "cli:default", "Session to resume and save; empty starts an unsaved conversation")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	mode := agentApprovalMode
	if agentYolo {
		mode = string(policy.ModeYolo)
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	for _, f := range cfg.EnvFiles {
		logger.Debug("Env file applied", "path", f.Path, "keys", f.Applied)
		for _, p := range f.Problems {
			logger.Warn("Env file problem", "path", f.Path, "problem", p)
		}
	}

	prov, err := newProvider(cfg)
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	rt, err := newRuntime(cfg, prov, runtimeOptions{
		ApprovalMode: mode,
		In:           in,
		Out:          out,
		Logger:       logger,
		Session:      strings.TrimSpace(agentSession),
	})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	defer rt.Close(context.WithoutCancel(ctx))

	interactive := isTerminal(cmd.InOrStdin())
	if interactive {
		printHeader(out, "🤖 CodeClaw Agent")
		fmt.Fprintf(out, "Model: %s  Approval: %s  Workspace: %s\n\n", cfg.Model.Name, rt.policy.Mode, cfg.Paths.Workspace)
	}
	source := "startup"
	if rt.resumed() {
		source = "resume"
		if interactive {
			fmt.Fprintf(out, "Resumed session %s (%d messages)\n\n", rt.session.Key, rt.session.Len())
		}
	}
	rt.loop.Start(ctx, source)

	if strings.TrimSpace(agentMessage) != "" {
		return runTurn(ctx, rt, agentMessage)
	}
	for {
		if interactive {
			rt.console.printf("%s", color.GreenString("> "))
		}
		line, readErr := in.ReadString('\n')
		text := strings.TrimSpace(line)
		switch {
		case text == "exit" || text == "quit":
			return nil
		case text == "/compact":
			rt.loop.Compact(ctx)
			rt.saveSession()
			rt.console.println("History compacted.")
		case text != "":
			if err := runTurn(ctx, rt, text); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func runTurn(ctx context.Context, rt *runtime, message string) error {
	turnCtx, stop := turnSignals(ctx)
	defer stop()
	response, err := rt.loop.Process(turnCtx, message)
	rt.saveSession()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			rt.console.println(color.YellowString("Interrupted."))
		}
		return err
	}
	rt.console.println("\n" + response + "\n")
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

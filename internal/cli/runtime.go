package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/KafClaw/codeclaw/internal/agent"
	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/config"
	"github.com/KafClaw/codeclaw/internal/hooks"
	"github.com/KafClaw/codeclaw/internal/kafkasink"
	"github.com/KafClaw/codeclaw/internal/policy"
	"github.com/KafClaw/codeclaw/internal/provider"
	"github.com/KafClaw/codeclaw/internal/scheduler"
	"github.com/KafClaw/codeclaw/internal/session"
	"github.com/KafClaw/codeclaw/internal/timeline"
	"github.com/KafClaw/codeclaw/internal/tools"
)

// DefaultSystemPrompt is the base prompt of the root agent.
const DefaultSystemPrompt = `You are CodeClaw, a coding agent working inside the user's workspace.
Use the available tools to inspect and change files and to run commands.
Prefer small, verifiable steps. Explain what you changed when you are done.`

type runtimeOptions struct {
	// ApprovalMode overrides cfg.Tools.ApprovalMode when set.
	ApprovalMode string
	// In is read for confirmations; nil leaves requests unanswered, which
	// cancels every call that needs approval.
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
	// KafkaWriter replaces the writer built from cfg.Kafka.
	KafkaWriter kafkasink.Writer
	// Session names the saved conversation to resume; empty disables saving.
	Session string
}

// runtime is the wired object graph behind one agent session.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	registry  *tools.Registry
	policy    *policy.DefaultEngine
	scheduler *scheduler.Scheduler
	hooks     *hooks.Dispatcher
	runner    *hooks.Runner
	agents    *agent.Definitions
	timeline  *timeline.TimelineService
	sink      *kafkasink.Sink
	renderer  *Renderer
	prompt    *PromptResponder
	console   *console
	loop      *agent.Loop
	sessions  *session.Manager
	session   *session.Session
}

func newRuntime(cfg *config.Config, prov provider.LLMProvider, opts runtimeOptions) (*runtime, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	modeValue := cfg.Tools.ApprovalMode
	if opts.ApprovalMode != "" {
		modeValue = opts.ApprovalMode
	}
	mode, err := policy.ParseMode(modeValue)
	if err != nil {
		return nil, err
	}
	rules, err := policy.LoadAllowList(cfg.Tools.AllowListFile)
	if err != nil {
		return nil, err
	}
	hookCfg, err := hooks.LoadConfig(cfg.Hooks.File)
	if err != nil {
		return nil, err
	}
	defs, err := agent.LoadDefinitions(cfg.Subagents.File)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  opts.Logger,
		bus:     bus.New(bus.WithLogger(opts.Logger)),
		agents:  defs,
		console: newConsole(opts.Out),
	}
	fail := func(err error) (*runtime, error) {
		rt.Close(context.Background())
		return nil, err
	}

	if cfg.Timeline.Enabled {
		if err := config.EnsureDir(filepath.Dir(cfg.Timeline.DBPath)); err != nil {
			return fail(fmt.Errorf("create timeline dir: %w", err))
		}
		tl, err := timeline.NewTimelineService(cfg.Timeline.DBPath)
		if err != nil {
			return fail(err)
		}
		rt.timeline = tl
		rt.timeline.SetLogger(opts.Logger)
		rt.timeline.Attach(rt.bus)
	}
	if cfg.Kafka.Enabled || opts.KafkaWriter != nil {
		w := opts.KafkaWriter
		if w == nil {
			w = kafkasink.NewWriter(kafkasink.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		}
		rt.sink = kafkasink.New(w, opts.Logger)
		rt.sink.Attach(rt.bus)
	}

	rt.policy = policy.NewDefaultEngine(mode, cfg.Tools.Deny, rules)
	rt.hooks = hooks.NewDispatcher(rt.bus, cfg.Hooks.Timeout, opts.Logger)
	rt.runner = hooks.NewRunner(rt.bus, hookCfg, cfg.Paths.Workspace, cfg.Hooks.Timeout, opts.Logger)
	rt.renderer = NewRenderer(rt.bus, rt.console)
	if opts.In != nil {
		rt.prompt = NewPromptResponder(rt.bus, opts.In, rt.console, opts.Logger)
	}

	schedOpts := scheduler.Options{
		Bus:           rt.bus,
		Policy:        rt.policy,
		Logger:        opts.Logger,
		MaxConcurrent: cfg.Tools.MaxConcurrent,
		OutputLimit:   cfg.Tools.OutputLimit,
		OutputDir:     cfg.Tools.OutputDir,
		CancelGrace:   cfg.Tools.CancelGrace,
		Hooks:         rt.hooks,
	}
	rt.registry = buildRegistry(cfg, defs, prov, schedOpts, opts.Logger)
	schedOpts.ID = scheduler.RootID
	schedOpts.Registry = rt.registry
	rt.scheduler = scheduler.New(schedOpts)

	rt.loop = agent.NewLoop(agent.LoopOptions{
		Provider:           prov,
		Scheduler:          rt.scheduler,
		Registry:           rt.registry,
		Hooks:              rt.hooks,
		Logger:             opts.Logger,
		Workspace:          cfg.Paths.Workspace,
		SystemPrompt:       DefaultSystemPrompt,
		Model:              cfg.Model.Name,
		MaxTokens:          cfg.Model.MaxTokens,
		Temperature:        cfg.Model.Temperature,
		MaxIterations:      cfg.Model.MaxToolIterations,
		MaxHistoryMessages: cfg.Model.MaxHistoryMessages,
	})

	if opts.Session != "" {
		mgr, err := session.NewManager(cfg.Paths.SessionsDir)
		if err != nil {
			return fail(err)
		}
		sess, err := mgr.GetOrCreate(opts.Session)
		if err != nil {
			return fail(err)
		}
		rt.sessions, rt.session = mgr, sess
		if sess.Len() > 0 {
			rt.loop.Restore(sess.History(0))
		}
	}
	return rt, nil
}

// resumed reports whether the loop started from a saved conversation.
func (rt *runtime) resumed() bool {
	return rt.session != nil && rt.session.Len() > 0
}

// saveSession stores the loop's conversation under the session key.
func (rt *runtime) saveSession() {
	if rt.session == nil {
		return
	}
	rt.session.SetMessages(rt.loop.History())
	rt.session.SetMetadata("model", rt.cfg.Model.Name)
	if err := rt.sessions.Save(rt.session); err != nil {
		rt.logger.Warn("Session save failed", "session", rt.session.Key, "error", err)
	}
}

func buildRegistry(cfg *config.Config, defs *agent.Definitions, prov provider.LLMProvider, tmpl scheduler.Options, logger *slog.Logger) *tools.Registry {
	workspace := func() string { return cfg.Paths.Workspace }

	reg := tools.NewRegistry()
	reg.Register(tools.NewReadFileTool())
	reg.Register(tools.NewListDirTool())
	reg.Register(tools.NewWriteFileTool(workspace))
	reg.Register(tools.NewEditFileTool(workspace))

	execTool := tools.NewExecTool(cfg.Tools.Exec.Timeout, cfg.Tools.Exec.RestrictToWorkspace, cfg.Paths.Workspace, nil)
	execTool.StrictAllowList = cfg.Tools.Exec.StrictAllowList
	reg.Register(execTool)

	if defs.Len() > 0 {
		reg.Register(agent.NewDelegateTool(agent.DelegateOptions{
			Definitions:   defs,
			Registry:      reg,
			Provider:      prov,
			Scheduler:     tmpl,
			Workspace:     cfg.Paths.Workspace,
			MaxIterations: cfg.Subagents.MaxIterations,
			Logger:        logger,
		}))
	}
	return reg
}

// Close ends the session and releases everything in reverse wiring order.
func (rt *runtime) Close(ctx context.Context) {
	if rt.loop != nil {
		rt.loop.Close(ctx, "exit")
	}
	if rt.prompt != nil {
		rt.prompt.Close()
	}
	if rt.renderer != nil {
		rt.renderer.Close()
	}
	if rt.runner != nil {
		rt.runner.Close()
	}
	if rt.sink != nil {
		if err := rt.sink.Close(); err != nil {
			rt.logger.Warn("Kafka sink close failed", "error", err)
		}
	}
	if rt.timeline != nil {
		if err := rt.timeline.Close(); err != nil {
			rt.logger.Warn("Timeline close failed", "error", err)
		}
	}
	rt.bus.Close()
}

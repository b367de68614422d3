package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/codeclaw/internal/agent"
	"github.com/KafClaw/codeclaw/internal/config"
	"github.com/KafClaw/codeclaw/internal/hooks"
	"github.com/KafClaw/codeclaw/internal/policy"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and state status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ok := color.GreenString("✓")
	bad := color.RedString("✗")

	fmt.Fprintf(out, "Version:   %s\n", version)
	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config:    %s Found (%s)\n", ok, configPath)
	} else {
		fmt.Fprintf(out, "Config:    %s Not found, using defaults (%s)\n", bad, configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Validate:  %s %v\n", bad, err)
	}
	for _, f := range cfg.EnvFiles {
		fmt.Fprintf(out, "Env file:  %s (%d variable(s))\n", f.Path, len(f.Applied))
		for _, p := range f.Problems {
			fmt.Fprintf(out, "  %s %s\n", bad, p)
		}
	}
	if cfg.Provider.APIKey != "" {
		fmt.Fprintf(out, "API Key:   %s Found\n", ok)
	} else {
		fmt.Fprintf(out, "API Key:   %s Not found\n", bad)
	}
	fmt.Fprintf(out, "Model:     %s\n", cfg.Model.Name)
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Paths.Workspace)
	fmt.Fprintf(out, "Approval:  %s\n", cfg.Tools.ApprovalMode)

	if rules, err := policy.LoadAllowList(cfg.Tools.AllowListFile); err != nil {
		fmt.Fprintf(out, "Allowed:   %s %v\n", bad, err)
	} else {
		fmt.Fprintf(out, "Allowed:   %d remembered rule(s)\n", len(rules.Rules()))
	}
	if hookCfg, err := hooks.LoadConfig(cfg.Hooks.File); err != nil {
		fmt.Fprintf(out, "Hooks:     %s %v\n", bad, err)
	} else {
		n := 0
		for _, cmds := range hookCfg {
			n += len(cmds)
		}
		fmt.Fprintf(out, "Hooks:     %d command(s)\n", n)
	}
	if defs, err := agent.LoadDefinitions(cfg.Subagents.File); err != nil {
		fmt.Fprintf(out, "Agents:    %s %v\n", bad, err)
	} else {
		fmt.Fprintf(out, "Agents:    %d defined\n", defs.Len())
		for _, d := range defs.List() {
			fmt.Fprintf(out, "  - %s: %s\n", d.Name, d.Description)
		}
	}

	if cfg.Timeline.Enabled {
		fmt.Fprintf(out, "Timeline:  %s %s\n", ok, cfg.Timeline.DBPath)
	} else {
		fmt.Fprintf(out, "Timeline:  %s Disabled\n", bad)
	}
	if cfg.Kafka.Enabled {
		fmt.Fprintf(out, "Kafka:     %s %v -> %s\n", ok, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	} else {
		fmt.Fprintf(out, "Kafka:     %s Disabled\n", bad)
	}
	return nil
}

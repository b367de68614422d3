package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/codeclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ___          _       ___ _\n" +
		"  / __|___  __| |___  / __| |__ ___ __ __\n" +
		" | (__/ _ \\/ _` / -_)| (__| / _` \\ V  V /\n" +
		"  \\___\\___/\\__,_\\___| \\___|_\\__,_|\\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "codeclaw",
	Short: "CodeClaw - coding agent with supervised tool execution",
	Long:  color.CyanString(logo) + "\nA terminal coding agent that schedules, confirms and journals every tool call.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(historyCmd)
}

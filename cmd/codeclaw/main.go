// Package main is the entry point for the codeclaw CLI.
package main

import (
	"os"

	"github.com/KafClaw/codeclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package cmd provides the mediakit command-line interface for running a
// headless builder session and inspecting configuration and persisted pages.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mediakit",
	Short: "Media kit page builder runtime",
	Long: `Mediakit runs the page builder pipeline headlessly: a state store with
undo history, a prioritized render queue, render validation, automatic
recovery, and optional on-disk persistence.

Quick Start:
  mediakit run --demo             Run a session seeded with demo components
  mediakit config show            Print the effective configuration
  mediakit pages list             List persisted pages`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults apply when omitted, env vars use the MEDIAKIT_ prefix)")
}

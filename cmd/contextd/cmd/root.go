// Package cmd provides the CLI commands for contextd.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/contextd/contextd/pkg/version"
)

// NewRootCmd creates the root command for the contextd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contextd",
		Short: "Context memory daemon for AI agents",
		Long: `contextd captures conversations, code, notes, and other artifacts,
enriches them with embeddings and summaries, links related pieces into a
similarity graph, and serves search, context windows, and grounded answers
over a local HTTP API.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("contextd version {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

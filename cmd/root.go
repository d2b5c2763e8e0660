// Package cmd implements the pageforge command line interface.
//
// Commands:
//
//	pageforge serve      start the HTTP editor API
//	pageforge edit       run one AI command against a page
//	pageforge publish    validate and publish a page's draft
//	pageforge render     substitute variables into a template file
//	pageforge preview    build the sandboxed preview for a template file
//	pageforge migrate    apply database migrations
//	pageforge version    show version information
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/internal/log"
)

// NewRootCmd assembles the root command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pageforge",
		Short: "AI-assisted website page generation and editing",
		Long: `pageforge drives a staged AI pipeline that builds and edits website
pages: plan, content, HTML, and styling stages produce a draft, which is
previewed locally and published after remote validation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newEditCmd(),
		newPublishCmd(),
		newRenderCmd(),
		newPreviewCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI. Called from main.
func Execute() error {
	return NewRootCmd().Execute()
}

// newLogger builds the process logger. DEBUG in the environment switches
// to debug level; logs go to stderr so stdout stays clean for command
// output.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}

// readInput returns the contents of path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- user-supplied CLI path
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

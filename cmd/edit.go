package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/internal/app"
	"github.com/pageforge/pageforge/internal/config"
	"github.com/pageforge/pageforge/internal/page"
	"github.com/pageforge/pageforge/internal/pipeline"
)

func newEditCmd() *cobra.Command {
	var (
		mode       string
		autoAccept bool
	)

	cmd := &cobra.Command{
		Use:   "edit <page-type> <page-id> <command...>",
		Short: "Run one AI command against a page",
		Long: `Edit runs a single command through the generation pipeline and updates
the page's draft.

Modes:
  build   full staged pipeline (plan, content, HTML, styling); the
          result is applied to the draft directly
  edit    single-shot local edit; the proposed change is shown and, with
          --accept, applied to the draft
  async   hand the command to the external builder; the draft updates
          when the build finishes`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := page.Ref{Type: args[0], ID: args[1]}
			command := strings.Join(args[2:], " ")
			return runEdit(cmd.Context(), ref, command, mode, autoAccept)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "edit", "execution mode: build, edit, or async")
	cmd.Flags().BoolVar(&autoAccept, "accept", false, "apply the proposed change without review (edit mode)")
	return cmd
}

func runEdit(ctx context.Context, ref page.Ref, command, mode string, autoAccept bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	a, err := app.Setup(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	p, err := a.Pages.Get(ctx, ref)
	if err != nil {
		return err
	}
	sess, err := a.OpenSession(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sess.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("failed to flush session", "error", closeErr)
		}
	}()

	switch mode {
	case "build":
		out, err := sess.Build(ctx, command)
		if err != nil {
			return err
		}
		printStages(out.Stages)
		fmt.Println(out.Reply.Content)
	case "edit":
		out, err := sess.Edit(ctx, command)
		if err != nil {
			return err
		}
		fmt.Println(out.Reply.Content)
		if autoAccept && sess.Accept() {
			fmt.Println("Change applied to the draft.")
		} else if out.HasCandidate {
			fmt.Println("Run again with --accept to apply the change.")
		}
	case "async":
		out, err := sess.DispatchAsync(ctx, command)
		if err != nil {
			return err
		}
		fmt.Println(out.Reply.Content)
	default:
		return fmt.Errorf("unknown mode %q: want build, edit, or async", mode)
	}
	if err := sess.Flush(ctx); err != nil {
		return fmt.Errorf("saving draft: %w", err)
	}
	return nil
}

func printStages(stages []pipeline.StageState) {
	for _, st := range stages {
		line := fmt.Sprintf("  %-10s %-10s", st.Name, st.Status)
		if st.Tokens > 0 {
			line += fmt.Sprintf("  %5d tokens", st.Tokens)
		}
		if st.Duration > 0 {
			line += fmt.Sprintf("  %s", st.Duration.Round(10*time.Millisecond))
		}
		fmt.Println(line)
	}
}

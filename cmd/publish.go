package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/internal/app"
	"github.com/pageforge/pageforge/internal/config"
	"github.com/pageforge/pageforge/internal/page"
)

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <page-type> <page-id>",
		Short: "Validate and publish a page's draft",
		Long: `Publish sends the page's current draft through remote validation and,
on success, promotes the repaired document to the published copy. The
draft itself is never modified; a failed validation leaves the
published copy exactly as it was.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), page.Ref{Type: args[0], ID: args[1]})
		},
	}
}

func runPublish(ctx context.Context, ref page.Ref) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	a, err := app.Setup(ctx, cfg, logger, app.Options{SkipLocalStore: true})
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
	defer func() { _ = sess.Close(context.WithoutCancel(ctx)) }()

	if err := sess.Publish(ctx); err != nil {
		return err
	}
	fmt.Printf("Published %s (%d bytes)\n", ref, len(sess.PublishedHTML()))
	return nil
}

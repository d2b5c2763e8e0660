package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/api"
	"github.com/pageforge/pageforge/internal/app"
	"github.com/pageforge/pageforge/internal/config"
	"github.com/pageforge/pageforge/internal/editor"
	"github.com/pageforge/pageforge/internal/observability"
	"github.com/pageforge/pageforge/internal/page"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP editor API",
		Long: `Serve runs the editor API. Each page gets one editing session with
its own pipeline, autosave loop, and draft-change subscription; sessions
are flushed on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func runServe(addr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	a, err := app.Setup(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	// Each opened session also listens for out-of-band draft changes so
	// async build results land without a refresh.
	var (
		subsMu sync.Mutex
		subs   []*page.Subscriber
	)
	open := func(ctx context.Context, p *page.Page) (*editor.Session, error) {
		sess, err := a.OpenSession(ctx, p)
		if err != nil {
			return nil, err
		}
		sub, err := a.Subscribe(ctx, sess)
		if err != nil {
			logger.Warn("draft-change subscription unavailable",
				"page", p.Ref.String(),
				"error", err,
			)
		} else {
			subsMu.Lock()
			subs = append(subs, sub)
			subsMu.Unlock()
		}
		return sess, nil
	}
	defer func() {
		subsMu.Lock()
		defer subsMu.Unlock()
		for _, sub := range subs {
			sub.Stop()
		}
	}()

	server := api.NewServer(a.DBPool, a.Pages, open, logger)

	if addr == "" {
		addr = cfg.ListenAddr
	}
	logger.Info("editor API ready",
		"addr", addr,
		"api", "/api/pages/*",
		"health", "/health, /ready",
	)
	return server.Run(ctx, addr)
}

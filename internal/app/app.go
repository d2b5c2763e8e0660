// Package app provides application initialization and dependency wiring.
//
// App is the composition root: it owns the database pool, the local
// store, the remote client, and hands out per-page editor sessions with
// their pipeline orchestrators. Commands and the HTTP server both build
// on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pageforge/pageforge/db"
	"github.com/pageforge/pageforge/internal/config"
	"github.com/pageforge/pageforge/internal/editor"
	"github.com/pageforge/pageforge/internal/localstore"
	"github.com/pageforge/pageforge/internal/log"
	"github.com/pageforge/pageforge/internal/page"
	"github.com/pageforge/pageforge/internal/pipeline"
	"github.com/pageforge/pageforge/internal/remote"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	DBPool *pgxpool.Pool
	Pages  *page.Store
	Local  *localstore.Store
	Remote *remote.Client
}

// Options tune Setup.
type Options struct {
	// SkipLocalStore disables the per-machine SQLite store. Used by
	// one-shot commands that must not contend for the instance lock.
	SkipLocalStore bool

	// RemoteToken overrides the configured backend token.
	RemoteToken string

	// TokenExpiresAt is the token's expiry, zero for no expiry check.
	TokenExpiresAt time.Time
}

// Setup initializes all shared resources. Callers own the returned App
// and must Close it.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger, opts Options) (*App, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	var local *localstore.Store
	if !opts.SkipLocalStore {
		local, err = localstore.Open(cfg.LocalDir, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("opening local store: %w", err)
		}
	}

	token := opts.RemoteToken
	if token == "" {
		token = cfg.RemoteToken
	}
	client := remote.New(remote.Config{
		BaseURL:           cfg.RemoteBaseURL,
		Token:             token,
		TokenExpiresAt:    opts.TokenExpiresAt,
		StageTimeout:      cfg.StageTimeout(),
		RequestsPerSecond: cfg.RemoteRequestsPerSecond,
	}, logger)

	return &App{
		Config: cfg,
		Logger: logger,
		DBPool: pool,
		Pages:  page.NewStore(pool, logger),
		Local:  local,
		Remote: client,
	}, nil
}

// Budget returns the configured token budget.
func (a *App) Budget() pipeline.Budget {
	return pipeline.Budget{
		SoftLimit: a.Config.BudgetSoftLimit,
		HardLimit: a.Config.BudgetHardLimit,
	}
}

// NewOrchestrator creates a pipeline orchestrator backed by the remote
// client. onProgress may be nil.
func (a *App) NewOrchestrator(onProgress func([]pipeline.StageState)) *pipeline.Orchestrator {
	return pipeline.New(a.Remote, pipeline.Options{
		Budget:     a.Budget(),
		OnProgress: onProgress,
		Logger:     a.Logger,
	})
}

// OpenSession opens an editor session for p, with its own orchestrator.
func (a *App) OpenSession(ctx context.Context, p *page.Page) (*editor.Session, error) {
	var local editor.LocalState
	if a.Local != nil {
		local = a.Local
	}
	return editor.NewSession(ctx, p, editor.Config{
		SystemPrompt:   a.Config.SystemPrompt,
		DebounceWindow: a.Config.DebounceWindow(),
		AsyncStaleness: a.Config.AsyncStaleness(),
	}, editor.Deps{
		Runner:    a.NewOrchestrator(nil),
		Finalizer: a.Remote,
		Drafts:    a.Pages,
		Local:     local,
		Logger:    a.Logger,
	}), nil
}

// Subscribe starts a draft-change subscriber delivering pushes for ref to
// the session. Callers stop it via the returned subscriber.
func (a *App) Subscribe(ctx context.Context, sess *editor.Session) (*page.Subscriber, error) {
	sub := page.NewSubscriber(a.Config.PostgresURL(), a.Pages, a.Logger)
	if err := sub.Start(ctx, sess.Ref(), func(change page.DraftChange) {
		sess.ApplyDraftChange(change)
	}); err != nil {
		return nil, fmt.Errorf("starting draft-change subscriber: %w", err)
	}
	return sub, nil
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	var firstErr error
	if a.Local != nil {
		if err := a.Local.Close(); err != nil {
			firstErr = fmt.Errorf("closing local store: %w", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	return firstErr
}

// Package api provides the HTTP REST API for the page editor.
//
// Endpoints:
//
//	GET    /health                              liveness probe
//	GET    /ready                               readiness probe (DB ping)
//	POST   /api/pages/{type}/{id}/command       run a build/edit/async command
//	POST   /api/pages/{type}/{id}/accept        accept the pending candidate
//	POST   /api/pages/{type}/{id}/reject        reject the pending candidate
//	POST   /api/pages/{type}/{id}/publish       validate and publish the draft
//	GET    /api/pages/{type}/{id}/preview       render the preview document
//	GET    /api/pages/{type}/{id}/status        stage display and busy state
//	GET    /api/pages/{type}/{id}/chat          chat history
//	DELETE /api/pages/{type}/{id}/chat          reset chat history
//
// File structure:
//   - server.go: HTTP server setup, lifecycle, session management
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints
//   - pages.go: page editing endpoints
//   - response.go: JSON response helpers
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pageforge/pageforge/internal/editor"
	"github.com/pageforge/pageforge/internal/log"
	"github.com/pageforge/pageforge/internal/page"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds request header reads (Slowloris defense).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response. Build
	// commands wait on four sequential remote stages.
	WriteTimeout = 20 * time.Minute

	// IdleTimeout applies to keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// SessionFactory opens an editing session for a page. The server calls it
// once per page identity and caches the result.
type SessionFactory func(ctx context.Context, p *page.Page) (*editor.Session, error)

// PageGetter loads page records. Satisfied by page.Store.
type PageGetter interface {
	Get(ctx context.Context, ref page.Ref) (*page.Page, error)
}

// Server is the HTTP server for the page editor API. It lazily opens one
// editor session per page identity and routes page endpoints to it.
type Server struct {
	mux    *http.ServeMux
	pages  PageGetter
	open   SessionFactory
	logger log.Logger

	mu       sync.Mutex
	sessions map[page.Ref]*editor.Session
}

// NewServer creates a new HTTP server with all routes registered.
func NewServer(pool *pgxpool.Pool, pages PageGetter, open SessionFactory, logger log.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:      mux,
		pages:    pages,
		open:     open,
		logger:   logger,
		sessions: make(map[page.Ref]*editor.Session),
	}

	NewHealthHandler(pool, logger).RegisterRoutes(mux)
	newPageHandler(s, logger).RegisterRoutes(mux)

	return s
}

// session returns the editor session for ref, opening one on first use.
func (s *Server) session(ctx context.Context, ref page.Ref) (*editor.Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[ref]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	p, err := s.pages.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", ref, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have opened it while we were loading.
	if existing, ok := s.sessions[ref]; ok {
		_ = sess.Close(ctx)
		return existing, nil
	}
	s.sessions[ref] = sess
	return sess, nil
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully and flushes all open editor sessions.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeSessions(shutdownCtx)
		return err
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// closeSessions flushes unsaved drafts in every open session.
func (s *Server) closeSessions(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*editor.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[page.Ref]*editor.Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			s.logger.Error("failed to close editor session",
				"page", sess.Ref().String(),
				"error", err,
			)
		}
	}
}

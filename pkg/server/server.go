// Package server exposes the conversation pipeline over HTTP: the chat
// endpoint, the connection handshake, catalog administration, and the
// operational surface (health, metrics). It also owns the background
// loop that deactivates idle sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/concierge-dev/concierge/pkg/auth"
	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/orchestrator"
	"github.com/concierge-dev/concierge/pkg/store"
)

// ChatPipeline is the slice of the orchestrator the server drives.
type ChatPipeline interface {
	ProcessTurn(ctx context.Context, req *orchestrator.ChatRequest) (*orchestrator.ChatResponse, error)
}

// ConnectionManager is the slice of the connection registry the server drives.
type ConnectionManager interface {
	Initiate(ctx context.Context, userID, appName string) (*broker.ConnectionInfo, error)
	Callback(ctx context.Context, userID, appName, accountID string) (*store.AppConnection, error)
	List(ctx context.Context, userID string, statuses ...store.ConnectionStatus) ([]*store.AppConnection, error)
	Disconnect(ctx context.Context, userID, appName string) (*store.AppConnection, error)
}

// ToolCatalog is the slice of the catalog service the server drives.
type ToolCatalog interface {
	Ingest(ctx context.Context, appName string) (int, error)
	Search(ctx context.Context, appName, query string, topK int) ([]catalog.Match, error)
}

// Deps are the server's collaborators.
type Deps struct {
	Pipeline    ChatPipeline
	Connections ConnectionManager
	Catalog     ToolCatalog
	Store       store.Store
	Cache       cache.Cache

	// Observability supplies the tracer and metrics for the HTTP
	// middleware. Nil selects a noop manager.
	Observability *observability.Manager
}

// Server owns the HTTP listener and the session cleanup loop.
type Server struct {
	cfg  config.ServerConfig
	deps Deps

	validator *auth.JWTValidator
	obs       *observability.Manager

	http *http.Server
	addr atomic.Value // bound listen address, set once serving

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New builds the server. Authentication comes from cfg.Auth; a nil or
// disabled auth config leaves /api open.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	cfg.SetDefaults()

	if deps.Pipeline == nil || deps.Connections == nil || deps.Catalog == nil ||
		deps.Store == nil || deps.Cache == nil {
		return nil, fmt.Errorf("server requires pipeline, connections, catalog, store, and cache")
	}
	if deps.Observability == nil {
		deps.Observability = observability.NoopManager()
	}

	validator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth setup failed: %w", err)
	}

	return &Server{
		cfg:       cfg,
		deps:      deps,
		validator: validator,
		obs:       deps.Observability,
	}, nil
}

// Start listens on the configured address and serves until ctx is canceled
// or the listener fails. The bound address is available through Addr once
// serving, which is what makes port 0 usable.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	s.addr.Store(ln.Addr().String())

	s.http = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	if s.cfg.Cleanup.Enabled {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.cleanupCancel = cancel
		s.cleanupDone = make(chan struct{})
		go s.runCleanup(cleanupCtx)
	}

	slog.Info("HTTP server listening", "address", ln.Addr().String())
	if s.validator != nil {
		slog.Info("Bearer authentication enabled", "enforce_subject", s.cfg.Auth.EnforceSubject)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the cleanup loop, drains in-flight requests bounded by the
// configured shutdown timeout, and releases the JWKS refresher.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cleanupCancel != nil {
		s.cleanupCancel()
		<-s.cleanupDone
	}

	var errs []error
	if s.http != nil {
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.validator != nil {
		s.validator.Close()
	}
	return errors.Join(errs...)
}

// Addr returns the bound listen address, or the configured address before
// Start has been called.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return s.cfg.Address()
}

// runCleanup sweeps sessions idle longer than MaxIdle on every tick.
func (s *Server) runCleanup(ctx context.Context) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cfg.Cleanup.Interval)
	defer ticker.Stop()

	slog.Info("Session cleanup loop started",
		"interval", s.cfg.Cleanup.Interval,
		"max_idle", s.cfg.Cleanup.MaxIdle,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.deps.Store.DeactivateIdleSessions(ctx, s.cfg.Cleanup.MaxIdle)
			if err != nil {
				slog.Warn("Session cleanup sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Deactivated idle sessions", "count", n)
			}
		}
	}
}

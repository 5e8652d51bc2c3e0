package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/connections"
	"github.com/concierge-dev/concierge/pkg/embedders"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/orchestrator"
	"github.com/concierge-dev/concierge/pkg/store"
	"github.com/concierge-dev/concierge/pkg/vector"
)

// loadConfig returns the configuration from --config, or builds one from
// the environment when no file is given. The loader is nil in env-only
// mode; callers that watch for changes must check for that.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build config from environment: %w", err)
		}
		slog.Info("Using environment configuration")
		return cfg, nil, nil
	}

	provider, err := config.NewFileProvider(path)
	if err != nil {
		return nil, nil, err
	}
	loader := config.NewLoader(provider)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, loader, nil
}

// app holds the wired collaborators behind one configuration.
type app struct {
	cfg *config.Config

	obs      *observability.Manager
	store    store.Store
	cache    cache.Cache
	models   *llms.Registry
	embedder embedders.Embedder
	vectors  vector.Provider
	broker   broker.Broker
	registry *connections.Registry
	catalog  *catalog.Service
	pipeline *orchestrator.Orchestrator
}

// buildApp wires the full pipeline from configuration. A store outage is
// fatal unless degraded mode is configured, in which case the turn data
// lives in process memory until the operator restores the database.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Observability != nil {
		a.obs = observability.NewManager(*cfg.Observability)
		if err := a.obs.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize observability: %w", err)
		}
	} else {
		a.obs = observability.NoopManager()
	}

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		if !cfg.Server.DegradedMode {
			a.Close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		slog.Warn("Store unavailable, running degraded on in-memory state", "error", err)
		a.store = store.NewMemory()
	} else {
		a.store = st
	}

	if cfg.Redis.Addr() != "" {
		redisCache, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.cache = redisCache
	} else {
		slog.Info("Redis not configured, using in-process cache")
		a.cache = cache.NewMemory()
	}

	a.models = llms.NewRegistry(cfg.LLMs)
	chatModel, err := a.models.Resolve(cfg.Models.Chat)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("chat model: %w", err)
	}
	analysisModel, err := a.models.Resolve(cfg.Models.Analysis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("analysis model: %w", err)
	}

	a.embedder, err = embedders.NewOpenAIEmbedder(&cfg.Embedder)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	a.vectors, err = vector.New(cfg.Vector)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}

	a.broker = broker.New(cfg.Broker)
	a.registry = connections.NewRegistry(a.store, a.broker, a.cache, cfg.Broker.RedirectURI)
	a.catalog = catalog.NewService(a.broker, a.embedder, a.vectors, a.cache)
	if err := a.catalog.EnsureReady(ctx); err != nil {
		// Tool search degrades to router-named tools only; not fatal.
		slog.Warn("Vector index not ready", "error", err)
	}

	analyzer := analysis.NewAnalyzer(analysis.AnalyzerConfig{
		Provider:    analysisModel,
		Cache:       a.cache,
		KnownApps:   catalog.Apps(),
		SoftTimeout: cfg.Orchestrator.AnalysisSoftTimeout,
		HardTimeout: cfg.Orchestrator.AnalysisTimeout,
	})

	a.pipeline, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Store:    a.store,
		Cache:    a.cache,
		Analyzer: analyzer,
		Chat:     chatModel,
		Routing:  analysisModel,
		Broker:   a.broker,
		Registry: a.registry,
		Catalog:  a.catalog,
	}, cfg.Server.DegradedMode)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Close releases every wired resource in reverse dependency order.
func (a *app) Close() {
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			slog.Warn("Failed to close vector store", "error", err)
		}
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			slog.Warn("Failed to close embedder", "error", err)
		}
	}
	if a.models != nil {
		if err := a.models.Close(); err != nil {
			slog.Warn("Failed to close model providers", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("Failed to close cache", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(context.Background()); err != nil {
			slog.Warn("Failed to shut down observability", "error", err)
		}
	}
}

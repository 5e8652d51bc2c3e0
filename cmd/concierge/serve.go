package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/concierge-dev/concierge/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		updates, err := loader.Watch(ctx)
		if err != nil {
			slog.Warn("Config watching unavailable", "error", err)
		} else {
			go func() {
				for range updates {
					// Collaborators are wired at startup; a live swap
					// would have to rebuild the whole pipeline.
					slog.Info("Configuration file changed; restart to apply")
				}
			}()
		}
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(cfg.Server, server.Deps{
		Pipeline:      a.pipeline,
		Connections:   a.registry,
		Catalog:       a.catalog,
		Store:         a.store,
		Cache:         a.cache,
		Observability: a.obs,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nconcierge server ready\n")
	fmt.Printf("   Chat:        POST http://%s/api/chat\n", cfg.Server.Address())
	fmt.Printf("   Connections: POST http://%s/api/connections/initiate\n", cfg.Server.Address())
	fmt.Printf("   Health:      http://%s/health\n", cfg.Server.Address())
	fmt.Printf("   Metrics:     http://%s/metrics\n", cfg.Server.Address())
	fmt.Printf("   Models:      chat=%s analysis=%s\n", cfg.Models.Chat, cfg.Models.Analysis)
	fmt.Printf("   Storage:     %s\n", cfg.Database.Dialect())
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

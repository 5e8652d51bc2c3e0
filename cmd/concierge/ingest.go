package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/embedders"
	"github.com/concierge-dev/concierge/pkg/vector"
)

// IngestCmd pulls tool descriptors from the broker and upserts them into
// the vector catalog. Only the broker, embedder, vector store and cache
// are wired; no LLM keys are needed.
type IngestCmd struct {
	App string `help:"App to ingest (e.g. GMAIL)." xor:"target"`
	All bool   `help:"Ingest every catalog app." xor:"target"`
}

func (c *IngestCmd) Run(cli *CLI) error {
	if c.App == "" && !c.All {
		return fmt.Errorf("either --app or --all is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	emb, err := embedders.NewOpenAIEmbedder(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer emb.Close()

	vectors, err := vector.New(cfg.Vector)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer vectors.Close()

	svc := catalog.NewService(broker.New(cfg.Broker), emb, vectors, cache.NewMemory())
	if err := svc.EnsureReady(ctx); err != nil {
		return fmt.Errorf("failed to prepare vector index: %w", err)
	}

	if c.All {
		n, err := svc.IngestAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %d tools across %d apps\n", n, len(catalog.Apps()))
		return nil
	}

	appName := strings.ToUpper(c.App)
	n, err := svc.Ingest(ctx, appName)
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d tools for %s\n", n, appName)
	return nil
}

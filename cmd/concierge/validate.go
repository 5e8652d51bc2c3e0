package main

import (
	"context"
	"fmt"
)

// ValidateCmd loads and validates a configuration file without starting
// anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}

	cfg, loader, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	fmt.Printf("Configuration is valid: %s\n", cli.Config)
	fmt.Printf("  server:   %s\n", cfg.Server.Address())
	fmt.Printf("  models:   chat=%s analysis=%s\n", cfg.Models.Chat, cfg.Models.Analysis)
	fmt.Printf("  database: %s\n", cfg.Database.Dialect())
	fmt.Printf("  vector:   %s\n", cfg.Vector.Provider)
	if cfg.Redis.Addr() != "" {
		fmt.Printf("  cache:    redis (%s)\n", cfg.Redis.Addr())
	} else {
		fmt.Printf("  cache:    in-process\n")
	}
	if cfg.Broker.BaseURL != "" {
		fmt.Printf("  broker:   %s\n", cfg.Broker.BaseURL)
	}
	return nil
}

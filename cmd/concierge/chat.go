package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/concierge-dev/concierge/pkg/orchestrator"
)

// ChatCmd drives the pipeline from the terminal, without the HTTP server.
// Turns go through the same five stages as /api/chat, so state persists
// to the configured store and a later `concierge serve` sees the session.
type ChatCmd struct {
	User    string `help:"User id for the session." default:"local"`
	Session string `help:"Resume an existing session id."`
	Email   string `help:"Email recorded on first contact."`
	Name    string `help:"Display name recorded on first contact."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("Chatting as %s. Commands: /new (fresh session), /quit\n\n", c.User)
	}

	sessionID := c.Session
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if interactive {
			fmt.Print("You: ")
		}
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				return nil
			case "/new":
				sessionID = ""
				fmt.Println("Started a fresh session")
				continue
			default:
				fmt.Printf("Unknown command: %s\n", input)
				continue
			}
		}

		resp, err := a.pipeline.ProcessTurn(ctx, &orchestrator.ChatRequest{
			UserQuery: input,
			UserID:    c.User,
			SessionID: sessionID,
			Email:     c.Email,
			Name:      c.Name,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("Error: %v\n\n", err)
			continue
		}
		if resp.SessionID != "" {
			sessionID = resp.SessionID
		}

		fmt.Printf("\nAssistant: %s\n", resp.Response)
		for _, tool := range resp.ExecutedTools {
			fmt.Printf("  [tool] %s\n", tool.Name)
		}
		if len(resp.RequiredConnections) > 0 {
			fmt.Printf("  (connect via POST /api/connections/initiate: %s)\n",
				strings.Join(resp.RequiredConnections, ", "))
		}
		if resp.Warning != "" {
			fmt.Printf("  (warning: %s)\n", resp.Warning)
		}
		fmt.Println()
	}
	return scanner.Err()
}

// Command concierge runs the conversational app-tool orchestration
// backend.
//
// Usage:
//
//	concierge serve --config config.yaml
//	concierge chat --user u1
//	concierge ingest --app GMAIL
//	concierge validate --config config.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Chat     ChatCmd     `cmd:"" help:"Chat with the pipeline from the terminal."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest broker tool descriptors into the vector catalog."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON Schema."`

	Config    string `short:"c" help:"Path to config file (omit for env-only configuration)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"LOG_LEVEL" default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)." env:"LOG_FILE"`
	LogFormat string `help:"Log format (simple, verbose, json)." env:"LOG_FORMAT" default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("concierge %s\n", version)
	return nil
}

// initLogger installs the process logger from CLI flags. Kong has already
// merged the LOG_* environment variables into the flag values.
func initLogger(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("concierge"),
		kong.Description("Concierge - conversational app-tool orchestration backend"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

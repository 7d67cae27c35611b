// Package cmd provides CLI commands for the obc binary.
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/cli/config"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitConfigError = 2
	exitLinkError   = 3
)

var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// ConfigFlag points at obc.yaml. Without it the built-in defaults apply.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to obc.yaml",
		EnvVars: []string{"OBC_CONFIG"},
	}
)

// ReadOnlyFlags returns the shared flags for commands that only report.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag}
}

// loadConfig resolves --config, mapping failures to the config exit code.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Resolve(c.String(ConfigFlag.Name))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
	}
	return cfg, nil
}

// storageFlags override the storage section for commands touching the queue.
func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "outbox-dir", Usage: "Outbox directory (overrides storage.outbox)"},
		&cli.StringFlag{Name: "sent-dir", Usage: "Sent directory (overrides storage.sent)"},
		&cli.StringFlag{Name: "state-file", Usage: "Counters file (overrides storage.state)"},
	}
}

func applyStorageFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("outbox-dir") {
		cfg.Storage.Outbox = c.String("outbox-dir")
	}
	if c.IsSet("sent-dir") {
		cfg.Storage.Sent = c.String("sent-dir")
	}
	if c.IsSet("state-file") {
		cfg.Storage.State = c.String("state-file")
	}
}

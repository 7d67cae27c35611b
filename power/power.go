// Package power performs host power actions: shutting the computer down and
// switching peripheral supplies.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/satlla/obc/executor"
	"github.com/satlla/obc/log"
)

// DefaultShutdown is the command run on POWER_OFF.
var DefaultShutdown = []string{"sudo", "shutdown", "now"}

const commandTimeout = 15 * time.Second

// Platform runs the configured shutdown command.
type Platform struct {
	runner   executor.Runner
	shutdown []string
	logger   *log.Logger
}

// NewPlatform returns a platform. An empty command means DefaultShutdown.
func NewPlatform(runner executor.Runner, shutdown []string, logger *log.Logger) *Platform {
	if len(shutdown) == 0 {
		shutdown = DefaultShutdown
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Platform{runner: runner, shutdown: shutdown, logger: logger}
}

// Shutdown powers the host off.
func (p *Platform) Shutdown(ctx context.Context) error {
	return run(ctx, p.runner, p.shutdown, p.logger)
}

// Switch toggles one supply rail through a pair of commands, for example a
// GPIO utility driving a FET. A Switch with no commands does nothing.
type Switch struct {
	Name   string
	runner executor.Runner
	on     []string
	off    []string
	logger *log.Logger
}

// NewSwitch returns a switch.
func NewSwitch(name string, runner executor.Runner, on, off []string, logger *log.Logger) *Switch {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Switch{Name: name, runner: runner, on: on, off: off, logger: logger}
}

// On energizes the rail.
func (s *Switch) On(ctx context.Context) error {
	if s == nil || len(s.on) == 0 {
		return nil
	}
	if err := run(ctx, s.runner, s.on, s.logger); err != nil {
		return fmt.Errorf("%s on: %w", s.Name, err)
	}
	return nil
}

// Off de-energizes the rail.
func (s *Switch) Off(ctx context.Context) error {
	if s == nil || len(s.off) == 0 {
		return nil
	}
	if err := run(ctx, s.runner, s.off, s.logger); err != nil {
		return fmt.Errorf("%s off: %w", s.Name, err)
	}
	return nil
}

func run(ctx context.Context, runner executor.Runner, argv []string, logger *log.Logger) error {
	cmd := executor.Command{Path: argv[0], Args: argv[1:], Timeout: commandTimeout}
	logger.Info("running power command", map[string]any{"command": cmd.String()})
	_, err := executor.RunChecked(ctx, runner, cmd)
	return err
}

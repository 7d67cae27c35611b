package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/cli/config"
	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/link"
	"github.com/satlla/obc/metrics"
)

// RunCommand returns the run command, the flight daemon.
func RunCommand() *cli.Command {
	flags := []cli.Flag{
		ConfigFlag,
		&cli.StringFlag{
			Name:  "device",
			Usage: "Serial device of the command link (overrides serial.device)",
		},
		&cli.IntFlag{
			Name:  "baud",
			Usage: "Line rate of the command link (overrides serial.baud)",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "Serve Prometheus metrics on this address, e.g. :9100 (overrides metrics.listen)",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "Also write logs to this rotated file (overrides log.file)",
		},
	}
	return &cli.Command{
		Name:  "run",
		Usage: "Open the command link and serve flight controller commands",
		Description: `Boots the on-board computer: records the boot, creates the outbox and
sent directories, opens the serial link (retrying until it appears) and
serves command frames until SIGINT, SIGTERM or POWER_OFF.

Exit codes:
  0  stopped by signal or POWER_OFF
  1  boot failed
  2  invalid configuration
  3  command link lost or never opened`,
		Flags:  append(flags, storageFlags()...),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyRunFlags(c, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := newSystem(ctx, cfg, systemOptions{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("boot failed: %v", err), exitFailure)
	}
	defer sys.close()

	if cfg.Metrics.Listen != "" {
		if err := serveMetrics(ctx, sys); err != nil {
			return cli.Exit(fmt.Sprintf("metrics: %v", err), exitFailure)
		}
	}

	l, err := link.Dial(ctx, cfg.Serial.LinkConfig(), cfg.Serial.MaxBackoff.Duration,
		sys.logger.With(map[string]any{"component": "link"}), sys.metrics)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			sys.logger.Info("stopped before the link opened", nil)
			return nil
		}
		return cli.Exit(fmt.Sprintf("open link: %v", err), exitLinkError)
	}
	defer iox.DiscardClose(l)

	d, err := sys.newDispatcher(l)
	if err != nil {
		return cli.Exit(fmt.Sprintf("boot failed: %v", err), exitFailure)
	}
	d.Ready()
	sys.logger.Info("ready", map[string]any{
		"device":     cfg.Serial.Device,
		"baud":       cfg.Serial.Baud,
		"boot_count": sys.bootCount,
	})

	// Run returns nil once POWER_OFF has closed the link.
	err = l.Run(ctx, d.Dispatch)
	switch {
	case err == nil:
		sys.logger.Info("link closed, stopping", nil)
		return nil
	case errors.Is(err, context.Canceled):
		sys.logger.Info("signal received, stopping", nil)
		return nil
	default:
		sys.logger.Error("link lost", map[string]any{"error": err.Error()})
		return cli.Exit(fmt.Sprintf("link lost: %v", err), exitLinkError)
	}
}

func applyRunFlags(c *cli.Context, cfg *config.Config) {
	applyStorageFlags(c, cfg)
	if c.IsSet("device") {
		cfg.Serial.Device = c.String("device")
	}
	if c.IsSet("baud") {
		cfg.Serial.Baud = c.Int("baud")
	}
	if c.IsSet("metrics-listen") {
		cfg.Metrics.Listen = c.String("metrics-listen")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}
}

// serveMetrics registers the collector and serves it in the background
// until ctx is cancelled.
func serveMetrics(ctx context.Context, sys *system) error {
	gatherer, err := metrics.Register(prometheus.NewRegistry(), metrics.NewExporter(sys.metrics))
	if err != nil {
		return err
	}
	addr := sys.cfg.Metrics.Listen
	go func() {
		if err := metrics.Serve(ctx, addr, gatherer); err != nil {
			sys.logger.Error("metrics endpoint stopped", map[string]any{"addr": addr, "error": err.Error()})
		}
	}()
	sys.logger.Info("metrics endpoint listening", map[string]any{"addr": addr})
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/satlla/obc/adapter"
	"github.com/satlla/obc/adapter/redis"
	"github.com/satlla/obc/adapter/webhook"
	"github.com/satlla/obc/adsb"
	"github.com/satlla/obc/archive"
	"github.com/satlla/obc/camera"
	"github.com/satlla/obc/cli/config"
	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/executor"
	"github.com/satlla/obc/log"
	"github.com/satlla/obc/metrics"
	"github.com/satlla/obc/mission"
	"github.com/satlla/obc/power"
	"github.com/satlla/obc/queue"
	"github.com/satlla/obc/state"
	"github.com/satlla/obc/types"
)

// system is the flight software wired from a resolved config, minus the
// command link.
type system struct {
	cfg       *config.Config
	bootID    string
	bootCount uint32

	logger   *log.Logger
	metrics  *metrics.Collector
	queue    *queue.Queue
	state    *state.Store
	runner   executor.Runner
	handlers dispatch.Registry
	platform dispatch.Platform

	notifier *adapter.Notifier
	archive  *archive.Archive
}

// systemOptions adjust newSystem for one-shot commands.
type systemOptions struct {
	// quiet discards log output.
	quiet bool
	// noPlatform leaves POWER_OFF without a shutdown command.
	noPlatform bool
	// runner replaces the process runner.
	runner executor.Runner
}

// newSystem runs the boot sequence up to, but not including, opening the
// link: counters and boot record, logger, queue directories, handlers and
// the optional notification adapter and archive.
func newSystem(ctx context.Context, cfg *config.Config, opts systemOptions) (*system, error) {
	st, err := state.Open(cfg.Storage.State)
	if err != nil {
		return nil, err
	}
	bootCount, err := st.RecordBoot()
	if err != nil {
		return nil, fmt.Errorf("record boot: %w", err)
	}

	boot := log.BootContext{BootID: uuid.NewString(), BootCount: bootCount}
	logger := log.NewNop()
	if !opts.quiet {
		logger = log.NewFileLogger(boot, log.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}

	q := queue.New(cfg.Storage.Outbox, cfg.Storage.Sent, logger.With(map[string]any{"component": "queue"}))
	if err := q.EnsureDirs(); err != nil {
		return nil, err
	}

	s := &system{
		cfg:       cfg,
		bootID:    boot.BootID,
		bootCount: bootCount,
		logger:    logger,
		metrics:   metrics.NewCollector(cfg.Metrics.Device, boot.BootID),
		queue:     q,
		state:     st,
		runner:    opts.runner,
	}
	if s.runner == nil {
		s.runner = executor.NewExecRunner()
	}
	if !opts.noPlatform {
		s.platform = power.NewPlatform(s.runner, cfg.Power.Shutdown, logger.With(map[string]any{"component": "power"}))
	}

	portCfg := cfg.ADSB.PortConfig()
	s.handlers = mission.Handlers(mission.Deps{
		Camera:       camera.NewRaspistill(cfg.Camera.Binary, s.runner, cfg.Camera.Timeout.Duration, logger.With(map[string]any{"component": "camera"})),
		Pictures:     st,
		Library:      q,
		Runner:       s.runner,
		Compress:     cfg.Compress.PyramidOptions(),
		GrayPyramid:  cfg.Compress.Gray,
		Upload:       cfg.Upload.MissionUpload(),
		ADSBPower:    power.NewSwitch("adsb", s.runner, cfg.Power.ADSBOn, cfg.Power.ADSBOff, logger),
		OpenReceiver: func() (io.ReadCloser, error) { return adsb.OpenPort(portCfg) },
	})

	if s.notifier, err = newNotifier(cfg.Adapter, s.bootID, logger, s.metrics); err != nil {
		return nil, err
	}
	if s.archive, err = newArchive(ctx, cfg.Archive, s.bootID, logger, s.metrics); err != nil {
		s.close()
		return nil, err
	}

	logger.Info("boot", map[string]any{
		"version":  types.Version,
		"state":    st.Path(),
		"outbox":   q.Outbox(),
		"sent":     q.Sent(),
		"adapter":  cfg.Adapter.Type,
		"archive":  cfg.Archive.Backend,
		"handlers": len(s.handlers),
	})
	return s, nil
}

// newDispatcher builds a dispatcher replying over t. It starts BUSY.
func (s *system) newDispatcher(t dispatch.Transport) (*dispatch.Dispatcher, error) {
	cfg := dispatch.Config{
		Transport: t,
		Queue:     s.queue,
		IDs:       s.state,
		Platform:  s.platform,
		Handlers:  s.handlers,
		Logger:    s.logger.With(map[string]any{"component": "dispatch"}),
		Metrics:   s.metrics,
	}
	// Typed nils must not reach the interface fields.
	if s.notifier != nil {
		cfg.Missions = s.notifier
	}
	if s.archive != nil {
		cfg.Deliveries = s.archive
	}
	return dispatch.New(cfg)
}

// close drains pending notifications and flushes the logger.
func (s *system) close() {
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.logger.Warn("adapter close failed", map[string]any{"error": err.Error()})
		}
	}
	_ = s.logger.Sync()
}

func newNotifier(cfg config.AdapterConfig, bootID string, logger *log.Logger, m *metrics.Collector) (*adapter.Notifier, error) {
	var (
		a   adapter.Adapter
		err error
	)
	switch cfg.Type {
	case "":
		return nil, nil
	case config.AdapterRedis:
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err = redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case config.AdapterWebhook:
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err = webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	return adapter.NewNotifier(a, bootID, logger.With(map[string]any{"component": "adapter", "adapter": cfg.Type}), m), nil
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig, bootID string, logger *log.Logger, m *metrics.Collector) (*archive.Archive, error) {
	if cfg.Backend == "" {
		return nil, nil
	}
	opts := []archive.Option{
		archive.WithBootID(bootID),
		archive.WithLogger(logger.With(map[string]any{"component": "archive"})),
		archive.WithMetrics(m),
	}
	if cfg.Timeout.Duration > 0 {
		opts = append(opts, archive.WithTimeout(cfg.Timeout.Duration))
	}

	factory, err := archiveFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := archive.New(factory, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return a, nil
}

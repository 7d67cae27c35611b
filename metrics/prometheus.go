package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "obc"

// Exporter adapts a Collector to prometheus.Collector. Values are read from
// a fresh Snapshot on every scrape, so the hot path never touches
// Prometheus types.
type Exporter struct {
	source *Collector

	framesReceived    *prometheus.Desc
	frameDecodeErrors *prometheus.Desc
	sendFailures      *prometheus.Desc
	commands          *prometheus.Desc
	missions          *prometheus.Desc
	handlerPanics     *prometheus.Desc
	delivered         *prometheus.Desc
	deliveredBytes    *prometheus.Desc
	refused           *prometheus.Desc
	purgeErrors       *prometheus.Desc
	archiveWrites     *prometheus.Desc
	notifyFailures    *prometheus.Desc
}

// NewExporter builds descriptors labelled with the collector's dimensions.
func NewExporter(source *Collector) *Exporter {
	snap := source.Snapshot()
	constLabels := prometheus.Labels{"device": snap.Device, "boot_id": snap.BootID}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Exporter{
		source:            source,
		framesReceived:    desc("frames_received_total", "Complete command frames read from the link."),
		frameDecodeErrors: desc("frame_decode_errors_total", "Partial or oversized frames dropped by the link."),
		sendFailures:      desc("send_failures_total", "Reply frames that could not be written."),
		commands:          desc("commands_total", "Dispatched commands by opcode.", "opcode"),
		missions:          desc("missions_total", "Mission handler runs by outcome.", "outcome"),
		handlerPanics:     desc("handler_panics_total", "Recovered mission handler panics."),
		delivered:         desc("artifacts_delivered_total", "Artifacts returned by GET_DATA."),
		deliveredBytes:    desc("artifact_bytes_delivered_total", "Payload bytes returned by GET_DATA."),
		refused:           desc("artifacts_refused_total", "Artifacts too large for one reply frame."),
		purgeErrors:       desc("purge_errors_total", "Per-item failures during queue purges."),
		archiveWrites:     desc("archive_writes_total", "Archive mirror writes by result.", "result"),
		notifyFailures:    desc("notify_failures_total", "Mission events that could not be published."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.framesReceived
	ch <- e.frameDecodeErrors
	ch <- e.sendFailures
	ch <- e.commands
	ch <- e.missions
	ch <- e.handlerPanics
	ch <- e.delivered
	ch <- e.deliveredBytes
	ch <- e.refused
	ch <- e.purgeErrors
	ch <- e.archiveWrites
	ch <- e.notifyFailures
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.source.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(e.framesReceived, s.FramesReceived)
	counter(e.frameDecodeErrors, s.FrameDecodeErrors)
	counter(e.sendFailures, s.SendFailures)
	for opcode, n := range s.CommandsByOpcode {
		counter(e.commands, n, opcode)
	}
	counter(e.missions, s.MissionsStarted, "started")
	counter(e.missions, s.MissionsCompleted, "completed")
	counter(e.missions, s.MissionsFailed, "failed")
	counter(e.handlerPanics, s.HandlerPanics)
	counter(e.delivered, s.ArtifactsDelivered)
	counter(e.deliveredBytes, s.BytesDelivered)
	counter(e.refused, s.ArtifactsRefused)
	counter(e.purgeErrors, s.PurgeErrors)
	counter(e.archiveWrites, s.ArchiveWriteSuccess, "success")
	counter(e.archiveWrites, s.ArchiveWriteFailure, "failure")
	counter(e.notifyFailures, s.NotifyFailures)
}

// Register registers the exporter against reg, defaulting to the global
// Prometheus registry when nil. Returns the gatherer to serve from.
func Register(reg prometheus.Registerer, e *Exporter) (prometheus.Gatherer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	if err := reg.Register(e); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return gatherer, nil
		}
		return nil, fmt.Errorf("register metrics exporter: %w", err)
	}
	return gatherer, nil
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

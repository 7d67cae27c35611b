// Package adapter publishes mission completion notifications to ground
// test infrastructure (flatsat and hardware-in-the-loop rigs).
//
// The dispatcher reports every finished mission to a Notifier, which hands
// the event to an Adapter off the command path. Publishing failures are
// logged and counted; they never reach the state machine.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/log"
	"github.com/satlla/obc/metrics"
)

// EventType is the event_type of every MissionCompletedEvent.
const EventType = "mission_completed"

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// MissionCompletedEvent is the payload published when a mission finishes.
type MissionCompletedEvent struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"` // always "mission_completed"
	MissionID     uint32 `json:"mission_id"`
	Opcode        uint8  `json:"opcode"`
	Command       string `json:"command"`
	Handler       string `json:"handler"`
	Outcome       string `json:"outcome"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Message       string `json:"message,omitempty"`
	ArtifactCount int    `json:"artifact_count"`
	BootID        string `json:"boot_id"`
	Timestamp     string `json:"timestamp"` // RFC 3339, mission start
	DurationMs    int64  `json:"duration_ms"`
}

// NewEvent builds the event for a mission report.
func NewEvent(r dispatch.MissionReport, bootID string) *MissionCompletedEvent {
	ev := &MissionCompletedEvent{
		EventID:       uuid.NewString(),
		EventType:     EventType,
		MissionID:     r.ID,
		Opcode:        uint8(r.Opcode),
		Command:       r.Opcode.String(),
		Handler:       r.Handler,
		Outcome:       OutcomeSuccess,
		ArtifactCount: r.Artifacts,
		BootID:        bootID,
		Timestamp:     r.Started.UTC().Format(time.RFC3339Nano),
		DurationMs:    r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		ev.Outcome = OutcomeFailed
		ev.ErrorKind = dispatch.KindOf(r.Err).String()
		ev.Message = r.Err.Error()
	}
	return ev
}

// Adapter publishes mission completion events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation.
	Publish(ctx context.Context, event *MissionCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// BaseBackoff is the delay before the first retry; it doubles per attempt.
const BaseBackoff = 500 * time.Millisecond

// Retry calls fn once plus up to retries more times, sleeping with
// exponential backoff between attempts. It stops on success, on context
// cancellation, or when fn returns an error wrapping ErrPermanent.
func Retry(ctx context.Context, retries int, fn func(ctx context.Context) error) error {
	attempts := 1 + retries
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(time.Duration(1<<uint(i-1)) * BaseBackoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// DefaultBacklog bounds the events waiting to be published.
const DefaultBacklog = 16

// Notifier forwards finished missions to an Adapter on its own goroutine
// so a slow or unreachable broker never holds the dispatcher BUSY.
type Notifier struct {
	adapter Adapter
	bootID  string
	logger  *log.Logger
	metrics *metrics.Collector

	events chan *MissionCompletedEvent
	done   chan struct{}
	once   sync.Once
}

// NewNotifier starts a notifier publishing through a. Call Close to drain
// pending events and release the adapter.
func NewNotifier(a Adapter, bootID string, logger *log.Logger, m *metrics.Collector) *Notifier {
	if logger == nil {
		logger = log.NewNop()
	}
	n := &Notifier{
		adapter: a,
		bootID:  bootID,
		logger:  logger,
		metrics: m,
		events:  make(chan *MissionCompletedEvent, DefaultBacklog),
		done:    make(chan struct{}),
	}
	go n.loop()
	return n
}

// MissionFinished implements dispatch.MissionObserver. Events arriving while
// the backlog is full are dropped.
func (n *Notifier) MissionFinished(_ context.Context, r dispatch.MissionReport) {
	ev := NewEvent(r, n.bootID)
	select {
	case n.events <- ev:
	default:
		n.metrics.IncNotifyFailure()
		n.logger.Warn("notification backlog full, event dropped", map[string]any{
			"mission_id": r.ID,
			"event_id":   ev.EventID,
		})
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for ev := range n.events {
		// Publishing outlives the command that triggered it.
		if err := n.adapter.Publish(context.Background(), ev); err != nil {
			n.metrics.IncNotifyFailure()
			n.logger.Warn("mission notification failed", map[string]any{
				"mission_id": ev.MissionID,
				"event_id":   ev.EventID,
				"error":      err.Error(),
			})
			continue
		}
		n.logger.Debug("mission notification published", map[string]any{
			"mission_id": ev.MissionID,
			"event_id":   ev.EventID,
		})
	}
}

// Close publishes what is queued, then closes the adapter.
func (n *Notifier) Close() error {
	n.once.Do(func() { close(n.events) })
	<-n.done
	return n.adapter.Close()
}

var _ dispatch.MissionObserver = (*Notifier)(nil)

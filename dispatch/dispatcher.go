// Package dispatch routes command frames to their handlers and owns the
// BUSY/READY state machine.
//
// Every frame is processed to completion on the dispatcher goroutine before
// the next one is read. Query commands reply with data, everything else is
// acknowledged first and then executed. Mission handlers run synchronously
// with the state held at BUSY; on return, error, or panic the state goes
// back to READY. Failures are logged, never reported over the link.
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/satlla/obc/log"
	"github.com/satlla/obc/metrics"
	"github.com/satlla/obc/queue"
	"github.com/satlla/obc/types"
)

// Transport carries replies back to the flight controller.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Outbox is the mission queue as seen by the dispatcher.
type Outbox interface {
	DequeueNext() (*queue.Item, error)
	CreateMission(id uint32) (string, error)
	Purge(root string) (queue.PurgeResult, error)
	Outbox() string
	Sent() string
}

// IDAllocator hands out durable, never-reused mission ids.
type IDAllocator interface {
	NextMission() (uint32, error)
}

// Platform performs host-level actions.
type Platform interface {
	Shutdown(ctx context.Context) error
}

// Config wires a Dispatcher.
type Config struct {
	Transport Transport
	Queue     Outbox
	IDs       IDAllocator
	Platform  Platform
	Handlers  Registry
	Logger    *log.Logger
	Metrics   *metrics.Collector

	// Optional observers.
	Missions   MissionObserver
	Deliveries DeliveryObserver
}

// Dispatcher decodes and executes command frames.
type Dispatcher struct {
	transport  Transport
	queue      Outbox
	ids        IDAllocator
	platform   Platform
	handlers   Registry
	logger     *log.Logger
	metrics    *metrics.Collector
	missions   MissionObserver
	deliveries DeliveryObserver

	state  atomic.Uint32
	active *activeMission
}

// New validates cfg and returns a dispatcher in the BUSY state. Call
// Ready once setup is complete.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Transport == nil {
		return nil, errors.New("dispatch: transport is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("dispatch: queue is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("dispatch: id allocator is required")
	}
	for op := range cfg.Handlers {
		if !op.IsMission() {
			return nil, fmt.Errorf("dispatch: %s is not a mission opcode", op)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	d := &Dispatcher{
		transport:  cfg.Transport,
		queue:      cfg.Queue,
		ids:        cfg.IDs,
		platform:   cfg.Platform,
		handlers:   cfg.Handlers,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		missions:   cfg.Missions,
		deliveries: cfg.Deliveries,
	}
	d.setState(types.StateBusy)
	return d, nil
}

// Ready marks setup complete.
func (d *Dispatcher) Ready() {
	d.setState(types.StateReady)
}

// State returns the current state byte.
func (d *Dispatcher) State() types.State {
	return types.State(d.state.Load())
}

func (d *Dispatcher) setState(s types.State) {
	d.state.Store(uint32(s))
}

// Dispatch processes one frame. It is the single recovery point for
// handler failures: nothing escapes, and the dispatcher is READY again
// when it returns.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) {
	if len(frame) == 0 {
		d.logger.Debug("empty frame ignored", nil)
		return
	}
	op := types.Opcode(frame[0])
	args := frame[1:]

	defer func() {
		if r := recover(); r != nil {
			d.recoverPanic(ctx, op, r, debug.Stack())
		}
	}()

	d.metrics.IncCommand(op.String())

	switch op {
	case types.OpGetState:
		d.send(op, []byte{byte(d.State())})
	case types.OpGetData:
		d.getData(ctx)
	case types.OpPowerOn:
		d.ack(op)
	case types.OpPowerOff:
		d.powerOff(ctx)
	case types.OpDropOutbox:
		d.ack(op)
		d.dropOutbox(args)
	default:
		h, ok := d.handlers[op]
		if !ok {
			d.logger.Info("unhandled opcode acknowledged", map[string]any{"opcode": byte(op)})
			d.ack(op)
			return
		}
		d.runMission(ctx, op, args, h)
	}
}

func (d *Dispatcher) send(op types.Opcode, data []byte) {
	if err := d.transport.Send(data); err != nil {
		d.logger.Warn("reply not sent", map[string]any{"command": op.String(), "error": err.Error()})
	}
}

func (d *Dispatcher) ack(op types.Opcode) {
	d.send(op, []byte{types.ReplyACK})
}

func (d *Dispatcher) getData(ctx context.Context) {
	item, err := d.queue.DequeueNext()
	if errors.Is(err, queue.ErrEmpty) {
		d.send(types.OpGetData, []byte{types.ReplyNoData})
		return
	}
	if err != nil {
		d.logger.Error("dequeue failed", map[string]any{"error": err.Error()})
		d.send(types.OpGetData, []byte{types.ReplyNoData})
		return
	}

	reply := make([]byte, types.DataHeaderSize, types.DataHeaderSize+len(item.Payload))
	binary.LittleEndian.PutUint16(reply[0:2], uint16(item.MissionID))
	reply[2] = byte(item.Type)
	reply = append(reply, item.Payload...)

	if len(reply) >= types.MaxDataFrame {
		d.metrics.IncRefused()
		d.logger.Error("artifact too large for downlink, moved to sent undelivered", map[string]any{
			"path":       item.Path,
			"mission_id": item.MissionID,
			"bytes":      len(reply),
			"limit":      types.MaxDataFrame,
		})
		d.send(types.OpGetData, []byte{types.ReplyNoData})
		return
	}

	d.send(types.OpGetData, reply)
	d.metrics.AddDelivered(len(item.Payload))
	d.logger.Info("artifact delivered", map[string]any{
		"mission_id": item.MissionID,
		"name":       item.Name,
		"type":       byte(item.Type),
		"bytes":      len(item.Payload),
	})
	if d.deliveries != nil {
		d.deliveries.Delivered(ctx, item)
	}
}

func (d *Dispatcher) powerOff(ctx context.Context) {
	d.ack(types.OpPowerOff)
	if err := d.transport.Close(); err != nil {
		d.logger.Warn("link close failed", map[string]any{"error": err.Error()})
	}
	if d.platform == nil {
		d.logger.Warn("power off requested but no platform configured", nil)
		return
	}
	d.logger.Info("shutting down", nil)
	if err := d.platform.Shutdown(ctx); err != nil {
		d.logger.Error("shutdown failed", map[string]any{"error": err.Error()})
	}
}

func (d *Dispatcher) dropOutbox(args []byte) {
	roots := []string{d.queue.Outbox()}
	if len(args) > 0 && args[0] == 1 {
		roots = append(roots, d.queue.Sent())
	}
	for _, root := range roots {
		res, err := d.queue.Purge(root)
		d.metrics.AddPurgeErrors(res.Failed)
		fields := map[string]any{"root": root, "removed": res.Removed, "failed": res.Failed}
		if err != nil {
			fields["error"] = err.Error()
			d.logger.Warn("purge incomplete", fields)
			continue
		}
		d.logger.Info("purged", fields)
	}
}

func (d *Dispatcher) runMission(ctx context.Context, op types.Opcode, args []byte, h Handler) {
	d.ack(op)
	d.setState(types.StateBusy)
	defer d.setState(types.StateReady)

	d.metrics.IncMissionStarted()
	report := MissionReport{Opcode: op, Handler: h.Name(), Started: time.Now()}

	id, err := d.ids.NextMission()
	if err != nil {
		report.Err = Fail(KindIO, "allocate mission id", err)
		d.finish(ctx, report, "")
		return
	}
	report.ID = id
	dir, err := d.queue.CreateMission(id)
	if err != nil {
		report.Err = Fail(KindIO, "create mission dir", err)
		d.finish(ctx, report, "")
		return
	}

	m := &MissionContext{
		ID:     id,
		Dir:    dir,
		Opcode: op,
		Args:   args,
		Logger: d.logger.With(map[string]any{"mission_id": id, "command": op.String()}),
	}
	d.active = &activeMission{mission: m, report: report}

	m.Logger.Info("mission started", map[string]any{"handler": h.Name(), "args": len(args)})
	report.Err = h.Handle(ctx, m)

	d.active = nil
	d.finish(ctx, report, dir)
}

// activeMission is the mission whose handler is running, kept so the
// recovery point can attribute a panic.
type activeMission struct {
	mission *MissionContext
	report  MissionReport
}

func (d *Dispatcher) finish(ctx context.Context, r MissionReport, dir string) {
	r.Duration = time.Since(r.Started)
	if dir != "" {
		r.Artifacts = countFiles(dir)
	}

	fields := map[string]any{
		"mission_id":  r.ID,
		"command":     r.Opcode.String(),
		"handler":     r.Handler,
		"duration_ms": r.Duration.Milliseconds(),
		"artifacts":   r.Artifacts,
	}
	if r.Err != nil {
		d.metrics.IncMissionFailed()
		fields["error"] = r.Err.Error()
		fields["error_kind"] = KindOf(r.Err).String()
		d.logger.Error("mission failed", fields)
	} else {
		d.metrics.IncMissionCompleted()
		d.logger.Info("mission completed", fields)
	}

	if d.missions != nil {
		d.missions.MissionFinished(ctx, r)
	}
}

func (d *Dispatcher) recoverPanic(ctx context.Context, op types.Opcode, r any, stack []byte) {
	d.setState(types.StateReady)
	d.metrics.IncHandlerPanic()

	active := d.active
	d.active = nil
	if active == nil {
		d.logger.Error("command panicked", map[string]any{
			"command": op.String(),
			"panic":   fmt.Sprint(r),
			"stack":   string(stack),
		})
		return
	}

	d.logger.Error("mission handler panicked", map[string]any{
		"mission_id": active.mission.ID,
		"command":    op.String(),
		"handler":    active.report.Handler,
		"panic":      fmt.Sprint(r),
		"stack":      string(stack),
	})
	report := active.report
	report.Err = &HandlerError{Kind: KindPanic, Err: fmt.Errorf("%v", r)}
	d.finish(ctx, report, active.mission.Dir)
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			n++
		}
	}
	return n
}

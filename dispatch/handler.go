package dispatch

import (
	"context"
	"time"

	"github.com/satlla/obc/log"
	"github.com/satlla/obc/queue"
	"github.com/satlla/obc/types"
)

// MissionContext is what a handler gets for one mission: its id, its
// outbox directory, and the command arguments (the frame minus opcode).
type MissionContext struct {
	ID     uint32
	Dir    string
	Opcode types.Opcode
	Args   []byte
	Logger *log.Logger
}

// Arg returns argument i, or def if the frame was too short.
func (m *MissionContext) Arg(i int, def byte) byte {
	if i < len(m.Args) {
		return m.Args[i]
	}
	return def
}

// Handler runs one mission synchronously.
type Handler interface {
	Name() string
	Handle(ctx context.Context, m *MissionContext) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, m *MissionContext) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, m *MissionContext) error { return h.fn(ctx, m) }

// HandlerFunc adapts a function to Handler.
func HandlerFunc(name string, fn func(ctx context.Context, m *MissionContext) error) Handler {
	return funcHandler{name: name, fn: fn}
}

// Registry maps mission opcodes to handlers. It is built once at startup.
type Registry map[types.Opcode]Handler

// MissionReport describes a finished mission.
type MissionReport struct {
	ID        uint32
	Opcode    types.Opcode
	Handler   string
	Started   time.Time
	Duration  time.Duration
	Artifacts int
	Err       error
}

// MissionObserver is told about every finished mission, successful or not.
type MissionObserver interface {
	MissionFinished(ctx context.Context, report MissionReport)
}

// DeliveryObserver is told about every artifact handed to the downlink.
type DeliveryObserver interface {
	Delivered(ctx context.Context, item *queue.Item)
}

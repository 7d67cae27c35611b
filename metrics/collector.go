// Package metrics provides flight computer counters.
//
// The Collector accumulates counters for the lifetime of one boot. It is a
// leaf package with no internal dependencies; opcodes are recorded by name
// so the types package stays out of the import graph.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Link
	FramesReceived    int64
	FrameDecodeErrors int64
	SendFailures      int64

	// Dispatch
	CommandsByOpcode  map[string]int64
	MissionsStarted   int64
	MissionsCompleted int64
	MissionsFailed    int64
	HandlerPanics     int64

	// Queue
	ArtifactsDelivered int64
	BytesDelivered     int64
	ArtifactsRefused   int64
	PurgeErrors        int64

	// Downstream (archive + notifications)
	ArchiveWriteSuccess int64
	ArchiveWriteFailure int64
	NotifyFailures      int64

	// Dimensions (informational, set at construction)
	Device string
	BootID string
}

// Collector accumulates counters during a boot.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	framesReceived    int64
	frameDecodeErrors int64
	sendFailures      int64

	commandsByOpcode  map[string]int64
	missionsStarted   int64
	missionsCompleted int64
	missionsFailed    int64
	handlerPanics     int64

	artifactsDelivered int64
	bytesDelivered     int64
	artifactsRefused   int64
	purgeErrors        int64

	archiveWriteSuccess int64
	archiveWriteFailure int64
	notifyFailures      int64

	device string
	bootID string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(device, bootID string) *Collector {
	return &Collector{
		commandsByOpcode: make(map[string]int64),
		device:           device,
		bootID:           bootID,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Link ---

// IncFrameReceived records a complete frame handed to the dispatcher.
func (c *Collector) IncFrameReceived() {
	if c == nil {
		return
	}
	c.add(&c.framesReceived, 1)
}

// IncFrameDecodeError records a dropped partial or oversized frame.
func (c *Collector) IncFrameDecodeError() {
	if c == nil {
		return
	}
	c.add(&c.frameDecodeErrors, 1)
}

// IncSendFailure records a reply that could not be written to the link.
func (c *Collector) IncSendFailure() {
	if c == nil {
		return
	}
	c.add(&c.sendFailures, 1)
}

// --- Dispatch ---

// IncCommand records one dispatched command by opcode name.
func (c *Collector) IncCommand(opcode string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.commandsByOpcode[opcode]++
	c.mu.Unlock()
}

// IncMissionStarted records a mission handler start.
func (c *Collector) IncMissionStarted() {
	if c == nil {
		return
	}
	c.add(&c.missionsStarted, 1)
}

// IncMissionCompleted records a mission handler that returned cleanly.
func (c *Collector) IncMissionCompleted() {
	if c == nil {
		return
	}
	c.add(&c.missionsCompleted, 1)
}

// IncMissionFailed records a mission handler that returned an error or
// panicked.
func (c *Collector) IncMissionFailed() {
	if c == nil {
		return
	}
	c.add(&c.missionsFailed, 1)
}

// IncHandlerPanic records a recovered handler panic.
func (c *Collector) IncHandlerPanic() {
	if c == nil {
		return
	}
	c.add(&c.handlerPanics, 1)
}

// --- Queue ---

// AddDelivered records one artifact sent over GET_DATA and its payload size.
func (c *Collector) AddDelivered(bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.artifactsDelivered++
	c.bytesDelivered += int64(bytes)
	c.mu.Unlock()
}

// IncRefused records an artifact too large for a single reply frame.
func (c *Collector) IncRefused() {
	if c == nil {
		return
	}
	c.add(&c.artifactsRefused, 1)
}

// AddPurgeErrors records per-item failures from a queue purge.
func (c *Collector) AddPurgeErrors(n int) {
	if c == nil || n == 0 {
		return
	}
	c.add(&c.purgeErrors, int64(n))
}

// --- Downstream ---

// IncArchiveWriteSuccess records an artifact mirrored to the archive.
func (c *Collector) IncArchiveWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteSuccess, 1)
}

// IncArchiveWriteFailure records a failed archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteFailure, 1)
}

// IncNotifyFailure records a mission event that could not be published.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.add(&c.notifyFailures, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byOpcode := make(map[string]int64, len(c.commandsByOpcode))
	for k, v := range c.commandsByOpcode {
		byOpcode[k] = v
	}

	return Snapshot{
		FramesReceived:    c.framesReceived,
		FrameDecodeErrors: c.frameDecodeErrors,
		SendFailures:      c.sendFailures,

		CommandsByOpcode:  byOpcode,
		MissionsStarted:   c.missionsStarted,
		MissionsCompleted: c.missionsCompleted,
		MissionsFailed:    c.missionsFailed,
		HandlerPanics:     c.handlerPanics,

		ArtifactsDelivered: c.artifactsDelivered,
		BytesDelivered:     c.bytesDelivered,
		ArtifactsRefused:   c.artifactsRefused,
		PurgeErrors:        c.purgeErrors,

		ArchiveWriteSuccess: c.archiveWriteSuccess,
		ArchiveWriteFailure: c.archiveWriteFailure,
		NotifyFailures:      c.notifyFailures,

		Device: c.device,
		BootID: c.bootID,
	}
}

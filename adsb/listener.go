package adsb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.bug.st/serial"

	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/log"
)

// Artifact file names written into the mission directory.
const (
	MetaFile     = "_metafile.bin"
	DataFile     = "datafile.bin"
	CallsignFile = "cs_file.bin"
	ICAOFile     = "ca_file.bin"
	VehicleFile  = "vehicles.msgpack"
)

// Receiver defaults.
const (
	DefaultPath        = "/dev/ttyUSB0"
	DefaultBaud        = 57600
	DefaultReadTimeout = 750 * time.Millisecond
)

// PortConfig configures the receiver's serial port.
type PortConfig struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration
}

// OpenPort opens the receiver port. Reads return (0, nil) at the read
// timeout so the listener can observe cancellation.
func OpenPort(cfg PortConfig) (io.ReadCloser, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	port, err := serial.Open(cfg.Path, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open adsb receiver %s: %w", cfg.Path, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("adsb receiver %s: set read timeout: %w", cfg.Path, err)
	}
	return port, nil
}

// Tracker accumulates unique traffic in arrival order.
type Tracker struct {
	icaos     []uint32
	icaoSeen  map[uint32]bool
	callsigns []string
	csSeen    map[string]bool
	frames    [][]byte
	frameSeen map[string]bool
	vehicles  []Vehicle
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		icaoSeen:  make(map[uint32]bool),
		csSeen:    make(map[string]bool),
		frameSeen: make(map[string]bool),
	}
}

// Observe records a frame. It reports whether a new ICAO address or
// callsign was seen; only frames that introduce one are kept.
func (t *Tracker) Observe(f Frame) (bool, error) {
	if f.MsgID != MsgADSBVehicle {
		return false, nil
	}
	v, err := DecodeVehicle(f.Payload)
	if err != nil {
		return false, err
	}

	changed := false
	if !t.icaoSeen[v.ICAO] {
		t.icaoSeen[v.ICAO] = true
		t.icaos = append(t.icaos, v.ICAO)
		changed = true
	}
	if v.Callsign != "" && !t.csSeen[v.Callsign] {
		t.csSeen[v.Callsign] = true
		t.callsigns = append(t.callsigns, v.Callsign)
		changed = true
	}
	if changed {
		key := string(f.Raw)
		if !t.frameSeen[key] {
			t.frameSeen[key] = true
			t.frames = append(t.frames, f.Raw)
			t.vehicles = append(t.vehicles, v)
		}
	}
	return changed, nil
}

// UniqueICAO returns the number of distinct aircraft heard.
func (t *Tracker) UniqueICAO() int { return len(t.icaos) }

// Vehicles returns the kept reports.
func (t *Tracker) Vehicles() []Vehicle { return t.vehicles }

// WriteFiles rewrites the artifact set in dir.
func (t *Tracker) WriteFiles(dir string) error {
	meta := binary.LittleEndian.AppendUint16(nil, uint16(min(len(t.icaos), 0xffff)))

	var data []byte
	for _, f := range t.frames {
		data = append(data, f...)
	}
	var cs []byte
	for _, c := range t.callsigns {
		cs = append(cs, c...)
	}
	var ca []byte
	for _, icao := range t.icaos {
		ca = binary.LittleEndian.AppendUint32(ca, icao)
	}
	vehicles, err := msgpack.Marshal(t.vehicles)
	if err != nil {
		return fmt.Errorf("encode vehicles: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{MetaFile, meta},
		{DataFile, data},
		{CallsignFile, cs},
		{ICAOFile, ca},
		{VehicleFile, vehicles},
	}
	for _, f := range files {
		if err := iox.WriteFileAtomic(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Listen reads the receiver until ctx is done or the stream ends, writing
// the artifact set into dir whenever new traffic appears.
func Listen(ctx context.Context, r io.Reader, dir string, logger *log.Logger) (*Tracker, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	tracker := NewTracker()
	var parser Parser
	buf := make([]byte, 512)

	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range parser.Feed(buf[:n]) {
				changed, obsErr := tracker.Observe(f)
				if obsErr != nil {
					logger.Debug("undecodable vehicle report", map[string]any{"error": obsErr.Error()})
					continue
				}
				if !changed {
					continue
				}
				if wErr := tracker.WriteFiles(dir); wErr != nil {
					return tracker, wErr
				}
				logger.Info("new traffic", map[string]any{"unique_icao": tracker.UniqueICAO()})
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tracker, fmt.Errorf("read adsb receiver: %w", err)
		}
	}

	logger.Info("adsb listen finished", map[string]any{
		"unique_icao": tracker.UniqueICAO(),
		"dropped":     parser.Dropped,
		"bad_crc":     parser.BadCRC,
	})
	return tracker, nil
}

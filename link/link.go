package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/satlla/obc/log"
	"github.com/satlla/obc/metrics"
)

// Defaults for Config.
const (
	DefaultPath        = "/dev/serial0"
	DefaultBaud        = 115200
	DefaultReadTimeout = 750 * time.Millisecond
)

var (
	// ErrLinkUnavailable is returned when the serial device cannot be
	// acquired.
	ErrLinkUnavailable = errors.New("serial link unavailable")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("link closed")
)

// Config configures the serial device.
type Config struct {
	// Path is the device path (default /dev/serial0).
	Path string
	// Baud is the line rate (default 115200).
	Baud int
	// ReadTimeout bounds a single port read (default 750ms).
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// Port is the byte stream under a Link. serial.Port satisfies it.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Handler consumes one frame. The frame is owned by the handler; the link
// does not read again until the handler returns.
type Handler func(ctx context.Context, frame []byte)

// Link owns a port, a reader goroutine, and the hand-off channel to the
// dispatcher goroutine.
type Link struct {
	port    Port
	frames  *FrameReader
	logger  *log.Logger
	metrics *metrics.Collector

	inbox   chan []byte
	resume  chan struct{}
	done    chan struct{}
	readErr error

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	writeMu   sync.Mutex
}

// New wraps an already-open port.
func New(port Port, logger *log.Logger, collector *metrics.Collector) *Link {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Link{
		port:    port,
		frames:  NewFrameReader(port),
		logger:  logger,
		metrics: collector,
		inbox:   make(chan []byte),
		resume:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Open acquires the serial device described by cfg.
func Open(cfg Config, logger *log.Logger, collector *metrics.Collector) (*Link, error) {
	cfg = cfg.withDefaults()
	port, err := serial.Open(cfg.Path, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLinkUnavailable, cfg.Path, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: set read timeout: %w", ErrLinkUnavailable, cfg.Path, err)
	}
	return New(port, logger, collector), nil
}

// Dial opens the device, retrying with exponential backoff (capped at
// maxBackoff) until it succeeds or ctx is cancelled.
func Dial(ctx context.Context, cfg Config, maxBackoff time.Duration, logger *log.Logger, collector *metrics.Collector) (*Link, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		l, err := Open(cfg, logger, collector)
		if err == nil {
			return l, nil
		}
		logger.Warn("serial open failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
			"retry":   backoff.String(),
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Run starts the reader goroutine and delivers frames to handle on the
// calling goroutine, one at a time, in arrival order. It returns nil after
// Close, ctx.Err() on cancellation, or the read error that ended the
// stream.
func (l *Link) Run(ctx context.Context, handle Handler) error {
	l.startOnce.Do(func() { go l.readLoop() })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case frame, ok := <-l.inbox:
			if !ok {
				return l.readErr
			}
			handle(ctx, frame)
			select {
			case l.resume <- struct{}{}:
			case <-l.done:
				return nil
			}
		}
	}
}

func (l *Link) readLoop() {
	defer close(l.inbox)
	for {
		frame, err := l.frames.ReadFrame()
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				l.metrics.IncFrameDecodeError()
				l.logger.Warn("frame dropped", map[string]any{
					"kind":    frameErr.Kind.String(),
					"dropped": frameErr.Dropped,
					"error":   frameErr.Error(),
				})
				continue
			}
			if l.closed() {
				return
			}
			l.readErr = fmt.Errorf("read link: %w", err)
			return
		}

		l.metrics.IncFrameReceived()
		select {
		case l.inbox <- frame:
		case <-l.done:
			return
		}
		select {
		case <-l.resume:
		case <-l.done:
			return
		}
	}
}

// Send writes data to the port synchronously. Failures are logged and
// counted; callers may ignore the returned error.
func (l *Link) Send(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed() {
		return ErrClosed
	}
	if _, err := l.port.Write(data); err != nil {
		l.metrics.IncSendFailure()
		l.logger.Error("send failed", map[string]any{"bytes": len(data), "error": err.Error()})
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close stops the reader and releases the port. Safe to call from any
// goroutine, more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

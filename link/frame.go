// Package link implements the serial command link to the flight
// controller: newline-terminated framing and a backpressured read loop.
package link

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Frame constants.
const (
	// Terminator ends every inbound command frame. It is stripped before
	// the frame is handed to the dispatcher.
	Terminator byte = '\n'
	// MaxFrameSize is the most bytes buffered while waiting for a
	// terminator. It matches the flight controller's UART buffer.
	MaxFrameSize = 16 * 1024
	// readChunk is the size of a single port read.
	readChunk = 256
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates the stream ended mid-frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates no terminator within MaxFrameSize bytes.
	FrameErrorTooLarge
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// FrameError represents a protocol decode error. The offending bytes have
// already been discarded; reading may continue.
type FrameError struct {
	Kind    FrameErrorKind
	Msg     string
	Dropped int
	Err     error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is a protocol decode error.
func IsFrameError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr)
}

// FrameReader splits a byte stream into terminator-delimited frames.
// It owns its buffer; each returned frame is a fresh slice owned by the
// caller.
type FrameReader struct {
	reader     io.Reader
	buf        []byte
	pending    []byte
	discarding bool
}

// NewFrameReader creates a frame reader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{reader: r, buf: make([]byte, readChunk)}
}

// ReadFrame returns the next frame without its terminator. An empty frame
// (a bare terminator) is returned as a zero-length, non-nil slice.
//
// Reads that return no data and no error (a serial read timeout) are
// retried, so ReadFrame only returns on a frame or an error.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorTooLarge: oversized frame dropped;
//     bytes up to the next terminator are discarded
//   - *FrameError with Kind=FrameErrorPartial: stream ended mid-frame
//   - anything else: the underlying read error
func (d *FrameReader) ReadFrame() ([]byte, error) {
	for {
		if i := bytes.IndexByte(d.pending, Terminator); i >= 0 {
			if d.discarding {
				d.pending = d.pending[i+1:]
				d.discarding = false
				continue
			}
			if i > MaxFrameSize {
				d.pending = d.pending[i+1:]
				return nil, &FrameError{
					Kind:    FrameErrorTooLarge,
					Msg:     fmt.Sprintf("frame of %d bytes exceeds %d", i, MaxFrameSize),
					Dropped: i,
				}
			}
			frame := make([]byte, i)
			copy(frame, d.pending[:i])
			d.pending = d.pending[i+1:]
			return frame, nil
		}

		if d.discarding {
			d.pending = d.pending[:0]
		} else if len(d.pending) > MaxFrameSize {
			dropped := len(d.pending)
			d.pending = d.pending[:0]
			d.discarding = true
			return nil, &FrameError{
				Kind:    FrameErrorTooLarge,
				Msg:     fmt.Sprintf("no terminator within %d bytes", MaxFrameSize),
				Dropped: dropped,
			}
		}

		n, err := d.reader.Read(d.buf)
		if n > 0 {
			d.pending = append(d.pending, d.buf[:n]...)
		}
		if err != nil {
			if n > 0 && bytes.IndexByte(d.buf[:n], Terminator) >= 0 {
				// Deliver what completed before surfacing the error.
				continue
			}
			return nil, d.finish(err)
		}
	}
}

func (d *FrameReader) finish(err error) error {
	if len(d.pending) == 0 || d.discarding {
		d.pending = d.pending[:0]
		return err
	}
	dropped := len(d.pending)
	d.pending = d.pending[:0]
	if errors.Is(err, io.EOF) {
		return &FrameError{
			Kind:    FrameErrorPartial,
			Msg:     "stream ended mid-frame",
			Dropped: dropped,
			Err:     err,
		}
	}
	return err
}

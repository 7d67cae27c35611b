// Package camera drives the still camera through a raspistill-compatible
// command line utility.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/satlla/obc/executor"
	"github.com/satlla/obc/log"
)

// Defaults for the camera utility.
const (
	DefaultBinary  = "raspistill"
	DefaultTimeout = 30 * time.Second
)

// ErrNoImage is returned when the utility exits cleanly but writes nothing.
var ErrNoImage = errors.New("camera produced no image")

// Exposure selects the exposure program.
type Exposure int

const (
	// ExposureAuto lets the camera choose.
	ExposureAuto Exposure = iota
	// ExposureNight uses the long-exposure night program.
	ExposureNight
)

// Shot describes one capture. Zero values leave the camera default.
type Shot struct {
	Path     string
	Width    int
	Height   int
	Quality  int
	Shutter  int // microseconds
	ISO      int
	Exposure Exposure
}

// Camera captures still images to disk.
type Camera interface {
	Capture(ctx context.Context, shot Shot) error
}

// Raspistill invokes the camera utility through a process runner.
type Raspistill struct {
	Binary  string
	Runner  executor.Runner
	Timeout time.Duration
	Logger  *log.Logger
}

// NewRaspistill returns a camera using binary (DefaultBinary when empty).
func NewRaspistill(binary string, runner executor.Runner, timeout time.Duration, logger *log.Logger) *Raspistill {
	if binary == "" {
		binary = DefaultBinary
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Raspistill{Binary: binary, Runner: runner, Timeout: timeout, Logger: logger}
}

// Args builds the utility's argument list for s.
func Args(s Shot) []string {
	args := []string{"-n", "-o", s.Path}
	if s.Width > 0 {
		args = append(args, "-w", strconv.Itoa(s.Width))
	}
	if s.Height > 0 {
		args = append(args, "-h", strconv.Itoa(s.Height))
	}
	if s.Quality > 0 {
		args = append(args, "-q", strconv.Itoa(s.Quality))
	}
	if s.Exposure == ExposureNight {
		args = append(args, "-ex", "night")
	}
	if s.Shutter > 0 {
		args = append(args, "-ss", strconv.Itoa(s.Shutter))
	}
	if s.ISO > 0 {
		args = append(args, "-ISO", strconv.Itoa(s.ISO))
	}
	return append(args, "-th", "none")
}

// Capture runs the utility and checks that it wrote an image.
func (r *Raspistill) Capture(ctx context.Context, s Shot) error {
	if s.Path == "" {
		return errors.New("camera: empty output path")
	}
	cmd := executor.Command{Path: r.Binary, Args: Args(s), Timeout: r.Timeout}
	r.Logger.Debug("capturing", map[string]any{"command": cmd.String()})

	res, err := executor.RunChecked(ctx, r.Runner, cmd)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	info, err := os.Stat(s.Path)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("capture %s: %w", s.Path, ErrNoImage)
	}
	r.Logger.Info("captured", map[string]any{
		"path":        s.Path,
		"bytes":       info.Size(),
		"duration_ms": res.Duration.Milliseconds(),
	})
	return nil
}

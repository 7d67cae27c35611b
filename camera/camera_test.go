package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/satlla/obc/executor"
)

// scriptedRunner records commands and optionally writes the -o target.
type scriptedRunner struct {
	commands []executor.Command
	write    []byte
	exitCode int
}

func (s *scriptedRunner) Run(_ context.Context, c executor.Command) (*executor.Result, error) {
	s.commands = append(s.commands, c)
	if s.write != nil {
		if i := slices.Index(c.Args, "-o"); i >= 0 && i+1 < len(c.Args) {
			if err := os.WriteFile(c.Args[i+1], s.write, 0o644); err != nil {
				return nil, err
			}
		}
	}
	return &executor.Result{ExitCode: s.exitCode, Stderr: []byte("mmal: no camera\n")}, nil
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		shot Shot
		want []string
	}{
		{
			name: "day",
			shot: Shot{Path: "a.jpg", Width: 640, Height: 480},
			want: []string{"-n", "-o", "a.jpg", "-w", "640", "-h", "480", "-th", "none"},
		},
		{
			name: "night",
			shot: Shot{Path: "a.jpg", Width: 640, Height: 480, Exposure: ExposureNight},
			want: []string{"-n", "-o", "a.jpg", "-w", "640", "-h", "480", "-ex", "night", "-th", "none"},
		},
		{
			name: "manual",
			shot: Shot{Path: "Img.jpeg", Width: 1280, Height: 720, Quality: 100, Shutter: 2000, ISO: 400},
			want: []string{"-n", "-o", "Img.jpeg", "-w", "1280", "-h", "720", "-q", "100", "-ss", "2000", "-ISO", "400", "-th", "none"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Args(tt.shot); !slices.Equal(got, tt.want) {
				t.Fatalf("Args = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCapture_Success(t *testing.T) {
	runner := &scriptedRunner{write: []byte{0xFF, 0xD8}}
	cam := NewRaspistill("", runner, 0, nil)
	path := filepath.Join(t.TempDir(), "pic.jpg")

	if err := cam.Capture(t.Context(), Shot{Path: path}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(runner.commands) != 1 || runner.commands[0].Path != DefaultBinary {
		t.Fatalf("commands = %+v", runner.commands)
	}
	if runner.commands[0].Timeout != DefaultTimeout {
		t.Fatalf("timeout = %v, want %v", runner.commands[0].Timeout, DefaultTimeout)
	}
}

func TestCapture_NonZeroExit(t *testing.T) {
	runner := &scriptedRunner{exitCode: 70}
	cam := NewRaspistill("cam", runner, 0, nil)

	err := cam.Capture(t.Context(), Shot{Path: filepath.Join(t.TempDir(), "pic.jpg")})
	var exitErr *executor.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *executor.ExitError", err)
	}
}

func TestCapture_NoImageWritten(t *testing.T) {
	cam := NewRaspistill("cam", &scriptedRunner{}, 0, nil)
	err := cam.Capture(t.Context(), Shot{Path: filepath.Join(t.TempDir(), "pic.jpg")})
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("err = %v, want ErrNoImage", err)
	}
}

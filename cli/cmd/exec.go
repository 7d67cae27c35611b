package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/cli/render"
	"github.com/satlla/obc/types"
)

// ExecResponse reports one locally dispatched frame.
type ExecResponse struct {
	Command    string   `json:"command" yaml:"command"`
	Frame      string   `json:"frame" yaml:"frame"`
	Replies    Frames   `json:"replies" yaml:"replies"`
	State      string   `json:"state" yaml:"state"`
	Delivered  int      `json:"delivered" yaml:"delivered"`
	Completed  int      `json:"missions_completed" yaml:"missions_completed"`
	Failed     int      `json:"missions_failed" yaml:"missions_failed"`
	LinkClosed bool     `json:"link_closed" yaml:"link_closed"` // after POWER_OFF
}

// Frames are hex-encoded reply frames.
type Frames []string

func (f Frames) String() string { return strings.Join(f, " ") }

// ExecCommand returns the exec command. It runs one frame through the full
// dispatcher against the configured storage, without a serial link.
func ExecCommand() *cli.Command {
	flags := []cli.Flag{
		ConfigFlag,
		FormatFlag,
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Log to stderr while the command runs",
		},
	}
	return &cli.Command{
		Name:      "exec",
		Usage:     "Dispatch one command frame locally and print the replies",
		ArgsUsage: "<hex byte>...",
		Description: `Each argument is one or more hex bytes; together they form one frame,
opcode first. For example "obc exec 04 03 01" takes a day photo with a
size 3 thumbnail, and "obc exec 02" downlinks the next artifact.

POWER_OFF is acknowledged and logged but the host is not shut down.`,
		Flags:  append(flags, storageFlags()...),
		Action: execAction,
	}
}

func execAction(c *cli.Context) error {
	frame, err := parseFrame(c.Args().Slice())
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyStorageFlags(c, cfg)

	sys, err := newSystem(c.Context, cfg, systemOptions{quiet: !c.Bool("verbose"), noPlatform: true})
	if err != nil {
		return cli.Exit(fmt.Sprintf("boot failed: %v", err), exitFailure)
	}
	defer sys.close()

	t := &recorder{}
	d, err := sys.newDispatcher(t)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	d.Ready()
	d.Dispatch(c.Context, frame)

	snap := sys.metrics.Snapshot()
	return r.Render(ExecResponse{
		Command:    types.Opcode(frame[0]).String(),
		Frame:      hex.EncodeToString(frame),
		Replies:    t.hex(),
		State:      d.State().String(),
		Delivered:  int(snap.ArtifactsDelivered),
		Completed:  int(snap.MissionsCompleted),
		Failed:     int(snap.MissionsFailed),
		LinkClosed: t.isClosed(),
	})
}

// parseFrame joins hex arguments into a frame. "0x" prefixes and single
// digits are accepted.
func parseFrame(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("exec: at least one hex byte is required")
	}
	var frame []byte
	for _, arg := range args {
		s := strings.TrimPrefix(strings.ToLower(arg), "0x")
		if len(s)%2 == 1 {
			s = "0" + s
		}
		b, err := hex.DecodeString(s)
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("exec: %q is not a hex byte", arg)
		}
		frame = append(frame, b...)
	}
	return frame, nil
}

// recorder is a transport that keeps every reply.
type recorder struct {
	mu      sync.Mutex
	replies [][]byte
	closed  bool
}

func (r *recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, append([]byte(nil), data...))
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) hex() Frames {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(Frames, len(r.replies))
	for i, reply := range r.replies {
		out[i] = hex.EncodeToString(reply)
	}
	return out
}

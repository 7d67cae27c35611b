package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/cli/config"
	"github.com/satlla/obc/cli/render"
	"github.com/satlla/obc/queue"
	"github.com/satlla/obc/state"
)

// DropResponse reports one purged root.
type DropResponse struct {
	Root    string `json:"root" yaml:"root"`
	Removed int    `json:"removed" yaml:"removed"`
	Failed  int    `json:"failed" yaml:"failed"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CountersResponse is the durable counters file.
type CountersResponse struct {
	Path         string `json:"path" yaml:"path"`
	MissionCount uint32 `json:"mission_count" yaml:"mission_count"`
	PicCount     uint32 `json:"pic_count" yaml:"pic_count"`
	BootCount    uint32 `json:"boot_count" yaml:"boot_count"`
}

// QueueCommand returns the queue command group. It operates on the
// directories directly; do not use it while the daemon is dequeuing.
func QueueCommand() *cli.Command {
	flags := append([]cli.Flag{ConfigFlag}, storageFlags()...)
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect or purge the durable mission queue",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List pending artifacts in delivery order",
				Flags:  append(ReadOnlyFlags(), flags...),
				Action: queueListAction,
			},
			{
				Name:  "drop",
				Usage: "Delete every pending artifact (and delivered ones with --sent)",
				Flags: append(append(ReadOnlyFlags(), flags...), &cli.BoolFlag{
					Name:  "sent",
					Usage: "Also purge the sent directory",
				}),
				Action: queueDropAction,
			},
			{
				Name:   "counters",
				Usage:  "Show the mission, picture and boot counters",
				Flags:  append(ReadOnlyFlags(), flags...),
				Action: queueCountersAction,
			},
		},
	}
}

func openQueue(c *cli.Context) (*config.Config, *queue.Queue, *render.Renderer, error) {
	r, err := render.NewRenderer(c)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	applyStorageFlags(c, cfg)
	return cfg, queue.New(cfg.Storage.Outbox, cfg.Storage.Sent, nil), r, nil
}

func queueListAction(c *cli.Context) error {
	_, q, r, err := openQueue(c)
	if err != nil {
		return err
	}
	entries, err := q.List()
	if err != nil {
		return cli.Exit(fmt.Sprintf("queue list: %v", err), exitFailure)
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	return r.Render(entries)
}

func queueDropAction(c *cli.Context) error {
	_, q, r, err := openQueue(c)
	if err != nil {
		return err
	}
	roots := []string{q.Outbox()}
	if c.Bool("sent") {
		roots = append(roots, q.Sent())
	}

	var (
		out    []DropResponse
		failed bool
	)
	for _, root := range roots {
		res, err := q.Purge(root)
		resp := DropResponse{Root: root, Removed: res.Removed, Failed: res.Failed}
		if err != nil {
			resp.Error = err.Error()
			failed = true
		}
		out = append(out, resp)
	}
	if err := r.Render(out); err != nil {
		return err
	}
	if failed {
		return cli.Exit("", exitFailure)
	}
	return nil
}

func queueCountersAction(c *cli.Context) error {
	cfg, _, r, err := openQueue(c)
	if err != nil {
		return err
	}
	st, err := state.Open(cfg.Storage.State)
	if err != nil {
		return cli.Exit(fmt.Sprintf("queue counters: %v", err), exitFailure)
	}
	snap := st.Snapshot()
	return r.Render(CountersResponse{
		Path:         st.Path(),
		MissionCount: snap.MissionCount,
		PicCount:     snap.PicCount,
		BootCount:    snap.BootCount,
	})
}

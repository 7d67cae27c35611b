package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/archive"
	"github.com/satlla/obc/cli/config"
	"github.com/satlla/obc/cli/render"
)

// ArchiveCommand returns the archive command group, the read side of the
// delivered-artifact archive.
func ArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Inspect the delivered-artifact archive",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List the artifacts delivered for a mission",
				Flags: append(ReadOnlyFlags(),
					ConfigFlag,
					&cli.UintFlag{
						Name:     "mission",
						Aliases:  []string{"m"},
						Usage:    "Mission id",
						Required: true,
					},
				),
				Action: archiveListAction,
			},
		},
	}
}

func archiveListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	factory, err := archiveFactory(c.Context, cfg.Archive)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	ds, err := archive.NewDataset(factory)
	if err != nil {
		return cli.Exit(fmt.Sprintf("archive: %v", err), exitFailure)
	}

	deliveries, skipped, err := archive.ListDeliveries(c.Context, ds, uint32(c.Uint("mission")))
	if err != nil {
		return cli.Exit(fmt.Sprintf("archive: %v", err), exitFailure)
	}
	if skipped > 0 {
		fmt.Fprintf(c.App.ErrWriter, "warning: %d malformed delivery records skipped\n", skipped)
	}
	return r.Render(deliveries)
}

func archiveFactory(ctx context.Context, cfg config.ArchiveConfig) (lode.StoreFactory, error) {
	switch cfg.Backend {
	case config.BackendFS:
		return lode.NewFSFactory(cfg.Path), nil
	case config.BackendS3:
		bucket, prefix := archive.ParseS3Path(cfg.Path)
		return archive.S3Factory(ctx, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, errors.New("archive: no backend configured (set archive.backend to fs or s3)")
	}
}

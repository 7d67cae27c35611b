package cmd

import (
	"fmt"
	"image"
	// Decoders for the input formats accepted by encode.
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/cli/render"
	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/pyramid"
)

// EncodeCommand returns the encode command, the ground-side twin of the
// imaging pipeline's compressor.
func EncodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "encode",
		Usage:     "Compress an image into pyramid layers under a byte budget",
		ArgsUsage: "<image> <layer dir>",
		Flags: append(ReadOnlyFlags(),
			&cli.IntFlag{
				Name:  "budget",
				Usage: "Byte ceiling for all layers together",
				Value: pyramid.DefaultBudget,
			},
			&cli.IntFlag{
				Name:  "depth",
				Usage: "Target number of reduce steps",
				Value: pyramid.DefaultDepth,
			},
			&cli.IntFlag{
				Name:  "preview-ratio",
				Usage: "Wavelet ratio of the full-resolution preview",
				Value: pyramid.DefaultPreviewRatio,
			},
			&cli.BoolFlag{
				Name:  "gray",
				Usage: "Encode a single luminance channel",
			},
			&cli.BoolFlag{
				Name:  "keep-preview",
				Usage: "Leave " + pyramid.PreviewName + " next to the layers",
			},
		),
		Action: encodeAction,
	}
}

func encodeAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("encode: expected <image> <layer dir>", exitFailure)
	}
	src, dir := c.Args().Get(0), c.Args().Get(1)

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	img, err := readImage(src)
	if err != nil {
		return cli.Exit(fmt.Sprintf("encode: %v", err), exitFailure)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("encode: %v", err), exitFailure)
	}

	res, err := pyramid.Encode(pyramid.FromImage(img, c.Bool("gray")), dir, pyramid.Options{
		Budget:       c.Int("budget"),
		Depth:        c.Int("depth"),
		PreviewRatio: c.Int("preview-ratio"),
		KeepPreview:  c.Bool("keep-preview"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("encode: %v", err), exitFailure)
	}
	if r.Format() == render.FormatTable {
		return r.Render(res.Layers)
	}
	return r.Render(res)
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

package cmd

import (
	"bytes"
	"fmt"
	"image/png"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/cli/render"
	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/pyramid"
	"github.com/satlla/obc/types"
)

// DecodeResponse reports a reconstructed image.
type DecodeResponse struct {
	Output   string `json:"output" yaml:"output"`
	Layers   int    `json:"layers" yaml:"layers"`
	Height   int    `json:"height" yaml:"height"`
	Width    int    `json:"width" yaml:"width"`
	Channels int    `json:"channels" yaml:"channels"`
}

// DecodeCommand returns the decode command. Any prefix of the layer set
// decodes and is upsampled back to the original size: --width/--height
// when given, else the mission's metadata record (--meta), else the size
// found in the layer directory.
func DecodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Reconstruct a PNG from pyramid layers",
		ArgsUsage: "<layer dir> <output.png>",
		Flags: append(ReadOnlyFlags(),
			&cli.IntFlag{
				Name:  "layers",
				Usage: "Use only the first N layers (0 for all)",
			},
			&cli.IntFlag{
				Name:  "width",
				Usage: "Upsample the result to this width (requires --height)",
			},
			&cli.IntFlag{
				Name:  "height",
				Usage: "Upsample the result to this height (requires --width)",
			},
			&cli.StringFlag{
				Name:  "meta",
				Usage: "Take the original size from this _metafile.bin",
			},
		),
		Action: decodeAction,
	}
}

func decodeAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("decode: expected <layer dir> <output.png>", exitFailure)
	}
	dir, out := c.Args().Get(0), c.Args().Get(1)
	w, h := c.Int("width"), c.Int("height")
	if (w > 0) != (h > 0) {
		return cli.Exit("decode: --width and --height must be given together", exitFailure)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	layers, err := pyramid.ReadLayers(dir, c.Int("layers"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("decode: %v", err), exitFailure)
	}
	img, err := pyramid.Reconstruct(layers)
	if err != nil {
		return cli.Exit(fmt.Sprintf("decode: %v", err), exitFailure)
	}
	if w == 0 {
		h, w, err = targetSize(dir, c.String("meta"))
		if err != nil {
			return cli.Exit(fmt.Sprintf("decode: %v", err), exitFailure)
		}
	}
	if img.H != h || img.W != w {
		if img, err = pyramid.UpsampleTo(img, h, w); err != nil {
			return cli.Exit(fmt.Sprintf("decode: %v", err), exitFailure)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img.ToImage()); err != nil {
		return cli.Exit(fmt.Sprintf("decode: encode png: %v", err), exitFailure)
	}
	if err := iox.WriteFileAtomic(out, buf.Bytes(), 0o644); err != nil {
		return cli.Exit(fmt.Sprintf("decode: %v", err), exitFailure)
	}

	return r.Render(DecodeResponse{
		Output:   out,
		Layers:   len(layers),
		Height:   img.H,
		Width:    img.W,
		Channels: img.C,
	})
}

// targetSize reads the original image size from a metadata record, or
// from the layer directory when meta is empty.
func targetSize(dir, meta string) (h, w int, err error) {
	if meta == "" {
		return pyramid.FullSize(dir)
	}
	data, err := os.ReadFile(meta)
	if err != nil {
		return 0, 0, err
	}
	var rec types.MetaRecord
	if err := rec.UnmarshalBinary(data); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", meta, err)
	}
	if rec.Height == 0 || rec.Width == 0 {
		return 0, 0, fmt.Errorf("%s: no image size recorded", meta)
	}
	return int(rec.Height), int(rec.Width), nil
}

package mission

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/satlla/obc/camera"
	"github.com/satlla/obc/detect"
	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/pyramid"
	"github.com/satlla/obc/queue"
)

// Imaging service types (first argument of NEW_TAKE_PHOTO).
const (
	ServicePhotoStars = 0
	ServicePhoto      = 1
	ServiceCrop       = 2
	ServiceIcon       = 3
	ServiceStars      = 4
)

// Imaging service artifact names.
const (
	ImageFile     = queue.ImgJPGName
	IconFile      = "icon.jpeg"
	MetaStarsFile = "metastars.bin"
)

// Imaging defaults.
const (
	defaultQuality     = 100
	defaultWidth       = 1280
	defaultHeight      = 720
	defaultCropQuality = 95
	defaultIconSide    = 80
	defaultIconQuality = 21
)

// Crop windows, width x height.
var (
	qvga = image.Pt(240, 320)
	vga  = image.Pt(480, 640)
)

// ErrSourceImage is returned when an earlier mission's image is missing.
var ErrSourceImage = errors.New("source image not found")

// ImagingService runs one of the imaging service types selected by the
// first argument. Wide arguments are sent as byte pairs and multiplied.
//
//	0 capture, compress, icon, then star analysis when the Earth is lit
//	1 capture with quality, width, height, shutter and ISO, compress, icon
//	2 crop an earlier mission's image to QVGA or VGA, then compress and icon
//	3 make an icon of an earlier mission's image
//	4 star analysis of an earlier mission's image
type ImagingService struct {
	Camera   camera.Camera
	Library  Library
	Compress pyramid.Options
	Gray     bool
}

func (s *ImagingService) Name() string { return "imaging_service" }

func (s *ImagingService) Handle(ctx context.Context, m *dispatch.MissionContext) error {
	service := int(m.Arg(0, ServicePhotoStars))
	m.Logger.Info("imaging service", map[string]any{"service": service})

	switch service {
	case ServicePhotoStars, ServicePhoto:
		return s.photo(ctx, m, service == ServicePhotoStars)
	case ServiceCrop:
		return s.crop(m)
	case ServiceIcon:
		return s.icon(m)
	case ServiceStars:
		return s.stars(m)
	default:
		return dispatch.Fail(dispatch.KindInvalidArgs, "imaging service", fmt.Errorf("unknown service type %d", service))
	}
}

func (s *ImagingService) photo(ctx context.Context, m *dispatch.MissionContext, analyse bool) error {
	shot := camera.Shot{
		Path:    filepath.Join(m.Dir, ImageFile),
		Quality: byteOr(m, 1, defaultQuality),
		Width:   wide(m, 2, defaultWidth),
		Height:  wide(m, 4, defaultHeight),
		Shutter: wide(m, 6, 0),
		ISO:     wide(m, 8, 0),
	}
	if err := s.Camera.Capture(ctx, shot); err != nil {
		return captureError(err)
	}
	img, err := loadImage(shot.Path)
	if err != nil {
		return dispatch.Fail(dispatch.KindDevice, "read capture", err)
	}

	if err := s.compress(m, img); err != nil {
		return err
	}
	if err := writeIcon(m.Dir, img, defaultIconSide, defaultIconSide, defaultIconQuality, false); err != nil {
		return err
	}
	dark := detect.IsDark(img)
	var class uint8
	if dark {
		class = 1
	}
	if err := writeMeta(m.Dir, metaFor(class, img, countArtifacts(m.Dir))); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write metadata", err)
	}

	if analyse && !dark {
		return writeStars(m.Dir, img, detect.StarOptions{Sensitivity: detect.DefaultSensitivity})
	}
	return nil
}

func (s *ImagingService) crop(m *dispatch.MissionContext) error {
	src, err := s.source(m)
	if err != nil {
		return err
	}
	x, y := wide(m, 2, 0), wide(m, 4, 0)
	quality := byteOr(m, 6, defaultCropQuality)
	gray := m.Arg(7, 0) != 0
	window := qvga
	if m.Arg(8, 1) == 0 {
		window = vga
	}

	var out image.Image = crop(src, x, y, window.X, window.Y)
	if gray {
		out = detect.Gray(out)
	}
	if err := writeJPEG(filepath.Join(m.Dir, ImageFile), out, quality); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write crop", err)
	}
	if err := s.compress(m, out); err != nil {
		return err
	}
	if err := writeIcon(m.Dir, out, defaultIconSide, defaultIconSide, defaultIconQuality, gray); err != nil {
		return err
	}
	if err := writeMeta(m.Dir, metaFor(ServiceCrop, out, countArtifacts(m.Dir))); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write metadata", err)
	}
	return nil
}

func (s *ImagingService) icon(m *dispatch.MissionContext) error {
	src, err := s.source(m)
	if err != nil {
		return err
	}
	w, h := wide(m, 2, defaultIconSide), wide(m, 4, defaultIconSide)
	quality := byteOr(m, 6, defaultIconQuality)
	gray := m.Arg(7, 0) != 0
	if err := writeIcon(m.Dir, src, w, h, quality, gray); err != nil {
		return err
	}
	icon, err := loadImage(filepath.Join(m.Dir, IconFile))
	if err != nil {
		return dispatch.Fail(dispatch.KindIO, "read icon", err)
	}
	if err := writeMeta(m.Dir, metaFor(ServiceIcon, icon, countArtifacts(m.Dir))); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write metadata", err)
	}
	return nil
}

func (s *ImagingService) stars(m *dispatch.MissionContext) error {
	src, err := s.source(m)
	if err != nil {
		return err
	}
	w, h := wide(m, 2, defaultWidth), wide(m, 4, defaultHeight)
	opts := detect.StarOptions{
		Sensitivity: byteOr(m, 6, detect.DefaultSensitivity),
		MaxStars:    byteOr(m, 7, detect.DefaultMaxStars),
	}
	scaled := resize(src, w, h, draw.ApproxBiLinear)
	if err := writeStars(m.Dir, scaled, opts); err != nil {
		return err
	}
	if err := writeMeta(m.Dir, metaFor(ServiceStars, scaled, countArtifacts(m.Dir))); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write metadata", err)
	}
	return nil
}

// source loads Img.jpeg of the mission named by the second argument,
// looking in sent first and then in the outbox.
func (s *ImagingService) source(m *dispatch.MissionContext) (image.Image, error) {
	id := uint32(m.Arg(1, 0))
	for _, dir := range []string{s.Library.SentMissionDir(id), s.Library.MissionDir(id)} {
		path := filepath.Join(dir, ImageFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		img, err := loadImage(path)
		if err != nil {
			return nil, dispatch.Fail(dispatch.KindIO, "read source image", err)
		}
		return img, nil
	}
	return nil, dispatch.Fail(dispatch.KindInvalidArgs, "read source image", fmt.Errorf("mission %d: %w", id, ErrSourceImage))
}

func (s *ImagingService) compress(m *dispatch.MissionContext, img image.Image) error {
	opts := s.Compress
	opts.KeepPreview = true
	res, err := pyramid.Encode(pyramid.FromImage(img, s.Gray), m.Dir, opts)
	if err != nil {
		return dispatch.Fail(dispatch.KindInternal, "compress", err)
	}
	m.Logger.Info("compressed", map[string]any{
		"layers":        len(res.Layers),
		"levels":        res.Levels,
		"bytes":         res.TotalBytes,
		"budget":        res.Budget,
		"preview_bytes": res.PreviewBytes,
	})
	return nil
}

func writeIcon(dir string, img image.Image, w, h, quality int, gray bool) error {
	icon := resize(img, w, h, draw.ApproxBiLinear)
	if gray {
		icon = detect.Gray(icon)
	}
	if err := writeJPEG(filepath.Join(dir, IconFile), icon, quality); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write icon", err)
	}
	return nil
}

// writeStars writes metastars.bin, or nothing when no star was found.
func writeStars(dir string, img image.Image, opts detect.StarOptions) error {
	found := detect.FindStars(img, opts)
	if len(found) == 0 {
		return nil
	}
	if err := iox.WriteFileAtomic(filepath.Join(dir, MetaStarsFile), detect.MarshalStars(found), 0o644); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write stars", err)
	}
	return nil
}

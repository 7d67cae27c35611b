package mission

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/satlla/obc/camera"
	"github.com/satlla/obc/detect"
	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/executor"
)

// Smart photo modes.
const (
	ModeDay   = 1
	ModeNight = 2
	ModeSmart = 3
	ModeGyro  = 4
)

const (
	captureWidth     = 640
	captureHeight    = 480
	thumbnailQuality = 82
	smartPhotoStars  = 10
	gyroFrames       = 3
	defaultSizeArg   = 100
)

// thumbnailSizes maps the size code to the thumbnail's long side. Other
// codes are taken literally.
var thumbnailSizes = map[int]int{0: 50, 1: 50, 2: 75, 3: 100, 4: 160, 5: 320, 6: 640, 7: 720}

// ThumbnailSize resolves a TAKE_PHOTO size code.
func ThumbnailSize(code int) int {
	if s, ok := thumbnailSizes[code]; ok {
		return s
	}
	return code
}

// SmartPhoto takes a photo and a thumbnail, and in night modes runs star
// detection on the frame.
//
// Args: size code (default 100), mode (default 1). Day mode shoots once;
// night mode uses the night exposure and records stars; smart mode shoots
// by day and falls back to night when the frame is too dark; gyro mode
// records stars from three consecutive night frames.
type SmartPhoto struct {
	Camera   camera.Camera
	Pictures PictureCounter
}

func (p *SmartPhoto) Name() string { return "smart_photo" }

func (p *SmartPhoto) Handle(ctx context.Context, m *dispatch.MissionContext) error {
	size := ThumbnailSize(int(m.Arg(0, defaultSizeArg)))
	mode := int(m.Arg(1, ModeDay))
	if mode < ModeDay || mode > ModeGyro {
		mode = ModeGyro
	}

	pic, err := p.Pictures.NextPicture()
	if err != nil {
		return dispatch.Fail(dispatch.KindIO, "allocate picture number", err)
	}
	orig := filepath.Join(m.Dir, fmt.Sprintf("pic_orig_%d.jpg", pic))
	small := filepath.Join(m.Dir, fmt.Sprintf("pic_small_%d.jpg", pic))
	stars := filepath.Join(m.Dir, fmt.Sprintf("stars_%d.bin", pic))

	m.Logger.Info("smart photo", map[string]any{"mode": mode, "size": size, "picture": pic})

	var frame image.Image
	switch mode {
	case ModeDay:
		if frame, err = p.shoot(ctx, orig, camera.ExposureAuto); err != nil {
			return err
		}
	case ModeNight:
		if frame, err = p.shoot(ctx, orig, camera.ExposureNight); err != nil {
			return err
		}
		if err := appendStars(stars, frame, false); err != nil {
			return err
		}
	case ModeSmart:
		if frame, err = p.shoot(ctx, orig, camera.ExposureAuto); err != nil {
			return err
		}
		if rms := detect.RMS(frame); rms < detect.NightRMS {
			m.Logger.Info("dark frame, retaking at night", map[string]any{"rms": rms})
			if frame, err = p.shoot(ctx, orig, camera.ExposureNight); err != nil {
				return err
			}
			if err := appendStars(stars, frame, false); err != nil {
				return err
			}
		}
	case ModeGyro:
		for i := range gyroFrames {
			if frame, err = p.shoot(ctx, orig, camera.ExposureNight); err != nil {
				return err
			}
			if err := appendStars(stars, frame, i > 0); err != nil {
				return err
			}
		}
	}

	described := frame
	if mode != ModeGyro {
		thumb := thumbnail(frame, size)
		if err := writeJPEG(small, thumb, thumbnailQuality); err != nil {
			return dispatch.Fail(dispatch.KindIO, "write thumbnail", err)
		}
		described = thumb
	}

	if err := writeMeta(m.Dir, metaFor(uint8(mode), described, countArtifacts(m.Dir))); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write metadata", err)
	}
	return nil
}

func (p *SmartPhoto) shoot(ctx context.Context, path string, exp camera.Exposure) (image.Image, error) {
	shot := camera.Shot{Path: path, Width: captureWidth, Height: captureHeight, Exposure: exp}
	if err := p.Camera.Capture(ctx, shot); err != nil {
		return nil, captureError(err)
	}
	img, err := loadImage(path)
	if err != nil {
		return nil, dispatch.Fail(dispatch.KindDevice, "read capture", err)
	}
	return img, nil
}

// captureError classifies a camera failure.
func captureError(err error) error {
	if errors.Is(err, executor.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return dispatch.Fail(dispatch.KindTimeout, "capture", err)
	}
	return dispatch.Fail(dispatch.KindDevice, "capture", err)
}

// appendStars runs the star finder on frame and writes (or appends) the
// encoded detections to path.
func appendStars(path string, frame image.Image, appendTo bool) error {
	data := detect.MarshalStars(detect.FindStars(frame, detect.StarOptions{MaxStars: smartPhotoStars}))
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return dispatch.Fail(dispatch.KindIO, "write stars", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return dispatch.Fail(dispatch.KindIO, "write stars", err)
	}
	if err := f.Close(); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write stars", err)
	}
	return nil
}

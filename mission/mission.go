// Package mission implements the mission command handlers: the smart photo,
// the imaging service, the ADS-B listener, and remote script upload.
//
// Each handler writes its artifacts into the mission directory it is given
// and returns a *dispatch.HandlerError on failure. Files written before a
// failure stay in place and are delivered like any other artifact.
package mission

import (
	"io"

	"github.com/satlla/obc/camera"
	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/executor"
	"github.com/satlla/obc/power"
	"github.com/satlla/obc/pyramid"
	"github.com/satlla/obc/types"
)

// MetaFile is the metadata record every photo mission writes.
const MetaFile = "_metafile.bin"

// PictureCounter hands out durable picture numbers.
type PictureCounter interface {
	NextPicture() (uint32, error)
}

// Library locates earlier missions' files.
type Library interface {
	MissionDir(id uint32) string
	SentMissionDir(id uint32) string
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Camera   camera.Camera
	Pictures PictureCounter
	Library  Library
	Runner   executor.Runner

	// Compress configures the pyramid encoder of the imaging service.
	Compress pyramid.Options
	// GrayPyramid encodes pyramid layers in gray.
	GrayPyramid bool

	Upload UploadConfig

	// ADSBPower switches the receiver supply. Nil leaves it alone.
	ADSBPower *power.Switch
	// OpenReceiver opens the ADS-B receiver port.
	OpenReceiver func() (io.ReadCloser, error)
}

// Handlers builds the mission registry.
func Handlers(d Deps) dispatch.Registry {
	return dispatch.Registry{
		types.OpTakePhoto:    &SmartPhoto{Camera: d.Camera, Pictures: d.Pictures},
		types.OpNewTakePhoto: &ImagingService{Camera: d.Camera, Library: d.Library, Compress: d.Compress, Gray: d.GrayPyramid},
		types.OpADSB:         &ADSB{Power: d.ADSBPower, Open: d.OpenReceiver},
		types.OpUploadFile:   &Upload{Config: d.Upload, Runner: d.Runner},
	}
}

// wide reads a two-byte product argument (a*b) starting at i, returning
// def when either byte is missing or the product is zero.
func wide(m *dispatch.MissionContext, i, def int) int {
	if i+1 >= len(m.Args) {
		return def
	}
	if v := int(m.Args[i]) * int(m.Args[i+1]); v != 0 {
		return v
	}
	return def
}

// byteOr reads argument i, returning def when missing or zero.
func byteOr(m *dispatch.MissionContext, i, def int) int {
	if v := int(m.Arg(i, 0)); v != 0 {
		return v
	}
	return def
}

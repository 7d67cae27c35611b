package queue

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/satlla/obc/types"
)

// ImgJPGName is the exact file name of an imaging-service capture.
const ImgJPGName = "Img.jpeg"

// LayerPrefix is the file name prefix of a pyramid layer.
const LayerPrefix = "lap_pyr"

var ordinalSuffix = regexp.MustCompile(`_(\d+)(?:\.[^.]*)?$`)

// Classify maps an artifact file name to its type code. index is the
// file's position in its mission's sorted listing and is used as the type
// of a pyramid layer whose name carries no ordinal.
//
// Rules apply in priority order: metafile, stars, pic, full, icon,
// Img.jpeg, lap_pyr, everything else.
func Classify(name string, index int) types.ArtifactType {
	switch {
	case strings.Contains(name, "metafile"):
		return types.ArtifactMeta
	case strings.Contains(name, "stars"):
		return types.ArtifactStars
	case strings.Contains(name, "pic"):
		return types.ArtifactPhoto
	case strings.Contains(name, "full"):
		return types.ArtifactFullPhoto
	case strings.Contains(name, "icon"):
		return types.ArtifactIcon
	case name == ImgJPGName:
		return types.ArtifactImgJPG
	case strings.Contains(name, LayerPrefix):
		if n, ok := LayerOrdinal(name); ok {
			return types.ArtifactType(n)
		}
		return types.ArtifactType(index)
	default:
		return types.ArtifactOther
	}
}

// LayerOrdinal parses the trailing _<n> of a layer file name.
func LayerOrdinal(name string) (int, bool) {
	m := ordinalSuffix.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return n, true
}

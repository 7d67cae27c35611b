package types

// ArtifactType is the one-byte type code carried in a GET_DATA reply header.
// A lap_pyr layer carries its ordinal as its type, so layer codes overlap
// PHOTO and FULL_PHOTO; ground tooling tells them apart by mission kind.
type ArtifactType byte

// Artifact type codes.
const (
	ArtifactOther      ArtifactType = 0
	ArtifactPhoto      ArtifactType = 1
	ArtifactFullPhoto  ArtifactType = 7
	ArtifactIcon       ArtifactType = 8
	ArtifactMeta       ArtifactType = 20
	ArtifactStars      ArtifactType = 21
	ArtifactText       ArtifactType = 22
	ArtifactData       ArtifactType = 23
	ArtifactStdOut     ArtifactType = 24
	ArtifactStdErr     ArtifactType = 25
	ArtifactLaserText  ArtifactType = 26
	ArtifactLaserVideo ArtifactType = 27
	ArtifactImgJPG     ArtifactType = 28
)

// DataHeaderSize is the size of the GET_DATA reply header:
// mission id (2 bytes LE) followed by the artifact type (1 byte).
const DataHeaderSize = 3

// MaxDataFrame is the largest GET_DATA reply the link will carry.
// Replies at or above this size are refused.
const MaxDataFrame = 16384

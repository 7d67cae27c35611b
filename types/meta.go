package types

import (
	"encoding/binary"
	"errors"
)

// MetaRecordSize is the encoded size of a MetaRecord.
const MetaRecordSize = 7

// ErrShortMetaRecord is returned when decoding fewer than MetaRecordSize bytes.
var ErrShortMetaRecord = errors.New("metadata record too short")

// MetaRecord is the fixed-layout summary written as _metafile.bin by photo
// missions: class(1) height(2,LE) width(2,LE) channels(1) count(1).
type MetaRecord struct {
	Class    uint8
	Height   uint16
	Width    uint16
	Channels uint8
	Count    uint8
}

// MarshalBinary encodes the record in its 7-byte wire layout.
func (m MetaRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MetaRecordSize)
	buf[0] = m.Class
	binary.LittleEndian.PutUint16(buf[1:3], m.Height)
	binary.LittleEndian.PutUint16(buf[3:5], m.Width)
	buf[5] = m.Channels
	buf[6] = m.Count
	return buf, nil
}

// UnmarshalBinary decodes a 7-byte record. Trailing bytes are ignored.
func (m *MetaRecord) UnmarshalBinary(data []byte) error {
	if len(data) < MetaRecordSize {
		return ErrShortMetaRecord
	}
	m.Class = data[0]
	m.Height = binary.LittleEndian.Uint16(data[1:3])
	m.Width = binary.LittleEndian.Uint16(data[3:5])
	m.Channels = data[5]
	m.Count = data[6]
	return nil
}

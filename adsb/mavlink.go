// Package adsb listens to an ADS-B receiver that reports traffic as
// MAVLink v1 ADSB_VEHICLE messages, and records what it hears as mission
// artifacts.
package adsb

import (
	"encoding/binary"
	"fmt"
)

// MAVLink v1 framing.
const (
	Magic      = 0xFE
	headerSize = 6 // magic, len, seq, sysid, compid, msgid
	crcSize    = 2
)

// Message ids and their CRC_EXTRA seeds. Frames with other ids are treated
// as noise because their checksum cannot be verified.
const (
	MsgHeartbeat   = 0
	MsgADSBVehicle = 246
)

var crcExtra = map[uint8]uint8{
	MsgHeartbeat:   50,
	MsgADSBVehicle: 184,
}

// Frame is one checksum-verified MAVLink v1 packet.
type Frame struct {
	Seq     uint8
	SysID   uint8
	CompID  uint8
	MsgID   uint8
	Payload []byte
	// Raw is the complete packet, magic through checksum.
	Raw []byte
}

// crcAccumulate folds one byte into an X.25 (CRC-16/MCRF4XX) checksum.
func crcAccumulate(b uint8, crc uint16) uint16 {
	tmp := b ^ uint8(crc&0xff)
	tmp ^= tmp << 4
	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

// Checksum computes the MAVLink checksum of a packet body (length byte
// through payload) seeded with the message's CRC_EXTRA.
func Checksum(body []byte, extra uint8) uint16 {
	crc := uint16(0xffff)
	for _, b := range body {
		crc = crcAccumulate(b, crc)
	}
	return crcAccumulate(extra, crc)
}

// EncodeFrame builds a v1 packet. Used by tests and ground tooling.
func EncodeFrame(seq, sysID, compID, msgID uint8, payload []byte) ([]byte, error) {
	extra, ok := crcExtra[msgID]
	if !ok {
		return nil, fmt.Errorf("adsb: no CRC_EXTRA for message %d", msgID)
	}
	if len(payload) > 255 {
		return nil, fmt.Errorf("adsb: payload of %d bytes exceeds 255", len(payload))
	}
	out := make([]byte, 0, headerSize+len(payload)+crcSize)
	out = append(out, Magic, uint8(len(payload)), seq, sysID, compID, msgID)
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint16(out, Checksum(out[1:], extra)), nil
}

// Parser reassembles frames from an arbitrary byte stream. Bytes that do
// not start a verifiable frame are skipped one at a time.
type Parser struct {
	buf []byte

	// Dropped counts bytes skipped while resynchronizing.
	Dropped int
	// BadCRC counts candidate frames rejected by checksum.
	BadCRC int
}

// Feed appends data and returns every complete frame now available.
func (p *Parser) Feed(data []byte) []Frame {
	p.buf = append(p.buf, data...)
	var frames []Frame
	for {
		start := indexMagic(p.buf)
		if start < 0 {
			p.Dropped += len(p.buf)
			p.buf = p.buf[:0]
			return frames
		}
		p.Dropped += start
		p.buf = p.buf[start:]
		if len(p.buf) < headerSize {
			return frames
		}
		total := headerSize + int(p.buf[1]) + crcSize
		if len(p.buf) < total {
			return frames
		}

		msgID := p.buf[5]
		extra, known := crcExtra[msgID]
		want := binary.LittleEndian.Uint16(p.buf[total-crcSize : total])
		if !known || Checksum(p.buf[1:total-crcSize], extra) != want {
			if known {
				p.BadCRC++
			}
			p.Dropped++
			p.buf = p.buf[1:]
			continue
		}

		raw := make([]byte, total)
		copy(raw, p.buf[:total])
		frames = append(frames, Frame{
			Seq:     raw[2],
			SysID:   raw[3],
			CompID:  raw[4],
			MsgID:   msgID,
			Payload: raw[headerSize : total-crcSize],
			Raw:     raw,
		})
		p.buf = p.buf[total:]
	}
}

func indexMagic(b []byte) int {
	for i, c := range b {
		if c == Magic {
			return i
		}
	}
	return -1
}

package adsb

import (
	"encoding/binary"
	"errors"
	"strings"
)

// vehiclePayloadSize is the ADSB_VEHICLE payload length on the wire.
const vehiclePayloadSize = 38

// ErrShortPayload is returned for a payload that cannot hold a vehicle.
var ErrShortPayload = errors.New("adsb: short ADSB_VEHICLE payload")

// Vehicle is a decoded ADSB_VEHICLE report.
type Vehicle struct {
	ICAO         uint32 `msgpack:"icao"`
	Lat          int32  `msgpack:"lat"` // degE7
	Lon          int32  `msgpack:"lon"` // degE7
	AltitudeType uint8  `msgpack:"altitude_type"`
	Altitude     int32  `msgpack:"altitude"` // mm
	Heading      uint16 `msgpack:"heading"`  // cdeg
	HorVelocity  uint16 `msgpack:"hor_velocity"`
	VerVelocity  int16  `msgpack:"ver_velocity"`
	Callsign     string `msgpack:"callsign"`
	EmitterType  uint8  `msgpack:"emitter_type"`
	TSLC         uint8  `msgpack:"tslc"`
	Flags        uint16 `msgpack:"flags"`
	Squawk       uint16 `msgpack:"squawk"`
}

// DecodeVehicle parses an ADSB_VEHICLE payload. Fields are in MAVLink wire
// order: widest types first, then the callsign and the single bytes.
func DecodeVehicle(p []byte) (Vehicle, error) {
	if len(p) < vehiclePayloadSize {
		return Vehicle{}, ErrShortPayload
	}
	le := binary.LittleEndian
	return Vehicle{
		ICAO:         le.Uint32(p[0:4]),
		Lat:          int32(le.Uint32(p[4:8])),
		Lon:          int32(le.Uint32(p[8:12])),
		Altitude:     int32(le.Uint32(p[12:16])),
		Heading:      le.Uint16(p[16:18]),
		HorVelocity:  le.Uint16(p[18:20]),
		VerVelocity:  int16(le.Uint16(p[20:22])),
		Flags:        le.Uint16(p[22:24]),
		Squawk:       le.Uint16(p[24:26]),
		AltitudeType: p[26],
		Callsign:     strings.TrimRight(string(p[27:36]), "\x00"),
		EmitterType:  p[36],
		TSLC:         p[37],
	}, nil
}

// EncodeVehicle is the inverse of DecodeVehicle.
func EncodeVehicle(v Vehicle) []byte {
	le := binary.LittleEndian
	p := make([]byte, vehiclePayloadSize)
	le.PutUint32(p[0:4], v.ICAO)
	le.PutUint32(p[4:8], uint32(v.Lat))
	le.PutUint32(p[8:12], uint32(v.Lon))
	le.PutUint32(p[12:16], uint32(v.Altitude))
	le.PutUint16(p[16:18], v.Heading)
	le.PutUint16(p[18:20], v.HorVelocity)
	le.PutUint16(p[20:22], uint16(v.VerVelocity))
	le.PutUint16(p[22:24], v.Flags)
	le.PutUint16(p[24:26], v.Squawk)
	p[26] = v.AltitudeType
	copy(p[27:36], v.Callsign)
	p[36] = v.EmitterType
	p[37] = v.TSLC
	return p
}

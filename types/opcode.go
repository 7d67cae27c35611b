// Package types defines the wire vocabulary shared by the link, the
// dispatcher, and the mission queue: opcodes, reply codes, state bytes,
// artifact type codes, and the fixed-layout metadata record.
package types

import "fmt"

// Opcode is the first byte of a command frame.
type Opcode byte

// Opcodes understood by the flight computer.
const (
	OpNone         Opcode = 0
	OpGetState     Opcode = 1
	OpGetData      Opcode = 2
	OpPowerOn      Opcode = 3
	OpTakePhoto    Opcode = 4
	OpPowerOff     Opcode = 8
	OpDropOutbox   Opcode = 9
	OpADSB         Opcode = 14
	OpNewTakePhoto Opcode = 15
	OpUploadFile   Opcode = 16
)

var opcodeNames = map[Opcode]string{
	OpNone:         "NONE",
	OpGetState:     "GET_STATE",
	OpGetData:      "GET_DATA",
	OpPowerOn:      "POWER_ON",
	OpTakePhoto:    "TAKE_PHOTO",
	OpPowerOff:     "POWER_OFF",
	OpDropOutbox:   "DROP_OUTBOX",
	OpADSB:         "ADSB",
	OpNewTakePhoto: "NEW_TAKE_PHOTO",
	OpUploadFile:   "UPLOAD_FILE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_%d", byte(o))
}

// IsMission reports whether the opcode starts a mission.
// Mission commands allocate an id, own an outbox directory, and hold the
// dispatcher BUSY while their handler runs.
func (o Opcode) IsMission() bool {
	switch o {
	case OpTakePhoto, OpNewTakePhoto, OpADSB, OpUploadFile:
		return true
	default:
		return false
	}
}

// Reply codes sent as single-byte responses.
const (
	ReplyNoData byte = 0
	ReplyACK    byte = 3
)

// State is the dispatcher state byte reported by GET_STATE.
type State byte

// Dispatcher states.
const (
	StateBusy  State = 0
	StateReady State = 1
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "BUSY"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("STATE_%d", byte(s))
	}
}

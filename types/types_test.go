package types //nolint:revive // types is a valid package name

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
)

// Version is parsed by ground tooling as MAJOR.MINOR.PATCH.
func TestVersion_Numeric(t *testing.T) {
	parts := strings.Split(Version, ".")
	if len(parts) != 3 {
		t.Fatalf("Version %q: want three dot-separated parts", Version)
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 16); err != nil {
			t.Errorf("Version %q: part %q is not a number", Version, p)
		}
	}
}

func TestOpcode_IsMission(t *testing.T) {
	tests := []struct {
		op   Opcode
		want bool
	}{
		{OpNone, false},
		{OpGetState, false},
		{OpGetData, false},
		{OpPowerOn, false},
		{OpTakePhoto, true},
		{OpPowerOff, false},
		{OpDropOutbox, false},
		{OpADSB, true},
		{OpNewTakePhoto, true},
		{OpUploadFile, true},
		{Opcode(200), false},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			if got := tt.op.IsMission(); got != tt.want {
				t.Errorf("IsMission() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpcode_StringUnknown(t *testing.T) {
	if got := Opcode(42).String(); got != "OPCODE_42" {
		t.Errorf("String() = %q, want OPCODE_42", got)
	}
}

func TestMetaRecord_Layout(t *testing.T) {
	rec := MetaRecord{Class: 1, Height: 720, Width: 1280, Channels: 3, Count: 6}
	got, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	want := []byte{0x01, 0xD0, 0x02, 0x00, 0x05, 0x03, 0x06}
	if !bytes.Equal(got, want) {
		t.Fatalf("MarshalBinary = % x, want % x", got, want)
	}

	var back MetaRecord
	if err := back.UnmarshalBinary(got); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if back != rec {
		t.Errorf("decoded %+v, want %+v", back, rec)
	}
}

func TestMetaRecord_Short(t *testing.T) {
	var rec MetaRecord
	if err := rec.UnmarshalBinary([]byte{1, 2, 3}); !errors.Is(err, ErrShortMetaRecord) {
		t.Errorf("expected ErrShortMetaRecord, got %v", err)
	}
}

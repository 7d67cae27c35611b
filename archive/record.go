package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/justapithecus/lode/lode"
)

// Delivery is a parsed delivery record.
type Delivery struct {
	DeliveryID  string `json:"delivery_id" yaml:"delivery_id"`
	MissionID   uint32 `json:"mission_id" yaml:"mission_id"`
	Name        string `json:"name" yaml:"name"`
	Type        uint8  `json:"type" yaml:"type"`
	Bytes       int64  `json:"bytes" yaml:"bytes"`
	Path        string `json:"path" yaml:"path"`
	BootID      string `json:"boot_id" yaml:"boot_id"`
	DeliveredAt string `json:"delivered_at" yaml:"delivered_at"`
}

// ParseDelivery converts a stored record. Numbers may arrive as int from
// direct writes or float64 after a JSON round-trip.
func ParseDelivery(record map[string]any) (*Delivery, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}
	if kind := toString(record["record_kind"]); kind != RecordKindDelivery {
		return nil, fmt.Errorf("record_kind %q is not %q", kind, RecordKindDelivery)
	}

	d := &Delivery{
		DeliveryID:  toString(record["delivery_id"]),
		Name:        toString(record["name"]),
		Type:        uint8(toInt64(record["type"])),
		Bytes:       toInt64(record["bytes"]),
		Path:        toString(record["path"]),
		BootID:      toString(record["boot_id"]),
		DeliveredAt: toString(record["delivered_at"]),
	}
	mission, err := strconv.ParseUint(toString(record["mission"]), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("delivery record mission: %w", err)
	}
	d.MissionID = uint32(mission)

	// The write path always sets these.
	if d.DeliveryID == "" {
		return nil, errors.New("delivery record missing required field: delivery_id")
	}
	if d.Name == "" {
		return nil, errors.New("delivery record missing required field: name")
	}
	return d, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// ListDeliveries returns the parsed delivery records of a mission. Records
// that do not parse are skipped and counted.
func ListDeliveries(ctx context.Context, ds lode.Dataset, missionID uint32) ([]Delivery, int, error) {
	recs, err := Deliveries(ctx, ds, missionID)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Delivery, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		d, err := ParseDelivery(rec)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, *d)
	}
	return out, skipped, nil
}

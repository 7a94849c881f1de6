package telemetry

import (
	"fmt"
	"time"
)

// FieldKey identifies per-metric state: one field on one device.
type FieldKey struct {
	Device uint32  `json:"device"`
	Field  FieldID `json:"field"`
}

func (k FieldKey) String() string {
	return fmt.Sprintf("gpu%d/%s", k.Device, k.Field)
}

// Less orders keys by device, then field.
func (k FieldKey) Less(o FieldKey) bool {
	if k.Device != o.Device {
		return k.Device < o.Device
	}
	return k.Field < o.Field
}

// Sample is a single cached observation of a field.
type Sample struct {
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp uint64 `json:"timestamp"`
	Value     Value  `json:"value"`
}

// Reading is a value returned by a fetch together with its collection time.
type Reading struct {
	Value     Value
	Timestamp uint64
}

// Millis converts a wall-clock time into the millisecond timestamps used by samples.
func Millis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// FromMillis converts a sample timestamp back to time.Time.
func FromMillis(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

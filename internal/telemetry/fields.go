package telemetry

import (
	"fmt"
	"sort"
	"strings"
)

// FieldID identifies a single metric exposed by a telemetry source.
type FieldID uint32

// Field identifiers understood by the collector.
const (
	FieldDeviceName FieldID = 1

	FieldGPUClock FieldID = 100
	FieldMemClock FieldID = 101

	FieldGPUTemp    FieldID = 200
	FieldMemoryTemp FieldID = 201

	FieldPowerUsage FieldID = 300
	FieldFanSpeed   FieldID = 310

	FieldPCIeTx FieldID = 400
	FieldPCIeRx FieldID = 401

	FieldGPUUtil     FieldID = 500
	FieldMemoryBusy  FieldID = 501
	FieldMemoryUsage FieldID = 502
	FieldMemoryTotal FieldID = 503

	FieldECCCorrectTotal   FieldID = 600
	FieldECCUncorrectTotal FieldID = 601
)

// FieldInfo describes a field: its name, unit, value kind and whether querying it is slow.
type FieldInfo struct {
	ID   FieldID   `json:"id"`
	Name string    `json:"name"`
	Unit string    `json:"unit"`
	Kind ValueKind `json:"kind"`
	// Slow fields are served from a background-refreshed cache rather than queried inline.
	Slow bool `json:"slow"`
}

var fields = map[FieldID]FieldInfo{
	FieldDeviceName:        {ID: FieldDeviceName, Name: "device_name", Kind: KindString},
	FieldGPUClock:          {ID: FieldGPUClock, Name: "gpu_clock", Unit: "Hz", Kind: KindInteger},
	FieldMemClock:          {ID: FieldMemClock, Name: "mem_clock", Unit: "Hz", Kind: KindInteger},
	FieldGPUTemp:           {ID: FieldGPUTemp, Name: "gpu_temp", Unit: "millidegree_celsius", Kind: KindInteger},
	FieldMemoryTemp:        {ID: FieldMemoryTemp, Name: "memory_temp", Unit: "millidegree_celsius", Kind: KindInteger},
	FieldPowerUsage:        {ID: FieldPowerUsage, Name: "power_usage", Unit: "microwatt", Kind: KindInteger},
	FieldFanSpeed:          {ID: FieldFanSpeed, Name: "fan_speed", Unit: "rpm", Kind: KindInteger},
	FieldPCIeTx:            {ID: FieldPCIeTx, Name: "pcie_tx", Unit: "bytes_per_second", Kind: KindInteger, Slow: true},
	FieldPCIeRx:            {ID: FieldPCIeRx, Name: "pcie_rx", Unit: "bytes_per_second", Kind: KindInteger, Slow: true},
	FieldGPUUtil:           {ID: FieldGPUUtil, Name: "gpu_util", Unit: "percent", Kind: KindInteger},
	FieldMemoryBusy:        {ID: FieldMemoryBusy, Name: "memory_busy", Unit: "percent", Kind: KindInteger},
	FieldMemoryUsage:       {ID: FieldMemoryUsage, Name: "memory_usage", Unit: "bytes", Kind: KindInteger},
	FieldMemoryTotal:       {ID: FieldMemoryTotal, Name: "memory_total", Unit: "bytes", Kind: KindInteger},
	FieldECCCorrectTotal:   {ID: FieldECCCorrectTotal, Name: "ecc_correct_total", Unit: "count", Kind: KindInteger},
	FieldECCUncorrectTotal: {ID: FieldECCUncorrectTotal, Name: "ecc_uncorrect_total", Unit: "count", Kind: KindInteger},
}

// LookupField returns the description of a known field.
func LookupField(id FieldID) (FieldInfo, bool) {
	info, ok := fields[id]
	return info, ok
}

// FieldByName resolves a field by its name (case-insensitive).
func FieldByName(name string) (FieldInfo, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, info := range fields {
		if info.Name == name {
			return info, true
		}
	}
	return FieldInfo{}, false
}

// IsSlow reports whether a field is expensive to query.
func (f FieldID) IsSlow() bool {
	return fields[f].Slow
}

// Valid reports whether the field is known.
func (f FieldID) Valid() bool {
	_, ok := fields[f]
	return ok
}

func (f FieldID) String() string {
	if info, ok := fields[f]; ok {
		return info.Name
	}
	return fmt.Sprintf("field_%d", uint32(f))
}

// AllFields returns every known field ordered by id.
func AllFields() []FieldInfo {
	out := make([]FieldInfo, 0, len(fields))
	for _, info := range fields {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateFields returns ErrBadParameter for the first unknown field id.
func ValidateFields(ids []FieldID) error {
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("%w: unknown field id %d", ErrBadParameter, uint32(id))
		}
	}
	return nil
}

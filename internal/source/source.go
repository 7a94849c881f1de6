package source

import (
	"fmt"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// MetricSource is the only point of contact with device hardware. Query is
// synchronous and may block for the duration of the underlying read.
type MetricSource interface {
	Query(device uint32, field telemetry.FieldID) (telemetry.Value, error)
}

// DeviceAttributes are static properties of a device.
type DeviceAttributes struct {
	Index  uint32 `json:"index"`
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	// PCI is the bus address when the backend knows it.
	PCI string `json:"pci,omitempty"`
}

// DeviceEnumerator lists the devices a backend can query.
type DeviceEnumerator interface {
	AllDevices() ([]uint32, error)
	Attributes(device uint32) (DeviceAttributes, error)
}

// Backend is a telemetry source selected at configuration time.
// Implementations must be safe for concurrent use.
type Backend interface {
	MetricSource
	DeviceEnumerator

	// Name returns the registry name of the backend
	Name() string
	// Init opens the underlying device interfaces
	Init() error
	// Shutdown releases resources acquired by Init
	Shutdown() error
}

// ErrDeviceNotFound is returned for device indexes a backend does not know.
type ErrDeviceNotFound struct {
	Device uint32
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("device not found: index %d", e.Device)
}

// Is lets ErrDeviceNotFound match telemetry.ErrNotFound.
func (e ErrDeviceNotFound) Is(target error) bool {
	return target == telemetry.ErrNotFound
}

// Unsupported builds the error a backend returns for a field it cannot read.
func Unsupported(backend string, field telemetry.FieldID) error {
	return fmt.Errorf("%w: %s does not provide %s", telemetry.ErrUnsupported, backend, field)
}

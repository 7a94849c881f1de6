// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package nvidia reads NVIDIA GPU telemetry through NVML.
package nvidia

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Name is the registry name of the backend.
const Name = "nvml"

func init() {
	source.Register(Name, func(logger zerolog.Logger, _ source.Options) (source.Backend, error) {
		return New(logger), nil
	})
}

type device struct {
	handle deviceHandle
	uuid   string
	name   string
}

// Backend serves every device NVML reports. Safe for concurrent use.
type Backend struct {
	logger zerolog.Logger
	lib    nvmlLib

	mu          sync.RWMutex
	devices     []device
	initialized bool
}

// New creates an NVML backend. The library is loaded in Init.
func New(logger zerolog.Logger) *Backend {
	return newWithLib(logger, realNvmlLib{})
}

func newWithLib(logger zerolog.Logger, lib nvmlLib) *Backend {
	return &Backend{
		logger: logger.With().Str("component", "nvml_backend").Logger(),
		lib:    lib,
	}
}

func (b *Backend) Name() string { return Name }

// Init loads NVML and enumerates devices.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	if ret := b.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("%w: NVML init failed: %s", telemetry.ErrUnsupported, b.lib.ErrorString(ret))
	}

	count, ret := b.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = b.lib.Shutdown()
		return fmt.Errorf("%w: get device count: %s", telemetry.ErrHardware, b.lib.ErrorString(ret))
	}

	b.devices = make([]device, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := b.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			b.logger.Warn().Int("index", i).Str("error", b.lib.ErrorString(ret)).Msg("Failed to get device handle")
			continue
		}

		uuid, ret := handle.GetUUID()
		if ret != nvml.SUCCESS {
			uuid = fmt.Sprintf("gpu-%d", i)
		}
		name, ret := handle.GetName()
		if ret != nvml.SUCCESS {
			name = "Unknown NVIDIA GPU"
		}

		b.devices = append(b.devices, device{handle: handle, uuid: uuid, name: name})
		b.logger.Info().Int("index", i).Str("uuid", uuid).Str("name", name).Msg("Discovered GPU")
	}

	b.initialized = true
	b.logger.Info().Int("device_count", len(b.devices)).Msg("NVML initialized")
	return nil
}

// Shutdown releases NVML.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}
	if ret := b.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", b.lib.ErrorString(ret))
	}
	b.devices = nil
	b.initialized = false
	return nil
}

// AllDevices implements source.DeviceEnumerator.
func (b *Backend) AllDevices() ([]uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]uint32, len(b.devices))
	for i := range b.devices {
		out[i] = uint32(i)
	}
	return out, nil
}

// Attributes implements source.DeviceEnumerator.
func (b *Backend) Attributes(index uint32) (source.DeviceAttributes, error) {
	d, err := b.device(index)
	if err != nil {
		return source.DeviceAttributes{}, err
	}
	return source.DeviceAttributes{Index: index, Name: d.name, Vendor: "nvidia"}, nil
}

// Query implements source.MetricSource.
func (b *Backend) Query(index uint32, field telemetry.FieldID) (telemetry.Value, error) {
	d, err := b.device(index)
	if err != nil {
		return telemetry.Value{}, err
	}

	var (
		v   uint64
		ret nvml.Return
	)
	switch field {
	case telemetry.FieldDeviceName:
		return telemetry.StringValue(d.name), nil
	case telemetry.FieldPowerUsage:
		var mw uint32
		mw, ret = d.handle.GetPowerUsage()
		v = uint64(mw) * 1000
	case telemetry.FieldGPUTemp:
		var c uint32
		c, ret = d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
		v = uint64(c) * 1000
	case telemetry.FieldGPUClock, telemetry.FieldMemClock:
		clock := nvml.CLOCK_GRAPHICS
		if field == telemetry.FieldMemClock {
			clock = nvml.CLOCK_MEM
		}
		var mhz uint32
		mhz, ret = d.handle.GetClockInfo(clock)
		v = uint64(mhz) * 1_000_000
	case telemetry.FieldGPUUtil, telemetry.FieldMemoryBusy:
		var util nvml.Utilization
		util, ret = d.handle.GetUtilizationRates()
		v = uint64(util.Gpu)
		if field == telemetry.FieldMemoryBusy {
			v = uint64(util.Memory)
		}
	case telemetry.FieldMemoryUsage, telemetry.FieldMemoryTotal:
		var mem nvml.Memory
		mem, ret = d.handle.GetMemoryInfo()
		v = mem.Used
		if field == telemetry.FieldMemoryTotal {
			v = mem.Total
		}
	case telemetry.FieldECCCorrectTotal:
		v, ret = d.handle.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_CORRECTED, nvml.VOLATILE_ECC)
	case telemetry.FieldECCUncorrectTotal:
		v, ret = d.handle.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_UNCORRECTED, nvml.VOLATILE_ECC)
	case telemetry.FieldPCIeTx, telemetry.FieldPCIeRx:
		counter := nvml.PCIE_UTIL_TX_BYTES
		if field == telemetry.FieldPCIeRx {
			counter = nvml.PCIE_UTIL_RX_BYTES
		}
		var kbps uint32
		kbps, ret = d.handle.GetPcieThroughput(counter)
		v = uint64(kbps) * 1024
	default:
		return telemetry.Value{}, source.Unsupported(Name, field)
	}

	if err := b.check(ret, field); err != nil {
		return telemetry.Value{}, err
	}
	return telemetry.IntValue(int64(v)), nil
}

func (b *Backend) check(ret nvml.Return, field telemetry.FieldID) error {
	switch ret {
	case nvml.SUCCESS:
		return nil
	case nvml.ERROR_NOT_SUPPORTED:
		return source.Unsupported(Name, field)
	default:
		return fmt.Errorf("%w: %s: %s", telemetry.ErrHardware, field, b.lib.ErrorString(ret))
	}
}

func (b *Backend) device(index uint32) (device, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized || int(index) >= len(b.devices) {
		return device{}, source.ErrDeviceNotFound{Device: index}
	}
	return b.devices[index], nil
}

var _ source.Backend = (*Backend)(nil)

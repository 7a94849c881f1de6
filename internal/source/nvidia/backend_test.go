package nvidia

import (
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

type mockNvmlLib struct {
	mock.Mock
}

func (m *mockNvmlLib) Init() nvml.Return {
	args := m.Called()
	return args.Get(0).(nvml.Return)
}

func (m *mockNvmlLib) Shutdown() nvml.Return {
	args := m.Called()
	return args.Get(0).(nvml.Return)
}

func (m *mockNvmlLib) DeviceGetCount() (int, nvml.Return) {
	args := m.Called()
	return args.Int(0), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) DeviceGetHandleByIndex(index int) (deviceHandle, nvml.Return) {
	args := m.Called(index)
	handle := args.Get(0)
	if handle == nil {
		return nil, args.Get(1).(nvml.Return)
	}
	return handle.(deviceHandle), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) ErrorString(ret nvml.Return) string {
	args := m.Called(ret)
	return args.String(0)
}

type mockDeviceHandle struct {
	mock.Mock
}

func (m *mockDeviceHandle) GetUUID() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetName() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetPowerUsage() (uint32, nvml.Return) {
	args := m.Called()
	return args.Get(0).(uint32), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return) {
	args := m.Called(sensor)
	return args.Get(0).(uint32), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetClockInfo(clock nvml.ClockType) (uint32, nvml.Return) {
	args := m.Called(clock)
	return args.Get(0).(uint32), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetUtilizationRates() (nvml.Utilization, nvml.Return) {
	args := m.Called()
	return args.Get(0).(nvml.Utilization), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetMemoryInfo() (nvml.Memory, nvml.Return) {
	args := m.Called()
	return args.Get(0).(nvml.Memory), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetTotalEccErrors(errorType nvml.MemoryErrorType, counterType nvml.EccCounterType) (uint64, nvml.Return) {
	args := m.Called(errorType, counterType)
	return args.Get(0).(uint64), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetPcieThroughput(counter nvml.PcieUtilCounter) (uint32, nvml.Return) {
	args := m.Called(counter)
	return args.Get(0).(uint32), args.Get(1).(nvml.Return)
}

func initializedBackend(t *testing.T) (*Backend, *mockNvmlLib, *mockDeviceHandle) {
	t.Helper()

	lib := new(mockNvmlLib)
	handle := new(mockDeviceHandle)
	lib.On("Init").Return(nvml.SUCCESS)
	lib.On("DeviceGetCount").Return(1, nvml.SUCCESS)
	lib.On("DeviceGetHandleByIndex", 0).Return(handle, nvml.SUCCESS)
	lib.On("ErrorString", mock.Anything).Return("nvml error")
	handle.On("GetUUID").Return("GPU-1234", nvml.SUCCESS)
	handle.On("GetName").Return("NVIDIA H100", nvml.SUCCESS)

	b := newWithLib(zerolog.Nop(), lib)
	require.NoError(t, b.Init())
	return b, lib, handle
}

func TestBackend_Init(t *testing.T) {
	t.Run("successful init", func(t *testing.T) {
		b, lib, _ := initializedBackend(t)

		devices, err := b.AllDevices()
		require.NoError(t, err)
		assert.Equal(t, []uint32{0}, devices)

		attrs, err := b.Attributes(0)
		require.NoError(t, err)
		assert.Equal(t, "NVIDIA H100", attrs.Name)
		assert.Equal(t, "nvidia", attrs.Vendor)

		lib.AssertExpectations(t)
	})

	t.Run("library missing is unsupported", func(t *testing.T) {
		lib := new(mockNvmlLib)
		lib.On("Init").Return(nvml.ERROR_LIBRARY_NOT_FOUND)
		lib.On("ErrorString", nvml.ERROR_LIBRARY_NOT_FOUND).Return("library not found")

		b := newWithLib(zerolog.Nop(), lib)
		err := b.Init()
		assert.ErrorIs(t, err, telemetry.ErrUnsupported)

		_, err = b.Query(0, telemetry.FieldPowerUsage)
		assert.ErrorIs(t, err, telemetry.ErrNotFound)
	})

	t.Run("device count failure shuts down", func(t *testing.T) {
		lib := new(mockNvmlLib)
		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(0, nvml.ERROR_UNKNOWN)
		lib.On("Shutdown").Return(nvml.SUCCESS)
		lib.On("ErrorString", nvml.ERROR_UNKNOWN).Return("unknown")

		b := newWithLib(zerolog.Nop(), lib)
		assert.ErrorIs(t, b.Init(), telemetry.ErrHardware)
		lib.AssertCalled(t, "Shutdown")
	})
}

func TestBackend_Query(t *testing.T) {
	b, _, handle := initializedBackend(t)

	handle.On("GetPowerUsage").Return(uint32(5000), nvml.SUCCESS)
	handle.On("GetTemperature", nvml.TEMPERATURE_GPU).Return(uint32(61), nvml.SUCCESS)
	handle.On("GetClockInfo", nvml.CLOCK_GRAPHICS).Return(uint32(1980), nvml.SUCCESS)
	handle.On("GetClockInfo", nvml.CLOCK_MEM).Return(uint32(2619), nvml.SUCCESS)
	handle.On("GetUtilizationRates").Return(nvml.Utilization{Gpu: 87, Memory: 30}, nvml.SUCCESS)
	handle.On("GetMemoryInfo").Return(nvml.Memory{Total: 80 << 30, Used: 10 << 30}, nvml.SUCCESS)
	handle.On("GetTotalEccErrors", nvml.MEMORY_ERROR_TYPE_CORRECTED, nvml.VOLATILE_ECC).Return(uint64(3), nvml.SUCCESS)
	handle.On("GetTotalEccErrors", nvml.MEMORY_ERROR_TYPE_UNCORRECTED, nvml.VOLATILE_ECC).Return(uint64(0), nvml.SUCCESS)
	handle.On("GetPcieThroughput", nvml.PCIE_UTIL_TX_BYTES).Return(uint32(100), nvml.SUCCESS)
	handle.On("GetPcieThroughput", nvml.PCIE_UTIL_RX_BYTES).Return(uint32(0), nvml.ERROR_NOT_SUPPORTED)

	tests := []struct {
		name  string
		field telemetry.FieldID
		want  int64
	}{
		{name: "power in microwatts", field: telemetry.FieldPowerUsage, want: 5_000_000},
		{name: "temperature in millidegrees", field: telemetry.FieldGPUTemp, want: 61_000},
		{name: "graphics clock in Hz", field: telemetry.FieldGPUClock, want: 1_980_000_000},
		{name: "memory clock in Hz", field: telemetry.FieldMemClock, want: 2_619_000_000},
		{name: "gpu util", field: telemetry.FieldGPUUtil, want: 87},
		{name: "memory busy", field: telemetry.FieldMemoryBusy, want: 30},
		{name: "memory used", field: telemetry.FieldMemoryUsage, want: 10 << 30},
		{name: "memory total", field: telemetry.FieldMemoryTotal, want: 80 << 30},
		{name: "ecc corrected", field: telemetry.FieldECCCorrectTotal, want: 3},
		{name: "ecc uncorrected", field: telemetry.FieldECCUncorrectTotal, want: 0},
		{name: "pcie tx in bytes", field: telemetry.FieldPCIeTx, want: 100 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := b.Query(0, tt.field)
			require.NoError(t, err)
			got, ok := v.Int()
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("not supported maps to unsupported", func(t *testing.T) {
		_, err := b.Query(0, telemetry.FieldPCIeRx)
		assert.ErrorIs(t, err, telemetry.ErrUnsupported)
	})

	t.Run("fields without an nvml reading", func(t *testing.T) {
		_, err := b.Query(0, telemetry.FieldMemoryTemp)
		assert.ErrorIs(t, err, telemetry.ErrUnsupported)
	})

	t.Run("name", func(t *testing.T) {
		v, err := b.Query(0, telemetry.FieldDeviceName)
		require.NoError(t, err)
		assert.Equal(t, "NVIDIA H100", v.String())
	})
}

func TestBackend_QueryHardwareError(t *testing.T) {
	b, _, handle := initializedBackend(t)
	handle.On("GetPowerUsage").Return(uint32(0), nvml.ERROR_GPU_IS_LOST)

	_, err := b.Query(0, telemetry.FieldPowerUsage)
	assert.ErrorIs(t, err, telemetry.ErrHardware)
	assert.Equal(t, telemetry.StatusHardwareError, telemetry.StatusOf(err))
}

func TestBackend_Shutdown(t *testing.T) {
	b, lib, _ := initializedBackend(t)
	lib.On("Shutdown").Return(nvml.SUCCESS)

	require.NoError(t, b.Shutdown())
	require.NoError(t, b.Shutdown())
	lib.AssertNumberOfCalls(t, "Shutdown", 1)

	devices, err := b.AllDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

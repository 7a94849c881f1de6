package source

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Query(device uint32, field telemetry.FieldID) (telemetry.Value, error) {
	args := m.Called(device, field)
	return args.Get(0).(telemetry.Value), args.Error(1)
}

func (m *MockBackend) AllDevices() ([]uint32, error) {
	args := m.Called()
	return args.Get(0).([]uint32), args.Error(1)
}

func (m *MockBackend) Attributes(device uint32) (DeviceAttributes, error) {
	args := m.Called(device)
	return args.Get(0).(DeviceAttributes), args.Error(1)
}

func (m *MockBackend) Name() string {
	return m.Called().String(0)
}

func (m *MockBackend) Init() error {
	return m.Called().Error(0)
}

func (m *MockBackend) Shutdown() error {
	return m.Called().Error(0)
}

func TestNew(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		_, err := New("does-not-exist", zerolog.Nop(), Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, telemetry.ErrUnsupported)
	})

	t.Run("init is called", func(t *testing.T) {
		backend := new(MockBackend)
		backend.On("Init").Return(nil)
		Register("test-ok", func(zerolog.Logger, Options) (Backend, error) { return backend, nil })

		got, err := New("test-ok", zerolog.Nop(), Options{})
		require.NoError(t, err)
		assert.Same(t, backend, got)
		backend.AssertExpectations(t)
	})

	t.Run("init failure is returned", func(t *testing.T) {
		backend := new(MockBackend)
		backend.On("Init").Return(errors.New("no devices"))
		Register("test-init-fail", func(zerolog.Logger, Options) (Backend, error) { return backend, nil })

		_, err := New("test-init-fail", zerolog.Nop(), Options{})
		assert.ErrorContains(t, err, "no devices")
	})

	t.Run("factory failure is returned", func(t *testing.T) {
		Register("test-factory-fail", func(zerolog.Logger, Options) (Backend, error) {
			return nil, errors.New("bad options")
		})

		_, err := New("test-factory-fail", zerolog.Nop(), Options{})
		assert.ErrorContains(t, err, "bad options")
	})

	assert.Subset(t, Registered(), []string{"test-ok", "test-init-fail", "test-factory-fail"})
}

func TestErrDeviceNotFound(t *testing.T) {
	err := error(ErrDeviceNotFound{Device: 3})
	assert.ErrorIs(t, err, telemetry.ErrNotFound)
	assert.Equal(t, telemetry.StatusNotFound, telemetry.StatusOf(err))
	assert.Equal(t, telemetry.StatusUnsupported, telemetry.StatusOf(Unsupported("x", telemetry.FieldPCIeTx)))
}

// Package sim provides a deterministic simulated telemetry backend. It is
// used for development on hosts without accelerators and as a scriptable
// source in tests.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Name is the registry name of the backend.
const Name = "sim"

const (
	gib          = 1 << 30
	defaultCount = 2
)

func init() {
	source.Register(Name, func(logger zerolog.Logger, opts source.Options) (source.Backend, error) {
		count := opts.SimDevices
		if count == 0 {
			count = defaultCount
		}
		return New(logger, clock.RealClock{}, count, opts.SimSlowLatency)
	})
}

// Backend simulates a fixed number of devices.
type Backend struct {
	logger      zerolog.Logger
	clock       clock.PassiveClock
	devices     int
	slowLatency time.Duration

	mu        sync.Mutex
	overrides map[telemetry.FieldKey]telemetry.Value
	failures  map[telemetry.FieldKey]error
	queries   map[telemetry.FieldKey]int
	block     chan struct{}
}

// New creates a simulated backend with count devices.
func New(logger zerolog.Logger, clk clock.PassiveClock, count int, slowLatency time.Duration) (*Backend, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative device count %d", telemetry.ErrBadParameter, count)
	}
	return &Backend{
		logger:      logger.With().Str("component", "sim_backend").Logger(),
		clock:       clk,
		devices:     count,
		slowLatency: slowLatency,
		overrides:   make(map[telemetry.FieldKey]telemetry.Value),
		failures:    make(map[telemetry.FieldKey]error),
		queries:     make(map[telemetry.FieldKey]int),
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Init() error {
	b.logger.Info().Int("devices", b.devices).Msg("Simulated telemetry backend ready")
	return nil
}

func (b *Backend) Shutdown() error { return nil }

// AllDevices implements source.DeviceEnumerator.
func (b *Backend) AllDevices() ([]uint32, error) {
	out := make([]uint32, b.devices)
	for i := range out {
		out[i] = uint32(i)
	}
	return out, nil
}

// Attributes implements source.DeviceEnumerator.
func (b *Backend) Attributes(device uint32) (source.DeviceAttributes, error) {
	if int(device) >= b.devices {
		return source.DeviceAttributes{}, source.ErrDeviceNotFound{Device: device}
	}
	return source.DeviceAttributes{
		Index:  device,
		Name:   deviceName(device),
		Vendor: "simulated",
		PCI:    fmt.Sprintf("0000:%02x:00.0", device+1),
	}, nil
}

// Set pins a field to a fixed value until cleared with Reset.
func (b *Backend) Set(device uint32, field telemetry.FieldID, v telemetry.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := telemetry.FieldKey{Device: device, Field: field}
	b.overrides[key] = v
	delete(b.failures, key)
}

// Fail makes queries for a field return err.
func (b *Backend) Fail(device uint32, field telemetry.FieldID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[telemetry.FieldKey{Device: device, Field: field}] = err
}

// Reset drops all pinned values and failures.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides = make(map[telemetry.FieldKey]telemetry.Value)
	b.failures = make(map[telemetry.FieldKey]error)
}

// Hold makes every slow-field query block until the returned release func is called.
func (b *Backend) Hold() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.block = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.block == ch {
				b.block = nil
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Queries reports how many times a field has been queried.
func (b *Backend) Queries(device uint32, field telemetry.FieldID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[telemetry.FieldKey{Device: device, Field: field}]
}

// Query implements source.MetricSource.
func (b *Backend) Query(device uint32, field telemetry.FieldID) (telemetry.Value, error) {
	if int(device) >= b.devices {
		return telemetry.Value{}, source.ErrDeviceNotFound{Device: device}
	}

	key := telemetry.FieldKey{Device: device, Field: field}
	b.mu.Lock()
	b.queries[key]++
	block := b.block
	b.mu.Unlock()

	if field.IsSlow() {
		if block != nil {
			<-block
		}
		if b.slowLatency > 0 {
			time.Sleep(b.slowLatency)
		}
	}

	b.mu.Lock()
	err, failing := b.failures[key]
	v, pinned := b.overrides[key]
	b.mu.Unlock()

	if failing {
		return telemetry.Value{}, err
	}
	if pinned {
		return v, nil
	}
	return b.generate(device, field)
}

func (b *Backend) generate(device uint32, field telemetry.FieldID) (telemetry.Value, error) {
	sec := b.clock.Now().Unix()
	wobble := sec % 10
	d := int64(device)

	switch field {
	case telemetry.FieldDeviceName:
		return telemetry.StringValue(deviceName(device)), nil
	case telemetry.FieldGPUClock:
		return telemetry.IntValue((1500 + 10*wobble + 50*d) * 1_000_000), nil
	case telemetry.FieldMemClock:
		return telemetry.IntValue(1200 * 1_000_000), nil
	case telemetry.FieldGPUTemp:
		return telemetry.IntValue((45 + wobble + d) * 1000), nil
	case telemetry.FieldMemoryTemp:
		return telemetry.IntValue((50 + wobble) * 1000), nil
	case telemetry.FieldPowerUsage:
		return telemetry.IntValue((150 + 5*wobble + 10*d) * 1_000_000), nil
	case telemetry.FieldFanSpeed:
		return telemetry.IntValue(1200 + 20*wobble), nil
	case telemetry.FieldPCIeTx:
		return telemetry.IntValue((200 + wobble) * 1_000_000), nil
	case telemetry.FieldPCIeRx:
		return telemetry.IntValue((100 + wobble) * 1_000_000), nil
	case telemetry.FieldGPUUtil:
		return telemetry.IntValue(10 * wobble), nil
	case telemetry.FieldMemoryBusy:
		return telemetry.IntValue(5 * wobble), nil
	case telemetry.FieldMemoryUsage:
		return telemetry.IntValue((d + 1) * gib), nil
	case telemetry.FieldMemoryTotal:
		return telemetry.IntValue(16 * gib), nil
	case telemetry.FieldECCCorrectTotal:
		return telemetry.IntValue(sec / 60), nil
	case telemetry.FieldECCUncorrectTotal:
		return telemetry.IntValue(0), nil
	default:
		return telemetry.Value{}, source.Unsupported(Name, field)
	}
}

func deviceName(device uint32) string {
	return fmt.Sprintf("Simulated GPU %d", device)
}

var _ source.Backend = (*Backend)(nil)

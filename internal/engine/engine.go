// Package engine ties the watch table, fetcher and cache into the collector's
// public API and runs the periodic updater.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/sreeram77/gpu-collector/internal/cache"
	"github.com/sreeram77/gpu-collector/internal/fetcher"
	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
	"github.com/sreeram77/gpu-collector/internal/watch"
)

// Mode selects who drives collection.
type Mode string

const (
	// ModeAuto runs the updater loop in the background.
	ModeAuto Mode = "auto"
	// ModeManual collects only when UpdateAll is called.
	ModeManual Mode = "manual"
)

// Defaults for Options.
const (
	DefaultTickInterval      = time.Millisecond
	DefaultCleanupInterval   = time.Second
	DefaultMaxJobs           = 64
	DefaultJobMaxKeepAge     = time.Hour
	DefaultJobMaxKeepSamples = 3600
)

// GroupResolver turns group ids into device and field lists.
type GroupResolver interface {
	Devices(groupID uint32) ([]uint32, error)
	Fields(fieldGroupID uint32) ([]telemetry.FieldID, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Source  source.MetricSource
	Devices source.DeviceEnumerator
	Groups  GroupResolver
	// Clock defaults to the real clock.
	Clock clock.WithTicker
}

// Options configures an Engine.
type Options struct {
	Mode              Mode
	TickInterval      time.Duration
	CleanupInterval   time.Duration
	SlowTTL           time.Duration
	FetchQueueSize    int
	MaxJobs           int
	JobMaxKeepAge     time.Duration
	JobMaxKeepSamples int
}

func (o *Options) applyDefaults() error {
	switch o.Mode {
	case "":
		o.Mode = ModeAuto
	case ModeAuto, ModeManual:
	default:
		return fmt.Errorf("%w: unknown engine mode %q", telemetry.ErrBadParameter, o.Mode)
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.MaxJobs <= 0 {
		o.MaxJobs = DefaultMaxJobs
	}
	if o.JobMaxKeepAge <= 0 {
		o.JobMaxKeepAge = DefaultJobMaxKeepAge
	}
	if o.JobMaxKeepSamples <= 0 {
		o.JobMaxKeepSamples = DefaultJobMaxKeepSamples
	}
	return nil
}

// Engine is the collection pipeline. All methods are safe for concurrent use.
type Engine struct {
	logger  zerolog.Logger
	opts    Options
	clock   clock.WithTicker
	devices source.DeviceEnumerator
	groups  GroupResolver

	table   *watch.Table
	fetcher *fetcher.Fetcher
	cache   *cache.Cache
	metrics engineMetrics

	// passMu serializes collection passes so samples per key stay ordered.
	passMu      sync.Mutex
	lastCleanup time.Time

	// jobMu serializes job lifecycle calls across the table and the cache.
	jobMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine. Call Start before use.
func New(logger zerolog.Logger, deps Deps, opts Options) (*Engine, error) {
	if deps.Source == nil || deps.Devices == nil || deps.Groups == nil {
		return nil, fmt.Errorf("%w: engine requires a source, a device enumerator and a group resolver",
			telemetry.ErrBadParameter)
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger = logger.With().Str("component", "engine").Logger()
	return &Engine{
		logger:  logger,
		opts:    opts,
		clock:   clk,
		devices: deps.Devices,
		groups:  deps.Groups,
		table:   watch.NewTable(logger),
		fetcher: fetcher.New(logger, deps.Source, clk, fetcher.Options{
			TTL:       opts.SlowTTL,
			QueueSize: opts.FetchQueueSize,
		}),
		cache:   cache.New(logger),
		metrics: newEngineMetrics(),
	}, nil
}

// Start runs the slow-field worker and, in auto mode, the updater loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine already running: %w", telemetry.ErrConflict)
	}
	if e.stopped {
		return fmt.Errorf("engine cannot be restarted: %w", telemetry.ErrConflict)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.fetcher.Start(ctx)
	if e.opts.Mode == ModeAuto {
		e.wg.Add(1)
		go e.run(ctx)
	}
	e.running = true

	e.logger.Info().
		Str("mode", string(e.opts.Mode)).
		Dur("tick_interval", e.opts.TickInterval).
		Msg("Engine started")
	return nil
}

// Stop halts the updater and waits for an in-flight pass to finish. A stopped
// engine cannot be started again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.fetcher.Stop()
	e.logger.Info().Msg("Engine stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Mode returns the configured collection mode.
func (e *Engine) Mode() Mode {
	return e.opts.Mode
}

// Watch registers interest in a field group on a device group.
func (e *Engine) Watch(groupID, fieldGroupID uint32, opts watch.Options) error {
	devices, fields, err := e.resolve(groupID, fieldGroupID)
	if err != nil {
		return err
	}
	return e.table.Watch(devices, fields, groupID, fieldGroupID, opts, e.clock.Now())
}

// Unwatch deactivates a watch. Cached values remain readable until cleanup.
func (e *Engine) Unwatch(groupID, fieldGroupID uint32) error {
	return e.table.Unwatch(groupID, fieldGroupID, e.clock.Now())
}

// GetLatest returns the most recent cached sample of a field.
func (e *Engine) GetLatest(device uint32, field telemetry.FieldID) (telemetry.Sample, error) {
	if !field.Valid() {
		return telemetry.Sample{}, fmt.Errorf("%w: unknown field id %d", telemetry.ErrBadParameter, uint32(field))
	}
	return e.cache.LatestValue(telemetry.FieldKey{Device: device, Field: field})
}

// GetSince returns the first cached sample at or after since, and the cursor
// to pass on the next call.
func (e *Engine) GetSince(device uint32, field telemetry.FieldID, since uint64) (telemetry.Sample, uint64, error) {
	if !field.Valid() {
		return telemetry.Sample{}, 0, fmt.Errorf("%w: unknown field id %d", telemetry.ErrBadParameter, uint32(field))
	}
	return e.cache.ValueSince(telemetry.FieldKey{Device: device, Field: field}, since)
}

// Latest returns the newest sample of every cached key.
func (e *Engine) Latest() map[telemetry.FieldKey]telemetry.Sample {
	return e.cache.Latest()
}

// Requests lists registered watch requests.
func (e *Engine) Requests() []watch.Request {
	return e.table.Requests()
}

// Devices lists the attributes of every device the source reports.
func (e *Engine) Devices() ([]source.DeviceAttributes, error) {
	ids, err := e.devices.AllDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]source.DeviceAttributes, 0, len(ids))
	for _, id := range ids {
		attrs, err := e.devices.Attributes(id)
		if err != nil {
			return nil, fmt.Errorf("device %d attributes: %w", id, err)
		}
		out = append(out, attrs)
	}
	return out, nil
}

func (e *Engine) resolve(groupID, fieldGroupID uint32) ([]uint32, []telemetry.FieldID, error) {
	devices, err := e.groups.Devices(groupID)
	if err != nil {
		return nil, nil, err
	}
	fields, err := e.groups.Fields(fieldGroupID)
	if err != nil {
		return nil, nil, err
	}
	return devices, fields, nil
}

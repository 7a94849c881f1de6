// Package fetcher reads single fields from a telemetry source. Slow fields are
// served from a TTL cache that one background worker refreshes, so callers
// never wait on a slow hardware read.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultTTL       = 30 * time.Second
	DefaultQueueSize = 64
)

// Options configures a Fetcher.
type Options struct {
	// TTL is how long a refreshed slow value is served before another refresh is requested.
	TTL time.Duration
	// QueueSize bounds the number of pending refreshes.
	QueueSize int
}

type refreshEntry struct {
	refreshedAt time.Time
	value       telemetry.Value
	hasValue    bool
	err         error
}

// Fetcher implements the metric fetch path used by the updater.
type Fetcher struct {
	logger zerolog.Logger
	src    source.MetricSource
	clock  clock.PassiveClock
	ttl    time.Duration

	mu      sync.Mutex
	lastTS  uint64
	entries map[telemetry.FieldKey]*refreshEntry
	pending map[telemetry.FieldKey]struct{}

	queue    chan telemetry.FieldKey
	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
}

// New creates a Fetcher. Call Start to run the refresh worker.
func New(logger zerolog.Logger, src source.MetricSource, clk clock.PassiveClock, opts Options) *Fetcher {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Fetcher{
		logger:  logger.With().Str("component", "fetcher").Logger(),
		src:     src,
		clock:   clk,
		ttl:     opts.TTL,
		entries: make(map[telemetry.FieldKey]*refreshEntry),
		pending: make(map[telemetry.FieldKey]struct{}),
		queue:   make(chan telemetry.FieldKey, opts.QueueSize),
		stop:    make(chan struct{}),
	}
}

// Start launches the refresh worker. It exits when ctx is done or Stop is called.
func (f *Fetcher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.worker(ctx)
}

// Stop signals the worker and waits for an in-flight refresh to finish.
func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
}

// FetchOne returns the current value of a field with its collection timestamp.
// For slow fields it returns the last refreshed value, or ErrNotAvailable if
// no refresh has completed yet.
func (f *Fetcher) FetchOne(device uint32, field telemetry.FieldID) (telemetry.Reading, error) {
	if !field.IsSlow() {
		v, err := f.src.Query(device, field)
		if err != nil {
			return telemetry.Reading{}, classify(err)
		}
		return telemetry.Reading{Value: v, Timestamp: f.stamp()}, nil
	}

	key := telemetry.FieldKey{Device: device, Field: field}
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[key]
	if entry == nil || now.Sub(entry.refreshedAt) >= f.ttl {
		f.enqueueLocked(key)
	}

	switch {
	case entry != nil && entry.hasValue:
		return telemetry.Reading{Value: entry.value, Timestamp: f.stampLocked(now)}, nil
	case entry != nil && entry.err != nil:
		return telemetry.Reading{}, entry.err
	default:
		return telemetry.Reading{}, fmt.Errorf("%s: %w", key, telemetry.ErrNotAvailable)
	}
}

// enqueueLocked requests a refresh unless one is already queued or running.
func (f *Fetcher) enqueueLocked(key telemetry.FieldKey) {
	if _, ok := f.pending[key]; ok {
		return
	}
	select {
	case f.queue <- key:
		f.pending[key] = struct{}{}
	default:
		f.logger.Warn().Stringer("key", key).Msg("Refresh queue full, dropping request")
	}
}

func (f *Fetcher) worker(ctx context.Context) {
	defer f.wg.Done()
	f.logger.Debug().Msg("Refresh worker started")

	for {
		select {
		case <-ctx.Done():
			f.logger.Debug().Msg("Refresh worker stopped")
			return
		case <-f.stop:
			f.logger.Debug().Msg("Refresh worker stopped")
			return
		case key := <-f.queue:
			f.refresh(key)
		}
	}
}

func (f *Fetcher) refresh(key telemetry.FieldKey) {
	start := f.clock.Now()
	v, err := f.src.Query(key.Device, key.Field)
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.pending, key)
	entry := f.entries[key]
	if entry == nil {
		entry = &refreshEntry{}
		f.entries[key] = entry
	}
	entry.refreshedAt = now

	if err != nil {
		entry.err = classify(err)
		f.logger.Debug().Err(err).Stringer("key", key).Msg("Slow field refresh failed")
		return
	}
	entry.value = v
	entry.hasValue = true
	entry.err = nil
	f.logger.Trace().Stringer("key", key).Dur("took", now.Sub(start)).Msg("Slow field refreshed")
}

// Forget drops the cached slow value for a key.
func (f *Fetcher) Forget(key telemetry.FieldKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

func (f *Fetcher) stamp() uint64 {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stampLocked(now)
}

// stampLocked returns now in milliseconds, clamped so timestamps never go backwards.
func (f *Fetcher) stampLocked(now time.Time) uint64 {
	ts := telemetry.Millis(now)
	if ts < f.lastTS {
		ts = f.lastTS
	}
	f.lastTS = ts
	return ts
}

// classify keeps errors that already carry a status and reports the rest as hardware errors.
func classify(err error) error {
	if errors.Is(err, telemetry.ErrUnsupported) || telemetry.StatusOf(err) != telemetry.StatusInternal {
		return err
	}
	return fmt.Errorf("%w: %v", telemetry.ErrHardware, err)
}

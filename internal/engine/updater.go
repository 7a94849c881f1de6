package engine

import (
	"context"
	"time"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// run is the auto-mode updater loop. The tick is a scheduling granularity;
// each key's own period decides how often it is actually fetched.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.runPass(ctx)
		}
	}
}

// UpdateAll triggers one collection pass. With wait it returns after the
// pass completes; otherwise the pass runs in the background. Background
// passes are not started once the engine has been stopped.
func (e *Engine) UpdateAll(wait bool) {
	if wait {
		e.runPass(context.Background())
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.logger.Debug().Msg("Engine stopped, update skipped")
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.runPass(context.Background())
	}()
}

func (e *Engine) runPass(ctx context.Context) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	now := e.clock.Now()
	stored := 0
	for _, key := range e.table.Tick(now) {
		reading, err := e.fetcher.FetchOne(key.Device, key.Field)
		if err != nil {
			// Skip until the next period rather than retrying in a hot loop.
			e.metrics.recordFetchError(ctx, err)
			e.logger.Trace().Err(err).Stringer("key", key).Msg("Fetch failed")
			e.table.MarkCollected(key, now)
			continue
		}
		if e.cache.PutSample(key, reading.Value, reading.Timestamp) {
			stored++
		}
		e.table.MarkCollected(key, now)
	}

	if e.lastCleanup.IsZero() || now.Sub(e.lastCleanup) >= e.opts.CleanupInterval {
		e.cleanup(ctx, now)
		e.lastCleanup = now
	}

	e.metrics.recordPass(ctx, e.clock.Since(now), stored)
}

// cleanup drops expired watch state and applies retention to every scheduled key.
func (e *Engine) cleanup(ctx context.Context, now time.Time) {
	for _, key := range e.table.Cleanup(now) {
		e.cache.Remove(key)
		e.fetcher.Forget(key)
		e.logger.Debug().Stringer("key", key).Msg("Field key expired")
	}

	nowMs := telemetry.Millis(now)
	evicted := 0
	for key, s := range e.table.Schedules() {
		evicted += e.cache.Evict(key, s.MaxKeepSamples, s.MaxKeepAge, nowMs)
	}
	if evicted > 0 {
		e.metrics.evicted.Add(ctx, int64(evicted))
	}
}

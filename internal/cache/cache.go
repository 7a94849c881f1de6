// Package cache holds bounded per-field sample logs and the running job
// statistics fed by them.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

const btreeDegree = 8

type sampleLog = btree.BTreeG[telemetry.Sample]

func newSampleLog() *sampleLog {
	return btree.NewG[telemetry.Sample](btreeDegree, func(a, b telemetry.Sample) bool {
		return a.Timestamp < b.Timestamp
	})
}

// Cache stores samples per FieldKey. One mutex guards sample logs and jobs so
// that appending a sample and updating the jobs that own its key is atomic.
type Cache struct {
	logger zerolog.Logger

	mu         sync.Mutex
	logs       map[telemetry.FieldKey]*sampleLog
	jobs       map[string]*jobRecord
	membership map[telemetry.FieldKey]map[string]struct{}
}

// New creates an empty cache.
func New(logger zerolog.Logger) *Cache {
	return &Cache{
		logger:     logger.With().Str("component", "cache").Logger(),
		logs:       make(map[telemetry.FieldKey]*sampleLog),
		jobs:       make(map[string]*jobRecord),
		membership: make(map[telemetry.FieldKey]map[string]struct{}),
	}
}

// PutSample appends a sample and feeds every running job that tracks key.
// A sample with the same timestamp as the newest one replaces it without
// touching job statistics; an older sample is dropped. It reports whether
// the sample was stored.
func (c *Cache) PutSample(key telemetry.FieldKey, value telemetry.Value, ts uint64) bool {
	sample := telemetry.Sample{Timestamp: ts, Value: value}

	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.logs[key]
	if !ok {
		log = newSampleLog()
		c.logs[key] = log
	}

	if last, ok := log.Max(); ok {
		if ts < last.Timestamp {
			c.logger.Debug().Stringer("key", key).Uint64("ts", ts).Uint64("last", last.Timestamp).
				Msg("Dropping out of order sample")
			return false
		}
		if ts == last.Timestamp {
			log.ReplaceOrInsert(sample)
			return true
		}
	}

	log.ReplaceOrInsert(sample)

	for jobID := range c.membership[key] {
		if job := c.jobs[jobID]; job != nil && job.running {
			job.update(key, sample)
		}
	}
	return true
}

// LatestValue returns the newest sample for key.
func (c *Cache) LatestValue(key telemetry.FieldKey) (telemetry.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.logs[key]
	if !ok {
		return telemetry.Sample{}, fmt.Errorf("%s: %w", key, telemetry.ErrNotFound)
	}
	last, ok := log.Max()
	if !ok {
		return telemetry.Sample{}, fmt.Errorf("%s: %w", key, telemetry.ErrNotFound)
	}
	return last, nil
}

// ValueSince returns the first sample with timestamp >= since and the cursor
// for the following call: the next sample's timestamp, or this sample's
// timestamp + 1 when it is the newest.
func (c *Cache) ValueSince(key telemetry.FieldKey, since uint64) (telemetry.Sample, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.logs[key]
	if !ok {
		return telemetry.Sample{}, 0, fmt.Errorf("%s: %w", key, telemetry.ErrNotFound)
	}

	var (
		found telemetry.Sample
		next  uint64
		n     int
	)
	log.AscendGreaterOrEqual(telemetry.Sample{Timestamp: since}, func(s telemetry.Sample) bool {
		n++
		if n == 1 {
			found = s
			next = s.Timestamp + 1
			return true
		}
		next = s.Timestamp
		return false
	})
	if n == 0 {
		return telemetry.Sample{}, 0, fmt.Errorf("%s since %d: %w", key, since, telemetry.ErrNotFound)
	}
	return found, next, nil
}

// Evict drops the oldest samples beyond maxSamples and every sample older
// than maxAge relative to now (milliseconds). A key left without samples is
// removed. It returns the number of samples dropped.
func (c *Cache) Evict(key telemetry.FieldKey, maxSamples int, maxAge time.Duration, now uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.logs[key]
	if !ok {
		return 0
	}

	if maxSamples < 0 {
		maxSamples = 0
	}

	dropped := 0
	for log.Len() > maxSamples {
		log.DeleteMin()
		dropped++
	}

	ageMs := uint64(maxAge.Milliseconds())
	for {
		oldest, ok := log.Min()
		if !ok || oldest.Timestamp+ageMs >= now {
			break
		}
		log.DeleteMin()
		dropped++
	}

	if log.Len() == 0 {
		delete(c.logs, key)
	}
	return dropped
}

// Remove drops every sample of key.
func (c *Cache) Remove(key telemetry.FieldKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, key)
}

// Len returns the number of samples stored for key.
func (c *Cache) Len(key telemetry.FieldKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if log, ok := c.logs[key]; ok {
		return log.Len()
	}
	return 0
}

// Keys returns every key with samples, ordered by device then field.
func (c *Cache) Keys() []telemetry.FieldKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]telemetry.FieldKey, 0, len(c.logs))
	for k := range c.logs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Latest returns the newest sample of every key, for exporters.
func (c *Cache) Latest() map[telemetry.FieldKey]telemetry.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[telemetry.FieldKey]telemetry.Sample, len(c.logs))
	for k, log := range c.logs {
		if last, ok := log.Max(); ok {
			out[k] = last
		}
	}
	return out
}

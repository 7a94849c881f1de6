// Package watch reconciles overlapping watch requests into one collection
// schedule per field key.
package watch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Options are the collection parameters of one watch request.
type Options struct {
	Period         time.Duration `json:"period"`
	MaxKeepAge     time.Duration `json:"max_keep_age"`
	MaxKeepSamples int           `json:"max_keep_samples"`
}

func (o Options) validate() error {
	switch {
	case o.Period <= 0:
		return fmt.Errorf("%w: update period must be positive", telemetry.ErrBadParameter)
	case o.MaxKeepAge <= 0:
		return fmt.Errorf("%w: max keep age must be positive", telemetry.ErrBadParameter)
	case o.MaxKeepSamples <= 0:
		return fmt.Errorf("%w: max keep samples must be positive", telemetry.ErrBadParameter)
	}
	return nil
}

// RequestKey identifies a watch request. Client watches leave JobID empty;
// job watches set only JobID.
type RequestKey struct {
	GroupID      uint32 `json:"group_id"`
	FieldGroupID uint32 `json:"field_group_id"`
	JobID        string `json:"job_id,omitempty"`
}

func (k RequestKey) String() string {
	if k.JobID != "" {
		return "job:" + k.JobID
	}
	return fmt.Sprintf("group:%d/field_group:%d", k.GroupID, k.FieldGroupID)
}

// Request describes a registered watch request.
type Request struct {
	Key           RequestKey           `json:"key"`
	Options       Options              `json:"options"`
	Active        bool                 `json:"active"`
	InactiveSince time.Time            `json:"inactive_since,omitzero"`
	Keys          []telemetry.FieldKey `json:"keys"`
}

// Schedule is the effective collection plan of one field key.
type Schedule struct {
	Period         time.Duration
	MaxKeepAge     time.Duration
	MaxKeepSamples int
	Active         bool
	LastCollected  time.Time
	InactiveSince  time.Time
}

func (s *Schedule) due(now time.Time) bool {
	return s.Active && (s.LastCollected.IsZero() || !now.Before(s.LastCollected.Add(s.Period)))
}

type request struct {
	key           RequestKey
	opts          Options
	active        bool
	inactiveSince time.Time
	keys          []telemetry.FieldKey
}

// Table holds watch requests and the schedule derived from them. For every
// key with an active request the period is the minimum over active requests;
// retention is the maximum over every registered request.
type Table struct {
	logger zerolog.Logger

	mu       sync.Mutex
	requests map[RequestKey]*request
	schedule map[telemetry.FieldKey]*Schedule
	refs     map[telemetry.FieldKey]map[RequestKey]struct{}
}

// NewTable creates an empty table.
func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		logger:   logger.With().Str("component", "watch_table").Logger(),
		requests: make(map[RequestKey]*request),
		schedule: make(map[telemetry.FieldKey]*Schedule),
		refs:     make(map[telemetry.FieldKey]map[RequestKey]struct{}),
	}
}

// Watch registers a client watch over the cross product of devices and fields.
func (t *Table) Watch(devices []uint32, fields []telemetry.FieldID, groupID, fieldGroupID uint32, opts Options, now time.Time) error {
	return t.watch(RequestKey{GroupID: groupID, FieldGroupID: fieldGroupID}, devices, fields, opts, now)
}

// Unwatch deactivates a client watch. Retention it pins is kept until cleanup.
func (t *Table) Unwatch(groupID, fieldGroupID uint32, now time.Time) error {
	return t.unwatch(RequestKey{GroupID: groupID, FieldGroupID: fieldGroupID}, now)
}

// StartJob registers the synthetic watch that feeds a job's statistics.
func (t *Table) StartJob(jobID string, devices []uint32, fields []telemetry.FieldID, opts Options, now time.Time) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", telemetry.ErrBadParameter)
	}
	return t.watch(RequestKey{JobID: jobID}, devices, fields, opts, now)
}

// StopJob deactivates a job's synthetic watch.
func (t *Table) StopJob(jobID string, now time.Time) error {
	return t.unwatch(RequestKey{JobID: jobID}, now)
}

// RemoveJob deactivates a job's watch if it is still active. An unknown job is NotFound.
func (t *Table) RemoveJob(jobID string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[RequestKey{JobID: jobID}]
	if !ok {
		return fmt.Errorf("job watch %q: %w", jobID, telemetry.ErrNotFound)
	}
	if r.active {
		t.deactivateLocked(r, now)
	}
	return nil
}

// RemoveAllJobs deactivates every active job watch.
func (t *Table) RemoveAllJobs(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, r := range t.requests {
		if k.JobID != "" && r.active {
			t.deactivateLocked(r, now)
		}
	}
}

func (t *Table) watch(rk RequestKey, devices []uint32, fields []telemetry.FieldID, opts Options, now time.Time) error {
	if len(devices) == 0 {
		return fmt.Errorf("%s has no devices: %w", rk, telemetry.ErrNotFound)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%s has no fields: %w", rk, telemetry.ErrNotFound)
	}
	if err := telemetry.ValidateFields(fields); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}

	keys := expand(devices, fields)

	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[telemetry.FieldKey]struct{}, len(keys))

	r, exists := t.requests[rk]
	if exists {
		if r.active {
			return fmt.Errorf("%s is already watched: %w", rk, telemetry.ErrConflict)
		}
		// Reactivation replaces the request.
		for _, k := range r.keys {
			delete(t.refs[k], rk)
			touched[k] = struct{}{}
		}
	} else {
		r = &request{key: rk}
		t.requests[rk] = r
	}

	r.opts = opts
	r.active = true
	r.inactiveSince = time.Time{}
	r.keys = keys

	for _, k := range keys {
		refs := t.refs[k]
		if refs == nil {
			refs = make(map[RequestKey]struct{})
			t.refs[k] = refs
		}
		refs[rk] = struct{}{}
		touched[k] = struct{}{}
	}
	for k := range touched {
		t.recomputeLocked(k, now)
	}

	t.logger.Debug().
		Stringer("request", rk).
		Int("keys", len(keys)).
		Dur("period", opts.Period).
		Bool("reactivated", exists).
		Msg("Watch registered")
	return nil
}

func (t *Table) unwatch(rk RequestKey, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[rk]
	if !ok || !r.active {
		return fmt.Errorf("%s is not watched: %w", rk, telemetry.ErrNotFound)
	}
	t.deactivateLocked(r, now)
	return nil
}

func (t *Table) deactivateLocked(r *request, now time.Time) {
	r.active = false
	r.inactiveSince = now
	for _, k := range r.keys {
		t.recomputeLocked(k, now)
	}
	t.logger.Debug().Stringer("request", r.key).Msg("Watch deactivated")
}

// recomputeLocked merges every request referencing k into its schedule entry.
func (t *Table) recomputeLocked(k telemetry.FieldKey, now time.Time) {
	refs := t.refs[k]
	if len(refs) == 0 {
		delete(t.refs, k)
		if s, ok := t.schedule[k]; ok && s.Active {
			s.Active = false
			s.InactiveSince = now
		}
		return
	}

	var (
		period     time.Duration
		maxAge     time.Duration
		maxSamples int
		active     bool
	)
	for rk := range refs {
		r := t.requests[rk]
		if r.opts.MaxKeepAge > maxAge {
			maxAge = r.opts.MaxKeepAge
		}
		if r.opts.MaxKeepSamples > maxSamples {
			maxSamples = r.opts.MaxKeepSamples
		}
		if !r.active {
			continue
		}
		if !active || r.opts.Period < period {
			period = r.opts.Period
		}
		active = true
	}

	s, ok := t.schedule[k]
	if !ok {
		s = &Schedule{}
		t.schedule[k] = s
	}
	if active {
		s.Period = period
		s.InactiveSince = time.Time{}
	} else if s.Active || s.InactiveSince.IsZero() {
		s.InactiveSince = now
	}
	s.Active = active
	s.MaxKeepAge = maxAge
	s.MaxKeepSamples = maxSamples
}

// Tick returns the keys due for collection, ordered by device then field.
// It does not modify the table; callers report with MarkCollected.
func (t *Table) Tick(now time.Time) []telemetry.FieldKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []telemetry.FieldKey
	for k, s := range t.schedule {
		if s.due(now) {
			due = append(due, k)
		}
	}
	sortKeys(due)
	return due
}

// MarkCollected records a collection attempt for key.
func (t *Table) MarkCollected(key telemetry.FieldKey, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.schedule[key]; ok {
		s.LastCollected = now
	}
}

// Cleanup drops inactive requests and schedule entries whose retention
// horizon has passed. It returns the keys removed from the schedule.
func (t *Table) Cleanup(now time.Time) []telemetry.FieldKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[telemetry.FieldKey]struct{})
	for rk, r := range t.requests {
		if r.active || now.Sub(r.inactiveSince) < r.opts.MaxKeepAge {
			continue
		}
		for _, k := range r.keys {
			delete(t.refs[k], rk)
			touched[k] = struct{}{}
		}
		delete(t.requests, rk)
		t.logger.Debug().Stringer("request", rk).Msg("Expired watch request removed")
	}
	for k := range touched {
		t.recomputeLocked(k, now)
	}

	var removed []telemetry.FieldKey
	for k, s := range t.schedule {
		if s.Active || now.Sub(s.InactiveSince) < s.MaxKeepAge {
			continue
		}
		delete(t.schedule, k)
		delete(t.refs, k)
		removed = append(removed, k)
	}
	sortKeys(removed)
	return removed
}

// Schedule returns a copy of the schedule entry for key.
func (t *Table) Schedule(key telemetry.FieldKey) (Schedule, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.schedule[key]
	if !ok {
		return Schedule{}, false
	}
	return *s, true
}

// Schedules returns a copy of every schedule entry.
func (t *Table) Schedules() map[telemetry.FieldKey]Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[telemetry.FieldKey]Schedule, len(t.schedule))
	for k, s := range t.schedule {
		out[k] = *s
	}
	return out
}

// ScheduledKeys returns every key in the schedule, ordered.
func (t *Table) ScheduledKeys() []telemetry.FieldKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]telemetry.FieldKey, 0, len(t.schedule))
	for k := range t.schedule {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Requests lists registered requests, client watches first.
func (t *Table) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Request, 0, len(t.requests))
	for _, r := range t.requests {
		out = append(out, Request{
			Key:           r.key,
			Options:       r.opts,
			Active:        r.active,
			InactiveSince: r.inactiveSince,
			Keys:          append([]telemetry.FieldKey(nil), r.keys...),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.JobID != b.JobID {
			return a.JobID < b.JobID
		}
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		return a.FieldGroupID < b.FieldGroupID
	})
	return out
}

func expand(devices []uint32, fields []telemetry.FieldID) []telemetry.FieldKey {
	seen := make(map[telemetry.FieldKey]struct{}, len(devices)*len(fields))
	keys := make([]telemetry.FieldKey, 0, len(devices)*len(fields))
	for _, d := range devices {
		for _, f := range fields {
			k := telemetry.FieldKey{Device: d, Field: f}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []telemetry.FieldKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

package cache

import (
	"fmt"
	"math"
	"sort"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Gauge holds the absolute counter readings of one device at a point in time.
type Gauge struct {
	ECCCorrected   int64
	ECCUncorrected int64
	// ECCUnknown marks ECC counters that could not be read.
	ECCUnknown bool
	// MemoryTotal is the device memory size in bytes; zero means unknown.
	MemoryTotal int64
}

// Gauges maps device index to its readings.
type Gauges map[uint32]Gauge

// Stat summarizes one metric over a job window.
type Stat struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	StdDev float64 `json:"std_dev"`
	Count  uint64  `json:"count"`
}

// JobDeviceStats are the statistics of one device, or the cross-device summary.
type JobDeviceStats struct {
	// EnergyConsumed is in joules.
	EnergyConsumed float64 `json:"energy_consumed"`
	ECCCorrected   int64   `json:"ecc_corrected"`
	ECCUncorrected int64   `json:"ecc_uncorrected"`
	// PowerUsage is in watts.
	PowerUsage Stat `json:"power_usage"`
	// GPUClock and MemClock are in MHz.
	GPUClock Stat `json:"gpu_clock"`
	MemClock Stat `json:"mem_clock"`
	GPUUtil  Stat `json:"gpu_util"`
	// MemoryUtil is memory used as a percentage of total memory.
	MemoryUtil Stat `json:"memory_util"`
	PCIeTx     Stat `json:"pcie_tx"`
	PCIeRx     Stat `json:"pcie_rx"`
	// GPUTemp is in degrees Celsius.
	GPUTemp       Stat  `json:"gpu_temp"`
	MaxMemoryUsed int64 `json:"max_memory_used"`
}

// JobInfo is a snapshot of a job's statistics. Times are milliseconds since
// the epoch; EndTime is zero while the job runs.
type JobInfo struct {
	JobID     string                    `json:"job_id"`
	GroupID   uint32                    `json:"group_id"`
	StartTime uint64                    `json:"start_time"`
	EndTime   uint64                    `json:"end_time"`
	Summary   JobDeviceStats            `json:"summary"`
	Devices   map[uint32]JobDeviceStats `json:"devices"`
}

// welford accumulates count, extrema and an online mean and variance.
type welford struct {
	count uint64
	min   float64
	max   float64
	sum   float64
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	if w.count == 1 {
		w.min, w.max = x, x
	} else {
		w.min = math.Min(w.min, x)
		w.max = math.Max(w.max, x)
	}
	w.sum += x
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// stat scales the accumulated values into the reporting unit.
func (w *welford) stat(scale float64) Stat {
	if w == nil || w.count == 0 {
		return Stat{}
	}
	s := Stat{
		Min:   w.min * scale,
		Max:   w.max * scale,
		Avg:   w.mean * scale,
		Count: w.count,
	}
	if w.count > 1 {
		s.StdDev = math.Sqrt(w.m2/float64(w.count-1)) * math.Abs(scale)
	}
	return s
}

type deviceStats struct {
	metrics     map[telemetry.FieldID]*welford
	energy      float64
	lastPowerTS uint64
	hasPower    bool
	baseline    Gauge
	hasBaseline bool
	// last known ECC deltas; final once the job stops
	eccCorrected   int64
	eccUncorrected int64
}

// observeECC folds a counter reading into the ECC deltas. Devices without a
// baseline take their first readable counters as one.
func (d *deviceStats) observeECC(current Gauges, dev uint32) {
	g, ok := current[dev]
	if !ok || g.ECCUnknown {
		return
	}
	if !d.hasBaseline {
		d.baseline.ECCCorrected, d.baseline.ECCUncorrected = g.ECCCorrected, g.ECCUncorrected
		d.hasBaseline = true
		return
	}
	d.eccCorrected = clampDelta(g.ECCCorrected - d.baseline.ECCCorrected)
	d.eccUncorrected = clampDelta(g.ECCUncorrected - d.baseline.ECCUncorrected)
}

func (d *deviceStats) update(field telemetry.FieldID, s telemetry.Sample) {
	v, ok := s.Value.Float()
	if !ok {
		return
	}

	w := d.metrics[field]
	if w == nil {
		w = &welford{}
		d.metrics[field] = w
	}
	w.add(v)

	if field == telemetry.FieldPowerUsage {
		if d.hasPower && s.Timestamp > d.lastPowerTS {
			// ms -> µs, then µs * µW / 1e12 gives joules
			elapsedUs := float64(s.Timestamp-d.lastPowerTS) * 1000
			d.energy += elapsedUs * v / 1e12
		}
		d.lastPowerTS = s.Timestamp
		d.hasPower = true
	}
}

func (d *deviceStats) samples() uint64 {
	var n uint64
	for _, w := range d.metrics {
		n += w.count
	}
	return n
}

type jobRecord struct {
	id      string
	groupID uint32
	start   uint64
	end     uint64
	running bool
	keys    []telemetry.FieldKey
	devices map[uint32]*deviceStats
}

func (j *jobRecord) update(key telemetry.FieldKey, s telemetry.Sample) {
	if d := j.devices[key.Device]; d != nil {
		d.update(key.Field, s)
	}
}

// JobSpec describes the job to start.
type JobSpec struct {
	JobID   string
	GroupID uint32
	Devices []uint32
	Fields  []telemetry.FieldID
	// Start is the job start time in milliseconds.
	Start uint64
	// Baseline holds counter readings taken at start.
	Baseline Gauges
}

// StartJobStats creates a job record. Samples put for any device/field pair
// of the job are accumulated until StopJobStats.
func (c *Cache) StartJobStats(spec JobSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if job, ok := c.jobs[spec.JobID]; ok {
		if job.running {
			return fmt.Errorf("job %q is running: %w", spec.JobID, telemetry.ErrConflict)
		}
		return fmt.Errorf("job %q: %w", spec.JobID, telemetry.ErrAlreadyExist)
	}

	job := &jobRecord{
		id:      spec.JobID,
		groupID: spec.GroupID,
		start:   spec.Start,
		running: true,
		devices: make(map[uint32]*deviceStats, len(spec.Devices)),
	}
	for _, dev := range spec.Devices {
		base, ok := spec.Baseline[dev]
		job.devices[dev] = &deviceStats{
			metrics:     make(map[telemetry.FieldID]*welford),
			baseline:    base,
			hasBaseline: ok && !base.ECCUnknown,
		}
		for _, f := range spec.Fields {
			key := telemetry.FieldKey{Device: dev, Field: f}
			job.keys = append(job.keys, key)
			members := c.membership[key]
			if members == nil {
				members = make(map[string]struct{})
				c.membership[key] = members
			}
			members[spec.JobID] = struct{}{}
		}
	}
	c.jobs[spec.JobID] = job

	c.logger.Debug().Str("job_id", spec.JobID).Int("devices", len(spec.Devices)).Msg("Job stats started")
	return nil
}

// StopJobStats freezes a running job. ECC deltas are taken against current
// so later reads do not need fresh gauges; devices missing from current keep
// their last known delta.
func (c *Cache) StopJobStats(jobID string, current Gauges, end uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[jobID]
	if !ok || !job.running {
		return fmt.Errorf("running job %q: %w", jobID, telemetry.ErrNotFound)
	}

	job.running = false
	job.end = end
	for dev, d := range job.devices {
		d.observeECC(current, dev)
		if g, ok := current[dev]; ok && g.MemoryTotal > 0 {
			d.baseline.MemoryTotal = g.MemoryTotal
		}
	}
	c.dropMembershipLocked(job)
	return nil
}

// GetJobStats computes a job snapshot. current supplies live counter and
// memory readings and may be nil; for a stopped job it is ignored.
func (c *Cache) GetJobStats(jobID string, current Gauges) (JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return JobInfo{}, fmt.Errorf("job %q: %w", jobID, telemetry.ErrNotFound)
	}

	var total uint64
	for _, d := range job.devices {
		total += d.samples()
	}
	if total == 0 {
		return JobInfo{}, fmt.Errorf("job %q has no samples yet: %w", jobID, telemetry.ErrNotFound)
	}

	info := JobInfo{
		JobID:     job.id,
		GroupID:   job.groupID,
		StartTime: job.start,
		EndTime:   job.end,
		Devices:   make(map[uint32]JobDeviceStats, len(job.devices)),
	}

	for dev, d := range job.devices {
		memTotal := d.baseline.MemoryTotal
		if g, ok := current[dev]; ok && job.running && g.MemoryTotal > 0 {
			memTotal = g.MemoryTotal
		}
		if memTotal <= 0 {
			return JobInfo{}, fmt.Errorf("job %q: total memory of gpu%d is unknown: %w",
				jobID, dev, telemetry.ErrNotFound)
		}

		stats := JobDeviceStats{
			EnergyConsumed: d.energy,
			PowerUsage:     d.metrics[telemetry.FieldPowerUsage].stat(1e-6),
			GPUClock:       d.metrics[telemetry.FieldGPUClock].stat(1e-6),
			MemClock:       d.metrics[telemetry.FieldMemClock].stat(1e-6),
			GPUUtil:        d.metrics[telemetry.FieldGPUUtil].stat(1),
			MemoryUtil:     d.metrics[telemetry.FieldMemoryUsage].stat(100 / float64(memTotal)),
			PCIeTx:         d.metrics[telemetry.FieldPCIeTx].stat(1),
			PCIeRx:         d.metrics[telemetry.FieldPCIeRx].stat(1),
			GPUTemp:        d.metrics[telemetry.FieldGPUTemp].stat(1e-3),
		}
		if w := d.metrics[telemetry.FieldMemoryUsage]; w != nil && w.count > 0 {
			stats.MaxMemoryUsed = int64(w.max)
		}
		if job.running {
			d.observeECC(current, dev)
		}
		stats.ECCCorrected, stats.ECCUncorrected = d.eccCorrected, d.eccUncorrected
		info.Devices[dev] = stats
	}

	info.Summary = summarize(info.Devices)
	return info, nil
}

// RemoveJob deletes a job and its statistics.
func (c *Cache) RemoveJob(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q: %w", jobID, telemetry.ErrNotFound)
	}
	c.dropMembershipLocked(job)
	delete(c.jobs, jobID)
	return nil
}

// RemoveAllJobs deletes every job.
func (c *Cache) RemoveAllJobs() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobs = make(map[string]*jobRecord)
	c.membership = make(map[telemetry.FieldKey]map[string]struct{})
}

// JobIDs returns the ids of all known jobs, sorted.
func (c *Cache) JobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobCount returns the number of jobs, running or stopped.
func (c *Cache) JobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// JobDevices returns the sorted device list of a job and whether it is still running.
func (c *Cache) JobDevices(jobID string) ([]uint32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("job %q: %w", jobID, telemetry.ErrNotFound)
	}
	devices := make([]uint32, 0, len(job.devices))
	for dev := range job.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, job.running, nil
}

func (c *Cache) dropMembershipLocked(job *jobRecord) {
	for _, key := range job.keys {
		members := c.membership[key]
		delete(members, job.id)
		if len(members) == 0 {
			delete(c.membership, key)
		}
	}
}

// clampDelta guards against counters reset by a driver reload.
func clampDelta(d int64) int64 {
	if d < 0 {
		return 0
	}
	return d
}

// summarize folds per-device statistics: extrema across devices, the mean of
// per-device averages, and sums for energy and ECC counts.
func summarize(devices map[uint32]JobDeviceStats) JobDeviceStats {
	var sum JobDeviceStats
	pick := func(get func(*JobDeviceStats) *Stat) {
		var (
			out  Stat
			avgs float64
			n    int
		)
		for _, d := range devices {
			s := *get(&d)
			if s.Count == 0 {
				continue
			}
			if n == 0 {
				out.Min, out.Max = s.Min, s.Max
			} else {
				out.Min = math.Min(out.Min, s.Min)
				out.Max = math.Max(out.Max, s.Max)
			}
			avgs += s.Avg
			out.Count += s.Count
			n++
		}
		if n > 0 {
			out.Avg = avgs / float64(n)
		}
		*get(&sum) = out
	}

	pick(func(s *JobDeviceStats) *Stat { return &s.PowerUsage })
	pick(func(s *JobDeviceStats) *Stat { return &s.GPUClock })
	pick(func(s *JobDeviceStats) *Stat { return &s.MemClock })
	pick(func(s *JobDeviceStats) *Stat { return &s.GPUUtil })
	pick(func(s *JobDeviceStats) *Stat { return &s.MemoryUtil })
	pick(func(s *JobDeviceStats) *Stat { return &s.PCIeTx })
	pick(func(s *JobDeviceStats) *Stat { return &s.PCIeRx })
	pick(func(s *JobDeviceStats) *Stat { return &s.GPUTemp })

	for _, d := range devices {
		sum.EnergyConsumed += d.EnergyConsumed
		sum.ECCCorrected += d.ECCCorrected
		sum.ECCUncorrected += d.ECCUncorrected
		if d.MaxMemoryUsed > sum.MaxMemoryUsed {
			sum.MaxMemoryUsed = d.MaxMemoryUsed
		}
	}
	return sum
}

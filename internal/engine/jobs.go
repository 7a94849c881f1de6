package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sreeram77/gpu-collector/internal/cache"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
	"github.com/sreeram77/gpu-collector/internal/watch"
)

// jobFields are collected on every device of a running job.
var jobFields = []telemetry.FieldID{
	telemetry.FieldPowerUsage,
	telemetry.FieldGPUClock,
	telemetry.FieldMemClock,
	telemetry.FieldGPUUtil,
	telemetry.FieldMemoryUsage,
	telemetry.FieldPCIeTx,
	telemetry.FieldPCIeRx,
	telemetry.FieldGPUTemp,
}

// JobFields returns the fields accumulated for jobs.
func JobFields() []telemetry.FieldID {
	return append([]telemetry.FieldID(nil), jobFields...)
}

// JobStart starts accounting for a job on a device group, sampling every
// period. An empty jobID is replaced by a generated one; the id in use is
// returned.
func (e *Engine) JobStart(jobID string, groupID uint32, period time.Duration) (string, error) {
	if period <= 0 {
		return "", fmt.Errorf("%w: job update period must be positive", telemetry.ErrBadParameter)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	devices, err := e.groups.Devices(groupID)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("group %d has no devices: %w", groupID, telemetry.ErrNotFound)
	}

	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	if _, running, err := e.cache.JobDevices(jobID); err == nil {
		if running {
			return "", fmt.Errorf("job %q is running: %w", jobID, telemetry.ErrConflict)
		}
		return "", fmt.Errorf("job %q: %w", jobID, telemetry.ErrAlreadyExist)
	}
	if n := e.cache.JobCount(); n >= e.opts.MaxJobs {
		return "", fmt.Errorf("%w: %d jobs", telemetry.ErrMaxLimit, n)
	}

	now := e.clock.Now()
	spec := cache.JobSpec{
		JobID:    jobID,
		GroupID:  groupID,
		Devices:  devices,
		Fields:   jobFields,
		Start:    telemetry.Millis(now),
		Baseline: e.readGauges(devices),
	}
	if err := e.cache.StartJobStats(spec); err != nil {
		return "", err
	}

	opts := watch.Options{
		Period:         period,
		MaxKeepAge:     e.opts.JobMaxKeepAge,
		MaxKeepSamples: e.opts.JobMaxKeepSamples,
	}
	if err := e.table.StartJob(jobID, devices, jobFields, opts, now); err != nil {
		if rmErr := e.cache.RemoveJob(jobID); rmErr != nil {
			e.logger.Error().Err(rmErr).Str("job_id", jobID).Msg("Failed to roll back job stats")
		}
		return "", err
	}

	e.logger.Info().
		Str("job_id", jobID).
		Uint32("group_id", groupID).
		Int("devices", len(devices)).
		Dur("period", period).
		Msg("Job started")
	return jobID, nil
}

// JobStop freezes a running job's statistics and stops its sampling.
func (e *Engine) JobStop(jobID string) error {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	devices, running, err := e.cache.JobDevices(jobID)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("job %q is not running: %w", jobID, telemetry.ErrNotFound)
	}

	now := e.clock.Now()
	if err := e.cache.StopJobStats(jobID, e.readGauges(devices), telemetry.Millis(now)); err != nil {
		return err
	}
	if err := e.table.StopJob(jobID, now); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job watch already inactive")
	}

	e.logger.Info().Str("job_id", jobID).Msg("Job stopped")
	return nil
}

// JobGetStats returns the statistics accumulated for a job.
func (e *Engine) JobGetStats(jobID string) (cache.JobInfo, error) {
	devices, running, err := e.cache.JobDevices(jobID)
	if err != nil {
		return cache.JobInfo{}, err
	}
	if !running {
		return e.cache.GetJobStats(jobID, nil)
	}
	return e.cache.GetJobStats(jobID, e.readGauges(devices))
}

// JobRemove deletes a job and stops its sampling if it is still running.
func (e *Engine) JobRemove(jobID string) error {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	if err := e.cache.RemoveJob(jobID); err != nil {
		return err
	}
	if err := e.table.RemoveJob(jobID, e.clock.Now()); err != nil && !errors.Is(err, telemetry.ErrNotFound) {
		return err
	}
	e.logger.Info().Str("job_id", jobID).Msg("Job removed")
	return nil
}

// JobRemoveAll deletes every job.
func (e *Engine) JobRemoveAll() {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	e.cache.RemoveAllJobs()
	e.table.RemoveAllJobs(e.clock.Now())
	e.logger.Info().Msg("All jobs removed")
}

// JobIDs lists known jobs, running or stopped.
func (e *Engine) JobIDs() []string {
	return e.cache.JobIDs()
}

// readGauges reads the counters and memory size job statistics are based on.
// Counters a device does not support read as zero; counters that fail to read
// are marked unknown so they never stand in for a real reading.
func (e *Engine) readGauges(devices []uint32) cache.Gauges {
	gauges := make(cache.Gauges, len(devices))
	for _, dev := range devices {
		corrected, okCorrected := e.readGauge(dev, telemetry.FieldECCCorrectTotal)
		uncorrected, okUncorrected := e.readGauge(dev, telemetry.FieldECCUncorrectTotal)
		total, _ := e.readGauge(dev, telemetry.FieldMemoryTotal)
		gauges[dev] = cache.Gauge{
			ECCCorrected:   corrected,
			ECCUncorrected: uncorrected,
			ECCUnknown:     !okCorrected || !okUncorrected,
			MemoryTotal:    total,
		}
	}
	return gauges
}

func (e *Engine) readGauge(dev uint32, field telemetry.FieldID) (int64, bool) {
	reading, err := e.fetcher.FetchOne(dev, field)
	if errors.Is(err, telemetry.ErrUnsupported) {
		return 0, true
	}
	if err != nil {
		e.logger.Debug().Err(err).Uint32("device", dev).Stringer("field", field).Msg("Gauge read failed")
		return 0, false
	}
	return reading.Value.Int()
}

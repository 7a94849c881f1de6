package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sreeram77/gpu-collector/internal/source/sim"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

func newTestFetcher(t *testing.T, opts Options) (*Fetcher, *sim.Backend, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.UnixMilli(1_000_000))
	backend, err := sim.New(zerolog.Nop(), clk, 2, 0)
	require.NoError(t, err)
	return New(zerolog.Nop(), backend, clk, opts), backend, clk
}

func TestFetchOne_FastField(t *testing.T) {
	f, backend, clk := newTestFetcher(t, Options{})
	backend.Set(0, telemetry.FieldPowerUsage, telemetry.IntValue(5_000_000))

	r, err := f.FetchOne(0, telemetry.FieldPowerUsage)
	require.NoError(t, err)
	assert.True(t, telemetry.IntValue(5_000_000).Equal(r.Value))
	assert.Equal(t, uint64(1_000_000), r.Timestamp)

	t.Run("timestamps never go backwards", func(t *testing.T) {
		clk.SetTime(time.UnixMilli(999_000))
		r, err := f.FetchOne(0, telemetry.FieldPowerUsage)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), r.Timestamp)
	})

	t.Run("source errors", func(t *testing.T) {
		backend.Fail(0, telemetry.FieldGPUTemp, errors.New("i2c timeout"))
		_, err := f.FetchOne(0, telemetry.FieldGPUTemp)
		assert.ErrorIs(t, err, telemetry.ErrHardware)

		_, err = f.FetchOne(0, telemetry.FieldID(77))
		assert.ErrorIs(t, err, telemetry.ErrUnsupported)

		_, err = f.FetchOne(5, telemetry.FieldGPUTemp)
		assert.ErrorIs(t, err, telemetry.ErrNotFound)
	})
}

func TestFetchOne_SlowFieldSingleFlight(t *testing.T) {
	f, backend, _ := newTestFetcher(t, Options{})
	backend.Set(0, telemetry.FieldPCIeTx, telemetry.IntValue(4096))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	release := backend.Hold()

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.FetchOne(0, telemetry.FieldPCIeTx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, telemetry.ErrNotAvailable)
		assert.ErrorIs(t, err, telemetry.ErrNotFound)
	}

	release()

	require.Eventually(t, func() bool {
		_, err := f.FetchOne(0, telemetry.FieldPCIeTx)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	r, err := f.FetchOne(0, telemetry.FieldPCIeTx)
	require.NoError(t, err)
	assert.True(t, telemetry.IntValue(4096).Equal(r.Value))
	assert.Equal(t, 1, backend.Queries(0, telemetry.FieldPCIeTx))
}

func TestFetchOne_SlowFieldTTL(t *testing.T) {
	f, backend, clk := newTestFetcher(t, Options{TTL: 30 * time.Second})
	backend.Set(1, telemetry.FieldPCIeRx, telemetry.IntValue(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	_, err := f.FetchOne(1, telemetry.FieldPCIeRx)
	require.ErrorIs(t, err, telemetry.ErrNotAvailable)
	require.Eventually(t, func() bool {
		_, err := f.FetchOne(1, telemetry.FieldPCIeRx)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	clk.Step(10 * time.Second)
	_, err = f.FetchOne(1, telemetry.FieldPCIeRx)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Queries(1, telemetry.FieldPCIeRx))

	backend.Set(1, telemetry.FieldPCIeRx, telemetry.IntValue(20))
	clk.Step(25 * time.Second)

	// Stale: the old value is served while a refresh runs.
	r, err := f.FetchOne(1, telemetry.FieldPCIeRx)
	require.NoError(t, err)
	assert.True(t, telemetry.IntValue(10).Equal(r.Value))

	require.Eventually(t, func() bool {
		r, err := f.FetchOne(1, telemetry.FieldPCIeRx)
		return err == nil && telemetry.IntValue(20).Equal(r.Value)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, backend.Queries(1, telemetry.FieldPCIeRx))
}

func TestFetchOne_SlowFieldError(t *testing.T) {
	f, backend, _ := newTestFetcher(t, Options{})
	backend.Fail(0, telemetry.FieldPCIeTx, errors.New("pcie_bw read failed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	_, _ = f.FetchOne(0, telemetry.FieldPCIeTx)
	require.Eventually(t, func() bool {
		_, err := f.FetchOne(0, telemetry.FieldPCIeTx)
		return errors.Is(err, telemetry.ErrHardware)
	}, time.Second, 5*time.Millisecond)

	// Within the TTL the failure is not retried.
	assert.Equal(t, 1, backend.Queries(0, telemetry.FieldPCIeTx))
}

func TestFetchOne_QueueFull(t *testing.T) {
	f, _, _ := newTestFetcher(t, Options{QueueSize: 1})

	_, err := f.FetchOne(0, telemetry.FieldPCIeTx)
	assert.ErrorIs(t, err, telemetry.ErrNotAvailable)
	_, err = f.FetchOne(0, telemetry.FieldPCIeRx)
	assert.ErrorIs(t, err, telemetry.ErrNotAvailable)

	f.mu.Lock()
	_, txPending := f.pending[telemetry.FieldKey{Device: 0, Field: telemetry.FieldPCIeTx}]
	_, rxPending := f.pending[telemetry.FieldKey{Device: 0, Field: telemetry.FieldPCIeRx}]
	f.mu.Unlock()

	assert.True(t, txPending)
	assert.False(t, rxPending, "dropped request must not stay pending")
	assert.Len(t, f.queue, 1)
}

func TestStop(t *testing.T) {
	f, _, _ := newTestFetcher(t, Options{})
	f.Start(context.Background())
	f.Start(context.Background())

	done := make(chan struct{})
	go func() {
		f.Stop()
		f.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

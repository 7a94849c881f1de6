package sim

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

func TestBackend_Deterministic(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(1_700_000_000, 0))
	b, err := New(zerolog.Nop(), clk, 2, 0)
	require.NoError(t, err)

	first, err := b.Query(1, telemetry.FieldPowerUsage)
	require.NoError(t, err)
	second, err := b.Query(1, telemetry.FieldPowerUsage)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	total, err := b.Query(0, telemetry.FieldMemoryTotal)
	require.NoError(t, err)
	assert.Equal(t, "17179869184", total.String())

	_, err = b.Query(2, telemetry.FieldPowerUsage)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)

	_, err = b.Query(0, telemetry.FieldID(42))
	assert.ErrorIs(t, err, telemetry.ErrUnsupported)
}

func TestBackend_Overrides(t *testing.T) {
	b, err := New(zerolog.Nop(), clocktesting.NewFakePassiveClock(time.Now()), 1, 0)
	require.NoError(t, err)

	b.Set(0, telemetry.FieldPowerUsage, telemetry.IntValue(5_000_000))
	v, err := b.Query(0, telemetry.FieldPowerUsage)
	require.NoError(t, err)
	assert.True(t, telemetry.IntValue(5_000_000).Equal(v))

	boom := errors.New("boom")
	b.Fail(0, telemetry.FieldPowerUsage, boom)
	_, err = b.Query(0, telemetry.FieldPowerUsage)
	assert.ErrorIs(t, err, boom)

	b.Reset()
	_, err = b.Query(0, telemetry.FieldPowerUsage)
	assert.NoError(t, err)
	assert.Equal(t, 3, b.Queries(0, telemetry.FieldPowerUsage))
}

func TestBackend_Hold(t *testing.T) {
	b, err := New(zerolog.Nop(), clocktesting.NewFakePassiveClock(time.Now()), 1, 0)
	require.NoError(t, err)

	release := b.Hold()

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		_, _ = b.Query(0, telemetry.FieldPCIeTx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("slow query returned while held")
	case <-time.After(20 * time.Millisecond):
	}

	// Fast fields are never held.
	_, err = b.Query(0, telemetry.FieldGPUUtil)
	require.NoError(t, err)

	release()
	release()
	wg.Wait()
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, source.Registered(), Name)

	backend, err := source.New(Name, zerolog.Nop(), source.Options{SimDevices: 3})
	require.NoError(t, err)
	devices, err := backend.AllDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}

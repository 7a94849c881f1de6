package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

var powerKey = telemetry.FieldKey{Device: 0, Field: telemetry.FieldPowerUsage}

func TestPutSample(t *testing.T) {
	c := New(zerolog.Nop())

	_, err := c.LatestValue(powerKey)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)

	require.True(t, c.PutSample(powerKey, telemetry.IntValue(1), 100))
	require.True(t, c.PutSample(powerKey, telemetry.IntValue(2), 200))

	t.Run("older sample is dropped", func(t *testing.T) {
		assert.False(t, c.PutSample(powerKey, telemetry.IntValue(9), 150))
		assert.Equal(t, 2, c.Len(powerKey))
	})

	t.Run("same timestamp replaces", func(t *testing.T) {
		assert.True(t, c.PutSample(powerKey, telemetry.IntValue(3), 200))
		latest, err := c.LatestValue(powerKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(200), latest.Timestamp)
		assert.True(t, telemetry.IntValue(3).Equal(latest.Value))
		assert.Equal(t, 2, c.Len(powerKey))
	})

	t.Run("non integer values are stored", func(t *testing.T) {
		nameKey := telemetry.FieldKey{Device: 0, Field: telemetry.FieldDeviceName}
		c.PutSample(nameKey, telemetry.StringValue("MI300X"), 100)
		latest, err := c.LatestValue(nameKey)
		require.NoError(t, err)
		assert.Equal(t, "MI300X", latest.Value.String())
	})

	assert.Equal(t, []telemetry.FieldKey{
		{Device: 0, Field: telemetry.FieldDeviceName},
		powerKey,
	}, c.Keys())
}

func TestValueSince_CursorTerminates(t *testing.T) {
	c := New(zerolog.Nop())
	for _, ts := range []uint64{10, 20, 25, 40} {
		c.PutSample(powerKey, telemetry.IntValue(int64(ts)), ts)
	}

	var seen []uint64
	cursor := uint64(0)
	for i := 0; i < 10; i++ {
		s, next, err := c.ValueSince(powerKey, cursor)
		if err != nil {
			assert.ErrorIs(t, err, telemetry.ErrNotFound)
			break
		}
		seen = append(seen, s.Timestamp)
		assert.Greater(t, next, cursor)
		cursor = next
	}
	assert.Equal(t, []uint64{10, 20, 25, 40}, seen)

	s, next, err := c.ValueSince(powerKey, 21)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), s.Timestamp)
	assert.Equal(t, uint64(40), next)

	s, next, err = c.ValueSince(powerKey, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), s.Timestamp)
	assert.Equal(t, uint64(41), next)

	_, _, err = c.ValueSince(telemetry.FieldKey{Device: 3, Field: telemetry.FieldGPUUtil}, 0)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)
}

func TestEvict(t *testing.T) {
	tests := []struct {
		name       string
		maxSamples int
		maxAge     time.Duration
		now        uint64
		wantLen    int
		wantOldest uint64
	}{
		{name: "count bound", maxSamples: 3, maxAge: time.Hour, now: 10_000, wantLen: 3, wantOldest: 7_000},
		{name: "age bound", maxSamples: 100, maxAge: 2 * time.Second, now: 10_000, wantLen: 2, wantOldest: 8_000},
		{name: "both", maxSamples: 1, maxAge: 5 * time.Second, now: 10_000, wantLen: 1, wantOldest: 9_000},
		{name: "zero samples evicts all", maxSamples: 0, maxAge: time.Hour, now: 10_000, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(zerolog.Nop())
			for ts := uint64(1_000); ts <= 9_000; ts += 1_000 {
				c.PutSample(powerKey, telemetry.IntValue(int64(ts)), ts)
			}

			c.Evict(powerKey, tt.maxSamples, tt.maxAge, tt.now)

			assert.LessOrEqual(t, c.Len(powerKey), tt.maxSamples)
			assert.Equal(t, tt.wantLen, c.Len(powerKey))

			if tt.wantLen == 0 {
				assert.Empty(t, c.Keys())
				return
			}
			oldest, _, err := c.ValueSince(powerKey, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOldest, oldest.Timestamp)
			assert.GreaterOrEqual(t, oldest.Timestamp+uint64(tt.maxAge.Milliseconds()), tt.now)
		})
	}
}

func TestRemoveAndLatest(t *testing.T) {
	c := New(zerolog.Nop())
	tempKey := telemetry.FieldKey{Device: 1, Field: telemetry.FieldGPUTemp}
	c.PutSample(powerKey, telemetry.IntValue(5), 1)
	c.PutSample(tempKey, telemetry.IntValue(40000), 2)

	latest := c.Latest()
	assert.Len(t, latest, 2)

	c.Remove(powerKey)
	_, err := c.LatestValue(powerKey)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)
	assert.Equal(t, []telemetry.FieldKey{tempKey}, c.Keys())
}

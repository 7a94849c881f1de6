package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sreeram77/gpu-collector/internal/config"
	"github.com/sreeram77/gpu-collector/internal/engine"
	"github.com/sreeram77/gpu-collector/internal/group"
	"github.com/sreeram77/gpu-collector/internal/source/sim"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	assert.Equal(t, zerolog.InfoLevel, newLogger(config.LogConfig{Level: "bogus"}, &buf).GetLevel())
}

func TestRegisterWatches(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	backend, err := sim.New(zerolog.Nop(), clk, 2, 0)
	require.NoError(t, err)
	groups := group.NewRegistry(zerolog.Nop(), backend)

	eng, err := engine.New(zerolog.Nop(), engine.Deps{
		Source:  backend,
		Devices: backend,
		Groups:  groups,
		Clock:   clk,
	}, engine.Options{Mode: engine.ModeManual})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	t.Run("registers on all devices", func(t *testing.T) {
		err := registerWatches(eng, groups, []config.WatchConfig{{
			Name:           "power",
			Fields:         []string{"power_usage", "gpu_temp"},
			Period:         time.Second,
			MaxKeepAge:     time.Minute,
			MaxKeepSamples: 10,
		}})
		require.NoError(t, err)

		requests := eng.Requests()
		require.Len(t, requests, 1)
		assert.Len(t, requests[0].Keys, 4)
	})

	t.Run("unknown field", func(t *testing.T) {
		err := registerWatches(eng, groups, []config.WatchConfig{{Name: "bad", Fields: []string{"nope"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown field "nope"`)
	})
}

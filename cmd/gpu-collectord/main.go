package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sreeram77/gpu-collector/internal/api"
	"github.com/sreeram77/gpu-collector/internal/config"
	"github.com/sreeram77/gpu-collector/internal/engine"
	"github.com/sreeram77/gpu-collector/internal/group"
	"github.com/sreeram77/gpu-collector/internal/source"
	_ "github.com/sreeram77/gpu-collector/internal/source/nvidia"
	_ "github.com/sreeram77/gpu-collector/internal/source/sim"
	_ "github.com/sreeram77/gpu-collector/internal/source/sysfs"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
	collectorgrpc "github.com/sreeram77/gpu-collector/internal/transport/grpc"
	"github.com/sreeram77/gpu-collector/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout).
		With().
		Str("service", cfg.App.Name).
		Logger()

	if err := runCollector(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Collector failed")
	}
	logger.Info().Msg("Collector stopped")
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func runCollector(logger zerolog.Logger, cfg *config.Config) error {
	backend, err := source.New(cfg.Source.Backend, logger, source.Options{
		SysfsRoot:      cfg.Source.SysfsRoot,
		SimDevices:     cfg.Source.SimDevices,
		SimSlowLatency: cfg.Source.SimSlowLatency,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down telemetry backend")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("create metrics exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down meter provider")
		}
	}()

	groups := group.NewRegistry(logger, backend)
	eng, err := engine.New(logger, engine.Deps{
		Source:  backend,
		Devices: backend,
		Groups:  groups,
	}, engine.Options{
		Mode:              engine.Mode(cfg.Collector.Mode),
		TickInterval:      cfg.Collector.TickInterval,
		CleanupInterval:   cfg.Collector.CleanupInterval,
		SlowTTL:           cfg.Collector.SlowTTL,
		FetchQueueSize:    cfg.Collector.FetchQueueSize,
		MaxJobs:           cfg.Collector.MaxJobs,
		JobMaxKeepAge:     cfg.Collector.JobMaxKeepAge,
		JobMaxKeepSamples: cfg.Collector.JobMaxKeepSamples,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if err := registerWatches(eng, groups, cfg.Watches); err != nil {
		return err
	}
	registry.MustRegister(api.NewFieldCollector(eng))

	httpServer := api.NewServer(logger, cfg.Server.HTTP, cfg.App.Version, eng, groups,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	grpcServer := collectorgrpc.NewServer(logger, cfg.Server.GRPC, eng)

	logger.Info().
		Str("backend", backend.Name()).
		Str("mode", string(eng.Mode())).
		Int("http_port", cfg.Server.HTTP.Port).
		Int("grpc_port", cfg.Server.GRPC.Port).
		Int("watches", len(cfg.Watches)).
		Msg("GPU collector started")

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(httpServer.ListenAndServe, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.WriteTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	})
	grpcCtx, grpcCancel := context.WithCancel(ctx)
	g.Add(func() error { return grpcServer.Run(grpcCtx) }, func(error) { grpcCancel() })

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info().Str("signal", sig.Signal.String()).Msg("Shutting down")
		return nil
	}
	return err
}

// registerWatches creates one field group per configured watch and watches
// it on every device.
func registerWatches(eng *engine.Engine, groups *group.Registry, watches []config.WatchConfig) error {
	for _, w := range watches {
		fields := make([]telemetry.FieldID, 0, len(w.Fields))
		for _, name := range w.Fields {
			info, ok := telemetry.FieldByName(name)
			if !ok {
				return fmt.Errorf("watch %q: unknown field %q", w.Name, name)
			}
			fields = append(fields, info.ID)
		}

		fg, err := groups.CreateFieldGroup(w.Name, fields)
		if err != nil {
			return fmt.Errorf("watch %q: %w", w.Name, err)
		}
		err = eng.Watch(group.AllDevices, fg, watch.Options{
			Period:         w.Period,
			MaxKeepAge:     w.MaxKeepAge,
			MaxKeepSamples: w.MaxKeepSamples,
		})
		if err != nil {
			return fmt.Errorf("watch %q: %w", w.Name, err)
		}
	}
	return nil
}

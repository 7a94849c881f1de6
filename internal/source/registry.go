package source

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Options carries backend specific settings from configuration.
type Options struct {
	// SysfsRoot is the sysfs mount point used by the sysfs backend
	SysfsRoot string
	// SimDevices is the number of devices reported by the sim backend
	SimDevices int
	// SimSlowLatency is the delay the sim backend adds to slow fields
	SimSlowLatency time.Duration
}

// Factory creates a Backend. It must not touch hardware; that happens in Init.
type Factory func(logger zerolog.Logger, opts Options) (Backend, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds a backend factory under the given name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates and initializes the named backend. Unknown names and backends
// that fail to initialize are reported as errors, never panics.
func New(name string, logger zerolog.Logger, opts Options) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: telemetry backend %q is not registered (available: %v)",
			telemetry.ErrUnsupported, name, Registered())
	}

	backend, err := factory(logger, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", name, err)
	}

	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("init %s backend: %w", name, err)
	}

	logger.Debug().Str("backend", name).Msg("Telemetry backend initialized")
	return backend, nil
}

// Registered returns the names of all registered backends.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package sysfs reads AMD GPU telemetry from the amdgpu driver's sysfs attributes.
package sysfs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// Name is the registry name of the backend.
const Name = "sysfs"

// DefaultRoot is the usual sysfs mount point.
const DefaultRoot = "/sys"

func init() {
	source.Register(Name, func(logger zerolog.Logger, opts source.Options) (source.Backend, error) {
		return New(logger, opts.SysfsRoot), nil
	})
}

// Backend serves DRM cards found under a sysfs root. Device indexes are
// assigned in card number order at Init.
type Backend struct {
	logger  zerolog.Logger
	root    string
	resolve nameResolver

	mu    sync.RWMutex
	cards []card
	names []string
}

// New creates a sysfs backend rooted at root; an empty root means DefaultRoot.
func New(logger zerolog.Logger, root string) *Backend {
	if root == "" {
		root = DefaultRoot
	}
	return &Backend{
		logger:  logger.With().Str("component", "sysfs_backend").Logger(),
		root:    root,
		resolve: lookupPCIName,
	}
}

func (b *Backend) Name() string { return Name }

// Init discovers DRM cards. A host without cards is not an error.
func (b *Backend) Init() error {
	cards, err := discover(b.root, b.logger)
	if err != nil {
		return fmt.Errorf("discover drm cards: %w", err)
	}

	names := make([]string, len(cards))
	for i, c := range cards {
		names[i] = c.name
		vendor, device := splitPCIIdentifier(c.pciID)
		if resolved := b.resolve(vendor, device, c.subVendor, c.subDevice); preferResolved(c.name, resolved) {
			names[i] = resolved
		}
		if names[i] == "" {
			names[i] = c.id
		}

		event := b.logger.Info().
			Int("device", i).
			Str("card", c.id).
			Str("pci", c.pciSlot).
			Str("name", names[i])
		if total, err := readInt(filepath.Join(c.devicePath, vramTotalFilename)); err == nil && total > 0 {
			event = event.Str("vram", humanize.IBytes(uint64(total)))
		}
		event.Msg("Discovered GPU")
	}

	b.mu.Lock()
	b.cards = cards
	b.names = names
	b.mu.Unlock()

	b.logger.Info().Int("device_count", len(cards)).Str("root", b.root).Msg("sysfs backend initialized")
	return nil
}

func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cards = nil
	b.names = nil
	return nil
}

// AllDevices implements source.DeviceEnumerator.
func (b *Backend) AllDevices() ([]uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]uint32, len(b.cards))
	for i := range b.cards {
		out[i] = uint32(i)
	}
	return out, nil
}

// Attributes implements source.DeviceEnumerator.
func (b *Backend) Attributes(device uint32) (source.DeviceAttributes, error) {
	c, name, err := b.card(device)
	if err != nil {
		return source.DeviceAttributes{}, err
	}
	return source.DeviceAttributes{
		Index:  device,
		Name:   name,
		Vendor: "amd",
		PCI:    c.pciSlot,
	}, nil
}

// Query implements source.MetricSource.
func (b *Backend) Query(device uint32, field telemetry.FieldID) (telemetry.Value, error) {
	c, name, err := b.card(device)
	if err != nil {
		return telemetry.Value{}, err
	}

	v, err := b.read(c, name, field)
	if err != nil {
		if errors.Is(err, errMissing) {
			return telemetry.Value{}, source.Unsupported(Name+" "+c.id, field)
		}
		b.logger.Debug().Err(err).Str("card", c.id).Stringer("field", field).Msg("sysfs read failed")
		return telemetry.Value{}, fmt.Errorf("%w: %s %s: %v", telemetry.ErrHardware, c.id, field, err)
	}
	return v, nil
}

func (b *Backend) card(device uint32) (card, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(device) >= len(b.cards) {
		return card{}, "", source.ErrDeviceNotFound{Device: device}
	}
	return b.cards[device], b.names[device], nil
}

var _ source.Backend = (*Backend)(nil)

// Package group keeps the device groups and field groups that watches and jobs refer to.
package group

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

// AllDevices is the implicit group containing every enumerated device.
const AllDevices uint32 = 0

// Table limits.
const (
	MaxGroups            = 64
	MaxFieldGroups       = 64
	MaxDevicesPerGroup   = 128
	MaxFieldsPerGroup    = 128
	allDevicesGroupLabel = "all_devices"
)

// Group is a named set of device indexes.
type Group struct {
	ID      uint32   `json:"id"`
	Name    string   `json:"name"`
	Devices []uint32 `json:"devices"`
}

// FieldGroup is a named set of fields.
type FieldGroup struct {
	ID     uint32              `json:"id"`
	Name   string              `json:"name"`
	Fields []telemetry.FieldID `json:"fields"`
}

// Registry is an in-memory group table.
type Registry struct {
	logger  zerolog.Logger
	devices source.DeviceEnumerator

	mu              sync.RWMutex
	groups          map[uint32]Group
	fieldGroups     map[uint32]FieldGroup
	nextGroupID     uint32
	nextFieldGroups uint32
}

// NewRegistry creates an empty registry. Group AllDevices always exists and
// expands through devices.
func NewRegistry(logger zerolog.Logger, devices source.DeviceEnumerator) *Registry {
	return &Registry{
		logger:          logger.With().Str("component", "group_registry").Logger(),
		devices:         devices,
		groups:          make(map[uint32]Group),
		fieldGroups:     make(map[uint32]FieldGroup),
		nextGroupID:     1,
		nextFieldGroups: 1,
	}
}

// CreateGroup registers a device group and returns its id.
func (r *Registry) CreateGroup(name string, devices []uint32) (uint32, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: group name is required", telemetry.ErrBadParameter)
	}

	devices = dedup(devices)
	if len(devices) > MaxDevicesPerGroup {
		return 0, fmt.Errorf("%w: %d devices exceeds %d per group", telemetry.ErrMaxLimit, len(devices), MaxDevicesPerGroup)
	}
	for _, d := range devices {
		if _, err := r.devices.Attributes(d); err != nil {
			return 0, fmt.Errorf("group %q: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.groups) >= MaxGroups {
		return 0, fmt.Errorf("%w: %d groups", telemetry.ErrMaxLimit, MaxGroups)
	}

	id := r.nextGroupID
	r.nextGroupID++
	r.groups[id] = Group{ID: id, Name: name, Devices: devices}

	r.logger.Debug().Uint32("group_id", id).Str("name", name).Int("devices", len(devices)).Msg("Group created")
	return id, nil
}

// AddDevice adds a device to an existing group. Adding a member again is a no-op.
func (r *Registry) AddDevice(groupID, device uint32) error {
	if groupID == AllDevices {
		return fmt.Errorf("%w: group %d is implicit", telemetry.ErrBadParameter, groupID)
	}
	if _, err := r.devices.Attributes(device); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("group %d: %w", groupID, telemetry.ErrNotFound)
	}
	if slices.Contains(g.Devices, device) {
		return nil
	}
	if len(g.Devices) >= MaxDevicesPerGroup {
		return fmt.Errorf("%w: group %d is full", telemetry.ErrMaxLimit, groupID)
	}
	g.Devices = append(slices.Clone(g.Devices), device)
	r.groups[groupID] = g
	return nil
}

// DeleteGroup removes a device group.
func (r *Registry) DeleteGroup(groupID uint32) error {
	if groupID == AllDevices {
		return fmt.Errorf("%w: group %d is implicit", telemetry.ErrBadParameter, groupID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupID]; !ok {
		return fmt.Errorf("group %d: %w", groupID, telemetry.ErrNotFound)
	}
	delete(r.groups, groupID)
	return nil
}

// CreateFieldGroup registers a field group and returns its id.
func (r *Registry) CreateFieldGroup(name string, fields []telemetry.FieldID) (uint32, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: field group name is required", telemetry.ErrBadParameter)
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: field group %q has no fields", telemetry.ErrBadParameter, name)
	}
	if err := telemetry.ValidateFields(fields); err != nil {
		return 0, err
	}

	fields = dedup(fields)
	if len(fields) > MaxFieldsPerGroup {
		return 0, fmt.Errorf("%w: %d fields exceeds %d per group", telemetry.ErrMaxLimit, len(fields), MaxFieldsPerGroup)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.fieldGroups) >= MaxFieldGroups {
		return 0, fmt.Errorf("%w: %d field groups", telemetry.ErrMaxLimit, MaxFieldGroups)
	}

	id := r.nextFieldGroups
	r.nextFieldGroups++
	r.fieldGroups[id] = FieldGroup{ID: id, Name: name, Fields: fields}

	r.logger.Debug().Uint32("field_group_id", id).Str("name", name).Int("fields", len(fields)).Msg("Field group created")
	return id, nil
}

// DeleteFieldGroup removes a field group.
func (r *Registry) DeleteFieldGroup(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fieldGroups[id]; !ok {
		return fmt.Errorf("field group %d: %w", id, telemetry.ErrNotFound)
	}
	delete(r.fieldGroups, id)
	return nil
}

// Devices expands a group id into device indexes.
func (r *Registry) Devices(groupID uint32) ([]uint32, error) {
	if groupID == AllDevices {
		return r.devices.AllDevices()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", groupID, telemetry.ErrNotFound)
	}
	return slices.Clone(g.Devices), nil
}

// Fields expands a field group id.
func (r *Registry) Fields(id uint32) ([]telemetry.FieldID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fg, ok := r.fieldGroups[id]
	if !ok {
		return nil, fmt.Errorf("field group %d: %w", id, telemetry.ErrNotFound)
	}
	return slices.Clone(fg.Fields), nil
}

// Groups lists every group ordered by id, including the implicit AllDevices group.
func (r *Registry) Groups() ([]Group, error) {
	all, err := r.devices.AllDevices()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Group, 0, len(r.groups)+1)
	out = append(out, Group{ID: AllDevices, Name: allDevicesGroupLabel, Devices: all})
	for _, g := range r.groups {
		g.Devices = slices.Clone(g.Devices)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FieldGroups lists every field group ordered by id.
func (r *Registry) FieldGroups() []FieldGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FieldGroup, 0, len(r.fieldGroups))
	for _, fg := range r.fieldGroups {
		fg.Fields = slices.Clone(fg.Fields)
		out = append(out, fg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func dedup[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

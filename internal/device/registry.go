package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger is the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry caches device records in memory in front of a Repository.
// Reads are served from the cache; writes go to the repository first and
// update the cache only on success. All methods are safe for concurrent use.
type Registry struct {
	repo Repository

	cacheMu sync.RWMutex
	cache   map[string]*Device

	logger Logger
}

// NewRegistry creates a registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the registry logger.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads every record from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	cache := make(map[string]*Device, len(devices))
	for i := range devices {
		cache[devices[i].ID] = devices[i].DeepCopy()
	}

	r.cacheMu.Lock()
	r.cache = cache
	r.cacheMu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice returns a copy of the cached record, falling back to the
// repository for records not yet cached.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheMu.Lock()
	r.cache[id] = d.DeepCopy()
	r.cacheMu.Unlock()
	return d, nil
}

// ListDevices returns copies of all cached records sorted by id.
func (r *Registry) ListDevices() []Device {
	r.cacheMu.RLock()
	out := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		out = append(out, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByHub returns the cached sub-devices of a hub.
func (r *Registry) ListByHub(hubID string) []Device {
	var out []Device
	for _, d := range r.ListDevices() {
		if d.HubID != nil && *d.HubID == hubID {
			out = append(out, d)
		}
	}
	return out
}

// SaveDevice upserts a record. An existing record's state is kept when the
// new record carries none.
func (r *Registry) SaveDevice(ctx context.Context, d *Device) error {
	r.cacheMu.RLock()
	existing, ok := r.cache[d.ID]
	r.cacheMu.RUnlock()

	toSave := d.DeepCopy()
	if ok {
		if toSave.State == nil {
			toSave.State = existing.State.Clone()
		}
		if toSave.CreatedAt.IsZero() {
			toSave.CreatedAt = existing.CreatedAt
		}
	}

	if err := r.repo.Save(ctx, toSave); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.ID] = toSave
	r.cacheMu.Unlock()

	r.logger.Debug("device saved", "device_id", d.ID, "host", d.Host, "port", d.Port)
	return nil
}

// DeleteDevice removes a record from the repository and the cache.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "device_id", id)
	return nil
}

// SetDeviceState merges state into the stored state.
func (r *Registry) SetDeviceState(ctx context.Context, id string, state State) error {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	var merged State
	if ok {
		merged = cached.State.Clone()
	}
	r.cacheMu.RUnlock()
	if !ok {
		return ErrDeviceNotFound
	}

	if merged == nil {
		merged = State{}
	}
	for k, v := range state {
		merged[k] = v
	}

	if err := r.repo.UpdateState(ctx, id, merged); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if d, ok := r.cache[id]; ok {
		d.State = merged
		d.UpdatedAt = time.Now().UTC()
	}
	r.cacheMu.Unlock()
	return nil
}

// SetDeviceHealth records a health transition. Unchanged statuses are not
// written.
func (r *Registry) SetDeviceHealth(ctx context.Context, id string, status HealthStatus) error {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	unchanged := ok && cached.HealthStatus == status
	r.cacheMu.RUnlock()
	if !ok {
		return ErrDeviceNotFound
	}
	if unchanged {
		return nil
	}

	now := time.Now().UTC()
	if err := r.repo.UpdateHealth(ctx, id, status, now); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if d, ok := r.cache[id]; ok {
		d.HealthStatus = status
		d.HealthLastSeen = &now
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device health changed", "device_id", id, "status", status)
	return nil
}

// GetDeviceCount returns the number of cached records.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats summarises the cached records.
type Stats struct {
	Total    int
	ByFamily map[string]int
	ByHealth map[HealthStatus]int
}

// GetStats returns counts by family and health.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	s := Stats{
		Total:    len(r.cache),
		ByFamily: make(map[string]int),
		ByHealth: make(map[HealthStatus]int),
	}
	for _, d := range r.cache {
		s.ByFamily[d.Family]++
		s.ByHealth[d.HealthStatus]++
	}
	return s
}

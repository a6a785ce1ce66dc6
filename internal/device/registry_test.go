package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is an in-memory Repository for registry tests.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device

	saveErr        error
	updateStateErr error
	healthWrites   int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{devices: make(map[string]*Device)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *MockRepository) ListByHub(_ context.Context, hubID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.HubID != nil && *d.HubID == hubID {
			out = append(out, *d.DeepCopy())
		}
	}
	return out, nil
}

func (m *MockRepository) Save(_ context.Context, d *Device) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) UpdateState(_ context.Context, id string, state State) error {
	if m.updateStateErr != nil {
		return m.updateStateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.State = state.Clone()
	return nil
}

func (m *MockRepository) UpdateHealth(_ context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	m.healthWrites++
	d.HealthStatus = status
	d.HealthLastSeen = &lastSeen
	return nil
}

func TestRegistry_RefreshCache(t *testing.T) {
	repo := NewMockRepository()
	repo.devices["a"] = testDevice("a")
	repo.devices["b"] = testDevice("b")

	reg := NewRegistry(repo)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if reg.GetDeviceCount() != 2 {
		t.Errorf("GetDeviceCount() = %d, want 2", reg.GetDeviceCount())
	}

	list := reg.ListDevices()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("ListDevices() not sorted by id: %v", list)
	}
}

func TestRegistry_SaveKeepsExistingState(t *testing.T) {
	reg := NewRegistry(NewMockRepository())
	ctx := context.Background()

	d := testDevice("lamp")
	d.State = State{"on": true}
	if err := reg.SaveDevice(ctx, d); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	// Rediscovered at a new port; discovery knows nothing about state.
	moved := testDevice("lamp")
	moved.Port = 49154
	moved.State = nil
	if err := reg.SaveDevice(ctx, moved); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	got, err := reg.GetDevice(ctx, "lamp")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Port != 49154 {
		t.Errorf("Port = %d, want 49154", got.Port)
	}
	if got.State["on"] != true {
		t.Errorf("State lost on re-save: %v", got.State)
	}
}

func TestRegistry_SaveErrorLeavesCache(t *testing.T) {
	repo := NewMockRepository()
	repo.saveErr = errors.New("disk full")
	reg := NewRegistry(repo)

	if err := reg.SaveDevice(context.Background(), testDevice("x")); err == nil {
		t.Fatal("SaveDevice() should fail")
	}
	if reg.GetDeviceCount() != 0 {
		t.Error("failed save should not populate the cache")
	}
}

func TestRegistry_GetDeviceIsolation(t *testing.T) {
	reg := NewRegistry(NewMockRepository())
	ctx := context.Background()
	if err := reg.SaveDevice(ctx, testDevice("lamp")); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	got, _ := reg.GetDevice(ctx, "lamp")
	got.State["on"] = true
	got.Name = "mutated"

	again, _ := reg.GetDevice(ctx, "lamp")
	if again.State["on"] != false || again.Name == "mutated" {
		t.Error("mutating a returned device changed the cache")
	}
}

func TestRegistry_GetDeviceFallsBackToRepo(t *testing.T) {
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	repo.devices["late"] = testDevice("late")

	if _, err := reg.GetDevice(context.Background(), "late"); err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if reg.GetDeviceCount() != 1 {
		t.Error("repo fallback should populate the cache")
	}
	if _, err := reg.GetDevice(context.Background(), "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice(nope) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_SetDeviceStateMerges(t *testing.T) {
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	ctx := context.Background()

	d := testDevice("dimmer")
	d.State = State{"on": true, "brightness": 40}
	if err := reg.SaveDevice(ctx, d); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	if err := reg.SetDeviceState(ctx, "dimmer", State{"brightness": 80}); err != nil {
		t.Fatalf("SetDeviceState() error = %v", err)
	}
	got, _ := reg.GetDevice(ctx, "dimmer")
	if got.State["on"] != true || got.State["brightness"] != 80 {
		t.Errorf("State = %v, want merged", got.State)
	}

	if err := reg.SetDeviceState(ctx, "missing", State{}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SetDeviceState(missing) error = %v", err)
	}

	repo.updateStateErr = errors.New("locked")
	if err := reg.SetDeviceState(ctx, "dimmer", State{"brightness": 10}); err == nil {
		t.Error("SetDeviceState() should surface repository errors")
	}
	got, _ = reg.GetDevice(ctx, "dimmer")
	if got.State["brightness"] != 80 {
		t.Errorf("cache changed despite repository error: %v", got.State)
	}
}

func TestRegistry_SetDeviceHealthSkipsUnchanged(t *testing.T) {
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	ctx := context.Background()
	if err := reg.SaveDevice(ctx, testDevice("lamp")); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := reg.SetDeviceHealth(ctx, "lamp", HealthStatusOnline); err != nil {
			t.Fatalf("SetDeviceHealth() error = %v", err)
		}
	}
	if err := reg.SetDeviceHealth(ctx, "lamp", HealthStatusOffline); err != nil {
		t.Fatalf("SetDeviceHealth() error = %v", err)
	}
	if repo.healthWrites != 2 {
		t.Errorf("health writes = %d, want 2", repo.healthWrites)
	}

	stats := reg.GetStats()
	if stats.Total != 1 || stats.ByHealth[HealthStatusOffline] != 1 || stats.ByFamily["switch"] != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}
}

func TestRegistry_ListByHubAndDelete(t *testing.T) {
	reg := NewRegistry(NewMockRepository())
	ctx := context.Background()

	hub := "uuid:Bridge-1"
	if err := reg.SaveDevice(ctx, testDevice(hub)); err != nil {
		t.Fatal(err)
	}
	if err := reg.SaveDevice(ctx, &Device{ID: hub + ":1", HubID: &hub}); err != nil {
		t.Fatal(err)
	}

	if n := len(reg.ListByHub(hub)); n != 1 {
		t.Errorf("ListByHub() = %d, want 1", n)
	}
	if err := reg.DeleteDevice(ctx, hub+":1"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if n := len(reg.ListByHub(hub)); n != 0 {
		t.Errorf("ListByHub() after delete = %d, want 0", n)
	}
	if err := reg.DeleteDevice(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("DeleteDevice(missing) error = %v", err)
	}
}

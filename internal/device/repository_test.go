package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-wemo/migrations"
)

// setupTestRepo opens a migrated database in a temp dir.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "devices.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func testDevice(id string) *Device {
	return &Device{
		ID:         id,
		Name:       "Desk Lamp",
		DeviceType: "urn:Belkin:device:controllee:1",
		Family:     "switch",
		Host:       "192.168.1.40",
		Port:       49153,
		Serial:     "221517K0101769",
		Firmware:   "WeMo_WW_2.00.11057.PVT-OWRT-SNS",
		State:      State{"on": false},
	}
}

func TestSQLiteRepository_SaveAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := testDevice("uuid:Socket-1_0-221517K0101769")
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Host != d.Host || got.Port != d.Port || got.Family != "switch" {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.HealthStatus != HealthStatusUnknown {
		t.Errorf("HealthStatus = %q, want unknown", got.HealthStatus)
	}
	if on, _ := got.State["on"].(bool); on {
		t.Errorf("State[on] = %v, want false", got.State["on"])
	}
	if got.HubID != nil {
		t.Errorf("HubID = %v, want nil", *got.HubID)
	}
}

func TestSQLiteRepository_SaveUpdatesInPlace(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := testDevice("uuid:Socket-1")
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	created := d.CreatedAt

	d.Host = "192.168.1.41"
	d.Port = 49154
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List() = %d records, want 1", len(all))
	}
	if all[0].Host != "192.168.1.41" || all[0].Port != 49154 {
		t.Errorf("address not updated: %s:%d", all[0].Host, all[0].Port)
	}
	if !all[0].CreatedAt.Equal(created.Truncate(time.Second)) {
		t.Errorf("CreatedAt changed: %v -> %v", created, all[0].CreatedAt)
	}
}

func TestSQLiteRepository_Validation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name string
		dev  *Device
	}{
		{"no id", &Device{Host: "h", Port: 1}},
		{"no host", &Device{ID: "a", Port: 1}},
		{"bad port", &Device{ID: "a", Host: "h", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Save(ctx, tt.dev); !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("Save() error = %v, want ErrInvalidDevice", err)
			}
		})
	}
}

func TestSQLiteRepository_HubChildren(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	hub := testDevice("uuid:Bridge-1")
	hub.Family = "bridge"
	if err := repo.Save(ctx, hub); err != nil {
		t.Fatalf("Save(hub) error = %v", err)
	}

	hubID := hub.ID
	for _, id := range []string{"uuid:Bridge-1:94103EA2B27751F6", "uuid:Bridge-1:94103EA2B2775111"} {
		child := &Device{ID: id, Name: "Bulb", Family: "bridge", HubID: &hubID}
		if err := repo.Save(ctx, child); err != nil {
			t.Fatalf("Save(child) error = %v", err)
		}
	}

	children, err := repo.ListByHub(ctx, hubID)
	if err != nil {
		t.Fatalf("ListByHub() error = %v", err)
	}
	if len(children) != 2 {
		t.Errorf("ListByHub() = %d, want 2", len(children))
	}
}

func TestSQLiteRepository_UpdateStateAndHealth(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := testDevice("uuid:Dimmer-1")
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := repo.UpdateState(ctx, d.ID, State{"on": true, "brightness": float64(60)}); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.UpdateHealth(ctx, d.ID, HealthStatusOnline, seen); err != nil {
		t.Fatalf("UpdateHealth() error = %v", err)
	}

	got, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.State["brightness"] != float64(60) {
		t.Errorf("brightness = %v, want 60", got.State["brightness"])
	}
	if got.HealthStatus != HealthStatusOnline {
		t.Errorf("HealthStatus = %q, want online", got.HealthStatus)
	}
	if got.HealthLastSeen == nil || !got.HealthLastSeen.Equal(seen) {
		t.Errorf("HealthLastSeen = %v, want %v", got.HealthLastSeen, seen)
	}
}

func TestSQLiteRepository_NotFound(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID() error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete() error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.UpdateState(ctx, "missing", State{}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdateState() error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.UpdateHealth(ctx, "missing", HealthStatusOffline, time.Now()); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdateHealth() error = %v, want ErrDeviceNotFound", err)
	}
}

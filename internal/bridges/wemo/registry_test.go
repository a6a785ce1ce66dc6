package wemo

import (
	"sync"
	"testing"
)

func TestRegistryUpsertNotifiesOnChange(t *testing.T) {
	r := NewRegistry()
	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	r.OnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	r.Upsert("a", Patch{Name: Ptr("Lamp"), Port: Ptr(49153)})
	r.Upsert("a", Patch{Name: Ptr("Lamp")})
	r.Upsert("a", Patch{Host: Ptr("192.0.2.5")})

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 {
		t.Fatalf("notifications = %d, want 2", len(snaps))
	}
	last := snaps[1]
	if last.Name != "Lamp" || last.Host != "192.0.2.5" || last.Port != 49153 || last.Transport != TransportPush {
		t.Errorf("snapshot = %+v", last)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Patch{Name: Ptr("Lamp")})
	s, _ := r.Get("a")
	s.Name = "changed"
	if got, _ := r.Get("a"); got.Name != "Lamp" {
		t.Errorf("registry mutated through snapshot: %q", got.Name)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
}

func TestRegistryMarkHTTPOffline(t *testing.T) {
	r := NewRegistry()
	r.Upsert("hub", Patch{HTTPOnline: Ptr(true)})
	r.Upsert("bulb", Patch{HubID: Ptr("hub"), HTTPOnline: Ptr(true)})

	if !r.MarkHTTPOffline("hub") {
		t.Fatal("first failure should flip")
	}
	if r.MarkHTTPOffline("hub") {
		t.Error("repeated failure must be a no-op")
	}

	hub, _ := r.Get("hub")
	bulb, _ := r.Get("bulb")
	if hub.HTTPOnline || !hub.PendingReconnect {
		t.Errorf("hub = %+v", hub)
	}
	if bulb.HTTPOnline {
		t.Error("child should follow hub offline")
	}
	if got := r.ListPendingReconnect(); len(got) != 1 || got[0] != "hub" {
		t.Errorf("pending = %v", got)
	}

	if !r.MarkHTTPOnline("hub") {
		t.Error("MarkHTTPOnline should flip")
	}
	hub, _ = r.Get("hub")
	bulb, _ = r.Get("bulb")
	if !hub.HTTPOnline || hub.PendingReconnect || !bulb.HTTPOnline {
		t.Errorf("after recovery hub = %+v, bulb = %+v", hub, bulb)
	}
	if len(r.ListPendingReconnect()) != 0 {
		t.Error("pending not cleared")
	}
}

func TestRegistryFirstFailureOnUnknownState(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Patch{})
	if !r.MarkHTTPOffline("a") {
		t.Error("failure on a never-reached device should queue it")
	}
	if s, _ := r.Get("a"); !s.PendingReconnect {
		t.Error("device not pending")
	}
	if r.MarkHTTPOffline("missing") {
		t.Error("unknown id reported a change")
	}
}

func TestRegistryListChildrenRemove(t *testing.T) {
	r := NewRegistry()
	r.Upsert("c", Patch{})
	r.Upsert("a", Patch{})
	r.Upsert("b2", Patch{HubID: Ptr("a")})
	r.Upsert("b1", Patch{HubID: Ptr("a")})

	ids := []string{}
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	want := []string{"a", "b1", "b2", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List() ids = %v, want %v", ids, want)
		}
	}
	if kids := r.Children("a"); len(kids) != 2 || kids[0] != "b1" {
		t.Errorf("Children() = %v", kids)
	}

	r.AddPending("c")
	if !r.Remove("c") || r.Remove("c") {
		t.Error("Remove should report presence once")
	}
	if len(r.ListPendingReconnect()) != 0 {
		t.Error("Remove should clear pending")
	}
}

func TestRegistryAttachOnce(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Patch{})
	if _, ok := r.attachmentsOf("a"); ok {
		t.Fatal("unattached record reported attachments")
	}
	q := NewQueue(QueueOptions{})
	defer q.Stop()
	if !r.attach("a", q, nil, nil, SwitchProfile()) {
		t.Fatal("first attach failed")
	}
	if r.attach("a", nil, nil, nil, Profile{}) {
		t.Error("second attach must be refused")
	}
	att, ok := r.attachmentsOf("a")
	if !ok || att.queue != q || att.profile.Family != FamilySwitch {
		t.Errorf("attachments = %+v", att)
	}
}

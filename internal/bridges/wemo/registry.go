package wemo

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// Transport selects how a device's state is kept in sync.
type Transport string

// Transport modes.
const (
	TransportPush Transport = "upnp" // event subscriptions, polling as fallback
	TransportPoll Transport = "http" // periodic polling only
)

// Snapshot is a copy of a connection record. Mutating it has no effect on
// the registry.
type Snapshot struct {
	ID         string
	HubID      string
	Name       string
	Serial     string
	DeviceType string
	Family     Family
	Host       string
	Port       int
	Transport  Transport

	HTTPOnline       bool
	PushOnline       bool
	Initialized      bool
	PendingReconnect bool

	UpdatedAt time.Time
}

// Patch lists fields to change in Upsert. Nil fields are left alone.
type Patch struct {
	HubID       *string
	Name        *string
	Serial      *string
	DeviceType  *string
	Family      *Family
	Host        *string
	Port        *int
	Transport   *Transport
	HTTPOnline  *bool
	PushOnline  *bool
	Initialized *bool
}

// Ptr returns a pointer to v, for building a Patch.
func Ptr[T any](v T) *T { return &v }

type record struct {
	mu   sync.Mutex
	snap Snapshot
	desc *Descriptor

	// Attached once when the connection is first set up. Hub children point
	// at their hub's queue and subscriptions.
	attached bool
	queue    *Queue
	subs     *SubscriptionSet
	mbox     *mailbox
	profile  Profile
}

// Registry is the single authority on device connection state. The map lock
// guards membership only; each record carries its own lock.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	pending map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*record),
		pending: make(map[string]struct{}),
		now:     time.Now,
	}
}

// OnChange registers fn to receive a snapshot after every effective change.
// Listeners run synchronously outside registry locks.
func (r *Registry) OnChange(fn func(Snapshot)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *Registry) notify(s Snapshot) {
	r.listenersMu.RLock()
	ls := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()
	for _, fn := range ls {
		fn(s)
	}
}

// Upsert creates the record if needed and applies p.
func (r *Registry) Upsert(id string, p Patch) Snapshot {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		rec = &record{snap: Snapshot{ID: id, Transport: TransportPush}}
		r.records[id] = rec
	}
	_, pending := r.pending[id]
	r.mu.Unlock()

	rec.mu.Lock()
	before := rec.snap
	applyPatch(&rec.snap, p)
	rec.snap.PendingReconnect = pending
	changed := !ok || before != rec.snap
	if changed {
		rec.snap.UpdatedAt = r.now()
	}
	snap := rec.snap
	rec.mu.Unlock()

	if changed {
		r.notify(snap)
	}
	return snap
}

func applyPatch(s *Snapshot, p Patch) {
	if p.HubID != nil {
		s.HubID = *p.HubID
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Serial != nil {
		s.Serial = *p.Serial
	}
	if p.DeviceType != nil {
		s.DeviceType = *p.DeviceType
	}
	if p.Family != nil {
		s.Family = *p.Family
	}
	if p.Host != nil {
		s.Host = *p.Host
	}
	if p.Port != nil {
		s.Port = *p.Port
	}
	if p.Transport != nil {
		s.Transport = *p.Transport
	}
	if p.HTTPOnline != nil {
		s.HTTPOnline = *p.HTTPOnline
	}
	if p.PushOnline != nil {
		s.PushOnline = *p.PushOnline
	}
	if p.Initialized != nil {
		s.Initialized = *p.Initialized
	}
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (Snapshot, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return Snapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snap, true
}

// Remove deletes the record and its pending entry.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	delete(r.pending, id)
	return ok
}

// List returns every record sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snap)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Children returns the ids of records whose HubID is hubID.
func (r *Registry) Children(hubID string) []string {
	var out []string
	for _, s := range r.List() {
		if s.HubID == hubID && s.ID != hubID {
			out = append(out, s.ID)
		}
	}
	return out
}

// ListPendingReconnect returns ids awaiting (re)connection, sorted.
func (r *Registry) ListPendingReconnect() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AddPending queues id for targeted reconnection by discovery.
func (r *Registry) AddPending(id string) {
	r.setPending(id, true)
}

// ClearPending removes id from the reconnection list.
func (r *Registry) ClearPending(id string) {
	r.setPending(id, false)
}

func (r *Registry) setPending(id string, on bool) {
	r.mu.Lock()
	_, was := r.pending[id]
	if on {
		r.pending[id] = struct{}{}
	} else {
		delete(r.pending, id)
	}
	rec := r.records[id]
	r.mu.Unlock()

	if rec == nil || was == on {
		return
	}
	rec.mu.Lock()
	rec.snap.PendingReconnect = on
	rec.snap.UpdatedAt = r.now()
	snap := rec.snap
	rec.mu.Unlock()
	r.notify(snap)
}

// MarkHTTPOffline records a transport failure. Only the first failure since
// the device was last reachable has an effect: the flag flips and the device
// is queued for reconnection. Hub children follow their hub. Reports whether
// anything changed.
func (r *Registry) MarkHTTPOffline(id string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}

	r.mu.RLock()
	_, pending := r.pending[id]
	r.mu.RUnlock()

	rec.mu.Lock()
	flip := rec.snap.HTTPOnline || !pending
	rec.mu.Unlock()
	if !flip {
		return false
	}

	r.setHTTP(id, false)
	r.AddPending(id)
	for _, child := range r.Children(id) {
		r.setHTTP(child, false)
	}
	return true
}

// MarkHTTPOnline records a successful exchange. A device coming back from
// offline leaves the reconnection list; one that is pending for another
// reason, such as lost push, stays on it. Reports whether the online flag
// flipped.
func (r *Registry) MarkHTTPOnline(id string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	flipped := r.setHTTP(id, true)
	if !flipped {
		return false
	}
	r.ClearPending(id)
	for _, child := range r.Children(id) {
		r.setHTTP(child, true)
	}
	return flipped
}

func (r *Registry) setHTTP(id string, online bool) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	if rec.snap.HTTPOnline == online {
		rec.mu.Unlock()
		return false
	}
	rec.snap.HTTPOnline = online
	rec.snap.UpdatedAt = r.now()
	snap := rec.snap
	rec.mu.Unlock()
	r.notify(snap)
	return true
}

// SetPushOnline sets the push transport flag.
func (r *Registry) SetPushOnline(id string, online bool) {
	r.Upsert(id, Patch{PushOnline: &online})
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// attach binds per-device resources to a record once. Later calls keep the
// original attachments and report false.
func (r *Registry) attach(id string, q *Queue, subs *SubscriptionSet, mb *mailbox, p Profile) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.attached {
		return false
	}
	rec.attached = true
	rec.queue = q
	rec.subs = subs
	rec.mbox = mb
	rec.profile = p
	return true
}

type attachments struct {
	queue   *Queue
	subs    *SubscriptionSet
	mbox    *mailbox
	profile Profile
	desc    *Descriptor
}

func (r *Registry) attachmentsOf(id string) (attachments, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return attachments{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.attached {
		return attachments{desc: rec.desc}, false
	}
	return attachments{queue: rec.queue, subs: rec.subs, mbox: rec.mbox, profile: rec.profile, desc: rec.desc}, true
}

func (r *Registry) setDescriptor(id string, d *Descriptor) {
	rec := r.lookup(id)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	rec.desc = d
	rec.mu.Unlock()
}

func (r *Registry) descriptor(id string) *Descriptor {
	rec := r.lookup(id)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.desc
}

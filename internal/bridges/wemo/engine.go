package wemo

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-wemo/internal/device"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/config"
)

// Loop defaults.
const (
	DefaultDiscoveryInterval = 30 * time.Second
	DefaultPollingInterval   = 30 * time.Second

	discoveryConcurrency = 8
	pollConcurrency      = 8
)

// DeviceEvent is a controller-level state change, e.g. {"on", true}.
type DeviceEvent struct {
	DeviceID string
	HubID    string
	Family   Family
	Name     string
	Value    any
	Time     time.Time
}

// EventSink receives controller events. Calls come from per-device
// goroutines and must not block for long.
type EventSink interface {
	DeviceEvent(ev DeviceEvent)
}

// DeviceStore persists known devices across restarts. *device.Registry
// satisfies it.
type DeviceStore interface {
	ListDevices() []device.Device
	SaveDevice(ctx context.Context, d *device.Device) error
	DeleteDevice(ctx context.Context, id string) error
}

// Options configures the engine.
type Options struct {
	DiscoveryInterval time.Duration
	DiscoveryWindow   time.Duration
	PollingInterval   time.Duration
	UPnPInterval      time.Duration
	SubscriptionRetry time.Duration

	CommandSpacing time.Duration
	QueueTimeout   time.Duration
	RequestTimeout time.Duration

	// DisableUPnP makes polling the default transport.
	DisableUPnP bool

	// ManualDevices are "host" or "host:port" entries probed every pass.
	ManualDevices []string

	// Override returns per-device settings by UDN or serial.
	Override func(udn, serial string) (config.DeviceOverride, bool)

	Listener ListenerOptions

	// Searcher defaults to SSDP on MulticastInterface.
	Searcher           Searcher
	MulticastInterface string

	Profiles *ProfileRegistry
	Store    DeviceStore
	Events   EventSink
	Logger   Logger
}

// OptionsFromConfig maps the wemo config section onto Options.
func OptionsFromConfig(cfg config.WemoConfig) Options {
	return Options{
		DiscoveryInterval: cfg.GetDiscoveryInterval(),
		DiscoveryWindow:   cfg.GetDiscoveryWindow(),
		PollingInterval:   cfg.GetPollingInterval(),
		UPnPInterval:      cfg.GetUPnPInterval(),
		CommandSpacing:    cfg.GetCommandSpacing(),
		QueueTimeout:      cfg.GetQueueTimeout(),
		RequestTimeout:    cfg.GetRequestTimeout(),
		DisableUPnP:       cfg.DisableUPnP,
		ManualDevices:     append([]string(nil), cfg.ManualDevices...),
		Override:          cfg.Override,
		Listener: ListenerOptions{
			Host:          cfg.Listener.Host,
			Port:          cfg.Listener.Port,
			AdvertiseHost: cfg.Listener.AdvertiseHost,
		},
		MulticastInterface: cfg.MulticastInterface,
	}
}

// Stats summarises engine state.
type Stats struct {
	Devices          int
	HTTPOnline       int
	PushOnline       int
	PendingReconnect int
	Subscriptions    int
	NotifyReceived   uint64
	NotifyDropped    uint64
	DiscoveryPasses  uint64
}

// Engine finds devices, keeps a channel to each open and turns their
// traffic into controller updates.
type Engine struct {
	logSink

	opts     Options
	registry *Registry
	profiles *ProfileRegistry
	listener *Listener
	searcher Searcher

	descClient *http.Client
	cmdClient  *http.Client
	subClient  *http.Client

	flight singleflight.Group
	passes atomic.Uint64

	deliverMu    sync.Mutex
	deliverLocks map[string]*sync.Mutex

	sinkMu sync.RWMutex
	sink   EventSink

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an engine. Nothing runs until Start.
func New(opts Options) *Engine {
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = DefaultSearchWindow
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = DefaultPollingInterval
	}
	if opts.UPnPInterval <= 0 {
		opts.UPnPInterval = DefaultUPnPInterval
	}
	if opts.SubscriptionRetry <= 0 {
		opts.SubscriptionRetry = SubscriptionRetry
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Profiles == nil {
		opts.Profiles = DefaultProfiles()
	}
	if opts.Searcher == nil {
		opts.Searcher = &SSDPSearcher{Interface: opts.MulticastInterface}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:         opts,
		registry:     NewRegistry(),
		profiles:     opts.Profiles,
		searcher:     opts.Searcher,
		descClient:   &http.Client{Timeout: DescriptionTimeout},
		cmdClient:    &http.Client{Timeout: opts.RequestTimeout},
		subClient:    &http.Client{Timeout: subscribeRequestTimeout},
		deliverLocks: make(map[string]*sync.Mutex),
		sink:         opts.Events,
		ctx:          ctx,
		cancel:       cancel,
	}
	e.listener = NewListener(opts.Listener, e)
	e.SetLogger(opts.Logger)
	return e
}

// SetLogger replaces the logger of the engine and its listener.
func (e *Engine) SetLogger(l Logger) {
	e.logSink.SetLogger(l)
	e.listener.SetLogger(l)
}

// SetEventSink replaces the receiver of controller events.
func (e *Engine) SetEventSink(s EventSink) {
	e.sinkMu.Lock()
	e.sink = s
	e.sinkMu.Unlock()
}

// Registry exposes the connection registry for read access and change
// listeners.
func (e *Engine) Registry() *Registry { return e.registry }

// Listener exposes the notification listener.
func (e *Engine) Listener() *Listener { return e.listener }

// Start opens the listener, loads persisted devices and starts the
// discovery and poll loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.listener.Start(ctx); err != nil {
		return err
	}
	e.loadPersisted()

	e.wg.Add(2)
	go e.discoveryLoop()
	go e.pollLoop()

	e.logInfo("wemo engine started",
		"listener_port", e.listener.Port(),
		"discovery_interval", e.opts.DiscoveryInterval.String(),
		"polling_interval", e.opts.PollingInterval.String(),
		"upnp_disabled", e.opts.DisableUPnP,
	)
	return nil
}

// Stop ends the loops, releases subscriptions and stops every queue.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()

		for _, snap := range e.registry.List() {
			if snap.HubID != "" {
				continue
			}
			e.teardown(ctx, snap.ID, true)
		}
		for _, snap := range e.registry.List() {
			if snap.HubID != "" {
				e.teardown(ctx, snap.ID, false)
			}
		}
		err = e.listener.Close()
		e.logInfo("wemo engine stopped")
	})
	return err
}

// teardown releases per-device resources. Hub children share their hub's
// queue and subscriptions and only own a mailbox.
func (e *Engine) teardown(ctx context.Context, id string, unsubscribe bool) {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return
	}
	snap, _ := e.registry.Get(id)
	if snap.HubID == "" {
		if unsubscribe {
			att.subs.UnsubscribeAll(ctx)
		}
		att.subs.Close()
		att.queue.Stop()
	}
	att.mbox.close()
}

// SendCommand queues a SOAP action for a device and waits for the answer.
func (e *Engine) SendCommand(ctx context.Context, id, serviceType, action string, args Args) (Response, error) {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return att.queue.Send(ctx, serviceType, action, args)
}

// Command passes a named command to the device's controller.
func (e *Engine) Command(ctx context.Context, id, name string, params map[string]any) error {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	cmd, ok := att.mbox.ctrl.(Commander)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, name, id)
	}
	return cmd.Command(ctx, name, params)
}

// Devices lists every connection record.
func (e *Engine) Devices() []Snapshot {
	return e.registry.List()
}

// Stats returns counters across all devices.
func (e *Engine) Stats() Stats {
	var s Stats
	for _, snap := range e.registry.List() {
		s.Devices++
		if snap.HTTPOnline {
			s.HTTPOnline++
		}
		if snap.PushOnline {
			s.PushOnline++
		}
		if snap.HubID != "" {
			continue
		}
		if snap.PendingReconnect {
			s.PendingReconnect++
		}
		if att, ok := e.registry.attachmentsOf(snap.ID); ok {
			s.Subscriptions += att.subs.Len()
		}
	}
	s.NotifyReceived, s.NotifyDropped = e.listener.Counts()
	s.DiscoveryPasses = e.passes.Load()
	return s
}

// Deliver decodes a NOTIFY body and routes the updates. It reports false
// for devices that have no connection.
func (e *Engine) Deliver(id string, body []byte) bool {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return false
	}

	lock := e.deliveryLock(id)
	lock.Lock()
	defer lock.Unlock()

	props, err := ParsePropertySet(body)
	if err != nil {
		e.logDebug("malformed notify dropped", "device_id", id, "error", err)
		return true
	}
	e.route(id, Decode(att.profile.Family, props))
	return true
}

func (e *Engine) deliveryLock(id string) *sync.Mutex {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	l, ok := e.deliverLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.deliverLocks[id] = l
	}
	return l
}

// route hands updates to the owning controller. Hub updates go to the
// addressed sub-device, or to every controller on the hub when the
// sub-device is missing or unknown.
func (e *Engine) route(id string, updates []AttributeUpdate) {
	if len(updates) == 0 {
		return
	}
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return
	}
	snap, _ := e.registry.Get(id)
	if snap.Family != FamilyBridge || snap.HubID != "" {
		att.mbox.deliver(updates...)
		return
	}

	children := make(map[string]*mailbox)
	for _, cid := range e.registry.Children(id) {
		if catt, ok := e.registry.attachmentsOf(cid); ok {
			children[cid] = catt.mbox
		}
	}
	for _, u := range updates {
		if mb, ok := children[u.SubDeviceID]; ok {
			mb.deliver(u)
			continue
		}
		att.mbox.deliver(u)
		for _, mb := range children {
			mb.deliver(u)
		}
	}
}

func (e *Engine) emit(id string, family Family, name string, value any) {
	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	snap, _ := e.registry.Get(id)
	sink.DeviceEvent(DeviceEvent{
		DeviceID: id,
		HubID:    snap.HubID,
		Family:   family,
		Name:     name,
		Value:    value,
		Time:     time.Now(),
	})
}

func (e *Engine) onControllerPanic(id string, r any) {
	e.logError("controller panic recovered", recoverMsg(r), "device_id", id)
}

func (e *Engine) override(udn, serial string) (config.DeviceOverride, bool) {
	if e.opts.Override == nil {
		return config.DeviceOverride{}, false
	}
	return e.opts.Override(udn, serial)
}

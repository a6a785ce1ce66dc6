package wemo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-wemo/internal/device"
)

// Connect creates the connection for a newly discovered device: transport
// selection, queue, subscriptions, controller, a seeding poll and
// persistence. A device that is already connected is reconnected instead.
func (e *Engine) Connect(ctx context.Context, d *Descriptor) error {
	if d == nil || d.UDN == "" {
		return fmt.Errorf("%w: descriptor without UDN", ErrDiscovery)
	}
	if _, attached := e.registry.attachmentsOf(d.UDN); attached {
		return e.Reconnect(ctx, d.UDN, d)
	}

	ov, hasOverride := e.override(d.UDN, d.Serial)
	if hasOverride && ov.Ignore {
		e.logDebug("ignoring device by configuration", "device_id", d.UDN)
		return nil
	}

	profile, known := e.profiles.Lookup(d.DeviceType)
	if !known {
		e.logInfo("unknown device type, using switch profile",
			"device_id", d.UDN, "device_type", d.DeviceType)
	}

	transport := TransportPush
	if e.opts.DisableUPnP {
		transport = TransportPoll
	}
	if hasOverride && ov.Transport != "" {
		transport = Transport(ov.Transport)
	}

	id := d.UDN
	e.registry.Upsert(id, Patch{
		Name:       &d.Name,
		Serial:     &d.Serial,
		DeviceType: &d.DeviceType,
		Family:     &profile.Family,
		Host:       &d.Host,
		Port:       &d.Port,
		Transport:  &transport,
	})
	e.registry.setDescriptor(id, d.Clone())

	q, subs, mb := e.newAttachments(id, profile, profile.Factory)
	if !e.registry.attach(id, q, subs, mb, profile) {
		// Lost a race with another connect; keep the first attachments.
		subs.Close()
		q.Stop()
		mb.close()
	}
	att, _ := e.registry.attachmentsOf(id)

	if transport == TransportPush {
		att.subs.Start(profile.Services)
	}

	if err := e.Poll(ctx, id); err != nil {
		e.logDebug("seeding poll failed", "device_id", id, "error", err)
	}
	e.registry.Upsert(id, Patch{Initialized: Ptr(true)})
	e.persist(ctx, id)

	e.logInfo("wemo device connected",
		"device_id", id,
		"name", d.Name,
		"family", string(profile.Family),
		"address", fmt.Sprintf("%s:%d", d.Host, d.Port),
		"transport", string(transport),
	)

	if profile.Family == FamilyBridge {
		e.enumerateHub(ctx, id)
	}
	return nil
}

// newAttachments builds the queue, subscription set and mailbox for id.
func (e *Engine) newAttachments(id string, profile Profile, factory ControllerFactory) (*Queue, *SubscriptionSet, *mailbox) {
	q := NewQueue(QueueOptions{
		Resolve: func(serviceType string) (string, bool) {
			d := e.registry.descriptor(id)
			if d == nil {
				return "", false
			}
			return d.ControlURL(serviceType)
		},
		Client:       e.cmdClient,
		Spacing:      e.opts.CommandSpacing,
		QueueTimeout: e.opts.QueueTimeout,
		OnSuccess: func() {
			if e.registry.MarkHTTPOnline(id) {
				e.logInfo("wemo device reachable", "device_id", id)
			}
		},
		OnFailure: func(kind error) {
			if e.registry.MarkHTTPOffline(id) {
				e.logWarn("wemo device unreachable", "device_id", id, "error", kind)
			}
		},
	})
	q.SetLogger(e.get())

	var subs *SubscriptionSet
	subs = NewSubscriptionSet(SubscriptionOptions{
		DeviceID: id,
		Interval: e.opts.UPnPInterval,
		Retry:    e.opts.SubscriptionRetry,
		Client:   e.subClient,
		EventURL: func(serviceType string) (string, bool) {
			d := e.registry.descriptor(id)
			if d == nil {
				return "", false
			}
			return d.EventURL(serviceType)
		},
		CallbackURL: func(string) string {
			host := ""
			if d := e.registry.descriptor(id); d != nil {
				host = d.Host
			}
			return e.listener.CallbackURL(host, id)
		},
		OnTransportError: func(deviceID string, err error) {
			e.DisablePush(e.ctx, deviceID, err)
		},
		OnActive: func(string) {
			if subs.AllActive() {
				e.registry.SetPushOnline(id, true)
			}
		},
	})
	subs.SetLogger(e.get())

	if factory == nil {
		factory = NewSwitchController
	}
	handle := &deviceHandle{engine: e, id: id, family: profile.Family}
	mb := newMailbox(id, factory(handle), e.onControllerPanic)
	return q, subs, mb
}

// Reconnect refreshes a known device from a fresh descriptor: new address,
// restarted subscriptions and a seeding poll. No queue or subscription is
// created twice.
func (e *Engine) Reconnect(ctx context.Context, id string, d *Descriptor) error {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return e.Connect(ctx, d)
	}

	prev, _ := e.registry.Get(id)
	e.registry.Upsert(id, Patch{
		Name:   &d.Name,
		Serial: &d.Serial,
		Host:   &d.Host,
		Port:   &d.Port,
	})
	e.registry.setDescriptor(id, d.Clone())

	att.subs.StopAll()
	snap, _ := e.registry.Get(id)
	if snap.Transport == TransportPush {
		att.subs.Start(att.profile.Services)
	}
	e.registry.ClearPending(id)

	if err := e.Poll(ctx, id); err != nil {
		e.logDebug("reconnect poll failed", "device_id", id, "error", err)
	}
	e.persist(ctx, id)

	e.logInfo("wemo device reconnected",
		"device_id", id,
		"address", fmt.Sprintf("%s:%d", d.Host, d.Port),
		"previous_address", fmt.Sprintf("%s:%d", prev.Host, prev.Port),
	)

	if att.profile.Family == FamilyBridge {
		e.enumerateHub(ctx, id)
	}
	return nil
}

// DisablePush drops a device to polling after a subscription transport
// failure. Push comes back only through rediscovery. One poll is issued
// before returning so controllers are not left on stale state.
func (e *Engine) DisablePush(ctx context.Context, id string, cause error) {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return
	}
	att.subs.StopAll()
	e.registry.SetPushOnline(id, false)
	for _, child := range e.registry.Children(id) {
		e.registry.SetPushOnline(child, false)
	}
	e.registry.AddPending(id)

	e.logWarn("push transport disabled, polling until rediscovered",
		"device_id", id, "error", cause)

	if err := e.Poll(ctx, id); err != nil {
		e.logDebug("failover poll failed", "device_id", id, "error", err)
	}
}

// Poll issues the profile's poll actions and routes the decoded answers.
// Services the device lacks are skipped.
func (e *Engine) Poll(ctx context.Context, id string) error {
	att, ok := e.registry.attachmentsOf(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	for _, a := range e.pollActions(id, att.profile) {
		resp, err := att.queue.Send(ctx, a.Service, a.Action, a.Args)
		if errors.Is(err, ErrNoService) {
			continue
		}
		if err != nil {
			return err
		}
		e.route(id, DecodeResponse(att.profile.Family, a.Action, resp))
	}
	return nil
}

// pollActions returns the poll for a device. Hubs are polled for their
// current sub-devices.
func (e *Engine) pollActions(id string, p Profile) []Action {
	if p.Family != FamilyBridge || len(p.Poll) > 0 {
		return p.Poll
	}
	children := e.registry.Children(id)
	if len(children) == 0 {
		return nil
	}
	return []Action{{
		Service: ServiceBridge,
		Action:  "GetDeviceStatus",
		Args:    Args{"DeviceIDs": strings.Join(children, ",")},
	}}
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollDue(e.ctx)
		}
	}
}

// pollDue polls every device that is in poll mode or has lost push.
func (e *Engine) pollDue(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(pollConcurrency)

	for _, snap := range e.registry.List() {
		if snap.HubID != "" || !snap.Initialized {
			continue
		}
		if snap.Transport == TransportPush && snap.PushOnline {
			continue
		}
		id := snap.ID
		g.Go(func() error {
			if err := e.Poll(ctx, id); err != nil {
				e.logDebug("poll failed", "device_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never fail
}

// enumerateHub lists the devices paired with a hub and gives each its own
// record and controller, sharing the hub's queue and subscriptions.
func (e *Engine) enumerateHub(ctx context.Context, hubID string) {
	hubAtt, ok := e.registry.attachmentsOf(hubID)
	if !ok || hubAtt.desc == nil {
		return
	}
	resp, err := hubAtt.queue.Send(ctx, ServiceBridge, "GetEndDevices", Args{
		"DevUDN":      hubAtt.desc.UDN,
		"ReqListType": "PAIRED_LIST",
	})
	if err != nil {
		e.logDebug("hub enumeration failed", "device_id", hubID, "error", err)
		return
	}

	subs := parseEndDevices(resp["DeviceLists"])
	caps := make(map[string]SubDevice, len(subs))
	hub, _ := e.registry.Get(hubID)

	for _, sd := range subs {
		caps[sd.ID] = sd
		name := sd.Name
		if _, attached := e.registry.attachmentsOf(sd.ID); attached {
			e.registry.Upsert(sd.ID, Patch{Name: &name})
			continue
		}

		family := FamilyBridge
		e.registry.Upsert(sd.ID, Patch{
			HubID:       &hubID,
			Name:        &name,
			DeviceType:  &hub.DeviceType,
			Family:      &family,
			Host:        &hub.Host,
			Port:        &hub.Port,
			Transport:   &hub.Transport,
			HTTPOnline:  &hub.HTTPOnline,
			PushOnline:  &hub.PushOnline,
			Initialized: Ptr(true),
		})

		factory := hubAtt.profile.SubFactory
		if factory == nil {
			factory = hubAtt.profile.Factory
		}
		handle := &deviceHandle{engine: e, id: sd.ID, family: family}
		mb := newMailbox(sd.ID, factory(handle), e.onControllerPanic)
		if !e.registry.attach(sd.ID, hubAtt.queue, hubAtt.subs, mb, hubAtt.profile) {
			mb.close()
			continue
		}

		for capID, val := range sd.Capabilities {
			if val != "" {
				mb.deliver(AttributeUpdate{SubDeviceID: sd.ID, Name: capID, Value: coerce(val)})
			}
		}
		e.persist(ctx, sd.ID)
		e.logInfo("hub sub-device added", "device_id", sd.ID, "hub_id", hubID, "name", name)
	}

	if d := e.registry.descriptor(hubID); d != nil {
		nd := d.Clone()
		nd.Capabilities = caps
		e.registry.setDescriptor(hubID, nd)
	}
}

// RemoveDevice unsubscribes, stops the queue, cancels controller timers and
// deletes the record and its persisted row. Removing a hub removes its
// sub-devices.
func (e *Engine) RemoveDevice(ctx context.Context, id string) error {
	snap, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	if snap.HubID == "" {
		for _, child := range e.registry.Children(id) {
			e.teardown(ctx, child, false)
			e.registry.Remove(child)
			e.unpersist(ctx, child)
		}
	}
	e.teardown(ctx, id, true)
	e.registry.Remove(id)
	e.unpersist(ctx, id)

	e.deliverMu.Lock()
	delete(e.deliverLocks, id)
	e.deliverMu.Unlock()

	e.logInfo("wemo device removed", "device_id", id)
	return nil
}

// persist writes the device record to the store, if one is configured.
func (e *Engine) persist(ctx context.Context, id string) {
	if e.opts.Store == nil {
		return
	}
	snap, ok := e.registry.Get(id)
	if !ok {
		return
	}

	d := &device.Device{
		ID:           id,
		Name:         snap.Name,
		DeviceType:   snap.DeviceType,
		Family:       string(snap.Family),
		Host:         snap.Host,
		Port:         snap.Port,
		Serial:       snap.Serial,
		HealthStatus: healthOf(snap),
	}
	if desc := e.registry.descriptor(id); desc != nil {
		d.Firmware = desc.Firmware
		d.MAC = desc.MAC
	}
	if snap.HubID != "" {
		hub := snap.HubID
		d.HubID = &hub
	}
	if snap.HTTPOnline {
		seen := snap.UpdatedAt
		d.HealthLastSeen = &seen
	}

	if err := e.opts.Store.SaveDevice(ctx, d); err != nil {
		e.logError("persisting device failed", err, "device_id", id)
	}
}

func (e *Engine) unpersist(ctx context.Context, id string) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.DeleteDevice(ctx, id); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		e.logError("deleting persisted device failed", err, "device_id", id)
	}
}

// loadPersisted seeds the registry with stored devices so their last-known
// address is probed on the first discovery pass.
func (e *Engine) loadPersisted() {
	if e.opts.Store == nil {
		return
	}
	n := 0
	for _, d := range e.opts.Store.ListDevices() {
		if d.HubID != nil {
			// Recreated when the hub is enumerated.
			continue
		}
		if _, ok := e.registry.Get(d.ID); ok {
			continue
		}
		family := Family(d.Family)
		e.registry.Upsert(d.ID, Patch{
			Name:       &d.Name,
			Serial:     &d.Serial,
			DeviceType: &d.DeviceType,
			Family:     &family,
			Host:       &d.Host,
			Port:       &d.Port,
		})
		e.registry.AddPending(d.ID)
		n++
	}
	if n > 0 {
		e.logInfo("loaded persisted wemo devices", "count", n)
	}
}

func healthOf(s Snapshot) device.HealthStatus {
	switch {
	case !s.Initialized:
		return device.HealthStatusUnknown
	case s.HTTPOnline:
		return device.HealthStatusOnline
	default:
		return device.HealthStatusOffline
	}
}

package wemo

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Controller receives normalised attribute updates for one device, in the
// order the device produced them. Controllers that own timers should also
// implement io.Closer; Close runs when the device is removed.
type Controller interface {
	OnAttributeUpdate(u AttributeUpdate)
}

// Commander is implemented by controllers that accept named commands
// ("on", "brightness", ...) from the host.
type Commander interface {
	Command(ctx context.Context, name string, params map[string]any) error
}

// Handle is a controller's view of its device. Controllers never touch the
// connection record directly.
type Handle interface {
	ID() string
	SendCommand(ctx context.Context, serviceType, action string, args Args) (Response, error)
	Snapshot() (Snapshot, bool)

	// Emit publishes a controller-level state change to the host.
	Emit(name string, value any)
}

// ControllerFactory builds the controller for one device.
type ControllerFactory func(h Handle) Controller

// mailbox delivers updates to one controller on its own goroutine so a slow
// controller never blocks the listener or other devices.
type mailbox struct {
	ctrl  Controller
	onErr func(id string, recovered any)
	id    string

	mu     sync.Mutex
	queue  []AttributeUpdate
	closed bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newMailbox(id string, ctrl Controller, onErr func(string, any)) *mailbox {
	m := &mailbox{
		ctrl:   ctrl,
		onErr:  onErr,
		id:     id,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// deliver enqueues updates without blocking. Dropped after close.
func (m *mailbox) deliver(us ...AttributeUpdate) {
	if len(us) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, us...)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, u := range batch {
			m.dispatch(u)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-m.done:
			return
		case <-m.signal:
		}
	}
}

func (m *mailbox) dispatch(u AttributeUpdate) {
	defer func() {
		if r := recover(); r != nil && m.onErr != nil {
			m.onErr(m.id, r)
		}
	}()
	m.ctrl.OnAttributeUpdate(u)
}

// close stops delivery, waits for the worker and closes the controller.
func (m *mailbox) close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)
		m.wg.Wait()
		if c, ok := m.ctrl.(io.Closer); ok {
			_ = c.Close() //nolint:errcheck // controller teardown is best effort
		}
	})
}

// Debouncer runs the most recently scheduled function after its delay.
// Scheduling again or cancelling invalidates earlier schedules, even if
// their timer has already fired.
type Debouncer struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// Schedule replaces any pending call with fn after delay.
func (d *Debouncer) Schedule(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		current := gen == d.gen && !d.stopped
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		if current {
			fn()
		}
	})
}

// Cancel drops the pending call, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Stop cancels and refuses later schedules.
func (d *Debouncer) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// deviceHandle is the Handle given to controllers.
type deviceHandle struct {
	engine *Engine
	id     string
	family Family
}

func (h *deviceHandle) ID() string { return h.id }

func (h *deviceHandle) SendCommand(ctx context.Context, serviceType, action string, args Args) (Response, error) {
	return h.engine.SendCommand(ctx, h.id, serviceType, action, args)
}

func (h *deviceHandle) Snapshot() (Snapshot, bool) {
	return h.engine.registry.Get(h.id)
}

func (h *deviceHandle) Emit(name string, value any) {
	h.engine.emit(h.id, h.family, name, value)
}

func recoverMsg(r any) error {
	return fmt.Errorf("controller panic: %v", r)
}

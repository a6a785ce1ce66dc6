package wemo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Subscription timing defaults.
const (
	DefaultUPnPInterval = 140 * time.Second
	SubscriptionRetry   = 10 * time.Second

	// timeoutHeadroom is added to the renewal interval to form the requested
	// expiry, so renewal always precedes expiry.
	timeoutHeadroom = 10 * time.Second

	subscribeRequestTimeout = 10 * time.Second
)

// SubState is the lifecycle state of one event subscription.
type SubState int

// Subscription states.
const (
	SubUnsubscribed SubState = iota
	SubPending
	SubActive
	SubRenewing
	SubFailed
	SubUnsubscribing
)

func (s SubState) String() string {
	switch s {
	case SubUnsubscribed:
		return "unsubscribed"
	case SubPending:
		return "pending"
	case SubActive:
		return "active"
	case SubRenewing:
		return "renewing"
	case SubFailed:
		return "failed"
	case SubUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// SubscriptionOptions configures the subscriptions of one device.
type SubscriptionOptions struct {
	DeviceID string

	// Interval is the renewal period. The device is asked for Interval+10s.
	Interval time.Duration
	// Retry is the delay before resubscribing after a rejection.
	Retry time.Duration

	Client *http.Client

	// EventURL maps a service type to its absolute eventSubURL.
	EventURL func(serviceType string) (string, bool)
	// CallbackURL returns the NOTIFY target for a service.
	CallbackURL func(serviceType string) string

	// OnTransportError is called when a SUBSCRIBE could not reach the
	// device at all.
	OnTransportError func(deviceID string, err error)
	// OnActive is called each time a subscription becomes active.
	OnActive func(serviceType string)
}

// SubscriptionInfo is a read-only view of one subscription.
type SubscriptionInfo struct {
	Service string
	State   SubState
	SID     string
}

// Subscription is the event subscription for one (device, service) pair.
type Subscription struct {
	set     *SubscriptionSet
	service string

	mu       sync.Mutex
	state    SubState
	sid      string
	timer    *time.Timer
	gen      uint64
	armedFor time.Duration
}

// SubscriptionSet owns every subscription of one device.
type SubscriptionSet struct {
	logSink

	opts SubscriptionOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewSubscriptionSet creates an empty set. Nothing is sent until Start.
func NewSubscriptionSet(opts SubscriptionOptions) *SubscriptionSet {
	if opts.Interval <= 0 {
		opts.Interval = DefaultUPnPInterval
	}
	if opts.Retry <= 0 {
		opts.Retry = SubscriptionRetry
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: subscribeRequestTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionSet{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}
}

// Start subscribes to each listed service the device advertises. Existing
// subscriptions are reused, never duplicated.
func (ss *SubscriptionSet) Start(services []string) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	var toStart []*Subscription
	for _, svc := range services {
		if _, ok := ss.opts.EventURL(svc); !ok {
			continue
		}
		sub, ok := ss.subs[svc]
		if !ok {
			sub = &Subscription{set: ss, service: svc}
			ss.subs[svc] = sub
		}
		toStart = append(toStart, sub)
	}
	ss.mu.Unlock()

	for _, sub := range toStart {
		ss.wg.Add(1)
		go func(s *Subscription) {
			defer ss.wg.Done()
			s.subscribe(0, false)
		}(sub)
	}
}

// StopAll cancels timers and forgets every SID locally. Nothing is sent.
func (ss *SubscriptionSet) StopAll() {
	for _, sub := range ss.list() {
		sub.reset()
	}
}

// UnsubscribeAll sends UNSUBSCRIBE for active subscriptions, then stops all.
func (ss *SubscriptionSet) UnsubscribeAll(ctx context.Context) {
	for _, sub := range ss.list() {
		sub.unsubscribe(ctx)
	}
	ss.StopAll()
}

// Close stops every subscription and aborts in-flight requests.
func (ss *SubscriptionSet) Close() {
	ss.mu.Lock()
	ss.closed = true
	ss.mu.Unlock()
	ss.StopAll()
	ss.cancel()
	ss.wg.Wait()
}

// Info reports every subscription sorted by service.
func (ss *SubscriptionSet) Info() []SubscriptionInfo {
	subs := ss.list()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		s.mu.Lock()
		out = append(out, SubscriptionInfo{Service: s.service, State: s.state, SID: s.sid})
		s.mu.Unlock()
	}
	return out
}

// Len is the number of subscriptions, whatever their state.
func (ss *SubscriptionSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.subs)
}

// AllActive reports whether every subscription is active or renewing.
func (ss *SubscriptionSet) AllActive() bool {
	infos := ss.Info()
	if len(infos) == 0 {
		return false
	}
	for _, in := range infos {
		if in.State != SubActive && in.State != SubRenewing {
			return false
		}
	}
	return true
}

// Healthy reports whether every subscription is established or has a
// request in flight.
func (ss *SubscriptionSet) Healthy() bool {
	for _, in := range ss.Info() {
		switch in.State {
		case SubPending, SubActive, SubRenewing:
		default:
			return false
		}
	}
	return true
}

func (ss *SubscriptionSet) get(service string) *Subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.subs[service]
}

func (ss *SubscriptionSet) list() []*Subscription {
	ss.mu.Lock()
	out := make([]*Subscription, 0, len(ss.subs))
	for _, s := range ss.subs {
		out = append(out, s)
	}
	ss.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].service < out[j].service })
	return out
}

func (ss *SubscriptionSet) isClosed() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.closed
}

// subscribe sends an initial SUBSCRIBE or, when a SID is held, a renewal.
// A request already in flight makes this a no-op. Timer-driven calls pass
// the generation they were armed under and do nothing once it has moved on.
func (s *Subscription) subscribe(armedGen uint64, fromTimer bool) {
	ss := s.set
	if ss.isClosed() {
		return
	}

	s.mu.Lock()
	if fromTimer && armedGen != s.gen {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case SubPending, SubRenewing, SubUnsubscribing:
		s.mu.Unlock()
		return
	}
	sid := s.sid
	gen := s.gen
	if sid == "" {
		s.state = SubPending
	} else {
		s.state = SubRenewing
	}
	s.mu.Unlock()

	newSID, status, err := s.send(sid)

	s.mu.Lock()
	if gen != s.gen {
		// Stopped while the request was in flight.
		s.mu.Unlock()
		return
	}

	switch {
	case err != nil:
		s.state = SubFailed
		s.sid = ""
		s.mu.Unlock()
		ss.logWarn("subscription transport error",
			"device_id", ss.opts.DeviceID, "service", s.service, "error", err)
		if ss.opts.OnTransportError != nil {
			ss.opts.OnTransportError(ss.opts.DeviceID, err)
		}
		return

	case status != http.StatusOK || newSID == "":
		s.state = SubFailed
		s.sid = ""
		s.armLocked(ss.opts.Retry)
		s.mu.Unlock()
		ss.logWarn("subscription rejected",
			"device_id", ss.opts.DeviceID, "service", s.service, "status", status,
			"error", fmt.Errorf("%w: HTTP %d", ErrSubscription, status))
		return

	default:
		renewed := sid != ""
		s.state = SubActive
		s.sid = newSID
		s.armLocked(ss.opts.Interval)
		s.mu.Unlock()
		ss.logDebug("subscription active",
			"device_id", ss.opts.DeviceID, "service", s.service, "sid", newSID, "renewal", renewed)
		if ss.opts.OnActive != nil {
			ss.opts.OnActive(s.service)
		}
	}
}

// send performs the SUBSCRIBE. Header names are written exactly as UPnP
// spells them; some device firmware rejects canonical casing.
func (s *Subscription) send(sid string) (string, int, error) {
	ss := s.set
	eventURL, ok := ss.opts.EventURL(s.service)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNoService, s.service)
	}

	ctx, cancel := context.WithTimeout(ss.ctx, subscribeRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL, http.NoBody)
	if err != nil {
		return "", 0, err
	}
	timeout := ss.opts.Interval + timeoutHeadroom
	req.Header["TIMEOUT"] = []string{"Second-" + strconv.Itoa(int(timeout/time.Second))}
	if sid == "" {
		req.Header["CALLBACK"] = []string{"<" + ss.opts.CallbackURL(s.service) + ">"}
		req.Header["NT"] = []string{"upnp:event"}
	} else {
		req.Header["SID"] = []string{sid}
	}

	resp, err := ss.opts.Client.Do(req)
	if err != nil {
		return "", 0, classify("SUBSCRIBE", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck // drain for keep-alive

	return resp.Header.Get("SID"), resp.StatusCode, nil
}

// unsubscribe releases an active subscription. Always ends Unsubscribed.
func (s *Subscription) unsubscribe(ctx context.Context) {
	ss := s.set

	s.mu.Lock()
	if s.state != SubActive || s.sid == "" {
		s.mu.Unlock()
		return
	}
	sid := s.sid
	s.state = SubUnsubscribing
	s.stopTimerLocked()
	s.gen++
	s.mu.Unlock()

	if err := s.sendUnsubscribe(ctx, sid); err != nil {
		ss.logWarn("unsubscribe failed",
			"device_id", ss.opts.DeviceID, "service", s.service, "error", err)
	}

	s.mu.Lock()
	s.state = SubUnsubscribed
	s.sid = ""
	s.mu.Unlock()
}

func (s *Subscription) sendUnsubscribe(ctx context.Context, sid string) error {
	eventURL, ok := s.set.opts.EventURL(s.service)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoService, s.service)
	}
	ctx, cancel := context.WithTimeout(ctx, subscribeRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", eventURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header["SID"] = []string{sid}

	resp, err := s.set.opts.Client.Do(req)
	if err != nil {
		return classify("UNSUBSCRIBE", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: UNSUBSCRIBE HTTP %d", ErrSubscription, resp.StatusCode)
	}
	return nil
}

// reset drops local state and invalidates any pending timer or response.
func (s *Subscription) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.gen++
	s.state = SubUnsubscribed
	s.sid = ""
}

func (s *Subscription) armLocked(d time.Duration) {
	s.stopTimerLocked()
	s.armedFor = d
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Subscription) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedFor = 0
}

func (s *Subscription) fire(gen uint64) {
	s.subscribe(gen, true)
}

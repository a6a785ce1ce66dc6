package wemo

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// PassStats reports one discovery pass.
type PassStats struct {
	Pass     uint64
	Targets  int
	Found    int
	Failed   int
	Duration time.Duration
}

type probeTarget struct {
	host     string
	lastPort int
	source   string // ssdp, manual or pending
}

// DiscoverOnce runs one pass: SSDP search, manual addresses and devices
// awaiting reconnection are probed concurrently and reconciled. A failure
// for one address never stops the others. Running it again with nothing
// changed on the network creates no records and no subscriptions.
func (e *Engine) DiscoverOnce(ctx context.Context) PassStats {
	start := time.Now()
	pass := e.passes.Add(1) - 1

	targets := e.collectTargets(ctx)

	var found, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(discoveryConcurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if e.probe(ctx, t) {
				found.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // probes never return errors

	if reportPass(pass) {
		e.reportMissing()
	}

	stats := PassStats{
		Pass:     pass,
		Targets:  len(targets),
		Found:    int(found.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	e.logDebug("discovery pass complete",
		"pass", stats.Pass,
		"targets", stats.Targets,
		"found", stats.Found,
		"failed", stats.Failed,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats
}

// collectTargets merges SSDP answers, manual entries and pending records,
// one target per address. An entry without a port is dropped when the same
// host is already known with one.
func (e *Engine) collectTargets(ctx context.Context) []probeTarget {
	byAddr := make(map[string]probeTarget)
	withPort := make(map[string]bool)
	add := func(t probeTarget) {
		if t.host == "" {
			return
		}
		key := t.host
		if t.lastPort == 0 {
			if withPort[t.host] {
				return
			}
		} else {
			delete(byAddr, t.host)
			withPort[t.host] = true
			key = net.JoinHostPort(t.host, strconv.Itoa(t.lastPort))
		}
		if _, ok := byAddr[key]; !ok {
			byAddr[key] = t
		}
	}

	if e.searcher != nil {
		resps, err := e.searcher.Search(ctx, e.opts.DiscoveryWindow)
		if err != nil {
			e.logDebug("ssdp search failed", "error", err)
		}
		for _, r := range resps {
			add(probeTarget{host: r.Host, lastPort: r.Port, source: "ssdp"})
		}
	}

	for _, entry := range e.opts.ManualDevices {
		host, port := splitManual(entry)
		if port == 0 {
			port = e.knownPort(host)
		}
		add(probeTarget{host: host, lastPort: port, source: "manual"})
	}

	for _, id := range e.registry.ListPendingReconnect() {
		snap, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		add(probeTarget{host: snap.Host, lastPort: snap.Port, source: "pending"})
	}

	out := make([]probeTarget, 0, len(byAddr))
	for _, t := range byAddr {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].host != out[j].host {
			return out[i].host < out[j].host
		}
		return out[i].lastPort < out[j].lastPort
	})
	return out
}

// probe fetches the descriptor at one host and reconciles it.
func (e *Engine) probe(ctx context.Context, t probeTarget) bool {
	d, err := ProbePorts(ctx, e.descClient, t.host, t.lastPort)
	if err != nil {
		e.logDebug("probe failed", "host", t.host, "source", t.source, "error", err)
		return false
	}
	d.CallbackURL = e.listener.CallbackURL(d.Host, d.UDN)

	if err := e.reconcile(ctx, d); err != nil {
		e.logWarn("reconcile failed", "device_id", d.UDN, "host", t.host, "error", err)
		return false
	}
	return true
}

// reconcile connects new devices, leaves fully connected ones alone and
// reconnects the rest. Concurrent passes for one UDN share a single run.
func (e *Engine) reconcile(ctx context.Context, d *Descriptor) error {
	_, err, _ := e.flight.Do(d.UDN, func() (any, error) {
		snap, exists := e.registry.Get(d.UDN)
		att, attached := e.registry.attachmentsOf(d.UDN)
		switch {
		case !exists || !attached:
			return nil, e.Connect(ctx, d)
		case fullyConnected(snap, att, d):
			return nil, nil
		default:
			return nil, e.Reconnect(ctx, d.UDN, d)
		}
	})
	return err
}

func fullyConnected(s Snapshot, att attachments, d *Descriptor) bool {
	if !s.Initialized || !s.HTTPOnline || s.PendingReconnect {
		return false
	}
	if s.Host != d.Host || s.Port != d.Port {
		return false
	}
	if s.Transport == TransportPoll || att.subs.Len() == 0 {
		return true
	}
	return s.PushOnline || att.subs.Healthy()
}

// knownPort returns the port of any record at host.
func (e *Engine) knownPort(host string) int {
	for _, s := range e.registry.List() {
		if s.Host == host && s.HubID == "" {
			return s.Port
		}
	}
	return 0
}

// reportMissing logs devices still waiting for a connection.
func (e *Engine) reportMissing() {
	for _, id := range e.registry.ListPendingReconnect() {
		snap, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		e.logWarn("wemo device still missing",
			"device_id", id,
			"name", snap.Name,
			"last_address", net.JoinHostPort(snap.Host, strconv.Itoa(snap.Port)),
		)
	}
}

func (e *Engine) discoveryLoop() {
	defer e.wg.Done()

	e.DiscoverOnce(e.ctx)

	ticker := time.NewTicker(e.opts.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.DiscoverOnce(e.ctx)
		}
	}
}

// reportPass thins out repeated diagnostics: passes 0, 2, 5, 8, 11, ...
func reportPass(n uint64) bool {
	return n == 0 || (n >= 2 && (n-2)%3 == 0)
}

// splitManual accepts "host" or "host:port".
func splitManual(entry string) (string, int) {
	entry = strings.TrimSpace(entry)
	entry = strings.TrimPrefix(entry, "http://")
	entry = strings.TrimSuffix(entry, "/setup.xml")
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return strings.Trim(entry, "[]/"), 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, 0
	}
	return host, port
}

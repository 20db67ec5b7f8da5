// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - relay connections, subscriptions, request queue and ephemeral leases.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-pool/connection"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
)

var (
	ErrAlreadyExists = errors.New("relay already in pool")
	ErrUnknownRelay  = errors.New("relay not in pool")
	ErrPoolClosed    = errors.New("pool closed")
)

type relayEntry struct {
	desc          relay.Descriptor
	ep            *connection.Endpoint
	leases        int
	lingerGen     uint64
	everConnected bool
	authErr       error
}

// Pool owns every relay endpoint. All mutable state is guarded by mu and no
// network call or channel send happens while it is held.
type Pool struct {
	opts options

	mu             sync.Mutex
	closed         bool
	relays         map[relay.URL]*relayEntry
	subs           map[string]*handler
	queues         map[relay.URL][]QueuedRequest
	seen           map[string]map[relay.URL]struct{}
	negHandler     func(relay.URL, wire.Response)
	reconnectHooks []func(relay.URL)

	wg sync.WaitGroup

	eventsReceived atomic.Int64
	duplicates     atomic.Int64
	okAccepted     atomic.Int64
	okRejected     atomic.Int64
	queueDropped   atomic.Int64
}

func New(opts ...Option) *Pool {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool{
		opts:   o,
		relays: make(map[relay.URL]*relayEntry),
		subs:   make(map[string]*handler),
		queues: make(map[relay.URL][]QueuedRequest),
		seen:   make(map[string]map[relay.URL]struct{}),
	}
}

// AddRelay registers a relay without connecting it.
func (p *Pool) AddRelay(desc relay.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.relays[desc.URL]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, desc.URL)
	}
	p.addRelayLocked(desc)
	return nil
}

func (p *Pool) addRelayLocked(desc relay.Descriptor) *relayEntry {
	epOpts := append([]connection.Option{
		connection.WithClock(p.opts.clock),
		connection.WithTrusted(desc.Trusted()),
	}, p.opts.endpointOpts...)
	e := &relayEntry{desc: desc, ep: connection.New(desc.URL, epOpts...)}
	p.relays[desc.URL] = e

	p.wg.Add(1)
	go p.dispatch(e)
	logging.DebugMethod("pool", "AddRelay", "added %s (%s)", desc.URL, desc.Variant)
	return e
}

// RemoveRelay disconnects, disables and then forgets the relay.
func (p *Pool) RemoveRelay(url relay.URL) error {
	p.mu.Lock()
	e := p.relays[url]
	p.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, url)
	}

	e.ep.Disconnect()
	e.ep.DisablePermanently()

	p.mu.Lock()
	if p.relays[url] == e {
		p.forgetLocked(url)
	}
	p.mu.Unlock()

	p.relayGone(url)
	return nil
}

func (p *Pool) forgetLocked(url relay.URL) {
	delete(p.relays, url)
	if n := len(p.queues[url]); n > 0 {
		logging.Warn("pool: discarding %d queued requests for removed relay %s", n, url)
	}
	delete(p.queues, url)
}

// Relays lists descriptors in address order.
func (p *Pool) Relays() []relay.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]relay.Descriptor, 0, len(p.relays))
	for _, e := range p.relays {
		out = append(out, e.desc)
	}
	slices.SortFunc(out, func(a, b relay.Descriptor) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	return out
}

// Connect starts connecting every relay that is not connected yet.
func (p *Pool) Connect() {
	for _, e := range p.entries() {
		e.ep.Connect(false)
	}
}

func (p *Pool) entries() []*relayEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*relayEntry, 0, len(p.relays))
	for _, e := range p.relays {
		out = append(out, e)
	}
	return out
}

func (p *Pool) entry(url relay.URL) *relayEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relays[url]
}

func (p *Pool) IsConnected(url relay.URL) bool {
	e := p.entry(url)
	return e != nil && e.ep.State() == connection.Connected
}

// ConnectedRelays lists connected relays in address order.
func (p *Pool) ConnectedRelays() []relay.URL {
	var out []relay.URL
	for _, e := range p.entries() {
		if e.ep.State() == connection.Connected {
			out = append(out, e.desc.URL)
		}
	}
	return relay.SortURLs(out)
}

func (p *Pool) connectedAmong(urls []relay.URL) []relay.URL {
	var out []relay.URL
	for _, u := range urls {
		if p.IsConnected(u) {
			out = append(out, u)
		}
	}
	return out
}

// EnsureConnected takes a lease on every url, adding missing relays as ephemeral, and
// waits until all are connected, the timeout passes, or a short grace window after the
// first connection expires. A zero timeout uses the configured default. The caller
// owns the leases and hands them back with ReleaseEphemeralRelays(urls).
func (p *Pool) EnsureConnected(ctx context.Context, urls []relay.URL, timeout time.Duration) []relay.URL {
	if timeout <= 0 {
		timeout = p.opts.ensureTimeout
	}
	if !p.AcquireEphemeralRelays(urls) {
		return nil
	}

	clock := p.opts.clock
	deadline := clock.Now().Add(timeout)
	var firstConnected time.Time
	for {
		connected := p.connectedAmong(urls)
		if len(connected) == len(urls) {
			return connected
		}
		now := clock.Now()
		if len(connected) > 0 && firstConnected.IsZero() {
			firstConnected = now
		}
		if !firstConnected.IsZero() && now.Sub(firstConnected) >= p.opts.ensureGrace {
			return connected
		}
		if !now.Before(deadline) {
			logging.DebugMethod("pool", "EnsureConnected", "timeout: %d/%d connected", len(connected), len(urls))
			return connected
		}
		select {
		case <-ctx.Done():
			return connected
		case <-clock.After(p.opts.ensurePoll):
		}
	}
}

// AcquireEphemeralRelays takes one lease on each url, adding missing relays as
// ephemeral, and starts connecting them. It reports false on a closed pool.
func (p *Pool) AcquireEphemeralRelays(urls []relay.URL) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	var eps []*connection.Endpoint
	for _, u := range urls {
		e := p.relays[u]
		if e == nil {
			e = p.addRelayLocked(relay.EphemeralRead(u))
		}
		e.leases++
		// cancels any pending lingering removal
		e.lingerGen++
		eps = append(eps, e.ep)
	}
	p.mu.Unlock()

	for _, ep := range eps {
		ep.Connect(false)
	}
	return true
}

// ReleaseEphemeralRelays drops one lease on each url. An ephemeral relay whose count
// reaches zero is removed in the same critical section, or after the linger delay
// when the count is still zero at that point.
func (p *Pool) ReleaseEphemeralRelays(urls []relay.URL) {
	var removed []*relayEntry
	p.mu.Lock()
	for _, u := range urls {
		e := p.relays[u]
		if e == nil || e.leases == 0 {
			continue
		}
		e.leases--
		if e.leases > 0 || !e.desc.IsEphemeral() {
			continue
		}
		if p.opts.leaseLinger <= 0 {
			p.forgetLocked(u)
			removed = append(removed, e)
			continue
		}
		e.lingerGen++
		gen := e.lingerGen
		p.opts.clock.AfterFunc(p.opts.leaseLinger, func() { p.expireLease(u, e, gen) })
	}
	p.mu.Unlock()

	for _, e := range removed {
		p.retire(e)
	}
}

func (p *Pool) expireLease(url relay.URL, e *relayEntry, gen uint64) {
	p.mu.Lock()
	if p.relays[url] != e || e.leases != 0 || e.lingerGen != gen {
		p.mu.Unlock()
		return
	}
	p.forgetLocked(url)
	p.mu.Unlock()
	p.retire(e)
}

func (p *Pool) retire(e *relayEntry) {
	e.ep.Disconnect()
	e.ep.DisablePermanently()
	p.relayGone(e.desc.URL)
	logging.DebugMethod("pool", "retire", "removed ephemeral relay %s", e.desc.URL)
}

// LeaseCount reports the current lease count of url.
func (p *Pool) LeaseCount(url relay.URL) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.relays[url]; e != nil {
		return e.leases
	}
	return 0
}

// OnNegentropy installs the receiver of NEG-MSG, NEG-ERR, NOTICE and unmatched CLOSED frames.
func (p *Pool) OnNegentropy(fn func(relay.URL, wire.Response)) {
	p.mu.Lock()
	p.negHandler = fn
	p.mu.Unlock()
}

// OnReconnect registers a hook run after a relay connects again.
func (p *Pool) OnReconnect(fn func(relay.URL)) {
	p.mu.Lock()
	p.reconnectHooks = append(p.reconnectHooks, fn)
	p.mu.Unlock()
}

// Close disconnects every relay, closes every subscription and clears the seen ledger.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := make([]*relayEntry, 0, len(p.relays))
	for _, e := range p.relays {
		entries = append(entries, e)
	}
	handlers := make([]*handler, 0, len(p.subs))
	for _, h := range p.subs {
		handlers = append(handlers, h)
	}
	p.relays = make(map[relay.URL]*relayEntry)
	p.subs = make(map[string]*handler)
	p.queues = make(map[relay.URL][]QueuedRequest)
	p.seen = make(map[string]map[relay.URL]struct{})
	p.mu.Unlock()

	for _, h := range handlers {
		h.close()
		subscriptionsGauge(-1)
	}
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *relayEntry) {
			defer wg.Done()
			e.ep.Disconnect()
			e.ep.DisablePermanently()
		}(e)
	}
	wg.Wait()
	p.wg.Wait()
}

type RelayStats struct {
	connection.Stats
	Variant   string `json:"variant"`
	Read      bool   `json:"read"`
	Write     bool   `json:"write"`
	Leases    int    `json:"leases"`
	Queued    int    `json:"queued"`
	AuthError string `json:"auth_error,omitempty"`
}

type Stats struct {
	Relays              []RelayStats `json:"relays"`
	Subscriptions       int          `json:"subscriptions"`
	SeenEvents          int          `json:"seen_events"`
	EventsReceived      int64        `json:"events_received"`
	DuplicateDeliveries int64        `json:"duplicate_deliveries"`
	OKAccepted          int64        `json:"ok_accepted"`
	OKRejected          int64        `json:"ok_rejected"`
	QueueDropped        int64        `json:"queue_dropped"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Subscriptions:       len(p.subs),
		SeenEvents:          len(p.seen),
		EventsReceived:      p.eventsReceived.Load(),
		DuplicateDeliveries: p.duplicates.Load(),
		OKAccepted:          p.okAccepted.Load(),
		OKRejected:          p.okRejected.Load(),
		QueueDropped:        p.queueDropped.Load(),
	}
	entries := make([]*relayEntry, 0, len(p.relays))
	for _, e := range p.relays {
		entries = append(entries, e)
	}
	rs := make([]RelayStats, 0, len(entries))
	for _, e := range entries {
		r := RelayStats{
			Variant: e.desc.Variant.String(),
			Read:    e.desc.Read,
			Write:   e.desc.Write,
			Leases:  e.leases,
			Queued:  len(p.queues[e.desc.URL]),
		}
		if e.authErr != nil {
			r.AuthError = e.authErr.Error()
		}
		rs = append(rs, r)
	}
	p.mu.Unlock()

	// endpoint stats take the endpoint lock, never under the pool lock
	for i, e := range entries {
		rs[i].Stats = e.ep.Stats()
	}
	slices.SortFunc(rs, func(a, b RelayStats) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	s.Relays = rs
	return s
}

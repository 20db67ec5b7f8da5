// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - subscriptions and their delivery channels.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/girino/relay-pool/connection"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/metrics"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// Item is one element of a subscription stream: an event or the aggregated EOSE.
type Item struct {
	Event *nostr.Event
	Relay relay.URL
	EOSE  bool
}

type SubscribeOptions struct {
	// ID defaults to a random uuid. Reusing a live id replaces that subscription.
	ID string
	// Relays are the explicit targets. Nil means every readable, non ephemeral relay.
	Relays []relay.URL
	// EOSETimeout overrides the pool default.
	EOSETimeout time.Duration
	// CloseOnEOSE ends the subscription right after the aggregated EOSE.
	CloseOnEOSE bool
}

// item is what the dispatch goroutines hand to a subscription.
type item struct {
	relay relay.URL
	event *nostr.Event
	eose  bool
}

type handler struct {
	id       string
	filters  []nostr.Filter
	targets  []relay.URL
	explicit bool

	in        chan item
	out       chan Item
	done      chan struct{}
	closeOnce sync.Once
}

func (h *handler) deliver(it item) {
	select {
	case h.in <- it:
	case <-h.done:
	}
}

func (h *handler) close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Subscription is a live REQ across relays. C is closed when the subscription ends.
type Subscription struct {
	ID string
	C  <-chan Item

	pool *Pool
	h    *handler
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.pool.unsubscribe(s.h)
}

// Done is closed once the subscription has been cancelled or replaced.
func (s *Subscription) Done() <-chan struct{} { return s.h.done }

func subscriptionsGauge(delta float64) {
	metrics.ActiveSubscriptions.Add(delta)
}

func (p *Pool) targetsLocked(h *handler, e *relayEntry) bool {
	if h.explicit {
		return slices.Contains(h.targets, e.desc.URL)
	}
	return e.desc.Read && !e.desc.IsEphemeral()
}

// Subscribe registers a subscription and sends the REQ to every connected target.
// It blocks while the pool is at its subscription ceiling.
func (p *Pool) Subscribe(ctx context.Context, filters []nostr.Filter, opts SubscribeOptions) (*Subscription, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	eoseTimeout := opts.EOSETimeout
	if eoseTimeout <= 0 {
		eoseTimeout = p.opts.eoseTimeout
	}

	h := &handler{
		id:       id,
		filters:  filters,
		targets:  opts.Relays,
		explicit: opts.Relays != nil,
		in:       make(chan item, 64),
		out:      make(chan Item),
		done:     make(chan struct{}),
	}

	var (
		old     *handler
		pending map[relay.URL]struct{}
		eps     []*connection.Endpoint
	)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		var replacing bool
		old, replacing = p.subs[id]
		if replacing || len(p.subs) < p.opts.maxSubscriptions {
			break
		}
		p.mu.Unlock()

		logging.DebugMethod("pool", "Subscribe", "%d subscriptions active, %s waiting", p.opts.maxSubscriptions, id)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.opts.clock.After(p.opts.admissionPoll):
		}
	}

	// still holding p.mu
	p.subs[id] = h
	pending = make(map[relay.URL]struct{})
	for _, e := range p.relays {
		if !p.targetsLocked(h, e) {
			continue
		}
		if e.ep.State() == connection.Connected {
			pending[e.desc.URL] = struct{}{}
			eps = append(eps, e.ep)
		}
	}
	if h.explicit {
		for _, u := range h.targets {
			if p.relays[u] == nil {
				logging.Warn("pool: subscription %s targets %s which is not in the pool", id, u)
			}
		}
	}
	p.mu.Unlock()

	if old != nil {
		// the relay replaces a REQ with the same id, so no CLOSE is sent
		old.close()
		logging.DebugMethod("pool", "Subscribe", "replaced subscription %s", id)
	} else {
		subscriptionsGauge(1)
	}

	go p.forward(h, pending, eoseTimeout, opts.CloseOnEOSE)

	for _, ep := range eps {
		if _, err := ep.Send(wire.Req{SubID: id, Filters: filters}); err != nil {
			logging.Warn("pool: REQ %s to %s failed: %v", id, ep.URL(), err)
			h.deliver(item{relay: ep.URL(), eose: true})
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			p.unsubscribe(h)
		case <-h.done:
		}
	}()

	return &Subscription{ID: id, C: h.out, pool: p, h: h}, nil
}

// forward owns deduplication and the EOSE quorum of one subscription.
func (p *Pool) forward(h *handler, pending map[relay.URL]struct{}, eoseTimeout time.Duration, closeOnEOSE bool) {
	defer close(h.out)

	seen := make(map[string]struct{})
	timer := p.opts.clock.NewTimer(eoseTimeout)
	defer timer.Stop()
	timeout := timer.Chan()
	eoseSent := false

	emit := func(it Item) bool {
		select {
		case h.out <- it:
			return true
		case <-h.done:
			return false
		}
	}
	// signalEOSE reports whether the forwarder must stop
	signalEOSE := func(reason string) bool {
		eoseSent = true
		timer.Stop()
		timeout = nil
		logging.DebugMethod("pool", "forward", "subscription %s EOSE (%s)", h.id, reason)
		if !emit(Item{EOSE: true}) {
			return true
		}
		if closeOnEOSE {
			p.unsubscribe(h)
			return true
		}
		return false
	}

	if len(pending) == 0 && signalEOSE("no connected targets") {
		return
	}

	for {
		select {
		case <-h.done:
			return
		case <-timeout:
			if !eoseSent && signalEOSE(fmt.Sprintf("timeout, %d relays pending", len(pending))) {
				return
			}
		case it := <-h.in:
			if it.eose {
				if _, ok := pending[it.relay]; !ok {
					continue
				}
				delete(pending, it.relay)
				if !eoseSent && len(pending) == 0 && signalEOSE("all relays") {
					return
				}
				continue
			}
			if _, dup := seen[it.event.ID]; dup {
				continue
			}
			seen[it.event.ID] = struct{}{}
			metrics.EventsDelivered.Inc()
			if !emit(Item{Event: it.event, Relay: it.relay}) {
				return
			}
		}
	}
}

// unsubscribe removes h if it is still registered, ends its stream and sends CLOSE.
func (p *Pool) unsubscribe(h *handler) {
	p.mu.Lock()
	current := p.subs[h.id] == h
	var eps []*connection.Endpoint
	if current {
		delete(p.subs, h.id)
		for _, e := range p.relays {
			if p.targetsLocked(h, e) && e.ep.State() == connection.Connected {
				eps = append(eps, e.ep)
			}
		}
	}
	p.mu.Unlock()

	h.close()
	if !current {
		return
	}
	subscriptionsGauge(-1)
	for _, ep := range eps {
		if _, err := ep.Send(wire.Close{SubID: h.id}); err != nil && !errors.Is(err, connection.ErrNotConnected) {
			logging.DebugMethod("pool", "unsubscribe", "CLOSE %s to %s: %v", h.id, ep.URL(), err)
		}
	}
}

// FetchMany runs filters against relays (nil for the default set) and returns the
// deduplicated events received before the aggregated EOSE. When ctx ends first the
// partial result is returned with ctx's error.
func (p *Pool) FetchMany(ctx context.Context, filters []nostr.Filter, relays []relay.URL) ([]*nostr.Event, error) {
	sub, err := p.Subscribe(ctx, filters, SubscribeOptions{Relays: relays, CloseOnEOSE: true})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var events []*nostr.Event
	for {
		select {
		case it, ok := <-sub.C:
			if !ok || it.EOSE {
				return events, nil
			}
			events = append(events, it.Event)
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - routing of inbound relay frames.
package pool

import (
	"github.com/girino/relay-pool/connection"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
)

// dispatch consumes one endpoint's stream until the endpoint is disabled.
func (p *Pool) dispatch(e *relayEntry) {
	defer p.wg.Done()
	for {
		select {
		case ev := <-e.ep.Events():
			p.handleEvent(e, ev)
		case <-e.ep.Done():
			return
		}
	}
}

func (p *Pool) current(e *relayEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relays[e.desc.URL] == e
}

func (p *Pool) handleEvent(e *relayEntry, ev connection.Event) {
	url := e.desc.URL
	switch ev.Kind {
	case connection.EventConnected:
		p.onConnected(e)
	case connection.EventDisconnected:
		logging.DebugMethod("pool", "handleEvent", "%s disconnected (%d %s)", url, ev.Code, ev.Reason)
		p.relayGone(url)
	case connection.EventError:
		logging.DebugMethod("pool", "handleEvent", "%s error: %v", url, ev.Err)
	case connection.EventMessage:
		if !p.current(e) {
			return
		}
		p.handleMessage(e, ev.Response)
	}
}

// onConnected replays the queue, resubscribes every subscription targeting the relay
// and runs the reconnect hooks when this is not the first connection.
func (p *Pool) onConnected(e *relayEntry) {
	url := e.desc.URL
	p.mu.Lock()
	if p.relays[url] != e {
		p.mu.Unlock()
		return
	}
	queued := p.queues[url]
	delete(p.queues, url)
	reconnected := e.everConnected
	e.everConnected = true
	var handlers []*handler
	for _, h := range p.subs {
		if p.targetsLocked(h, e) {
			handlers = append(handlers, h)
		}
	}
	hooks := append([]func(relay.URL){}, p.reconnectHooks...)
	p.mu.Unlock()

	for i, q := range queued {
		if _, err := e.ep.Send(q.Request); err != nil {
			logging.Warn("pool: replaying queued %s to %s failed: %v", q.Request.Label(), url, err)
			p.requeue(e, queued[i:])
			break
		}
	}
	if len(queued) > 0 {
		logging.DebugMethod("pool", "onConnected", "replayed %d queued requests to %s", len(queued), url)
	}

	for _, h := range handlers {
		if _, err := e.ep.Send(wire.Req{SubID: h.id, Filters: h.filters}); err != nil {
			logging.Warn("pool: resubscribing %s on %s failed: %v", h.id, url, err)
		}
	}

	if reconnected {
		for _, hook := range hooks {
			go hook(url)
		}
	}
}

// requeue puts unsent requests back at the front of the relay queue.
func (p *Pool) requeue(e *relayEntry, rest []QueuedRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.relays[e.desc.URL] != e {
		return
	}
	q := append(append([]QueuedRequest{}, rest...), p.queues[e.desc.URL]...)
	if len(q) > p.opts.queueCap {
		q = q[:p.opts.queueCap]
	}
	p.queues[e.desc.URL] = q
}

// relayGone counts url as finished for every subscription still waiting on it.
func (p *Pool) relayGone(url relay.URL) {
	for _, h := range p.handlersSnapshot() {
		h.deliver(item{relay: url, eose: true})
	}
}

func (p *Pool) handlersSnapshot() []*handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*handler, 0, len(p.subs))
	for _, h := range p.subs {
		out = append(out, h)
	}
	return out
}

func (p *Pool) handleMessage(e *relayEntry, resp wire.Response) {
	url := e.desc.URL
	switch r := resp.(type) {
	case wire.EventMessage:
		p.eventsReceived.Add(1)
		p.mu.Lock()
		relays := p.seen[r.Event.ID]
		if relays == nil {
			relays = make(map[relay.URL]struct{})
			p.seen[r.Event.ID] = relays
		}
		_, again := relays[url]
		relays[url] = struct{}{}
		h := p.subs[r.SubID]
		p.mu.Unlock()

		if again {
			p.duplicates.Add(1)
		}
		if h == nil {
			logging.DebugMethod("pool", "handleMessage", "event %s from %s for unknown subscription %s", r.Event.ID, url, r.SubID)
			return
		}
		h.deliver(item{relay: url, event: r.Event})

	case wire.EOSE:
		if h := p.handler(r.SubID); h != nil {
			h.deliver(item{relay: url, eose: true})
		}

	case wire.Closed:
		if h := p.handler(r.SubID); h != nil {
			logging.Warn("pool: %s closed subscription %s: %s", url, r.SubID, r.Reason)
			h.deliver(item{relay: url, eose: true})
			return
		}
		p.toNegentropy(url, r)

	case wire.Notice:
		logging.Warn("pool: notice from %s: %s", url, r.Message)
		p.toNegentropy(url, r)

	case wire.NegMessage, wire.NegError:
		p.toNegentropy(url, r)

	case wire.AuthChallenge:
		p.handleAuth(e, r.Challenge)

	case wire.OK:
		if r.Accepted {
			p.okAccepted.Add(1)
			logging.DebugMethod("pool", "handleMessage", "%s accepted %s", url, r.EventID)
		} else {
			p.okRejected.Add(1)
			logging.Warn("pool: %s rejected %s: %s", url, r.EventID, r.Message)
		}
	}
}

func (p *Pool) handler(id string) *handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[id]
}

func (p *Pool) toNegentropy(url relay.URL, resp wire.Response) {
	p.mu.Lock()
	fn := p.negHandler
	p.mu.Unlock()
	if fn != nil {
		fn(url, resp)
	}
}

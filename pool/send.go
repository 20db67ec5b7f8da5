// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - outbound frames and publishing.
package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/girino/relay-pool/connection"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/metrics"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"go.uber.org/multierr"
)

// QueuedRequest waits for its relay to connect.
type QueuedRequest struct {
	Request       wire.Request
	Relay         relay.URL
	SkipEphemeral bool
}

// Send routes req to the relays in to (nil means every relay). Publishes go to the
// local store first. Relays whose capability does not match the request direction are
// skipped, as are ephemeral relays when skipEphemeral is set. Disconnected relays get
// the request queued; the returned error aggregates immediate write failures.
func (p *Pool) Send(ctx context.Context, req wire.Request, to []relay.URL, skipEphemeral bool) error {
	if pub, ok := req.(wire.Publish); ok && p.opts.store != nil && pub.Event != nil {
		if err := p.opts.store.Insert(ctx, pub.Event); err != nil {
			logging.Warn("pool: local store insert of %s failed: %v", pub.Event.ID, err)
		}
	}

	dir := wire.DirectionOf(req)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	var candidates []*relayEntry
	if to == nil {
		for _, e := range p.relays {
			candidates = append(candidates, e)
		}
	} else {
		for _, u := range to {
			if e := p.relays[u]; e != nil {
				candidates = append(candidates, e)
			}
		}
	}
	var ready []*relayEntry
	for _, e := range candidates {
		if (dir == wire.Read && !e.desc.Read) || (dir == wire.Write && !e.desc.Write) {
			continue
		}
		if skipEphemeral && e.desc.IsEphemeral() {
			continue
		}
		if e.ep.State() != connection.Connected {
			p.enqueueLocked(QueuedRequest{Request: req, Relay: e.desc.URL, SkipEphemeral: skipEphemeral})
			continue
		}
		ready = append(ready, e)
	}
	p.mu.Unlock()

	var errs error
	for _, e := range ready {
		if _, err := e.ep.Send(req); err != nil {
			if errors.Is(err, connection.ErrNotConnected) {
				p.Enqueue(QueuedRequest{Request: req, Relay: e.desc.URL, SkipEphemeral: skipEphemeral})
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// SendNow writes req to one connected relay without queueing.
func (p *Pool) SendNow(url relay.URL, req wire.Request) (string, error) {
	e := p.entry(url)
	if e == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownRelay, url)
	}
	return e.ep.Send(req)
}

// Enqueue appends q to its relay queue. It reports false when the queue is full and
// the request was dropped.
func (p *Pool) Enqueue(q QueuedRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.relays[q.Relay] == nil {
		return false
	}
	return p.enqueueLocked(q)
}

func (p *Pool) enqueueLocked(q QueuedRequest) bool {
	queue := p.queues[q.Relay]
	if len(queue) >= p.opts.queueCap {
		p.queueDropped.Add(1)
		metrics.QueueDropped.Inc()
		logging.Warn("pool: queue for %s full (%d), dropping %s", q.Relay, p.opts.queueCap, q.Request.Label())
		return false
	}
	p.queues[q.Relay] = append(queue, q)
	return true
}

// QueueLen reports how many requests wait for url.
func (p *Pool) QueueLen(url relay.URL) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[url])
}

// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RelayStore - eventstore answered by remote relays through the pool.
package relaystore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"github.com/nbd-wtf/go-nostr"
)

// RelayStore publishes to one set of relays and answers queries from another, both
// through a shared pool. It keeps nothing itself.
type RelayStore struct {
	pool    *pool.Pool
	publish []relay.URL
	query   []relay.URL

	queryTimeout time.Duration

	publishAttempts     atomic.Int64
	publishSuccesses    atomic.Int64
	publishFailures     atomic.Int64
	queryRequests       atomic.Int64
	queryEventsReturned atomic.Int64
}

// Stats holds runtime counters exported by RelayStore
type Stats struct {
	PublishAttempts     int64 `json:"publish_attempts"`
	PublishSuccesses    int64 `json:"publish_successes"`
	PublishFailures     int64 `json:"publish_failures"`
	QueryRequests       int64 `json:"query_requests"`
	QueryEventsReturned int64 `json:"query_events_returned"`
}

func (r *RelayStore) Stats() Stats {
	return Stats{
		PublishAttempts:     r.publishAttempts.Load(),
		PublishSuccesses:    r.publishSuccesses.Load(),
		PublishFailures:     r.publishFailures.Load(),
		QueryRequests:       r.queryRequests.Load(),
		QueryEventsReturned: r.queryEventsReturned.Load(),
	}
}

// New creates a RelayStore over p. Publish relays are added write-only, query relays
// read-only, and relays in both lists read-write.
func New(p *pool.Pool, publish, query []relay.URL) *RelayStore {
	return &RelayStore{
		pool:         p,
		publish:      publish,
		query:        query,
		queryTimeout: 7 * time.Second,
	}
}

// WithQueryTimeout bounds how long a query waits for the aggregated EOSE.
func (r *RelayStore) WithQueryTimeout(d time.Duration) *RelayStore {
	r.queryTimeout = d
	return r
}

func (r *RelayStore) Init() error {
	caps := make(map[relay.URL]*relay.Descriptor)
	for _, u := range r.publish {
		caps[u] = &relay.Descriptor{URL: u, Write: true}
	}
	for _, u := range r.query {
		if d, ok := caps[u]; ok {
			d.Read = true
			continue
		}
		caps[u] = &relay.Descriptor{URL: u, Read: true}
	}
	for _, d := range caps {
		if err := r.pool.AddRelay(*d); err != nil && !errors.Is(err, pool.ErrAlreadyExists) {
			return err
		}
	}
	r.pool.Connect()
	logging.DebugMethod("relaystore", "Init", "publish remotes %v, query remotes %v", r.publish, r.query)
	return nil
}

// Close leaves the shared pool running.
func (r *RelayStore) Close() {
	logging.DebugMethod("relaystore", "Close", "closing relay store")
}

// QueryEvents streams the events the query relays return before their EOSE.
func (r *RelayStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	out := make(chan *nostr.Event)
	if len(r.query) == 0 {
		close(out)
		return out, nil
	}
	r.queryRequests.Add(1)

	go func() {
		defer close(out)
		qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		events, err := r.pool.FetchMany(qctx, []nostr.Filter{filter}, r.query)
		if err != nil {
			logging.DebugMethod("relaystore", "QueryEvents", "query ended early with %d events: %v", len(events), err)
		}
		for _, ev := range events {
			select {
			case out <- ev:
				r.queryEventsReturned.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DeleteEvent is a no-op for relay forwarding store.
func (r *RelayStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// SaveEvent publishes evt to the publish relays. Disconnected relays get it queued.
func (r *RelayStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	if len(r.publish) == 0 {
		logging.Warn("relaystore: no remotes configured, not forwarding event %s", evt.ID)
		return nil
	}
	r.publishAttempts.Add(1)
	if err := r.pool.Send(ctx, wire.Publish{Event: evt}, r.publish, true); err != nil {
		r.publishFailures.Add(1)
		logging.Warn("relaystore: publishing %s: %v", evt.ID, err)
		return err
	}
	r.publishSuccesses.Add(1)
	logging.DebugMethod("relaystore", "SaveEvent", "published %s to %d remotes", evt.ID, len(r.publish))
	return nil
}

// ReplaceEvent just forwards the event (best-effort), similar to SaveEvent.
func (r *RelayStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return r.SaveEvent(ctx, evt)
}

// CountEvents returns 0 because we don't store anything.
func (r *RelayStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	return 0, nil
}

// Ensure RelayStore implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*RelayStore)(nil)
var _ eventstore.Counter = (*RelayStore)(nil)

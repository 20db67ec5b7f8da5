// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// NegentropySubscribe - reconcile first, then tail live events.
package nip77

import (
	"context"
	"sync"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
)

// StreamItem is one element of a NegentropySubscribe stream. Exactly one of Event,
// EndOfSync or Err is set.
type StreamItem struct {
	Event *nostr.Event
	Relay relay.URL

	// EndOfSync separates recovered events from the live tail.
	EndOfSync bool
	Results   map[relay.URL]Result

	Err error
}

// NegentropySubscribe reconciles filters against relays, streams the fetched events,
// emits an EndOfSync marker and then follows the same filters live from the moment
// the sync started. Cancelling ctx stops every stage and closes the channel.
func (c *Coordinator) NegentropySubscribe(ctx context.Context, filters []nostr.Filter, relays []relay.URL, ignoreRejected bool) (<-chan StreamItem, error) {
	if c.ctx.Err() != nil {
		return nil, ErrCoordinatorClosed
	}
	since := nostr.Timestamp(c.opts.clock.Now().Unix())
	if relays != nil {
		c.pool.AcquireEphemeralRelays(relays)
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		if relays != nil {
			defer c.pool.ReleaseEphemeralRelays(relays)
		}
		send := func(it StreamItem) bool {
			select {
			case out <- it:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var mu sync.Mutex
		recovered := make(map[string]struct{})
		results, err := c.Sync(ctx, filters, SyncOptions{
			Relays:         relays,
			IgnoreRejected: ignoreRejected,
			OnEvent: func(ev *nostr.Event, from relay.URL) {
				mu.Lock()
				_, dup := recovered[ev.ID]
				recovered[ev.ID] = struct{}{}
				mu.Unlock()
				if !dup {
					send(StreamItem{Event: ev, Relay: from})
				}
			},
		})
		if err != nil {
			send(StreamItem{Err: err})
			return
		}
		if !send(StreamItem{EndOfSync: true, Results: results}) {
			return
		}
		logging.DebugMethod("nip77", "NegentropySubscribe", "sync done (%d relays), following since %d", len(results), since)

		sub, err := c.pool.Subscribe(ctx, sinceFilters(filters, since), pool.SubscribeOptions{Relays: relays})
		if err != nil {
			send(StreamItem{Err: err})
			return
		}
		defer sub.Close()
		for it := range sub.C {
			if it.EOSE {
				continue
			}
			if _, ok := recovered[it.Event.ID]; ok {
				continue
			}
			if !send(StreamItem{Event: it.Event, Relay: it.Relay}) {
				return
			}
		}
	}()
	return out, nil
}

func sinceFilters(filters []nostr.Filter, since nostr.Timestamp) []nostr.Filter {
	if len(filters) == 0 {
		filters = []nostr.Filter{{}}
	}
	out := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		g := f
		g.Since = &since
		out[i] = g
	}
	return out
}

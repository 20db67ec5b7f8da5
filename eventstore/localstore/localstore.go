// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// LocalStore - single insertion path over an embedded eventstore backend.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relay-pool/logging"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr"
)

var ErrNotFound = errors.New("event not found")

// Store wraps an eventstore backend. Every write goes through Insert, which skips ids
// inserted within the recent-id TTL. Store is itself an eventstore.Store so it can be
// handed to khatru.
type Store struct {
	backend eventstore.Store
	recent  *expirable.LRU[string, struct{}]

	inserted   atomic.Int64
	duplicates atomic.Int64
	failures   atomic.Int64
}

var _ eventstore.Store = (*Store)(nil)

type options struct {
	recentSize int
	recentTTL  time.Duration
}

type Option func(*options)

// WithRecentCache bounds the cache of recently inserted ids.
func WithRecentCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.recentSize = size
		o.recentTTL = ttl
	}
}

func New(backend eventstore.Store, opts ...Option) *Store {
	o := options{recentSize: 100000, recentTTL: 10 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		backend: backend,
		recent:  expirable.NewLRU[string, struct{}](o.recentSize, nil, o.recentTTL),
	}
}

func (s *Store) Init() error {
	logging.DebugMethod("localstore", "Init", "initializing %T backend", s.backend)
	return s.backend.Init()
}

func (s *Store) Close() {
	s.backend.Close()
	s.recent.Purge()
}

// Backend returns the wrapped eventstore.
func (s *Store) Backend() eventstore.Store { return s.backend }

// Insert saves ev. Replaceable and addressable kinds go through ReplaceEvent.
// Duplicates are not errors.
func (s *Store) Insert(ctx context.Context, ev *nostr.Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	if s.recent.Contains(ev.ID) {
		s.duplicates.Add(1)
		return nil
	}

	var err error
	if nostr.IsReplaceableKind(ev.Kind) || nostr.IsAddressableKind(ev.Kind) {
		err = s.backend.ReplaceEvent(ctx, ev)
	} else {
		err = s.backend.SaveEvent(ctx, ev)
	}
	switch {
	case errors.Is(err, eventstore.ErrDupEvent):
		s.duplicates.Add(1)
	case err != nil:
		s.failures.Add(1)
		return fmt.Errorf("insert %s: %w", ev.ID, err)
	default:
		s.inserted.Add(1)
		logging.DebugMethod("localstore", "Insert", "stored %s (kind %d)", ev.ID, ev.Kind)
	}
	s.recent.Add(ev.ID, struct{}{})
	return nil
}

// QueryIDs yields (id, created_at) for events matching filter, at most limit of them
// when limit is positive. Breaking out of the loop or cancelling ctx ends the iteration
// and cancels the backend query.
func (s *Store) QueryIDs(ctx context.Context, filter nostr.Filter, limit int) (iter.Seq2[string, nostr.Timestamp], error) {
	if limit > 0 {
		filter.Limit = limit
	}
	qctx, cancel := context.WithCancel(ctx)
	ch, err := s.backend.QueryEvents(qctx, filter)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("query ids: %w", err)
	}
	return func(yield func(string, nostr.Timestamp) bool) {
		// backends stop sending on cancel without closing ch, so it is never drained
		defer cancel()
		for n := 0; limit <= 0 || n < limit; n++ {
			ev, ok := receive(qctx, ch)
			if !ok || !yield(ev.ID, ev.CreatedAt) {
				return
			}
		}
	}, nil
}

// receive reads the next event, reporting false once ch is closed or ctx is done.
func receive(ctx context.Context, ch chan *nostr.Event) (*nostr.Event, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Lookup returns the stored event with the given id or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (*nostr.Event, error) {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.backend.QueryEvents(qctx, nostr.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}
	for {
		ev, ok := receive(qctx, ch)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("lookup %s: %w", id, err)
			}
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if ev.ID == id {
			return ev, nil
		}
	}
}

func (s *Store) SaveEvent(ctx context.Context, ev *nostr.Event) error {
	return s.Insert(ctx, ev)
}

func (s *Store) ReplaceEvent(ctx context.Context, ev *nostr.Event) error {
	return s.Insert(ctx, ev)
}

func (s *Store) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	return s.backend.QueryEvents(ctx, filter)
}

func (s *Store) DeleteEvent(ctx context.Context, ev *nostr.Event) error {
	s.recent.Remove(ev.ID)
	return s.backend.DeleteEvent(ctx, ev)
}

type Stats struct {
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Failures   int64 `json:"failures"`
	RecentIDs  int   `json:"recent_ids"`
}

func (s *Store) Stats() Stats {
	return Stats{
		Inserted:   s.inserted.Load(),
		Duplicates: s.duplicates.Load(),
		Failures:   s.failures.Load(),
		RecentIDs:  s.recent.Len(),
	}
}

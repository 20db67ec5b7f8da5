// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror - negentropy catch-up followed by a live tail into the local relay.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/metrics"
	"github.com/girino/relay-pool/nip77"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relay"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
)

// Broadcaster fans an event out to connected clients. *khatru.Relay implements it.
type Broadcaster interface {
	BroadcastEvent(ev *nostr.Event) int
}

// Inserter stores mirrored events.
type Inserter interface {
	Insert(ctx context.Context, ev *nostr.Event) error
}

// MirrorManager keeps the local relay in step with the query relays: one negentropy
// catch-up per run, then the live tail, restarting the run whenever the stream ends.
type MirrorManager struct {
	coord *nip77.Coordinator
	pool  *pool.Pool
	store Inserter
	urls  []relay.URL
	opts  options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mirroredEvents            atomic.Int64
	recoveredEvents           atomic.Int64
	syncRuns                  atomic.Int64
	mirrorAttempts            atomic.Int64
	mirrorSuccesses           atomic.Int64
	mirrorFailures            atomic.Int64
	consecutiveMirrorFailures atomic.Int64
	liveRelays                atomic.Int64
	deadRelays                atomic.Int64
}

// MirrorStats holds runtime counters for mirroring operations
type MirrorStats struct {
	MirroredEvents            int64  `json:"mirrored_events"`
	RecoveredEvents           int64  `json:"recovered_events"`
	SyncRuns                  int64  `json:"sync_runs"`
	MirrorAttempts            int64  `json:"mirror_attempts"`
	MirrorSuccesses           int64  `json:"mirror_successes"`
	MirrorFailures            int64  `json:"mirror_failures"`
	ConsecutiveMirrorFailures int64  `json:"consecutive_mirror_failures"`
	MirrorHealthState         string `json:"mirror_health_state"`
	// Relay health statistics
	LiveRelays int64 `json:"live_relays"`
	DeadRelays int64 `json:"dead_relays"`
}

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

type options struct {
	clock          clockwork.Clock
	filters        []nostr.Filter
	syncWindow     time.Duration
	ignoreRejected bool
	retryDelay     time.Duration
	healthInterval time.Duration
	connectTimeout time.Duration
}

type Option func(*options)

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithFilters sets what is mirrored. The default mirrors everything.
func WithFilters(filters []nostr.Filter) Option {
	return func(o *options) { o.filters = filters }
}

// WithSyncWindow limits each catch-up to events newer than now minus d. Zero means
// no lower bound.
func WithSyncWindow(d time.Duration) Option {
	return func(o *options) { o.syncWindow = d }
}

// WithIgnoreRejected keeps mirroring when a relay refuses negentropy.
func WithIgnoreRejected(ignore bool) Option {
	return func(o *options) { o.ignoreRejected = ignore }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithConnectTimeout bounds the initial wait for the query relays.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

func WithHealthInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

// NewMirrorManager mirrors urls through coord into store.
func NewMirrorManager(coord *nip77.Coordinator, p *pool.Pool, store Inserter, urls []relay.URL, opts ...Option) *MirrorManager {
	o := options{
		clock:          clockwork.NewRealClock(),
		filters:        []nostr.Filter{{}},
		syncWindow:     24 * time.Hour,
		ignoreRejected: true,
		retryDelay:     10 * time.Second,
		healthInterval: 30 * time.Second,
		connectTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &MirrorManager{coord: coord, pool: p, store: store, urls: urls, opts: o}
}

// Close stops mirroring.
func (m *MirrorManager) Close() {
	m.StopMirroring()
}

// Stats returns a snapshot of the MirrorManager counters
func (m *MirrorManager) Stats() MirrorStats {
	consecutive := m.consecutiveMirrorFailures.Load()
	return MirrorStats{
		MirroredEvents:            m.mirroredEvents.Load(),
		RecoveredEvents:           m.recoveredEvents.Load(),
		SyncRuns:                  m.syncRuns.Load(),
		MirrorAttempts:            m.mirrorAttempts.Load(),
		MirrorSuccesses:           m.mirrorSuccesses.Load(),
		MirrorFailures:            m.mirrorFailures.Load(),
		ConsecutiveMirrorFailures: consecutive,
		MirrorHealthState:         healthState(consecutive),
		LiveRelays:                m.liveRelays.Load(),
		DeadRelays:                m.deadRelays.Load(),
	}
}

func healthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// StartMirroring connects the query relays and starts mirroring into sink. It fails
// when relays are configured but none connects.
func (m *MirrorManager) StartMirroring(ctx context.Context, sink Broadcaster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if len(m.urls) == 0 {
		logging.DebugMethod("mirror", "StartMirroring", "no query relays configured, skipping mirroring")
		return nil
	}

	for _, u := range m.urls {
		if err := m.pool.AddRelay(relay.Descriptor{URL: u, Read: true}); err != nil {
			logging.DebugMethod("mirror", "StartMirroring", "%v", err)
		}
	}
	live := m.pool.EnsureConnected(ctx, m.urls, m.opts.connectTimeout)
	if len(live) == 0 {
		m.pool.ReleaseEphemeralRelays(m.urls)
		return fmt.Errorf("no query relays are available (configured: %d)", len(m.urls))
	}
	logging.Info("mirror: starting from %d query relays (%d/%d available)", len(m.urls), len(live), len(m.urls))

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, sink, m.done)
	return nil
}

// StopMirroring cancels the mirror and waits for it to finish.
func (m *MirrorManager) StopMirroring() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	logging.DebugMethod("mirror", "StopMirroring", "stopping event mirroring")
	cancel()
	<-done
	m.pool.ReleaseEphemeralRelays(m.urls)
}

func (m *MirrorManager) run(ctx context.Context, sink Broadcaster, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.monitorRelayHealth(ctx)
	}()
	defer wg.Wait()

	for {
		err := m.mirrorOnce(ctx, sink)
		if ctx.Err() != nil {
			return
		}
		m.mirrorFailures.Add(1)
		m.consecutiveMirrorFailures.Add(1)
		logging.Warn("mirror: stream ended (%v), retrying in %s", err, m.opts.retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-m.opts.clock.After(m.opts.retryDelay):
		}
	}
}

// mirrorOnce runs one catch-up plus live tail and returns when the stream ends.
func (m *MirrorManager) mirrorOnce(ctx context.Context, sink Broadcaster) error {
	m.mirrorAttempts.Add(1)
	stream, err := m.coord.NegentropySubscribe(ctx, m.filters(), m.urls, m.opts.ignoreRejected)
	if err != nil {
		return err
	}

	source := "sync"
	for it := range stream {
		switch {
		case it.Err != nil:
			return it.Err
		case it.EndOfSync:
			source = "live"
			m.syncRuns.Add(1)
			m.mirrorSuccesses.Add(1)
			m.consecutiveMirrorFailures.Store(0)
			for u, res := range it.Results {
				logging.Info("mirror: %s synced: have %d need %d fetched %d timed out %v", u, len(res.Have), len(res.Need), res.Fetched, res.TimedOut)
			}
		case it.Event != nil:
			if source == "live" {
				// recovered events are stored by the coordinator
				if err := m.store.Insert(ctx, it.Event); err != nil {
					logging.Error("mirror: storing %s: %v", it.Event.ID, err)
				}
			} else {
				m.recoveredEvents.Add(1)
			}
			clients := sink.BroadcastEvent(it.Event)
			m.mirroredEvents.Add(1)
			metrics.MirroredEvents.WithLabelValues(source).Inc()
			logging.DebugMethod("mirror", "mirrorOnce", "mirrored %s event %s from %s to %d clients", source, it.Event.ID, it.Relay, clients)
		}
	}
	return fmt.Errorf("stream closed")
}

func (m *MirrorManager) filters() []nostr.Filter {
	out := make([]nostr.Filter, len(m.opts.filters))
	copy(out, m.opts.filters)
	if m.opts.syncWindow <= 0 {
		return out
	}
	since := nostr.Timestamp(m.opts.clock.Now().Add(-m.opts.syncWindow).Unix())
	for i := range out {
		if out[i].Since == nil || *out[i].Since < since {
			out[i].Since = &since
		}
	}
	return out
}

// monitorRelayHealth periodically checks the health of all query relays
func (m *MirrorManager) monitorRelayHealth(ctx context.Context) {
	ticker := m.opts.clock.NewTicker(m.opts.healthInterval)
	defer ticker.Stop()
	m.checkRelayHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.checkRelayHealth()
		}
	}
}

// checkRelayHealth counts connected query relays. More than half down counts as a
// mirror failure.
func (m *MirrorManager) checkRelayHealth() {
	if len(m.urls) == 0 {
		return
	}
	var dead int64
	for _, u := range m.urls {
		if !m.pool.IsConnected(u) {
			dead++
			logging.DebugMethod("mirror", "checkRelayHealth", "relay %s is down", u)
		}
	}
	total := int64(len(m.urls))
	m.liveRelays.Store(total - dead)
	m.deadRelays.Store(dead)

	if dead > total/2 {
		m.mirrorFailures.Add(1)
		m.consecutiveMirrorFailures.Add(1)
		logging.Warn("mirror: health check failed: %d/%d relays down", dead, total)
		return
	}
	m.consecutiveMirrorFailures.Store(0)
	logging.DebugMethod("mirror", "checkRelayHealth", "health check passed: %d/%d relays up", total-dead, total)
}

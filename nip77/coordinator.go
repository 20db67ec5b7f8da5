// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Coordinator - runs negentropy sessions across relays and fetches what is missing.
package nip77

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/metrics"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrUnsupported       = errors.New("relay does not support negentropy")
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// RejectedError is a relay refusing the reconciliation itself (NEG-ERR, CLOSED, or a
// NOTICE about negentropy), as opposed to a transport or timeout failure.
type RejectedError struct {
	Relay  relay.URL
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected negentropy: %s", e.Relay, e.Reason)
}

// LocalStore is the local event store the coordinator reconciles against.
type LocalStore interface {
	IDSource
	Insert(ctx context.Context, ev *nostr.Event) error
}

// Result is the outcome of reconciling one relay.
type Result struct {
	Relay    relay.URL     `json:"relay"`
	Have     []string      `json:"have"`
	Need     []string      `json:"need"`
	Fetched  int           `json:"fetched"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

type SyncOptions struct {
	// Relays to reconcile. Nil means every readable, non ephemeral pool relay. Listed
	// relays missing from the pool are leased as ephemeral for the duration.
	Relays []relay.URL
	// IgnoreRejected keeps going when a relay refuses the exchange. By default the
	// first refusal aborts every session and is returned.
	IgnoreRejected bool
	// OnEvent is called for every fetched event after it is stored.
	OnEvent func(ev *nostr.Event, from relay.URL)
}

// FetchTracker accounts for one batch of needed ids.
type FetchTracker struct {
	Relay    relay.URL
	Expected int
	received atomic.Int64
}

func (t *FetchTracker) Received() int { return int(t.received.Load()) }

type options struct {
	clock           clockwork.Clock
	sessionTimeout  time.Duration
	batchSize       int
	session         SessionConfig
	connectAttempts int
	connectInterval time.Duration
	caps            *CapabilityCache
	reconnect       []nostr.Filter
	reconnectWindow time.Duration
}

type Option func(*options)

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSessionTimeout bounds one reconciliation exchange.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) { o.sessionTimeout = d }
}

// WithBatchSize caps the ids per fetch subscription.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

func WithSessionConfig(cfg SessionConfig) Option {
	return func(o *options) { o.session = cfg }
}

// WithConnectWait sets how long a sync waits for its relays to connect.
func WithConnectWait(attempts int, interval time.Duration) Option {
	return func(o *options) {
		o.connectAttempts = attempts
		o.connectInterval = interval
	}
}

func WithCapabilityCache(c *CapabilityCache) Option {
	return func(o *options) { o.caps = c }
}

// WithReconnectSync reconciles filters against a relay each time it reconnects.
func WithReconnectSync(filters []nostr.Filter) Option {
	return func(o *options) { o.reconnect = filters }
}

// WithReconnectWindow bounds reconnect syncs to events newer than now minus d.
func WithReconnectWindow(d time.Duration) Option {
	return func(o *options) { o.reconnectWindow = d }
}

// Coordinator owns the session table. Frames reach it through the pool's negentropy
// handler; sessions are only mutated through their own methods.
type Coordinator struct {
	pool  *pool.Pool
	store LocalStore
	caps  *CapabilityCache
	opts  options

	ctx    context.Context
	cancel context.CancelFunc

	fullSync atomic.Bool
	inflight *xsync.MapOf[relay.URL, struct{}]
	sessions *xsync.MapOf[string, *Session]
	trackers *xsync.MapOf[string, *FetchTracker]

	completed atomic.Int64
	timedOut  atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	fetched   atomic.Int64
	skipped   atomic.Int64
}

// NewCoordinator installs itself as p's negentropy handler.
func NewCoordinator(p *pool.Pool, store LocalStore, opts ...Option) *Coordinator {
	o := options{
		clock:           clockwork.NewRealClock(),
		sessionTimeout:  30 * time.Second,
		batchSize:       500,
		session:         DefaultSessionConfig(),
		connectAttempts: 10,
		connectInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.caps == nil {
		o.caps = NewCapabilityCache(1024, time.Hour, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		pool:     p,
		store:    store,
		caps:     o.caps,
		opts:     o,
		ctx:      ctx,
		cancel:   cancel,
		inflight: xsync.NewMapOf[relay.URL, struct{}](),
		sessions: xsync.NewMapOf[string, *Session](),
		trackers: xsync.NewMapOf[string, *FetchTracker](),
	}
	p.OnNegentropy(c.handleFrame)
	if o.reconnect != nil {
		p.OnReconnect(c.onReconnect)
	}
	return c
}

// Close cancels reconnect-triggered syncs and fails every open session.
func (c *Coordinator) Close() {
	c.cancel()
	c.sessions.Range(func(_ string, s *Session) bool {
		s.Fail(ErrCoordinatorClosed)
		return true
	})
}

// Capabilities exposes the capability cache.
func (c *Coordinator) Capabilities() *CapabilityCache { return c.caps }

// Syncing reports whether a full sync is running.
func (c *Coordinator) Syncing() bool { return c.fullSync.Load() }

// Sync reconciles filters against relays. A call made while another full sync runs
// returns an empty result. Relays whose session fails are absent from the result;
// timed out sessions are present with TimedOut set.
func (c *Coordinator) Sync(ctx context.Context, filters []nostr.Filter, opts SyncOptions) (map[relay.URL]Result, error) {
	if !c.fullSync.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		logging.DebugMethod("nip77", "Sync", "full sync already running, skipping")
		return map[relay.URL]Result{}, nil
	}
	defer c.fullSync.Store(false)

	targets := opts.Relays
	if targets != nil {
		c.pool.AcquireEphemeralRelays(targets)
		defer c.pool.ReleaseEphemeralRelays(targets)
	} else {
		targets = c.defaultRelays()
	}

	connected := c.waitConnected(ctx, targets)
	supported, unsupported := c.caps.Partition(ctx, connected)
	if len(unsupported) > 0 {
		logging.Info("nip77: skipping relays without NIP-77: %v", unsupported)
	}
	logging.DebugMethod("nip77", "Sync", "reconciling %d filters against %v", len(filters), supported)

	var mu sync.Mutex
	results := make(map[relay.URL]Result, len(supported))
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range supported {
		g.Go(func() error {
			res, err := c.syncRelay(gctx, u, filters, opts.OnEvent)
			if err != nil {
				var rej *RejectedError
				if errors.As(err, &rej) && !opts.IgnoreRejected {
					return err
				}
				logging.Warn("nip77: sync with %s failed: %v", u, err)
				return nil
			}
			mu.Lock()
			results[u] = res
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// SyncSingleRelay reconciles one relay. It returns ErrSyncInProgress while a full
// sync runs or that relay already has a sync in flight.
func (c *Coordinator) SyncSingleRelay(ctx context.Context, url relay.URL, filters []nostr.Filter) (Result, error) {
	if c.fullSync.Load() {
		c.skipped.Add(1)
		return Result{}, ErrSyncInProgress
	}
	if _, loaded := c.inflight.LoadOrStore(url, struct{}{}); loaded {
		c.skipped.Add(1)
		return Result{}, ErrSyncInProgress
	}
	defer c.inflight.Delete(url)

	if supported, _ := c.caps.Partition(ctx, []relay.URL{url}); len(supported) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, url)
	}
	return c.syncRelay(ctx, url, filters, nil)
}

func (c *Coordinator) onReconnect(url relay.URL) {
	res, err := c.SyncSingleRelay(c.ctx, url, c.reconnectFilters())
	switch {
	case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrUnsupported):
		logging.DebugMethod("nip77", "onReconnect", "%s: %v", url, err)
	case err != nil:
		logging.Warn("nip77: reconnect sync with %s: %v", url, err)
	default:
		logging.Info("nip77: reconnect sync with %s: have %d need %d fetched %d", url, len(res.Have), len(res.Need), res.Fetched)
	}
}

func (c *Coordinator) reconnectFilters() []nostr.Filter {
	out := make([]nostr.Filter, len(c.opts.reconnect))
	copy(out, c.opts.reconnect)
	if c.opts.reconnectWindow <= 0 {
		return out
	}
	since := nostr.Timestamp(c.opts.clock.Now().Add(-c.opts.reconnectWindow).Unix())
	for i := range out {
		if out[i].Since == nil || *out[i].Since < since {
			out[i].Since = &since
		}
	}
	return out
}

func (c *Coordinator) defaultRelays() []relay.URL {
	var out []relay.URL
	for _, d := range c.pool.Relays() {
		if d.Read && !d.IsEphemeral() {
			out = append(out, d.URL)
		}
	}
	return out
}

// waitConnected polls until every relay is connected, the attempts run out, or one
// interval has passed since the first relay connected.
func (c *Coordinator) waitConnected(ctx context.Context, urls []relay.URL) []relay.URL {
	clock := c.opts.clock
	var connected []relay.URL
	var first time.Time
	for attempt := 0; ; attempt++ {
		connected = connected[:0]
		for _, u := range urls {
			if c.pool.IsConnected(u) {
				connected = append(connected, u)
			}
		}
		if len(connected) == len(urls) || attempt >= c.opts.connectAttempts {
			break
		}
		if len(connected) > 0 {
			now := clock.Now()
			if first.IsZero() {
				first = now
			} else if now.Sub(first) >= c.opts.connectInterval {
				break
			}
		}
		select {
		case <-ctx.Done():
			return connected
		case <-clock.After(c.opts.connectInterval):
		}
	}
	if len(connected) < len(urls) {
		var missing []relay.URL
		for _, u := range urls {
			if !c.pool.IsConnected(u) {
				missing = append(missing, u)
			}
		}
		logging.Warn("nip77: relays never connected: %v", missing)
	}
	return connected
}

func (c *Coordinator) syncRelay(ctx context.Context, url relay.URL, filters []nostr.Filter, onEvent func(*nostr.Event, relay.URL)) (Result, error) {
	start := c.opts.clock.Now()
	res := Result{Relay: url}
	if len(filters) == 0 {
		filters = []nostr.Filter{{}}
	}
	for _, f := range filters {
		r, err := c.syncFilter(ctx, url, f, onEvent)
		if err != nil {
			return Result{}, err
		}
		res.Have = append(res.Have, r.Have...)
		res.Need = append(res.Need, r.Need...)
		res.Fetched += r.Fetched
		res.TimedOut = res.TimedOut || r.TimedOut
	}
	res.Duration = c.opts.clock.Since(start)
	return res, nil
}

func (c *Coordinator) syncFilter(ctx context.Context, url relay.URL, f nostr.Filter, onEvent func(*nostr.Event, relay.URL)) (Result, error) {
	id := uuid.NewString()
	sess := NewSession(id, url, f, c.opts.session)
	c.sessions.Store(id, sess)
	defer c.sessions.Delete(id)

	msg, err := sess.Initiate(ctx, c.store)
	if err != nil {
		sess.Fail(err)
		c.record("failed")
		return Result{}, err
	}
	if _, err := c.pool.SendNow(url, wire.NegOpen{SubID: id, Filter: f, Message: msg}); err != nil {
		sess.Fail(err)
		c.record("failed")
		return Result{}, fmt.Errorf("NEG-OPEN to %s: %w", url, err)
	}

	timer := c.opts.clock.AfterFunc(c.opts.sessionTimeout, func() { sess.Fail(ErrSessionTimeout) })
	err = sess.Wait(ctx)
	timer.Stop()
	if err != nil {
		if ctx.Err() != nil {
			sess.Fail(ctx.Err())
		}
		c.closeSession(url, id)
		if errors.Is(err, ErrSessionTimeout) {
			c.record("timeout")
			logging.Warn("nip77: session %s with %s timed out after %s", id, url, c.opts.sessionTimeout)
			return Result{Relay: url, Have: sess.Haves(), Need: sess.Needs(), TimedOut: true}, nil
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			c.record("rejected")
		} else {
			c.record("failed")
		}
		return Result{}, err
	}

	have, need := sess.Haves(), sess.Needs()
	fetched, err := c.fetchNeeds(ctx, url, need, onEvent)
	c.closeSession(url, id)
	if err != nil {
		c.record("failed")
		return Result{}, err
	}
	c.record("completed")
	logging.DebugMethod("nip77", "syncFilter", "%s: have %d need %d fetched %d", url, len(have), len(need), fetched)
	return Result{Relay: url, Have: have, Need: need, Fetched: fetched}, nil
}

func (c *Coordinator) record(result string) {
	switch result {
	case "completed":
		c.completed.Add(1)
	case "timeout":
		c.timedOut.Add(1)
	case "rejected":
		c.rejected.Add(1)
	default:
		c.failed.Add(1)
	}
	metrics.SyncSessions.WithLabelValues(result).Inc()
}

func (c *Coordinator) closeSession(url relay.URL, id string) {
	if _, err := c.pool.SendNow(url, wire.NegClose{SubID: id}); err != nil {
		logging.DebugMethod("nip77", "closeSession", "NEG-CLOSE %s to %s: %v", id, url, err)
	}
}

// fetchNeeds pulls need from url in batches through ordinary subscriptions and stores
// every event before handing it to onEvent.
func (c *Coordinator) fetchNeeds(ctx context.Context, url relay.URL, need []string, onEvent func(*nostr.Event, relay.URL)) (int, error) {
	fetched := 0
	for start := 0; start < len(need); start += c.opts.batchSize {
		end := min(start+c.opts.batchSize, len(need))
		ids := need[start:end]
		subID := uuid.NewString()
		tracker := &FetchTracker{Relay: url, Expected: len(ids)}
		c.trackers.Store(subID, tracker)

		n, err := c.fetchBatch(ctx, url, subID, ids, tracker, onEvent)
		c.trackers.Delete(subID)
		fetched += n
		if err != nil {
			return fetched, err
		}
		if got := tracker.Received(); got < tracker.Expected {
			logging.Warn("nip77: %s returned %d of %d needed events", url, got, tracker.Expected)
		}
	}
	return fetched, nil
}

func (c *Coordinator) fetchBatch(ctx context.Context, url relay.URL, subID string, ids []string, tracker *FetchTracker, onEvent func(*nostr.Event, relay.URL)) (int, error) {
	sub, err := c.pool.Subscribe(ctx, []nostr.Filter{{IDs: ids}}, pool.SubscribeOptions{
		ID:          subID,
		Relays:      []relay.URL{url},
		CloseOnEOSE: true,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch from %s: %w", url, err)
	}
	defer sub.Close()

	n := 0
	for it := range sub.C {
		if it.EOSE {
			continue
		}
		tracker.received.Add(1)
		if err := c.store.Insert(ctx, it.Event); err != nil {
			logging.Error("nip77: storing %s from %s: %v", it.Event.ID, url, err)
			continue
		}
		n++
		c.fetched.Add(1)
		metrics.SyncEventsFetched.Inc()
		if onEvent != nil {
			onEvent(it.Event, url)
		}
	}
	return n, ctx.Err()
}

// handleFrame receives NEG-MSG, NEG-ERR, NOTICE and unmatched CLOSED frames from the pool.
func (c *Coordinator) handleFrame(url relay.URL, resp wire.Response) {
	switch r := resp.(type) {
	case wire.NegMessage:
		sess := c.session(url, r.SubID)
		if sess == nil {
			logging.DebugMethod("nip77", "handleFrame", "NEG-MSG for unknown session %s from %s", r.SubID, url)
			return
		}
		next, _, _, err := sess.ProcessMessage(r.Message)
		if err != nil {
			logging.Warn("nip77: session %s with %s: %v", r.SubID, url, err)
			return
		}
		if next == "" {
			return
		}
		if _, err := c.pool.SendNow(url, wire.NegMsg{SubID: r.SubID, Message: next}); err != nil {
			sess.Fail(fmt.Errorf("NEG-MSG to %s: %w", url, err))
		}

	case wire.NegError:
		if sess := c.session(url, r.SubID); sess != nil {
			sess.Fail(&RejectedError{Relay: url, Reason: r.Reason})
		}

	case wire.Closed:
		if sess := c.session(url, r.SubID); sess != nil {
			sess.Fail(&RejectedError{Relay: url, Reason: r.Reason})
		}

	case wire.Notice:
		if !aboutNegentropy(r.Message) {
			return
		}
		c.sessions.Range(func(_ string, sess *Session) bool {
			if sess.Relay == url {
				sess.Fail(&RejectedError{Relay: url, Reason: r.Message})
			}
			return true
		})
	}
}

func (c *Coordinator) session(url relay.URL, id string) *Session {
	sess, ok := c.sessions.Load(id)
	if !ok || sess.Relay != url {
		return nil
	}
	return sess
}

func aboutNegentropy(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "negentropy") || strings.Contains(m, "neg-")
}

type Stats struct {
	Syncing        bool  `json:"syncing"`
	ActiveSessions int   `json:"active_sessions"`
	InFlightRelays int   `json:"in_flight_relays"`
	PendingFetches int   `json:"pending_fetches"`
	CachedRelays   int   `json:"cached_relays"`
	Completed      int64 `json:"completed"`
	TimedOut       int64 `json:"timed_out"`
	Failed         int64 `json:"failed"`
	Rejected       int64 `json:"rejected"`
	Skipped        int64 `json:"skipped"`
	EventsFetched  int64 `json:"events_fetched"`
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Syncing:        c.fullSync.Load(),
		ActiveSessions: c.sessions.Size(),
		InFlightRelays: c.inflight.Size(),
		PendingFetches: c.trackers.Size(),
		CachedRelays:   c.caps.Len(),
		Completed:      c.completed.Load(),
		TimedOut:       c.timedOut.Load(),
		Failed:         c.failed.Load(),
		Rejected:       c.rejected.Load(),
		Skipped:        c.skipped.Load(),
		EventsFetched:  c.fetched.Load(),
	}
}

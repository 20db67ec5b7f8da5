// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Connection - one relay connection with reconnect backoff and liveness pings.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/metrics"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrDisabled     = errors.New("endpoint permanently disabled")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventMessage
)

// Event is one item of the endpoint stream. Code and Reason are set for
// EventDisconnected, Err for EventError and Response for EventMessage.
type Event struct {
	Kind     EventKind
	Code     int
	Reason   string
	Err      error
	Response wire.Response
}

type options struct {
	initialBackoff time.Duration
	backoffFactor  float64
	pingInterval   time.Duration
	pingTimeout    time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	trusted        bool
	clock          clockwork.Clock
	dialer         Dialer
	verify         func(*nostr.Event) bool
	eventBuffer    int
}

func defaultOptions() options {
	return options{
		initialBackoff: time.Second,
		backoffFactor:  2.0,
		pingInterval:   30 * time.Second,
		pingTimeout:    10 * time.Second,
		dialTimeout:    10 * time.Second,
		writeTimeout:   10 * time.Second,
		clock:          clockwork.NewRealClock(),
		dialer:         WebsocketDialer{},
		verify:         VerifyEvent,
		eventBuffer:    256,
	}
}

type Option func(*options)

// WithInitialBackoff sets the first reconnect delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(o *options) { o.initialBackoff = d }
}

// WithPingInterval sets the liveness ping period. Zero disables the ping loop.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

func WithPingTimeout(d time.Duration) Option {
	return func(o *options) { o.pingTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithTrusted skips event verification for relays that already validated their events.
func WithTrusted(trusted bool) Option {
	return func(o *options) { o.trusted = trusted }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithVerifier replaces the event check used on untrusted relays.
func WithVerifier(fn func(*nostr.Event) bool) Option {
	return func(o *options) { o.verify = fn }
}

// VerifyEvent checks the event id and signature.
func VerifyEvent(ev *nostr.Event) bool {
	if ev == nil || ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// Endpoint manages the transport to one relay. All lifecycle changes go through mu;
// reads of State are lock free.
type Endpoint struct {
	url  relay.URL
	opts options

	state    atomic.Int32
	disabled atomic.Bool
	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once

	mu             sync.Mutex
	transport      Transport
	cancel         context.CancelFunc
	generation     uint64
	backoff        time.Duration
	lastDelay      time.Duration
	reconnectTimer clockwork.Timer
	lastAttempt    time.Time
	lastPong       time.Time

	writeMu sync.Mutex

	framesIn      atomic.Int64
	framesOut     atomic.Int64
	framesDropped atomic.Int64
	reconnects    atomic.Int64
}

func New(url relay.URL, opts ...Option) *Endpoint {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	e := &Endpoint{
		url:     url,
		opts:    o,
		events:  make(chan Event, o.eventBuffer),
		stop:    make(chan struct{}),
		backoff: o.initialBackoff,
	}
	return e
}

func (e *Endpoint) URL() relay.URL { return e.url }

func (e *Endpoint) State() State { return State(e.state.Load()) }

// Events is the lifecycle and message stream. It is never closed; watch Done instead.
func (e *Endpoint) Events() <-chan Event { return e.events }

// Done is closed once the endpoint is permanently disabled.
func (e *Endpoint) Done() <-chan struct{} { return e.stop }

func (e *Endpoint) Disabled() bool { return e.disabled.Load() }

// Connect starts a connection attempt. Without force it is a no-op unless the
// endpoint is disconnected.
func (e *Endpoint) Connect(force bool) {
	if e.disabled.Load() {
		return
	}
	e.mu.Lock()
	if !force && e.State() != Disconnected {
		e.mu.Unlock()
		return
	}
	old := e.teardownLocked()
	e.stopTimerLocked()
	e.generation++
	gen := e.generation
	e.state.Store(int32(Connecting))
	e.lastAttempt = e.opts.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if old != nil {
		_ = old.Close(StatusNormalClosure, "reconnecting")
	}
	logging.DebugMethod("connection", "Connect", "dialing %s (force=%v)", e.url, force)
	go e.dial(ctx, gen)
}

func (e *Endpoint) dial(ctx context.Context, gen uint64) {
	dctx, dcancel := context.WithTimeout(ctx, e.opts.dialTimeout)
	t, err := e.opts.dialer.Dial(dctx, e.url.String())
	dcancel()

	e.mu.Lock()
	if gen != e.generation || e.disabled.Load() {
		e.mu.Unlock()
		if t != nil {
			_ = t.Close(StatusNormalClosure, "stale connection")
		}
		return
	}
	if err != nil {
		e.state.Store(int32(Disconnected))
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.mu.Unlock()

		metrics.ConnectionEvents.WithLabelValues("dial_failed").Inc()
		logging.Error("connection: dial %s failed: %v", e.url, err)
		e.emit(Event{Kind: EventError, Err: err})
		e.reconnectWithBackoff()
		return
	}
	e.transport = t
	e.backoff = e.opts.initialBackoff
	e.lastPong = e.opts.clock.Now()
	e.state.Store(int32(Connected))
	e.mu.Unlock()

	metrics.ConnectionEvents.WithLabelValues("connected").Inc()
	logging.DebugMethod("connection", "dial", "connected to %s", e.url)
	// Connected is emitted before the read loop starts so messages always follow it
	e.emit(Event{Kind: EventConnected})

	go e.readLoop(ctx, gen, t)
	if e.opts.pingInterval > 0 {
		go e.pingLoop(ctx, gen)
	}
}

func (e *Endpoint) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			e.handleDrop(gen, err)
			return
		}
		e.framesIn.Add(1)
		e.handleFrame(data)
	}
}

func (e *Endpoint) pingLoop(ctx context.Context, gen uint64) {
	ticker := e.opts.clock.NewTicker(e.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.mu.Lock()
			current := gen == e.generation
			e.mu.Unlock()
			if !current {
				return
			}
			e.Ping(nil)
		}
	}
}

func (e *Endpoint) handleFrame(data []byte) {
	if wire.IsNegentropy(data) {
		resp, err := wire.ParseNegentropy(data)
		if err != nil {
			e.drop("malformed", err)
			return
		}
		e.emit(Event{Kind: EventMessage, Response: resp})
		return
	}

	resp, err := wire.Parse(data)
	if err != nil {
		e.drop("malformed", err)
		return
	}
	if em, ok := resp.(wire.EventMessage); ok && !e.opts.trusted {
		if !e.opts.verify(em.Event) {
			e.drop("invalid_event", fmt.Errorf("event %s failed verification", em.Event.ID))
			return
		}
	}
	e.emit(Event{Kind: EventMessage, Response: resp})
}

func (e *Endpoint) drop(reason string, err error) {
	e.framesDropped.Add(1)
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	logging.Warn("connection: dropping frame from %s: %v", e.url, err)
}

// emit blocks while the consumer is busy, until the endpoint is disabled.
func (e *Endpoint) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.stop:
	}
}

// handleDrop tears down generation gen after a transport failure.
func (e *Endpoint) handleDrop(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	t := e.teardownLocked()
	e.generation++
	e.state.Store(int32(Disconnected))
	e.mu.Unlock()

	if t != nil {
		_ = t.Close(StatusGoingAway, "")
	}
	code, reason := closeInfo(err)
	e.emit(Event{Kind: EventDisconnected, Code: code, Reason: reason})

	if isBenign(err) || e.disabled.Load() {
		return
	}
	metrics.ConnectionEvents.WithLabelValues("dropped").Inc()
	logging.Error("connection: %s dropped: %v", e.url, err)
	e.reconnectWithBackoff()
}

func (e *Endpoint) teardownLocked() Transport {
	t := e.transport
	e.transport = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return t
}

func (e *Endpoint) stopTimerLocked() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

// isBenign reports local errors that must not trigger a reconnect.
func isBenign(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrNotConnected)
}

// reconnectWithBackoff schedules one reconnect after the current backoff and
// doubles it. Only one timer is ever pending.
func (e *Endpoint) reconnectWithBackoff() {
	if e.disabled.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reconnectTimer != nil || e.State() != Disconnected {
		return
	}
	delay := e.backoff
	e.lastDelay = delay
	e.backoff = time.Duration(float64(e.backoff) * e.opts.backoffFactor)
	logging.DebugMethod("connection", "reconnectWithBackoff", "reconnecting to %s in %s", e.url, delay)

	var timer clockwork.Timer
	timer = e.opts.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.reconnectTimer != timer {
			e.mu.Unlock()
			return
		}
		e.reconnectTimer = nil
		e.mu.Unlock()
		e.reconnect()
	})
	e.reconnectTimer = timer
}

// reconnect is a no-op while connecting, connected or disabled.
func (e *Endpoint) reconnect() {
	e.reconnects.Add(1)
	e.Connect(false)
}

// Disconnect closes the transport and cancels any pending reconnect. Idempotent.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.generation++
	t := e.teardownLocked()
	prev := e.State()
	e.state.Store(int32(Disconnected))
	e.mu.Unlock()

	if t != nil {
		_ = t.Close(StatusNormalClosure, "")
	}
	if prev != Disconnected {
		e.emit(Event{Kind: EventDisconnected, Code: StatusNormalClosure, Reason: "disconnected by client"})
	}
}

// DisablePermanently suppresses every future connect and reconnect.
func (e *Endpoint) DisablePermanently() {
	e.disabled.Store(true)
	e.mu.Lock()
	e.stopTimerLocked()
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stop) })
}

// Send encodes req and writes it. The encoded frame is returned even when the
// write fails so callers can log or queue it.
func (e *Endpoint) Send(req wire.Request) (string, error) {
	raw, err := wire.Encode(req)
	if err != nil {
		return "", err
	}
	if e.disabled.Load() {
		return string(raw), ErrDisabled
	}
	e.mu.Lock()
	t := e.transport
	gen := e.generation
	e.mu.Unlock()
	if t == nil || e.State() != Connected {
		return string(raw), ErrNotConnected
	}

	e.writeMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.writeTimeout)
	err = t.Write(ctx, raw)
	cancel()
	e.writeMu.Unlock()
	if err != nil {
		// the caller may be the consumer of Events, so the drop must not block it
		go e.handleDrop(gen, err)
		return string(raw), fmt.Errorf("send %s to %s: %w", req.Label(), e.url, err)
	}
	e.framesOut.Add(1)
	logging.DebugMethod("connection", "Send", "%s <- %s", e.url, raw)
	return string(raw), nil
}

// Ping checks liveness asynchronously. A failed ping tears the connection down and
// schedules a reconnect; cb, when set, receives the outcome.
func (e *Endpoint) Ping(cb func(error)) {
	e.mu.Lock()
	t := e.transport
	gen := e.generation
	e.mu.Unlock()
	if t == nil {
		if cb != nil {
			cb(ErrNotConnected)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.pingTimeout)
		err := t.Ping(ctx)
		cancel()
		if err != nil {
			metrics.ConnectionEvents.WithLabelValues("ping_failed").Inc()
			e.handleDrop(gen, fmt.Errorf("ping: %w", err))
		} else {
			e.mu.Lock()
			e.lastPong = e.opts.clock.Now()
			e.mu.Unlock()
		}
		if cb != nil {
			cb(err)
		}
	}()
}

type Stats struct {
	URL                string        `json:"url"`
	State              string        `json:"state"`
	Disabled           bool          `json:"disabled"`
	NextBackoff        time.Duration `json:"next_backoff"`
	LastScheduledDelay time.Duration `json:"last_scheduled_delay"`
	LastAttempt        time.Time     `json:"last_attempt"`
	LastPong           time.Time     `json:"last_pong"`
	FramesIn           int64         `json:"frames_in"`
	FramesOut          int64         `json:"frames_out"`
	FramesDropped      int64         `json:"frames_dropped"`
	Reconnects         int64         `json:"reconnects"`
}

func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		URL:                e.url.String(),
		State:              e.State().String(),
		Disabled:           e.disabled.Load(),
		NextBackoff:        e.backoff,
		LastScheduledDelay: e.lastDelay,
		LastAttempt:        e.lastAttempt,
		LastPong:           e.lastPong,
		FramesIn:           e.framesIn.Load(),
		FramesOut:          e.framesOut.Load(),
		FramesDropped:      e.framesDropped.Load(),
		Reconnects:         e.reconnects.Load(),
	}
}

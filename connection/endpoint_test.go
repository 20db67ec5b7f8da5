package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

var errReset = errors.New("connection reset by peer")

type fakeTransport struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	pingErr atomic.Value

	mu      sync.Mutex
	written []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errReset
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errReset
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	if err, ok := f.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (f *fakeTransport) Close(int, string) error {
	f.drop()
	return nil
}

func (f *fakeTransport) drop() { f.once.Do(func() { close(f.closed) }) }

func (f *fakeTransport) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

type fakeDialer struct {
	fail  atomic.Bool
	dials atomic.Int32
	conns chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.conns <- t
	return t, nil
}

func newTestEndpoint(t *testing.T, d Dialer, clock clockwork.Clock, opts ...Option) *Endpoint {
	t.Helper()
	opts = append([]Option{WithClock(clock), WithDialer(d), WithPingInterval(0)}, opts...)
	ep := New(relay.MustParseURL("wss://relay.test"), opts...)
	t.Cleanup(func() {
		ep.Disconnect()
		ep.DisablePermanently()
	})
	return ep
}

func nextEvent(t *testing.T, ep *Endpoint, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ep.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no event of kind %d", kind)
		}
	}
}

func TestBackoffDoublesAndResets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	d.fail.Store(true)
	ep := newTestEndpoint(t, d, clock)

	ep.Connect(false)
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		nextEvent(t, ep, EventError)
		clock.BlockUntil(1)
		require.Equal(t, want, ep.Stats().LastScheduledDelay, "attempt %d", i+1)
		if i < 2 {
			clock.Advance(want)
		}
	}

	d.fail.Store(false)
	clock.Advance(4 * time.Second)
	nextEvent(t, ep, EventConnected)
	require.Equal(t, Connected, ep.State())
	require.Equal(t, time.Second, ep.Stats().NextBackoff)

	// an unexpected drop starts again from the initial delay
	tr := <-d.conns
	tr.drop()
	ev := nextEvent(t, ep, EventDisconnected)
	require.NotEmpty(t, ev.Reason)
	clock.BlockUntil(1)
	require.Equal(t, time.Second, ep.Stats().LastScheduledDelay)
	require.Equal(t, 2*time.Second, ep.Stats().NextBackoff)

	clock.Advance(time.Second)
	nextEvent(t, ep, EventConnected)
}

func TestDisableSuppressesReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	d.fail.Store(true)
	ep := newTestEndpoint(t, d, clock)

	ep.Connect(false)
	nextEvent(t, ep, EventError)
	clock.BlockUntil(1)

	ep.DisablePermanently()
	clock.Advance(time.Minute)
	ep.Connect(true)
	require.Never(t, func() bool { return d.dials.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	require.True(t, ep.Stats().Disabled)

	_, err := ep.Send(wire.Close{SubID: "x"})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestDisconnectIsBenign(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	ep := newTestEndpoint(t, d, clock)

	ep.Connect(false)
	nextEvent(t, ep, EventConnected)
	// connecting again while connected is a no-op
	ep.Connect(false)

	ep.Disconnect()
	nextEvent(t, ep, EventDisconnected)
	ep.Disconnect()
	require.Equal(t, Disconnected, ep.State())

	clock.Advance(time.Minute)
	require.Never(t, func() bool { return d.dials.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	raw, err := ep.Send(wire.Close{SubID: "s"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, `["CLOSE","s"]`, raw)
}

func TestSendWritesFrames(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	ep := newTestEndpoint(t, d, clock)

	ep.Connect(false)
	nextEvent(t, ep, EventConnected)
	tr := <-d.conns

	raw, err := ep.Send(wire.Req{SubID: "a", Filters: []nostr.Filter{{Kinds: []int{1}}}})
	require.NoError(t, err)
	_, err = ep.Send(wire.Close{SubID: "a"})
	require.NoError(t, err)
	require.Equal(t, []string{raw, `["CLOSE","a"]`}, tr.frames())
	require.EqualValues(t, 2, ep.Stats().FramesOut)
}

func TestReceivePath(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	ep := newTestEndpoint(t, d, clock)

	ep.Connect(false)
	nextEvent(t, ep, EventConnected)
	tr := <-d.conns

	sk := nostr.GeneratePrivateKey()
	good := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "hi", Tags: nostr.Tags{}}
	require.NoError(t, good.Sign(sk))
	forged := good
	forged.Content = "tampered"

	goodRaw, err := wire.Encode(wire.Publish{Event: &good})
	require.NoError(t, err)
	forgedRaw, err := wire.Encode(wire.Publish{Event: &forged})
	require.NoError(t, err)

	tr.in <- []byte(`not json`)
	tr.in <- []byte(`["EVENT","s",` + string(forgedRaw[len(`["EVENT",`):]))
	tr.in <- []byte(`["NEG-MSG","n","6100000200"]`)
	tr.in <- []byte(`["EVENT","s",` + string(goodRaw[len(`["EVENT",`):]))

	ev := nextEvent(t, ep, EventMessage)
	require.Equal(t, wire.NegMessage{SubID: "n", Message: "6100000200"}, ev.Response)
	ev = nextEvent(t, ep, EventMessage)
	msg, ok := ev.Response.(wire.EventMessage)
	require.True(t, ok)
	require.Equal(t, good.ID, msg.Event.ID)

	require.EqualValues(t, 2, ep.Stats().FramesDropped)
	require.Equal(t, Connected, ep.State())
}

func TestTrustedSkipsVerification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	ep := newTestEndpoint(t, d, clock, WithTrusted(true))

	ep.Connect(false)
	nextEvent(t, ep, EventConnected)
	tr := <-d.conns

	tr.in <- []byte(`["EVENT","s",{"id":"00","pubkey":"00","created_at":1,"kind":1,"tags":[],"content":"","sig":"00"}]`)
	ev := nextEvent(t, ep, EventMessage)
	require.IsType(t, wire.EventMessage{}, ev.Response)
}

func TestPingFailureReconnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDialer()
	ep := newTestEndpoint(t, d, clock)

	ep.Connect(false)
	nextEvent(t, ep, EventConnected)
	tr := <-d.conns

	done := make(chan error, 1)
	ep.Ping(func(err error) { done <- err })
	require.NoError(t, <-done)

	tr.pingErr.Store(errors.New("pong timeout"))
	ep.Ping(func(err error) { done <- err })
	require.Error(t, <-done)
	nextEvent(t, ep, EventDisconnected)

	clock.BlockUntil(1)
	require.Equal(t, time.Second, ep.Stats().LastScheduledDelay)
	clock.Advance(time.Second)
	nextEvent(t, ep, EventConnected)
	require.EqualValues(t, 2, d.dials.Load())
}

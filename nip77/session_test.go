package nip77

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/girino/relay-pool/eventstore/localstore"
	"github.com/girino/relay-pool/internal/relaytest"
	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
	nostrneg "github.com/nbd-wtf/go-nostr/nip77/negentropy"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy/storage/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T, events ...*nostr.Event) *localstore.Store {
	t.Helper()
	backend, err := localstore.OpenBackend("memory", "")
	require.NoError(t, err)
	s := localstore.New(backend)
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	for _, ev := range events {
		require.NoError(t, s.Insert(context.Background(), ev))
	}
	return s
}

// responder is go-nostr's engine, the same one khatru answers NEG-OPEN with.
func responder(t *testing.T, frameSizeLimit int, events ...*nostr.Event) *nostrneg.Negentropy {
	t.Helper()
	vec := vector.New()
	for _, ev := range events {
		vec.Insert(ev.CreatedAt, ev.ID)
	}
	vec.Seal()
	return nostrneg.New(vec, frameSizeLimit)
}

// exchange runs s against remote until the session reports completion.
func exchange(t *testing.T, s *Session, remote *nostrneg.Negentropy, msg string) (have, need []string) {
	t.Helper()
	for round := 0; round < 200; round++ {
		reply, err := remote.Reconcile(msg)
		require.NoError(t, err)
		msg, have, need, err = s.ProcessMessage(reply)
		require.NoError(t, err)
		if msg == "" {
			return have, need
		}
	}
	t.Fatal("reconciliation did not terminate")
	return nil, nil
}

var testURL = relay.MustParseURL("wss://relay.example")

func TestSessionEmptySets(t *testing.T) {
	s := NewSession("s1", testURL, nostr.Filter{}, DefaultSessionConfig())
	require.Equal(t, Idle, s.State())

	msg, err := s.Initiate(context.Background(), newLocalStore(t))
	require.NoError(t, err)
	require.Equal(t, Syncing, s.State())

	reply, err := responder(t, 0).Reconcile(msg)
	require.NoError(t, err)
	next, have, need, err := s.ProcessMessage(reply)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Empty(t, have)
	assert.Empty(t, need)
	assert.Equal(t, Completed, s.State())
	assert.NoError(t, s.Wait(context.Background()))
}

func TestSessionLocalSuperset(t *testing.T) {
	a := relaytest.NewEvent("a", 100)
	b := relaytest.NewEvent("b", 200)
	c := relaytest.NewEvent("c", 300)
	s := NewSession("s2", testURL, nostr.Filter{Kinds: []int{1}}, DefaultSessionConfig())
	msg, err := s.Initiate(context.Background(), newLocalStore(t, a, b, c))
	require.NoError(t, err)

	have, need := exchange(t, s, responder(t, 0, b), msg)
	assert.Empty(t, need)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, have)
	assert.Equal(t, Completed, s.State())
}

func TestSessionManyRounds(t *testing.T) {
	var local, remote, onlyLocal, onlyRemote []*nostr.Event
	for i := 0; i < 300; i++ {
		ev := relaytest.NewEvent("x", nostr.Timestamp(1000+i))
		switch i % 3 {
		case 0:
			local = append(local, ev)
			onlyLocal = append(onlyLocal, ev)
		case 1:
			remote = append(remote, ev)
			onlyRemote = append(onlyRemote, ev)
		default:
			local = append(local, ev)
			remote = append(remote, ev)
		}
	}
	cfg := DefaultSessionConfig()
	cfg.Negentropy.FrameSizeLimit = 4096
	s := NewSession("s3", testURL, nostr.Filter{}, cfg)
	msg, err := s.Initiate(context.Background(), newLocalStore(t, local...))
	require.NoError(t, err)

	have, need := exchange(t, s, responder(t, cfg.Negentropy.FrameSizeLimit, remote...), msg)
	assert.ElementsMatch(t, eventIDs(onlyLocal), have)
	assert.ElementsMatch(t, eventIDs(onlyRemote), need)
	assert.ElementsMatch(t, have, s.Haves())
}

func eventIDs(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestSessionStateGuards(t *testing.T) {
	s := NewSession("s4", testURL, nostr.Filter{}, DefaultSessionConfig())
	_, _, _, err := s.ProcessMessage("6100000200")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = s.Initiate(context.Background(), newLocalStore(t))
	require.NoError(t, err)
	_, err = s.Initiate(context.Background(), newLocalStore(t))
	require.ErrorIs(t, err, ErrInvalidState)

	_, _, _, err = s.ProcessMessage("zz")
	require.Error(t, err)
	require.Equal(t, Failed, s.State())
	require.Error(t, s.Wait(context.Background()))

	// terminal states are final
	s.Fail(ErrSessionTimeout)
	require.NotErrorIs(t, s.Err(), ErrSessionTimeout)
}

func TestSessionFailWakesWaiter(t *testing.T) {
	s := NewSession("s5", testURL, nostr.Filter{}, DefaultSessionConfig())
	_, err := s.Initiate(context.Background(), newLocalStore(t))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		for {
			// the Eventually check below may hold the waiter slot for a moment
			if err := s.Wait(context.Background()); !errors.Is(err, ErrConcurrentWait) {
				errc <- err
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		return errors.Is(s.Wait(ctx), ErrConcurrentWait)
	}, time.Second, 5*time.Millisecond)

	s.Fail(ErrSessionTimeout)
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrSessionTimeout)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	require.Equal(t, Failed, s.State())
	require.ErrorIs(t, s.Wait(context.Background()), ErrSessionTimeout)
}

func TestSessionWaitCancelled(t *testing.T) {
	s := NewSession("s6", testURL, nostr.Filter{}, DefaultSessionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Wait(ctx), context.Canceled)
	// the waiter slot is free again
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

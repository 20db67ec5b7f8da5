package relaystore

import (
	"context"
	"testing"
	"time"

	"github.com/girino/relay-pool/connection"
	"github.com/girino/relay-pool/internal/relaytest"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, events ...*nostr.Event) (*RelayStore, *relaytest.Relay, *relaytest.Relay) {
	t.Helper()
	pub := relaytest.New(relaytest.Options{})
	t.Cleanup(pub.Close)
	qry := relaytest.New(relaytest.Options{}, events...)
	t.Cleanup(qry.Close)

	p := pool.New(pool.WithEndpointOptions(connection.WithPingInterval(0)))
	t.Cleanup(p.Close)
	rs := New(p, []relay.URL{pub.URL()}, []relay.URL{qry.URL()})
	require.NoError(t, rs.Init())
	t.Cleanup(rs.Close)
	require.Eventually(t, func() bool { return len(p.ConnectedRelays()) == 2 }, 5*time.Second, 10*time.Millisecond)
	return rs, pub, qry
}

func TestSaveEventPublishesToWriteRelays(t *testing.T) {
	rs, pub, qry := setup(t)
	ev := relaytest.NewEvent("out", nostr.Now())

	require.NoError(t, rs.SaveEvent(context.Background(), ev))
	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ev.ID, pub.Events()[0].ID)
	assert.Empty(t, qry.Received("EVENT"))

	st := rs.Stats()
	assert.EqualValues(t, 1, st.PublishAttempts)
	assert.EqualValues(t, 1, st.PublishSuccesses)
}

func TestQueryEventsReadsQueryRelays(t *testing.T) {
	a := relaytest.NewEvent("a", 100)
	b := relaytest.NewEvent("b", 200)
	rs, pub, _ := setup(t, a, b)

	ch, err := rs.QueryEvents(context.Background(), nostr.Filter{IDs: []string{a.ID}})
	require.NoError(t, err)
	var got []string
	for ev := range ch {
		got = append(got, ev.ID)
	}
	assert.Equal(t, []string{a.ID}, got)
	assert.Empty(t, pub.Received("REQ"))
	assert.EqualValues(t, 1, rs.Stats().QueryEventsReturned)

	n, err := rs.CountEvents(context.Background(), nostr.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSharedRelayIsReadWrite(t *testing.T) {
	r := relaytest.New(relaytest.Options{})
	t.Cleanup(r.Close)
	p := pool.New(pool.WithEndpointOptions(connection.WithPingInterval(0)))
	t.Cleanup(p.Close)

	rs := New(p, []relay.URL{r.URL()}, []relay.URL{r.URL()})
	require.NoError(t, rs.Init())
	descs := p.Relays()
	require.Len(t, descs, 1)
	assert.True(t, descs[0].Read)
	assert.True(t, descs[0].Write)
}

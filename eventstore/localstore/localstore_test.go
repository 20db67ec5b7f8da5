package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	backend, err := OpenBackend("memory", "")
	require.NoError(t, err)
	s := New(backend, WithRecentCache(100, time.Minute))
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	return s
}

func note(content string, ts nostr.Timestamp) *nostr.Event {
	ev := &nostr.Event{Kind: 1, CreatedAt: ts, Content: content, Tags: nostr.Tags{}}
	_ = ev.Sign(nostr.GeneratePrivateKey())
	return ev
}

func TestInsertSkipsDuplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ev := note("hello", 100)

	require.NoError(t, s.Insert(ctx, ev))
	require.NoError(t, s.Insert(ctx, ev))
	require.NoError(t, s.SaveEvent(ctx, ev))

	st := s.Stats()
	assert.EqualValues(t, 1, st.Inserted)
	assert.EqualValues(t, 2, st.Duplicates)
	assert.Equal(t, 1, st.RecentIDs)

	got, err := s.Lookup(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Content, got.Content)
}

func TestLookupMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Lookup(context.Background(), note("x", 1).ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	want := map[string]nostr.Timestamp{}
	for i := 0; i < 20; i++ {
		ev := note("n", nostr.Timestamp(1000+i))
		require.NoError(t, s.Insert(ctx, ev))
		want[ev.ID] = ev.CreatedAt
	}
	other := &nostr.Event{Kind: 7, CreatedAt: 5000, Tags: nostr.Tags{}}
	require.NoError(t, other.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, s.Insert(ctx, other))

	seq, err := s.QueryIDs(ctx, nostr.Filter{Kinds: []int{1}}, 0)
	require.NoError(t, err)
	got := map[string]nostr.Timestamp{}
	for id, ts := range seq {
		got[id] = ts
	}
	assert.Equal(t, want, got)

	seq, err = s.QueryIDs(ctx, nostr.Filter{Kinds: []int{1}}, 5)
	require.NoError(t, err)
	n := 0
	for range seq {
		n++
	}
	assert.Equal(t, 5, n)

	seq, err = s.QueryIDs(ctx, nostr.Filter{}, 0)
	require.NoError(t, err)
	n = 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestQueryIDsStopsWhenContextCancelled(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Insert(context.Background(), note("n", nostr.Timestamp(1000+i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, err := s.QueryIDs(ctx, nostr.Filter{Kinds: []int{1}}, 0)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		n := 0
		for range seq {
			n++
			if n == 2 {
				cancel()
			}
		}
		done <- n
	}()
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(3 * time.Second):
		t.Fatal("iteration did not return after cancel")
	}

	// the store still answers once the cancelled query is gone
	seq, err = s.QueryIDs(context.Background(), nostr.Filter{Kinds: []int{1}}, 0)
	require.NoError(t, err)
	n := 0
	for range seq {
		n++
	}
	assert.Equal(t, 20, n)
}

func TestLookupCancelled(t *testing.T) {
	s := newStore(t)
	ev := note("x", 10)
	require.NoError(t, s.Insert(context.Background(), ev))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Lookup(ctx, ev.ID)
	require.ErrorIs(t, err, context.Canceled)

	got, err := s.Lookup(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
}

func TestDeleteForgetsRecent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ev := note("bye", 10)
	require.NoError(t, s.Insert(ctx, ev))
	require.NoError(t, s.DeleteEvent(ctx, ev))
	_, err := s.Lookup(ctx, ev.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Insert(ctx, ev))
	assert.EqualValues(t, 2, s.Stats().Inserted)
}

func TestOpenBackend(t *testing.T) {
	_, err := OpenBackend("lmdb", "")
	require.Error(t, err)
	_, err = OpenBackend("bolt", "/tmp/x")
	require.Error(t, err)
	b, err := OpenBackend("lmdb", t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, b)
}

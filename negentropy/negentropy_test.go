package negentropy

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	nostrneg "github.com/nbd-wtf/go-nostr/nip77/negentropy"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy/storage/vector"
	"github.com/stretchr/testify/require"
)

func TestVarInt(t *testing.T) {
	for _, tc := range []struct {
		n    int
		want string
	}{
		{0, "00"},
		{1, "01"},
		{127, "7f"},
		{128, "8100"},
		{255, "817f"},
		{16384, "818000"},
	} {
		w := nostrneg.NewStringHexWriter(nil)
		writeVarInt(w, tc.n)
		require.Equal(t, tc.want, w.Hex())
		r := nostrneg.NewStringHexReader(w.Hex())
		got, err := readVarInt(r)
		require.NoError(t, err)
		require.Equal(t, tc.n, got)
		require.Zero(t, r.Len())
	}

	_, err := readVarInt(nostrneg.NewStringHexReader("81"))
	require.ErrorIs(t, err, ErrMalformedMessage)
	_, err = readVarInt(nostrneg.NewStringHexReader("ffffffffffffffffff01"))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestBoundEncoding(t *testing.T) {
	enc, err := New(sealed(nil), Config{})
	require.NoError(t, err)
	dec, err := New(sealed(nil), Config{})
	require.NoError(t, err)

	bounds := []nostrneg.Bound{
		{Item: nostrneg.Item{Timestamp: 100}},
		minimalBound(nostrneg.Item{Timestamp: 100, ID: hexID(0x010203)}, nostrneg.Item{Timestamp: 100, ID: hexID(0x010204)}),
		{Item: nostrneg.Item{Timestamp: 250}},
		nostrneg.InfiniteBound,
	}
	w := nostrneg.NewStringHexWriter(nil)
	for _, b := range bounds {
		enc.writeBound(w, b)
	}
	r := nostrneg.NewStringHexReader(w.Hex())
	for _, want := range bounds {
		got, err := dec.readBound(r)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Zero(t, r.Len())
}

func TestMinimalBound(t *testing.T) {
	b := minimalBound(nostrneg.Item{Timestamp: 1}, nostrneg.Item{Timestamp: 2, ID: hexID(9)})
	require.Equal(t, nostrneg.Bound{Item: nostrneg.Item{Timestamp: 2}}, b)

	prev := nostrneg.Item{Timestamp: 5, ID: "aa01" + hexID(0)[4:]}
	curr := nostrneg.Item{Timestamp: 5, ID: "aa0203" + hexID(0)[6:]}
	b = minimalBound(prev, curr)
	require.Equal(t, "aa02", b.ID)
	require.Equal(t, nostr.Timestamp(5), b.Timestamp)
}

func TestEmptySets(t *testing.T) {
	initiator, err := New(sealed(nil), Config{})
	require.NoError(t, err)
	msg, err := initiator.Initiate()
	require.NoError(t, err)
	require.Equal(t, "6100000200", msg)

	reply, err := nostrneg.New(sealed(nil), 0).Reconcile(msg)
	require.NoError(t, err)

	next, err := initiator.Reconcile(reply)
	require.NoError(t, err)
	require.Empty(t, next)
	require.Empty(t, initiator.Haves())
	require.Empty(t, initiator.Needs())
}

func TestVersionHandling(t *testing.T) {
	n, err := New(sealed(nil), Config{})
	require.NoError(t, err)
	_, err = n.Reconcile("61")
	require.ErrorIs(t, err, ErrNotInitiated)

	_, err = n.Initiate()
	require.NoError(t, err)
	_, err = n.Reconcile("10")
	require.ErrorIs(t, err, ErrInvalidVersion)
	_, err = n.Reconcile("62")
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	_, err = n.Initiate()
	require.ErrorIs(t, err, ErrAlreadyInitiated)
}

func TestMalformedMessage(t *testing.T) {
	n, err := New(sealed(nil), Config{})
	require.NoError(t, err)
	_, err = n.Initiate()
	require.NoError(t, err)

	// a bare version byte is a valid empty message
	next, err := n.Reconcile("61")
	require.NoError(t, err)
	require.Empty(t, next)

	for _, in := range []string{"", "6100", "610000", "61000001", "61000009", "6100210000", "6100000201", "zz", "610"} {
		_, err := n.Reconcile(in)
		require.ErrorIs(t, err, ErrMalformedMessage, in)
	}
}

func TestFrameSizeLimitValidation(t *testing.T) {
	_, err := New(sealed(nil), Config{FrameSizeLimit: 100})
	require.Error(t, err)
}

// The responder is go-nostr's engine, which splits into its own fixed bucket count.
func TestReconcileAgainstLibraryResponder(t *testing.T) {
	local := sequentialItems(0, 3000)
	remote := sequentialItems(500, 4000)

	haves, needs, _ := reconcileSets(t, local, remote, Config{FrameSizeLimit: 60000, SplitFactor: 8, IDListThreshold: 16})
	require.Len(t, haves, 500)
	require.Len(t, needs, 1000)
	require.ElementsMatch(t, itemIDs(local[:500]), haves)
	require.ElementsMatch(t, itemIDs(remote[2500:]), needs)

	haves, needs, _ = reconcileSets(t, sequentialItems(0, 10), sequentialItems(5, 20), Config{})
	require.ElementsMatch(t, itemIDs(sequentialItems(0, 5)), haves)
	require.ElementsMatch(t, itemIDs(sequentialItems(10, 20)), needs)
}

func TestSync(t *testing.T) {
	for _, tc := range []struct {
		name       string
		shared     int
		localOnly  int
		remoteOnly int
		tsRange    uint64
		cfg        Config
	}{
		{name: "identical", shared: 500, tsRange: 1000},
		{name: "local superset", shared: 300, localOnly: 40, tsRange: 1000},
		{name: "remote superset", shared: 300, remoteOnly: 40, tsRange: 1000},
		{name: "both sides differ", shared: 1000, localOnly: 25, remoteOnly: 60, tsRange: 5000},
		{name: "same timestamps", shared: 200, localOnly: 10, remoteOnly: 10, tsRange: 3},
		{name: "local empty", remoteOnly: 120, tsRange: 100},
		{name: "remote empty", localOnly: 120, tsRange: 100},
		{
			name: "frame limit", shared: 2000, localOnly: 300, remoteOnly: 3000, tsRange: 10000,
			cfg: Config{FrameSizeLimit: 4096, SplitFactor: 8, IDListThreshold: 16},
		},
		{
			name: "small split factor", shared: 800, localOnly: 30, remoteOnly: 30, tsRange: 2000,
			cfg: Config{SplitFactor: 2, IDListThreshold: 4},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, uint64(len(tc.name))))
			shared := randomItems(rng, tc.shared, tc.tsRange)
			localOnly := randomItems(rng, tc.localOnly, tc.tsRange)
			remoteOnly := randomItems(rng, tc.remoteOnly, tc.tsRange)

			local := append(append([]nostrneg.Item{}, shared...), localOnly...)
			remote := append(append([]nostrneg.Item{}, shared...), remoteOnly...)

			haves, needs, rounds := reconcileSets(t, local, remote, tc.cfg)
			require.ElementsMatch(t, itemIDs(localOnly), haves)
			require.ElementsMatch(t, itemIDs(remoteOnly), needs)
			require.LessOrEqual(t, rounds, roundBudget(tc.cfg, len(local)+len(remote)))
		})
	}
}

func TestFrameLimitBoundsMessages(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	local := randomItems(rng, 1500, 500)
	remote := randomItems(rng, 2000, 500)
	cfg := Config{FrameSizeLimit: 4096}

	initiator, err := New(sealed(local), cfg)
	require.NoError(t, err)
	resp := nostrneg.New(sealed(remote), cfg.FrameSizeLimit)

	msg, err := initiator.Initiate()
	require.NoError(t, err)
	rounds := 0
	for msg != "" {
		require.LessOrEqual(t, len(msg)/2, cfg.FrameSizeLimit)
		reply, err := resp.Reconcile(msg)
		require.NoError(t, err)
		require.LessOrEqual(t, len(reply)/2, cfg.FrameSizeLimit)
		msg, err = initiator.Reconcile(reply)
		require.NoError(t, err)
		rounds++
		require.LessOrEqual(t, rounds, roundBudget(cfg, len(local)+len(remote)))
	}
	require.Greater(t, rounds, 1)
	require.Len(t, initiator.Haves(), 1500)
	require.Len(t, initiator.Needs(), 2000)
}

// roundBudget bounds the rounds a reconciliation of total items may take: one round
// per level of a binary split tree, plus, under a frame limit, a few rounds for every
// frame's worth of ids either side might have to list.
func roundBudget(cfg Config, total int) int {
	budget := bits.Len(uint(total)) + 2
	if cfg.FrameSizeLimit > 0 {
		idsPerFrame := (cfg.FrameSizeLimit - frameSizeSlack) / 32
		budget += 4 * (total/idsPerFrame + 1)
	}
	return budget
}

func reconcileSets(t *testing.T, local, remote []nostrneg.Item, cfg Config) (haves, needs []string, rounds int) {
	t.Helper()
	initiator, err := New(sealed(local), cfg)
	require.NoError(t, err)
	resp := nostrneg.New(sealed(remote), cfg.FrameSizeLimit)

	msg, err := initiator.Initiate()
	require.NoError(t, err)
	for msg != "" {
		reply, err := resp.Reconcile(msg)
		require.NoError(t, err)
		msg, err = initiator.Reconcile(reply)
		require.NoError(t, err)
		rounds++
		require.Less(t, rounds, 1000, "reconciliation does not converge")
	}
	return initiator.Haves(), initiator.Needs(), rounds
}

func sealed(items []nostrneg.Item) *vector.Vector {
	v := vector.New()
	for _, it := range items {
		v.Insert(it.Timestamp, it.ID)
	}
	v.Seal()
	return v
}

func hexID(n uint64) string { return fmt.Sprintf("%064x", n) }

// sequentialItems returns items from..to-1 with matching timestamps.
func sequentialItems(from, to int) []nostrneg.Item {
	items := make([]nostrneg.Item, 0, to-from)
	for i := from; i < to; i++ {
		items = append(items, nostrneg.Item{Timestamp: nostr.Timestamp(1_700_000_000 + i), ID: hexID(uint64(i) * 0x9e3779b97f4a7c15)})
	}
	return items
}

func randomItems(rng *rand.Rand, n int, tsRange uint64) []nostrneg.Item {
	items := make([]nostrneg.Item, n)
	for i := range items {
		items[i] = nostrneg.Item{
			Timestamp: nostr.Timestamp(1_700_000_000 + rng.Uint64N(tsRange)),
			ID:        fmt.Sprintf("%016x%016x%016x%016x", rng.Uint64(), rng.Uint64(), rng.Uint64(), rng.Uint64()),
		}
	}
	return items
}

func itemIDs(items []nostrneg.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want URL
		err  bool
	}{
		{raw: "wss://relay.example.com/", want: "wss://relay.example.com"},
		{raw: "  ws://localhost:7777//", want: "ws://localhost:7777"},
		{raw: "WSS://Relay.Example.com", want: "wss://relay.example.com"},
		{raw: "relay.example.com", want: "wss://relay.example.com"},
		{raw: "Ws://LocalHost:7777/", want: "ws://localhost:7777"},
		{raw: "wss://relay.example.com/inbox///", want: "wss://relay.example.com/inbox"},
		{raw: "wss://", err: true},
		{raw: "///", err: true},
		{raw: "https://relay.example.com", err: true},
		{raw: "ftp://relay.example.com", err: true},
		{raw: "", err: true},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseURL(tc.raw)
			if tc.err {
				require.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseURLSpellingsAgree(t *testing.T) {
	want := MustParseURL("wss://relay.example.com")
	for _, raw := range []string{"WSS://Relay.Example.com", "wss://RELAY.example.com//", " relay.example.com/ "} {
		got, err := ParseURL(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestHTTPURL(t *testing.T) {
	require.Equal(t, "https://a.example", MustParseURL("wss://a.example").HTTPURL())
	require.Equal(t, "http://127.0.0.1:9000", MustParseURL("ws://127.0.0.1:9000").HTTPURL())
}

func TestSortURLs(t *testing.T) {
	urls := []URL{"wss://c", "wss://a", "wss://b"}
	require.Equal(t, []URL{"wss://a", "wss://b", "wss://c"}, SortURLs(urls))
	require.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, Strings(urls))
}

func TestDescriptorVariants(t *testing.T) {
	u := MustParseURL("wss://a.example")
	require.True(t, EphemeralRead(u).IsEphemeral())
	require.False(t, EphemeralRead(u).Write)
	require.False(t, ReadWrite(u).IsEphemeral())
	require.True(t, Descriptor{URL: u, Variant: Special}.Trusted())
	require.Equal(t, "ephemeral", Ephemeral.String())
}

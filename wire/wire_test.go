package wire

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := &nostr.Event{Kind: 1, CreatedAt: 1700000000, Content: "a <b> & c", Tags: nostr.Tags{}}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestEncodeFrames(t *testing.T) {
	since := nostr.Timestamp(10)
	for _, tc := range []struct {
		name string
		req  Request
		want string
	}{
		{"req", Req{SubID: "s1", Filters: []nostr.Filter{{Kinds: []int{1}}, {IDs: []string{"ab"}}}}, `["REQ","s1",{"kinds":[1]},{"ids":["ab"]}]`},
		{"req no filter", Req{SubID: "s2"}, `["REQ","s2",{}]`},
		{"close", Close{SubID: "s1"}, `["CLOSE","s1"]`},
		{"neg-open", NegOpen{SubID: "n1", Filter: nostr.Filter{Since: &since}, Message: "6100"}, `["NEG-OPEN","n1",{"since":10},"6100"]`},
		{"neg-msg", NegMsg{SubID: "n1", Message: "61"}, `["NEG-MSG","n1","61"]`},
		{"neg-close", NegClose{SubID: "n1"}, `["NEG-CLOSE","n1"]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.req)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestEncodeEventKeepsHTML(t *testing.T) {
	ev := signedEvent(t)
	got, err := Encode(Publish{Event: ev})
	require.NoError(t, err)
	require.Contains(t, string(got), `a <b> & c`)
	require.NotContains(t, string(got), "\n")

	_, err = Encode(Auth{})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncodeMatchesEnvelopes(t *testing.T) {
	ev := signedEvent(t)
	f := nostr.Filter{Kinds: []int{1}, Limit: 5}

	got, err := Encode(Req{SubID: "s", Filters: []nostr.Filter{f}})
	require.NoError(t, err)
	want, err := nostr.ReqEnvelope{SubscriptionID: "s", Filters: nostr.Filters{f}}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, string(want), string(got))

	got, err = Encode(Auth{Event: ev})
	require.NoError(t, err)
	want, err = nostr.AuthEnvelope{Event: *ev}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, string(want), string(got))

	got, err = Encode(NegMsg{SubID: "n", Message: "6100"})
	require.NoError(t, err)
	want, err = nip77.MessageEnvelope{SubscriptionID: "n", Message: "6100"}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, string(want), string(got))
}

func TestEncodeRejectsUnescapedIDs(t *testing.T) {
	for _, r := range []Request{
		Req{SubID: `a"b`},
		NegOpen{SubID: `a\b`, Message: "61"},
		NegMsg{SubID: "n", Message: "61\n"},
		NegClose{SubID: "a\tb"},
	} {
		_, err := Encode(r)
		require.ErrorIs(t, err, ErrMalformedFrame, r.Label())
	}
	// CLOSE goes through a json encoder and escapes on its own
	got, err := Encode(Close{SubID: `a"b`})
	require.NoError(t, err)
	require.JSONEq(t, `["CLOSE","a\"b"]`, string(got))
}

func TestDirectionOf(t *testing.T) {
	require.Equal(t, Write, DirectionOf(Publish{}))
	require.Equal(t, Read, DirectionOf(Req{}))
	require.Equal(t, Read, DirectionOf(NegMsg{}))
	require.Equal(t, Any, DirectionOf(Auth{}))
}

func TestParseRoundTripEvent(t *testing.T) {
	ev := signedEvent(t)
	raw, err := Encode(Publish{Event: ev})
	require.NoError(t, err)
	// relays add the subscription id in front of the event
	frame := `["EVENT","sub",` + string(raw[len(`["EVENT",`):])

	resp, err := Parse([]byte(frame))
	require.NoError(t, err)
	msg, ok := resp.(EventMessage)
	require.True(t, ok)
	require.Equal(t, "sub", msg.SubID)
	require.Equal(t, ev.ID, msg.Event.ID)
	valid, err := msg.Event.CheckSignature()
	require.NoError(t, err)
	require.True(t, valid)
}

func TestParseFrames(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Response
	}{
		{`["EOSE","s"]`, EOSE{SubID: "s"}},
		{`["OK","abc",true,""]`, OK{EventID: "abc", Accepted: true}},
		{`["OK","abc",false,"blocked: no"]`, OK{EventID: "abc", Message: "blocked: no"}},
		{`["NOTICE","hello"]`, Notice{Message: "hello"}},
		{`["AUTH","challenge"]`, AuthChallenge{Challenge: "challenge"}},
		{`["CLOSED","s","auth-required: x"]`, Closed{SubID: "s", Reason: "auth-required: x"}},
		{`["NEG-MSG","n","6100"]`, NegMessage{SubID: "n", Message: "6100"}},
		{`["NEG-ERR","n","blocked: too big"]`, NegError{SubID: "n", Reason: "blocked: too big"}},
		{`["NEG-ERROR","n","closed"]`, NegError{SubID: "n", Reason: "closed"}},
	} {
		got, err := Parse([]byte(tc.in))
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`{}`,
		`["EVENT"]`,
		`["EVENT","s","nope"]`,
		`["WHAT","x"]`,
		`[1,2]`,
		`["NEG-MSG","n"]`,
	} {
		_, err := Parse([]byte(in))
		require.ErrorIs(t, err, ErrMalformedFrame, in)
	}
}

func TestIsNegentropy(t *testing.T) {
	require.True(t, IsNegentropy([]byte(`["NEG-MSG","n","61"]`)))
	require.True(t, IsNegentropy([]byte(`["NEG-ERR","n","closed"]`)))
	require.True(t, IsNegentropy([]byte(`["NEG-ERROR","n","closed"]`)))
	require.False(t, IsNegentropy([]byte(`["NEG-MSG","n"]`)))
	require.False(t, IsNegentropy([]byte(`["EVENT","n",{}]`)))
	require.False(t, IsNegentropy([]byte(`{"0":"NEG-MSG"}`)))
}

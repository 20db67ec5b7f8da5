// Package relaytest runs an in-process nostr relay over httptest for tests. It speaks
// REQ/CLOSE/EVENT/AUTH, serves a NIP-11 document and answers NIP-77 as a responder.
package relaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy/storage/vector"
	"github.com/tidwall/gjson"
)

type Options struct {
	// SupportedNIPs goes into the NIP-11 document. Nil advertises 1, 11 and 77.
	SupportedNIPs []int
	// IgnoreNegOpen leaves NEG-OPEN unanswered.
	IgnoreNegOpen bool
	// RejectNegOpen answers NEG-OPEN with NEG-ERR and this reason.
	RejectNegOpen string
	// NoticeOnNegOpen answers NEG-OPEN with a NOTICE carrying this message.
	NoticeOnNegOpen string
	// AuthChallenge is sent on connect when set.
	AuthChallenge string
	// SuppressEOSE never ends stored events with EOSE.
	SuppressEOSE bool
	// FrameSizeLimit is the negentropy responder frame limit, 0 or at least 4096.
	FrameSizeLimit int
}

type Relay struct {
	opts Options
	srv  *httptest.Server

	mu       sync.Mutex
	events   []*nostr.Event
	conns    map[*conn]struct{}
	received []string
	dials    int
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[string][]nostr.Filter
	sessions map[string]*negentropy.Negentropy
}

// New starts a relay holding events.
func New(opts Options, events ...*nostr.Event) *Relay {
	r := &Relay{opts: opts, conns: make(map[*conn]struct{}), events: events}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

// URL is the ws:// address of the relay.
func (r *Relay) URL() relay.URL {
	return relay.MustParseURL("ws://" + strings.TrimPrefix(r.srv.URL, "http://"))
}

func (r *Relay) Close() {
	r.DropConnections()
	r.srv.Close()
}

// DropConnections closes every client connection without a close handshake.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*conn]struct{})
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.CloseNow()
	}
}

// Add stores events without notifying subscribers.
func (r *Relay) Add(events ...*nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

// Publish stores ev and pushes it to matching live subscriptions.
func (r *Relay) Publish(ev *nostr.Event) {
	r.Add(ev)
	for _, c := range r.connections() {
		c.mu.Lock()
		var matched []string
		for id, filters := range c.subs {
			if matchesAny(filters, ev) {
				matched = append(matched, id)
			}
		}
		c.mu.Unlock()
		for _, id := range matched {
			c.sendEnvelope(nostr.EventEnvelope{SubscriptionID: &id, Event: *ev})
		}
	}
}

// Events returns the stored events.
func (r *Relay) Events() []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*nostr.Event(nil), r.events...)
}

// Received returns every handled frame whose label is in labels (all when empty).
func (r *Relay) Received(labels ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.received {
		if len(labels) == 0 || slices.Contains(labels, gjson.Get(f, "0").Str) {
			out = append(out, f)
		}
	}
	return out
}

func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Dials counts accepted websocket connections.
func (r *Relay) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *Relay) connections() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") == "application/nostr+json" {
		r.serveInfo(w)
		return
	}
	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	ws.SetReadLimit(16 << 20)
	c := &conn{ws: ws, subs: make(map[string][]nostr.Filter), sessions: make(map[string]*negentropy.Negentropy)}
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.dials++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		_ = ws.CloseNow()
	}()

	if r.opts.AuthChallenge != "" {
		c.sendEnvelope(nostr.AuthEnvelope{Challenge: &r.opts.AuthChallenge})
	}
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			return
		}
		r.handle(c, data)
		r.mu.Lock()
		r.received = append(r.received, string(data))
		r.mu.Unlock()
	}
}

func (r *Relay) serveInfo(w http.ResponseWriter) {
	nips := r.opts.SupportedNIPs
	if nips == nil {
		nips = []int{1, 11, 77}
	}
	w.Header().Set("Content-Type", "application/nostr+json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":           "relaytest",
		"description":    "in-process test relay",
		"supported_nips": nips,
		"software":       "relaytest",
	})
}

func (r *Relay) handle(c *conn, data []byte) {
	label := gjson.GetBytes(data, "0").Str
	switch label {
	case "REQ":
		var env nostr.ReqEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			c.notice("invalid: " + err.Error())
			return
		}
		c.mu.Lock()
		c.subs[env.SubscriptionID] = env.Filters
		c.mu.Unlock()
		for _, ev := range r.Events() {
			if matchesAny(env.Filters, ev) {
				c.sendEnvelope(nostr.EventEnvelope{SubscriptionID: &env.SubscriptionID, Event: *ev})
			}
		}
		if !r.opts.SuppressEOSE {
			c.sendEnvelope(nostr.EOSEEnvelope(env.SubscriptionID))
		}

	case "CLOSE":
		var env nostr.CloseEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			c.notice("invalid: " + err.Error())
			return
		}
		c.mu.Lock()
		delete(c.subs, string(env))
		c.mu.Unlock()

	case "EVENT":
		var env nostr.EventEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			c.notice("bad event")
			return
		}
		ev := env.Event
		r.Publish(&ev)
		c.sendEnvelope(nostr.OKEnvelope{EventID: ev.ID, OK: true})

	case "AUTH":
		var env nostr.AuthEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			c.notice("invalid: " + err.Error())
			return
		}
		c.sendEnvelope(nostr.OKEnvelope{EventID: env.Event.ID, OK: true})

	case "NEG-OPEN", "NEG-MSG", "NEG-CLOSE":
		r.handleNeg(c, label, string(data))

	default:
		c.notice("invalid frame")
	}
}

func (r *Relay) handleNeg(c *conn, label, data string) {
	var env nostr.Envelope
	switch label {
	case "NEG-OPEN":
		env = &nip77.OpenEnvelope{}
	case "NEG-MSG":
		env = &nip77.MessageEnvelope{}
	case "NEG-CLOSE":
		env = &nip77.CloseEnvelope{}
	}
	if err := env.FromJSON(data); err != nil {
		c.notice("invalid: " + err.Error())
		return
	}

	switch env := env.(type) {
	case *nip77.OpenEnvelope:
		r.negOpen(c, env)

	case *nip77.MessageEnvelope:
		c.mu.Lock()
		neg := c.sessions[env.SubscriptionID]
		c.mu.Unlock()
		if neg == nil {
			c.negErr(env.SubscriptionID, "closed: unknown session")
			return
		}
		reply, err := neg.Reconcile(env.Message)
		if err != nil {
			c.negErr(env.SubscriptionID, "error: "+err.Error())
			return
		}
		c.sendEnvelope(nip77.MessageEnvelope{SubscriptionID: env.SubscriptionID, Message: reply})

	case *nip77.CloseEnvelope:
		c.mu.Lock()
		delete(c.sessions, env.SubscriptionID)
		c.mu.Unlock()
	}
}

func (r *Relay) negOpen(c *conn, env *nip77.OpenEnvelope) {
	id := env.SubscriptionID
	switch {
	case r.opts.IgnoreNegOpen:
		return
	case r.opts.RejectNegOpen != "":
		c.negErr(id, r.opts.RejectNegOpen)
		return
	case r.opts.NoticeOnNegOpen != "":
		c.notice(r.opts.NoticeOnNegOpen)
		return
	}

	vec := vector.New()
	for _, ev := range r.Events() {
		if env.Filter.Matches(ev) {
			vec.Insert(ev.CreatedAt, ev.ID)
		}
	}
	vec.Seal()
	neg := negentropy.New(vec, r.opts.FrameSizeLimit)
	reply, err := neg.Reconcile(env.Message)
	if err != nil {
		c.negErr(id, "error: "+err.Error())
		return
	}
	c.mu.Lock()
	c.sessions[id] = neg
	c.mu.Unlock()
	c.sendEnvelope(nip77.MessageEnvelope{SubscriptionID: id, Message: reply})
}

// negErr uses the NIP-77 label. go-nostr's ErrorEnvelope writes NEG-ERROR.
func (c *conn) negErr(id, reason string) {
	data, err := json.Marshal([]string{"NEG-ERR", id, reason})
	if err != nil {
		return
	}
	c.write(data)
}

func (c *conn) sendEnvelope(env nostr.Envelope) {
	data, err := env.MarshalJSON()
	if err != nil {
		return
	}
	c.write(data)
}

func (c *conn) notice(msg string) {
	c.sendEnvelope(nostr.NoticeEnvelope(msg))
}

func (c *conn) write(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.ws.Write(ctx, websocket.MessageText, data)
}


func matchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// NewEvent signs a kind 1 note with a fresh key.
func NewEvent(content string, createdAt nostr.Timestamp) *nostr.Event {
	ev := &nostr.Event{Kind: 1, CreatedAt: createdAt, Content: content, Tags: nostr.Tags{}}
	_ = ev.Sign(nostr.GeneratePrivateKey())
	return ev
}

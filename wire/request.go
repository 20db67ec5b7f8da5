// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Wire - client to relay frames.
package wire

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"
)

var (
	ErrUnknownRequest = errors.New("unknown request type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Request is one outbound frame. The set of implementations is closed and they are
// passed by value.
type Request interface {
	Label() string
	isRequest()
}

// Req opens a subscription. A nil Filters slice is sent as a single empty filter.
type Req struct {
	SubID   string
	Filters []nostr.Filter
}

type Close struct {
	SubID string
}

// Publish sends an event to relays.
type Publish struct {
	Event *nostr.Event
}

// Auth answers a NIP-42 challenge.
type Auth struct {
	Event *nostr.Event
}

type NegOpen struct {
	SubID   string
	Filter  nostr.Filter
	Message string
}

type NegMsg struct {
	SubID   string
	Message string
}

type NegClose struct {
	SubID string
}

func (Req) Label() string      { return "REQ" }
func (Close) Label() string    { return "CLOSE" }
func (Publish) Label() string  { return "EVENT" }
func (Auth) Label() string     { return "AUTH" }
func (NegOpen) Label() string  { return "NEG-OPEN" }
func (NegMsg) Label() string   { return "NEG-MSG" }
func (NegClose) Label() string { return "NEG-CLOSE" }

func (Req) isRequest()      {}
func (Close) isRequest()    {}
func (Publish) isRequest()  {}
func (Auth) isRequest()     {}
func (NegOpen) isRequest()  {}
func (NegMsg) isRequest()   {}
func (NegClose) isRequest() {}

// Direction says which relay capability a request needs.
type Direction int

const (
	// Any requests go to every relay regardless of capability.
	Any Direction = iota
	Read
	Write
)

// DirectionOf maps a request to the relay capability it needs.
func DirectionOf(r Request) Direction {
	switch r.(type) {
	case Publish:
		return Write
	case Req, Close, NegOpen, NegMsg, NegClose:
		return Read
	}
	return Any
}

// Encode renders r as a JSON array frame through the go-nostr envelope for its label.
// Subscription ids are written unescaped by those envelopes, so ids that would need
// escaping are rejected.
func Encode(r Request) ([]byte, error) {
	var env nostr.Envelope
	switch v := r.(type) {
	case Req:
		filters := nostr.Filters(v.Filters)
		if len(filters) == 0 {
			filters = nostr.Filters{{}}
		}
		env = nostr.ReqEnvelope{SubscriptionID: v.SubID, Filters: filters}
	case Close:
		env = nostr.CloseEnvelope(v.SubID)
	case Publish:
		if v.Event == nil {
			return nil, fmt.Errorf("%w: EVENT without event", ErrMalformedFrame)
		}
		env = nostr.EventEnvelope{Event: *v.Event}
	case Auth:
		if v.Event == nil {
			return nil, fmt.Errorf("%w: AUTH without event", ErrMalformedFrame)
		}
		env = nostr.AuthEnvelope{Event: *v.Event}
	case NegOpen:
		if !plainString(v.Message) {
			return nil, fmt.Errorf("%w: NEG-OPEN message is not hex", ErrMalformedFrame)
		}
		env = nip77.OpenEnvelope{SubscriptionID: v.SubID, Filter: v.Filter, Message: v.Message}
	case NegMsg:
		if !plainString(v.Message) {
			return nil, fmt.Errorf("%w: NEG-MSG message is not hex", ErrMalformedFrame)
		}
		env = nip77.MessageEnvelope{SubscriptionID: v.SubID, Message: v.Message}
	case NegClose:
		env = nip77.CloseEnvelope{SubscriptionID: v.SubID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, r)
	}

	if id := subID(r); !plainString(id) {
		return nil, fmt.Errorf("%w: %s subscription id %q", ErrMalformedFrame, r.Label(), id)
	}
	data, err := env.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Label(), err)
	}
	return data, nil
}

func subID(r Request) string {
	switch v := r.(type) {
	case Req:
		return v.SubID
	case Close:
		return v.SubID
	case NegOpen:
		return v.SubID
	case NegMsg:
		return v.SubID
	case NegClose:
		return v.SubID
	}
	return ""
}

// plainString reports whether s can be placed between JSON quotes as is.
func plainString(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}

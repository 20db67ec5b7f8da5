// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Wire - relay to client frames.
package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"
	"github.com/tidwall/gjson"
)

// Response is one decoded inbound frame.
type Response interface {
	Label() string
	isResponse()
}

type EventMessage struct {
	SubID string
	Event *nostr.Event
}

type EOSE struct {
	SubID string
}

type OK struct {
	EventID  string
	Accepted bool
	Message  string
}

type Notice struct {
	Message string
}

// AuthChallenge is a NIP-42 challenge sent by the relay.
type AuthChallenge struct {
	Challenge string
}

type Closed struct {
	SubID  string
	Reason string
}

// NegMessage carries the hex payload of a NEG-MSG.
type NegMessage struct {
	SubID   string
	Message string
}

type NegError struct {
	SubID  string
	Reason string
}

func (EventMessage) Label() string  { return "EVENT" }
func (EOSE) Label() string          { return "EOSE" }
func (OK) Label() string            { return "OK" }
func (Notice) Label() string        { return "NOTICE" }
func (AuthChallenge) Label() string { return "AUTH" }
func (Closed) Label() string        { return "CLOSED" }
func (NegMessage) Label() string    { return "NEG-MSG" }
func (NegError) Label() string      { return "NEG-ERR" }

func (EventMessage) isResponse()  {}
func (EOSE) isResponse()          {}
func (OK) isResponse()            {}
func (Notice) isResponse()        {}
func (AuthChallenge) isResponse() {}
func (Closed) isResponse()        {}
func (NegMessage) isResponse()    {}
func (NegError) isResponse()      {}

// IsNegentropy is the cheap structural check run before full decoding: an array of at
// least three elements whose label is NEG-MSG or NEG-ERR. Relays built on go-nostr
// label errors NEG-ERROR, which is accepted too.
func IsNegentropy(data []byte) bool {
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return false
	}
	if !root.Get("2").Exists() {
		return false
	}
	switch root.Get("0").Str {
	case "NEG-MSG", "NEG-ERR", "NEG-ERROR":
		return true
	}
	return false
}

// ParseNegentropy decodes a frame already accepted by IsNegentropy.
func ParseNegentropy(data []byte) (Response, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 3 || arr[1].Type != gjson.String || arr[2].Type != gjson.String {
		return nil, fmt.Errorf("%w: bad negentropy frame", ErrMalformedFrame)
	}
	switch arr[0].Str {
	case "NEG-MSG":
		var env nip77.MessageEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return NegMessage{SubID: env.SubscriptionID, Message: env.Message}, nil
	case "NEG-ERR", "NEG-ERROR":
		var env nip77.ErrorEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return NegError{SubID: env.SubscriptionID, Reason: env.Reason}, nil
	}
	return nil, fmt.Errorf("%w: label %q", ErrMalformedFrame, arr[0].Str)
}

// Parse decodes any relay frame. Events are decoded but not verified.
func Parse(data []byte) (Response, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: not an array", ErrMalformedFrame)
	}
	arr := root.Array()
	if len(arr) < 2 || arr[0].Type != gjson.String {
		return nil, fmt.Errorf("%w: missing label", ErrMalformedFrame)
	}

	label := arr[0].Str
	switch label {
	case "EVENT":
		if len(arr) < 3 || arr[1].Type != gjson.String || !arr[2].IsObject() {
			return nil, fmt.Errorf("%w: bad EVENT", ErrMalformedFrame)
		}
		var env nostr.EventEnvelope
		if err := env.FromJSON(string(data)); err != nil {
			return nil, fmt.Errorf("%w: EVENT body: %v", ErrMalformedFrame, err)
		}
		return EventMessage{SubID: arr[1].Str, Event: &env.Event}, nil
	case "EOSE":
		return EOSE{SubID: arr[1].Str}, nil
	case "OK":
		if len(arr) < 3 {
			return nil, fmt.Errorf("%w: bad OK", ErrMalformedFrame)
		}
		ok := OK{EventID: arr[1].Str, Accepted: arr[2].Bool()}
		if len(arr) > 3 {
			ok.Message = arr[3].Str
		}
		return ok, nil
	case "NOTICE":
		return Notice{Message: arr[1].Str}, nil
	case "AUTH":
		if arr[1].Type != gjson.String {
			return nil, fmt.Errorf("%w: bad AUTH", ErrMalformedFrame)
		}
		return AuthChallenge{Challenge: arr[1].Str}, nil
	case "CLOSED":
		c := Closed{SubID: arr[1].Str}
		if len(arr) > 2 {
			c.Reason = arr[2].Str
		}
		return c, nil
	case "NEG-MSG", "NEG-ERR", "NEG-ERROR":
		return ParseNegentropy(data)
	}
	return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedFrame, label)
}

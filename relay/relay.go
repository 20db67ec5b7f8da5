// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Relay addresses and descriptors shared by the pool and the sync layer.
package relay

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

var ErrInvalidURL = errors.New("invalid relay url")

// URL is a normalized relay address. Only ws:// and wss:// are accepted.
type URL string

// ParseURL normalizes raw and validates its scheme. Two spellings of one relay parse
// to the same URL.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	// bare hosts get wss:// from NormalizeURL, explicit foreign schemes are rejected
	if i := strings.Index(raw, "://"); i > 0 {
		scheme := strings.ToLower(raw[:i])
		if scheme != "ws" && scheme != "wss" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, scheme)
		}
		rest := strings.TrimRight(raw[i+3:], "/")
		if rest == "" {
			return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
		}
		raw = scheme + "://" + rest
	} else {
		raw = strings.TrimRight(raw, "/")
	}
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	norm := strings.TrimRight(nostr.NormalizeURL(raw), "/")
	u, err := url.Parse(norm)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return URL(norm), nil
}

// MustParseURL is ParseURL for literals; it panics on error.
func MustParseURL(raw string) URL {
	u, err := ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseURLs parses a list, skipping blanks. The first invalid entry fails the whole list.
func ParseURLs(raws []string) ([]URL, error) {
	out := make([]URL, 0, len(raws))
	for _, r := range raws {
		if strings.TrimSpace(r) == "" {
			continue
		}
		u, err := ParseURL(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (u URL) String() string { return string(u) }

// HTTPURL returns the address with ws/wss replaced by http/https, used for NIP-11 documents.
func (u URL) HTTPURL() string {
	s := string(u)
	switch {
	case strings.HasPrefix(s, "wss://"):
		return "https://" + s[len("wss://"):]
	case strings.HasPrefix(s, "ws://"):
		return "http://" + s[len("ws://"):]
	}
	return s
}

// SortURLs sorts in place and returns urls for chaining.
func SortURLs(urls []URL) []URL {
	slices.Sort(urls)
	return urls
}

// Strings converts to plain strings in the same order.
func Strings(urls []URL) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = string(u)
	}
	return out
}

// Variant tells the pool how a relay was added.
type Variant int

const (
	// Normal relays belong to the configured relay list.
	Normal Variant = iota
	// Ephemeral relays are added for a lookup and removed when their leases drop to zero.
	Ephemeral
	// Special relays are trusted local relays whose events are not re-verified.
	Special
)

func (v Variant) String() string {
	switch v {
	case Normal:
		return "normal"
	case Ephemeral:
		return "ephemeral"
	case Special:
		return "special"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// Descriptor is immutable once handed to the pool.
type Descriptor struct {
	URL     URL
	Read    bool
	Write   bool
	Variant Variant
}

// ReadWrite is the descriptor of a regular read/write relay.
func ReadWrite(u URL) Descriptor {
	return Descriptor{URL: u, Read: true, Write: true, Variant: Normal}
}

// EphemeralRead is the descriptor used for relays added on demand for lookups.
func EphemeralRead(u URL) Descriptor {
	return Descriptor{URL: u, Read: true, Variant: Ephemeral}
}

func (d Descriptor) IsEphemeral() bool { return d.Variant == Ephemeral }
func (d Descriptor) Trusted() bool     { return d.Variant == Special }

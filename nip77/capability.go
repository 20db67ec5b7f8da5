// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Relay negentropy capability from NIP-11 documents.
package nip77

import (
	"context"
	"sync"
	"time"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/relay"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr/nip11"
	"golang.org/x/sync/errgroup"
)

// NIP is the NIP number advertised by relays supporting negentropy sync.
const NIP = 77

// InfoFetcher retrieves a relay information document.
type InfoFetcher func(ctx context.Context, url relay.URL) (nip11.RelayInformationDocument, error)

// FetchRelayInfo fetches the NIP-11 document over http(s).
func FetchRelayInfo(ctx context.Context, url relay.URL) (nip11.RelayInformationDocument, error) {
	return nip11.Fetch(ctx, url.String())
}

type Capability struct {
	Negentropy bool      `json:"negentropy"`
	Software   string    `json:"software,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// CapabilityFromInfo reads NIP 77 support off a relay information document.
func CapabilityFromInfo(info nip11.RelayInformationDocument) Capability {
	c := Capability{Software: info.Software, CheckedAt: time.Now()}
	for _, v := range info.SupportedNIPs {
		switch n := v.(type) {
		case float64:
			c.Negentropy = c.Negentropy || int(n) == NIP
		case int:
			c.Negentropy = c.Negentropy || n == NIP
		case string:
			c.Negentropy = c.Negentropy || n == "77"
		}
	}
	return c
}

// CapabilityCache remembers relay capabilities for a TTL and fetches unknown ones.
type CapabilityCache struct {
	lru     *expirable.LRU[relay.URL, Capability]
	fetch   InfoFetcher
	timeout time.Duration
}

func NewCapabilityCache(size int, ttl time.Duration, fetch InfoFetcher) *CapabilityCache {
	if fetch == nil {
		fetch = FetchRelayInfo
	}
	return &CapabilityCache{
		lru:     expirable.NewLRU[relay.URL, Capability](size, nil, ttl),
		fetch:   fetch,
		timeout: 5 * time.Second,
	}
}

func (c *CapabilityCache) Get(url relay.URL) (Capability, bool) {
	return c.lru.Get(url)
}

func (c *CapabilityCache) Put(url relay.URL, capability Capability) {
	c.lru.Add(url, capability)
}

func (c *CapabilityCache) Len() int { return c.lru.Len() }

// Partition splits urls by cached negentropy support. Relays with no cache entry are
// fetched in parallel and classified. A relay whose document cannot be fetched counts
// as unsupported and is not cached.
func (c *CapabilityCache) Partition(ctx context.Context, urls []relay.URL) (supported, unsupported []relay.URL) {
	var unknown []relay.URL
	for _, u := range urls {
		capability, ok := c.Get(u)
		switch {
		case !ok:
			unknown = append(unknown, u)
		case capability.Negentropy:
			supported = append(supported, u)
		default:
			unsupported = append(unsupported, u)
		}
	}
	if len(unknown) == 0 {
		return supported, unsupported
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range unknown {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			info, err := c.fetch(fctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Warn("nip77: relay info for %s: %v", u, err)
				unsupported = append(unsupported, u)
				return nil
			}
			capability := CapabilityFromInfo(info)
			c.Put(u, capability)
			if capability.Negentropy {
				supported = append(supported, u)
			} else {
				unsupported = append(unsupported, u)
			}
			return nil
		})
	}
	_ = g.Wait()
	return relay.SortURLs(supported), relay.SortURLs(unsupported)
}

// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Command line parsing for negsync.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/pflag"
)

func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

type Config struct {
	Relays         []relay.URL
	Filter         nostr.Filter
	StoreBackend   string
	StorePath      string
	Timeout        time.Duration
	SessionTimeout time.Duration
	IgnoreRejected bool
	JSON           bool
	Verbose        string
}

func loadConfig(args []string, now time.Time) (*Config, error) {
	fs := pflag.NewFlagSet("negsync", pflag.ContinueOnError)

	relays := fs.StringSliceP("relay", "r", nil, "relay to reconcile against, repeatable or comma-separated (env: NEGSYNC_RELAYS)")
	kinds := fs.IntSliceP("kind", "k", nil, "event kinds to reconcile")
	authors := fs.StringSliceP("author", "a", nil, "author pubkeys (hex or npub) to reconcile")
	since := fs.Duration("since", 0, "only reconcile events newer than now minus this duration")
	limit := fs.Int("limit", 0, "filter limit passed to relays")
	storeBackend := fs.String("store", getEnvOr("NEGSYNC_STORE", "memory"), "local store backend: memory or lmdb (env: NEGSYNC_STORE)")
	storePath := fs.String("store-path", getEnvOr("NEGSYNC_STORE_PATH", ""), "lmdb directory (env: NEGSYNC_STORE_PATH)")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall deadline")
	sessionTimeout := fs.Duration("session-timeout", 30*time.Second, "per relay reconciliation timeout")
	ignoreRejected := fs.Bool("ignore-rejected", false, "continue when a relay rejects negentropy")
	asJSON := fs.Bool("json", false, "print results as JSON")
	verbose := fs.String("verbose", os.Getenv("VERBOSE"), "verbose logging control (env: VERBOSE)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	raws := *relays
	if len(raws) == 0 {
		if env := os.Getenv("NEGSYNC_RELAYS"); env != "" {
			raws = strings.Split(env, ",")
		}
	}
	raws = append(raws, fs.Args()...)
	urls, err := relay.ParseURLs(raws)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, errors.New("no relays given")
	}

	var f nostr.Filter
	f.Kinds = *kinds
	for _, a := range *authors {
		pk, err := decodePubKey(a)
		if err != nil {
			return nil, fmt.Errorf("author %q: %w", a, err)
		}
		f.Authors = append(f.Authors, pk)
	}
	if *since > 0 {
		ts := nostr.Timestamp(now.Add(-*since).Unix())
		f.Since = &ts
	}
	f.Limit = *limit

	return &Config{
		Relays:         urls,
		Filter:         f,
		StoreBackend:   *storeBackend,
		StorePath:      *storePath,
		Timeout:        *timeout,
		SessionTimeout: *sessionTimeout,
		IgnoreRejected: *ignoreRejected,
		JSON:           *asJSON,
		Verbose:        *verbose,
	}, nil
}

func decodePubKey(s string) (string, error) {
	if strings.HasPrefix(s, "npub") {
		_, val, err := nip19.Decode(s)
		if err != nil {
			return "", err
		}
		pk, ok := val.(string)
		if !ok {
			return "", errors.New("not an npub")
		}
		return pk, nil
	}
	if !nostr.IsValid32ByteHex(s) {
		return "", errors.New("not a 32 byte hex key")
	}
	return s, nil
}

// kindList renders kinds for the report header.
func kindList(kinds []int) string {
	if len(kinds) == 0 {
		return "any"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}

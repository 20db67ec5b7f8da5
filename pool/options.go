// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - functional options.
package pool

import (
	"context"
	"time"

	"github.com/girino/relay-pool/connection"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
)

// LocalStore receives every published event before it goes to the network.
type LocalStore interface {
	Insert(ctx context.Context, ev *nostr.Event) error
}

type options struct {
	clock            clockwork.Clock
	maxSubscriptions int
	admissionPoll    time.Duration
	eoseTimeout      time.Duration
	queueCap         int
	ensurePoll       time.Duration
	ensureGrace      time.Duration
	ensureTimeout    time.Duration
	leaseLinger      time.Duration
	store            LocalStore
	signer           Signer
	endpointOpts     []connection.Option
}

func defaultOptions() options {
	return options{
		clock:            clockwork.NewRealClock(),
		maxSubscriptions: 14,
		admissionPoll:    time.Second,
		eoseTimeout:      5 * time.Second,
		queueCap:         10,
		ensurePoll:       50 * time.Millisecond,
		ensureGrace:      300 * time.Millisecond,
		ensureTimeout:    2 * time.Second,
	}
}

type Option func(*options)

// WithClock drives every pool timer and is handed to the endpoints.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMaxSubscriptions sets the admission ceiling. Subscribe blocks above it.
func WithMaxSubscriptions(n int) Option {
	return func(o *options) { o.maxSubscriptions = n }
}

func WithAdmissionPoll(d time.Duration) Option {
	return func(o *options) { o.admissionPoll = d }
}

// WithEOSETimeout is the default wait for the aggregated EOSE.
func WithEOSETimeout(d time.Duration) Option {
	return func(o *options) { o.eoseTimeout = d }
}

// WithQueueCapacity bounds the per-relay queue of requests waiting for a connection.
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.queueCap = n }
}

// WithEnsureConnected tunes EnsureConnected polling, grace window and default timeout.
func WithEnsureConnected(poll, grace, timeout time.Duration) Option {
	return func(o *options) {
		o.ensurePoll = poll
		o.ensureGrace = grace
		o.ensureTimeout = timeout
	}
}

// WithLeaseLinger keeps an unleased ephemeral relay around for d before removing it.
func WithLeaseLinger(d time.Duration) Option {
	return func(o *options) { o.leaseLinger = d }
}

func WithLocalStore(s LocalStore) Option {
	return func(o *options) { o.store = s }
}

// WithSigner enables NIP-42 authentication.
func WithSigner(s Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithEndpointOptions is applied to every endpoint after the pool defaults.
func WithEndpointOptions(opts ...connection.Option) Option {
	return func(o *options) { o.endpointOpts = append(o.endpointOpts, opts...) }
}

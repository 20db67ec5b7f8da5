// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - NIP-42 authentication against relays.
package pool

import (
	"errors"
	"fmt"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/relay"
	"github.com/girino/relay-pool/wire"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
)

var ErrNoSigner = errors.New("auth requested but no signer configured")

// Signer signs events on behalf of the pool user.
type Signer interface {
	PublicKey() string
	Sign(ev *nostr.Event) error
}

// KeySigner signs with a hex secret key.
type KeySigner struct {
	sk string
	pk string
}

func NewKeySigner(sk string) (*KeySigner, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk}, nil
}

func (s *KeySigner) PublicKey() string { return s.pk }

func (s *KeySigner) Sign(ev *nostr.Event) error { return ev.Sign(s.sk) }

func (p *Pool) handleAuth(e *relayEntry, challenge string) {
	url := e.desc.URL
	if p.opts.signer == nil {
		p.setAuthError(e, ErrNoSigner)
		logging.Warn("pool: %s asked for auth but no signer is configured", url)
		return
	}

	ev := nip42.CreateUnsignedAuthEvent(challenge, p.opts.signer.PublicKey(), url.String())
	if err := p.opts.signer.Sign(&ev); err != nil {
		p.setAuthError(e, fmt.Errorf("sign auth event: %w", err))
		logging.Error("pool: signing auth for %s: %v", url, err)
		return
	}
	if _, err := e.ep.Send(wire.Auth{Event: &ev}); err != nil {
		p.setAuthError(e, err)
		logging.Error("pool: sending auth to %s: %v", url, err)
		return
	}
	p.setAuthError(e, nil)
	logging.DebugMethod("pool", "handleAuth", "authenticated to %s as %s", url, p.opts.signer.PublicKey())
}

func (p *Pool) setAuthError(e *relayEntry, err error) {
	p.mu.Lock()
	e.authErr = err
	p.mu.Unlock()
}

// AuthError returns the last authentication failure recorded for url.
func (p *Pool) AuthError(url relay.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.relays[url]; e != nil {
		return e.authErr
	}
	return nil
}

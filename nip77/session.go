// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Session - one NIP-77 reconciliation against one relay.
package nip77

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/negentropy"
	"github.com/girino/relay-pool/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy/storage/vector"
)

var (
	ErrSessionTimeout = errors.New("reconciliation timed out")
	ErrConcurrentWait = errors.New("session already has a waiter")
	ErrInvalidState   = errors.New("invalid session state")
)

// IDSource is the read side of the local store used for fingerprinting.
type IDSource interface {
	QueryIDs(ctx context.Context, filter nostr.Filter, limit int) (iter.Seq2[string, nostr.Timestamp], error)
}

type State int

const (
	Idle State = iota
	Syncing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionConfig tunes the local side of a reconciliation.
type SessionConfig struct {
	// QueryLimit bounds how many local events are fingerprinted.
	QueryLimit int
	Negentropy negentropy.Config
}

// DefaultSessionConfig keeps hex frames with their envelope under 64KiB.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QueryLimit: 50000,
		Negentropy: negentropy.Config{
			FrameSizeLimit:  30000,
			SplitFactor:     8,
			IDListThreshold: 16,
		},
	}
}

// Session moves Idle -> Syncing -> Completed or Failed and never leaves a terminal
// state. Completion is handed to a single waiter.
type Session struct {
	ID     string
	Relay  relay.URL
	Filter nostr.Filter

	cfg SessionConfig

	mu      sync.Mutex
	state   State
	err     error
	neg     *negentropy.Negentropy
	done    chan struct{}
	waiting bool
}

func NewSession(id string, url relay.URL, filter nostr.Filter, cfg SessionConfig) *Session {
	return &Session{
		ID:     id,
		Relay:  url,
		Filter: filter,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Initiate fingerprints the local events matching the session filter and returns the
// opening message as hex.
func (s *Session) Initiate(ctx context.Context, store IDSource) (string, error) {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: initiate in %s", ErrInvalidState, st)
	}
	s.mu.Unlock()

	ids, err := store.QueryIDs(ctx, s.Filter, s.cfg.QueryLimit)
	if err != nil {
		return "", fmt.Errorf("session %s: %w", s.ID, err)
	}
	vec := vector.New()
	for id, ts := range ids {
		if !nostr.IsValid32ByteHex(id) {
			logging.Warn("nip77: skipping local id %q", id)
			continue
		}
		vec.Insert(ts, id)
	}
	vec.Seal()

	neg, err := negentropy.New(vec, s.cfg.Negentropy)
	if err != nil {
		return "", fmt.Errorf("session %s: %w", s.ID, err)
	}
	msg, err := neg.Initiate()
	if err != nil {
		return "", fmt.Errorf("session %s: %w", s.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		// failed while the local query ran
		return "", fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	s.neg = neg
	s.state = Syncing
	logging.DebugMethod("nip77", "Initiate", "session %s on %s: %d local ids", s.ID, s.Relay, vec.Size())
	return msg, nil
}

// ProcessMessage feeds one NEG-MSG payload. An empty next message means the
// reconciliation is complete. have and need are cumulative. A payload the engine
// cannot decode fails the session.
func (s *Session) ProcessMessage(msg string) (next string, have, need []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Syncing {
		return "", nil, nil, fmt.Errorf("%w: message in %s", ErrInvalidState, s.state)
	}
	next, err = s.neg.Reconcile(msg)
	if err != nil {
		s.finishLocked(Failed, fmt.Errorf("session %s: %w", s.ID, err))
		return "", nil, nil, s.err
	}
	have, need = s.neg.Haves(), s.neg.Needs()
	if next == "" {
		s.finishLocked(Completed, nil)
		logging.DebugMethod("nip77", "ProcessMessage", "session %s complete: have %d need %d", s.ID, len(have), len(need))
	}
	return next, have, need, nil
}

// Fail moves an Idle or Syncing session to Failed. It is a no-op on a terminal session.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Completed || s.state == Failed {
		return
	}
	if err == nil {
		err = errors.New("failed")
	}
	s.finishLocked(Failed, err)
	logging.DebugMethod("nip77", "Fail", "session %s on %s failed: %v", s.ID, s.Relay, err)
}

func (s *Session) finishLocked(st State, err error) {
	s.state = st
	s.err = err
	close(s.done)
}

// Wait blocks until the session is terminal and returns nil for Completed or the
// failure cause. Only one caller may wait at a time.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Completed || s.state == Failed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.waiting {
		s.mu.Unlock()
		return ErrConcurrentWait
	}
	s.waiting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the failure cause of a Failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Haves returns the ids held locally but missing on the relay, so far.
func (s *Session) Haves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil {
		return nil
	}
	return s.neg.Haves()
}

// Needs returns the ids the relay holds that are missing locally, so far.
func (s *Session) Needs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil {
		return nil
	}
	return s.neg.Needs()
}

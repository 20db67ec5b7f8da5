// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Negentropy - the initiating side of NIP-77 range reconciliation with a tunable split.
package negentropy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/nbd-wtf/go-nostr"
	nostrneg "github.com/nbd-wtf/go-nostr/nip77/negentropy"
)

const ProtocolVersion byte = 0x61

var (
	ErrMalformedMessage   = errors.New("malformed negentropy message")
	ErrInvalidVersion     = errors.New("invalid negentropy protocol version")
	ErrUnsupportedVersion = errors.New("unsupported negentropy protocol version")
	ErrAlreadyInitiated   = errors.New("negentropy already initiated")
	ErrNotInitiated       = errors.New("negentropy not initiated")
)

// Config holds the tunables. Zero values pick the defaults.
type Config struct {
	// FrameSizeLimit bounds the binary size of one outbound message. 0 disables the limit;
	// otherwise it must be at least 4096.
	FrameSizeLimit int
	// IDListThreshold is the range size below which ids are sent instead of fingerprints.
	IDListThreshold int
	// SplitFactor is the number of buckets a mismatched range is split into.
	SplitFactor int
}

const (
	DefaultSplitFactor = 16
	minFrameSizeLimit  = 4096
	frameSizeSlack     = 200
)

func (c Config) normalized() (Config, error) {
	if c.FrameSizeLimit != 0 && c.FrameSizeLimit < minFrameSizeLimit {
		return c, fmt.Errorf("frame size limit %d below minimum %d", c.FrameSizeLimit, minFrameSizeLimit)
	}
	if c.SplitFactor < 2 {
		c.SplitFactor = DefaultSplitFactor
	}
	if c.IDListThreshold <= 0 {
		c.IDListThreshold = 2 * c.SplitFactor
	}
	// every bucket needs at least one item
	if c.IDListThreshold < c.SplitFactor {
		c.IDListThreshold = c.SplitFactor
	}
	return c, nil
}

// Negentropy drives a reconciliation from the initiating side over a sealed go-nostr
// Storage. The peer is any NIP-77 responder, go-nostr's own engine included. It is not
// safe for concurrent use.
type Negentropy struct {
	storage   nostrneg.Storage
	cfg       Config
	initiated bool

	lastTimestampIn  nostr.Timestamp
	lastTimestampOut nostr.Timestamp

	haves    []string
	needs    []string
	haveSeen map[string]struct{}
	needSeen map[string]struct{}
}

// New builds a reconciler over storage. A vector.Vector must be sealed first.
func New(storage nostrneg.Storage, cfg Config) (*Negentropy, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &Negentropy{
		storage:  storage,
		cfg:      cfg,
		haveSeen: make(map[string]struct{}),
		needSeen: make(map[string]struct{}),
	}, nil
}

// Initiate produces the first message, hex encoded.
func (n *Negentropy) Initiate() (string, error) {
	if n.initiated {
		return "", ErrAlreadyInitiated
	}
	n.initiated = true
	n.lastTimestampOut = 0

	out := nostrneg.NewStringHexWriter(make([]byte, 0, 256))
	out.WriteByte(ProtocolVersion)
	n.splitRange(out, 0, n.storage.Size(), nostrneg.InfiniteBound)
	return out.Hex(), nil
}

// Reconcile processes a hex message from the responder. An empty result means the sets
// are reconciled and Haves and Needs hold the full difference.
func (n *Negentropy) Reconcile(msg string) (string, error) {
	if !n.initiated {
		return "", ErrNotInitiated
	}
	if _, err := hex.DecodeString(msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	out, err := n.reconcile(nostrneg.NewStringHexReader(msg))
	if err != nil {
		return "", err
	}
	if out.Len() == 2 {
		return "", nil
	}
	return out.Hex(), nil
}

// Haves returns the ids we hold that the peer lacks, in discovery order.
func (n *Negentropy) Haves() []string { return slices.Clone(n.haves) }

// Needs returns the ids the peer holds that we lack, in discovery order.
func (n *Negentropy) Needs() []string { return slices.Clone(n.needs) }

func (n *Negentropy) addHave(id string) {
	if _, ok := n.haveSeen[id]; ok {
		return
	}
	n.haveSeen[id] = struct{}{}
	n.haves = append(n.haves, id)
}

func (n *Negentropy) addNeed(id string) {
	if _, ok := n.needSeen[id]; ok {
		return
	}
	n.needSeen[id] = struct{}{}
	n.needs = append(n.needs, id)
}

// exceeded takes a length in hex characters.
func (n *Negentropy) exceeded(hexLen int) bool {
	return n.cfg.FrameSizeLimit != 0 && hexLen/2 > n.cfg.FrameSizeLimit-frameSizeSlack
}

func (n *Negentropy) reconcile(r *nostrneg.StringHexReader) (*nostrneg.StringHexWriter, error) {
	n.lastTimestampIn, n.lastTimestampOut = 0, 0
	full := nostrneg.NewStringHexWriter(make([]byte, 0, 5000))
	full.WriteByte(ProtocolVersion)

	version, err := r.ReadHexByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if version < 0x60 || version > 0x6f {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, version)
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, version)
	}

	size := n.storage.Size()
	var prevBound nostrneg.Bound
	prevIndex := 0
	// index of the last bound actually written to full
	written := 0
	skip := false
	partial := nostrneg.NewStringHexWriter(make([]byte, 0, 256))

	for r.Len() > 0 {
		partial.Reset()
		doSkip := func() {
			if skip {
				skip = false
				n.writeBound(partial, prevBound)
				writeVarInt(partial, int(nostrneg.SkipMode))
			}
		}

		currBound, err := n.readBound(r)
		if err != nil {
			return nil, err
		}
		mode, err := readVarInt(r)
		if err != nil {
			return nil, err
		}

		lower := prevIndex
		upper := n.storage.FindLowerBound(prevIndex, size, currBound)

		switch nostrneg.Mode(mode) {
		case nostrneg.SkipMode:
			skip = true

		case nostrneg.FingerprintMode:
			theirs, err := r.ReadString(nostrneg.FingerprintSize * 2)
			if err != nil {
				return nil, fmt.Errorf("%w: fingerprint: %v", ErrMalformedMessage, err)
			}
			if theirs != n.storage.Fingerprint(lower, upper) {
				doSkip()
				n.splitRange(partial, lower, upper, currBound)
			} else {
				skip = true
			}

		case nostrneg.IdListMode:
			count, err := readVarInt(r)
			if err != nil {
				return nil, err
			}
			if count > r.Len()/64 {
				return nil, fmt.Errorf("%w: id list of %d overruns message", ErrMalformedMessage, count)
			}
			theirs := make(map[string]struct{}, count)
			for i := 0; i < count; i++ {
				id, err := r.ReadString(64)
				if err != nil || !nostr.IsValid32ByteHex(id) {
					return nil, fmt.Errorf("%w: id %d of %d", ErrMalformedMessage, i, count)
				}
				theirs[id] = struct{}{}
			}

			skip = true
			for _, it := range n.storage.Range(lower, upper) {
				if _, ok := theirs[it.ID]; ok {
					delete(theirs, it.ID)
				} else {
					n.addHave(it.ID)
				}
			}
			// map order is random; keep needs deterministic
			rest := make([]string, 0, len(theirs))
			for id := range theirs {
				rest = append(rest, id)
			}
			slices.Sort(rest)
			for _, id := range rest {
				n.addNeed(id)
			}

		default:
			return nil, fmt.Errorf("%w: unexpected mode %d", ErrMalformedMessage, mode)
		}

		if n.exceeded(full.Len() + partial.Len()) {
			// out of room: one fingerprint covering everything after the last written bound
			n.writeBound(full, nostrneg.InfiniteBound)
			writeVarInt(full, int(nostrneg.FingerprintMode))
			full.WriteHex(n.storage.Fingerprint(written, size))
			break
		}
		if partial.Len() > 0 {
			full.WriteHex(partial.Hex())
			written = upper
		}

		prevIndex = upper
		prevBound = currBound
	}

	return full, nil
}

func (n *Negentropy) splitRange(out *nostrneg.StringHexWriter, lower, upper int, upperBound nostrneg.Bound) {
	numElems := upper - lower
	buckets := n.cfg.SplitFactor

	if numElems < n.cfg.IDListThreshold {
		n.writeBound(out, upperBound)
		writeVarInt(out, int(nostrneg.IdListMode))
		writeVarInt(out, numElems)
		for _, it := range n.storage.Range(lower, upper) {
			out.WriteHex(it.ID)
		}
		return
	}

	perBucket := numElems / buckets
	withExtra := numElems % buckets
	curr := lower
	for i := 0; i < buckets; i++ {
		bucketSize := perBucket
		if i < withExtra {
			bucketSize++
		}
		fp := n.storage.Fingerprint(curr, curr+bucketSize)
		curr += bucketSize

		next := upperBound
		if curr != upper {
			next = minimalBound(n.storage.GetBound(curr-1).Item, n.storage.GetBound(curr).Item)
		}
		n.writeBound(out, next)
		writeVarInt(out, int(nostrneg.FingerprintMode))
		out.WriteHex(fp)
	}
}

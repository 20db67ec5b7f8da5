// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Negentropy - bound, timestamp and varint encoding over hex strings.
package negentropy

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	nostrneg "github.com/nbd-wtf/go-nostr/nip77/negentropy"
)

// MaxTimestamp is the timestamp of the infinite bound.
var MaxTimestamp = nostrneg.InfiniteBound.Timestamp

// longest varint that still fits an int
const maxVarIntBytes = 9

func writeVarInt(w *nostrneg.StringHexWriter, v int) {
	w.WriteBytes(nostrneg.EncodeVarInt(v))
}

func readVarInt(r *nostrneg.StringHexReader) (int, error) {
	res := 0
	for i := 0; i < maxVarIntBytes; i++ {
		b, err := r.ReadHexByte()
		if err != nil {
			return 0, fmt.Errorf("%w: varint: %v", ErrMalformedMessage, err)
		}
		res = res<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			return res, nil
		}
	}
	return 0, fmt.Errorf("%w: varint too long", ErrMalformedMessage)
}

func (n *Negentropy) writeTimestamp(w *nostrneg.StringHexWriter, ts nostr.Timestamp) {
	if ts == MaxTimestamp {
		n.lastTimestampOut = MaxTimestamp
		writeVarInt(w, 0)
		return
	}
	delta := ts - n.lastTimestampOut
	n.lastTimestampOut = ts
	writeVarInt(w, int(delta+1))
}

func (n *Negentropy) writeBound(w *nostrneg.StringHexWriter, b nostrneg.Bound) {
	n.writeTimestamp(w, b.Timestamp)
	writeVarInt(w, len(b.ID)/2)
	w.WriteHex(b.ID)
}

func (n *Negentropy) readTimestamp(r *nostrneg.StringHexReader) (nostr.Timestamp, error) {
	v, err := readVarInt(r)
	if err != nil {
		return 0, err
	}
	if v == 0 || n.lastTimestampIn == MaxTimestamp {
		n.lastTimestampIn = MaxTimestamp
		return MaxTimestamp, nil
	}
	ts := n.lastTimestampIn + nostr.Timestamp(v-1)
	n.lastTimestampIn = ts
	return ts, nil
}

func (n *Negentropy) readBound(r *nostrneg.StringHexReader) (nostrneg.Bound, error) {
	ts, err := n.readTimestamp(r)
	if err != nil {
		return nostrneg.Bound{}, err
	}
	l, err := readVarInt(r)
	if err != nil {
		return nostrneg.Bound{}, err
	}
	if l > 32 {
		return nostrneg.Bound{}, fmt.Errorf("%w: bound prefix of %d bytes", ErrMalformedMessage, l)
	}
	prefix, err := r.ReadString(l * 2)
	if err != nil {
		return nostrneg.Bound{}, fmt.Errorf("%w: bound prefix: %v", ErrMalformedMessage, err)
	}
	return nostrneg.Bound{Item: nostrneg.Item{Timestamp: ts, ID: prefix}}, nil
}

// minimalBound is the shortest bound that sorts after prev and not after curr.
func minimalBound(prev, curr nostrneg.Item) nostrneg.Bound {
	if curr.Timestamp != prev.Timestamp {
		return nostrneg.Bound{Item: nostrneg.Item{Timestamp: curr.Timestamp}}
	}
	shared := 0
	for i := 0; i+2 <= len(curr.ID) && i+2 <= len(prev.ID); i += 2 {
		if curr.ID[i:i+2] != prev.ID[i:i+2] {
			break
		}
		shared++
	}
	end := min((shared+1)*2, len(curr.ID))
	return nostrneg.Bound{Item: nostrneg.Item{Timestamp: curr.Timestamp, ID: curr.ID[:end]}}
}

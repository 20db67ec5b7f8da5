// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Local store backends: in-memory slice or LMDB.
package localstore

import (
	"fmt"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/lmdb"
	"github.com/fiatjaf/eventstore/slicestore"
)

// DefaultMaxLimit caps backend queries. It sits above the reconciliation query limit
// so fingerprinting sees every matching event.
const DefaultMaxLimit = 100000

// OpenBackend builds an uninitialized backend: "memory" (slicestore) or "lmdb" at path.
func OpenBackend(kind, path string) (eventstore.Store, error) {
	switch kind {
	case "", "memory":
		return &slicestore.SliceStore{MaxLimit: DefaultMaxLimit}, nil
	case "lmdb":
		if path == "" {
			return nil, fmt.Errorf("lmdb backend needs a path")
		}
		return &lmdb.LMDBBackend{Path: path, MaxLimit: DefaultMaxLimit}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

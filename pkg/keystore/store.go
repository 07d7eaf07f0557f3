// Copyright (c) 2026 Custodia Technologies
//
// This file is part of go-btchsm.
//
// go-btchsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@custodia-tech.io for commercial licensing options.

// Package keystore persists KeyRecords and, for the software backend, the
// encrypted key blobs beside them. The store holds no business logic and no
// decryption capability: blobs go in and come out sealed, and the envelope
// key is derived from a master secret the caller holds. No method ever
// returns raw private bytes.
package keystore

import (
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// Store is the durable record of managed keys.
//
// Put registers a new record together with its sealed secret blob; hardware
// backends pass a nil blob because their material never leaves the device.
// GetPublic returns the public record only. Retire flips the soft rotation
// flag. Destroy removes the record and wipes the blob; records are never
// silently deleted by any other path.
type Store interface {
	Put(record *types.KeyRecord, sealed []byte) error
	GetPublic(id string) (*types.KeyRecord, error)
	Sealed(id string) ([]byte, error)
	Retire(id string) error
	Destroy(id string) error
	List() ([]*types.KeyRecord, error)
}

// errFor normalizes lookup misses to the shared taxonomy.
var errNotFound = hsmerr.ErrKeyNotFound

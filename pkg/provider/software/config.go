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

package software

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
)

// Config holds the software backend configuration.
type Config struct {
	// Store persists key records and sealed blobs. Required.
	Store keystore.Store

	// Envelope seals secret material at rest. Required; its master secret
	// comes from the external secrets loader, never from this package.
	Envelope *keystore.Envelope

	// Seed optionally fixes the BIP32 master seed (16-64 bytes). When nil a
	// fresh random seed is generated at construction.
	Seed []byte

	// Net selects the Bitcoin network parameters used for extended-key
	// encoding. Defaults to mainnet.
	Net *chaincfg.Params

	// Logger is optional; a default logger is created when nil.
	Logger *logging.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("software: config is nil")
	}
	if c.Store == nil {
		return fmt.Errorf("software: key store is required")
	}
	if c.Envelope == nil {
		return fmt.Errorf("software: sealing envelope is required")
	}
	if c.Seed != nil && (len(c.Seed) < 16 || len(c.Seed) > 64) {
		return fmt.Errorf("software: seed must be 16-64 bytes, got %d", len(c.Seed))
	}
	return nil
}

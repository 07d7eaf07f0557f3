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

package tpm2

import (
	"fmt"
	"time"

	"github.com/google/go-tpm/tpm2/transport"

	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
)

// Config holds the TPM 2.0 adapter configuration.
type Config struct {
	// Transport is the open TPM connection (character device, simulator,
	// or resource-manager socket). The adapter takes ownership and closes
	// it on Close when it implements io.Closer. Required.
	Transport transport.TPM

	// Store persists public key records. Private material stays inside
	// the TPM under persistent handles. Required.
	Store keystore.Store

	// OwnerAuth is the owner-hierarchy authorization value. Empty means
	// the hierarchy has no auth set.
	OwnerAuth []byte

	// PersistentRangeStart is the first persistent handle the adapter
	// allocates keys into. Defaults to 0x81008000, inside the
	// owner-reserved range.
	PersistentRangeStart uint32

	// Timeout bounds each TPM command. Defaults to 10s.
	Timeout time.Duration

	// Logger is optional.
	Logger *logging.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("tpm2: config is nil")
	}
	if c.Transport == nil {
		return fmt.Errorf("tpm2: transport is required")
	}
	if c.Store == nil {
		return fmt.Errorf("tpm2: key store is required")
	}
	if c.PersistentRangeStart != 0 && (c.PersistentRangeStart < 0x81000000 || c.PersistentRangeStart > 0x81FFFFFF) {
		return fmt.Errorf("tpm2: persistent range start 0x%08x outside persistent handle space",
			c.PersistentRangeStart)
	}
	return nil
}

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

package pkcs11

import (
	"fmt"
	"time"

	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
)

// Config holds the PKCS#11 adapter configuration.
type Config struct {
	// ModulePath is the PKCS#11 library to load (for example
	// /usr/lib/softhsm/libsofthsm2.so). Required.
	ModulePath string

	// TokenLabel selects the token. Required.
	TokenLabel string

	// PIN is the user PIN. Required.
	PIN string

	// Slot optionally pins a specific slot instead of matching by label.
	Slot *int

	// Store persists public key records; private keys stay on the token.
	// Required.
	Store keystore.Store

	// Timeout bounds each token operation. Defaults to 15s: network HSMs
	// sit behind this adapter too, not just local softtokens.
	Timeout time.Duration

	// Logger is optional.
	Logger *logging.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("pkcs11: config is nil")
	}
	if c.ModulePath == "" {
		return fmt.Errorf("pkcs11: module path is required")
	}
	if c.TokenLabel == "" {
		return fmt.Errorf("pkcs11: token label is required")
	}
	if c.PIN == "" {
		return fmt.Errorf("pkcs11: user PIN is required")
	}
	if c.Store == nil {
		return fmt.Errorf("pkcs11: key store is required")
	}
	return nil
}

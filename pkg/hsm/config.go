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

package hsm

import (
	"fmt"

	"github.com/custodia-tech/go-btchsm/pkg/audit"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/metrics"
	"github.com/custodia-tech/go-btchsm/pkg/provider"
)

// Config holds the manager configuration.
type Config struct {
	// Provider is the requested backend. Required.
	Provider provider.Provider

	// Software is a software fallback considered when the requested
	// provider fails activation and ForceSoftware is set. Optional.
	Software provider.Provider

	// ForceSoftware substitutes the software fallback when the requested
	// backend is not healthy at activation, instead of failing Enable.
	// The substitution is recorded in the audit log.
	ForceSoftware bool

	// Store is the key record store shared with the providers. Required.
	Store keystore.Store

	// Audit receives an entry for every operation through the manager,
	// including denied ones. Required.
	Audit *audit.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Logger is optional.
	Logger *logging.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("hsm: config is nil")
	}
	if c.Provider == nil {
		return fmt.Errorf("hsm: provider is required")
	}
	if c.Store == nil {
		return fmt.Errorf("hsm: key store is required")
	}
	if c.Audit == nil {
		return fmt.Errorf("hsm: audit logger is required")
	}
	if c.ForceSoftware && c.Software == nil {
		return fmt.Errorf("hsm: ForceSoftware requires a software fallback provider")
	}
	return nil
}

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

package dlc

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Outcome is one oracle outcome and how the contract value splits when it
// is attested.
type Outcome struct {
	// Label is the exact outcome string the oracle signs the hash of.
	Label string

	// LocalPayout and RemotePayout split the contract value for this
	// outcome. Together they must equal the contract's TotalValue.
	LocalPayout  btcutil.Amount
	RemotePayout btcutil.Amount
}

// ContractInfo describes an accepted DLC at the point where the custody
// side signs its CETs. One CET per outcome, paired by index.
type ContractInfo struct {
	Outcomes []Outcome

	// OraclePubKey is the oracle's x-only BIP340 public key.
	OraclePubKey []byte

	// OracleNonce is the x-only nonce the oracle committed to for this
	// event.
	OracleNonce []byte

	// Maturity is when the oracle is expected to attest.
	Maturity time.Time

	// TotalValue is the combined contract value.
	TotalValue btcutil.Amount

	// CETs are the unsigned contract execution transactions, each
	// spending the funding output in input 0.
	CETs []*wire.MsgTx

	// FundingPkScript and FundingValue describe the Taproot funding
	// output the CETs spend.
	FundingPkScript []byte
	FundingValue    int64
}

// Validate checks structural soundness before any signing starts.
func (c *ContractInfo) Validate() error {
	if c == nil {
		return fmt.Errorf("dlc: contract is nil")
	}
	if len(c.Outcomes) == 0 {
		return fmt.Errorf("dlc: contract has no outcomes")
	}
	if len(c.CETs) != len(c.Outcomes) {
		return fmt.Errorf("dlc: %d CETs for %d outcomes", len(c.CETs), len(c.Outcomes))
	}
	if len(c.OraclePubKey) != 32 {
		return fmt.Errorf("dlc: oracle public key must be 32 bytes, got %d", len(c.OraclePubKey))
	}
	if len(c.OracleNonce) != 32 {
		return fmt.Errorf("dlc: oracle nonce must be 32 bytes, got %d", len(c.OracleNonce))
	}
	if len(c.FundingPkScript) == 0 {
		return fmt.Errorf("dlc: funding script is required")
	}
	if c.FundingValue <= 0 {
		return fmt.Errorf("dlc: funding value must be positive")
	}
	seen := make(map[string]struct{}, len(c.Outcomes))
	for i, o := range c.Outcomes {
		if o.Label == "" {
			return fmt.Errorf("dlc: outcome %d has an empty label", i)
		}
		if _, dup := seen[o.Label]; dup {
			return fmt.Errorf("dlc: duplicate outcome label %q", o.Label)
		}
		seen[o.Label] = struct{}{}
		if o.LocalPayout < 0 || o.RemotePayout < 0 {
			return fmt.Errorf("dlc: outcome %q has a negative payout", o.Label)
		}
		if o.LocalPayout+o.RemotePayout != c.TotalValue {
			return fmt.Errorf("dlc: outcome %q payouts sum to %v, contract value is %v",
				o.Label, o.LocalPayout+o.RemotePayout, c.TotalValue)
		}
		if c.CETs[i] == nil || len(c.CETs[i].TxIn) == 0 {
			return fmt.Errorf("dlc: CET %d missing or has no inputs", i)
		}
	}
	return nil
}

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

package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// TapLeaf is one script alternative inside a Taproot tree.
type TapLeaf struct {
	Script  []byte
	Version txscript.TapscriptLeafVersion
}

// NewTapLeaf returns a leaf with the base tapscript version.
func NewTapLeaf(script []byte) TapLeaf {
	return TapLeaf{Script: script, Version: txscript.BaseLeafVersion}
}

// SilentLeaf returns the deterministic, provably unspendable hidden leaf.
// The script is OP_RETURN over a fixed commitment, so the leaf can never be
// satisfied while its presence re-shapes the tree and hides how many real
// spending conditions exist.
func SilentLeaf() TapLeaf {
	commit := sha256.Sum256([]byte("go-btchsm/taproot/silent-leaf/v1"))
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(commit[:]).
		Script()
	if err != nil {
		// Static two-op script; the builder cannot fail on it.
		panic(fmt.Sprintf("bitcoin: silent leaf script: %v", err))
	}
	return NewTapLeaf(script)
}

// BuildScriptTree computes the Taproot Merkle root of an ordered leaf list.
// Construction is deterministic left to right: adjacent pairs combine into
// TapBranch hashes and an odd trailing node is promoted to the next level
// unchanged. Within a pair the two hashes are ordered lexicographically, as
// BIP341 requires for branch hashing.
func BuildScriptTree(leaves []TapLeaf) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("bitcoin: script tree needs at least one leaf")
	}

	level := make([][]byte, 0, len(leaves))
	for _, leaf := range leaves {
		if len(leaf.Script) == 0 {
			return nil, fmt.Errorf("bitcoin: empty leaf script")
		}
		h := txscript.NewTapLeaf(leaf.Version, leaf.Script).TapHash()
		level = append(level, h[:])
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, branchHash(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}

// branchHash hashes a TapBranch node over its lexicographically ordered
// children.
func branchHash(left, right []byte) []byte {
	if bytes.Compare(left, right) > 0 {
		left, right = right, left
	}
	h := chainhash.TaggedHash(chainhash.TagTapBranch, left, right)
	return h[:]
}

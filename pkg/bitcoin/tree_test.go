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
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafScript(b byte) []byte {
	script, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData([]byte{b}).Script()
	return script
}

func TestBuildScriptTreeSingleLeaf(t *testing.T) {
	leaf := NewTapLeaf(leafScript(1))
	root, err := BuildScriptTree([]TapLeaf{leaf})
	require.NoError(t, err)

	// A single leaf's root is its own tap hash.
	want := txscript.NewTapLeaf(leaf.Version, leaf.Script).TapHash()
	assert.Equal(t, want[:], root)
}

func TestBuildScriptTreeDeterministic(t *testing.T) {
	leaves := []TapLeaf{
		NewTapLeaf(leafScript(1)),
		NewTapLeaf(leafScript(2)),
		NewTapLeaf(leafScript(3)),
	}
	root1, err := BuildScriptTree(leaves)
	require.NoError(t, err)
	root2, err := BuildScriptTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, root1, root2)
	assert.Len(t, root1, 32)

	// Leaf order shapes the tree.
	swapped, err := BuildScriptTree([]TapLeaf{leaves[2], leaves[0], leaves[1]})
	require.NoError(t, err)
	assert.NotEqual(t, root1, swapped)
}

func TestBuildScriptTreeMatchesTxscriptPair(t *testing.T) {
	a := NewTapLeaf(leafScript(1))
	b := NewTapLeaf(leafScript(2))
	root, err := BuildScriptTree([]TapLeaf{a, b})
	require.NoError(t, err)

	// Two leaves must agree with txscript's own tree assembly.
	indexed := txscript.AssembleTaprootScriptTree(
		txscript.NewTapLeaf(a.Version, a.Script),
		txscript.NewTapLeaf(b.Version, b.Script),
	)
	want := indexed.RootNode.TapHash()
	assert.Equal(t, want[:], root)
}

func TestBuildScriptTreeRejectsEmpty(t *testing.T) {
	_, err := BuildScriptTree(nil)
	assert.Error(t, err)

	_, err = BuildScriptTree([]TapLeaf{{Script: nil}})
	assert.Error(t, err)
}

func TestSilentLeafStable(t *testing.T) {
	a, b := SilentLeaf(), SilentLeaf()
	assert.Equal(t, a.Script, b.Script)
	assert.Equal(t, txscript.BaseLeafVersion, a.Version)

	// OP_RETURN keeps the hidden alternative unspendable.
	assert.Equal(t, byte(txscript.OP_RETURN), a.Script[0])

	// Adding the silent leaf changes the committed root.
	real := NewTapLeaf(leafScript(9))
	bare, err := BuildScriptTree([]TapLeaf{real})
	require.NoError(t, err)
	hidden, err := BuildScriptTree([]TapLeaf{real, SilentLeaf()})
	require.NoError(t, err)
	assert.NotEqual(t, bare, hidden)
}

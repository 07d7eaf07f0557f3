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

// Package bitcoin is the Bitcoin key layer: BIP44/49/84/86 derivation,
// address rendering for the four supported output kinds, Taproot script
// trees, and the Schnorr adaptor primitives the DLC engine builds on. All
// signing flows through the HSM manager's generic primitive; this package
// never touches private material except inside the adaptor helpers, which
// run in the software backend's trust domain.
package bitcoin

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// Signer is the subset of the HSM manager the key layer depends on. The
// manager satisfies it; tests substitute lighter fakes.
type Signer interface {
	GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error)
	Sign(ctx context.Context, req types.SigningRequest) ([]byte, error)
	Verify(ctx context.Context, keyID string, pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error)
}

// KeyHandle binds a managed key to its Bitcoin-facing identity: address,
// output script, and (for Taproot) the tweak data needed at signing time.
type KeyHandle struct {
	Record  *types.KeyRecord
	Kind    types.AddressKind
	Address string

	// PkScript is the output script paying to this key.
	PkScript []byte

	// RedeemScript is set for p2sh-segwit handles; it is the witness
	// program the spender must reveal.
	RedeemScript []byte

	// InternalKey is the untweaked key. For Taproot handles OutputKey is
	// the tweaked key the chain sees; for all other kinds the two match.
	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey

	// MerkleRoot is the committed script-tree root for Taproot handles,
	// nil for key-path-only outputs.
	MerkleRoot []byte
}

// KeyLayer derives Bitcoin keys and addresses on top of the manager's
// generic signing primitive.
type KeyLayer struct {
	signer Signer
	net    *chaincfg.Params
}

// NewKeyLayer creates a key layer for the given network.
func NewKeyLayer(signer Signer, net *chaincfg.Params) (*KeyLayer, error) {
	if signer == nil {
		return nil, fmt.Errorf("bitcoin: signer is required")
	}
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	return &KeyLayer{signer: signer, net: net}, nil
}

// purposeFor maps an address kind to its required BIP43 purpose.
func purposeFor(kind types.AddressKind) (int, error) {
	switch kind {
	case types.AddressLegacy:
		return PurposeLegacy, nil
	case types.AddressP2SHSegWit:
		return PurposeP2SHSegWit, nil
	case types.AddressSegWit:
		return PurposeSegWit, nil
	case types.AddressTaproot:
		return PurposeTaproot, nil
	default:
		return 0, fmt.Errorf("bitcoin: %q: %w", kind, hsmerr.ErrUnsupportedAddressKind)
	}
}

// DeriveKey generates (or derives) a key at accountPath and renders its
// address for the requested kind. Taproot keys must be Schnorr and may
// commit to a script-tree merkleRoot; pass nil for key-path-only outputs.
// All other kinds require ECDSA and ignore merkleRoot.
func (l *KeyLayer) DeriveKey(ctx context.Context, accountPath string, algo types.KeyAlgorithm,
	kind types.AddressKind, merkleRoot []byte) (*KeyHandle, error) {

	purpose, err := purposeFor(kind)
	if err != nil {
		return nil, err
	}
	indices, err := ParsePath(accountPath)
	if err != nil {
		return nil, err
	}
	if got := Purpose(indices); got != purpose {
		return nil, fmt.Errorf("bitcoin: path %s has purpose %d, %q requires %d': %w",
			accountPath, got, kind, purpose, hsmerr.ErrInvalidDerivationPath)
	}

	if kind == types.AddressTaproot {
		if algo != types.AlgSchnorrBIP340 {
			return nil, fmt.Errorf("bitcoin: taproot requires %s: %w",
				types.AlgSchnorrBIP340, hsmerr.ErrUnsupportedKeyType)
		}
	} else {
		if algo != types.AlgECDSASecp256k1 {
			return nil, fmt.Errorf("bitcoin: %q requires %s: %w",
				kind, types.AlgECDSASecp256k1, hsmerr.ErrUnsupportedKeyType)
		}
		if merkleRoot != nil {
			return nil, fmt.Errorf("bitcoin: script trees only apply to taproot: %w",
				hsmerr.ErrUnsupportedAddressKind)
		}
	}

	record, err := l.signer.GenerateKey(ctx, algo, accountPath)
	if err != nil {
		return nil, err
	}
	return l.handleFor(record, kind, merkleRoot)
}

// HandleFor rebuilds the Bitcoin identity of an existing record, e.g. after
// a restart.
func (l *KeyLayer) HandleFor(record *types.KeyRecord, kind types.AddressKind, merkleRoot []byte) (*KeyHandle, error) {
	if _, err := purposeFor(kind); err != nil {
		return nil, err
	}
	return l.handleFor(record, kind, merkleRoot)
}

func (l *KeyLayer) handleFor(record *types.KeyRecord, kind types.AddressKind, merkleRoot []byte) (*KeyHandle, error) {
	internal, err := parseRecordKey(record.PublicKey)
	if err != nil {
		return nil, err
	}

	handle := &KeyHandle{
		Record:      record,
		Kind:        kind,
		InternalKey: internal,
		OutputKey:   internal,
		MerkleRoot:  append([]byte(nil), merkleRoot...),
	}

	var addr btcutil.Address
	switch kind {
	case types.AddressLegacy:
		addr, err = btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(internal.SerializeCompressed()), l.net)

	case types.AddressSegWit:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(internal.SerializeCompressed()), l.net)

	case types.AddressP2SHSegWit:
		var witnessProg []byte
		witnessProg, err = txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(internal.SerializeCompressed())).
			Script()
		if err != nil {
			break
		}
		handle.RedeemScript = witnessProg
		addr, err = btcutil.NewAddressScriptHash(witnessProg, l.net)

	case types.AddressTaproot:
		output := txscript.ComputeTaprootOutputKey(internal, merkleRoot)
		handle.OutputKey = output
		addr, err = btcutil.NewAddressTaproot(schnorr.SerializePubKey(output), l.net)
	}
	if err != nil {
		return nil, fmt.Errorf("bitcoin: render %q address: %w", kind, err)
	}

	handle.Address = addr.EncodeAddress()
	handle.PkScript, err = txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: output script for %q: %w", kind, err)
	}
	return handle, nil
}

// SignDigest signs a 32-byte digest with the handle's key, applying the
// Taproot output-key tweak for taproot handles so the signature verifies
// against the chain-visible output key.
func (l *KeyLayer) SignDigest(ctx context.Context, handle *KeyHandle, digest []byte) ([]byte, error) {
	req := types.SigningRequest{
		KeyID:     handle.Record.ID,
		Digest:    digest,
		Algorithm: handle.Record.Algorithm,
	}
	if handle.Kind == types.AddressTaproot {
		req.Tweak = &types.TaprootTweak{MerkleRoot: handle.MerkleRoot}
	}
	return l.signer.Sign(ctx, req)
}

// VerifyDigest verifies a signature produced by SignDigest. For taproot
// handles verification runs against the tweaked output key.
func (l *KeyLayer) VerifyDigest(ctx context.Context, handle *KeyHandle, digest, sig []byte) (bool, error) {
	pub := handle.Record.PublicKey
	if handle.Kind == types.AddressTaproot {
		pub = schnorr.SerializePubKey(handle.OutputKey)
	}
	return l.signer.Verify(ctx, "", pub, digest, sig, handle.Record.Algorithm)
}

// parseRecordKey accepts the two serializations KeyRecords carry: 33-byte
// compressed SEC1 and 32-byte x-only.
func parseRecordKey(pub []byte) (*btcec.PublicKey, error) {
	switch len(pub) {
	case 32:
		return schnorr.ParsePubKey(pub)
	case 33:
		return btcec.ParsePubKey(pub)
	default:
		return nil, fmt.Errorf("bitcoin: public key must be 32 or 33 bytes, got %d", len(pub))
	}
}

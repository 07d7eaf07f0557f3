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

// Package psbtsigner signs partially signed Bitcoin transactions with
// managed keys. It consumes BIP174 packets, matches inputs to key handles
// by output script, computes the correct sighash for each script class,
// and routes every signature through the key layer so the activation gate
// and audit trail cover PSBT flows too.
package psbtsigner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/custodia-tech/go-btchsm/pkg/bitcoin"
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// PacketState classifies how far along a packet is.
type PacketState string

const (
	StateUnsigned        PacketState = "unsigned"
	StatePartiallySigned PacketState = "partially-signed"
	StateFinalized       PacketState = "finalized"
)

// Result reports what SignPacket did: which input indices received a
// signature and which had no matching key.
type Result struct {
	Signed  []int
	NoMatch []int
}

// Signer signs PSBT inputs with keys held behind the manager.
type Signer struct {
	layer  *bitcoin.KeyLayer
	net    *chaincfg.Params
	logger *logging.Logger
}

// NewSigner creates a PSBT signer on top of the key layer.
func NewSigner(layer *bitcoin.KeyLayer, net *chaincfg.Params, logger *logging.Logger) (*Signer, error) {
	if layer == nil {
		return nil, fmt.Errorf("psbtsigner: key layer is required")
	}
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Signer{layer: layer, net: net, logger: logger}, nil
}

// State classifies a packet. Finalized means every input carries final
// script data; partially signed means at least one signature is present.
func State(packet *psbt.Packet) PacketState {
	if packet == nil || len(packet.Inputs) == 0 {
		return StateUnsigned
	}
	finalized := true
	signed := false
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if len(in.FinalScriptSig) == 0 && len(in.FinalScriptWitness) == 0 {
			finalized = false
		}
		if len(in.PartialSigs) > 0 || len(in.TaprootKeySpendSig) > 0 ||
			len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			signed = true
		}
	}
	switch {
	case finalized:
		return StateFinalized
	case signed:
		return StatePartiallySigned
	default:
		return StateUnsigned
	}
}

// SignPacket signs every input whose previous output pays one of the
// given handles. Inputs with no matching handle are left untouched and
// reported in Result.NoMatch; an input that is already final is skipped.
// The packet is modified in place.
func (s *Signer) SignPacket(ctx context.Context, packet *psbt.Packet, handles []*bitcoin.KeyHandle) (*Result, error) {
	if packet == nil {
		return nil, fmt.Errorf("psbtsigner: nil packet: %w", hsmerr.ErrMalformedPsbt)
	}
	if err := packet.SanityCheck(); err != nil {
		return nil, fmt.Errorf("psbtsigner: sanity check: %v: %w", err, hsmerr.ErrMalformedPsbt)
	}

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return nil, err
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	result := &Result{}
	for idx := range packet.Inputs {
		in := &packet.Inputs[idx]
		if len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			continue
		}

		prevOut := inputPrevOutput(in, &packet.UnsignedTx.TxIn[idx].PreviousOutPoint)
		if prevOut == nil {
			return nil, fmt.Errorf("psbtsigner: input %d has no utxo data: %w",
				idx, hsmerr.ErrMalformedPsbt)
		}

		handle := matchHandle(in, prevOut, handles)
		if handle == nil {
			result.NoMatch = append(result.NoMatch, idx)
			continue
		}

		if err := s.signInput(ctx, packet, idx, in, prevOut, sigHashes, fetcher, handle); err != nil {
			return nil, fmt.Errorf("psbtsigner: input %d: %w", idx, err)
		}
		result.Signed = append(result.Signed, idx)
	}

	s.logger.Debugf("psbtsigner: signed %d of %d inputs", len(result.Signed), len(packet.Inputs))
	return result, nil
}

// Finalize turns partial signatures into final script data. It refuses a
// packet that still has an unsigned input so a half-signed transaction
// cannot be extracted by accident.
func (s *Signer) Finalize(packet *psbt.Packet) error {
	if packet == nil {
		return fmt.Errorf("psbtsigner: nil packet: %w", hsmerr.ErrMalformedPsbt)
	}
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			continue
		}
		if len(in.PartialSigs) == 0 && len(in.TaprootKeySpendSig) == 0 {
			return fmt.Errorf("psbtsigner: input %d unsigned, refusing to finalize: %w",
				i, hsmerr.ErrMalformedPsbt)
		}
	}
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return fmt.Errorf("psbtsigner: finalize: %v: %w", err, hsmerr.ErrMalformedPsbt)
	}
	return nil
}

// Extract returns the fully signed transaction from a finalized packet.
func (s *Signer) Extract(packet *psbt.Packet) (*wire.MsgTx, error) {
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("psbtsigner: extract: %v: %w", err, hsmerr.ErrMalformedPsbt)
	}
	return tx, nil
}

// signInput computes the sighash for one input's script class and asks
// the key layer for the signature.
func (s *Signer) signInput(ctx context.Context, packet *psbt.Packet, idx int, in *psbt.PInput,
	prevOut *wire.TxOut, sigHashes *txscript.TxSigHashes, fetcher txscript.PrevOutputFetcher,
	handle *bitcoin.KeyHandle) error {

	tx := packet.UnsignedTx

	switch handle.Kind {
	case types.AddressTaproot:
		hashType := in.SighashType
		digest, err := txscript.CalcTaprootSignatureHash(sigHashes, hashType, tx, idx, fetcher)
		if err != nil {
			return fmt.Errorf("taproot sighash: %w", err)
		}
		sig, err := s.layer.SignDigest(ctx, handle, digest)
		if err != nil {
			return err
		}
		if hashType != txscript.SigHashDefault {
			sig = append(sig, byte(hashType))
		}
		in.TaprootKeySpendSig = sig
		in.TaprootInternalKey = schnorr.SerializePubKey(handle.InternalKey)
		return nil

	case types.AddressSegWit, types.AddressP2SHSegWit:
		hashType := in.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}
		scriptCode, err := p2pkhScript(handle, s.net)
		if err != nil {
			return err
		}
		digest, err := txscript.CalcWitnessSigHash(scriptCode, sigHashes, hashType, tx, idx, prevOut.Value)
		if err != nil {
			return fmt.Errorf("witness sighash: %w", err)
		}
		sig, err := s.layer.SignDigest(ctx, handle, digest)
		if err != nil {
			return err
		}
		if handle.Kind == types.AddressP2SHSegWit {
			in.RedeemScript = handle.RedeemScript
		}
		in.SighashType = hashType
		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    handle.InternalKey.SerializeCompressed(),
			Signature: append(sig, byte(hashType)),
		})
		return nil

	case types.AddressLegacy:
		hashType := in.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}
		digest, err := txscript.CalcSignatureHash(prevOut.PkScript, hashType, tx, idx)
		if err != nil {
			return fmt.Errorf("legacy sighash: %w", err)
		}
		sig, err := s.layer.SignDigest(ctx, handle, digest)
		if err != nil {
			return err
		}
		in.SighashType = hashType
		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    handle.InternalKey.SerializeCompressed(),
			Signature: append(sig, byte(hashType)),
		})
		return nil

	default:
		return fmt.Errorf("address kind %q: %w", handle.Kind, hsmerr.ErrUnsupportedAddressKind)
	}
}

// matchHandle finds the handle whose output script pays this input.
// Taproot inputs also match on a declared internal key, which covers
// packets prepared by a coordinator that filled TaprootInternalKey but
// not WitnessUtxo script details.
func matchHandle(in *psbt.PInput, prevOut *wire.TxOut, handles []*bitcoin.KeyHandle) *bitcoin.KeyHandle {
	for _, h := range handles {
		if len(h.PkScript) > 0 && bytes.Equal(h.PkScript, prevOut.PkScript) {
			return h
		}
		if len(in.TaprootInternalKey) == 32 && h.InternalKey != nil &&
			bytes.Equal(in.TaprootInternalKey, schnorr.SerializePubKey(h.InternalKey)) {
			return h
		}
	}
	return nil
}

// prevOutFetcher assembles the previous outputs referenced by the packet.
func prevOutFetcher(packet *psbt.Packet) (txscript.PrevOutputFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range packet.Inputs {
		op := &packet.UnsignedTx.TxIn[i].PreviousOutPoint
		prevOut := inputPrevOutput(&packet.Inputs[i], op)
		if prevOut == nil {
			return nil, fmt.Errorf("psbtsigner: input %d has no utxo data: %w",
				i, hsmerr.ErrMalformedPsbt)
		}
		fetcher.AddPrevOut(*op, prevOut)
	}
	return fetcher, nil
}

// inputPrevOutput resolves the output an input spends, preferring the
// compact WitnessUtxo form.
func inputPrevOutput(in *psbt.PInput, op *wire.OutPoint) *wire.TxOut {
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo
	}
	if in.NonWitnessUtxo != nil && int(op.Index) < len(in.NonWitnessUtxo.TxOut) {
		return in.NonWitnessUtxo.TxOut[op.Index]
	}
	return nil
}

// p2pkhScript builds the BIP143 script code for a key: the classic
// pay-to-pubkey-hash script over the compressed key's hash160.
func p2pkhScript(handle *bitcoin.KeyHandle, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(handle.InternalKey.SerializeCompressed()), net)
	if err != nil {
		return nil, fmt.Errorf("script code: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("script code: %w", err)
	}
	return script, nil
}

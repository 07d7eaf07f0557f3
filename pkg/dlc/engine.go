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

// Package dlc implements the custody side of discreet log contracts. The
// engine pre-signs one contract execution transaction per oracle outcome
// with an adaptor signature locked to that outcome's anticipation point;
// when the oracle attests, exactly one adaptor completes into a valid
// BIP340 signature and that CET becomes broadcastable. The private key
// never leaves the signing backend: adaptor signing rides the same
// request path as ordinary Schnorr signing.
package dlc

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/custodia-tech/go-btchsm/pkg/bitcoin"
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// CETSignature is one pre-signed contract execution transaction: the
// adaptor signature plus everything needed to verify it and later
// complete it.
type CETSignature struct {
	Index int
	Label string

	// AnticipationPoint is the signature point S_i = R + e_i*O the
	// adaptor is locked to.
	AnticipationPoint *btcec.PublicKey

	// Digest is the taproot key-spend sighash of the CET.
	Digest []byte

	// VerifyKey is the tweaked output key the completed signature must
	// verify under.
	VerifyKey *btcec.PublicKey

	Adaptor *bitcoin.AdaptorSignature
}

// Execution is a completed CET after oracle attestation.
type Execution struct {
	Index     int
	Label     string
	Signature []byte
	SignedCET *wire.MsgTx
}

// Engine pre-signs and completes CETs with keys held behind the manager.
type Engine struct {
	signer bitcoin.Signer
	logger *logging.Logger
}

// NewEngine creates a DLC engine.
func NewEngine(signer bitcoin.Signer, logger *logging.Logger) (*Engine, error) {
	if signer == nil {
		return nil, fmt.Errorf("dlc: signer is required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Engine{signer: signer, logger: logger}, nil
}

// AnticipationPoint computes the signature point for one outcome:
// S = R + H(R.x || O.x || sha256(label)) * O, the public image of the
// scalar the oracle will reveal by attesting to label.
func AnticipationPoint(oraclePubKey, oracleNonce []byte, label string) (*btcec.PublicKey, error) {
	oracle, err := schnorr.ParsePubKey(oraclePubKey)
	if err != nil {
		return nil, fmt.Errorf("dlc: oracle public key: %w", err)
	}
	nonce, err := schnorr.ParsePubKey(oracleNonce)
	if err != nil {
		return nil, fmt.Errorf("dlc: oracle nonce: %w", err)
	}

	msg := sha256.Sum256([]byte(label))
	chal := chainhash.TaggedHash(chainhash.TagBIP0340Challenge,
		oracleNonce, oraclePubKey, msg[:])
	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(chal))

	var oj, eo, rj, sj btcec.JacobianPoint
	oracle.AsJacobian(&oj)
	btcec.ScalarMultNonConst(&e, &oj, &eo)
	nonce.AsJacobian(&rj)
	btcec.AddNonConst(&rj, &eo, &sj)
	sj.ToAffine()
	return btcec.NewPublicKey(&sj.X, &sj.Y), nil
}

// PrepareCETs pre-signs every CET in the contract against the funding key
// handle, which must be a Taproot handle. The result order matches the
// contract's outcome order.
func (e *Engine) PrepareCETs(ctx context.Context, contract *ContractInfo, handle *bitcoin.KeyHandle) ([]*CETSignature, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	if handle == nil || handle.Record == nil {
		return nil, fmt.Errorf("dlc: funding key handle is required")
	}
	if handle.Kind != types.AddressTaproot {
		return nil, fmt.Errorf("dlc: funding key must be taproot, got %q: %w",
			handle.Kind, hsmerr.ErrUnsupportedAddressKind)
	}

	sigs := make([]*CETSignature, 0, len(contract.Outcomes))
	for i, outcome := range contract.Outcomes {
		point, err := AnticipationPoint(contract.OraclePubKey, contract.OracleNonce, outcome.Label)
		if err != nil {
			return nil, err
		}

		digest, err := cetDigest(contract.CETs[i], contract.FundingPkScript, contract.FundingValue)
		if err != nil {
			return nil, fmt.Errorf("dlc: CET %d sighash: %w", i, err)
		}

		raw, err := e.signer.Sign(ctx, types.SigningRequest{
			KeyID:        handle.Record.ID,
			Digest:       digest,
			Algorithm:    types.AlgSchnorrBIP340,
			Tweak:        &types.TaprootTweak{MerkleRoot: handle.MerkleRoot},
			AdaptorPoint: point.SerializeCompressed(),
		})
		if err != nil {
			return nil, fmt.Errorf("dlc: CET %d: %w", i, err)
		}
		adaptor, err := bitcoin.ParseAdaptorSignature(raw)
		if err != nil {
			return nil, fmt.Errorf("dlc: CET %d: %w", i, err)
		}

		sigs = append(sigs, &CETSignature{
			Index:             i,
			Label:             outcome.Label,
			AnticipationPoint: point,
			Digest:            digest,
			VerifyKey:         handle.OutputKey,
			Adaptor:           adaptor,
		})
	}
	e.logger.Debugf("dlc: pre-signed %d CETs", len(sigs))
	return sigs, nil
}

// VerifyCETSignatures checks a counterparty's pre-signatures without any
// private material. Used before funding: a contract is only safe to fund
// once every outcome has a verified adaptor.
func VerifyCETSignatures(sigs []*CETSignature) error {
	for _, sig := range sigs {
		if sig.Adaptor == nil || sig.VerifyKey == nil || sig.AnticipationPoint == nil {
			return fmt.Errorf("dlc: CET %d signature incomplete", sig.Index)
		}
		err := bitcoin.AdaptorVerify(sig.Adaptor,
			schnorr.SerializePubKey(sig.VerifyKey),
			sig.Digest,
			sig.AnticipationPoint.SerializeCompressed())
		if err != nil {
			return fmt.Errorf("dlc: CET %d (%s): %w", sig.Index, sig.Label, err)
		}
	}
	return nil
}

// FinalizeCET completes the CET selected by an oracle attestation. The
// attestation is the oracle's 32-byte signature scalar; its public image
// must equal exactly one anticipation point, otherwise the attestation
// does not belong to this contract event.
func (e *Engine) FinalizeCET(contract *ContractInfo, sigs []*CETSignature, attestation []byte) (*Execution, error) {
	if len(attestation) != 32 {
		return nil, fmt.Errorf("dlc: attestation must be a 32-byte scalar, got %d: %w",
			len(attestation), hsmerr.ErrAttestationMismatch)
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(attestation); overflow || s.IsZero() {
		return nil, fmt.Errorf("dlc: attestation scalar out of range: %w", hsmerr.ErrAttestationMismatch)
	}
	var sj btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&s, &sj)
	sj.ToAffine()
	revealed := btcec.NewPublicKey(&sj.X, &sj.Y)

	for _, sig := range sigs {
		if !revealed.IsEqual(sig.AnticipationPoint) {
			continue
		}

		final, err := bitcoin.AdaptorFinalize(sig.Adaptor, attestation)
		if err != nil {
			return nil, fmt.Errorf("dlc: CET %d: %w", sig.Index, err)
		}
		parsed, err := schnorr.ParseSignature(final)
		if err != nil {
			return nil, fmt.Errorf("dlc: CET %d: completed signature malformed: %w", sig.Index, err)
		}
		if !parsed.Verify(sig.Digest, sig.VerifyKey) {
			return nil, fmt.Errorf("dlc: CET %d: completed signature does not verify: %w",
				sig.Index, hsmerr.ErrAttestationMismatch)
		}

		signed := contract.CETs[sig.Index].Copy()
		signed.TxIn[0].Witness = wire.TxWitness{final}

		e.logger.Infof("dlc: outcome %q attested, CET %d executable", sig.Label, sig.Index)
		return &Execution{
			Index:     sig.Index,
			Label:     sig.Label,
			Signature: final,
			SignedCET: signed,
		}, nil
	}
	return nil, fmt.Errorf("dlc: attestation matches no contract outcome: %w", hsmerr.ErrAttestationMismatch)
}

// cetDigest is the taproot key-spend sighash of a CET spending the
// funding output in input 0.
func cetDigest(cet *wire.MsgTx, fundingPkScript []byte, fundingValue int64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(fundingPkScript, fundingValue)
	sigHashes := txscript.NewTxSigHashes(cet, fetcher)
	return txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, cet, 0, fetcher)
}

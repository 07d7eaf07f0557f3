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
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-tech/go-btchsm/pkg/bitcoin"
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/provider/software"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// testOracle simulates a BIP340 oracle: a static key, a per-event nonce,
// and attestations s = k + e*o over outcome hashes.
type testOracle struct {
	key   btcec.ModNScalar
	nonce btcec.ModNScalar

	pubKey   []byte
	nonceKey []byte
}

func newTestOracle(t *testing.T) *testOracle {
	t.Helper()
	keyPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	noncePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	o := &testOracle{
		pubKey:   schnorr.SerializePubKey(keyPriv.PubKey()),
		nonceKey: schnorr.SerializePubKey(noncePriv.PubKey()),
	}
	// BIP340 signs with the even-Y representatives.
	o.key.Set(&keyPriv.Key)
	if keyPriv.PubKey().SerializeCompressed()[0] == 0x03 {
		o.key.Negate()
	}
	o.nonce.Set(&noncePriv.Key)
	if noncePriv.PubKey().SerializeCompressed()[0] == 0x03 {
		o.nonce.Negate()
	}
	return o
}

// attest returns the oracle's 32-byte signature scalar for an outcome.
func (o *testOracle) attest(label string) []byte {
	msg := sha256.Sum256([]byte(label))
	chal := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, o.nonceKey, o.pubKey, msg[:])
	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(chal))

	var s btcec.ModNScalar
	s.Mul2(&e, &o.key).Add(&o.nonce)
	out := s.Bytes()
	return out[:]
}

type backendSigner struct {
	backend *software.Backend
}

func (s backendSigner) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	return s.backend.GenerateKey(ctx, algo, path)
}

func (s backendSigner) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	return s.backend.Sign(ctx, req)
}

func (s backendSigner) Verify(ctx context.Context, keyID string, pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	return s.backend.Verify(pubKey, digest, sig, algo)
}

func newTestEngine(t *testing.T) (*Engine, *bitcoin.KeyHandle) {
	t.Helper()
	env, err := keystore.NewEnvelope([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	backend, err := software.NewBackend(&software.Config{
		Store:    keystore.NewMemoryStore(),
		Envelope: env,
		Net:      &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	signer := backendSigner{backend}
	layer, err := bitcoin.NewKeyLayer(signer, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	handle, err := layer.DeriveKey(context.Background(), "m/86'/1'/0'",
		types.AlgSchnorrBIP340, types.AddressTaproot, nil)
	require.NoError(t, err)

	engine, err := NewEngine(signer, nil)
	require.NoError(t, err)
	return engine, handle
}

// testContract builds a two-outcome contract whose CETs spend the
// handle's funding output.
func testContract(t *testing.T, oracle *testOracle, handle *bitcoin.KeyHandle) *ContractInfo {
	t.Helper()

	const fundingValue = int64(200_000)
	fundingHash := chainhash.DoubleHashH([]byte("funding"))
	fundingOutPoint := wire.NewOutPoint(&fundingHash, 0)

	payoutScript := func(b byte) []byte {
		script, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).AddData(append(make([]byte, 19), b)).Script()
		require.NoError(t, err)
		return script
	}

	cet := func(localValue, remoteValue int64) *wire.MsgTx {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(fundingOutPoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(localValue, payoutScript(1)))
		tx.AddTxOut(wire.NewTxOut(remoteValue, payoutScript(2)))
		return tx
	}

	return &ContractInfo{
		Outcomes: []Outcome{
			{Label: "bullish", LocalPayout: 150_000, RemotePayout: 50_000},
			{Label: "bearish", LocalPayout: 30_000, RemotePayout: 170_000},
		},
		OraclePubKey:    oracle.pubKey,
		OracleNonce:     oracle.nonceKey,
		Maturity:        time.Now().Add(24 * time.Hour),
		TotalValue:      btcutil.Amount(200_000),
		CETs:            []*wire.MsgTx{cet(150_000, 50_000), cet(30_000, 170_000)},
		FundingPkScript: handle.PkScript,
		FundingValue:    fundingValue,
	}
}

func TestContractValidate(t *testing.T) {
	oracle := newTestOracle(t)
	_, handle := newTestEngine(t)
	contract := testContract(t, oracle, handle)
	require.NoError(t, contract.Validate())

	broken := *contract
	broken.Outcomes = append([]Outcome{}, contract.Outcomes...)
	broken.Outcomes[0].LocalPayout += 1
	assert.Error(t, broken.Validate())

	broken = *contract
	broken.CETs = contract.CETs[:1]
	assert.Error(t, broken.Validate())

	broken = *contract
	broken.OraclePubKey = []byte{1, 2, 3}
	assert.Error(t, broken.Validate())

	broken = *contract
	broken.Outcomes = []Outcome{contract.Outcomes[0], contract.Outcomes[0]}
	assert.Error(t, broken.Validate(), "duplicate labels")
}

func TestPrepareVerifyFinalize(t *testing.T) {
	oracle := newTestOracle(t)
	engine, handle := newTestEngine(t)
	contract := testContract(t, oracle, handle)
	ctx := context.Background()

	sigs, err := engine.PrepareCETs(ctx, contract, handle)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	for i, sig := range sigs {
		assert.Equal(t, i, sig.Index)
		assert.Equal(t, contract.Outcomes[i].Label, sig.Label)
		assert.Len(t, sig.Digest, 32)
	}

	// A counterparty can verify every pre-signature before funding.
	require.NoError(t, VerifyCETSignatures(sigs))

	// Oracle attests the second outcome; only that CET completes.
	execution, err := engine.FinalizeCET(contract, sigs, oracle.attest("bearish"))
	require.NoError(t, err)
	assert.Equal(t, 1, execution.Index)
	assert.Equal(t, "bearish", execution.Label)
	require.Len(t, execution.Signature, 64)

	// The completed CET carries a witness that satisfies the funding
	// output.
	require.Len(t, execution.SignedCET.TxIn[0].Witness, 1)
	fetcher := txscript.NewCannedPrevOutputFetcher(contract.FundingPkScript, contract.FundingValue)
	sigHashes := txscript.NewTxSigHashes(execution.SignedCET, fetcher)
	vm, err := txscript.NewEngine(contract.FundingPkScript, execution.SignedCET, 0,
		txscript.StandardVerifyFlags, nil, sigHashes, contract.FundingValue, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestFinalizeRejectsForeignAttestation(t *testing.T) {
	oracle := newTestOracle(t)
	engine, handle := newTestEngine(t)
	contract := testContract(t, oracle, handle)
	ctx := context.Background()

	sigs, err := engine.PrepareCETs(ctx, contract, handle)
	require.NoError(t, err)

	// An attestation over an outcome this contract never listed.
	_, err = engine.FinalizeCET(contract, sigs, oracle.attest("sideways"))
	assert.ErrorIs(t, err, hsmerr.ErrAttestationMismatch)

	// Garbage scalars are rejected outright.
	_, err = engine.FinalizeCET(contract, sigs, make([]byte, 32))
	assert.ErrorIs(t, err, hsmerr.ErrAttestationMismatch)
	_, err = engine.FinalizeCET(contract, sigs, []byte{1, 2})
	assert.ErrorIs(t, err, hsmerr.ErrAttestationMismatch)
}

func TestPrepareRequiresTaprootHandle(t *testing.T) {
	oracle := newTestOracle(t)
	engine, handle := newTestEngine(t)
	contract := testContract(t, oracle, handle)

	wrong := *handle
	wrong.Kind = types.AddressSegWit
	_, err := engine.PrepareCETs(context.Background(), contract, &wrong)
	assert.ErrorIs(t, err, hsmerr.ErrUnsupportedAddressKind)
}

func TestAnticipationPointsDiffer(t *testing.T) {
	oracle := newTestOracle(t)

	a, err := AnticipationPoint(oracle.pubKey, oracle.nonceKey, "alpha")
	require.NoError(t, err)
	b, err := AnticipationPoint(oracle.pubKey, oracle.nonceKey, "beta")
	require.NoError(t, err)
	assert.False(t, a.IsEqual(b))

	again, err := AnticipationPoint(oracle.pubKey, oracle.nonceKey, "alpha")
	require.NoError(t, err)
	assert.True(t, a.IsEqual(again))
}

func TestAttestationMatchesAnticipation(t *testing.T) {
	oracle := newTestOracle(t)

	point, err := AnticipationPoint(oracle.pubKey, oracle.nonceKey, "gamma")
	require.NoError(t, err)

	var s btcec.ModNScalar
	overflow := s.SetByteSlice(oracle.attest("gamma"))
	require.False(t, overflow)
	var sj btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&s, &sj)
	sj.ToAffine()
	assert.True(t, point.IsEqual(btcec.NewPublicKey(&sj.X, &sj.Y)))
}

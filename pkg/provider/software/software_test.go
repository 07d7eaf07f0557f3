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

package software

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-tech/go-btchsm/pkg/bitcoin"
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	env, err := keystore.NewEnvelope([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	backend, err := NewBackend(&Config{
		Store:    keystore.NewMemoryStore(),
		Envelope: env,
		Net:      &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestConfigValidate(t *testing.T) {
	env, err := keystore.NewEnvelope([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Store: keystore.NewMemoryStore()}).Validate())
	assert.Error(t, (&Config{
		Store:    keystore.NewMemoryStore(),
		Envelope: env,
		Seed:     []byte("short"),
	}).Validate())
	assert.NoError(t, (&Config{
		Store:    keystore.NewMemoryStore(),
		Envelope: env,
	}).Validate())
}

func TestGenerateAndSignSchnorr(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "m/86'/1'/0'/0/0")
	require.NoError(t, err)
	assert.Len(t, record.PublicKey, 32)
	assert.Equal(t, types.BackendSoftware, record.Backend)

	digest := sha256.Sum256([]byte("spend"))
	sig, err := backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    digest[:],
		Algorithm: types.AlgSchnorrBIP340,
	})
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	ok, err := backend.Verify(record.PublicKey, digest[:], sig, types.AlgSchnorrBIP340)
	require.NoError(t, err)
	assert.True(t, ok)

	// A flipped signature bit verifies false without error.
	sig[5] ^= 0x40
	ok, err = backend.Verify(record.PublicKey, digest[:], sig, types.AlgSchnorrBIP340)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateAndSignECDSA(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgECDSASecp256k1, "m/84'/1'/0'/0/0")
	require.NoError(t, err)
	assert.Len(t, record.PublicKey, 33)

	digest := sha256.Sum256([]byte("spend"))
	sig, err := backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    digest[:],
		Algorithm: types.AlgECDSASecp256k1,
	})
	require.NoError(t, err)

	ok, err := backend.Verify(record.PublicKey, digest[:], sig, types.AlgECDSASecp256k1)
	require.NoError(t, err)
	assert.True(t, ok)

	other := sha256.Sum256([]byte("different"))
	ok, err = backend.Verify(record.PublicKey, other[:], sig, types.AlgECDSASecp256k1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateRejectsForeignAlgorithm(t *testing.T) {
	backend := newTestBackend(t)

	_, err := backend.GenerateKey(context.Background(), types.AlgECDSAP256, "")
	assert.ErrorIs(t, err, hsmerr.ErrUnsupportedKeyType)
}

func TestSignTaprootTweaked(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "m/86'/1'/0'/0/0")
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("taproot key-path spend"))
	sig, err := backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    digest[:],
		Algorithm: types.AlgSchnorrBIP340,
		Tweak:     &types.TaprootTweak{},
	})
	require.NoError(t, err)

	// The tweaked signature must not verify under the internal key.
	ok, err := backend.Verify(record.PublicKey, digest[:], sig, types.AlgSchnorrBIP340)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdaptorSignRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "m/86'/1'/0'/0/0")
	require.NoError(t, err)

	// The adaptor secret's public image is the adaptor point.
	secretRecord, err := backend.GenerateKey(ctx, types.AlgECDSASecp256k1, "")
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("conditional payment"))
	raw, err := backend.Sign(ctx, types.SigningRequest{
		KeyID:        record.ID,
		Digest:       digest[:],
		Algorithm:    types.AlgSchnorrBIP340,
		AdaptorPoint: secretRecord.PublicKey,
	})
	require.NoError(t, err)

	adaptor, err := bitcoin.ParseAdaptorSignature(raw)
	require.NoError(t, err)
	assert.NoError(t, bitcoin.AdaptorVerify(adaptor, record.PublicKey, digest[:], secretRecord.PublicKey))
}

func TestDeriveChild(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	parent, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "m/86'/1'/0'")
	require.NoError(t, err)

	child, err := backend.DeriveChild(ctx, parent.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, parent.Algorithm, child.Algorithm)
	assert.Equal(t, "m/86'/1'/0'/7", child.Path)
	assert.NotEqual(t, parent.PublicKey, child.PublicKey)

	// Deterministic: the same index under the same parent yields the same
	// public key even though the record is distinct.
	again, err := backend.DeriveChild(ctx, parent.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, child.PublicKey, again.PublicKey)
}

func TestSignUnknownAndDestroyedKey(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	digest := sha256.Sum256([]byte("m"))

	_, err := backend.Sign(ctx, types.SigningRequest{
		KeyID:     "missing",
		Digest:    digest[:],
		Algorithm: types.AlgSchnorrBIP340,
	})
	assert.ErrorIs(t, err, hsmerr.ErrKeyNotFound)

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "")
	require.NoError(t, err)
	require.NoError(t, backend.DestroyKey(ctx, record.ID))

	_, err = backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    digest[:],
		Algorithm: types.AlgSchnorrBIP340,
	})
	assert.ErrorIs(t, err, hsmerr.ErrKeyNotFound)
}

func TestSignRetiredKey(t *testing.T) {
	env, err := keystore.NewEnvelope([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := keystore.NewMemoryStore()
	backend, err := NewBackend(&Config{
		Store:    store,
		Envelope: env,
		Net:      &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "")
	require.NoError(t, err)
	require.NoError(t, store.Retire(record.ID))

	digest := sha256.Sum256([]byte("m"))
	_, err = backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    digest[:],
		Algorithm: types.AlgSchnorrBIP340,
	})
	assert.ErrorIs(t, err, hsmerr.ErrOperationDenied)
}

func TestSignAlgorithmMismatch(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgECDSASecp256k1, "")
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("m"))
	_, err = backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    digest[:],
		Algorithm: types.AlgSchnorrBIP340,
	})
	assert.ErrorIs(t, err, hsmerr.ErrUnsupportedKeyType)
}

func TestConcurrentSigning(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			digest := sha256.Sum256([]byte{byte(n)})
			sig, err := backend.Sign(ctx, types.SigningRequest{
				KeyID:     record.ID,
				Digest:    digest[:],
				Algorithm: types.AlgSchnorrBIP340,
			})
			if err != nil {
				errs <- err
				return
			}
			ok, err := backend.Verify(record.PublicKey, digest[:], sig, types.AlgSchnorrBIP340)
			if err != nil || !ok {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent sign failed: %v", err)
	}
}

func TestClosedBackend(t *testing.T) {
	backend := newTestBackend(t)
	require.NoError(t, backend.Close())

	_, err := backend.GenerateKey(context.Background(), types.AlgSchnorrBIP340, "")
	assert.ErrorIs(t, err, hsmerr.ErrBackendUnavailable)

	status, err := backend.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Ready())
}

func TestPublicRecordCarriesNoSecretMaterial(t *testing.T) {
	env, err := keystore.NewEnvelope([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := keystore.NewMemoryStore()
	backend, err := NewBackend(&Config{
		Store:    store,
		Envelope: env,
		Net:      &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	record, err := backend.GenerateKey(context.Background(), types.AlgSchnorrBIP340, "m/86'/1'/0'/0/0")
	require.NoError(t, err)

	// Recover the plaintext secret the backend sealed, and its raw scalar.
	sealed, err := store.Sealed(record.ID)
	require.NoError(t, err)
	secret, err := env.Open(record.ID, sealed)
	require.NoError(t, err)
	key, err := hdkeychain.NewKeyFromString(string(secret))
	require.NoError(t, err)
	priv, err := key.ECPrivKey()
	require.NoError(t, err)
	privBytes := priv.Serialize()

	public, err := store.GetPublic(record.ID)
	require.NoError(t, err)

	// The public record holds exactly the public half, nothing sealed and
	// nothing plaintext.
	assert.Equal(t, schnorr.SerializePubKey(priv.PubKey()), public.PublicKey)
	assert.NotEqual(t, sealed, public.PublicKey)
	assert.False(t, bytes.Contains(public.PublicKey, privBytes))
	assert.False(t, bytes.Contains(public.PublicKey, secret))
	assert.False(t, bytes.Contains([]byte(public.ID+public.Path+public.Handle), privBytes))

	// The blob at rest is ciphertext: neither the extended key nor its raw
	// scalar shows through.
	assert.False(t, bytes.Contains(sealed, secret))
	assert.False(t, bytes.Contains(sealed, privBytes))
}

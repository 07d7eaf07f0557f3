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

// Package software implements the in-process custody backend over
// secp256k1. Keys are BIP32 extended keys derived from a master seed;
// secret material exists in memory only for the duration of one call and is
// persisted exclusively through the keystore's sealed envelope.
//
// Nonce discipline: ECDSA and Schnorr signing both use btcec's
// deterministic RFC6979-style nonce derivation, so the backend holds no
// mutable nonce state and concurrent signing cannot cross-contaminate.
package software

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/google/uuid"

	"github.com/custodia-tech/go-btchsm/pkg/bitcoin"
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/provider"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// Backend is the software provider.
//
// Thread-safe: the RWMutex guards only the closed flag and the master key
// reference; signing itself is stateless per call and runs fully parallel.
type Backend struct {
	store    keystore.Store
	envelope *keystore.Envelope
	net      *chaincfg.Params
	logger   *logging.Logger

	mu     sync.RWMutex
	master *hdkeychain.ExtendedKey
	closed bool
}

// NewBackend creates a software backend from the configuration. When no
// seed is supplied a fresh random master seed is generated and wiped after
// the master key is derived.
func NewBackend(config *Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("software: invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	net := config.Net
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	seed := config.Seed
	generated := false
	if seed == nil {
		var err error
		seed, err = hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
		if err != nil {
			return nil, fmt.Errorf("software: generate seed: %w", err)
		}
		generated = true
	}
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("software: derive master key: %w", err)
	}
	if generated {
		zero(seed)
	}

	return &Backend{
		store:    config.Store,
		envelope: config.Envelope,
		net:      net,
		logger:   logger,
		master:   master,
	}, nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() types.BackendType {
	return types.BackendSoftware
}

// Status reports Ready until the backend is closed.
func (b *Backend) Status(ctx context.Context) (types.ProviderStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return types.ProviderStatus{State: types.StateShuttingDown, Reason: "backend closed"}, nil
	}
	return types.ProviderStatus{State: types.StateReady}, nil
}

// Capabilities reports the full secp256k1 feature set.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		Signing:        true,
		Secp256k1:      true,
		SchnorrBIP340:  true,
		Derivation:     true,
		AdaptorSigning: true,
		HardwareBacked: false,
		MaxParallelOps: 0,
	}
}

// GenerateKey creates a key. With a path it derives from the backend's
// master key; without one it roots a fresh random extended key, so the key
// has no relationship to any other managed key.
func (b *Backend) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if algo != types.AlgECDSASecp256k1 && algo != types.AlgSchnorrBIP340 {
		return nil, fmt.Errorf("software: algorithm %s: %w", algo, hsmerr.ErrUnsupportedKeyType)
	}

	var (
		key *hdkeychain.ExtendedKey
		err error
	)
	if path == "" {
		seed, seedErr := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
		if seedErr != nil {
			return nil, fmt.Errorf("software: generate seed: %w", seedErr)
		}
		key, err = hdkeychain.NewMaster(seed, b.net)
		zero(seed)
	} else {
		key, err = b.deriveAtPath(path)
	}
	if err != nil {
		return nil, err
	}

	return b.register(key, algo, path)
}

// DeriveChild derives the child at index under an existing key. The child
// inherits the parent's algorithm.
func (b *Backend) DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	parent, err := b.store.GetPublic(keyID)
	if err != nil {
		return nil, err
	}
	parentKey, err := b.unseal(parent.ID)
	if err != nil {
		return nil, err
	}
	defer parentKey.Zero()

	child, err := parentKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("software: derive child %d of %s: %w", index, keyID, err)
	}
	return b.register(child, parent.Algorithm, bitcoin.FormatChildPath(parent.Path, index))
}

// Sign produces a signature, or an adaptor pre-signature when the request
// carries an adaptor point.
func (b *Backend) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(req.Digest) != 32 {
		return nil, fmt.Errorf("software: digest must be 32 bytes, got %d", len(req.Digest))
	}

	record, err := b.store.GetPublic(req.KeyID)
	if err != nil {
		return nil, err
	}
	if record.Retired {
		return nil, fmt.Errorf("software: key %s is retired: %w", req.KeyID, hsmerr.ErrOperationDenied)
	}
	if req.Algorithm != record.Algorithm {
		return nil, fmt.Errorf("software: key %s holds %s, request wants %s: %w",
			req.KeyID, record.Algorithm, req.Algorithm, hsmerr.ErrUnsupportedKeyType)
	}

	extKey, err := b.unseal(req.KeyID)
	if err != nil {
		return nil, err
	}
	defer extKey.Zero()
	priv, err := extKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("software: private key for %s: %w", req.KeyID, err)
	}
	defer priv.Zero()

	switch req.Algorithm {
	case types.AlgSchnorrBIP340:
		if req.Tweak != nil {
			priv = txscript.TweakTaprootPrivKey(*priv, req.Tweak.MerkleRoot)
			defer priv.Zero()
		}
		if req.AdaptorPoint != nil {
			adaptor, err := bitcoin.AdaptorSign(priv, req.Digest, req.AdaptorPoint)
			if err != nil {
				return nil, err
			}
			return adaptor.Serialize(), nil
		}
		sig, err := schnorr.Sign(priv, req.Digest)
		if err != nil {
			return nil, fmt.Errorf("software: schnorr sign with %s: %w", req.KeyID, err)
		}
		return sig.Serialize(), nil

	case types.AlgECDSASecp256k1:
		if req.AdaptorPoint != nil {
			return nil, fmt.Errorf("software: adaptor signing requires %s: %w",
				types.AlgSchnorrBIP340, hsmerr.ErrUnsupportedKeyType)
		}
		return ecdsa.Sign(priv, req.Digest).Serialize(), nil

	default:
		return nil, fmt.Errorf("software: algorithm %s: %w", req.Algorithm, hsmerr.ErrUnsupportedKeyType)
	}
}

// Verify checks a signature against public data only. Malformed signatures
// and keys report false rather than an error, so a bit-flipped input can
// never be mistaken for a verifier failure.
func (b *Backend) Verify(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	if len(digest) != 32 {
		return false, fmt.Errorf("software: digest must be 32 bytes, got %d", len(digest))
	}

	switch algo {
	case types.AlgSchnorrBIP340:
		if len(pubKey) == 33 {
			pubKey = pubKey[1:]
		}
		pub, err := schnorr.ParsePubKey(pubKey)
		if err != nil {
			return false, nil
		}
		parsed, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false, nil
		}
		return parsed.Verify(digest, pub), nil

	case types.AlgECDSASecp256k1:
		pub, err := btcec.ParsePubKey(pubKey)
		if err != nil {
			return false, nil
		}
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false, nil
		}
		return parsed.Verify(digest, pub), nil

	default:
		return false, fmt.Errorf("software: algorithm %s: %w", algo, hsmerr.ErrUnsupportedKeyType)
	}
}

// DestroyKey wipes the sealed blob and removes the record.
func (b *Backend) DestroyKey(ctx context.Context, keyID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.store.Destroy(keyID)
}

// Close wipes the master key and rejects further operations.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.master.Zero()
	b.closed = true
	return nil
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("software: backend closed: %w", hsmerr.ErrBackendUnavailable)
	}
	return nil
}

// deriveAtPath walks the master key down a parsed derivation path.
func (b *Backend) deriveAtPath(path string) (*hdkeychain.ExtendedKey, error) {
	indices, err := bitcoin.ParsePath(path)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	key := b.master
	b.mu.RUnlock()

	for _, idx := range indices {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("software: derive %s: %w: %v",
				path, hsmerr.ErrInvalidDerivationPath, err)
		}
	}
	return key, nil
}

// register seals the extended key and persists the public record.
func (b *Backend) register(key *hdkeychain.ExtendedKey, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("software: public key: %w", err)
	}

	var pubBytes []byte
	if algo == types.AlgSchnorrBIP340 {
		pubBytes = schnorr.SerializePubKey(pub)
	} else {
		pubBytes = pub.SerializeCompressed()
	}

	record := &types.KeyRecord{
		ID:        uuid.NewString(),
		Algorithm: algo,
		Path:      path,
		Backend:   types.BackendSoftware,
		PublicKey: pubBytes,
		CreatedAt: timeNow(),
	}

	secret := []byte(key.String())
	defer zero(secret)
	sealed, err := b.envelope.Seal(record.ID, secret)
	if err != nil {
		return nil, fmt.Errorf("software: seal key %s: %w", record.ID, err)
	}
	if err := b.store.Put(record, sealed); err != nil {
		return nil, err
	}
	b.logger.Debug("software: generated key", "id", record.ID, "algo", string(algo), "path", path)
	return record, nil
}

// unseal loads and opens the sealed extended key for a record.
func (b *Backend) unseal(keyID string) (*hdkeychain.ExtendedKey, error) {
	sealed, err := b.store.Sealed(keyID)
	if err != nil {
		return nil, err
	}
	secret, err := b.envelope.Open(keyID, sealed)
	if err != nil {
		return nil, fmt.Errorf("software: unseal key %s: %w", keyID, err)
	}
	defer zero(secret)

	key, err := hdkeychain.NewKeyFromString(string(secret))
	if err != nil {
		return nil, fmt.Errorf("software: decode key %s: %w", keyID, err)
	}
	return key, nil
}

var timeNow = func() time.Time { return time.Now().UTC() }

// zero wipes sensitive data from memory.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ provider.Provider = (*Backend)(nil)

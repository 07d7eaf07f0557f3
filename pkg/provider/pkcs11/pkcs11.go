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

// Package pkcs11 adapts a PKCS#11 token to the provider contract through
// ThalesGroup/crypto11. Stock Cryptoki tokens expose NIST curves but not
// secp256k1, so the adapter serves ecdsa-p256 and reports Bitcoin-curve
// requests as unsupported; a deployment whose token firmware does carry
// secp256k1 fronts it with a software provider instead.
package pkcs11

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"sync"
	"time"

	"github.com/ThalesGroup/crypto11"
	"github.com/google/uuid"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/provider"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// Backend is the PKCS#11 provider.
type Backend struct {
	ctx     *crypto11.Context
	store   keystore.Store
	timeout time.Duration
	logger  *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewBackend loads the module and opens a logged-in session on the token.
func NewBackend(config *Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("pkcs11: invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c11 := &crypto11.Config{
		Path:       config.ModulePath,
		TokenLabel: config.TokenLabel,
		Pin:        config.PIN,
	}
	if config.Slot != nil {
		c11.SlotNumber = config.Slot
		c11.TokenLabel = ""
	}
	ctx, err := crypto11.Configure(c11)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: configure %s: %v: %w",
			config.ModulePath, err, hsmerr.ErrBackendUnavailable)
	}

	return &Backend{
		ctx:     ctx,
		store:   config.Store,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() types.BackendType {
	return types.BackendPKCS11
}

// Status probes the token with a lookup for a key that does not exist; a
// healthy session answers "not found" without error.
func (b *Backend) Status(ctx context.Context) (types.ProviderStatus, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return types.ProviderStatus{State: types.StateShuttingDown, Reason: "adapter closed"}, nil
	}

	err := b.call(ctx, func() error {
		_, err := b.ctx.FindKeyPair(nil, []byte("btchsm-status-probe"))
		return err
	})
	if err != nil {
		return types.ProviderStatus{State: types.StateDisconnected, Reason: err.Error()}, nil
	}
	return types.ProviderStatus{State: types.StateReady}, nil
}

// Capabilities: hardware-backed NIST ECDSA only.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		Signing:        true,
		Secp256k1:      false,
		SchnorrBIP340:  false,
		Derivation:     false,
		AdaptorSigning: false,
		HardwareBacked: true,
		MaxParallelOps: 0,
	}
}

// GenerateKey creates a P-256 keypair on the token. The record's Handle
// carries the CKA_ID the pair was generated under.
func (b *Backend) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	if algo != types.AlgECDSAP256 {
		return nil, fmt.Errorf("pkcs11: algorithm %s requires a secp256k1-capable backend: %w",
			algo, hsmerr.ErrUnsupportedKeyType)
	}

	id := uuid.NewString()
	ckaID := []byte(id)

	var pubBytes []byte
	err := b.call(ctx, func() error {
		signer, err := b.ctx.GenerateECDSAKeyPairWithLabel(ckaID, ckaID, elliptic.P256())
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}
		pub, ok := signer.Public().(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("token returned non-ECDSA public key")
		}
		pubBytes = elliptic.Marshal(pub.Curve, pub.X, pub.Y)
		return nil
	})
	if err != nil {
		return nil, err
	}

	record := &types.KeyRecord{
		ID:        id,
		Algorithm: types.AlgECDSAP256,
		Path:      path,
		Backend:   types.BackendPKCS11,
		PublicKey: pubBytes,
		Handle:    id,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.Put(record, nil); err != nil {
		return nil, err
	}
	return record, nil
}

// DeriveChild is unsupported: Cryptoki keypairs are not a BIP32 tree.
func (b *Backend) DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error) {
	return nil, fmt.Errorf("pkcs11: child derivation: %w", hsmerr.ErrUnsupportedKeyType)
}

// Sign produces a DER-encoded ECDSA signature over a 32-byte digest.
func (b *Backend) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	if req.Algorithm != types.AlgECDSAP256 {
		return nil, fmt.Errorf("pkcs11: algorithm %s: %w", req.Algorithm, hsmerr.ErrUnsupportedKeyType)
	}
	if req.Tweak != nil || req.AdaptorPoint != nil {
		return nil, fmt.Errorf("pkcs11: taproot and adaptor signing: %w", hsmerr.ErrUnsupportedKeyType)
	}
	if len(req.Digest) != 32 {
		return nil, fmt.Errorf("pkcs11: digest must be 32 bytes, got %d", len(req.Digest))
	}

	record, err := b.store.GetPublic(req.KeyID)
	if err != nil {
		return nil, err
	}
	if record.Retired {
		return nil, fmt.Errorf("pkcs11: key %s is retired: %w", req.KeyID, hsmerr.ErrOperationDenied)
	}

	var sig []byte
	err = b.call(ctx, func() error {
		signer, err := b.ctx.FindKeyPair([]byte(record.Handle), nil)
		if err != nil {
			return fmt.Errorf("find keypair: %w", err)
		}
		if signer == nil {
			return fmt.Errorf("key %s vanished from token: %w", req.KeyID, hsmerr.ErrKeyNotFound)
		}
		// crypto11 signers produce ASN.1 DER for ECDSA.
		sig, err = signer.Sign(nil, req.Digest, nil)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify checks a DER signature against a SEC1 uncompressed P-256 key.
// Runs in software; no token round-trip.
func (b *Backend) Verify(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	if algo != types.AlgECDSAP256 {
		return false, fmt.Errorf("pkcs11: algorithm %s: %w", algo, hsmerr.ErrUnsupportedKeyType)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pubKey)
	if x == nil {
		return false, nil
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.VerifyASN1(pub, digest, sig), nil
}

// DestroyKey deletes the token objects, then the record.
func (b *Backend) DestroyKey(ctx context.Context, keyID string) error {
	record, err := b.store.GetPublic(keyID)
	if err != nil {
		return err
	}

	err = b.call(ctx, func() error {
		signer, err := b.ctx.FindKeyPair([]byte(record.Handle), nil)
		if err != nil {
			return fmt.Errorf("find keypair: %w", err)
		}
		if signer == nil {
			// Already gone on the token; still drop the record.
			return nil
		}
		if err := signer.Delete(); err != nil {
			return fmt.Errorf("delete keypair: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.store.Destroy(keyID)
}

// Close logs out and unloads the module.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.ctx.Close()
}

// call runs one token operation with the configured timeout. Cryptoki
// calls block in cgo and cannot be cancelled; on timeout the caller stops
// waiting and the goroutine drains when the call returns.
func (b *Backend) call(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("pkcs11: adapter closed: %w", hsmerr.ErrBackendUnavailable)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if kind := hsmerr.Kind(err); kind != "internal" {
			return err
		}
		return fmt.Errorf("pkcs11: %v: %w", err, hsmerr.ErrBackendUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("pkcs11: token call: %w", hsmerr.ErrBackendTimeout)
	}
}

var _ provider.Provider = (*Backend)(nil)

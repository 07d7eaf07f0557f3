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

// Package tpm2 adapts a TPM 2.0 to the provider contract. TPM 2.0 specifies
// NIST curves only, so the adapter serves ecdsa-p256 keys and reports every
// Bitcoin-curve request as unsupported rather than faking secp256k1 in
// software. Keys are created as primaries under the owner hierarchy and
// persisted with EvictControl; the key record's Handle field carries the
// persistent handle.
package tpm2

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/uuid"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/provider"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

const defaultPersistentRangeStart = 0x81008000

// signing key template: P-256, ECDSA-SHA256 fixed at creation so Sign
// needs no scheme negotiation.
var p256SigningTemplate = tpm2.TPMTPublic{
	Type:    tpm2.TPMAlgECC,
	NameAlg: tpm2.TPMAlgSHA256,
	ObjectAttributes: tpm2.TPMAObject{
		FixedTPM:            true,
		FixedParent:         true,
		SensitiveDataOrigin: true,
		UserWithAuth:        true,
		SignEncrypt:         true,
	},
	Parameters: tpm2.NewTPMUPublicParms(
		tpm2.TPMAlgECC,
		&tpm2.TPMSECCParms{
			Scheme: tpm2.TPMTECCScheme{
				Scheme: tpm2.TPMAlgECDSA,
				Details: tpm2.NewTPMUAsymScheme(
					tpm2.TPMAlgECDSA,
					&tpm2.TPMSSigSchemeECDSA{HashAlg: tpm2.TPMAlgSHA256},
				),
			},
			CurveID: tpm2.TPMECCNistP256,
		},
	),
}

// Backend is the TPM 2.0 provider.
type Backend struct {
	transport transport.TPM
	store     keystore.Store
	ownerAuth []byte
	timeout   time.Duration
	logger    *logging.Logger

	mu         sync.Mutex
	nextHandle uint32
	closed     bool
}

// NewBackend creates the adapter and probes the TPM once to confirm the
// transport is live.
func NewBackend(config *Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("tpm2: invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	start := config.PersistentRangeStart
	if start == 0 {
		start = defaultPersistentRangeStart
	}

	b := &Backend{
		transport:  config.Transport,
		store:      config.Store,
		ownerAuth:  config.OwnerAuth,
		timeout:    timeout,
		logger:     logger,
		nextHandle: start,
	}
	if err := b.probe(context.Background()); err != nil {
		return nil, fmt.Errorf("tpm2: device probe failed: %v: %w", err, hsmerr.ErrBackendUnavailable)
	}
	return b, nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() types.BackendType {
	return types.BackendTPM2
}

// Status probes the TPM with a capability query.
func (b *Backend) Status(ctx context.Context) (types.ProviderStatus, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return types.ProviderStatus{State: types.StateShuttingDown, Reason: "adapter closed"}, nil
	}
	if err := b.probe(ctx); err != nil {
		return types.ProviderStatus{State: types.StateDisconnected, Reason: err.Error()}, nil
	}
	return types.ProviderStatus{State: types.StateReady}, nil
}

// Capabilities: hardware-backed NIST ECDSA only. No secp256k1, no BIP340,
// no hierarchical derivation.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		Signing:        true,
		Secp256k1:      false,
		SchnorrBIP340:  false,
		Derivation:     false,
		AdaptorSigning: false,
		HardwareBacked: true,
		MaxParallelOps: 1,
	}
}

// GenerateKey creates a P-256 signing primary and persists it. path is
// recorded for bookkeeping only; the TPM has no BIP32 tree.
func (b *Backend) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	if algo != types.AlgECDSAP256 {
		return nil, fmt.Errorf("tpm2: algorithm %s requires a secp256k1-capable backend: %w",
			algo, hsmerr.ErrUnsupportedKeyType)
	}

	handle := b.allocateHandle()

	var pubBytes []byte
	err := b.execute(ctx, func() error {
		primary, err := tpm2.CreatePrimary{
			PrimaryHandle: tpm2.AuthHandle{
				Handle: tpm2.TPMRHOwner,
				Auth:   tpm2.PasswordAuth(b.ownerAuth),
			},
			InPublic: tpm2.New2B(p256SigningTemplate),
		}.Execute(b.transport)
		if err != nil {
			return fmt.Errorf("create primary: %w", err)
		}
		defer func() {
			_, _ = tpm2.FlushContext{FlushHandle: primary.ObjectHandle}.Execute(b.transport)
		}()

		_, err = tpm2.EvictControl{
			Auth: tpm2.AuthHandle{
				Handle: tpm2.TPMRHOwner,
				Auth:   tpm2.PasswordAuth(b.ownerAuth),
			},
			ObjectHandle: &tpm2.NamedHandle{
				Handle: primary.ObjectHandle,
				Name:   primary.Name,
			},
			PersistentHandle: tpm2.TPMHandle(handle),
		}.Execute(b.transport)
		if err != nil {
			return fmt.Errorf("evict control: %w", err)
		}

		pub, err := primary.OutPublic.Contents()
		if err != nil {
			return fmt.Errorf("public contents: %w", err)
		}
		pubBytes, err = eccPublicBytes(pub)
		return err
	})
	if err != nil {
		return nil, err
	}

	record := &types.KeyRecord{
		ID:        uuid.NewString(),
		Algorithm: types.AlgECDSAP256,
		Path:      path,
		Backend:   types.BackendTPM2,
		PublicKey: pubBytes,
		Handle:    formatHandle(handle),
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.Put(record, nil); err != nil {
		return nil, err
	}
	return record, nil
}

// DeriveChild is unsupported: persistent TPM objects are not a BIP32 tree.
func (b *Backend) DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error) {
	return nil, fmt.Errorf("tpm2: child derivation: %w", hsmerr.ErrUnsupportedKeyType)
}

// Sign produces a DER-encoded ECDSA-SHA256 signature over a 32-byte digest.
func (b *Backend) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	if req.Algorithm != types.AlgECDSAP256 {
		return nil, fmt.Errorf("tpm2: algorithm %s: %w", req.Algorithm, hsmerr.ErrUnsupportedKeyType)
	}
	if req.Tweak != nil || req.AdaptorPoint != nil {
		return nil, fmt.Errorf("tpm2: taproot and adaptor signing: %w", hsmerr.ErrUnsupportedKeyType)
	}
	if len(req.Digest) != 32 {
		return nil, fmt.Errorf("tpm2: digest must be 32 bytes, got %d", len(req.Digest))
	}

	record, err := b.store.GetPublic(req.KeyID)
	if err != nil {
		return nil, err
	}
	if record.Retired {
		return nil, fmt.Errorf("tpm2: key %s is retired: %w", req.KeyID, hsmerr.ErrOperationDenied)
	}
	handle, err := parseHandle(record.Handle)
	if err != nil {
		return nil, err
	}

	var sig []byte
	err = b.execute(ctx, func() error {
		pub, err := tpm2.ReadPublic{
			ObjectHandle: tpm2.TPMHandle(handle),
		}.Execute(b.transport)
		if err != nil {
			return fmt.Errorf("read public 0x%08x: %w", handle, err)
		}

		signResp, err := tpm2.Sign{
			KeyHandle: tpm2.AuthHandle{
				Handle: tpm2.TPMHandle(handle),
				Name:   pub.Name,
				Auth:   tpm2.PasswordAuth(nil),
			},
			Digest: tpm2.TPM2BDigest{Buffer: req.Digest},
			InScheme: tpm2.TPMTSigScheme{
				Scheme: tpm2.TPMAlgECDSA,
				Details: tpm2.NewTPMUSigScheme(
					tpm2.TPMAlgECDSA,
					&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
				),
			},
			Validation: tpm2.TPMTTKHashCheck{
				Tag: tpm2.TPMSTHashCheck,
			},
		}.Execute(b.transport)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}

		ecdsaSig, err := signResp.Signature.Signature.ECDSA()
		if err != nil {
			return fmt.Errorf("extract signature: %w", err)
		}
		sig, err = encodeDER(ecdsaSig.SignatureR.Buffer, ecdsaSig.SignatureS.Buffer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify checks a DER signature against a SEC1 uncompressed P-256 key.
// Runs in software; no TPM round-trip.
func (b *Backend) Verify(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	if algo != types.AlgECDSAP256 {
		return false, fmt.Errorf("tpm2: algorithm %s: %w", algo, hsmerr.ErrUnsupportedKeyType)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pubKey)
	if x == nil {
		return false, nil
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.VerifyASN1(pub, digest, sig), nil
}

// DestroyKey evicts the persistent object and removes the record.
func (b *Backend) DestroyKey(ctx context.Context, keyID string) error {
	record, err := b.store.GetPublic(keyID)
	if err != nil {
		return err
	}
	handle, err := parseHandle(record.Handle)
	if err != nil {
		return err
	}

	err = b.execute(ctx, func() error {
		pub, err := tpm2.ReadPublic{
			ObjectHandle: tpm2.TPMHandle(handle),
		}.Execute(b.transport)
		if err != nil {
			return fmt.Errorf("read public 0x%08x: %w", handle, err)
		}
		// Evicting a persistent handle from itself deletes it.
		_, err = tpm2.EvictControl{
			Auth: tpm2.AuthHandle{
				Handle: tpm2.TPMRHOwner,
				Auth:   tpm2.PasswordAuth(b.ownerAuth),
			},
			ObjectHandle: &tpm2.NamedHandle{
				Handle: tpm2.TPMHandle(handle),
				Name:   pub.Name,
			},
			PersistentHandle: tpm2.TPMHandle(handle),
		}.Execute(b.transport)
		if err != nil {
			return fmt.Errorf("evict 0x%08x: %w", handle, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.store.Destroy(keyID)
}

// Close releases the transport.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if closer, ok := b.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// execute runs one TPM command sequence under the adapter mutex (the TPM
// processes one command at a time) with the configured timeout enforced
// from the caller's side. The TPM keeps executing past a timeout; the
// caller just stops waiting.
func (b *Backend) execute(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("tpm2: adapter closed: %w", hsmerr.ErrBackendUnavailable)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("tpm2: %v: %w", err, hsmerr.ErrBackendUnavailable)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tpm2: command: %w", hsmerr.ErrBackendTimeout)
	}
}

// probe issues a cheap capability query to confirm the TPM answers.
func (b *Backend) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := tpm2.GetCapability{
			Capability:    tpm2.TPMCapTPMProperties,
			Property:      uint32(tpm2.TPMPTManufacturer),
			PropertyCount: 1,
		}.Execute(b.transport)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("capability probe: %w", hsmerr.ErrBackendTimeout)
	}
}

func (b *Backend) allocateHandle() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.nextHandle
	b.nextHandle++
	return h
}

// eccPublicBytes converts a TPM ECC public area into SEC1 uncompressed
// point encoding.
func eccPublicBytes(pub *tpm2.TPMTPublic) ([]byte, error) {
	eccUnique, err := pub.Unique.ECC()
	if err != nil {
		return nil, fmt.Errorf("ecc unique: %w", err)
	}
	x := new(big.Int).SetBytes(eccUnique.X.Buffer)
	y := new(big.Int).SetBytes(eccUnique.Y.Buffer)
	return elliptic.Marshal(elliptic.P256(), x, y), nil
}

// encodeDER packs raw R and S into the ASN.1 form VerifyASN1 expects.
func encodeDER(r, s []byte) ([]byte, error) {
	der, err := asn1.Marshal(struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(r),
		S: new(big.Int).SetBytes(s),
	})
	if err != nil {
		return nil, fmt.Errorf("encode signature: %w", err)
	}
	return der, nil
}

func formatHandle(h uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], h)
	return "0x" + hex.EncodeToString(buf[:])
}

func parseHandle(s string) (uint32, error) {
	if len(s) != 10 || s[:2] != "0x" {
		return 0, fmt.Errorf("tpm2: malformed persistent handle %q", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return 0, fmt.Errorf("tpm2: malformed persistent handle %q", s)
	}
	return binary.BigEndian.Uint32(raw), nil
}

var _ provider.Provider = (*Backend)(nil)

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

// Package provider defines the capability contract every custody backend
// implements. One implementation exists per backend variant; backend quirks
// stay inside their package and never leak through this interface.
//
// Providers are never called directly by application code. The HSM manager
// is the single guarded entry point and owns the activation gate in front
// of every provider method.
package provider

import (
	"context"

	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// Provider is the uniform operation surface over all backends.
//
// Error contract: GenerateKey fails with hsmerr.ErrUnsupportedKeyType when
// the backend cannot produce the algorithm; Sign fails with
// hsmerr.ErrKeyNotFound, hsmerr.ErrBackendUnavailable,
// hsmerr.ErrBackendTimeout, or hsmerr.ErrOperationDenied. Verify is a pure
// function over public data: no side effects and no secret access.
//
// Nonce discipline: Schnorr signing uses btcec's deterministic RFC6979-style
// nonces in every in-process backend; hardware backends delegate the
// guarantee to the device. No backend may reuse a nonce across calls for
// the same key and message.
type Provider interface {
	// Type identifies the backend variant.
	Type() types.BackendType

	// Status reports the backend lifecycle state. Called by the manager
	// before activation and after transport-level timeouts.
	Status(ctx context.Context) (types.ProviderStatus, error)

	// Capabilities reports what the backend supports. Capability gaps are
	// surfaced here and via typed errors, never papered over.
	Capabilities() types.Capabilities

	// GenerateKey creates a new key, optionally at a BIP32 path for
	// backends that support derivation, and returns its public record.
	GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error)

	// DeriveChild derives the child key at index under an existing key.
	DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error)

	// Sign produces a signature (or adaptor pre-signature) for the request.
	Sign(ctx context.Context, req types.SigningRequest) ([]byte, error)

	// Verify checks sig over digest against a serialized public key.
	Verify(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error)

	// DestroyKey removes backend-side material for the key. The manager
	// pairs this with the store removal and audits both.
	DestroyKey(ctx context.Context, keyID string) error

	// Close releases backend resources. Further calls fail with
	// hsmerr.ErrBackendUnavailable.
	Close() error
}

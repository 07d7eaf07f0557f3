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

// Package types holds the shared value types and enumerations used across
// the custody core. It is intentionally dependency-free so every other
// package can import it without cycles.
package types

import "time"

// KeyAlgorithm identifies a signature algorithm a key is bound to.
type KeyAlgorithm string

const (
	// AlgECDSASecp256k1 is DER-encoded ECDSA over secp256k1 (Bitcoin legacy
	// and segwit-v0 signatures).
	AlgECDSASecp256k1 KeyAlgorithm = "ecdsa-secp256k1"

	// AlgSchnorrBIP340 is a 64-byte BIP340 Schnorr signature over secp256k1
	// (Taproot key- and script-path spends).
	AlgSchnorrBIP340 KeyAlgorithm = "schnorr-bip340"

	// AlgECDSAP256 is ASN.1 DER ECDSA over NIST P-256. Bitcoin never uses
	// this curve; it exists for hardware backends (TPM 2.0, PKCS#11 tokens)
	// that cannot provide secp256k1 but can still sign generic digests.
	AlgECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

// String returns the string representation of the algorithm.
func (a KeyAlgorithm) String() string {
	return string(a)
}

// Valid reports whether the algorithm is one the core understands.
func (a KeyAlgorithm) Valid() bool {
	switch a {
	case AlgECDSASecp256k1, AlgSchnorrBIP340, AlgECDSAP256:
		return true
	default:
		return false
	}
}

// BackendType identifies the provider backend a key lives behind.
type BackendType string

const (
	BackendSoftware BackendType = "software"
	BackendTPM2     BackendType = "tpm2"
	BackendPKCS11   BackendType = "pkcs11"
	BackendHWWallet BackendType = "hwwallet"
)

// String returns the string representation of the backend type.
func (b BackendType) String() string {
	return string(b)
}

// AddressKind selects the Bitcoin address encoding derived for a key.
type AddressKind string

const (
	AddressLegacy     AddressKind = "legacy"      // P2PKH, base58
	AddressP2SHSegWit AddressKind = "p2sh-segwit" // P2WPKH nested in P2SH
	AddressSegWit     AddressKind = "segwit"      // native P2WPKH, bech32
	AddressTaproot    AddressKind = "taproot"     // P2TR, bech32m
)

// ProviderState is the lifecycle state a provider reports.
type ProviderState string

const (
	StateInitializing ProviderState = "initializing"
	StateReady        ProviderState = "ready"
	StateError        ProviderState = "error"
	StateDisconnected ProviderState = "disconnected"
	StateShuttingDown ProviderState = "shutting-down"
	StateDisabled     ProviderState = "disabled"
)

// ProviderStatus is a provider state plus an optional human-readable reason.
// Reason is only populated for non-Ready states.
type ProviderStatus struct {
	State  ProviderState
	Reason string
}

// Ready reports whether the provider can accept operations.
func (s ProviderStatus) Ready() bool {
	return s.State == StateReady
}

// Capabilities reports what a backend can do. The manager and the Bitcoin
// key layer consult this instead of probing with throwaway operations.
type Capabilities struct {
	// Signing is true when the backend can produce signatures at all.
	Signing bool

	// Secp256k1 is true when the backend provides the secp256k1 curve.
	Secp256k1 bool

	// SchnorrBIP340 is true when the backend can produce BIP340 signatures.
	// Never inferred: a backend without native Schnorr must report false
	// rather than downgrading to ECDSA.
	SchnorrBIP340 bool

	// Derivation is true when the backend supports BIP32 child derivation.
	Derivation bool

	// AdaptorSigning is true when the backend can produce Schnorr adaptor
	// pre-signatures (required by the DLC engine).
	AdaptorSigning bool

	// HardwareBacked is true when private material lives outside the
	// process boundary.
	HardwareBacked bool

	// MaxParallelOps caps concurrent backend calls. Zero means unlimited;
	// one means the device serializes internally and the adapter queues.
	MaxParallelOps int
}

// TaprootTweak carries the script-tree commitment applied to a key before
// signing. A non-nil tweak with an empty MerkleRoot is the BIP341
// key-path-only commitment; nil means sign with the untweaked key.
type TaprootTweak struct {
	MerkleRoot []byte
}

// KeyRecord is the durable, public description of a managed key. It is a
// capability token: no field ever carries private material, and providers
// reject records as input for anything but lookups by ID.
type KeyRecord struct {
	// ID is the opaque unique identifier assigned at generation.
	ID string

	// Algorithm the key signs with.
	Algorithm KeyAlgorithm

	// Path is the BIP32 derivation path the key was generated at, empty for
	// non-derived keys.
	Path string

	// Backend tags which provider holds the key.
	Backend BackendType

	// PublicKey is the serialized public key: 33-byte compressed SEC1 for
	// ECDSA keys, 32-byte x-only for BIP340 keys.
	PublicKey []byte

	// TaprootMerkleRoot is the script-tree root committed to at derivation
	// time, when the key backs a Taproot output with a script path.
	TaprootMerkleRoot []byte

	// Handle is the backend-side reference for hardware-held keys
	// (persistent TPM handle, PKCS#11 object ID, device key index).
	// Empty for software keys.
	Handle string

	// CreatedAt is the generation timestamp.
	CreatedAt time.Time

	// Retired marks a rotated key. Retired keys may verify but not sign.
	Retired bool
}

// Clone returns a deep copy so callers can hand records out without
// aliasing the store's slices.
func (r *KeyRecord) Clone() *KeyRecord {
	if r == nil {
		return nil
	}
	dup := *r
	dup.PublicKey = append([]byte(nil), r.PublicKey...)
	dup.TaprootMerkleRoot = append([]byte(nil), r.TaprootMerkleRoot...)
	return &dup
}

// SigningRequest describes one signature operation. It is a transient value
// object: consumed exactly once and never persisted beyond the audit trail.
type SigningRequest struct {
	// KeyID references the record to sign with.
	KeyID string

	// Digest is the 32-byte message digest to sign.
	Digest []byte

	// Algorithm selects the signature scheme; must match the key's.
	Algorithm KeyAlgorithm

	// Tweak, when non-nil, applies the BIP341 Taproot output-key tweak
	// before signing. Only meaningful with AlgSchnorrBIP340.
	Tweak *TaprootTweak

	// AdaptorPoint, when set, requests a Schnorr adaptor pre-signature
	// encrypted under this 33-byte compressed point instead of a plain
	// signature. Only meaningful with AlgSchnorrBIP340.
	AdaptorPoint []byte
}

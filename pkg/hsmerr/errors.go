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

// Package hsmerr defines the stable error taxonomy of the custody core.
// Every failure a caller can see wraps one of these sentinels, so callers
// dispatch with errors.Is while log pipelines use the Kind string.
// Error messages never contain key material.
package hsmerr

import "errors"

var (
	// ErrDisabled is returned for any operation issued while the manager's
	// activation gate is closed. Recoverable by calling Enable.
	ErrDisabled = errors.New("hsm: disabled")

	// ErrActivation is returned when Enable fails because the selected
	// provider does not report Ready.
	ErrActivation = errors.New("hsm: activation failed")

	// ErrKeyNotFound is returned when the referenced key does not exist or
	// has been destroyed.
	ErrKeyNotFound = errors.New("hsm: key not found")

	// ErrDuplicateKey is returned when a key record with the same ID
	// already exists.
	ErrDuplicateKey = errors.New("hsm: duplicate key")

	// ErrUnsupportedKeyType is returned when the active backend cannot
	// produce or use the requested algorithm. Never silently downgraded;
	// not retryable without changing the request.
	ErrUnsupportedKeyType = errors.New("hsm: unsupported key type")

	// ErrUnsupportedAddressKind is returned by the Bitcoin key layer for an
	// address kind it cannot render.
	ErrUnsupportedAddressKind = errors.New("hsm: unsupported address kind")

	// ErrBackendUnavailable is returned when the backend device or module
	// is disconnected. Transient; retryable with backoff.
	ErrBackendUnavailable = errors.New("hsm: backend unavailable")

	// ErrBackendTimeout is returned when a backend call exceeds its bounded
	// timeout. Transient; the adapter re-checks device status before
	// permitting a retry.
	ErrBackendTimeout = errors.New("hsm: backend timeout")

	// ErrOperationDenied is returned for a policy or in-device refusal.
	// Not retryable.
	ErrOperationDenied = errors.New("hsm: operation denied")

	// ErrMalformedPsbt is returned when a PSBT fails structural validation.
	ErrMalformedPsbt = errors.New("hsm: malformed psbt")

	// ErrInvalidDerivationPath is returned for derivation paths that do not
	// parse or violate the purpose rules for the requested address kind.
	ErrInvalidDerivationPath = errors.New("hsm: invalid derivation path")

	// ErrAttestationMismatch is returned when an oracle attestation does
	// not correspond to any prepared contract outcome.
	ErrAttestationMismatch = errors.New("hsm: attestation mismatch")
)

// kinds maps sentinels to their stable machine-readable kind strings.
var kinds = map[error]string{
	ErrDisabled:               "disabled",
	ErrActivation:             "activation-error",
	ErrKeyNotFound:            "key-not-found",
	ErrDuplicateKey:           "duplicate-key",
	ErrUnsupportedKeyType:     "unsupported-key-type",
	ErrUnsupportedAddressKind: "unsupported-address-kind",
	ErrBackendUnavailable:     "backend-unavailable",
	ErrBackendTimeout:         "backend-timeout",
	ErrOperationDenied:        "operation-denied",
	ErrMalformedPsbt:          "malformed-psbt",
	ErrInvalidDerivationPath:  "invalid-derivation-path",
	ErrAttestationMismatch:    "attestation-mismatch",
}

// Kind returns the stable kind string for err, walking the wrap chain.
// Unrecognized errors report "internal".
func Kind(err error) string {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return "internal"
}

// Retryable reports whether the error class is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrBackendTimeout)
}

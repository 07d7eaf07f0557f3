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

package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Envelope seals and opens key blobs with AES-256-GCM under a key derived
// from a master secret via HKDF-SHA256. The master secret comes from the
// external secrets loader at construction time and is the only way to open
// blobs the Store hands back: the store itself never holds the envelope.
type Envelope struct {
	aead cipher.AEAD
}

// envelopeInfo domain-separates the HKDF expansion from any other use of
// the same master secret.
const envelopeInfo = "btchsm/keystore/envelope/v1"

// NewEnvelope derives the sealing key from masterSecret. The secret must
// carry at least 16 bytes of entropy.
func NewEnvelope(masterSecret []byte) (*Envelope, error) {
	if len(masterSecret) < 16 {
		return nil, fmt.Errorf("keystore: master secret too short: %d bytes", len(masterSecret))
	}

	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(envelopeInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("keystore: derive envelope key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: init gcm: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext, binding it to the owning key ID so a blob cannot
// be swapped between records. Output layout: nonce || ciphertext.
func (e *Envelope) Seal(keyID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, []byte(keyID))
	return sealed, nil
}

// Open decrypts a sealed blob. GCM's tag check is constant-time, so a
// tampered blob and a wrong key ID are indistinguishable to a caller
// timing this path.
func (e *Envelope) Open(keyID string, sealed []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("keystore: sealed blob truncated")
	}
	plaintext, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("keystore: open sealed blob: %w", err)
	}
	return plaintext, nil
}

// zero wipes sensitive data from memory.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

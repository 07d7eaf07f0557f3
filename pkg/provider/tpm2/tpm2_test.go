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

package tpm2

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-tech/go-btchsm/pkg/keystore"
)

// fakeTPM satisfies the transport interface for config validation; it is
// never sent a command in these tests.
type fakeTPM struct{}

func (fakeTPM) Send(input []byte) ([]byte, error) { return nil, nil }

func TestConfigValidate(t *testing.T) {
	var nilConfig *Config
	assert.Error(t, nilConfig.Validate())

	assert.Error(t, (&Config{Store: keystore.NewMemoryStore()}).Validate(), "missing transport")
	assert.Error(t, (&Config{Transport: fakeTPM{}}).Validate(), "missing store")

	valid := &Config{Transport: fakeTPM{}, Store: keystore.NewMemoryStore()}
	assert.NoError(t, valid.Validate())

	valid.PersistentRangeStart = 0x81008000
	assert.NoError(t, valid.Validate())

	valid.PersistentRangeStart = 0x80000000
	assert.Error(t, valid.Validate(), "below persistent handle space")

	valid.PersistentRangeStart = 0x82000000
	assert.Error(t, valid.Validate(), "above persistent handle space")
}

func TestHandleRoundTrip(t *testing.T) {
	for _, h := range []uint32{0x81000000, 0x81008000, 0x81FFFFFF} {
		s := formatHandle(h)
		assert.Len(t, s, 10)
		parsed, err := parseHandle(s)
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
	}

	for _, s := range []string{"", "81008000", "0x8100", "0xZZZZZZZZ", "0x810080001"} {
		_, err := parseHandle(s)
		assert.Error(t, err, "handle %q", s)
	}
}

func TestEncodeDERVerifies(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("tpm ecdsa encoding"))

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	der, err := encodeDER(r.Bytes(), s.Bytes())
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest[:], der))
}

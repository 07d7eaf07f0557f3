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

package hwwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// verifyPublic checks a signature over public material. Malformed keys or
// signatures verify false without error; only an unusable algorithm is an
// error.
func verifyPublic(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	switch algo {
	case types.AlgSchnorrBIP340:
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
		return false, fmt.Errorf("hwwallet: algorithm %s: %w", algo, hsmerr.ErrUnsupportedKeyType)
	}
}

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

package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AdaptorSignatureSize is the serialized size: 33-byte compressed combined
// nonce point followed by the 32-byte pre-signature scalar.
const AdaptorSignatureSize = 65

// adaptorNonceTag domain-separates the deterministic presign nonce from
// every other tagged hash in the system.
var adaptorNonceTag = []byte("btchsm/adaptor/nonce")

// AdaptorSignature is a Schnorr pre-signature encrypted under an adaptor
// point T. Anyone holding the discrete log t of T can complete it into a
// BIP340 signature; the completed signature in turn reveals t to the
// pre-signer. It carries no information about which contract outcome it
// belongs to.
type AdaptorSignature struct {
	// R is the 33-byte compressed combined nonce point R' = kG + T. The
	// presign loop guarantees even Y, so R[0] is always 0x02.
	R []byte

	// SPrime is the 32-byte pre-signature scalar s' = k + e*d.
	SPrime []byte
}

// Serialize returns the 65-byte wire form.
func (a *AdaptorSignature) Serialize() []byte {
	out := make([]byte, 0, AdaptorSignatureSize)
	out = append(out, a.R...)
	out = append(out, a.SPrime...)
	return out
}

// ParseAdaptorSignature parses the 65-byte wire form.
func ParseAdaptorSignature(b []byte) (*AdaptorSignature, error) {
	if len(b) != AdaptorSignatureSize {
		return nil, fmt.Errorf("bitcoin: adaptor signature must be %d bytes, got %d",
			AdaptorSignatureSize, len(b))
	}
	if b[0] != 0x02 {
		return nil, fmt.Errorf("bitcoin: adaptor nonce point must have even Y")
	}
	if _, err := btcec.ParsePubKey(b[:33]); err != nil {
		return nil, fmt.Errorf("bitcoin: adaptor nonce point: %w", err)
	}
	return &AdaptorSignature{
		R:      append([]byte(nil), b[:33]...),
		SPrime: append([]byte(nil), b[33:]...),
	}, nil
}

// AdaptorSign produces a Schnorr adaptor pre-signature over digest with
// priv, encrypted under the 33-byte compressed adaptorPoint.
//
// The nonce is deterministic: a tagged hash over the secret key, digest and
// adaptor point, iterated with a counter until the combined point R' has
// even Y so the completed signature parses as BIP340. Determinism keeps the
// no-nonce-reuse guarantee trivially auditable and makes presignatures
// reproducible for the same contract.
func AdaptorSign(priv *btcec.PrivateKey, digest, adaptorPoint []byte) (*AdaptorSignature, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("bitcoin: digest must be 32 bytes, got %d", len(digest))
	}
	tPub, err := btcec.ParsePubKey(adaptorPoint)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: adaptor point: %w", err)
	}

	// BIP340 key conventions: the effective secret corresponds to the
	// even-Y public key.
	var d btcec.ModNScalar
	d.Set(&priv.Key)
	pub := priv.PubKey()
	if pub.SerializeCompressed()[0] == 0x03 {
		d.Negate()
	}
	defer d.Zero()
	px := schnorr.SerializePubKey(pub)

	var tj btcec.JacobianPoint
	tPub.AsJacobian(&tj)

	dBytes := d.Bytes()
	defer zeroBytes(dBytes[:])

	var k btcec.ModNScalar
	var combined btcec.JacobianPoint
	for counter := byte(0); ; counter++ {
		if counter == 255 {
			return nil, fmt.Errorf("bitcoin: adaptor nonce generation failed")
		}
		nonce := chainhash.TaggedHash(adaptorNonceTag,
			dBytes[:], digest, adaptorPoint, []byte{counter})
		if overflow := k.SetBytes((*[32]byte)(nonce)); overflow > 0 || k.IsZero() {
			continue
		}

		var rj btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(&k, &rj)
		btcec.AddNonConst(&rj, &tj, &combined)
		if (combined.X.IsZero() && combined.Y.IsZero()) || combined.Z.IsZero() {
			continue
		}
		combined.ToAffine()
		if !combined.Y.IsOdd() {
			break
		}
	}
	defer k.Zero()

	rx := combined.X.Bytes()
	chal := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rx[:], px, digest)
	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(chal))

	var s btcec.ModNScalar
	s.Mul2(&e, &d).Add(&k)
	sBytes := s.Bytes()

	rPoint := btcec.NewPublicKey(&combined.X, &combined.Y)
	return &AdaptorSignature{
		R:      rPoint.SerializeCompressed(),
		SPrime: sBytes[:],
	}, nil
}

// AdaptorVerify checks that the pre-signature is valid for digest under the
// x-only public key and adaptor point: s'G + T must equal R' + eP. A
// verified adaptor guarantees that completing it with T's discrete log
// yields a valid BIP340 signature.
func AdaptorVerify(sig *AdaptorSignature, pubKey, digest, adaptorPoint []byte) error {
	if len(digest) != 32 {
		return fmt.Errorf("bitcoin: digest must be 32 bytes, got %d", len(digest))
	}
	if len(pubKey) == 33 {
		pubKey = pubKey[1:]
	}
	pub, err := schnorr.ParsePubKey(pubKey)
	if err != nil {
		return fmt.Errorf("bitcoin: public key: %w", err)
	}
	// BIP340 implies even Y on the final nonce. An odd-Y R' can satisfy the
	// equation below yet never complete into a verifiable signature, so it
	// is rejected before any point arithmetic.
	if len(sig.R) != 33 || sig.R[0] != 0x02 {
		return fmt.Errorf("bitcoin: adaptor nonce point must have even Y")
	}
	rPoint, err := btcec.ParsePubKey(sig.R)
	if err != nil {
		return fmt.Errorf("bitcoin: adaptor nonce point: %w", err)
	}
	tPub, err := btcec.ParsePubKey(adaptorPoint)
	if err != nil {
		return fmt.Errorf("bitcoin: adaptor point: %w", err)
	}
	var sPrime btcec.ModNScalar
	if overflow := sPrime.SetByteSlice(sig.SPrime); overflow {
		return fmt.Errorf("bitcoin: pre-signature scalar overflows")
	}

	// Left side: s'G + T.
	var sg, tj, lhs btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&sPrime, &sg)
	tPub.AsJacobian(&tj)
	btcec.AddNonConst(&sg, &tj, &lhs)

	// Right side: R' + eP.
	rx := sig.R[1:33]
	chal := chainhash.TaggedHash(chainhash.TagBIP0340Challenge,
		rx, schnorr.SerializePubKey(pub), digest)
	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(chal))

	var pj, ep, rj, rhs btcec.JacobianPoint
	pub.AsJacobian(&pj)
	btcec.ScalarMultNonConst(&e, &pj, &ep)
	rPoint.AsJacobian(&rj)
	btcec.AddNonConst(&rj, &ep, &rhs)

	lhs.ToAffine()
	rhs.ToAffine()
	if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
		return fmt.Errorf("bitcoin: adaptor signature does not verify")
	}
	return nil
}

// AdaptorFinalize completes a pre-signature with the 32-byte adaptor
// secret, returning a 64-byte BIP340 signature. The caller remains
// responsible for verifying the result against the signing key.
func AdaptorFinalize(sig *AdaptorSignature, secret []byte) ([]byte, error) {
	var t btcec.ModNScalar
	if overflow := t.SetByteSlice(secret); overflow || t.IsZero() {
		return nil, fmt.Errorf("bitcoin: adaptor secret out of range")
	}
	defer t.Zero()

	var sPrime btcec.ModNScalar
	if overflow := sPrime.SetByteSlice(sig.SPrime); overflow {
		return nil, fmt.Errorf("bitcoin: pre-signature scalar overflows")
	}

	var s btcec.ModNScalar
	s.Add2(&sPrime, &t)
	sBytes := s.Bytes()

	out := make([]byte, 0, schnorr.SignatureSize)
	out = append(out, sig.R[1:33]...)
	out = append(out, sBytes[:]...)
	return out, nil
}

// zeroBytes wipes sensitive data from memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

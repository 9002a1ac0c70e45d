// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// producer creates fresh signatures for one input of an immutable
// transaction snapshot.
type producer struct {
	tx        *wire.MsgTx
	idx       int
	amount    int64
	hashType  txscript.SigHashType
	keys      KeyStore
	sigHashes *txscript.TxSigHashes
}

// produce builds as much of the unlocking content for pkScript as the key
// store allows. The boolean reports whether the result fully satisfies the
// script's form. A partial result is still returned so it can be combined
// with the existing signatures.
func (p *producer) produce(pkScript []byte) (Solution, bool) {
	var sol Solution

	stack, resolved, solved := p.signStep(pkScript, sigVersionBase)

	// A P2SH output resolves to its redeem script, which we sign in turn.
	// The redeem script is pushed last even when it could only be
	// partially satisfied.
	var (
		redeemScript []byte
		isP2SH       bool
	)
	if _, ok := resolved.(scriptHash); ok && solved {
		redeemScript = stack[0]
		isP2SH = true

		stack, resolved, solved = p.signStep(
			redeemScript, sigVersionBase,
		)
		if _, nested := resolved.(scriptHash); nested {
			solved = false
		}
	}

	// Witness programs move the signatures into the witness stack, either
	// directly or nested inside the P2SH redeem script above.
	if solved {
		switch s := resolved.(type) {
		case witnessPubKeyHash:
			scriptCode := payToPubKeyHashScript(s.keyHash)

			sol.Witness, _, solved = p.signStep(
				scriptCode, sigVersionWitnessV0,
			)
			stack = nil

		case witnessScriptHash:
			witnessScript := stack[0]

			var inner shape
			sol.Witness, inner, solved = p.signStep(
				witnessScript, sigVersionWitnessV0,
			)
			solved = solved && !isScriptHashShape(inner)

			sol.Witness = append(sol.Witness, witnessScript)
			stack = nil
		}
	}

	if isP2SH {
		stack = append(stack, redeemScript)
	}
	sol.Script = stack

	return sol, solved
}

// signStep produces the stack satisfying a single script level. For script
// hash shapes the stack holds the resolved script and the caller continues
// one level down.
func (p *producer) signStep(script []byte,
	version sigVersion) ([][]byte, shape, bool) {

	s := classify(script)

	switch s := s.(type) {
	case payToPubKey:
		sig, ok := p.sign(s.pubKey, script, version)
		if !ok {
			return nil, s, false
		}

		return [][]byte{sig}, s, true

	case payToPubKeyHash:
		return p.signKeyHash(s.keyHash, script, version, s)

	case witnessPubKeyHash:
		// The key must be known for the witness step to succeed, so
		// check it here like the legacy form does.
		if p.keys.FindKey(s.keyHash).IsNone() {
			return nil, s, false
		}

		return [][]byte{s.keyHash}, s, true

	case scriptHash:
		redeem, err := p.keys.FindScript(s.scriptHash).UnwrapOrErr(
			errNoScript,
		)
		if err != nil {
			return nil, s, false
		}

		return [][]byte{redeem}, s, true

	case witnessScriptHash:
		id := witnessScriptID(s.scriptHash)
		witnessScript, err := p.keys.FindScript(id).UnwrapOrErr(
			errNoScript,
		)
		if err != nil {
			return nil, s, false
		}

		return [][]byte{witnessScript}, s, true

	case multiSig:
		// Multisig production emits the dummy element followed by the
		// signatures we could make in key order. Missing signatures
		// are left for combination to pad.
		stack := [][]byte{{}}
		signed := 0
		for _, pubKey := range s.pubKeys {
			if signed >= s.required {
				break
			}

			sig, ok := p.sign(pubKey, script, version)
			if !ok {
				continue
			}

			stack = append(stack, sig)
			signed++
		}

		return stack, s, signed == s.required

	default:
		return nil, s, false
	}
}

// signKeyHash signs for a key hash and returns the signature followed by the
// public key whose hash matches.
func (p *producer) signKeyHash(keyHash, script []byte, version sigVersion,
	s shape) ([][]byte, shape, bool) {

	privKey, err := p.keys.FindKey(keyHash).UnwrapOrErr(errNoKey)
	if err != nil {
		return nil, s, false
	}

	pubKey := matchingPubKey(privKey, keyHash)
	if pubKey == nil {
		return nil, s, false
	}

	sig, ok := p.signWithKey(privKey, script, version)
	if !ok {
		return nil, s, false
	}

	return [][]byte{sig, pubKey}, s, true
}

// sign creates a signature for the key behind the serialized pubKey.
func (p *producer) sign(pubKey, script []byte, version sigVersion) ([]byte,
	bool) {

	privKey, err := p.keys.FindKey(btcutil.Hash160(pubKey)).UnwrapOrErr(
		errNoKey,
	)
	if err != nil {
		return nil, false
	}

	return p.signWithKey(privKey, script, version)
}

// signWithKey signs the input digest for the given script code.
func (p *producer) signWithKey(privKey *btcec.PrivateKey, script []byte,
	version sigVersion) ([]byte, bool) {

	var (
		sig []byte
		err error
	)
	switch version {
	case sigVersionWitnessV0:
		sig, err = txscript.RawTxInWitnessSignature(
			p.tx, p.sigHashes, p.idx, p.amount, script,
			p.hashType, privKey,
		)

	default:
		sig, err = txscript.RawTxInSignature(
			p.tx, p.idx, script, p.hashType, privKey,
		)
	}
	if err != nil {
		log.Debugf("Unable to sign input %d: %v", p.idx, err)
		return nil, false
	}

	return sig, true
}

// matchingPubKey returns the serialization of the key's public half that
// hashes to keyHash, or nil if neither form does.
func matchingPubKey(privKey *btcec.PrivateKey, keyHash []byte) []byte {
	compressed := privKey.PubKey().SerializeCompressed()
	if bytes.Equal(btcutil.Hash160(compressed), keyHash) {
		return compressed
	}

	uncompressed := privKey.PubKey().SerializeUncompressed()
	if bytes.Equal(btcutil.Hash160(uncompressed), keyHash) {
		return uncompressed
	}

	return nil
}

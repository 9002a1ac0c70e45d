// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// sigVersion selects the signature digest algorithm used for a script.
type sigVersion uint8

const (
	// sigVersionBase is the legacy digest of pre-segwit scripts.
	sigVersionBase sigVersion = iota

	// sigVersionWitnessV0 is the BIP 143 digest of version 0 witness
	// programs.
	sigVersionWitnessV0
)

// shape is the recognized form of a locking script. The set is closed: every
// script classifies into exactly one of the types below.
type shape interface {
	isShape()
}

// nonStandard is any script whose form is not recognized. It can never be
// signed, only carried forward.
type nonStandard struct{}

// nullData is an unspendable data carrier output.
type nullData struct{}

// payToPubKey pays to a bare public key.
type payToPubKey struct {
	pubKey []byte
}

// payToPubKeyHash pays to the HASH160 of a public key.
type payToPubKeyHash struct {
	keyHash []byte
}

// multiSig is a bare m-of-n CHECKMULTISIG script.
type multiSig struct {
	required int
	pubKeys  [][]byte
}

// scriptHash pays to the HASH160 of a redeem script.
type scriptHash struct {
	scriptHash []byte
}

// witnessPubKeyHash is a version 0 witness program committing to a key hash.
type witnessPubKeyHash struct {
	keyHash []byte
}

// witnessScriptHash is a version 0 witness program committing to the SHA256
// of a witness script.
type witnessScriptHash struct {
	scriptHash []byte
}

func (nonStandard) isShape()       {}
func (nullData) isShape()          {}
func (payToPubKey) isShape()       {}
func (payToPubKeyHash) isShape()   {}
func (multiSig) isShape()          {}
func (scriptHash) isShape()        {}
func (witnessPubKeyHash) isShape() {}
func (witnessScriptHash) isShape() {}

// classify determines the shape of a locking script.
func classify(script []byte) shape {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyTy:
		pushes, err := txscript.PushedData(script)
		if err != nil || len(pushes) != 1 {
			return nonStandard{}
		}

		return payToPubKey{pubKey: pushes[0]}

	case txscript.PubKeyHashTy:
		pushes, err := txscript.PushedData(script)
		if err != nil || len(pushes) != 1 {
			return nonStandard{}
		}

		return payToPubKeyHash{keyHash: pushes[0]}

	case txscript.ScriptHashTy:
		pushes, err := txscript.PushedData(script)
		if err != nil || len(pushes) != 1 {
			return nonStandard{}
		}

		return scriptHash{scriptHash: pushes[0]}

	case txscript.WitnessV0PubKeyHashTy:
		return witnessPubKeyHash{keyHash: script[2:]}

	case txscript.WitnessV0ScriptHashTy:
		return witnessScriptHash{scriptHash: script[2:]}

	case txscript.MultiSigTy:
		pubKeys, err := txscript.PushedData(script)
		if err != nil {
			return nonStandard{}
		}

		return multiSig{
			required: smallInt(script[0]),
			pubKeys:  pubKeys,
		}

	case txscript.NullDataTy:
		return nullData{}

	default:
		return nonStandard{}
	}
}

// smallInt decodes an OP_0 .. OP_16 opcode.
func smallInt(op byte) int {
	if op == txscript.OP_0 {
		return 0
	}

	return int(op - (txscript.OP_1 - 1))
}

// isScriptHashShape reports whether the shape nests another script, which is
// not allowed inside a redeem or witness script.
func isScriptHashShape(s shape) bool {
	switch s.(type) {
	case scriptHash, witnessPubKeyHash, witnessScriptHash:
		return true

	default:
		return false
	}
}

// payToPubKeyHashScript builds the P2PKH script for a key hash. It is also
// the script code of a P2WPKH spend.
func payToPubKeyHashScript(keyHash []byte) []byte {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(keyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()

	return script
}

// scriptID returns the identifier scripts are stored under in a KeyStore.
func scriptID(script []byte) []byte {
	return btcutil.Hash160(script)
}

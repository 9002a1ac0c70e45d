// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// sigHashNames maps the accepted textual sighash selectors to their types.
var sigHashNames = map[string]txscript.SigHashType{
	"ALL":                 txscript.SigHashAll,
	"ALL|ANYONECANPAY":    txscript.SigHashAll | txscript.SigHashAnyOneCanPay,
	"NONE":                txscript.SigHashNone,
	"NONE|ANYONECANPAY":   txscript.SigHashNone | txscript.SigHashAnyOneCanPay,
	"SINGLE":              txscript.SigHashSingle,
	"SINGLE|ANYONECANPAY": txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
}

// ParseSigHashType parses a sighash selector such as "ALL" or
// "SINGLE|ANYONECANPAY". An empty string selects SIGHASH_ALL.
func ParseSigHashType(s string) (txscript.SigHashType, error) {
	if s == "" {
		return txscript.SigHashAll, nil
	}

	hashType, ok := sigHashNames[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSigHash, s)
	}

	return hashType, nil
}

// validSigHashType reports whether the type is one of the six legacy
// selectors.
func validSigHashType(hashType txscript.SigHashType) bool {
	switch hashType &^ txscript.SigHashAnyOneCanPay {
	case txscript.SigHashAll, txscript.SigHashNone,
		txscript.SigHashSingle:

		return true

	default:
		return false
	}
}

// isSingle reports whether the type commits only to the output paired with
// the input being signed.
func isSingle(hashType txscript.SigHashType) bool {
	return hashType&^txscript.SigHashAnyOneCanPay == txscript.SigHashSingle
}

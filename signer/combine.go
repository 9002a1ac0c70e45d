// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// checker verifies candidate signatures for one input against the immutable
// transaction snapshot.
type checker struct {
	tx        *wire.MsgTx
	idx       int
	amount    int64
	sigHashes *txscript.TxSigHashes
}

// checkSig reports whether sig, with its trailing hash type byte, is a valid
// signature by pubKey over the input digest for the given script code.
func (c *checker) checkSig(sig, pubKey, script []byte,
	version sigVersion) bool {

	if len(sig) == 0 {
		return false
	}

	hashType := txscript.SigHashType(sig[len(sig)-1])

	var (
		digest []byte
		err    error
	)
	switch version {
	case sigVersionWitnessV0:
		digest, err = txscript.CalcWitnessSigHash(
			script, c.sigHashes, hashType, c.tx, c.idx, c.amount,
		)

	default:
		digest, err = txscript.CalcSignatureHash(
			script, hashType, c.tx, c.idx,
		)
	}
	if err != nil {
		return false
	}

	parsedSig, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}

	key, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false
	}

	return parsedSig.Verify(digest, key)
}

// combine merges two candidate solutions for pkScript. The result never
// loses a signature that is valid in either candidate, and it does not
// depend on which candidate is passed first.
func (c *checker) combine(pkScript []byte, a, b Solution) Solution {
	return c.combineShape(pkScript, classify(pkScript), a, b,
		sigVersionBase)
}

func (c *checker) combineShape(script []byte, s shape, a, b Solution,
	version sigVersion) Solution {

	switch s := s.(type) {
	case payToPubKey:
		valid := func(stack [][]byte) bool {
			return len(stack) == 1 &&
				c.checkSig(stack[0], s.pubKey, script, version)
		}

		return pickSingle(a, b, a.Script, b.Script, valid)

	case payToPubKeyHash:
		valid := func(stack [][]byte) bool {
			return c.validKeyHashStack(
				stack, s.keyHash, script, version,
			)
		}

		return pickSingle(a, b, a.Script, b.Script, valid)

	case witnessPubKeyHash:
		scriptCode := payToPubKeyHashScript(s.keyHash)
		valid := func(stack [][]byte) bool {
			return c.validKeyHashStack(
				stack, s.keyHash, scriptCode,
				sigVersionWitnessV0,
			)
		}

		return pickSingle(a, b, a.Witness, b.Witness, valid)

	case scriptHash:
		match := func(redeem []byte) bool {
			return len(redeem) > 0 &&
				bytes.Equal(btcutil.Hash160(redeem), s.scriptHash)
		}

		redeemA, redeemB := lastItem(a.Script), lastItem(b.Script)
		switch {
		case !match(redeemA) && !match(redeemB):
			return pickLarger(a, b)

		case !match(redeemA):
			return b

		case !match(redeemB):
			return a
		}

		// Both candidates carry the same redeem script. Strip it,
		// combine one level down, and put it back.
		innerA := Solution{
			Script:  a.Script[:len(a.Script)-1],
			Witness: a.Witness,
		}
		innerB := Solution{
			Script:  b.Script[:len(b.Script)-1],
			Witness: b.Witness,
		}

		result := c.combineShape(
			redeemA, classify(redeemA), innerA, innerB,
			sigVersionBase,
		)
		result.Script = appendItem(result.Script, redeemA)

		return result

	case witnessScriptHash:
		match := func(witnessScript []byte) bool {
			if len(witnessScript) == 0 {
				return false
			}
			sum := sha256.Sum256(witnessScript)

			return bytes.Equal(sum[:], s.scriptHash)
		}

		wsA, wsB := lastItem(a.Witness), lastItem(b.Witness)
		switch {
		case !match(wsA) && !match(wsB):
			return pickLarger(a, b)

		case !match(wsA):
			return b

		case !match(wsB):
			return a
		}

		innerA := Solution{Script: a.Witness[:len(a.Witness)-1]}
		innerB := Solution{Script: b.Witness[:len(b.Witness)-1]}

		inner := c.combineShape(
			wsA, classify(wsA), innerA, innerB,
			sigVersionWitnessV0,
		)

		sigScript := a.Script
		if compareStacks(b.Script, a.Script) < 0 {
			sigScript = b.Script
		}

		return Solution{
			Script:  sigScript,
			Witness: appendItem(inner.Script, wsA),
		}

	case multiSig:
		return Solution{
			Script: c.combineMultisig(
				script, s, a.Script, b.Script, version,
			),
		}

	default:
		return pickLarger(a, b)
	}
}

// validKeyHashStack reports whether a [signature, pubkey] stack satisfies a
// key hash script.
func (c *checker) validKeyHashStack(stack [][]byte, keyHash, script []byte,
	version sigVersion) bool {

	if len(stack) != 2 {
		return false
	}
	if !bytes.Equal(btcutil.Hash160(stack[1]), keyHash) {
		return false
	}

	return c.checkSig(stack[0], stack[1], script, version)
}

// combineMultisig merges the signatures of two multisig stacks. Every
// distinct signature is matched against the first public key it is valid
// for that does not have one yet, in byte order of the signatures. The
// result lists the dummy element and then signatures in key order, padded
// with empty placeholders up to the required count.
func (c *checker) combineMultisig(script []byte, s multiSig, a, b [][]byte,
	version sigVersion) [][]byte {

	seen := make(map[string]struct{})
	var candidates []string
	for _, stack := range [][][]byte{a, b} {
		for _, item := range stack {
			if len(item) == 0 {
				continue
			}
			if _, ok := seen[string(item)]; ok {
				continue
			}

			seen[string(item)] = struct{}{}
			candidates = append(candidates, string(item))
		}
	}
	sort.Strings(candidates)

	assigned := make(map[string][]byte, len(s.pubKeys))
	for _, candidate := range candidates {
		sig := []byte(candidate)
		for _, pubKey := range s.pubKeys {
			if _, ok := assigned[string(pubKey)]; ok {
				continue
			}

			if c.checkSig(sig, pubKey, script, version) {
				assigned[string(pubKey)] = sig
				break
			}
		}
	}

	result := [][]byte{{}}
	have := 0
	for _, pubKey := range s.pubKeys {
		if have >= s.required {
			break
		}

		sig, ok := assigned[string(pubKey)]
		if !ok {
			continue
		}

		result = append(result, sig)
		have++
	}
	for ; have < s.required; have++ {
		result = append(result, []byte{})
	}

	return result
}

// pickSingle chooses between two single signature candidates. A stack that
// verifies beats one that merely carries a signature, which beats an empty
// placeholder. Equal ranks fall back to a byte order comparison.
func pickSingle(a, b Solution, stackA, stackB [][]byte,
	valid func([][]byte) bool) Solution {

	rank := func(stack [][]byte) int {
		switch {
		case stackPlaceholder(stack):
			return 0

		case valid(stack):
			return 2

		default:
			return 1
		}
	}

	rankA, rankB := rank(stackA), rank(stackB)
	switch {
	case rankA > rankB:
		return a

	case rankB > rankA:
		return b

	case compareStacks(stackA, stackB) <= 0:
		return a

	default:
		return b
	}
}

// pickLarger chooses the candidate carrying more unlocking content. It is
// used for scripts we cannot interpret.
func pickLarger(a, b Solution) Solution {
	sizeA, sizeB := len(a.Script), len(b.Script)
	if sizeA == sizeB {
		sizeA, sizeB = len(a.Witness), len(b.Witness)
	}

	switch {
	case sizeA > sizeB:
		return a

	case sizeB > sizeA:
		return b
	}

	if c := compareStacks(a.Script, b.Script); c != 0 {
		if c < 0 {
			return a
		}

		return b
	}
	if compareStacks(a.Witness, b.Witness) <= 0 {
		return a
	}

	return b
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrInvalidPacket is returned when a PSBT cannot be turned into a variant.
var ErrInvalidPacket = errors.New("invalid psbt packet")

// VariantFromPacket converts a PSBT into a transaction variant suitable for
// Request.Variants. Finalized inputs contribute their final scripts. Inputs
// holding partial signatures contribute the stack those signatures would
// form, so signatures collected through PSBT exchange merge like any other
// variant.
func VariantFromPacket(packet *psbt.Packet) (*wire.MsgTx, error) {
	if packet == nil || packet.UnsignedTx == nil {
		return nil, fmt.Errorf("%w: missing unsigned tx", ErrInvalidPacket)
	}
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("%w: %d inputs for %d tx inputs",
			ErrInvalidPacket, len(packet.Inputs),
			len(packet.UnsignedTx.TxIn))
	}

	tx := packet.UnsignedTx.Copy()
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		txIn := tx.TxIn[i]

		// A finalized input is taken as is.
		if len(pIn.FinalScriptSig) > 0 || len(pIn.FinalScriptWitness) > 0 {
			txIn.SignatureScript = pIn.FinalScriptSig

			witness, err := parseWitness(pIn.FinalScriptWitness)
			if err != nil {
				return nil, fmt.Errorf("%w: input %d: %w",
					ErrInvalidPacket, i, err)
			}
			txIn.Witness = witness

			continue
		}

		if len(pIn.PartialSigs) == 0 {
			continue
		}

		sol, err := partialSolution(pIn, prevPkScript(pIn, txIn))
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %w",
				ErrInvalidPacket, i, err)
		}

		if err := sol.apply(txIn); err != nil {
			return nil, err
		}
	}

	log.Debugf("Converted psbt for tx %v into variant",
		packet.UnsignedTx.TxHash())

	return tx, nil
}

// prevPkScript returns the output script the input spends, if the packet
// carries it.
func prevPkScript(pIn *psbt.PInput, txIn *wire.TxIn) []byte {
	if pIn.WitnessUtxo != nil {
		return pIn.WitnessUtxo.PkScript
	}

	prevTx := pIn.NonWitnessUtxo
	idx := txIn.PreviousOutPoint.Index
	if prevTx != nil && int(idx) < len(prevTx.TxOut) {
		return prevTx.TxOut[idx].PkScript
	}

	return nil
}

// partialSolution arranges the partial signatures of an input into the
// stacks its script expects.
func partialSolution(pIn *psbt.PInput, pkScript []byte) (Solution, error) {
	var sol Solution

	switch {
	case len(pIn.WitnessScript) > 0:
		stack := sigStack(classify(pIn.WitnessScript), pIn.PartialSigs)
		sol.Witness = appendItem(stack, pIn.WitnessScript)

		if len(pIn.RedeemScript) > 0 {
			sol.Script = [][]byte{pIn.RedeemScript}
		}

	case len(pIn.RedeemScript) > 0:
		inner := classify(pIn.RedeemScript)
		stack := sigStack(inner, pIn.PartialSigs)

		if _, ok := inner.(witnessPubKeyHash); ok {
			sol.Witness = stack
			sol.Script = [][]byte{pIn.RedeemScript}

			break
		}

		sol.Script = appendItem(stack, pIn.RedeemScript)

	case len(pkScript) > 0:
		s := classify(pkScript)
		stack := sigStack(s, pIn.PartialSigs)

		if _, ok := s.(witnessPubKeyHash); ok {
			sol.Witness = stack
			break
		}

		sol.Script = stack

	default:
		return sol, errors.New("unknown previous output script")
	}

	return sol, nil
}

// sigStack builds the stack a script of shape s expects from a set of
// partial signatures.
func sigStack(s shape, partials []*psbt.PartialSig) [][]byte {
	switch s := s.(type) {
	case payToPubKey:
		for _, p := range partials {
			if bytes.Equal(p.PubKey, s.pubKey) {
				return [][]byte{p.Signature}
			}
		}

	case payToPubKeyHash:
		return keyHashStack(s.keyHash, partials)

	case witnessPubKeyHash:
		return keyHashStack(s.keyHash, partials)

	case multiSig:
		// Combination matches signatures to keys, so only a stable
		// order is needed here.
		sigs := make([][]byte, 0, len(partials))
		for _, p := range partials {
			sigs = append(sigs, p.Signature)
		}
		sort.Slice(sigs, func(i, j int) bool {
			return bytes.Compare(sigs[i], sigs[j]) < 0
		})

		return append([][]byte{{}}, sigs...)
	}

	return nil
}

func keyHashStack(keyHash []byte, partials []*psbt.PartialSig) [][]byte {
	for _, p := range partials {
		if bytes.Equal(btcutil.Hash160(p.PubKey), keyHash) {
			return [][]byte{p.Signature, p.PubKey}
		}
	}

	return nil
}

// parseWitness decodes a serialized witness stack.
func parseWitness(serialized []byte) (wire.TxWitness, error) {
	if len(serialized) == 0 {
		return nil, nil
	}

	r := bytes.NewReader(serialized)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if count > txscript.MaxStackSize {
		return nil, fmt.Errorf("witness has %d items", count)
	}

	witness := make(wire.TxWitness, 0, count)
	for j := uint64(0); j < count; j++ {
		item, err := wire.ReadVarBytes(
			r, 0, txscript.MaxScriptSize, "witness item",
		)
		if err != nil {
			return nil, err
		}
		witness = append(witness, item)
	}

	return witness, nil
}

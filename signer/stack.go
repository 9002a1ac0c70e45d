// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Solution is the unlocking content of a single input, kept as the stack of
// items pushed by the signature script plus the witness stack.
type Solution struct {
	// Script holds the items pushed by the signature script.
	Script [][]byte

	// Witness holds the witness stack.
	Witness [][]byte
}

// solutionFromInput reads the unlocking content of txIn. A signature script
// that is not push only yields an empty script stack.
func solutionFromInput(txIn *wire.TxIn) Solution {
	sol := Solution{
		Script: pushedStack(txIn.SignatureScript),
	}
	for _, item := range txIn.Witness {
		sol.Witness = append(sol.Witness, cloneBytes(item))
	}

	return sol
}

// pushedStack returns the stack a push only script leaves behind.
func pushedStack(script []byte) [][]byte {
	var stack [][]byte

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		switch {
		case op == txscript.OP_0:
			stack = append(stack, []byte{})

		case op <= txscript.OP_PUSHDATA4:
			stack = append(stack, cloneBytes(tokenizer.Data()))

		case op == txscript.OP_1NEGATE:
			stack = append(stack, []byte{0x81})

		case op >= txscript.OP_1 && op <= txscript.OP_16:
			stack = append(stack, []byte{op - (txscript.OP_1 - 1)})

		default:
			return nil
		}
	}
	if tokenizer.Err() != nil {
		return nil
	}

	return stack
}

// apply writes the solution into txIn.
func (s Solution) apply(txIn *wire.TxIn) error {
	builder := txscript.NewScriptBuilder()
	for _, item := range s.Script {
		builder.AddData(item)
	}
	sigScript, err := builder.Script()
	if err != nil {
		return err
	}

	txIn.SignatureScript = sigScript
	txIn.Witness = nil
	if len(s.Witness) > 0 {
		txIn.Witness = make(wire.TxWitness, len(s.Witness))
		copy(txIn.Witness, s.Witness)
	}

	return nil
}

// witnessAsScript moves the witness stack into the script stack so the
// witness script combination can reuse the legacy rules.
func (s Solution) witnessAsScript() Solution {
	return Solution{Script: s.Witness}
}

// stackPlaceholder reports whether a single key stack lacks a real signature.
func stackPlaceholder(stack [][]byte) bool {
	return len(stack) == 0 || len(stack[0]) == 0
}

// compareStacks orders stacks by their items. It only breaks ties between
// otherwise equivalent candidates, so any total order serves.
func compareStacks(a, b [][]byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}

		return 1
	}
	for i := range a {
		if c := bytes.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}

	return 0
}

// lastItem returns the final stack item, or nil for an empty stack.
func lastItem(stack [][]byte) []byte {
	if len(stack) == 0 {
		return nil
	}

	return stack[len(stack)-1]
}

// appendItem returns a new stack holding the items of stack followed by item.
func appendItem(stack [][]byte, item []byte) [][]byte {
	out := make([][]byte, 0, len(stack)+1)
	out = append(out, stack...)

	return append(out, item)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	return append([]byte{}, b...)
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scripteval defines the script evaluation capability used to verify
// finalized inputs, along with its default implementation on top of the btcd
// script engine.
package scripteval

import (
	"errors"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// StandardFlags is the policy flag set finalized inputs are verified
	// under.
	StandardFlags = txscript.StandardVerifyFlags

	// DefaultSigCacheSize is the number of entries kept in the signature
	// cache of an Engine created with NewEngine(0).
	DefaultSigCacheSize = 100_000
)

// Evaluator runs the unlocking content of an input against the locking script
// it claims to satisfy.
type Evaluator interface {
	// Evaluate executes the unlocking script and witness found on
	// tx.TxIn[idx] against pkScript. A nil error means the input is
	// authorized. prevOuts must resolve every input of tx.
	Evaluate(pkScript []byte, tx *wire.MsgTx, idx int, amount int64,
		flags txscript.ScriptFlags,
		prevOuts txscript.PrevOutputFetcher) error
}

// Engine is the btcd txscript backed Evaluator. It is safe for concurrent
// use.
type Engine struct {
	sigCache *txscript.SigCache
}

// A compile time check to ensure Engine implements the Evaluator interface.
var _ Evaluator = (*Engine)(nil)

// NewEngine creates an Engine with a signature cache of the given size. A
// zero size selects DefaultSigCacheSize.
func NewEngine(sigCacheSize uint) *Engine {
	if sigCacheSize == 0 {
		sigCacheSize = DefaultSigCacheSize
	}

	return &Engine{
		sigCache: txscript.NewSigCache(sigCacheSize),
	}
}

// Evaluate implements the Evaluator interface.
func (e *Engine) Evaluate(pkScript []byte, tx *wire.MsgTx, idx int,
	amount int64, flags txscript.ScriptFlags,
	prevOuts txscript.PrevOutputFetcher) error {

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	vm, err := txscript.NewEngine(
		pkScript, tx, idx, flags, e.sigCache, sigHashes, amount,
		prevOuts,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}

// ErrorCode extracts the script error code from an evaluation failure.
func ErrorCode(err error) (txscript.ErrorCode, bool) {
	var scriptErr txscript.Error
	if errors.As(err, &scriptErr) {
		return scriptErr.ErrorCode, true
	}

	return 0, false
}

// Reason renders an evaluation failure the way it is reported to callers.
func Reason(err error) string {
	var scriptErr txscript.Error
	if errors.As(err, &scriptErr) {
		return scriptErr.Description
	}

	return err.Error()
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer signs the inputs of a raw transaction with the keys and
// scripts a caller provides and merges the result with the partial
// signatures carried by other copies of the same transaction.
//
// Every input is processed independently against an immutable snapshot of
// the transaction: fresh signatures are produced when the key store allows,
// combined with the unlocking content of each variant, and the finalized
// input is verified under standard script flags. Failures are collected per
// input and never abort the pass.
package signer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/scripteval"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// Request describes one signing pass.
type Request struct {
	// Tx is the primary variant. Its inputs and outputs define the
	// transaction being signed.
	Tx *wire.MsgTx

	// Variants are further copies of the same transaction whose unlocking
	// content is merged into the result.
	Variants []*wire.MsgTx

	// View resolves the previous outputs spent by Tx.
	View *coinview.View

	// Keys provides private keys and scripts. A nil key store produces
	// no new signatures, which leaves a pure combine and verify pass.
	Keys KeyStore

	// HashType is the sighash type new signatures commit to.
	HashType txscript.SigHashType

	// Evaluator verifies finalized inputs. Nil selects a fresh
	// scripteval.Engine.
	Evaluator scripteval.Evaluator

	// Flags are the script verification flags. Zero selects
	// scripteval.StandardFlags.
	Flags txscript.ScriptFlags

	// Workers bounds the number of inputs processed concurrently. Zero or
	// one processes inputs sequentially.
	Workers int
}

// Result is the outcome of a signing pass.
type Result struct {
	// Tx is the merged transaction.
	Tx *wire.MsgTx

	// Complete is true when every input verified.
	Complete bool

	// Errors lists the inputs that did not verify, in input order.
	Errors []InputError
}

// inputResult is what processing a single input yields.
type inputResult struct {
	// solution is the merged unlocking content, absent when the input is
	// carried forward untouched.
	solution fn.Option[Solution]

	// failure is the reason the input is not authorized.
	failure fn.Option[string]
}

// noKeys is the key store used when a request carries none.
type noKeys struct{}

func (noKeys) FindKey([]byte) fn.Option[*btcec.PrivateKey] {
	return fn.None[*btcec.PrivateKey]()
}

func (noKeys) FindScript([]byte) fn.Option[[]byte] {
	return fn.None[[]byte]()
}

// Sign runs a signing pass. Only malformed requests return an error; input
// level failures are reported in the result.
func Sign(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Tx == nil {
		return nil, ErrNilTx
	}
	if req.View == nil {
		return nil, ErrNilView
	}
	if !validSigHashType(req.HashType) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigHash, req.HashType)
	}

	keys := req.Keys
	if keys == nil {
		keys = KeyStore(noKeys{})
	}
	evaluator := req.Evaluator
	if evaluator == nil {
		evaluator = scripteval.NewEngine(0)
	}
	flags := req.Flags
	if flags == 0 {
		flags = scripteval.StandardFlags
	}

	// All digests are computed over this snapshot. Signature hashes do
	// not commit to any signature script, so signatures produced here
	// remain valid in the merged transaction.
	snapshot := req.Tx.Copy()
	variants := make([]*wire.MsgTx, 0, len(req.Variants)+1)
	variants = append(variants, snapshot)
	variants = append(variants, req.Variants...)

	s := &session{
		snapshot:  snapshot,
		variants:  variants,
		view:      req.View,
		keys:      keys,
		hashType:  req.HashType,
		evaluator: evaluator,
		flags:     flags,
		sigHashes: txscript.NewTxSigHashes(snapshot, req.View),
	}

	results := make([]inputResult, len(snapshot.TxIn))

	workers := req.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range snapshot.TxIn {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			results[i] = s.signInput(i)

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// We'll now fold the per input results into the merged transaction
	// in input order, so the outcome does not depend on scheduling.
	merged := req.Tx.Copy()
	result := &Result{Tx: merged}
	for i, res := range results {
		txIn := merged.TxIn[i]

		var applyErr error
		res.solution.WhenSome(func(sol Solution) {
			applyErr = sol.apply(txIn)
		})
		if applyErr != nil {
			res.failure = fn.Some(applyErr.Error())
		}

		res.failure.WhenSome(func(reason string) {
			result.Errors = append(
				result.Errors, newInputError(txIn, reason),
			)
		})
	}
	result.Complete = len(result.Errors) == 0

	log.Debugf("Signed tx %v: %d inputs, %d errors, complete=%v",
		merged.TxHash(), len(merged.TxIn), len(result.Errors),
		result.Complete)
	log.Tracef("Merged tx: %v", newLogClosure(func() string {
		return spew.Sdump(merged)
	}))

	return result, nil
}

// session holds the read only state shared by all inputs of a signing pass.
type session struct {
	snapshot  *wire.MsgTx
	variants  []*wire.MsgTx
	view      *coinview.View
	keys      KeyStore
	hashType  txscript.SigHashType
	evaluator scripteval.Evaluator
	flags     txscript.ScriptFlags
	sigHashes *txscript.TxSigHashes
}

// signInput produces, combines and verifies a single input.
func (s *session) signInput(idx int) inputResult {
	txIn := s.snapshot.TxIn[idx]

	coin, err := s.view.Lookup(txIn.PreviousOutPoint).UnwrapOrErr(
		errNoCoin,
	)
	if err != nil || coin.Spent {
		return inputResult{failure: fn.Some(reasonCoinNotFound)}
	}

	pkScript := coin.Output.PkScript
	amount := coin.Output.Value

	// Only sign SIGHASH_SINGLE if there's a corresponding output.
	// Otherwise the signature would commit to the constant one digest.
	var sol Solution
	if !isSingle(s.hashType) || idx < len(s.snapshot.TxOut) {
		p := &producer{
			tx:        s.snapshot,
			idx:       idx,
			amount:    amount,
			hashType:  s.hashType,
			keys:      s.keys,
			sigHashes: s.sigHashes,
		}
		sol, _ = p.produce(pkScript)
	}

	// Merge in the unlocking content of every variant, the primary one
	// included. A variant lacking this input contributes nothing.
	c := &checker{
		tx:        s.snapshot,
		idx:       idx,
		amount:    amount,
		sigHashes: s.sigHashes,
	}
	for _, variant := range s.variants {
		if idx >= len(variant.TxIn) {
			continue
		}

		sol = c.combine(
			pkScript, sol, solutionFromInput(variant.TxIn[idx]),
		)
	}

	result := inputResult{solution: fn.Some(sol)}

	verifyTx, err := s.withInput(idx, sol)
	if err != nil {
		result.failure = fn.Some(err.Error())
		return result
	}

	err = s.evaluator.Evaluate(
		pkScript, verifyTx, idx, amount, s.flags, s.view,
	)
	if err != nil {
		log.Debugf("Input %d (%v) does not verify: %v", idx,
			txIn.PreviousOutPoint, err)

		result.failure = fn.Some(scripteval.Reason(err))
	}

	return result
}

// withInput returns a shallow copy of the snapshot whose input idx carries
// the given solution. Other inputs are shared with the snapshot and must not
// be modified.
func (s *session) withInput(idx int, sol Solution) (*wire.MsgTx, error) {
	txIn := *s.snapshot.TxIn[idx]
	if err := sol.apply(&txIn); err != nil {
		return nil, err
	}

	tx := *s.snapshot
	tx.TxIn = make([]*wire.TxIn, len(s.snapshot.TxIn))
	copy(tx.TxIn, s.snapshot.TxIn)
	tx.TxIn[idx] = &txIn

	return &tx, nil
}

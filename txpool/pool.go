// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txpool implements an in-memory pending transaction pool. It
// validates submitted transactions against the chain state and the pool's
// own unconfirmed outputs, tracks which outpoints pending transactions spend
// and removes conflicting spend chains once a block confirms a double spend.
package txpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/pkg/btcunit"
	"github.com/btcsuite/btcrawtx/relay"
	"github.com/btcsuite/btcrawtx/scripteval"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MandatoryFlags are the script flags a transaction must pass for its
// rejection to be classified as invalid rather than non standard.
const MandatoryFlags = txscript.ScriptBip16 |
	txscript.ScriptVerifyDERSignatures |
	txscript.ScriptVerifyWitness |
	txscript.ScriptVerifyCheckLockTimeVerify |
	txscript.ScriptVerifyCheckSequenceVerify

// Config holds the collaborators of a Pool.
type Config struct {
	// Chain resolves confirmed outputs. The pool never takes the chain
	// lock itself; callers that need a consistent view hold it around
	// SubmitTx.
	Chain coinview.CoinSource

	// Evaluator verifies the input scripts. Nil selects a fresh
	// scripteval.Engine.
	Evaluator scripteval.Evaluator

	// MinRelayFee is the minimum fee rate accepted. The zero rate accepts
	// free transactions.
	MinRelayFee btcunit.SatPerKVByte
}

// entry is a pending transaction together with the data computed when it
// was admitted.
type entry struct {
	tx    *wire.MsgTx
	fee   btcutil.Amount
	vsize btcunit.VByte
	added time.Time
}

// Pool is the pending transaction pool. It is safe for concurrent use.
type Pool struct {
	cfg       Config
	evaluator scripteval.Evaluator

	mu sync.RWMutex

	// txs holds every pending transaction by id.
	txs map[chainhash.Hash]*entry

	// spends maps each outpoint spent by a pending transaction to the
	// spender.
	spends map[wire.OutPoint]chainhash.Hash
}

// A compile time check to ensure Pool implements the interfaces it is
// consumed through.
var (
	_ relay.PoolValidator      = (*Pool)(nil)
	_ coinview.PoolSnapshotter = (*Pool)(nil)
)

// New creates an empty pool.
func New(cfg Config) *Pool {
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = scripteval.NewEngine(0)
	}

	return &Pool{
		cfg:       cfg,
		evaluator: evaluator,
		txs:       make(map[chainhash.Hash]*entry),
		spends:    make(map[wire.OutPoint]chainhash.Hash),
	}
}

// HaveTx implements relay.PoolValidator.
func (p *Pool) HaveTx(hash chainhash.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.txs[hash]

	return ok
}

// FetchTx returns a copy of a pending transaction.
func (p *Pool) FetchTx(hash chainhash.Hash) fn.Option[*wire.MsgTx] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.txs[hash]
	if !ok {
		return fn.None[*wire.MsgTx]()
	}

	return fn.Some(e.tx.Copy())
}

// Count returns the number of pending transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.txs)
}

// TxIDs returns the ids of all pending transactions in byte order.
func (p *Pool) TxIDs() []chainhash.Hash {
	p.mu.RLock()
	ids := make([]chainhash.Hash, 0, len(p.txs))
	for hash := range p.txs {
		ids = append(ids, hash)
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})

	return ids
}

// SnapshotOutputs implements coinview.PoolSnapshotter. The pool lock is held
// only while copying.
func (p *Pool) SnapshotOutputs(
	ops []wire.OutPoint) map[wire.OutPoint]wire.TxOut {

	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make(map[wire.OutPoint]wire.TxOut)
	for _, op := range ops {
		e, ok := p.txs[op.Hash]
		if !ok || int(op.Index) >= len(e.tx.TxOut) {
			continue
		}

		out := e.tx.TxOut[op.Index]
		snapshot[op] = wire.TxOut{
			Value:    out.Value,
			PkScript: append([]byte(nil), out.PkScript...),
		}
	}

	return snapshot
}

// resolved is a previous output found while validating a transaction.
type resolved struct {
	out *wire.TxOut

	// parent is set when the output was created by a pending transaction.
	parent fn.Option[chainhash.Hash]
}

// SubmitTx implements relay.PoolValidator. The transaction is validated
// against the pool state captured under the read lock, scripts are verified
// without holding any lock, and the pool state is checked again before the
// transaction is inserted.
func (p *Pool) SubmitTx(tx *wire.MsgTx, ceiling btcunit.FeeCeiling) error {
	txid := tx.TxHash()

	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx)); err != nil {
		return relay.NewRejectError(relay.RejectInvalid, "%v", err)
	}
	if blockchain.IsCoinBaseTx(tx) {
		return relay.NewRejectError(relay.RejectInvalid, "coinbase")
	}

	// We'll start by resolving every input under the read lock.
	p.mu.RLock()
	prevOuts, err := p.resolveInputsLocked(tx, txid)
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	fee, err := checkFee(tx, prevOuts, ceiling, p.cfg.MinRelayFee)
	if err != nil {
		return err
	}

	if err := p.verifyScripts(tx, prevOuts); err != nil {
		return err
	}

	// The pool may have changed while the scripts ran, so we'll redo the
	// conflict and parent checks before inserting.
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.txs[txid]; ok {
		return relay.NewRejectError(
			relay.RejectDuplicate, "txn-already-in-mempool",
		)
	}
	for op, prev := range prevOuts {
		if spender, ok := p.spends[op]; ok {
			return relay.NewRejectError(
				relay.RejectConflict, "txn-mempool-conflict, "+
					"%v already spent by %v", op, spender,
			)
		}

		var parentGone bool
		prev.parent.WhenSome(func(parent chainhash.Hash) {
			_, ok := p.txs[parent]
			parentGone = !ok
		})
		if parentGone {
			return fmt.Errorf("%w: parent of %v left the pool",
				relay.ErrMissingInputs, op)
		}
	}

	p.insertLocked(tx, txid, fee)

	return nil
}

// resolveInputsLocked finds every previous output spent by tx. The caller
// must hold the pool lock.
func (p *Pool) resolveInputsLocked(tx *wire.MsgTx,
	txid chainhash.Hash) (map[wire.OutPoint]resolved, error) {

	if _, ok := p.txs[txid]; ok {
		return nil, relay.NewRejectError(
			relay.RejectDuplicate, "txn-already-in-mempool",
		)
	}

	prevOuts := make(map[wire.OutPoint]resolved, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint

		if spender, ok := p.spends[op]; ok {
			return nil, relay.NewRejectError(
				relay.RejectConflict, "txn-mempool-conflict, "+
					"%v already spent by %v", op, spender,
			)
		}

		// Outputs of pending parents come first.
		if parent, ok := p.txs[op.Hash]; ok {
			if int(op.Index) >= len(parent.tx.TxOut) {
				return nil, fmt.Errorf("%w: %v",
					relay.ErrMissingInputs, op)
			}

			prevOuts[op] = resolved{
				out:    parent.tx.TxOut[op.Index],
				parent: fn.Some(op.Hash),
			}

			continue
		}

		if p.cfg.Chain == nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrMissingInputs,
				op)
		}

		coin, err := p.cfg.Chain.FetchCoin(op)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %w", op, err)
		}
		if coin == nil || coin.Spent {
			return nil, fmt.Errorf("%w: %v", relay.ErrMissingInputs,
				op)
		}

		out := coin.Output
		prevOuts[op] = resolved{out: &out}
	}

	return prevOuts, nil
}

// checkFee computes the fee of tx and applies the fee policy.
func checkFee(tx *wire.MsgTx, prevOuts map[wire.OutPoint]resolved,
	ceiling btcunit.FeeCeiling,
	minRelayFee btcunit.SatPerKVByte) (btcutil.Amount, error) {

	var in, out btcutil.Amount
	for _, prev := range prevOuts {
		in += btcutil.Amount(prev.out.Value)
	}
	for _, txOut := range tx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}

	if in < out {
		return 0, relay.NewRejectError(
			relay.RejectInvalid, "bad-txns-in-belowout, %v < %v",
			in, out,
		)
	}

	fee := in - out
	if ceiling.Exceeded(fee) {
		return 0, relay.NewRejectError(
			relay.RejectHighFee, "absurdly-high-fee, %d > %d",
			int64(fee), int64(ceiling),
		)
	}

	if !minRelayFee.IsZero() {
		required := minRelayFee.FeeForVSize(btcunit.TxVSize(tx))
		if fee < required {
			return 0, relay.NewRejectError(
				relay.RejectInsufficientFee,
				"min relay fee not met, %d < %d", int64(fee),
				int64(required),
			)
		}
	}

	return fee, nil
}

// verifyScripts runs every input script under the standard flags. A failure
// that also fails under the mandatory flags is invalid, otherwise it is only
// non standard.
func (p *Pool) verifyScripts(tx *wire.MsgTx,
	prevOuts map[wire.OutPoint]resolved) error {

	outs := make(map[wire.OutPoint]*wire.TxOut, len(prevOuts))
	for op, prev := range prevOuts {
		outs[op] = prev.out
	}
	fetcher := txscript.NewMultiPrevOutFetcher(outs)

	for i, txIn := range tx.TxIn {
		prev := outs[txIn.PreviousOutPoint]

		err := p.evaluator.Evaluate(
			prev.PkScript, tx, i, prev.Value,
			scripteval.StandardFlags, fetcher,
		)
		if err == nil {
			continue
		}

		mandatoryErr := p.evaluator.Evaluate(
			prev.PkScript, tx, i, prev.Value, MandatoryFlags,
			fetcher,
		)
		if mandatoryErr != nil {
			return relay.NewRejectError(
				relay.RejectInvalid,
				"mandatory-script-verify-flag-failed (%s)",
				scripteval.Reason(mandatoryErr),
			)
		}

		return relay.NewRejectError(
			relay.RejectNonstandard,
			"non-mandatory-script-verify-flag (%s)",
			scripteval.Reason(err),
		)
	}

	return nil
}

// insertLocked adds an admitted transaction. The caller must hold the write
// lock.
func (p *Pool) insertLocked(tx *wire.MsgTx, txid chainhash.Hash,
	fee btcutil.Amount) {

	e := &entry{
		tx:    tx.Copy(),
		fee:   fee,
		vsize: btcunit.TxVSize(tx),
		added: time.Now(),
	}
	p.txs[txid] = e
	for _, txIn := range tx.TxIn {
		p.spends[txIn.PreviousOutPoint] = txid
	}

	log.Infof("Accepted transaction %v (fee=%v, vsize=%v, pool size %d)",
		txid, fee, e.vsize, len(p.txs))
}

// ErrNotFound is returned when removing a transaction the pool does not hold.
var ErrNotFound = errors.New("transaction not in pool")

// RemoveTx removes a pending transaction and, recursively, every pending
// transaction spending its outputs.
func (p *Pool) RemoveTx(hash chainhash.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.txs[hash]; !ok {
		return ErrNotFound
	}

	p.removeChainLocked(hash)

	return nil
}

// RemoveConfirmed updates the pool for a connected block: transactions the
// block confirms leave the pool, and pending transactions double spending
// any input of the block are removed together with their spend chains.
func (p *Pool) RemoveConfirmed(block *wire.MsgBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range block.Transactions {
		txid := tx.TxHash()

		// A confirmed transaction leaves the pool on its own. Its
		// pending children stay, their parent outputs now live in the
		// chain state.
		if e, ok := p.txs[txid]; ok {
			p.removeEntryLocked(txid, e)
			continue
		}

		p.removeDoubleSpendsLocked(tx, txid)
	}
}

// removeDoubleSpendsLocked removes every pending transaction spending an
// input of tx, except tx itself.
func (p *Pool) removeDoubleSpendsLocked(tx *wire.MsgTx,
	txid chainhash.Hash) {

	for _, txIn := range tx.TxIn {
		spender, ok := p.spends[txIn.PreviousOutPoint]
		if !ok || spender == txid {
			continue
		}

		log.Debugf("Removing double spending transaction %v", spender)
		p.removeChainLocked(spender)
	}
}

// removeChainLocked removes a transaction and all spend chains deriving from
// it.
func (p *Pool) removeChainLocked(hash chainhash.Hash) {
	e, ok := p.txs[hash]

	// If the spending transaction spends multiple outputs of the same
	// parent, it may already be gone.
	if !ok {
		return
	}

	for i := range e.tx.TxOut {
		op := wire.OutPoint{Hash: hash, Index: uint32(i)}
		spender, ok := p.spends[op]
		if !ok {
			continue
		}

		log.Debugf("Transaction %v is part of a removed conflict "+
			"chain -- removing as well", spender)
		p.removeChainLocked(spender)
	}

	p.removeEntryLocked(hash, e)
}

// removeEntryLocked drops a single transaction and releases its spends.
func (p *Pool) removeEntryLocked(hash chainhash.Hash, e *entry) {
	for _, txIn := range e.tx.TxIn {
		if p.spends[txIn.PreviousOutPoint] == hash {
			delete(p.spends, txIn.PreviousOutPoint)
		}
	}
	delete(p.txs, hash)

	log.Debugf("Removed transaction %v from pool (pending %v)", hash,
		time.Since(e.added))
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinview

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrScriptMismatch is returned when a declared previous output
	// contradicts the locking script of the coin the outpoint already
	// resolves to.
	ErrScriptMismatch = errors.New("previous output scriptPubKey mismatch")

	// ErrAmountMismatch is returned when an outpoint is declared twice with
	// different amounts.
	ErrAmountMismatch = errors.New("previous output amount mismatch")
)

// View is a layered coin lookup built for a single call and discarded after
// it. Lookups consult, in order, the caller declarations, the chain state and
// the outputs of pending pool transactions captured by LoadPool.
//
// A View is not safe for concurrent mutation. Once every Declare call has
// been made, concurrent Lookup calls are safe as long as every outpoint that
// will be looked up was loaded beforehand.
type View struct {
	chain     CoinSource
	chainLock *sync.RWMutex

	// chainCoins caches the chain state answers, including negative ones
	// recorded as nil entries.
	chainCoins map[wire.OutPoint]*Coin

	// poolCoins holds the pending outputs captured from the pool.
	poolCoins map[wire.OutPoint]*Coin

	// overlay holds caller declared stand-ins. Entries never leave the
	// view.
	overlay map[wire.OutPoint]*Coin

	// declaredAmount tracks whether the declaration for an outpoint carried
	// an explicit amount.
	declaredAmount map[wire.OutPoint]bool
}

// Option configures a View.
type Option func(*View)

// WithChainLock makes the view take the given read lock while it reads the
// chain state.
func WithChainLock(mu *sync.RWMutex) Option {
	return func(v *View) {
		v.chainLock = mu
	}
}

// New creates an empty view on top of the given chain state.
func New(chain CoinSource, opts ...Option) *View {
	v := &View{
		chain:          chain,
		chainCoins:     make(map[wire.OutPoint]*Coin),
		poolCoins:      make(map[wire.OutPoint]*Coin),
		overlay:        make(map[wire.OutPoint]*Coin),
		declaredAmount: make(map[wire.OutPoint]bool),
	}
	for _, opt := range opts {
		opt(v)
	}

	return v
}

// LoadChain reads the given outpoints from the chain state into the view,
// holding the chain read lock for the duration of the batch only.
func (v *View) LoadChain(ops []wire.OutPoint) error {
	if v.chain == nil {
		return nil
	}

	if v.chainLock != nil {
		v.chainLock.RLock()
		defer v.chainLock.RUnlock()
	}

	for _, op := range ops {
		if _, ok := v.chainCoins[op]; ok {
			continue
		}

		if err := v.fetchChainLocked(op); err != nil {
			return err
		}
	}

	return nil
}

// LoadPool captures the pending outputs for the given outpoints. The pool's
// lock is held only inside SnapshotOutputs, so no later signature work runs
// while the pool is locked.
func (v *View) LoadPool(pool PoolSnapshotter, ops []wire.OutPoint) {
	if pool == nil || len(ops) == 0 {
		return
	}

	snapshot := pool.SnapshotOutputs(ops)
	for op, out := range snapshot {
		v.poolCoins[op] = &Coin{
			Output: wire.TxOut{
				Value:    out.Value,
				PkScript: append([]byte(nil), out.PkScript...),
			},
			Height: UnconfirmedHeight,
		}
	}

	log.Tracef("Captured %d of %d outpoints from pending pool",
		len(snapshot), len(ops))
}

// Load is a convenience wrapper that loads the chain state and then the pool
// snapshot for every outpoint spent by the transaction.
func (v *View) Load(tx *wire.MsgTx, pool PoolSnapshotter) error {
	ops := make([]wire.OutPoint, 0, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		ops = append(ops, txIn.PreviousOutPoint)
	}

	if err := v.LoadChain(ops); err != nil {
		return err
	}
	v.LoadPool(pool, ops)

	return nil
}

// fetchChainLocked reads a single outpoint from the chain state. The caller
// must hold the chain lock if one is configured.
func (v *View) fetchChainLocked(op wire.OutPoint) error {
	coin, err := v.chain.FetchCoin(op)
	if err != nil {
		return fmt.Errorf("fetch coin %v: %w", op, err)
	}

	if coin == nil {
		v.chainCoins[op] = nil
		return nil
	}

	cp := coin.clone()
	v.chainCoins[op] = &cp

	return nil
}

// real returns the coin the outpoint resolves to without the overlay.
func (v *View) real(op wire.OutPoint) *Coin {
	if coin, ok := v.chainCoins[op]; ok && coin != nil {
		return coin
	}

	// Pending outputs only fill gaps left by the chain state.
	if coin, ok := v.poolCoins[op]; ok {
		return coin
	}

	return nil
}

// Lookup resolves the outpoint. The returned coin is a copy owned by the
// caller. Outpoints that were never loaded or declared resolve as absent.
func (v *View) Lookup(op wire.OutPoint) fn.Option[Coin] {
	if coin, ok := v.overlay[op]; ok {
		return fn.Some(coin.clone())
	}

	if coin := v.real(op); coin != nil {
		return fn.Some(coin.clone())
	}

	return fn.None[Coin]()
}

// Declare injects a caller asserted coin that is visible only through this
// view. Declaring an outpoint that already resolves to a coin with a
// different locking script fails with ErrScriptMismatch. Repeated
// declarations may add an amount but never contradict an earlier one.
//
// When the outpoint resolves to a real coin with the same locking script, the
// real coin stays authoritative.
func (v *View) Declare(op wire.OutPoint, pkScript []byte,
	amount fn.Option[btcutil.Amount]) error {

	if coin := v.real(op); coin != nil {
		if !bytes.Equal(coin.Output.PkScript, pkScript) {
			return mismatchErr(op, coin.Output.PkScript, pkScript)
		}

		amount.WhenSome(func(amt btcutil.Amount) {
			if amt != coin.Amount() {
				log.Debugf("Declared amount %v for %v ignored, "+
					"known coin has %v", amt, op,
					coin.Amount())
			}
		})

		return nil
	}

	existing, ok := v.overlay[op]
	if !ok {
		v.overlay[op] = &Coin{
			Output: wire.TxOut{
				Value:    int64(amount.UnwrapOr(0)),
				PkScript: append([]byte(nil), pkScript...),
			},
			Height:   UnconfirmedHeight,
			Declared: true,
		}
		v.declaredAmount[op] = amount.IsSome()

		return nil
	}

	if !bytes.Equal(existing.Output.PkScript, pkScript) {
		return mismatchErr(op, existing.Output.PkScript, pkScript)
	}

	amt, err := amount.UnwrapOrErr(errNoAmount)
	if err != nil {
		// Nothing new to record.
		return nil
	}

	if v.declaredAmount[op] && existing.Amount() != amt {
		return fmt.Errorf("%w: %v declared as %v and %v",
			ErrAmountMismatch, op, existing.Amount(), amt)
	}

	existing.Output.Value = int64(amt)
	v.declaredAmount[op] = true

	return nil
}

// errNoAmount is used internally to unwrap an absent amount.
var errNoAmount = errors.New("no amount")

// mismatchErr builds the script mismatch error with both scripts
// disassembled.
func mismatchErr(op wire.OutPoint, known, declared []byte) error {
	knownAsm, _ := txscript.DisasmString(known)
	declaredAsm, _ := txscript.DisasmString(declared)

	return fmt.Errorf("%w for %v: %s vs: %s", ErrScriptMismatch, op,
		knownAsm, declaredAsm)
}

// FetchPrevOutput implements txscript.PrevOutputFetcher. Unknown outpoints
// yield an empty output so sighash midstate computation never sees nil.
func (v *View) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	coin, err := v.Lookup(op).UnwrapOrErr(errNoCoin)
	if err != nil {
		return &wire.TxOut{}
	}

	return &coin.Output
}

// errNoCoin is used internally to unwrap an absent coin.
var errNoCoin = errors.New("no coin")

// A compile time check to ensure View implements txscript.PrevOutputFetcher.
var _ txscript.PrevOutputFetcher = (*View)(nil)

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinview provides a layered, per-call view over unspent transaction
// outputs. A view resolves outpoints against the chain state, fills gaps with
// outputs created by pending pool transactions and finally lets the caller
// declare stand-in coins that live only as long as the view.
package coinview

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// UnconfirmedHeight is the height recorded for coins whose creating
// transaction has not been included in a block.
const UnconfirmedHeight int32 = -1

// Coin is an unspent transaction output plus the metadata the node tracks for
// it.
type Coin struct {
	// Output is the amount and locking script of the coin.
	Output wire.TxOut

	// Height is the height of the block that created the coin, or
	// UnconfirmedHeight.
	Height int32

	// IsCoinBase is true when the coin was created by a coinbase
	// transaction.
	IsCoinBase bool

	// Spent is true once a confirmed transaction spends the coin but before
	// it has been pruned from the chain state. The backends in package chain
	// never return spent coins, so only sources that keep them set it.
	Spent bool

	// Declared marks a caller supplied stand-in without backing
	// persistence.
	Declared bool
}

// Amount returns the value of the coin.
func (c *Coin) Amount() btcutil.Amount {
	return btcutil.Amount(c.Output.Value)
}

// Confirmed reports whether the coin was created in a block.
func (c *Coin) Confirmed() bool {
	return c.Height != UnconfirmedHeight
}

// clone returns a deep copy of the coin so callers never share the locking
// script backing array with the source it was read from.
func (c *Coin) clone() Coin {
	cp := *c
	cp.Output.PkScript = append([]byte(nil), c.Output.PkScript...)

	return cp
}

// CoinSource is the chain state a view is layered on top of.
type CoinSource interface {
	// FetchCoin returns the coin for the outpoint. A nil coin and nil
	// error are returned when the chain state has no record of it.
	FetchCoin(op wire.OutPoint) (*Coin, error)
}

// PoolSnapshotter is implemented by the pending transaction pool. The pool is
// expected to hold its own lock only for the duration of the call.
type PoolSnapshotter interface {
	// SnapshotOutputs returns copies of the outputs created by pending
	// transactions for every requested outpoint the pool knows about.
	SnapshotOutputs(ops []wire.OutPoint) map[wire.OutPoint]wire.TxOut
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain provides the chain state backends the transaction services
// read from: a local store persisted with walletdb and a client of a remote
// node's RPC interface. Package sqldb adds a local store kept in SQLite or
// PostgreSQL.
package chain

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/merkleproof"
	"github.com/btcsuite/btcrawtx/relay"
)

var (
	// ErrTxNotFound is returned when a transaction is unknown to the
	// backend.
	ErrTxNotFound = errors.New("no such transaction")

	// ErrNotTip is returned when a block does not extend the current
	// best chain.
	ErrNotTip = errors.New("block does not extend the best chain")

	// ErrMissingInput is returned when a connected block spends an output
	// that is not in the chain state.
	ErrMissingInput = errors.New("block spends unknown output")

	// ErrEmptyChain is returned when there is no block to disconnect.
	ErrEmptyChain = errors.New("chain is empty")
)

// ConfirmedTx is a transaction together with the block that included it.
type ConfirmedTx struct {
	// Tx is the transaction.
	Tx *wire.MsgTx

	// BlockHash is the hash of the block that included the transaction.
	BlockHash chainhash.Hash

	// Confirmations is the number of blocks on the best chain from the
	// including block to the tip, or zero if the block was disconnected.
	Confirmations int64
}

// Backend is the chain state the transaction services depend on.
type Backend interface {
	coinview.CoinSource
	relay.ChainView
	merkleproof.ChainQuerier
	merkleproof.BlockSource

	// FetchTx returns a confirmed transaction. It returns an error
	// wrapping ErrTxNotFound when the backend does not know it.
	FetchTx(txid chainhash.Hash) (*ConfirmedTx, error)

	// BestBlock returns the hash and height of the best chain tip.
	BestBlock() (chainhash.Hash, int32, error)
}

// LocalStore is a chain state kept on this host that blocks are connected to
// and disconnected from at the tip.
type LocalStore interface {
	Backend

	// ConnectBlock extends the best chain with block. It returns an error
	// wrapping ErrNotTip when the block does not build on the tip, and
	// ErrMissingInput when it spends an unknown output.
	ConnectBlock(block *wire.MsgBlock) error

	// DisconnectTip removes the tip from the best chain, restores the
	// coins it spent and returns it. It returns ErrEmptyChain when there
	// is no block left.
	DisconnectTip() (*wire.MsgBlock, error)

	// Close releases the underlying database.
	Close() error
}

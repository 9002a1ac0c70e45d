// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package merkleproof

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoTxIDs is returned when a proof is requested for no
	// transactions.
	ErrNoTxIDs = errors.New("no transaction ids given")

	// ErrDuplicateTxID is returned when a transaction id is requested
	// twice.
	ErrDuplicateTxID = errors.New("duplicated txid")

	// ErrBlockNotFound is returned when the requested block is unknown.
	ErrBlockNotFound = errors.New("block not found")

	// ErrTxNotYetInBlock is returned when no block containing the
	// transaction can be located.
	ErrTxNotYetInBlock = errors.New("transaction not yet in block")

	// ErrTxNotInBlock is returned when some requested transaction is
	// missing from the located block.
	ErrTxNotInBlock = errors.New("(not all) transactions not found in " +
		"specified block")

	// ErrBlockNotInChain is returned when a proof commits to a header that
	// is not part of the best chain.
	ErrBlockNotInChain = errors.New("block not found in chain")
)

// ChainQuerier answers best chain membership questions.
type ChainQuerier interface {
	// MainChainHasBlock reports whether the block is part of the best
	// chain.
	MainChainHasBlock(hash chainhash.Hash) (bool, error)
}

// BlockSource gives access to the blocks a proof is built from.
type BlockSource interface {
	// FetchBlock returns the block with the given hash. It returns an
	// error wrapping ErrBlockNotFound when the block is unknown.
	FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error)

	// LocateTx returns the hash of the block that confirmed the
	// transaction, if the chain can tell.
	LocateTx(txid chainhash.Hash) (fn.Option[chainhash.Hash], error)
}

// NewProof builds a proof that every transaction in txids is included in a
// block. The block is blockHash when given, otherwise the one the chain
// locates for the last requested transaction. The chain lock, when not nil,
// is held for reading only while the block is located and fetched.
func NewProof(ctx context.Context, chain BlockSource, chainLock *sync.RWMutex,
	txids []chainhash.Hash,
	blockHash fn.Option[chainhash.Hash]) (*MerkleBlock, error) {

	if len(txids) == 0 {
		return nil, ErrNoTxIDs
	}

	wanted := make(map[chainhash.Hash]struct{}, len(txids))
	for _, txid := range txids {
		if _, ok := wanted[txid]; ok {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateTxID, txid)
		}
		wanted[txid] = struct{}{}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	block, err := fetchBlock(chain, chainLock, txids[len(txids)-1],
		blockHash)
	if err != nil {
		return nil, err
	}

	// We'll now check that every requested transaction is part of the
	// block before building the tree, outside of the chain lock.
	found := 0
	for _, tx := range block.Transactions {
		if _, ok := wanted[tx.TxHash()]; ok {
			found++
		}
	}
	if found != len(wanted) {
		return nil, fmt.Errorf("%w: found %d of %d in block %v",
			ErrTxNotInBlock, found, len(wanted), block.BlockHash())
	}

	proof := NewMerkleBlock(block, func(hash chainhash.Hash) bool {
		_, ok := wanted[hash]
		return ok
	})

	log.Debugf("Built proof for %d txns in block %v", len(wanted),
		block.BlockHash())

	return proof, nil
}

// fetchBlock locates and fetches the block a proof is built from.
func fetchBlock(chain BlockSource, chainLock *sync.RWMutex,
	lastTxID chainhash.Hash,
	blockHash fn.Option[chainhash.Hash]) (*wire.MsgBlock, error) {

	if chainLock != nil {
		chainLock.RLock()
		defer chainLock.RUnlock()
	}

	if blockHash.IsNone() {
		located, err := chain.LocateTx(lastTxID)
		if err != nil {
			return nil, err
		}

		blockHash = located
	}

	hash, err := blockHash.UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrTxNotYetInBlock, lastTxID),
	)
	if err != nil {
		return nil, err
	}

	block, err := chain.FetchBlock(hash)
	if err != nil {
		return nil, err
	}

	return block, nil
}

// VerifyProof checks the proof against its header and the best chain and
// returns the proven transaction ids. Malformed proofs and proofs whose root
// does not match the header fail with an error wrapping ErrInvalidProof.
// Proofs for blocks outside the best chain fail with ErrBlockNotInChain.
func VerifyProof(proof *MerkleBlock,
	chain ChainQuerier) ([]chainhash.Hash, error) {

	root, matches, err := proof.Tree.Extract()
	if err != nil {
		return nil, err
	}

	if root != proof.Header.MerkleRoot {
		return nil, fmt.Errorf("%w: root %v does not match header "+
			"merkle root %v", ErrInvalidProof, root,
			proof.Header.MerkleRoot)
	}

	blockHash := proof.Header.BlockHash()
	inChain, err := chain.MainChainHasBlock(blockHash)
	if err != nil {
		return nil, err
	}
	if !inChain {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotInChain, blockHash)
	}

	txids := make([]chainhash.Hash, 0, len(matches))
	for _, match := range matches {
		txids = append(txids, match.TxID)
	}

	return txids, nil
}

// Verify is VerifyProof with every failure reported as an empty result.
func Verify(proof *MerkleBlock, chain ChainQuerier) []chainhash.Hash {
	txids, err := VerifyProof(proof, chain)
	if err != nil {
		log.Debugf("Proof rejected: %v", err)
		return nil
	}

	return txids
}

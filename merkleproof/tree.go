// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkleproof builds and checks compact proofs that a set of
// transactions is committed to by a block header.
//
// A proof carries the number of transactions in the block, a depth-first
// list of flag bits and the hashes needed to recompute the merkle root. A
// set flag bit on an interior node means the subtree holds at least one
// matched transaction and is descended into. A clear bit means the node's
// hash is supplied verbatim. Leaves always consume a hash and their bit marks
// whether the transaction matched.
package merkleproof

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxTransactions bounds the transaction count a proof may claim. The
// smallest possible transaction is 60 bytes, so no valid block holds more.
const maxTransactions = blockchain.MaxBlockBaseSize / 60

// ErrInvalidProof is returned when a partial merkle tree is malformed.
var ErrInvalidProof = errors.New("invalid merkle proof")

// Match is a matched leaf of a partial merkle tree.
type Match struct {
	// TxID is the matched transaction hash.
	TxID chainhash.Hash

	// Index is the position of the transaction within the block.
	Index uint32
}

// PartialTree is a merkle tree pruned to the branches that lead to a set of
// matched leaves.
type PartialTree struct {
	// Transactions is the number of leaves of the full tree.
	Transactions uint32

	// Hashes holds the hashes consumed by the traversal, in depth-first
	// order.
	Hashes []chainhash.Hash

	// Bits holds the traversal flags, in depth-first order.
	Bits []bool
}

// width returns the number of nodes at the given height, where the leaves
// are at height zero.
func width(numLeaves uint32, height uint) uint64 {
	return (uint64(numLeaves) + (uint64(1) << height) - 1) >> height
}

// treeHeight returns the height of the root of a tree with the given number
// of leaves.
func treeHeight(numLeaves uint32) uint {
	var height uint
	for width(numLeaves, height) > 1 {
		height++
	}

	return height
}

// Build creates the partial tree over leaves that proves every leaf for
// which match returns true.
func Build(leaves []chainhash.Hash,
	match func(chainhash.Hash) bool) *PartialTree {

	matches := make([]bool, len(leaves))
	for i, leaf := range leaves {
		matches[i] = match(leaf)
	}

	b := &builder{
		leaves:  leaves,
		matches: matches,
		tree: &PartialTree{
			Transactions: uint32(len(leaves)),
		},
	}

	if len(leaves) > 0 {
		b.traverse(treeHeight(uint32(len(leaves))), 0)
	}

	return b.tree
}

// builder carries the state of a Build traversal.
type builder struct {
	leaves  []chainhash.Hash
	matches []bool
	tree    *PartialTree
}

// hash computes the hash of the node at the given height and position. When
// a level has an odd number of nodes, the last one is paired with itself.
func (b *builder) hash(height uint, pos uint64) chainhash.Hash {
	if height == 0 {
		return b.leaves[pos]
	}

	left := b.hash(height-1, pos*2)
	right := left
	if pos*2+1 < width(b.tree.Transactions, height-1) {
		right = b.hash(height-1, pos*2+1)
	}

	return blockchain.HashMerkleBranches(&left, &right)
}

// traverse emits the flag bits and hashes for the subtree rooted at the node
// of the given height and position.
func (b *builder) traverse(height uint, pos uint64) {
	// We'll first find out whether any leaf below this node matched.
	var parentOfMatch bool
	first := pos << height
	last := (pos + 1) << height
	for p := first; p < last && p < uint64(len(b.leaves)); p++ {
		parentOfMatch = parentOfMatch || b.matches[p]
	}

	b.tree.Bits = append(b.tree.Bits, parentOfMatch)

	// A leaf, or a subtree without matches, is summarised by its hash.
	if height == 0 || !parentOfMatch {
		b.tree.Hashes = append(b.tree.Hashes, b.hash(height, pos))
		return
	}

	b.traverse(height-1, pos*2)
	if pos*2+1 < width(b.tree.Transactions, height-1) {
		b.traverse(height-1, pos*2+1)
	}
}

// extractor carries the state of an Extract traversal.
type extractor struct {
	tree     *PartialTree
	bitsUsed int
	hashUsed int
	matches  []Match
}

// Extract recomputes the merkle root committed to by the tree and returns
// it together with the matched leaves in block order. Any malformation is
// reported as an error wrapping ErrInvalidProof.
func (t *PartialTree) Extract() (chainhash.Hash, []Match, error) {
	var root chainhash.Hash

	switch {
	case t.Transactions == 0:
		return root, nil, fmt.Errorf("%w: no transactions",
			ErrInvalidProof)

	case t.Transactions > maxTransactions:
		return root, nil, fmt.Errorf("%w: %d transactions exceed "+
			"the block limit of %d", ErrInvalidProof,
			t.Transactions, maxTransactions)

	case uint64(len(t.Hashes)) > uint64(t.Transactions):
		return root, nil, fmt.Errorf("%w: %d hashes for %d "+
			"transactions", ErrInvalidProof, len(t.Hashes),
			t.Transactions)

	case len(t.Bits) < len(t.Hashes):
		return root, nil, fmt.Errorf("%w: %d flag bits for %d "+
			"hashes", ErrInvalidProof, len(t.Bits), len(t.Hashes))
	}

	e := &extractor{tree: t}
	root, err := e.traverse(treeHeight(t.Transactions), 0)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}

	// Every flag byte must have been used, apart from the padding of the
	// last one.
	if (e.bitsUsed+7)/8 != (len(t.Bits)+7)/8 {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: %d of %d flag "+
			"bits unused", ErrInvalidProof, len(t.Bits)-e.bitsUsed,
			len(t.Bits))
	}

	if e.hashUsed != len(t.Hashes) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: %d of %d hashes "+
			"unused", ErrInvalidProof, len(t.Hashes)-e.hashUsed,
			len(t.Hashes))
	}

	return root, e.matches, nil
}

// traverse replays the depth-first walk for the node of the given height and
// position and returns its hash.
func (e *extractor) traverse(height uint,
	pos uint64) (chainhash.Hash, error) {

	if e.bitsUsed >= len(e.tree.Bits) {
		return chainhash.Hash{}, fmt.Errorf("%w: flag bits exhausted",
			ErrInvalidProof)
	}

	parentOfMatch := e.tree.Bits[e.bitsUsed]
	e.bitsUsed++

	if height == 0 || !parentOfMatch {
		if e.hashUsed >= len(e.tree.Hashes) {
			return chainhash.Hash{}, fmt.Errorf("%w: hashes "+
				"exhausted", ErrInvalidProof)
		}

		hash := e.tree.Hashes[e.hashUsed]
		e.hashUsed++

		if height == 0 && parentOfMatch {
			e.matches = append(e.matches, Match{
				TxID:  hash,
				Index: uint32(pos),
			})
		}

		return hash, nil
	}

	left, err := e.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}

	right := left
	if pos*2+1 < width(e.tree.Transactions, height-1) {
		right, err = e.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}

		// Two distinct children never hash the same. Identical
		// children would let a proof stand for a tree with a
		// duplicated tail, which hashes to the same root.
		if right == left {
			return chainhash.Hash{}, fmt.Errorf("%w: identical "+
				"child hashes at height %d", ErrInvalidProof,
				height)
		}
	}

	return blockchain.HashMerkleBranches(&left, &right), nil
}

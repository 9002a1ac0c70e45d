// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package merkleproof

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MerkleBlock is a block header together with a partial merkle tree over
// the block's transactions.
type MerkleBlock struct {
	// Header is the header of the block the tree commits to.
	Header wire.BlockHeader

	// Tree proves the matched transactions against Header.MerkleRoot.
	Tree PartialTree
}

// NewMerkleBlock builds a proof over block for the transactions selected by
// match.
func NewMerkleBlock(block *wire.MsgBlock,
	match func(chainhash.Hash) bool) *MerkleBlock {

	leaves := make([]chainhash.Hash, len(block.Transactions))
	for i, tx := range block.Transactions {
		leaves[i] = tx.TxHash()
	}

	return &MerkleBlock{
		Header: block.Header,
		Tree:   *Build(leaves, match),
	}
}

// MsgMerkleBlock converts the proof into its wire message, packing the flag
// bits least significant bit first.
func (m *MerkleBlock) MsgMerkleBlock() *wire.MsgMerkleBlock {
	msg := wire.NewMsgMerkleBlock(&m.Header)
	msg.Transactions = m.Tree.Transactions

	for i := range m.Tree.Hashes {
		hash := m.Tree.Hashes[i]
		msg.Hashes = append(msg.Hashes, &hash)
	}

	msg.Flags = make([]byte, (len(m.Tree.Bits)+7)/8)
	for i, bit := range m.Tree.Bits {
		if bit {
			msg.Flags[i/8] |= 1 << (i % 8)
		}
	}

	return msg
}

// FromMsgMerkleBlock converts a wire message into a proof. Every bit of the
// flag bytes is kept, so trailing padding is visible to Extract.
func FromMsgMerkleBlock(msg *wire.MsgMerkleBlock) *MerkleBlock {
	m := &MerkleBlock{
		Header: msg.Header,
		Tree: PartialTree{
			Transactions: msg.Transactions,
			Hashes:       make([]chainhash.Hash, 0, len(msg.Hashes)),
			Bits:         make([]bool, len(msg.Flags)*8),
		},
	}

	for _, hash := range msg.Hashes {
		m.Tree.Hashes = append(m.Tree.Hashes, *hash)
	}

	for i := range m.Tree.Bits {
		m.Tree.Bits[i] = msg.Flags[i/8]&(1<<(i%8)) != 0
	}

	return m
}

// Serialize writes the proof in the merkleblock wire format.
func (m *MerkleBlock) Serialize(w io.Writer) error {
	return m.MsgMerkleBlock().BtcEncode(
		w, wire.ProtocolVersion, wire.BaseEncoding,
	)
}

// Bytes returns the serialized proof.
func (m *MerkleBlock) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserialize reads a proof in the merkleblock wire format. Encoding errors
// wrap ErrInvalidProof.
func Deserialize(r io.Reader) (*MerkleBlock, error) {
	var msg wire.MsgMerkleBlock
	err := msg.BtcDecode(r, wire.ProtocolVersion, wire.BaseEncoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	return FromMsgMerkleBlock(&msg), nil
}

// ParseMerkleBlock decodes a serialized proof. Trailing bytes are rejected.
func ParseMerkleBlock(b []byte) (*MerkleBlock, error) {
	r := bytes.NewReader(b)

	m, err := Deserialize(r)
	if err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidProof,
			r.Len())
	}

	return m, nil
}

package merkleproof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChain struct {
	mock.Mock
}

func (m *mockChain) MainChainHasBlock(hash chainhash.Hash) (bool, error) {
	args := m.Called(hash)
	return args.Bool(0), args.Error(1)
}

// memSource is a BlockSource over a fixed set of blocks.
type memSource struct {
	blocks map[chainhash.Hash]*wire.MsgBlock
	txIdx  map[chainhash.Hash]chainhash.Hash
}

func newMemSource(blocks ...*wire.MsgBlock) *memSource {
	s := &memSource{
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
		txIdx:  make(map[chainhash.Hash]chainhash.Hash),
	}
	for _, block := range blocks {
		hash := block.BlockHash()
		s.blocks[hash] = block
		for _, tx := range block.Transactions {
			s.txIdx[tx.TxHash()] = hash
		}
	}

	return s
}

func (s *memSource) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	block, ok := s.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}

	return block, nil
}

func (s *memSource) LocateTx(
	txid chainhash.Hash) (fn.Option[chainhash.Hash], error) {

	hash, ok := s.txIdx[txid]
	if !ok {
		return fn.None[chainhash.Hash](), nil
	}

	return fn.Some(hash), nil
}

// TestMerkleBlockEncoding checks the wire round trip and the flag packing.
func TestMerkleBlockEncoding(t *testing.T) {
	t.Parallel()

	block := testBlock(10)
	leaves := leavesOf(block.Transactions)
	proof := NewMerkleBlock(block, matchIndexes(leaves, 0, 7))

	msg := proof.MsgMerkleBlock()
	require.Equal(t, uint32(10), msg.Transactions)
	require.Len(t, msg.Hashes, len(proof.Tree.Hashes))
	require.Len(t, msg.Flags, (len(proof.Tree.Bits)+7)/8)

	// The first bit is the root, set because it has matched leaves.
	require.Equal(t, byte(1), msg.Flags[0]&1)

	raw, err := proof.Bytes()
	require.NoError(t, err)

	// header, count, hash count, hashes, flag count, flags
	expectedLen := wire.MaxBlockHeaderPayload + 4 + 1 +
		len(msg.Hashes)*chainhash.HashSize + 1 + len(msg.Flags)
	require.Len(t, raw, expectedLen)

	decoded, err := ParseMerkleBlock(raw)
	require.NoError(t, err)
	require.Equal(t, proof.Header, decoded.Header)
	require.Equal(t, block.BlockHash(), decoded.Header.BlockHash())
	require.Equal(t, proof.Tree.Hashes, decoded.Tree.Hashes)
	require.Len(t, decoded.Tree.Bits, len(msg.Flags)*8)
	require.Equal(t, proof.Tree.Bits,
		decoded.Tree.Bits[:len(proof.Tree.Bits)])

	root, matches, err := decoded.Tree.Extract()
	require.NoError(t, err)
	require.Equal(t, block.Header.MerkleRoot, root)
	require.Equal(t, []Match{
		{TxID: leaves[0], Index: 0},
		{TxID: leaves[7], Index: 7},
	}, matches)

	// Trailing data and truncated input are refused.
	_, err = ParseMerkleBlock(append(raw, 0x00))
	require.ErrorIs(t, err, ErrInvalidProof)

	_, err = Deserialize(bytes.NewReader(raw[:len(raw)-3]))
	require.ErrorIs(t, err, ErrInvalidProof)
}

// TestVerifyProof checks verification against the header and the chain.
func TestVerifyProof(t *testing.T) {
	t.Parallel()

	block := testBlock(6)
	leaves := leavesOf(block.Transactions)
	blockHash := block.BlockHash()

	t.Run("in chain", func(t *testing.T) {
		t.Parallel()

		chain := &mockChain{}
		chain.On("MainChainHasBlock", blockHash).Return(true, nil).Once()

		proof := NewMerkleBlock(block, matchIndexes(leaves, 1, 5))
		txids, err := VerifyProof(proof, chain)
		require.NoError(t, err)
		require.Equal(t, []chainhash.Hash{leaves[1], leaves[5]}, txids)

		chain.AssertExpectations(t)
	})

	t.Run("not in chain", func(t *testing.T) {
		t.Parallel()

		chain := &mockChain{}
		chain.On("MainChainHasBlock", blockHash).Return(false, nil).Twice()

		proof := NewMerkleBlock(block, matchIndexes(leaves, 1))
		_, err := VerifyProof(proof, chain)
		require.ErrorIs(t, err, ErrBlockNotInChain)
		require.Empty(t, Verify(proof, chain))

		chain.AssertExpectations(t)
	})

	t.Run("chain error", func(t *testing.T) {
		t.Parallel()

		chain := &mockChain{}
		chain.On("MainChainHasBlock", blockHash).Return(
			false, errors.New("db closed"),
		).Once()

		proof := NewMerkleBlock(block, matchIndexes(leaves, 1))
		_, err := VerifyProof(proof, chain)
		require.ErrorContains(t, err, "db closed")

		chain.AssertExpectations(t)
	})

	t.Run("root mismatch", func(t *testing.T) {
		t.Parallel()

		// The chain is never consulted for a proof that does not
		// match its own header.
		chain := &mockChain{}

		proof := NewMerkleBlock(block, matchIndexes(leaves, 1))
		proof.Header.MerkleRoot[0] ^= 0xff

		_, err := VerifyProof(proof, chain)
		require.ErrorIs(t, err, ErrInvalidProof)
		require.Empty(t, Verify(proof, chain))

		chain.AssertExpectations(t)
	})
}

// TestNewProof checks proof construction against a block source.
func TestNewProof(t *testing.T) {
	t.Parallel()

	block := testBlock(7)
	other := testBlock(3)
	for _, tx := range other.Transactions {
		tx.LockTime += 1000
	}
	other.Header.MerkleRoot = merkleRoot(other.Transactions)
	source := newMemSource(block, other)

	leaves := leavesOf(block.Transactions)
	blockHash := block.BlockHash()

	var unknown chainhash.Hash
	unknown[0] = 0xaa

	testCases := []struct {
		name      string
		txids     []chainhash.Hash
		blockHash fn.Option[chainhash.Hash]
		expectErr error
	}{{
		name:      "explicit block",
		txids:     []chainhash.Hash{leaves[3], leaves[0]},
		blockHash: fn.Some(blockHash),
	}, {
		name:      "located block",
		txids:     []chainhash.Hash{leaves[6]},
		blockHash: fn.None[chainhash.Hash](),
	}, {
		name:      "no txids",
		blockHash: fn.None[chainhash.Hash](),
		expectErr: ErrNoTxIDs,
	}, {
		name:      "duplicated txid",
		txids:     []chainhash.Hash{leaves[1], leaves[1]},
		blockHash: fn.Some(blockHash),
		expectErr: ErrDuplicateTxID,
	}, {
		name:      "unknown block",
		txids:     []chainhash.Hash{leaves[1]},
		blockHash: fn.Some(unknown),
		expectErr: ErrBlockNotFound,
	}, {
		name:      "unconfirmed transaction",
		txids:     []chainhash.Hash{unknown},
		blockHash: fn.None[chainhash.Hash](),
		expectErr: ErrTxNotYetInBlock,
	}, {
		name:      "not all in block",
		txids:     []chainhash.Hash{leaves[1], unknown},
		blockHash: fn.Some(blockHash),
		expectErr: ErrTxNotInBlock,
	}, {
		name: "located in another block",
		txids: []chainhash.Hash{
			leaves[1], other.Transactions[0].TxHash(),
		},
		blockHash: fn.None[chainhash.Hash](),
		expectErr: ErrTxNotInBlock,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chainLock := &sync.RWMutex{}

			proof, err := NewProof(
				context.Background(), source, chainLock,
				tc.txids, tc.blockHash,
			)

			// The chain lock is never left held.
			require.True(t, chainLock.TryLock())
			chainLock.Unlock()

			if tc.expectErr != nil {
				require.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, block.Header, proof.Header)

			chain := &mockChain{}
			chain.On("MainChainHasBlock", blockHash).Return(
				true, nil,
			).Once()

			// The proof covers exactly the requested
			// transactions.
			txids := Verify(proof, chain)
			require.ElementsMatch(t, tc.txids, txids)

			chain.AssertExpectations(t)
		})
	}
}

// TestNewProofCancelled checks that a cancelled context stops construction.
func TestNewProofCancelled(t *testing.T) {
	t.Parallel()

	block := testBlock(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewProof(
		ctx, newMemSource(block), nil,
		[]chainhash.Hash{block.Transactions[0].TxHash()},
		fn.None[chainhash.Hash](),
	)
	require.ErrorIs(t, err, context.Canceled)
}

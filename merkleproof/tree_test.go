package merkleproof

import (
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testTxns returns n distinct transactions.
func testTxns(n int) []*wire.MsgTx {
	txns := make([]*wire.MsgTx, n)
	for i := range txns {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Index: uint32(i)},
		})
		tx.AddTxOut(wire.NewTxOut(int64(i), []byte{0x51}))
		tx.LockTime = uint32(i)
		txns[i] = tx
	}

	return txns
}

func leavesOf(txns []*wire.MsgTx) []chainhash.Hash {
	leaves := make([]chainhash.Hash, len(txns))
	for i, tx := range txns {
		leaves[i] = tx.TxHash()
	}

	return leaves
}

// merkleRoot computes the reference root of the transactions.
func merkleRoot(txns []*wire.MsgTx) chainhash.Hash {
	utilTxns := make([]*btcutil.Tx, len(txns))
	for i, tx := range txns {
		utilTxns[i] = btcutil.NewTx(tx)
	}

	store := blockchain.BuildMerkleTreeStore(utilTxns, false)

	return *store[len(store)-1]
}

// testBlock returns a block over n transactions with a valid merkle root.
func testBlock(n int) *wire.MsgBlock {
	txns := testTxns(n)

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    4,
			MerkleRoot: merkleRoot(txns),
			Timestamp:  time.Unix(1_600_000_000, 0),
			Bits:       0x207fffff,
			Nonce:      uint32(n),
		},
		Transactions: txns,
	}

	return block
}

// matchIndexes returns a match function selecting the given positions.
func matchIndexes(leaves []chainhash.Hash,
	indexes ...int) func(chainhash.Hash) bool {

	selected := make(map[chainhash.Hash]struct{}, len(indexes))
	for _, i := range indexes {
		selected[leaves[i]] = struct{}{}
	}

	return func(hash chainhash.Hash) bool {
		_, ok := selected[hash]
		return ok
	}
}

// TestBuildExtractRoundTrip checks that extraction recovers the reference
// merkle root and the matched leaves for many tree shapes.
func TestBuildExtractRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))

	for n := 1; n <= 40; n++ {
		txns := testTxns(n)
		leaves := leavesOf(txns)
		root := merkleRoot(txns)

		random := make([]int, 0, n)
		for i := 0; i < n; i++ {
			if rng.Intn(3) == 0 {
				random = append(random, i)
			}
		}

		all := make([]int, n)
		for i := range all {
			all[i] = i
		}

		patterns := [][]int{
			nil, {0}, {n - 1}, {n / 2}, all, random,
		}

		for _, pattern := range patterns {
			tree := Build(leaves, matchIndexes(leaves, pattern...))
			require.Equal(t, uint32(n), tree.Transactions)

			gotRoot, matches, err := tree.Extract()
			require.NoError(t, err, "n=%d pattern=%v", n, pattern)
			require.Equal(t, root, gotRoot)

			var expected []Match
			seen := make(map[int]struct{})
			for i := 0; i < n; i++ {
				for _, p := range pattern {
					if p != i {
						continue
					}
					if _, ok := seen[i]; ok {
						continue
					}
					seen[i] = struct{}{}
					expected = append(expected, Match{
						TxID:  leaves[i],
						Index: uint32(i),
					})
				}
			}
			require.Equal(t, expected, matches)
		}
	}
}

// TestExtractTamperedBits checks that flipping any flag bit never yields the
// original root with the original matches.
func TestExtractTamperedBits(t *testing.T) {
	t.Parallel()

	txns := testTxns(13)
	leaves := leavesOf(txns)
	root := merkleRoot(txns)

	tree := Build(leaves, matchIndexes(leaves, 2, 9, 12))
	_, origMatches, err := tree.Extract()
	require.NoError(t, err)

	for i := range tree.Bits {
		tampered := &PartialTree{
			Transactions: tree.Transactions,
			Hashes:       tree.Hashes,
			Bits:         append([]bool(nil), tree.Bits...),
		}
		tampered.Bits[i] = !tampered.Bits[i]

		var gotRoot chainhash.Hash
		var matches []Match
		require.NotPanics(t, func() {
			gotRoot, matches, err = tampered.Extract()
		})

		same := err == nil && gotRoot == root &&
			len(matches) == len(origMatches)
		if same {
			for j := range matches {
				same = same && matches[j] == origMatches[j]
			}
		}
		require.False(t, same, "flipping bit %d went unnoticed", i)
	}
}

// TestExtractTamperedHashes checks that changing any hash changes the root.
func TestExtractTamperedHashes(t *testing.T) {
	t.Parallel()

	txns := testTxns(9)
	leaves := leavesOf(txns)
	root := merkleRoot(txns)

	tree := Build(leaves, matchIndexes(leaves, 4))

	for i := range tree.Hashes {
		hashes := append([]chainhash.Hash(nil), tree.Hashes...)
		hashes[i][0] ^= 0x01

		tampered := &PartialTree{
			Transactions: tree.Transactions,
			Hashes:       hashes,
			Bits:         tree.Bits,
		}

		gotRoot, _, err := tampered.Extract()
		if err == nil {
			require.NotEqual(t, root, gotRoot)
		}
	}
}

// TestExtractDuplicatedTail checks that a proof claiming a duplicated last
// transaction is refused even though it hashes to the real root.
func TestExtractDuplicatedTail(t *testing.T) {
	t.Parallel()

	txns := testTxns(3)
	leaves := leavesOf(txns)
	root := merkleRoot(txns)

	// Appending a copy of the last leaf keeps the root unchanged.
	forged := append(append([]chainhash.Hash(nil), leaves...), leaves[2])
	tree := Build(forged, matchIndexes(forged, 3))

	_, _, err := tree.Extract()
	require.ErrorIs(t, err, ErrInvalidProof)
	require.ErrorContains(t, err, "identical child hashes")

	// The honest proof for the same leaf still verifies.
	honest := Build(leaves, matchIndexes(leaves, 2))
	gotRoot, matches, err := honest.Extract()
	require.NoError(t, err)
	require.Equal(t, root, gotRoot)
	require.Equal(t, []Match{{TxID: leaves[2], Index: 2}}, matches)
}

// TestExtractMalformed checks every structural rejection.
func TestExtractMalformed(t *testing.T) {
	t.Parallel()

	var hash chainhash.Hash
	hash[0] = 0x01

	txns := testTxns(5)
	leaves := leavesOf(txns)
	valid := Build(leaves, matchIndexes(leaves, 1))

	padded := &PartialTree{
		Transactions: valid.Transactions,
		Hashes:       valid.Hashes,
		Bits:         append(append([]bool(nil), valid.Bits...), make([]bool, 8)...),
	}

	testCases := []struct {
		name   string
		tree   *PartialTree
		reason string
	}{{
		name:   "no transactions",
		tree:   &PartialTree{},
		reason: "no transactions",
	}, {
		name: "too many transactions",
		tree: &PartialTree{
			Transactions: maxTransactions + 1,
			Hashes:       []chainhash.Hash{hash},
			Bits:         []bool{false},
		},
		reason: "exceed the block limit",
	}, {
		name: "more hashes than transactions",
		tree: &PartialTree{
			Transactions: 1,
			Hashes:       []chainhash.Hash{hash, hash},
			Bits:         []bool{false, false},
		},
		reason: "2 hashes for 1 transactions",
	}, {
		name: "fewer bits than hashes",
		tree: &PartialTree{
			Transactions: 4,
			Hashes:       []chainhash.Hash{hash, hash},
			Bits:         []bool{false},
		},
		reason: "1 flag bits for 2 hashes",
	}, {
		name: "bits exhausted",
		tree: &PartialTree{
			Transactions: 4,
			Hashes:       []chainhash.Hash{hash},
			Bits:         []bool{true},
		},
		reason: "flag bits exhausted",
	}, {
		name: "hashes exhausted",
		tree: &PartialTree{
			Transactions: 1,
			Bits:         []bool{true},
		},
		reason: "hashes exhausted",
	}, {
		name: "unused hashes",
		tree: &PartialTree{
			Transactions: 4,
			Hashes:       []chainhash.Hash{hash, hash},
			Bits:         []bool{false, false},
		},
		reason: "1 of 2 hashes unused",
	}, {
		name:   "unused flag bytes",
		tree:   padded,
		reason: "flag bits unused",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := tc.tree.Extract()
			require.ErrorIs(t, err, ErrInvalidProof)
			require.ErrorContains(t, err, tc.reason)
		})
	}
}

// TestExtractRandomNeverPanics feeds random trees to Extract.
func TestExtractRandomNeverPanics(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 500; i++ {
		tree := &PartialTree{
			Transactions: uint32(rng.Intn(70)),
			Hashes:       make([]chainhash.Hash, rng.Intn(20)),
			Bits:         make([]bool, rng.Intn(64)),
		}
		for j := range tree.Hashes {
			rng.Read(tree.Hashes[j][:])
		}
		for j := range tree.Bits {
			tree.Bits[j] = rng.Intn(2) == 1
		}

		require.NotPanics(t, func() {
			_, _, _ = tree.Extract()
		})
	}
}

package txpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/pkg/btcunit"
	"github.com/btcsuite/btcrawtx/relay"
	"github.com/stretchr/testify/require"
)

const coinValue = 100_000

// mapChain is a chain state backed by a map.
type mapChain map[wire.OutPoint]*coinview.Coin

func (m mapChain) FetchCoin(op wire.OutPoint) (*coinview.Coin, error) {
	coin, ok := m[op]
	if !ok {
		return nil, nil
	}
	cp := *coin

	return &cp, nil
}

// failingChain fails every lookup.
type failingChain struct{}

func (failingChain) FetchCoin(wire.OutPoint) (*coinview.Coin, error) {
	return nil, errors.New("chain unavailable")
}

// harness holds a key and the P2PKH script it controls.
type harness struct {
	key      *btcec.PrivateKey
	pkScript []byte
	chain    mapChain
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, _ := btcec.PrivKeyFromBytes(chainhash.HashB([]byte("txpool")))
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return &harness{key: key, pkScript: pkScript, chain: make(mapChain)}
}

// fund adds a confirmed coin to the chain state.
func (h *harness) fund(label string) wire.OutPoint {
	op := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte(label))}
	h.chain[op] = &coinview.Coin{
		Output: wire.TxOut{Value: coinValue, PkScript: h.pkScript},
		Height: 100,
	}

	return op
}

// spend builds and signs a transaction spending ops into outputs paying
// back to the harness key.
func (h *harness) spend(t *testing.T, ops []wire.OutPoint,
	values ...int64) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range ops {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: op,
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	for _, value := range values {
		tx.AddTxOut(wire.NewTxOut(value, h.pkScript))
	}

	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(
			tx, i, h.pkScript, txscript.SigHashAll, h.key, true,
		)
		require.NoError(t, err)
		tx.TxIn[i].SignatureScript = sigScript
	}

	return tx
}

// TestSubmitAccepted checks the admission of a valid spend and the views the
// pool offers on it.
func TestSubmitAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	op := h.fund("accepted")
	tx := h.spend(t, []wire.OutPoint{op}, coinValue-1000)
	txid := tx.TxHash()

	pool := New(Config{Chain: h.chain})
	require.NoError(t, pool.SubmitTx(tx, btcunit.NewFeeCeiling(5000)))

	require.True(t, pool.HaveTx(txid))
	require.Equal(t, 1, pool.Count())
	require.Equal(t, []chainhash.Hash{txid}, pool.TxIDs())

	fetched := pool.FetchTx(txid).UnwrapOr(nil)
	require.NotNil(t, fetched)
	require.Equal(t, txid, fetched.TxHash())

	created := wire.OutPoint{Hash: txid}
	snapshot := pool.SnapshotOutputs([]wire.OutPoint{
		created, {Hash: txid, Index: 5}, op,
	})
	require.Len(t, snapshot, 1)
	require.Equal(t, int64(coinValue-1000), snapshot[created].Value)
}

// TestSubmitRejections checks each rejection category.
func TestSubmitRejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		prepare func(t *testing.T, h *harness, pool *Pool) *wire.MsgTx
		ceiling btcunit.FeeCeiling
		minFee  btcunit.SatPerKVByte
		code    uint32
		missing bool
	}{{
		name: "missing input",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			op := wire.OutPoint{Hash: chainhash.DoubleHashH(
				[]byte("unknown"),
			)}

			return h.spend(t, []wire.OutPoint{op}, 1000)
		},
		missing: true,
	}, {
		name: "spent coin",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			op := h.fund("spent")
			h.chain[op].Spent = true

			return h.spend(t, []wire.OutPoint{op}, 1000)
		},
		missing: true,
	}, {
		name: "bad signature",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			op := h.fund("badsig")
			tx := h.spend(t, []wire.OutPoint{op}, 1000)
			tx.TxOut[0].Value++

			return tx
		},
		code: relay.RejectInvalid,
	}, {
		name: "absurd fee",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			op := h.fund("highfee")
			return h.spend(t, []wire.OutPoint{op}, 1000)
		},
		ceiling: btcunit.NewFeeCeiling(5000),
		code:    relay.RejectHighFee,
	}, {
		name: "outputs above inputs",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			op := h.fund("belowout")
			return h.spend(t, []wire.OutPoint{op}, coinValue+1)
		},
		code: relay.RejectInvalid,
	}, {
		name: "min relay fee",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			op := h.fund("lowfee")
			return h.spend(t, []wire.OutPoint{op}, coinValue-1)
		},
		minFee: btcunit.NewSatPerKVByte(1000),
		code:   relay.RejectInsufficientFee,
	}, {
		name: "duplicate",
		prepare: func(t *testing.T, h *harness, pool *Pool) *wire.MsgTx {
			op := h.fund("dup")
			tx := h.spend(t, []wire.OutPoint{op}, coinValue-1000)
			require.NoError(t, pool.SubmitTx(tx, 0))

			return tx
		},
		code: relay.RejectDuplicate,
	}, {
		name: "conflict",
		prepare: func(t *testing.T, h *harness, pool *Pool) *wire.MsgTx {
			op := h.fund("conflict")
			first := h.spend(t, []wire.OutPoint{op}, coinValue-1000)
			require.NoError(t, pool.SubmitTx(first, 0))

			return h.spend(t, []wire.OutPoint{op}, coinValue-2000)
		},
		code: relay.RejectConflict,
	}, {
		name: "no inputs",
		prepare: func(t *testing.T, h *harness, _ *Pool) *wire.MsgTx {
			tx := wire.NewMsgTx(wire.TxVersion)
			tx.AddTxOut(wire.NewTxOut(1000, h.pkScript))

			return tx
		},
		code: relay.RejectInvalid,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange: A funded harness and a pool with the case's
			// policy.
			h := newHarness(t)
			pool := New(Config{Chain: h.chain, MinRelayFee: tc.minFee})
			tx := tc.prepare(t, h, pool)
			before := pool.Count()

			// Act: Submit the transaction.
			err := pool.SubmitTx(tx, tc.ceiling)

			// Assert: The rejection is classified as expected and
			// the pool is unchanged.
			require.Error(t, err)
			if tc.missing {
				require.ErrorIs(t, err, relay.ErrMissingInputs)
			} else {
				require.True(t, relay.IsRejected(err, tc.code),
					"unexpected error: %v", err)
			}
			require.Equal(t, before, pool.Count())
		})
	}
}

// TestSubmitChainError checks that chain state failures are surfaced.
func TestSubmitChainError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tx := h.spend(t, []wire.OutPoint{h.fund("x")}, 1000)

	pool := New(Config{Chain: failingChain{}})
	err := pool.SubmitTx(tx, 0)
	require.ErrorContains(t, err, "chain unavailable")
	require.False(t, errors.Is(err, relay.ErrMissingInputs))
}

// TestSubmitChildAndRemove checks spend chains through pending parents and
// their recursive removal.
func TestSubmitChildAndRemove(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pool := New(Config{Chain: h.chain})

	parent := h.spend(t, []wire.OutPoint{h.fund("parent")},
		40_000, 50_000)
	require.NoError(t, pool.SubmitTx(parent, 0))

	parentID := parent.TxHash()
	child := h.spend(t, []wire.OutPoint{
		{Hash: parentID, Index: 0}, {Hash: parentID, Index: 1},
	}, 85_000)
	require.NoError(t, pool.SubmitTx(child, 0))

	grandChild := h.spend(t, []wire.OutPoint{{Hash: child.TxHash()}},
		80_000)
	require.NoError(t, pool.SubmitTx(grandChild, 0))
	require.Equal(t, 3, pool.Count())

	// Removing the parent takes the whole chain with it.
	require.NoError(t, pool.RemoveTx(parentID))
	require.Zero(t, pool.Count())
	require.ErrorIs(t, pool.RemoveTx(parentID), ErrNotFound)

	// The parent's input is spendable again.
	require.NoError(t, pool.SubmitTx(parent, 0))
}

// TestRemoveConfirmed checks the pool update for a connected block.
func TestRemoveConfirmed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pool := New(Config{Chain: h.chain})

	// A pending spend chain rooted at a coin the block double spends.
	shared := h.fund("shared")
	pending := h.spend(t, []wire.OutPoint{shared}, 90_000)
	require.NoError(t, pool.SubmitTx(pending, 0))
	child := h.spend(t, []wire.OutPoint{{Hash: pending.TxHash()}}, 80_000)
	require.NoError(t, pool.SubmitTx(child, 0))

	// A pending transaction the block confirms.
	confirmed := h.spend(t, []wire.OutPoint{h.fund("confirmed")}, 90_000)
	require.NoError(t, pool.SubmitTx(confirmed, 0))

	// An unrelated pending transaction.
	unrelated := h.spend(t, []wire.OutPoint{h.fund("unrelated")}, 90_000)
	require.NoError(t, pool.SubmitTx(unrelated, 0))

	doubleSpend := h.spend(t, []wire.OutPoint{shared}, 95_000)
	block := &wire.MsgBlock{
		Transactions: []*wire.MsgTx{doubleSpend, confirmed},
	}

	pool.RemoveConfirmed(block)

	require.Equal(t, []chainhash.Hash{unrelated.TxHash()}, pool.TxIDs())
}

// TestSubmitConcurrentConflicts checks that only one of many conflicting
// spends is admitted.
func TestSubmitConcurrentConflicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pool := New(Config{Chain: h.chain})
	op := h.fund("race")

	const spenders = 8
	txs := make([]*wire.MsgTx, spenders)
	for i := range txs {
		txs[i] = h.spend(t, []wire.OutPoint{op}, int64(90_000+i))
	}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for _, tx := range txs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if pool.SubmitTx(tx, 0) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), accepted.Load())
	require.Equal(t, 1, pool.Count())
}

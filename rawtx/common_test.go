package rawtx

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/btcsuite/btcrawtx/relay"
	"github.com/btcsuite/btcrawtx/txpool"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

const coinbaseValue = 50 * btcutil.SatoshiPerBitcoin

// testKey derives a deterministic private key from a label.
func testKey(label string) *btcec.PrivateKey {
	privKey, _ := btcec.PrivKeyFromBytes(chainhash.HashB([]byte(label)))
	return privKey
}

// testWIF returns the compressed WIF encoding of a key on the test network.
func testWIF(t *testing.T, key *btcec.PrivateKey) string {
	t.Helper()

	wif, err := btcutil.NewWIF(key, testParams, true)
	require.NoError(t, err)

	return wif.String()
}

// p2pkhAddr returns the P2PKH address of a key on the test network.
func p2pkhAddr(t *testing.T, key *btcec.PrivateKey) btcutil.Address {
	t.Helper()

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), testParams,
	)
	require.NoError(t, err)

	return addr
}

func payTo(t *testing.T, addr btcutil.Address) []byte {
	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return pkScript
}

// coinbaseTx returns a coinbase paying to pkScript.
func coinbaseTx(height int32, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(height), 0x00},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(coinbaseValue, pkScript))

	return tx
}

// newBlock builds a block on prev with a correct merkle root.
func newBlock(prev chainhash.Hash, txns ...*wire.MsgTx) *wire.MsgBlock {
	utilTxns := make([]*btcutil.Tx, len(txns))
	for i, tx := range txns {
		utilTxns[i] = btcutil.NewTx(tx)
	}
	store := blockchain.BuildMerkleTreeStore(utilTxns, false)

	return &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    4,
			PrevBlock:  prev,
			MerkleRoot: *store[len(store)-1],
			Bits:       0x207fffff,
		},
		Transactions: txns,
	}
}

// harness is a service over a two block chain persisted in a temporary
// directory. Every output of the chain pays to key.
type harness struct {
	svc   *Service
	store *chain.Store
	pool  *txpool.Pool

	key      *btcec.PrivateKey
	addr     btcutil.Address
	pkScript []byte

	genesis, second *wire.MsgBlock

	// coinbase is the genesis coinbase, spent by split.
	coinbase *wire.MsgTx

	// reward is the unspent coinbase of the second block.
	reward *wire.MsgTx

	// split spends coinbase into two outputs.
	split *wire.MsgTx
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key := testKey("rawtx")
	addr := p2pkhAddr(t, key)
	pkScript := payTo(t, addr)

	coinbase := coinbaseTx(0, pkScript)
	genesis := newBlock(chainhash.Hash{}, coinbase)

	split := wire.NewMsgTx(wire.TxVersion)
	split.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: coinbase.TxHash()},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	split.AddTxOut(wire.NewTxOut(coinbaseValue/2, pkScript))
	split.AddTxOut(wire.NewTxOut(coinbaseValue/2, pkScript))

	reward := coinbaseTx(1, pkScript)
	second := newBlock(genesis.BlockHash(), reward, split)

	dbPath := filepath.Join(t.TempDir(), "chain.db")
	store, err := chain.OpenStore(dbPath, chain.DefaultDBTimeout)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	require.NoError(t, store.ConnectBlock(genesis))
	require.NoError(t, store.ConnectBlock(second))

	var chainLock sync.RWMutex
	pool := txpool.New(txpool.Config{Chain: store})
	publisher := relay.NewPublisher(relay.Config{
		Chain:     store,
		ChainLock: &chainLock,
		Pool:      pool,
	})

	svc := New(Config{
		ChainParams: testParams,
		Chain:       store,
		ChainLock:   &chainLock,
		Pool:        pool,
		Publisher:   publisher,
		SignWorkers: 2,
	})

	return &harness{
		svc:      svc,
		store:    store,
		pool:     pool,
		key:      key,
		addr:     addr,
		pkScript: pkScript,
		genesis:  genesis,
		second:   second,
		coinbase: coinbase,
		reward:   reward,
		split:    split,
	}
}

// unsigned creates an unsigned transaction spending op into a single output
// of the given value paying back to the harness key.
func (h *harness) unsigned(t *testing.T, op wire.OutPoint,
	value btcutil.Amount) string {

	t.Helper()

	tx, err := h.svc.CreateRawTransaction(
		[]TxInput{{TxID: op.Hash, Vout: int64(op.Index)}},
		[]TxOutput{{Key: h.addr.EncodeAddress(), Amount: value}}, 0,
	)
	require.NoError(t, err)

	return encode(t, tx)
}

func encode(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()

	s, err := EncodeTx(tx)
	require.NoError(t, err)

	return s
}

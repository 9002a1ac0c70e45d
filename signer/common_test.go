package signer

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

const testAmount = 50_000

// testKey derives a deterministic private key from a label.
func testKey(label string) *btcec.PrivateKey {
	privKey, _ := btcec.PrivKeyFromBytes(chainhash.HashB([]byte(label)))
	return privKey
}

// testOutPoint returns a distinct outpoint for the given label.
func testOutPoint(label string) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.DoubleHashH([]byte(label))}
}

func compressed(key *btcec.PrivateKey) []byte {
	return key.PubKey().SerializeCompressed()
}

func p2pkScript(t *testing.T, key *btcec.PrivateKey) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressPubKey(compressed(key), testParams)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

func p2pkhScript(t *testing.T, key *btcec.PrivateKey) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(compressed(key)), testParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

func p2wpkhScript(t *testing.T, key *btcec.PrivateKey) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(compressed(key)), testParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

func multisigScript(t *testing.T, required int,
	keys ...*btcec.PrivateKey) []byte {

	t.Helper()

	pubKeys := make([]*btcutil.AddressPubKey, 0, len(keys))
	for _, key := range keys {
		addr, err := btcutil.NewAddressPubKey(compressed(key), testParams)
		require.NoError(t, err)
		pubKeys = append(pubKeys, addr)
	}

	script, err := txscript.MultiSigScript(pubKeys, required)
	require.NoError(t, err)

	return script
}

func p2shScript(t *testing.T, redeem []byte) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressScriptHash(redeem, testParams)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

func p2wshScript(t *testing.T, witnessScript []byte) []byte {
	t.Helper()

	sum := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(sum[:], testParams)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

// prevOut is a previous output a test transaction spends.
type prevOut struct {
	op       wire.OutPoint
	pkScript []byte
}

// spendTx builds an unsigned transaction spending prevs with the given
// number of outputs, and a view declaring every spent output.
func spendTx(t *testing.T, outputs int,
	prevs ...prevOut) (*wire.MsgTx, *coinview.View) {

	t.Helper()

	view := coinview.New(nil)
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, prev := range prevs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: prev.op,
			Sequence:         wire.MaxTxInSequenceNum,
		})

		err := view.Declare(
			prev.op, prev.pkScript,
			fn.Some(btcutil.Amount(testAmount)),
		)
		require.NoError(t, err)
	}

	change := p2wpkhScript(t, testKey("change"))
	for i := 0; i < outputs; i++ {
		tx.AddTxOut(wire.NewTxOut(int64(10_000+i), change))
	}

	return tx, view
}

// keyStore returns a key store holding the given keys and scripts.
func keyStore(keys []*btcec.PrivateKey, scripts ...[]byte) *MemKeyStore {
	store := NewMemKeyStore(testParams)
	for _, key := range keys {
		store.AddKey(key, true)
	}
	for _, script := range scripts {
		store.AddScript(script)
	}

	return store
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return buf.Bytes()
}

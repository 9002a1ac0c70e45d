package scripteval

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// spendP2PKH returns a signed transaction spending a P2PKH output together
// with the output script and amount.
func spendP2PKH(t *testing.T) (*wire.MsgTx, []byte, int64) {
	t.Helper()

	privKey, _ := btcec.PrivKeyFromBytes(
		chainhash.HashB([]byte("scripteval test key")),
	)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	const amount = 100_000

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash: chainhash.DoubleHashH([]byte("prev")),
		},
		Sequence: wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(amount-1000, pkScript))

	sigScript, err := txscript.SignatureScript(
		tx, 0, pkScript, txscript.SigHashAll, privKey, true,
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript

	return tx, pkScript, amount
}

// TestEngineEvaluate checks that a valid spend passes and a tampered one
// reports a script error.
func TestEngineEvaluate(t *testing.T) {
	t.Parallel()

	engine := NewEngine(0)
	tx, pkScript, amount := spendP2PKH(t)
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, amount)

	err := engine.Evaluate(pkScript, tx, 0, amount, StandardFlags, fetcher)
	require.NoError(t, err)

	// Changing an output invalidates the SIGHASH_ALL signature.
	tx.TxOut[0].Value--
	err = engine.Evaluate(pkScript, tx, 0, amount, StandardFlags, fetcher)
	require.Error(t, err)

	_, ok := ErrorCode(err)
	require.True(t, ok)
	require.NotEmpty(t, Reason(err))
}

// TestEngineEvaluateEmptyScriptSig checks the failure reported for an input
// without any unlocking content.
func TestEngineEvaluateEmptyScriptSig(t *testing.T) {
	t.Parallel()

	engine := NewEngine(10)
	tx, pkScript, amount := spendP2PKH(t)
	tx.TxIn[0].SignatureScript = nil
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, amount)

	err := engine.Evaluate(pkScript, tx, 0, amount, StandardFlags, fetcher)
	require.Error(t, err)

	_, ok := ErrorCode(err)
	require.True(t, ok)
}

// TestReasonFallback checks the rendering of non script errors.
func TestReasonFallback(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	require.Equal(t, "boom", Reason(err))

	_, ok := ErrorCode(err)
	require.False(t, ok)
}

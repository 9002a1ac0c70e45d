package rawtx

import (
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestCreateRawTransaction checks the inputs and outputs of created
// transactions and the argument validation.
func TestCreateRawTransaction(t *testing.T) {
	t.Parallel()

	svc := New(Config{ChainParams: testParams})

	alice := p2pkhAddr(t, testKey("alice")).EncodeAddress()
	bob := p2pkhAddr(t, testKey("bob")).EncodeAddress()
	txid := chainhash.DoubleHashH([]byte("prev"))

	testCases := []struct {
		name      string
		inputs    []TxInput
		outputs   []TxOutput
		lockTime  int64
		sequences []uint32
		err       error
	}{{
		name: "final sequence without lock time",
		inputs: []TxInput{
			{TxID: txid, Vout: 0},
			{TxID: txid, Vout: 3},
		},
		outputs:   []TxOutput{{Key: alice, Amount: 1000}},
		sequences: []uint32{math.MaxUint32, math.MaxUint32},
	}, {
		name:      "lock time enables sequence",
		inputs:    []TxInput{{TxID: txid, Vout: 1}},
		outputs:   []TxOutput{{Key: alice, Amount: 1000}},
		lockTime:  500_000,
		sequences: []uint32{math.MaxUint32 - 1},
	}, {
		name: "explicit sequence",
		inputs: []TxInput{{
			TxID: txid, Vout: 1, Sequence: fn.Some(int64(7)),
		}},
		lockTime:  500_000,
		sequences: []uint32{7},
	}, {
		name:    "negative vout",
		inputs:  []TxInput{{TxID: txid, Vout: -1}},
		outputs: []TxOutput{{Key: alice, Amount: 1000}},
		err:     ErrInvalidParameter,
	}, {
		name: "sequence out of range",
		inputs: []TxInput{{
			TxID: txid, Sequence: fn.Some(int64(math.MaxUint32 + 1)),
		}},
		err: ErrInvalidParameter,
	}, {
		name:     "negative lock time",
		lockTime: -1,
		err:      ErrInvalidParameter,
	}, {
		name:     "lock time out of range",
		lockTime: math.MaxUint32 + 1,
		err:      ErrInvalidParameter,
	}, {
		name: "duplicated address",
		outputs: []TxOutput{
			{Key: alice, Amount: 1000},
			{Key: bob, Amount: 1000},
			{Key: alice, Amount: 2000},
		},
		err: ErrInvalidParameter,
	}, {
		name:    "invalid address",
		outputs: []TxOutput{{Key: "notanaddress", Amount: 1000}},
		err:     ErrInvalidAddress,
	}, {
		name: "address for another network",
		outputs: []TxOutput{{
			Key: "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", Amount: 1000,
		}},
		err: ErrInvalidAddress,
	}, {
		name: "amount out of range",
		outputs: []TxOutput{{
			Key: alice, Amount: btcutil.MaxSatoshi + 1,
		}},
		err: ErrInvalidParameter,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tx, err := svc.CreateRawTransaction(
				tc.inputs, tc.outputs, tc.lockTime,
			)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)

			require.EqualValues(t, tc.lockTime, tx.LockTime)
			require.Len(t, tx.TxIn, len(tc.sequences))
			for i, in := range tc.inputs {
				require.Equal(t, tc.sequences[i], tx.TxIn[i].Sequence)
				require.Equal(t, wire.OutPoint{
					Hash: in.TxID, Index: uint32(in.Vout),
				}, tx.TxIn[i].PreviousOutPoint)
				require.Empty(t, tx.TxIn[i].SignatureScript)
			}
			require.Len(t, tx.TxOut, len(tc.outputs))
		})
	}
}

// TestCreateRawTransactionOutputs checks the scripts of the created outputs.
func TestCreateRawTransactionOutputs(t *testing.T) {
	t.Parallel()

	svc := New(Config{ChainParams: testParams})
	addr := p2pkhAddr(t, testKey("alice"))
	data := []byte("hello")

	tx, err := svc.CreateRawTransaction(nil, []TxOutput{
		{Key: addr.EncodeAddress(), Amount: 12_345},
		{Key: DataKey, Data: data},
	}, 0)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)

	require.EqualValues(t, 12_345, tx.TxOut[0].Value)
	require.Equal(t, payTo(t, addr), tx.TxOut[0].PkScript)

	// The data output carries the bytes after OP_RETURN and no value.
	require.Zero(t, tx.TxOut[1].Value)
	pushes, err := txscript.PushedData(tx.TxOut[1].PkScript)
	require.NoError(t, err)
	require.Equal(t, [][]byte{data}, pushes)
	require.Equal(t, byte(txscript.OP_RETURN), tx.TxOut[1].PkScript[0])

	// The transaction survives a round trip through its hex encoding.
	decoded, err := DecodeTx(encode(t, tx))
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.TxHash())
}

// TestZeroInputRoundTrip checks that a created transaction without inputs
// decodes again and can be passed on to signing.
func TestZeroInputRoundTrip(t *testing.T) {
	t.Parallel()

	rt := require.New(t)
	h := newHarness(t)
	addr := p2pkhAddr(t, testKey("carol"))

	// Arrange: an input-less transaction in its legacy encoding.
	tx, err := h.svc.CreateRawTransaction(nil, []TxOutput{
		{Key: addr.EncodeAddress(), Amount: 1_000},
	}, 0)
	rt.NoError(err)
	rt.Empty(tx.TxIn)

	hexTx := encode(t, tx)
	rt.Equal("0100000000", hexTx[:10])

	// Act: decode it alone, next to a variant and through signing.
	decoded, err := DecodeTx(hexTx)
	rt.NoError(err)

	txns, err := decodeTxns(hexTx + hexTx)
	rt.NoError(err)

	signed, err := h.svc.SignRawTransaction(t.Context(), SignRequest{
		HexTx: hexTx,
	})

	// Assert: every path sees the same transaction.
	rt.Equal(tx.TxHash(), decoded.TxHash())
	rt.Len(txns, 2)
	rt.Equal(tx.TxHash(), txns[1].TxHash())

	rt.NoError(err)
	rt.True(signed.Complete)
	rt.Empty(signed.Errors)
	rt.Empty(signed.Tx.TxIn)
	rt.Equal(tx.TxOut, signed.Tx.TxOut)
}

// TestDecodeTx checks that only a single complete transaction decodes.
func TestDecodeTx(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	hexTx := encode(t, tx)

	_, err := DecodeTx(hexTx)
	require.NoError(t, err)

	for _, bad := range []string{"", "zz", hexTx[:len(hexTx)-2],
		hexTx + hexTx} {

		_, err := DecodeTx(bad)
		require.ErrorIs(t, err, ErrDecodeTx, bad)
	}
}

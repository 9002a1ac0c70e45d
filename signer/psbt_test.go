package signer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestVariantFromPacketPartialSigs checks that partial signatures gathered
// in a PSBT merge with a locally signed copy of the transaction.
func TestVariantFromPacketPartialSigs(t *testing.T) {
	t.Parallel()

	alice, bob := testKey("alice"), testKey("bob")
	multi := multisigScript(t, 2, alice, bob)
	pkScript := p2wshScript(t, multi)

	tx, view := spendTx(t, 1, prevOut{
		op: testOutPoint("psbt"), pkScript: pkScript,
	})

	// Arrange: Alice contributes a partial signature through a PSBT.
	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	sigHashes := txscript.NewTxSigHashes(tx, view)
	aliceSig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, testAmount, multi, txscript.SigHashAll, alice,
	)
	require.NoError(t, err)

	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(testAmount, pkScript)
	packet.Inputs[0].WitnessScript = multi
	packet.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    compressed(alice),
		Signature: aliceSig,
	}}

	variant, err := VariantFromPacket(packet)
	require.NoError(t, err)
	require.Len(t, variant.TxIn[0].Witness, 3)

	// Act: Bob signs with the PSBT as an extra variant.
	result, err := Sign(context.Background(), &Request{
		Tx:       tx,
		Variants: []*wire.MsgTx{variant},
		View:     view,
		Keys:     keyStore([]*btcec.PrivateKey{bob}, multi),
		HashType: txscript.SigHashAll,
	})

	// Assert: Both signatures end up in the witness.
	require.NoError(t, err)
	require.True(t, result.Complete)
	requireVerifies(t, result.Tx, view)
}

// TestVariantFromPacketFinalized checks that final scripts are copied as is.
func TestVariantFromPacketFinalized(t *testing.T) {
	t.Parallel()

	tx, _ := spendTx(t, 1, prevOut{
		op: testOutPoint("final"), pkScript: p2wpkhScript(t, testKey("x")),
	})

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	// A two item witness: 0x02 items, then 0x01 0xaa and 0x02 0xbb 0xcc.
	packet.Inputs[0].FinalScriptWitness = []byte{
		0x02, 0x01, 0xaa, 0x02, 0xbb, 0xcc,
	}

	variant, err := VariantFromPacket(packet)
	require.NoError(t, err)
	require.Equal(t, wire.TxWitness{{0xaa}, {0xbb, 0xcc}},
		variant.TxIn[0].Witness)

	// The packet's own transaction is untouched.
	require.Empty(t, packet.UnsignedTx.TxIn[0].Witness)
}

// TestVariantFromPacketInvalid checks the rejection of malformed packets.
func TestVariantFromPacketInvalid(t *testing.T) {
	t.Parallel()

	_, err := VariantFromPacket(nil)
	require.ErrorIs(t, err, ErrInvalidPacket)

	tx, _ := spendTx(t, 1, prevOut{
		op: testOutPoint("bad"), pkScript: p2wpkhScript(t, testKey("x")),
	})
	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	// Truncated witness serialization.
	packet.Inputs[0].FinalScriptWitness = []byte{0x02, 0x05, 0xaa}
	_, err = VariantFromPacket(packet)
	require.ErrorIs(t, err, ErrInvalidPacket)

	// Partial signatures without any way to learn the script.
	packet.Inputs[0].FinalScriptWitness = nil
	packet.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    compressed(testKey("x")),
		Signature: []byte{0x30},
	}}
	_, err = VariantFromPacket(packet)
	require.ErrorIs(t, err, ErrInvalidPacket)
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rawtx

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DataKey is the output key that selects a data carrier output instead of a
// payment to an address.
const DataKey = "data"

// TxInput is an input of a transaction to create.
type TxInput struct {
	// TxID is the transaction holding the output to spend.
	TxID chainhash.Hash

	// Vout is the index of the output to spend.
	Vout int64

	// Sequence overrides the default sequence number.
	Sequence fn.Option[int64]
}

// TxOutput is an output of a transaction to create.
type TxOutput struct {
	// Key is an address, or DataKey for a data carrier output.
	Key string

	// Amount is paid to the address. Ignored for data outputs.
	Amount btcutil.Amount

	// Data is carried by a DataKey output.
	Data []byte
}

// CreateRawTransaction builds an unsigned transaction. Inputs default to the
// final sequence number, or one less when a lock time is set so that the
// lock time is enforced.
func (s *Service) CreateRawTransaction(inputs []TxInput, outputs []TxOutput,
	lockTime int64) (*wire.MsgTx, error) {

	if lockTime < 0 || lockTime > math.MaxUint32 {
		return nil, fmt.Errorf("%w, locktime out of range",
			ErrInvalidParameter)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = uint32(lockTime)

	defaultSequence := uint32(wire.MaxTxInSequenceNum)
	if tx.LockTime != 0 {
		defaultSequence--
	}

	for _, in := range inputs {
		if in.Vout < 0 {
			return nil, fmt.Errorf("%w, vout must be positive",
				ErrInvalidParameter)
		}
		if in.Vout > math.MaxUint32 {
			return nil, fmt.Errorf("%w, vout out of range",
				ErrInvalidParameter)
		}

		sequence := int64(defaultSequence)
		in.Sequence.WhenSome(func(seq int64) {
			sequence = seq
		})
		if sequence < 0 || sequence > math.MaxUint32 {
			return nil, fmt.Errorf("%w, sequence number is out of "+
				"range", ErrInvalidParameter)
		}

		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{
				Hash:  in.TxID,
				Index: uint32(in.Vout),
			},
			Sequence: uint32(sequence),
		})
	}

	seen := make(map[string]struct{}, len(outputs))
	for _, out := range outputs {
		txOut, err := s.newTxOut(out, seen)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(txOut)
	}

	log.Debugf("Created raw tx %v with %d inputs and %d outputs",
		tx.TxHash(), len(tx.TxIn), len(tx.TxOut))

	return tx, nil
}

// newTxOut converts one requested output. seen tracks the addresses already
// paid.
func (s *Service) newTxOut(out TxOutput,
	seen map[string]struct{}) (*wire.TxOut, error) {

	if out.Key == DataKey {
		script, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_RETURN).
			AddData(out.Data).
			Script()
		if err != nil {
			return nil, fmt.Errorf("%w, data: %v", ErrInvalidParameter,
				err)
		}

		return wire.NewTxOut(0, script), nil
	}

	addr, err := btcutil.DecodeAddress(out.Key, s.cfg.ChainParams)
	if err != nil || !addr.IsForNet(s.cfg.ChainParams) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, out.Key)
	}

	// Different spellings of an address pay the same script, so they are
	// compared in their canonical encoding.
	canonical := addr.EncodeAddress()
	if _, ok := seen[canonical]; ok {
		return nil, fmt.Errorf("%w, duplicated address: %s",
			ErrInvalidParameter, out.Key)
	}
	seen[canonical] = struct{}{}

	if out.Amount < 0 || out.Amount > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("%w, amount out of range: %v",
			ErrInvalidParameter, out.Amount)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress,
			out.Key, err)
	}

	return wire.NewTxOut(int64(out.Amount), pkScript), nil
}

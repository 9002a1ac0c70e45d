// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/rawtx"
)

type decodeCmd struct {
	Args struct {
		HexTx string `positional-arg-name:"hextx"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (*decodeCmd) offline() {}

// Execute decodes the transaction and prints its fields.
func (c *decodeCmd) Execute(_ []string) error {
	tx, err := rawtx.DecodeTx(c.Args.HexTx)
	if err != nil {
		return err
	}

	return printJSON(txDecodeResult(tx, c.app.cfg.params))
}

type decodeScriptCmd struct {
	Args struct {
		HexScript string `positional-arg-name:"hexscript"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (*decodeScriptCmd) offline() {}

// Execute decodes the script and prints its type and addresses.
func (c *decodeScriptCmd) Execute(_ []string) error {
	hexStr := c.Args.HexScript
	if len(hexStr)%2 != 0 {
		hexStr = "0" + hexStr
	}
	script, err := hex.DecodeString(hexStr)
	if err != nil {
		return fmt.Errorf("%w, invalid hex script: %v",
			rawtx.ErrInvalidParameter, err)
	}

	result, err := scriptDecodeResult(script, c.app.cfg.params)
	if err != nil {
		return err
	}

	return printJSON(result)
}

// txDecodeResult describes tx for the decode command.
func txDecodeResult(tx *wire.MsgTx,
	params *chaincfg.Params) btcjson.TxRawDecodeResult {

	return btcjson.TxRawDecodeResult{
		Txid:     tx.TxHash().String(),
		Version:  tx.Version,
		Locktime: tx.LockTime,
		Vin:      vinList(tx),
		Vout:     voutList(tx, params),
	}
}

// vinList describes the inputs of tx.
func vinList(tx *wire.MsgTx) []btcjson.Vin {
	vins := make([]btcjson.Vin, len(tx.TxIn))

	// A coinbase has a single input without a previous output.
	if blockchain.IsCoinBaseTx(tx) {
		txIn := tx.TxIn[0]
		vins[0].Coinbase = hex.EncodeToString(txIn.SignatureScript)
		vins[0].Sequence = txIn.Sequence
		vins[0].Witness = txIn.Witness.ToHexStrings()

		return vins
	}

	for i, txIn := range tx.TxIn {
		// Unparsable scripts are disassembled with an inline [error].
		asm, _ := txscript.DisasmString(txIn.SignatureScript)

		vin := &vins[i]
		vin.Txid = txIn.PreviousOutPoint.Hash.String()
		vin.Vout = txIn.PreviousOutPoint.Index
		vin.Sequence = txIn.Sequence
		vin.ScriptSig = &btcjson.ScriptSig{
			Asm: asm,
			Hex: hex.EncodeToString(txIn.SignatureScript),
		}
		if tx.HasWitness() {
			vin.Witness = txIn.Witness.ToHexStrings()
		}
	}

	return vins
}

// voutList describes the outputs of tx.
func voutList(tx *wire.MsgTx, params *chaincfg.Params) []btcjson.Vout {
	vouts := make([]btcjson.Vout, len(tx.TxOut))
	for i, txOut := range tx.TxOut {
		asm, _ := txscript.DisasmString(txOut.PkScript)
		class, addrs := extractAddrs(txOut.PkScript, params)

		vout := &vouts[i]
		vout.N = uint32(i)
		vout.Value = btcutil.Amount(txOut.Value).ToBTC()
		vout.ScriptPubKey = btcjson.ScriptPubKeyResult{
			Asm:  asm,
			Hex:  hex.EncodeToString(txOut.PkScript),
			Type: class.String(),
		}
		if len(addrs) == 1 {
			vout.ScriptPubKey.Address = addrs[0]
		}
	}

	return vouts
}

// scriptDecodeResult describes script for the decodescript command.
func scriptDecodeResult(script []byte,
	params *chaincfg.Params) (*btcjson.DecodeScriptResult, error) {

	asm, _ := txscript.DisasmString(script)
	class, addrs := extractAddrs(script, params)

	result := &btcjson.DecodeScriptResult{
		Asm:  asm,
		Type: class.String(),
	}
	if len(addrs) == 1 {
		result.Address = addrs[0]
	}

	// A script hash can't be wrapped into another one.
	if class != txscript.ScriptHashTy {
		p2sh, err := btcutil.NewAddressScriptHash(script, params)
		if err != nil {
			return nil, fmt.Errorf("unable to convert script to "+
				"p2sh address: %w", err)
		}
		result.P2sh = p2sh.EncodeAddress()
	}

	return result, nil
}

// extractAddrs returns the script class and the encoded addresses it pays
// to. Only scripts with a single required signature report an address.
func extractAddrs(script []byte,
	params *chaincfg.Params) (txscript.ScriptClass, []string) {

	// Nonstandard scripts carry no address, so the error is dropped.
	class, addrs, reqSigs, _ := txscript.ExtractPkScriptAddrs(
		script, params,
	)
	if reqSigs > 1 {
		return class, nil
	}

	encoded := make([]string, len(addrs))
	for i, addr := range addrs {
		encoded[i] = addr.EncodeAddress()
	}

	return class, encoded
}

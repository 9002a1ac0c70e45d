// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/rawtx"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// errNoStore is returned by the block commands when an RPC server is the
// chain backend.
var errNoStore = errors.New("command requires the local chain state " +
	"database, do not set rpcconnect")

// command describes a subcommand for the parser.
type command struct {
	name  string
	short string
	long  string
	data  flags.Commander
}

// offlineCommand is implemented by commands that need no chain backend.
type offlineCommand interface {
	offline()
}

// needsBackend reports whether cmd needs the chain backend.
func needsBackend(cmd flags.Commander) bool {
	_, ok := cmd.(offlineCommand)
	return !ok
}

// commands returns the subcommands bound to a.
func commands(a *app) []command {
	return []command{{
		name:  "create",
		short: "Create an unsigned transaction",
		long: "Create a transaction spending the given outpoints to the " +
			"given addresses. The transaction is neither signed nor " +
			"stored.",
		data: &createCmd{app: a},
	}, {
		name:  "decode",
		short: "Decode a transaction",
		long: "Print the inputs and outputs of a hex encoded " +
			"transaction.",
		data: &decodeCmd{app: a},
	}, {
		name:  "decodescript",
		short: "Decode a script",
		long: "Print the type, disassembly and addresses of a hex " +
			"encoded script.",
		data: &decodeScriptCmd{app: a},
	}, {
		name:  "get",
		short: "Look up a transaction",
		long: "Look up a transaction in the pending pool and the chain " +
			"state.",
		data: &getCmd{app: a},
	}, {
		name:  "sign",
		short: "Sign and combine transaction variants",
		long: "Merge the signatures of one or more serialized variants " +
			"or PSBTs of the same transaction and add the signatures " +
			"the given keys can produce.",
		data: &signCmd{app: a},
	}, {
		name:  "send",
		short: "Submit a signed transaction",
		long: "Admit a signed transaction to the pending pool and " +
			"announce it.",
		data: &sendCmd{app: a},
	}, {
		name:  "getproof",
		short: "Prove transactions are included in a block",
		long: "Build a hex encoded merkle block proving that the given " +
			"transactions are included in a block.",
		data: &getProofCmd{app: a},
	}, {
		name:  "verifyproof",
		short: "Verify an inclusion proof",
		long: "Verify a hex encoded merkle block and print the " +
			"transactions it commits to.",
		data: &verifyProofCmd{app: a},
	}, {
		name:  "connectblock",
		short: "Connect a block to the local chain state",
		long: "Connect a hex encoded block on top of the local chain " +
			"state.",
		data: &connectBlockCmd{app: a},
	}, {
		name:  "disconnectblock",
		short: "Disconnect the tip of the local chain state",
		data:  &disconnectBlockCmd{app: a},
	}}
}

// printJSON writes v to standard output as indented JSON.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(os.Stdout, string(out))

	return err
}

type createCmd struct {
	Inputs   []string `long:"input" description:"Outpoint to spend as txid:vout[:sequence], may be repeated"`
	Outputs  []string `long:"output" description:"Payment as address=amount in BTC, may be repeated"`
	Data     string   `long:"data" description:"Hex data carried by an OP_RETURN output"`
	LockTime int64    `long:"locktime" description:"Transaction lock time"`

	app *app
}

func (*createCmd) offline() {}

// Execute creates the transaction and prints it hex encoded.
func (c *createCmd) Execute(_ []string) error {
	inputs := make([]rawtx.TxInput, 0, len(c.Inputs))
	for _, arg := range c.Inputs {
		in, err := parseInput(arg)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}

	outputs := make([]rawtx.TxOutput, 0, len(c.Outputs)+1)
	for _, arg := range c.Outputs {
		addr, amountStr, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("output %q is not address=amount", arg)
		}

		amount, err := parseAmount(amountStr)
		if err != nil {
			return err
		}

		outputs = append(outputs, rawtx.TxOutput{
			Key: addr, Amount: amount,
		})
	}

	if c.Data != "" {
		data, err := hex.DecodeString(c.Data)
		if err != nil {
			return fmt.Errorf("data must be hex: %w", err)
		}

		outputs = append(outputs, rawtx.TxOutput{
			Key: rawtx.DataKey, Data: data,
		})
	}

	tx, err := c.app.svc.CreateRawTransaction(inputs, outputs, c.LockTime)
	if err != nil {
		return err
	}

	hexTx, err := rawtx.EncodeTx(tx)
	if err != nil {
		return err
	}

	return printJSON(hexTx)
}

// parseInput parses txid:vout[:sequence].
func parseInput(arg string) (rawtx.TxInput, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return rawtx.TxInput{}, fmt.Errorf("input %q is not "+
			"txid:vout[:sequence]", arg)
	}

	txids, err := rawtx.ParseTxIDs(parts[:1])
	if err != nil {
		return rawtx.TxInput{}, err
	}

	vout, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return rawtx.TxInput{}, fmt.Errorf("invalid vout in %q: %w",
			arg, err)
	}

	in := rawtx.TxInput{
		TxID:     txids[0],
		Vout:     vout,
		Sequence: fn.None[int64](),
	}

	if len(parts) == 3 {
		seq, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return rawtx.TxInput{}, fmt.Errorf("invalid sequence in "+
				"%q: %w", arg, err)
		}
		in.Sequence = fn.Some(seq)
	}

	return in, nil
}

// parseAmount parses a BTC amount.
func parseAmount(s string) (btcutil.Amount, error) {
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	return btcutil.NewAmount(value)
}

type getCmd struct {
	Args struct {
		TxID string `positional-arg-name:"txid"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// Execute looks the transaction up and prints it.
func (c *getCmd) Execute(_ []string) error {
	txids, err := rawtx.ParseTxIDs([]string{c.Args.TxID})
	if err != nil {
		return err
	}

	result, err := c.app.svc.GetRawTransaction(txids[0])
	if err != nil {
		return err
	}

	hexTx, err := rawtx.EncodeTx(result.Tx)
	if err != nil {
		return err
	}

	txResult := btcjson.TxRawResult{
		Hex:           hexTx,
		Txid:          result.Tx.TxHash().String(),
		Hash:          result.Tx.WitnessHash().String(),
		Size:          int32(result.Tx.SerializeSize()),
		Vin:           vinList(result.Tx),
		Vout:          voutList(result.Tx, c.app.cfg.params),
		Version:       uint32(result.Tx.Version),
		LockTime:      result.Tx.LockTime,
		Confirmations: uint64(result.Confirmations),
	}
	result.BlockHash.WhenSome(func(hash chainhash.Hash) {
		txResult.BlockHash = hash.String()
	})

	return printJSON(txResult)
}

// prevTx is a previous output declaration as given on the command line.
type prevTx struct {
	TxID         string   `json:"txid"`
	Vout         int64    `json:"vout"`
	ScriptPubKey string   `json:"scriptPubKey"`
	RedeemScript string   `json:"redeemScript,omitempty"`
	Amount       *float64 `json:"amount,omitempty"`
}

type signCmd struct {
	PrivKeys []string `long:"privkey" description:"WIF encoded key to sign with exclusively, may be repeated"`
	PrevTxs  string   `long:"prevtxs" description:"JSON array of previous outputs {txid, vout, scriptPubKey, redeemScript, amount}"`
	SigHash  string   `long:"sighash" description:"Signature hash type, ALL, NONE or SINGLE optionally with |ANYONECANPAY"`
	PSBTs    []string `long:"psbt" description:"Base64 encoded PSBT of the same transaction whose signatures are merged, may be repeated"`

	Args struct {
		HexTx string `positional-arg-name:"hextx"`
	} `positional-args:"yes"`

	app *app
}

// Execute signs the transaction and prints the result.
func (c *signCmd) Execute(_ []string) error {
	prevOuts, err := parsePrevTxs(c.PrevTxs)
	if err != nil {
		return err
	}

	packets, err := parsePackets(c.PSBTs)
	if err != nil {
		return err
	}

	result, err := c.app.svc.SignRawTransaction(c.app.ctx, rawtx.SignRequest{
		HexTx:    c.Args.HexTx,
		Packets:  packets,
		PrevOuts: prevOuts,
		PrivKeys: c.PrivKeys,
		SigHash:  c.SigHash,
	})
	if err != nil {
		return err
	}

	hexTx, err := rawtx.EncodeTx(result.Tx)
	if err != nil {
		return err
	}

	signResult := btcjson.SignRawTransactionResult{
		Hex:      hexTx,
		Complete: result.Complete,
	}
	for _, inputErr := range result.Errors {
		signResult.Errors = append(
			signResult.Errors, btcjson.SignRawTransactionError{
				TxID:      inputErr.OutPoint.Hash.String(),
				Vout:      inputErr.OutPoint.Index,
				ScriptSig: hex.EncodeToString(inputErr.SignatureScript),
				Sequence:  inputErr.Sequence,
				Error:     inputErr.Reason,
			},
		)
	}

	return printJSON(signResult)
}

// parsePackets decodes base64 encoded PSBTs.
func parsePackets(encoded []string) ([]*psbt.Packet, error) {
	packets := make([]*psbt.Packet, 0, len(encoded))
	for i, b64 := range encoded {
		packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
		if err != nil {
			return nil, fmt.Errorf("invalid psbt %d: %w", i, err)
		}
		packets = append(packets, packet)
	}

	return packets, nil
}

// parsePrevTxs decodes the previous output declarations.
func parsePrevTxs(s string) ([]rawtx.PrevOut, error) {
	if s == "" {
		return nil, nil
	}

	var prevTxs []prevTx
	if err := json.Unmarshal([]byte(s), &prevTxs); err != nil {
		return nil, fmt.Errorf("invalid prevtxs: %w", err)
	}

	prevOuts := make([]rawtx.PrevOut, 0, len(prevTxs))
	for _, prev := range prevTxs {
		txids, err := rawtx.ParseTxIDs([]string{prev.TxID})
		if err != nil {
			return nil, err
		}

		pkScript, err := hex.DecodeString(prev.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid scriptPubKey: %w", err)
		}

		redeemScript, err := hex.DecodeString(prev.RedeemScript)
		if err != nil {
			return nil, fmt.Errorf("invalid redeemScript: %w", err)
		}

		amount := fn.None[btcutil.Amount]()
		if prev.Amount != nil {
			amt, err := btcutil.NewAmount(*prev.Amount)
			if err != nil {
				return nil, fmt.Errorf("invalid amount: %w", err)
			}
			amount = fn.Some(amt)
		}

		prevOuts = append(prevOuts, rawtx.PrevOut{
			TxID:         txids[0],
			Vout:         prev.Vout,
			PkScript:     pkScript,
			Amount:       amount,
			RedeemScript: redeemScript,
		})
	}

	return prevOuts, nil
}

type sendCmd struct {
	AllowHighFees bool `long:"allowhighfees" description:"Skip the absolute fee ceiling"`

	Args struct {
		HexTx string `positional-arg-name:"hextx"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// Execute submits the transaction and prints its id. The pending pool does
// not outlive the command, so a failed announcement fails the command after
// the id is printed.
func (c *sendCmd) Execute(_ []string) error {
	txid, err := c.app.svc.SendRawTransaction(
		c.app.ctx, c.Args.HexTx, c.AllowHighFees,
	)
	if err != nil {
		return err
	}

	if err := printJSON(txid.String()); err != nil {
		return err
	}

	if announceErr, ok := c.app.announceErrs[txid]; ok {
		return fmt.Errorf("transaction %v accepted but not announced: %w",
			txid, announceErr)
	}

	return nil
}

type getProofCmd struct {
	BlockHash string `long:"blockhash" description:"Block to look for the transactions in"`

	Args struct {
		TxIDs []string `positional-arg-name:"txid" required:"1"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// Execute builds the proof and prints it hex encoded.
func (c *getProofCmd) Execute(_ []string) error {
	txids, err := rawtx.ParseTxIDs(c.Args.TxIDs)
	if err != nil {
		return err
	}

	blockHash, err := rawtx.ParseBlockHash(c.BlockHash)
	if err != nil {
		return err
	}

	proof, err := c.app.svc.GetTxOutProof(c.app.ctx, txids, blockHash)
	if err != nil {
		return err
	}

	return printJSON(proof)
}

type verifyProofCmd struct {
	Args struct {
		Proof string `positional-arg-name:"proof"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// Execute verifies the proof and prints the proven txids.
func (c *verifyProofCmd) Execute(_ []string) error {
	txids, err := c.app.svc.VerifyTxOutProof(c.Args.Proof)
	if err != nil {
		return err
	}

	strs := make([]string, 0, len(txids))
	for _, txid := range txids {
		strs = append(strs, txid.String())
	}

	return printJSON(strs)
}

type connectBlockCmd struct {
	Args struct {
		HexBlock string `positional-arg-name:"hexblock"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// Execute connects the block and drops the pending transactions it
// confirms.
func (c *connectBlockCmd) Execute(_ []string) error {
	if c.app.store == nil {
		return errNoStore
	}

	raw, err := hex.DecodeString(c.Args.HexBlock)
	if err != nil {
		return fmt.Errorf("block must be hex: %w", err)
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	c.app.chainLock.Lock()
	err = c.app.store.ConnectBlock(block)
	c.app.chainLock.Unlock()
	if err != nil {
		return err
	}

	c.app.pool.RemoveConfirmed(block)

	log.Infof("Connected block %v", block.BlockHash())

	return printJSON(block.BlockHash().String())
}

type disconnectBlockCmd struct {
	app *app
}

// Execute disconnects the tip of the chain.
func (c *disconnectBlockCmd) Execute(_ []string) error {
	if c.app.store == nil {
		return errNoStore
	}

	c.app.chainLock.Lock()
	block, err := c.app.store.DisconnectTip()
	c.app.chainLock.Unlock()
	if err != nil {
		return err
	}

	log.Infof("Disconnected block %v", block.BlockHash())

	return printJSON(block.BlockHash().String())
}

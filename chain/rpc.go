// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/merkleproof"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// rpcClient is the part of a btcd rpcclient.Client the backend uses.
type rpcClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBestBlockHash() (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(
		blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult,
		error)
	GetRawTransactionVerbose(
		txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTxOut(txHash *chainhash.Hash, index uint32,
		mempool bool) (*btcjson.GetTxOutResult, error)
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
	Shutdown()
}

// A compile time check to ensure rpcclient.Client implements rpcClient.
var _ rpcClient = (*rpcclient.Client)(nil)

// RPCConfig defines the config options used when initializing the RPC
// backend.
type RPCConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines a Bitcoin network by its parameters.
	Chain *chaincfg.Params
}

// validate checks the required config options are set.
func (r *RPCConfig) validate() error {
	if r == nil {
		return errors.New("missing rpc config")
	}

	// Make sure the chain params are configured.
	if r.Chain == nil {
		return errors.New("missing chain params config")
	}

	// Make sure connection config is supplied.
	if r.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !r.Conn.DisableTLS && r.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// RPCBackend reads the chain state of a remote node over its JSON-RPC
// interface. It works with both btcd and bitcoind.
type RPCBackend struct {
	client      rpcClient
	chainParams *chaincfg.Params
}

// A compile time check to ensure RPCBackend implements the Backend
// interface.
var _ Backend = (*RPCBackend)(nil)

// NewRPCBackend creates an HTTP POST mode client for the node described by
// cfg. No request is made until Start is called.
func NewRPCBackend(cfg *RPCConfig) (*RPCBackend, error) {
	// Make sure the config is valid.
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Chain state queries are plain requests, so the websocket
	// notification machinery is not needed.
	conn := *cfg.Conn
	conn.HTTPPostMode = true

	client, err := rpcclient.New(&conn, nil)
	if err != nil {
		return nil, err
	}

	return newRPCBackend(client, cfg.Chain), nil
}

func newRPCBackend(client rpcClient, params *chaincfg.Params) *RPCBackend {
	return &RPCBackend{
		client:      client,
		chainParams: params,
	}
}

// Start verifies that the remote node runs on the configured network by
// comparing genesis hashes.
func (r *RPCBackend) Start() error {
	genesis, err := r.client.GetBlockHash(0)
	if err != nil {
		return fmt.Errorf("unable to query genesis block: %w", err)
	}

	if *genesis != *r.chainParams.GenesisHash {
		return fmt.Errorf("mismatched networks: node genesis %v, "+
			"expected %v (%s)", genesis, r.chainParams.GenesisHash,
			r.chainParams.Name)
	}

	log.Infof("Connected to %s node", r.chainParams.Name)

	return nil
}

// Stop shuts the client down.
func (r *RPCBackend) Stop() {
	r.client.Shutdown()
}

// isRPCError reports whether err is a JSON-RPC error with one of the given
// codes.
func isRPCError(err error, codes ...btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	for _, code := range codes {
		if rpcErr.Code == code {
			return true
		}
	}

	return false
}

// notFoundCodes are the error codes btcd and bitcoind use for unknown
// blocks and transactions.
var notFoundCodes = []btcjson.RPCErrorCode{
	btcjson.ErrRPCBlockNotFound,
	btcjson.ErrRPCNoTxInfo,
	btcjson.ErrRPCInvalidAddressOrKey,
}

// BestBlock implements the Backend interface.
func (r *RPCBackend) BestBlock() (chainhash.Hash, int32, error) {
	hash, err := r.client.GetBestBlockHash()
	if err != nil {
		return chainhash.Hash{}, 0, err
	}

	header, err := r.client.GetBlockHeaderVerbose(hash)
	if err != nil {
		return chainhash.Hash{}, 0, err
	}

	return *hash, header.Height, nil
}

// FetchCoin implements the coinview.CoinSource interface. Only confirmed
// outputs are returned, the remote mempool is not consulted.
func (r *RPCBackend) FetchCoin(op wire.OutPoint) (*coinview.Coin, error) {
	result, err := r.client.GetTxOut(&op.Hash, op.Index, false)
	if err != nil {
		return nil, err
	}

	// A nil result means the output is spent or unknown.
	if result == nil {
		return nil, nil
	}

	amount, err := btcutil.NewAmount(result.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %v: %w", op, err)
	}

	pkScript, err := hex.DecodeString(result.ScriptPubKey.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid script for %v: %w", op, err)
	}

	coin := &coinview.Coin{
		Output: wire.TxOut{
			Value:    int64(amount),
			PkScript: pkScript,
		},
		Height:     coinview.UnconfirmedHeight,
		IsCoinBase: result.Coinbase,
	}

	if result.Confirmations > 0 {
		count, err := r.client.GetBlockCount()
		if err != nil {
			return nil, err
		}
		coin.Height = int32(count - result.Confirmations + 1)
	}

	return coin, nil
}

// HaveConfirmedTx implements the relay.ChainView interface.
func (r *RPCBackend) HaveConfirmedTx(txid chainhash.Hash) (bool, error) {
	result, err := r.client.GetRawTransactionVerbose(&txid)
	switch {
	case isRPCError(err, notFoundCodes...):
		return false, nil

	case err != nil:
		return false, err

	case result.Confirmations == 0:
		return false, nil
	}

	// We'll now look for any output of the transaction that is still
	// unspent.
	for _, vout := range result.Vout {
		out, err := r.client.GetTxOut(&txid, vout.N, false)
		if err != nil {
			return false, err
		}
		if out != nil {
			return true, nil
		}
	}

	return false, nil
}

// MainChainHasBlock implements the merkleproof.ChainQuerier interface.
func (r *RPCBackend) MainChainHasBlock(hash chainhash.Hash) (bool, error) {
	header, err := r.client.GetBlockHeaderVerbose(&hash)
	switch {
	case isRPCError(err, notFoundCodes...):
		return false, nil

	case err != nil:
		return false, err
	}

	// Stale blocks are reported with negative confirmations.
	return header.Confirmations > 0, nil
}

// FetchBlock implements the merkleproof.BlockSource interface.
func (r *RPCBackend) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	block, err := r.client.GetBlock(&hash)
	switch {
	case isRPCError(err, notFoundCodes...):
		return nil, fmt.Errorf("%w: %v", merkleproof.ErrBlockNotFound,
			hash)

	case err != nil:
		return nil, err
	}

	return block, nil
}

// LocateTx implements the merkleproof.BlockSource interface. It needs the
// transaction index of the remote node for spent transactions.
func (r *RPCBackend) LocateTx(
	txid chainhash.Hash) (fn.Option[chainhash.Hash], error) {

	result, err := r.client.GetRawTransactionVerbose(&txid)
	switch {
	case isRPCError(err, notFoundCodes...):
		return fn.None[chainhash.Hash](), nil

	case err != nil:
		return fn.None[chainhash.Hash](), err

	case result.BlockHash == "":
		return fn.None[chainhash.Hash](), nil
	}

	hash, err := chainhash.NewHashFromStr(result.BlockHash)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}

	return fn.Some(*hash), nil
}

// FetchTx implements the Backend interface. Transactions that are only in
// the remote mempool are reported as not found.
func (r *RPCBackend) FetchTx(txid chainhash.Hash) (*ConfirmedTx, error) {
	result, err := r.client.GetRawTransactionVerbose(&txid)
	switch {
	case isRPCError(err, notFoundCodes...):
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)

	case err != nil:
		return nil, err

	case result.BlockHash == "":
		return nil, fmt.Errorf("%w: %v is unconfirmed", ErrTxNotFound,
			txid)
	}

	rawTx, err := hex.DecodeString(result.Hex)
	if err != nil {
		return nil, err
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}

	blockHash, err := chainhash.NewHashFromStr(result.BlockHash)
	if err != nil {
		return nil, err
	}

	return &ConfirmedTx{
		Tx:            &tx,
		BlockHash:     *blockHash,
		Confirmations: int64(result.Confirmations),
	}, nil
}

// SendRawTransaction forwards a transaction to the remote node.
func (r *RPCBackend) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	return r.client.SendRawTransaction(tx, allowHighFees)
}

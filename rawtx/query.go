// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rawtx

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/btcsuite/btcrawtx/merkleproof"
	"github.com/btcsuite/btcrawtx/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxResult is a looked up transaction.
type TxResult struct {
	// Tx is the transaction.
	Tx *wire.MsgTx

	// BlockHash is the block that included the transaction, absent for
	// pending transactions.
	BlockHash fn.Option[chainhash.Hash]

	// Confirmations is the depth of the including block in the best
	// chain, zero for pending transactions and for stale blocks.
	Confirmations int64
}

// GetRawTransaction looks a transaction up in the pending pool first and in
// the chain's transaction index second.
func (s *Service) GetRawTransaction(txid chainhash.Hash) (*TxResult, error) {
	if s.cfg.Pool != nil {
		tx, err := s.cfg.Pool.FetchTx(txid).UnwrapOrErr(ErrNoTxInfo)
		if err == nil {
			return &TxResult{
				Tx:        tx,
				BlockHash: fn.None[chainhash.Hash](),
			}, nil
		}
	}

	if s.cfg.ChainLock != nil {
		s.cfg.ChainLock.RLock()
		defer s.cfg.ChainLock.RUnlock()
	}

	confirmed, err := s.cfg.Chain.FetchTx(txid)
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		return nil, fmt.Errorf("%w: %v", ErrNoTxInfo, txid)

	case err != nil:
		return nil, err
	}

	return &TxResult{
		Tx:            confirmed.Tx,
		BlockHash:     fn.Some(confirmed.BlockHash),
		Confirmations: confirmed.Confirmations,
	}, nil
}

// SendRawTransaction decodes a hex encoded transaction and publishes it.
// Unless allowHighFees is set, the configured maximum fee applies.
func (s *Service) SendRawTransaction(ctx context.Context, hexTx string,
	allowHighFees bool) (chainhash.Hash, error) {

	tx, err := DecodeTx(hexTx)
	if err != nil {
		return chainhash.Hash{}, err
	}

	ceiling := btcunit.NewFeeCeiling(s.cfg.MaxTxFee)
	if allowHighFees {
		ceiling = btcunit.NoFeeCeiling
	}

	return s.cfg.Publisher.Publish(ctx, tx, ceiling)
}

// GetTxOutProof returns the hex encoded proof that every transaction in
// txids is included in a block. When blockHash is absent the block is
// located through the chain state.
func (s *Service) GetTxOutProof(ctx context.Context, txids []chainhash.Hash,
	blockHash fn.Option[chainhash.Hash]) (string, error) {

	proof, err := merkleproof.NewProof(
		ctx, s.cfg.Chain, s.cfg.ChainLock, txids, blockHash,
	)
	switch {
	case errors.Is(err, merkleproof.ErrDuplicateTxID),
		errors.Is(err, merkleproof.ErrNoTxIDs):

		return "", fmt.Errorf("%w, %v", ErrInvalidParameter, err)

	case err != nil:
		return "", err
	}

	raw, err := proof.Bytes()
	if err != nil {
		return "", err
	}

	return encodeHex(raw), nil
}

// VerifyTxOutProof checks a hex encoded proof and returns the transactions
// it commits to. A proof that does not match its own header yields an empty
// list, a proof for a block outside the best chain an error.
func (s *Service) VerifyTxOutProof(hexProof string) ([]chainhash.Hash,
	error) {

	raw, err := decodeHex(hexProof)
	if err != nil {
		return nil, err
	}

	proof, err := merkleproof.ParseMerkleBlock(raw)
	if err != nil {
		return nil, err
	}

	if s.cfg.ChainLock != nil {
		s.cfg.ChainLock.RLock()
		defer s.cfg.ChainLock.RUnlock()
	}

	txids, err := merkleproof.VerifyProof(proof, s.cfg.Chain)
	switch {
	case errors.Is(err, merkleproof.ErrInvalidProof):
		log.Debugf("Proof for block %v does not verify: %v",
			proof.Header.BlockHash(), err)

		return []chainhash.Hash{}, nil

	case err != nil:
		return nil, err
	}

	return txids, nil
}

// ParseTxIDs decodes txid arguments.
func ParseTxIDs(strs []string) ([]chainhash.Hash, error) {
	txids := make([]chainhash.Hash, 0, len(strs))
	for _, str := range strs {
		txid, err := parseHash("txid", str)
		if err != nil {
			return nil, err
		}
		txids = append(txids, txid)
	}

	return txids, nil
}

// ParseBlockHash decodes an optional block hash argument. The empty string
// means absent.
func ParseBlockHash(str string) (fn.Option[chainhash.Hash], error) {
	if str == "" {
		return fn.None[chainhash.Hash](), nil
	}

	hash, err := parseHash("blockhash", str)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}

	return fn.Some(hash), nil
}

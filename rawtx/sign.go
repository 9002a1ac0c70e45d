// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rawtx

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrInvalidKey is returned for a private key that does not decode.
var ErrInvalidKey = errors.New("invalid private key")

// PrevOut declares a previous output a transaction to sign depends on.
type PrevOut struct {
	// TxID is the transaction that created the output.
	TxID chainhash.Hash

	// Vout is the output index.
	Vout int64

	// PkScript is the locking script of the output.
	PkScript []byte

	// Amount is the output value, needed to sign segwit inputs.
	Amount fn.Option[btcutil.Amount]

	// RedeemScript is the script a P2SH or P2WSH output commits to. It is
	// only used when the request carries its own keys.
	RedeemScript []byte
}

// SignRequest is a signing request.
type SignRequest struct {
	// HexTx holds one or more serialized variants of the same transaction
	// back to back. The first one defines the transaction.
	HexTx string

	// Packets are PSBTs of the same transaction. Their signatures are
	// merged like further variants. When HexTx is empty the first packet
	// defines the transaction.
	Packets []*psbt.Packet

	// PrevOuts declares previous outputs beyond those the chain state and
	// the pending pool know about.
	PrevOuts []PrevOut

	// PrivKeys are WIF encoded keys to sign with exclusively. Nil selects
	// the service's long lived key store.
	PrivKeys []string

	// SigHash is the sighash selector, "ALL" when empty.
	SigHash string
}

// SignResult is the outcome of a signing request.
type SignResult struct {
	// Tx is the merged and signed transaction.
	Tx *wire.MsgTx

	// Complete is true when every input is fully authorized.
	Complete bool

	// Errors describes the inputs that are not.
	Errors []signer.InputError
}

// SignRawTransaction merges the signatures found in all variants and adds
// the ones it can produce.
func (s *Service) SignRawTransaction(ctx context.Context,
	req SignRequest) (*SignResult, error) {

	variants, err := decodeTxns(req.HexTx)
	if err != nil {
		return nil, err
	}
	for i, packet := range req.Packets {
		variant, err := signer.VariantFromPacket(packet)
		if err != nil {
			return nil, fmt.Errorf("%w, psbt %d: %v",
				ErrInvalidParameter, i, err)
		}
		variants = append(variants, variant)
	}
	if len(variants) == 0 {
		return nil, ErrMissingTx
	}
	primary := variants[0]

	// We'll first resolve every input of the primary variant against the
	// chain state and the pool, so that declared outputs can be checked
	// against what is actually known.
	view := coinview.New(s.cfg.Chain, coinview.WithChainLock(
		s.cfg.ChainLock,
	))
	if err := view.Load(primary, s.cfg.Pool); err != nil {
		return nil, err
	}

	givenKeys := req.PrivKeys != nil
	var keys signer.KeyStore
	if givenKeys {
		memKeys := signer.NewMemKeyStore(s.cfg.ChainParams)
		for _, wif := range req.PrivKeys {
			if err := memKeys.AddWIF(wif); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey,
					err)
			}
		}
		keys = memKeys

		err := declarePrevOuts(view, req.PrevOuts, memKeys)
		if err != nil {
			return nil, err
		}
	} else {
		keys = s.cfg.Keys

		if err := declarePrevOuts(view, req.PrevOuts, nil); err != nil {
			return nil, err
		}
	}

	hashType, err := signer.ParseSigHashType(req.SigHash)
	if err != nil {
		return nil, fmt.Errorf("%w, %v", ErrInvalidParameter, err)
	}

	result, err := signer.Sign(ctx, &signer.Request{
		Tx:        primary,
		Variants:  variants[1:],
		View:      view,
		Keys:      keys,
		HashType:  hashType,
		Evaluator: s.evaluator,
		Workers:   s.cfg.SignWorkers,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Signed raw tx %v, complete=%v", result.Tx.TxHash(),
		result.Complete)

	return &SignResult{
		Tx:       result.Tx,
		Complete: result.Complete,
		Errors:   result.Errors,
	}, nil
}

// declarePrevOuts adds the declared outputs to the view. Redeem scripts are
// recorded into scripts when it is not nil.
func declarePrevOuts(view *coinview.View, prevOuts []PrevOut,
	scripts *signer.MemKeyStore) error {

	for _, prev := range prevOuts {
		if prev.Vout < 0 {
			return fmt.Errorf("%w, vout must be positive",
				ErrInvalidParameter)
		}
		if prev.Vout > int64(wire.MaxPrevOutIndex) {
			return fmt.Errorf("%w, vout out of range",
				ErrInvalidParameter)
		}

		op := wire.OutPoint{Hash: prev.TxID, Index: uint32(prev.Vout)}
		err := view.Declare(op, prev.PkScript, prev.Amount)
		if err != nil {
			return fmt.Errorf("%w, %v", ErrInvalidParameter, err)
		}

		if scripts == nil || len(prev.RedeemScript) == 0 {
			continue
		}

		if txscript.IsPayToScriptHash(prev.PkScript) ||
			txscript.IsPayToWitnessScriptHash(prev.PkScript) {

			scripts.AddScript(prev.RedeemScript)
		}
	}

	return nil
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rawtx exposes the raw transaction operations of a node: creating
// unsigned transactions, looking them up, signing and combining them,
// submitting them to the pending pool and proving their inclusion in a
// block.
package rawtx

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/pkg/btcunit"
	"github.com/btcsuite/btcrawtx/scripteval"
	"github.com/btcsuite/btcrawtx/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrInvalidParameter is returned when a call argument is out of
	// range or inconsistent.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidAddress is returned for an address that does not decode
	// for the configured network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrDecodeTx is returned when a serialized transaction cannot be
	// decoded.
	ErrDecodeTx = errors.New("TX decode failed")

	// ErrMissingTx is returned when no transaction is given.
	ErrMissingTx = errors.New("missing transaction")

	// ErrNoTxInfo is returned when a transaction is neither pending nor
	// known to the chain.
	ErrNoTxInfo = errors.New("no information available about " +
		"transaction")
)

// Pool is the pending pool as seen by the read only operations.
type Pool interface {
	coinview.PoolSnapshotter

	// FetchTx returns a pending transaction.
	FetchTx(hash chainhash.Hash) fn.Option[*wire.MsgTx]
}

// Publisher submits finalized transactions.
type Publisher interface {
	// Publish admits the transaction to the pending pool under the
	// given fee ceiling and announces it.
	Publish(ctx context.Context, tx *wire.MsgTx,
		ceiling btcunit.FeeCeiling) (chainhash.Hash, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	// ChainParams selects the network addresses and keys are decoded
	// for.
	ChainParams *chaincfg.Params

	// Chain is the chain state backend.
	Chain chain.Backend

	// ChainLock is the shared chain state lock. May be nil.
	ChainLock *sync.RWMutex

	// Pool is the pending pool. May be nil.
	Pool Pool

	// Publisher submits transactions. Required by SendRawTransaction.
	Publisher Publisher

	// Keys is the long lived key store used when a signing call carries
	// no keys of its own. May be nil.
	Keys signer.KeyStore

	// MaxTxFee is the absolute fee ceiling applied unless a caller allows
	// high fees. Zero selects btcunit.DefaultMaxTxFee.
	MaxTxFee btcutil.Amount

	// Evaluator verifies signed inputs. Nil selects a fresh
	// scripteval.Engine.
	Evaluator scripteval.Evaluator

	// SignWorkers bounds the inputs signed concurrently.
	SignWorkers int
}

// Service implements the raw transaction operations.
type Service struct {
	cfg       Config
	evaluator scripteval.Evaluator
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if cfg.MaxTxFee == 0 {
		cfg.MaxTxFee = btcunit.DefaultMaxTxFee
	}

	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = scripteval.NewEngine(0)
	}

	return &Service{
		cfg:       cfg,
		evaluator: evaluator,
	}
}

// EncodeTx returns the hex encoding of a transaction, witness included.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	return encodeHex(buf.Bytes()), nil
}

// DecodeTx decodes a single hex encoded transaction. Trailing bytes are
// refused.
func DecodeTx(s string) (*wire.MsgTx, error) {
	txns, err := decodeTxns(s)
	if err != nil {
		return nil, err
	}

	if len(txns) != 1 {
		return nil, fmt.Errorf("%w: expected one transaction, got %d",
			ErrDecodeTx, len(txns))
	}

	return txns[0], nil
}

// decodeTxns decodes a hex string holding one or more serialized
// transactions back to back.
func decodeTxns(s string) ([]*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeTx, err)
	}

	var txns []*wire.MsgTx
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		tx, err := decodeNextTx(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeTx, err)
		}
		txns = append(txns, tx)
	}

	return txns, nil
}

// decodeNextTx decodes the transaction at the current position of r. The
// legacy form of a transaction without inputs starts with the zero byte
// that marks a witness serialization, so a witness decode that fails or
// yields no inputs is retried without witness data.
func decodeNextTx(r *bytes.Reader) (*wire.MsgTx, error) {
	start := r.Size() - int64(r.Len())

	tx := &wire.MsgTx{}
	witnessErr := tx.Deserialize(r)
	if witnessErr == nil && len(tx.TxIn) > 0 {
		return tx, nil
	}
	witnessEnd := r.Size() - int64(r.Len())

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	legacy := &wire.MsgTx{}
	if err := legacy.DeserializeNoWitness(r); err == nil {
		return legacy, nil
	}

	if witnessErr != nil {
		return nil, witnessErr
	}

	if _, err := r.Seek(witnessEnd, io.SeekStart); err != nil {
		return nil, err
	}

	return tx, nil
}

// parseHash decodes a txid or block hash argument.
func parseHash(name, s string) (chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil || len(s) != 2*chainhash.HashSize {
		return chainhash.Hash{}, fmt.Errorf("%w: %s must be a "+
			"hexadecimal string of length %d (not '%s')",
			ErrInvalidParameter, name, 2*chainhash.HashSize, s)
	}

	return *hash, nil
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// decodeHex decodes a hex argument.
func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w, argument must be hexadecimal "+
			"string (not '%s')", ErrInvalidParameter, s)
	}

	return b, nil
}

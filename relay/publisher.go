// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relay decides whether a finalized transaction enters the pending
// pool and announces it to the network once it does.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/pkg/btcunit"
)

// ErrNilTx is returned when Publish is called without a transaction.
var ErrNilTx = errors.New("missing transaction")

// ChainView answers the chain state question admission needs.
type ChainView interface {
	// HaveConfirmedTx reports whether the chain state still holds any
	// unspent output of the transaction.
	HaveConfirmedTx(hash chainhash.Hash) (bool, error)
}

// PoolValidator is the pending pool admission capability.
type PoolValidator interface {
	// HaveTx reports whether the transaction is in the pending pool.
	HaveTx(hash chainhash.Hash) bool

	// SubmitTx validates the transaction and adds it to the pool. It
	// returns nil when accepted, a *RejectError for policy or consensus
	// rejections and an error wrapping ErrMissingInputs when some parent
	// is unknown.
	SubmitTx(tx *wire.MsgTx, ceiling btcunit.FeeCeiling) error
}

// Announcer broadcasts an accepted transaction.
type Announcer interface {
	// Announce makes the transaction known to peers or subscribers.
	Announce(ctx context.Context, tx *wire.MsgTx) error
}

// Config holds the collaborators of a Publisher.
type Config struct {
	// Chain answers whether a transaction is already confirmed.
	Chain ChainView

	// ChainLock is the shared chain state lock. It is held for reading
	// from the existence checks through pool submission. May be nil.
	ChainLock *sync.RWMutex

	// Pool validates and stores pending transactions.
	Pool PoolValidator

	// Announcer is told about every successfully published transaction.
	// May be nil.
	Announcer Announcer

	// AnnounceFailed is called when the announcer fails for a transaction
	// that entered the pool. May be nil.
	AnnounceFailed func(txid chainhash.Hash, err error)
}

// Publisher submits finalized transactions to the pending pool.
type Publisher struct {
	cfg Config
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

// Publish admits the transaction to the pending pool and announces it. A
// transaction already in the pool is announced again without being
// revalidated. The fee ceiling is handed to pool validation unchanged.
func (p *Publisher) Publish(ctx context.Context, tx *wire.MsgTx,
	ceiling btcunit.FeeCeiling) (chainhash.Hash, error) {

	if tx == nil {
		return chainhash.Hash{}, ErrNilTx
	}

	txid := tx.TxHash()

	if err := p.admit(tx, txid, ceiling); err != nil {
		return txid, err
	}

	// The chain lock is released by now, so a slow announcer never
	// blocks chain state readers.
	p.announce(ctx, tx, txid)

	return txid, nil
}

// admit runs the existence checks and the pool submission under the chain
// read lock.
func (p *Publisher) admit(tx *wire.MsgTx, txid chainhash.Hash,
	ceiling btcunit.FeeCeiling) error {

	if p.cfg.ChainLock != nil {
		p.cfg.ChainLock.RLock()
		defer p.cfg.ChainLock.RUnlock()
	}

	if p.cfg.Pool.HaveTx(txid) {
		log.Debugf("Tx %v already in pending pool", txid)
		return nil
	}

	if p.cfg.Chain != nil {
		confirmed, err := p.cfg.Chain.HaveConfirmedTx(txid)
		if err != nil {
			return fmt.Errorf("check chain for %v: %w", txid, err)
		}
		if confirmed {
			return ErrAlreadyInChain
		}
	}

	err := p.cfg.Pool.SubmitTx(tx, ceiling)
	switch {
	case err == nil:
		log.Infof("Accepted tx %v into pending pool (fee ceiling %v)",
			txid, ceiling)

		return nil

	case errors.Is(err, ErrMissingInputs):
		log.Debugf("Tx %v has missing inputs: %v", txid, err)
		return err

	default:
		var rejectErr *RejectError
		if errors.As(err, &rejectErr) {
			log.Debugf("Tx %v rejected: %v", txid, rejectErr)
			return err
		}

		return fmt.Errorf("submit %v: %w", txid, err)
	}
}

// announce hands the transaction to the announcer. Failures are logged and
// reported through AnnounceFailed, the transaction is already in the pool.
func (p *Publisher) announce(ctx context.Context, tx *wire.MsgTx,
	txid chainhash.Hash) {

	if p.cfg.Announcer == nil {
		return
	}

	err := p.cfg.Announcer.Announce(ctx, tx)
	if err == nil {
		return
	}

	log.Warnf("Unable to announce tx %v: %v", txid, err)
	if p.cfg.AnnounceFailed != nil {
		p.cfg.AnnounceFailed(txid, err)
	}
}

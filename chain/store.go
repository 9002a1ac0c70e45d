// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/merkleproof"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// dbDriver is the walletdb driver the store is persisted with.
	dbDriver = "bdb"

	// DefaultDBTimeout is the time to wait for the database file lock.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// namespaceKey is the top level bucket of the chain state.
	namespaceKey = []byte("chainstate")

	// coinBucketKey holds the unspent outputs keyed by outpoint.
	coinBucketKey = []byte("coins")

	// blockBucketKey holds every connected block keyed by hash, including
	// blocks that were later disconnected.
	blockBucketKey = []byte("blocks")

	// heightBucketKey maps the hash of each best chain block to its
	// height.
	heightBucketKey = []byte("heights")

	// mainBucketKey maps each best chain height to its block hash.
	mainBucketKey = []byte("main")

	// txIndexBucketKey maps a txid to the hash of the block including it.
	txIndexBucketKey = []byte("txindex")

	// undoBucketKey holds the coins spent by each best chain block.
	undoBucketKey = []byte("undo")

	subBuckets = [][]byte{
		coinBucketKey, blockBucketKey, heightBucketKey, mainBucketKey,
		txIndexBucketKey, undoBucketKey,
	}
)

// Store is a chain state persisted in a walletdb database. Blocks are
// connected and disconnected at the tip. The store is not safe for
// concurrent writers; callers serialize writes with the shared chain lock.
type Store struct {
	db walletdb.DB
}

// A compile time check to ensure Store implements the LocalStore interface.
var _ LocalStore = (*Store)(nil)

// OpenStore opens the store at dbPath, creating the database when it does
// not exist yet.
func OpenStore(dbPath string, timeout time.Duration) (*Store, error) {
	var (
		db  walletdb.DB
		err error
	)

	if _, statErr := os.Stat(dbPath); statErr == nil {
		db, err = walletdb.Open(dbDriver, dbPath, true, timeout, false)
	} else {
		err = os.MkdirAll(filepath.Dir(dbPath), 0700)
		if err != nil {
			return nil, err
		}

		db, err = walletdb.Create(
			dbDriver, dbPath, true, timeout, false,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open chain db: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewStore creates a store on top of an open database, creating its
// buckets if needed.
func NewStore(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return err
		}

		for _, key := range subBuckets {
			if _, err := ns.CreateBucketIfNotExists(key); err != nil {
				return fmt.Errorf("create bucket %s: %w", key,
					err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("init chain db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tip returns the best chain tip, if any.
func tip(ns walletdb.ReadBucket) (chainhash.Hash, int32, bool) {
	k, v := ns.NestedReadBucket(mainBucketKey).ReadCursor().Last()
	if k == nil {
		return chainhash.Hash{}, 0, false
	}

	var hash chainhash.Hash
	copy(hash[:], v)

	return hash, int32(binary.BigEndian.Uint32(k)), true
}

// mainHeight returns the height of a best chain block.
func mainHeight(ns walletdb.ReadBucket, hash chainhash.Hash) (int32, bool) {
	v := ns.NestedReadBucket(heightBucketKey).Get(hash[:])
	if v == nil {
		return 0, false
	}

	return int32(binary.BigEndian.Uint32(v)), true
}

// ConnectBlock extends the best chain with block. The first transaction is
// treated as the coinbase and every other input must spend a known coin.
// Only the linkage to the tip is checked, blocks are trusted otherwise.
func (s *Store) ConnectBlock(block *wire.MsgBlock) error {
	blockHash := block.BlockHash()

	rawBlock, err := serializeBlock(block)
	if err != nil {
		return err
	}

	var height int32
	err = walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)

		tipHash, tipHeight, ok := tip(ns)
		if ok {
			if block.Header.PrevBlock != tipHash {
				return fmt.Errorf("%w: %v builds on %v, tip "+
					"is %v", ErrNotTip, blockHash,
					block.Header.PrevBlock, tipHash)
			}
			height = tipHeight + 1
		}

		coins := ns.NestedReadWriteBucket(coinBucketKey)
		txIndex := ns.NestedReadWriteBucket(txIndexBucketKey)

		var spent []spentCoin
		for i, msgTx := range block.Transactions {
			// We'll spend the inputs first so that a transaction
			// can spend an output created earlier in the block.
			if i > 0 {
				for _, txIn := range msgTx.TxIn {
					op := txIn.PreviousOutPoint
					key := outPointKey(op)

					v := coins.Get(key)
					if v == nil {
						return fmt.Errorf("%w: %v",
							ErrMissingInput, op)
					}

					spent = append(spent, spentCoin{
						outPoint: op,
						coin:     append([]byte(nil), v...),
					})

					if err := coins.Delete(key); err != nil {
						return err
					}
				}
			}

			txid := msgTx.TxHash()
			for idx, txOut := range msgTx.TxOut {
				if txscript.IsUnspendable(txOut.PkScript) {
					continue
				}

				coin := &coinview.Coin{
					Output:     *txOut,
					Height:     height,
					IsCoinBase: i == 0,
				}
				op := wire.OutPoint{Hash: txid, Index: uint32(idx)}

				err := coins.Put(outPointKey(op), encodeCoin(coin))
				if err != nil {
					return err
				}
			}

			if err := txIndex.Put(txid[:], blockHash[:]); err != nil {
				return err
			}
		}

		undo, err := encodeUndo(spent)
		if err != nil {
			return err
		}

		puts := []struct {
			bucket, key, value []byte
		}{
			{blockBucketKey, blockHash[:], rawBlock},
			{heightBucketKey, blockHash[:], heightKey(height)},
			{mainBucketKey, heightKey(height), blockHash[:]},
			{undoBucketKey, blockHash[:], undo},
		}
		for _, p := range puts {
			err := ns.NestedReadWriteBucket(p.bucket).Put(
				p.key, p.value,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("connect block %v: %w", blockHash, err)
	}

	log.Debugf("Connected block %v at height %d with %d txns", blockHash,
		height, len(block.Transactions))

	return nil
}

// DisconnectTip removes the tip from the best chain and restores the coins
// it spent. The block stays available through FetchBlock.
func (s *Store) DisconnectTip() (*wire.MsgBlock, error) {
	var (
		block     *wire.MsgBlock
		tipHash   chainhash.Hash
		tipHeight int32
	)

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)

		var ok bool
		tipHash, tipHeight, ok = tip(ns)
		if !ok {
			return ErrEmptyChain
		}

		var err error
		block, err = deserializeBlock(
			ns.NestedReadBucket(blockBucketKey).Get(tipHash[:]),
		)
		if err != nil {
			return err
		}

		spent, err := decodeUndo(
			ns.NestedReadBucket(undoBucketKey).Get(tipHash[:]),
		)
		if err != nil {
			return err
		}

		coins := ns.NestedReadWriteBucket(coinBucketKey)
		txIndex := ns.NestedReadWriteBucket(txIndexBucketKey)

		// Transactions are undone in reverse so that a coin created
		// and spent within the block ends up removed.
		for i := len(block.Transactions) - 1; i >= 0; i-- {
			msgTx := block.Transactions[i]
			txid := msgTx.TxHash()

			for idx := range msgTx.TxOut {
				op := wire.OutPoint{Hash: txid, Index: uint32(idx)}
				if err := coins.Delete(outPointKey(op)); err != nil {
					return err
				}
			}

			if bytes.Equal(txIndex.Get(txid[:]), tipHash[:]) {
				if err := txIndex.Delete(txid[:]); err != nil {
					return err
				}
			}

			if i == 0 {
				break
			}

			n := len(msgTx.TxIn)
			if n > len(spent) {
				return fmt.Errorf("%w: short undo record for %v",
					errCorruptRecord, tipHash)
			}

			for _, sc := range spent[len(spent)-n:] {
				err := coins.Put(outPointKey(sc.outPoint), sc.coin)
				if err != nil {
					return err
				}
			}
			spent = spent[:len(spent)-n]
		}

		deletes := []struct {
			bucket, key []byte
		}{
			{heightBucketKey, tipHash[:]},
			{mainBucketKey, heightKey(tipHeight)},
			{undoBucketKey, tipHash[:]},
		}
		for _, d := range deletes {
			err := ns.NestedReadWriteBucket(d.bucket).Delete(d.key)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disconnect tip: %w", err)
	}

	log.Debugf("Disconnected block %v at height %d", tipHash, tipHeight)

	return block, nil
}

// BestBlock returns the hash and height of the best chain tip.
func (s *Store) BestBlock() (chainhash.Hash, int32, error) {
	var (
		hash   chainhash.Hash
		height int32
	)

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		var ok bool
		hash, height, ok = tip(tx.ReadBucket(namespaceKey))
		if !ok {
			return ErrEmptyChain
		}

		return nil
	})

	return hash, height, err
}

// FetchCoin implements the coinview.CoinSource interface.
func (s *Store) FetchCoin(op wire.OutPoint) (*coinview.Coin, error) {
	var coin *coinview.Coin

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)

		v := ns.NestedReadBucket(coinBucketKey).Get(outPointKey(op))
		if v == nil {
			return nil
		}

		var err error
		coin, err = decodeCoin(v)

		return err
	})
	if err != nil {
		return nil, err
	}

	return coin, nil
}

// firstCoin returns the height of any unspent output of the transaction.
func firstCoin(ns walletdb.ReadBucket, txid chainhash.Hash) (int32, bool,
	error) {

	k, v := ns.NestedReadBucket(coinBucketKey).ReadCursor().Seek(txid[:])
	if k == nil || !bytes.HasPrefix(k, txid[:]) {
		return 0, false, nil
	}

	coin, err := decodeCoin(v)
	if err != nil {
		return 0, false, err
	}

	return coin.Height, true, nil
}

// HaveConfirmedTx implements the relay.ChainView interface.
func (s *Store) HaveConfirmedTx(txid chainhash.Hash) (bool, error) {
	var found bool

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		var err error
		_, found, err = firstCoin(tx.ReadBucket(namespaceKey), txid)

		return err
	})

	return found, err
}

// MainChainHasBlock implements the merkleproof.ChainQuerier interface.
func (s *Store) MainChainHasBlock(hash chainhash.Hash) (bool, error) {
	var found bool

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		_, found = mainHeight(tx.ReadBucket(namespaceKey), hash)
		return nil
	})

	return found, err
}

// FetchBlock implements the merkleproof.BlockSource interface.
func (s *Store) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	var block *wire.MsgBlock

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)

		v := ns.NestedReadBucket(blockBucketKey).Get(hash[:])
		if v == nil {
			return fmt.Errorf("%w: %v", merkleproof.ErrBlockNotFound,
				hash)
		}

		var err error
		block, err = deserializeBlock(v)

		return err
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

// LocateTx implements the merkleproof.BlockSource interface. A transaction
// with unspent outputs is located through the height of its coins, any other
// through the transaction index.
func (s *Store) LocateTx(
	txid chainhash.Hash) (fn.Option[chainhash.Hash], error) {

	located := fn.None[chainhash.Hash]()

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)

		height, ok, err := firstCoin(ns, txid)
		if err != nil {
			return err
		}

		if ok {
			v := ns.NestedReadBucket(mainBucketKey).Get(
				heightKey(height),
			)
			if v != nil {
				var hash chainhash.Hash
				copy(hash[:], v)
				located = fn.Some(hash)

				return nil
			}
		}

		v := ns.NestedReadBucket(txIndexBucketKey).Get(txid[:])
		if v != nil {
			var hash chainhash.Hash
			copy(hash[:], v)
			located = fn.Some(hash)
		}

		return nil
	})
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}

	return located, nil
}

// FetchTx implements the Backend interface.
func (s *Store) FetchTx(txid chainhash.Hash) (*ConfirmedTx, error) {
	var result *ConfirmedTx

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)

		v := ns.NestedReadBucket(txIndexBucketKey).Get(txid[:])
		if v == nil {
			return fmt.Errorf("%w: %v", ErrTxNotFound, txid)
		}

		var blockHash chainhash.Hash
		copy(blockHash[:], v)

		block, err := deserializeBlock(
			ns.NestedReadBucket(blockBucketKey).Get(blockHash[:]),
		)
		if err != nil {
			return err
		}

		for _, msgTx := range block.Transactions {
			if msgTx.TxHash() != txid {
				continue
			}

			result = &ConfirmedTx{
				Tx:        msgTx,
				BlockHash: blockHash,
			}

			height, ok := mainHeight(ns, blockHash)
			if ok {
				_, tipHeight, _ := tip(ns)
				result.Confirmations = int64(
					tipHeight - height + 1,
				)
			}

			return nil
		}

		return fmt.Errorf("%w: tx %v indexed in block %v", errCorruptRecord,
			txid, blockHash)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqldb provides a chain state kept in a SQL database. SQLite and
// PostgreSQL are supported, their schemas are managed with embedded
// migrations.
package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/merkleproof"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver.
	"github.com/lightningnetwork/lnd/fn/v2"
	_ "modernc.org/sqlite" // Register sqlite driver.
)

// Dialect is the SQL database flavor a store talks to.
type Dialect uint8

const (
	// SQLite is an embedded SQLite database.
	SQLite Dialect = iota

	// Postgres is a PostgreSQL server.
	Postgres
)

// String returns the name golang-migrate knows the dialect by.
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"

	case Postgres:
		return "postgres"

	default:
		return fmt.Sprintf("Dialect(%d)", uint8(d))
	}
}

var (
	// ErrNilDB is returned when a nil database handle is given.
	ErrNilDB = errors.New("nil database")

	// ErrUnknownDialect is returned for a dialect that is not supported.
	ErrUnknownDialect = errors.New("unknown sql dialect")

	// errCorruptRecord is returned when a stored row does not make sense.
	errCorruptRecord = errors.New("corrupt chain state record")
)

// Store is a chain state kept in a SQL database. Blocks are connected and
// disconnected at the tip. Writers are serialized by the shared chain lock of
// the caller.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// A compile time check to ensure Store implements the chain.LocalStore
// interface.
var _ chain.LocalStore = (*Store)(nil)

// NewStore creates a store on db. The schema must be current, see
// ApplyMigrations.
func NewStore(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDialect, dialect)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// sqliteDSN returns the connection string of the SQLite database at dbPath.
func sqliteDSN(dbPath string) string {
	// Foreign keys keep the indexes pointing at stored blocks, WAL lets
	// readers proceed while a block is connected and the busy timeout
	// retries instead of failing with SQLITE_BUSY.
	return dbPath + "?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		"&_pragma=busy_timeout=5000"
}

// OpenSQLite opens the SQLite store at dbPath, creating the database and its
// directory when needed.
func OpenSQLite(dbPath string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(dbPath), 0700)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite chain db: %w", err)
	}

	return open(db, SQLite)
}

// OpenPostgres connects to the PostgreSQL store at dsn.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open postgres chain db: %w",
			err)
	}

	return open(db, Postgres)
}

// open migrates db and wraps it in a store. The database is closed on
// failure.
func open(db *sql.DB, dialect Dialect) (*Store, error) {
	if err := ApplyMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	store, err := NewStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// q returns query in the placeholder form of the store's dialect.
func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

// tip returns the best chain tip, if any.
func (s *Store) tip(ctx context.Context, db querier) (chainhash.Hash, int32,
	bool, error) {

	var (
		height  int32
		rawHash []byte
	)

	err := db.QueryRowContext(ctx, `
		SELECT height, block_hash FROM main_chain
		ORDER BY height DESC LIMIT 1`,
	).Scan(&height, &rawHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return chainhash.Hash{}, 0, false, nil

	case err != nil:
		return chainhash.Hash{}, 0, false, err
	}

	hash, err := chainhash.NewHash(rawHash)
	if err != nil {
		return chainhash.Hash{}, 0, false, fmt.Errorf("%w: tip: %w",
			errCorruptRecord, err)
	}

	return *hash, height, true, nil
}

// mainHeight returns the height of a best chain block.
func (s *Store) mainHeight(ctx context.Context, db querier,
	hash chainhash.Hash) (int32, bool, error) {

	var height int32
	err := db.QueryRowContext(ctx, s.q(`
		SELECT height FROM main_chain WHERE block_hash = ?`), hash[:],
	).Scan(&height)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil

	case err != nil:
		return 0, false, err
	}

	return height, true, nil
}

// rawBlock loads a stored block.
func (s *Store) rawBlock(ctx context.Context, db querier,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	var raw []byte
	err := db.QueryRowContext(ctx, s.q(`
		SELECT raw_block FROM blocks WHERE block_hash = ?`), hash[:],
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %v", merkleproof.ErrBlockNotFound,
			hash)

	case err != nil:
		return nil, err
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: block %v: %w", errCorruptRecord,
			hash, err)
	}

	return &block, nil
}

// fetchCoin loads an unspent output.
func (s *Store) fetchCoin(ctx context.Context, db querier,
	op wire.OutPoint) (*coinview.Coin, error) {

	coin := &coinview.Coin{}
	err := db.QueryRowContext(ctx, s.q(`
		SELECT amount, pk_script, height, is_coinbase FROM coins
		WHERE txid = ? AND output_index = ?`), op.Hash[:], op.Index,
	).Scan(
		&coin.Output.Value, &coin.Output.PkScript, &coin.Height,
		&coin.IsCoinBase,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case err != nil:
		return nil, err
	}

	return coin, nil
}

// putCoin stores an unspent output, replacing an older one at the same
// outpoint.
func (s *Store) putCoin(ctx context.Context, db querier, op wire.OutPoint,
	coin *coinview.Coin) error {

	_, err := db.ExecContext(ctx, s.q(`
		INSERT INTO coins (
			txid, output_index, amount, pk_script, height,
			is_coinbase
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (txid, output_index) DO UPDATE SET
			amount = excluded.amount,
			pk_script = excluded.pk_script,
			height = excluded.height,
			is_coinbase = excluded.is_coinbase`),
		op.Hash[:], op.Index, coin.Output.Value,
		nonNil(coin.Output.PkScript), coin.Height, coin.IsCoinBase,
	)

	return err
}

// nonNil returns b, or an empty slice in place of nil so that it is never
// bound as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	return b
}

// ConnectBlock extends the best chain with block. The first transaction is
// treated as the coinbase and every other input must spend a known coin.
// Only the linkage to the tip is checked, blocks are trusted otherwise.
func (s *Store) ConnectBlock(block *wire.MsgBlock) error {
	ctx := context.Background()
	blockHash := block.BlockHash()

	var raw bytes.Buffer
	if err := block.Serialize(&raw); err != nil {
		return err
	}

	var height int32
	err := execInTx(ctx, s.db, func(tx *sql.Tx) error {
		tipHash, tipHeight, ok, err := s.tip(ctx, tx)
		if err != nil {
			return err
		}
		if ok {
			if block.Header.PrevBlock != tipHash {
				return fmt.Errorf("%w: %v builds on %v, tip "+
					"is %v", chain.ErrNotTip, blockHash,
					block.Header.PrevBlock, tipHash)
			}
			height = tipHeight + 1
		}

		// A block disconnected earlier is already stored.
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO blocks (block_hash, raw_block)
			VALUES (?, ?)
			ON CONFLICT (block_hash) DO NOTHING`),
			blockHash[:], raw.Bytes(),
		)
		if err != nil {
			return fmt.Errorf("insert block: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO main_chain (height, block_hash)
			VALUES (?, ?)`), height, blockHash[:],
		)
		if err != nil {
			return fmt.Errorf("insert main chain: %w", err)
		}

		spendOrder := 0
		for i, msgTx := range block.Transactions {
			// We'll spend the inputs first so that a transaction
			// can spend an output created earlier in the block.
			if i > 0 {
				for _, txIn := range msgTx.TxIn {
					err := s.spendCoin(
						ctx, tx, blockHash, spendOrder,
						txIn.PreviousOutPoint,
					)
					if err != nil {
						return err
					}
					spendOrder++
				}
			}

			txid := msgTx.TxHash()
			for idx, txOut := range msgTx.TxOut {
				if txscript.IsUnspendable(txOut.PkScript) {
					continue
				}

				op := wire.OutPoint{Hash: txid, Index: uint32(idx)}
				err := s.putCoin(ctx, tx, op, &coinview.Coin{
					Output:     *txOut,
					Height:     height,
					IsCoinBase: i == 0,
				})
				if err != nil {
					return fmt.Errorf("insert coin %v: %w",
						op, err)
				}
			}

			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO tx_index (txid, block_hash)
				VALUES (?, ?)
				ON CONFLICT (txid) DO UPDATE SET
					block_hash = excluded.block_hash`),
				txid[:], blockHash[:],
			)
			if err != nil {
				return fmt.Errorf("index tx %v: %w", txid, err)
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

// spendCoin moves the coin at op to the undo rows of the block.
func (s *Store) spendCoin(ctx context.Context, tx *sql.Tx,
	blockHash chainhash.Hash, spendOrder int, op wire.OutPoint) error {

	coin, err := s.fetchCoin(ctx, tx, op)
	if err != nil {
		return err
	}
	if coin == nil {
		return fmt.Errorf("%w: %v", chain.ErrMissingInput, op)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO spent_coins (
			block_hash, spend_order, txid, output_index, amount,
			pk_script, height, is_coinbase
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		blockHash[:], spendOrder, op.Hash[:], op.Index,
		coin.Output.Value, nonNil(coin.Output.PkScript), coin.Height,
		coin.IsCoinBase,
	)
	if err != nil {
		return fmt.Errorf("insert undo for %v: %w", op, err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		DELETE FROM coins WHERE txid = ? AND output_index = ?`),
		op.Hash[:], op.Index,
	)
	if err != nil {
		return fmt.Errorf("spend coin %v: %w", op, err)
	}

	return nil
}

// spentCoin is an undo row of a best chain block.
type spentCoin struct {
	outPoint wire.OutPoint
	coin     coinview.Coin
}

// spentCoins loads the undo rows of a block in spending order.
func (s *Store) spentCoins(ctx context.Context, tx *sql.Tx,
	blockHash chainhash.Hash) ([]spentCoin, error) {

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT txid, output_index, amount, pk_script, height,
			is_coinbase
		FROM spent_coins WHERE block_hash = ?
		ORDER BY spend_order`), blockHash[:],
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spent []spentCoin
	for rows.Next() {
		var (
			sc      spentCoin
			rawTxID []byte
		)

		err := rows.Scan(
			&rawTxID, &sc.outPoint.Index, &sc.coin.Output.Value,
			&sc.coin.Output.PkScript, &sc.coin.Height,
			&sc.coin.IsCoinBase,
		)
		if err != nil {
			return nil, err
		}

		txid, err := chainhash.NewHash(rawTxID)
		if err != nil {
			return nil, fmt.Errorf("%w: undo of %v: %w",
				errCorruptRecord, blockHash, err)
		}
		sc.outPoint.Hash = *txid

		spent = append(spent, sc)
	}

	return spent, rows.Err()
}

// DisconnectTip removes the tip from the best chain and restores the coins
// it spent. The block stays available through FetchBlock.
func (s *Store) DisconnectTip() (*wire.MsgBlock, error) {
	ctx := context.Background()

	var (
		block     *wire.MsgBlock
		tipHash   chainhash.Hash
		tipHeight int32
	)

	err := execInTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			ok  bool
			err error
		)
		tipHash, tipHeight, ok, err = s.tip(ctx, tx)
		if err != nil {
			return err
		}
		if !ok {
			return chain.ErrEmptyChain
		}

		block, err = s.rawBlock(ctx, tx, tipHash)
		if err != nil {
			return err
		}

		spent, err := s.spentCoins(ctx, tx, tipHash)
		if err != nil {
			return err
		}

		created := make(map[chainhash.Hash]struct{})
		for _, msgTx := range block.Transactions {
			txid := msgTx.TxHash()
			created[txid] = struct{}{}

			_, err := tx.ExecContext(ctx, s.q(`
				DELETE FROM coins WHERE txid = ?`), txid[:],
			)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, s.q(`
				DELETE FROM tx_index
				WHERE txid = ? AND block_hash = ?`),
				txid[:], tipHash[:],
			)
			if err != nil {
				return err
			}
		}

		// Coins created and spent within the block stay removed.
		for _, sc := range spent {
			if _, ok := created[sc.outPoint.Hash]; ok {
				continue
			}

			err := s.putCoin(ctx, tx, sc.outPoint, &sc.coin)
			if err != nil {
				return fmt.Errorf("restore coin %v: %w",
					sc.outPoint, err)
			}
		}

		_, err = tx.ExecContext(ctx, s.q(`
			DELETE FROM spent_coins WHERE block_hash = ?`),
			tipHash[:],
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			DELETE FROM main_chain WHERE height = ?`), tipHeight,
		)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("disconnect tip: %w", err)
	}

	log.Debugf("Disconnected block %v at height %d", tipHash, tipHeight)

	return block, nil
}

// BestBlock returns the hash and height of the best chain tip.
func (s *Store) BestBlock() (chainhash.Hash, int32, error) {
	hash, height, ok, err := s.tip(context.Background(), s.db)
	if err != nil {
		return chainhash.Hash{}, 0, err
	}
	if !ok {
		return chainhash.Hash{}, 0, chain.ErrEmptyChain
	}

	return hash, height, nil
}

// FetchCoin implements the coinview.CoinSource interface.
func (s *Store) FetchCoin(op wire.OutPoint) (*coinview.Coin, error) {
	return s.fetchCoin(context.Background(), s.db, op)
}

// HaveConfirmedTx implements the relay.ChainView interface.
func (s *Store) HaveConfirmedTx(txid chainhash.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(context.Background(), s.q(`
		SELECT 1 FROM coins WHERE txid = ? LIMIT 1`), txid[:],
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil

	case err != nil:
		return false, err
	}

	return true, nil
}

// MainChainHasBlock implements the merkleproof.ChainQuerier interface.
func (s *Store) MainChainHasBlock(hash chainhash.Hash) (bool, error) {
	_, ok, err := s.mainHeight(context.Background(), s.db, hash)

	return ok, err
}

// FetchBlock implements the merkleproof.BlockSource interface.
func (s *Store) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	return s.rawBlock(context.Background(), s.db, hash)
}

// LocateTx implements the merkleproof.BlockSource interface. A transaction
// with unspent outputs is located through the height of its coins, any other
// through the transaction index.
func (s *Store) LocateTx(
	txid chainhash.Hash) (fn.Option[chainhash.Hash], error) {

	ctx := context.Background()

	var rawHash []byte
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT m.block_hash FROM coins c
		JOIN main_chain m ON m.height = c.height
		WHERE c.txid = ? LIMIT 1`), txid[:],
	).Scan(&rawHash)

	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, s.q(`
			SELECT block_hash FROM tx_index WHERE txid = ?`),
			txid[:],
		).Scan(&rawHash)
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fn.None[chainhash.Hash](), nil

	case err != nil:
		return fn.None[chainhash.Hash](), err
	}

	hash, err := chainhash.NewHash(rawHash)
	if err != nil {
		return fn.None[chainhash.Hash](), fmt.Errorf("%w: location "+
			"of %v: %w", errCorruptRecord, txid, err)
	}

	return fn.Some(*hash), nil
}

// FetchTx implements the chain.Backend interface.
func (s *Store) FetchTx(txid chainhash.Hash) (*chain.ConfirmedTx, error) {
	ctx := context.Background()

	var result *chain.ConfirmedTx
	err := execInTx(ctx, s.db, func(tx *sql.Tx) error {
		var rawHash []byte
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT block_hash FROM tx_index WHERE txid = ?`),
			txid[:],
		).Scan(&rawHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %v", chain.ErrTxNotFound, txid)

		case err != nil:
			return err
		}

		blockHash, err := chainhash.NewHash(rawHash)
		if err != nil {
			return fmt.Errorf("%w: index of %v: %w",
				errCorruptRecord, txid, err)
		}

		block, err := s.rawBlock(ctx, tx, *blockHash)
		if err != nil {
			return err
		}

		for _, msgTx := range block.Transactions {
			if msgTx.TxHash() != txid {
				continue
			}

			result = &chain.ConfirmedTx{
				Tx:        msgTx,
				BlockHash: *blockHash,
			}

			height, ok, err := s.mainHeight(ctx, tx, *blockHash)
			if err != nil {
				return err
			}
			if ok {
				_, tipHeight, _, err := s.tip(ctx, tx)
				if err != nil {
					return err
				}
				result.Confirmations = int64(
					tipHeight - height + 1,
				)
			}

			return nil
		}

		return fmt.Errorf("%w: tx %v indexed in block %v",
			errCorruptRecord, txid, blockHash)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

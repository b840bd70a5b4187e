// Package sqlite implements the durable chain store on top of a single sqlite
// database file. The schema is managed with embedded migrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/storage"
)

// SQLite represents the durable implementation of the chain store. This
// implements the storage.Storage interface.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens the database at the specified path, applies the migrations and
// makes sure the genesis block is in place.
func New(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := SQLite{db: db}
	if err := s.ensureGenesis(); err != nil {
		db.Close()
		return nil, err
	}

	return &s, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Chain returns every block ordered by index with its committed transactions
// in the order they were mined.
func (s *SQLite) Chain() ([]database.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()

	const qBlocks = `
	SELECT id, idx, previous_hash, timestamp, nonce, merkle_root, leader_sig
	FROM blocks
	ORDER BY idx`

	var blocks []database.Block
	rowIDs := make(map[int64]int)

	f := func(row scanner) error {
		var rowID int64
		block, err := scanBlock(row, &rowID)
		if err != nil {
			return err
		}

		rowIDs[rowID] = len(blocks)
		blocks = append(blocks, block)
		return nil
	}

	if err := queryEach(ctx, s.db, f, qBlocks); err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}

	const qTxs = `
	SELECT block_id, tx_id, sender, recipient, amount, sender_pub, signature, timestamp
	FROM transactions
	WHERE committed = 1
	ORDER BY block_id, position, tx_id`

	g := func(row scanner) error {
		var blockID int64
		tx, err := scanTx(row, &blockID)
		if err != nil {
			return err
		}

		if i, exists := rowIDs[blockID]; exists {
			blocks[i].Trans = append(blocks[i].Trans, tx)
		}
		return nil
	}

	if err := queryEach(ctx, s.db, g, qTxs); err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	return blocks, nil
}

// LatestBlock returns the current tip of the chain.
func (s *SQLite) LatestBlock() (database.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest(context.Background(), s.db)
}

// AddBlock validates the block against the tip, stores it with its
// transactions and clears the mempool in a single database transaction.
func (s *SQLite) AddBlock(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	tip, err := s.latest(ctx, dbTx)
	if err != nil {
		return err
	}

	if !database.IsValidNewBlock(tip, block) {
		return fmt.Errorf("block %d on tip %d: %w", block.Index, tip.Index, storage.ErrInvalidBlock)
	}

	blockID, err := insertBlock(ctx, dbTx, block)
	if err != nil {
		return err
	}

	const qCommit = `
	UPDATE transactions
	SET committed = 1, block_id = ?, position = ?
	WHERE tx_id = ? AND committed = 0`

	for pos, tx := range block.Trans {
		res, err := dbTx.ExecContext(ctx, qCommit, blockID, pos, tx.ID)
		if err != nil {
			return fmt.Errorf("commit tx %s: %w", tx.ID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("commit tx %s: %w", tx.ID, err)
		}

		// The transaction only arrived as part of the block.
		if n == 0 {
			if err := insertTx(ctx, dbTx, tx, &blockID, pos); err != nil {
				return err
			}
		}
	}

	if _, err := dbTx.ExecContext(ctx, `DELETE FROM transactions WHERE committed = 0`); err != nil {
		return fmt.Errorf("clear mempool: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Mempool returns the pending transactions in arrival order.
func (s *SQLite) Mempool() ([]database.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
	SELECT block_id, tx_id, sender, recipient, amount, sender_pub, signature, timestamp
	FROM transactions
	WHERE committed = 0
	ORDER BY id`

	txs := []database.Tx{}
	f := func(row scanner) error {
		var blockID int64
		tx, err := scanTx(row, &blockID)
		if err != nil {
			return err
		}

		txs = append(txs, tx)
		return nil
	}

	if err := queryEach(context.Background(), s.db, f, q); err != nil {
		return nil, fmt.Errorf("query mempool: %w", err)
	}

	return txs, nil
}

// AddTransaction stores the transaction as pending. A transaction whose id is
// already pending or already committed is ignored.
func (s *SQLite) AddTransaction(tx database.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()

	var exists bool
	const q = `SELECT EXISTS(SELECT 1 FROM transactions WHERE tx_id = ?)`
	if err := s.db.QueryRowContext(ctx, q, tx.ID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup tx %s: %w", tx.ID, err)
	}

	if exists {
		return nil
	}

	return insertTx(ctx, s.db, tx, nil, 0)
}

// ClearMempool removes every pending transaction.
func (s *SQLite) ClearMempool() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(context.Background(), `DELETE FROM transactions WHERE committed = 0`); err != nil {
		return fmt.Errorf("clear mempool: %w", err)
	}

	return nil
}

// =============================================================================

// execer is the behavior shared by *sql.DB and *sql.Tx that the helpers need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is the behavior shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) ensureGenesis() error {
	ctx := context.Background()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&count); err != nil {
		return fmt.Errorf("count blocks: %w", err)
	}

	if count > 0 {
		return nil
	}

	if _, err := insertBlock(ctx, s.db, database.NewGenesis()); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	return nil
}

func (s *SQLite) latest(ctx context.Context, ex execer) (database.Block, error) {
	const q = `
	SELECT id, idx, previous_hash, timestamp, nonce, merkle_root, leader_sig
	FROM blocks
	ORDER BY idx DESC
	LIMIT 1`

	var rowID int64
	block, err := scanBlock(ex.QueryRowContext(ctx, q), &rowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Block{}, errors.New("chain is empty")
		}
		return database.Block{}, err
	}

	const qTxs = `
	SELECT block_id, tx_id, sender, recipient, amount, sender_pub, signature, timestamp
	FROM transactions
	WHERE block_id = ? AND committed = 1
	ORDER BY position, tx_id`

	f := func(row scanner) error {
		var blockID int64
		tx, err := scanTx(row, &blockID)
		if err != nil {
			return err
		}

		block.Trans = append(block.Trans, tx)
		return nil
	}

	if err := queryEach(ctx, ex, f, qTxs, rowID); err != nil {
		return database.Block{}, fmt.Errorf("query tip transactions: %w", err)
	}

	return block, nil
}

// queryEach runs the query and calls f for every row. The rows are closed
// before returning so the single connection is free for the next statement.
func queryEach(ctx context.Context, ex execer, f func(row scanner) error, query string, args ...any) error {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := f(rows); err != nil {
			return err
		}
	}

	return rows.Err()
}

func insertBlock(ctx context.Context, ex execer, block database.Block) (int64, error) {
	const q = `
	INSERT INTO blocks (idx, previous_hash, timestamp, nonce, hash, merkle_root, leader_sig)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := ex.ExecContext(ctx, q,
		int64(block.Index),
		block.PrevHash,
		block.TimeStamp.String(),
		int64(block.Nonce),
		block.Hash(),
		block.TransRoot,
		block.LeaderSig,
	)
	if err != nil {
		return 0, fmt.Errorf("insert block %d: %w", block.Index, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert block %d: %w", block.Index, err)
	}

	return id, nil
}

func insertTx(ctx context.Context, ex execer, tx database.Tx, blockID *int64, pos int) error {
	const q = `
	INSERT INTO transactions (block_id, position, tx_id, sender, recipient, amount, sender_pub, signature, timestamp, committed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	committed := blockID != nil

	var bid any
	if blockID != nil {
		bid = *blockID
	}

	_, err := ex.ExecContext(ctx, q,
		bid,
		pos,
		tx.ID,
		tx.Payload.Sender,
		tx.Payload.Recipient,
		tx.Payload.Amount.String(),
		tx.SenderPub,
		tx.Signature,
		tx.Timestamp.String(),
		committed,
	)
	if err != nil {
		return fmt.Errorf("insert tx %s: %w", tx.ID, err)
	}

	return nil
}

func scanBlock(row scanner, rowID *int64) (database.Block, error) {
	var (
		index int64
		nonce int64
		ts    string
		block database.Block
	)

	if err := row.Scan(rowID, &index, &block.PrevHash, &ts, &nonce, &block.TransRoot, &block.LeaderSig); err != nil {
		return database.Block{}, fmt.Errorf("scan block: %w", err)
	}

	timestamp, err := database.ParseTimestamp(ts)
	if err != nil {
		return database.Block{}, fmt.Errorf("block %d timestamp: %w", index, err)
	}

	block.Index = uint64(index)
	block.Nonce = uint64(nonce)
	block.TimeStamp = timestamp
	block.Trans = []database.Tx{}

	return block, nil
}

func scanTx(row scanner, blockID *int64) (database.Tx, error) {
	var (
		bid    sql.NullInt64
		amount string
		ts     string
		tx     database.Tx
	)

	if err := row.Scan(&bid, &tx.ID, &tx.Payload.Sender, &tx.Payload.Recipient, &amount, &tx.SenderPub, &tx.Signature, &ts); err != nil {
		return database.Tx{}, fmt.Errorf("scan tx: %w", err)
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return database.Tx{}, fmt.Errorf("tx %s amount: %w", tx.ID, err)
	}

	timestamp, err := database.ParseTimestamp(ts)
	if err != nil {
		return database.Tx{}, fmt.Errorf("tx %s timestamp: %w", tx.ID, err)
	}

	tx.Payload.Amount = value
	tx.Timestamp = timestamp
	*blockID = bid.Int64

	return tx, nil
}

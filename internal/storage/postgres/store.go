package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolpulse/internal/model"
	"poolpulse/internal/storage"
)

const uniqueViolation = "23505"

// Store provides Postgres persistence for pools and transfers.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertPool registers a pool. A duplicate pool name or contract address
// yields storage.ErrConflict.
func (s *Store) InsertPool(ctx context.Context, pool model.Pool) (model.Pool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO pools (pool_name, contract_address)
		VALUES ($1, $2)
		RETURNING pool_id
	`, pool.PoolName, pool.ContractAddress)

	if err := row.Scan(&pool.PoolID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.Pool{}, storage.ErrConflict
		}
		return model.Pool{}, fmt.Errorf("insert pool: %w", err)
	}
	return pool, nil
}

// ListPools returns all registered pools.
func (s *Store) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, pool_name, contract_address FROM pools ORDER BY pool_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

// PoolsByName returns the pools registered under the given name.
func (s *Store) PoolsByName(ctx context.Context, poolName string) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, pool_name, contract_address FROM pools WHERE pool_name = $1
	`, poolName)
	if err != nil {
		return nil, fmt.Errorf("pools by name: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

// PoolsByID returns the pools with the given ids, in id order.
func (s *Store) PoolsByID(ctx context.Context, ids []int64) ([]model.Pool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, pool_name, contract_address FROM pools
		WHERE pool_id = ANY($1) ORDER BY pool_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("pools by id: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

func scanPools(rows pgx.Rows) ([]model.Pool, error) {
	pools := make([]model.Pool, 0)
	for rows.Next() {
		var p model.Pool
		if err := rows.Scan(&p.PoolID, &p.PoolName, &p.ContractAddress); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pools, nil
}

// InsertTransfers writes a batch of transfers, silently skipping rows whose
// tx hash is already stored.
func (s *Store) InsertTransfers(ctx context.Context, transfers []model.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range transfers {
		batch.Queue(`
			INSERT INTO pool_transfers (
				block_number, ts_timestamp, tx_hash, from_address, to_address,
				contract_address, token_value, token_name, token_symbol, token_decimal,
				transaction_index, gas_limit, gas_price, gas_used, cumulative_gas_used,
				confirmations, fee_usd, pool_id
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15, $16, NULLIF($17, '')::numeric, NULLIF($18, 0)
			)
			ON CONFLICT (tx_hash) DO NOTHING
		`,
			int64(t.BlockNumber),
			t.Timestamp,
			t.TxHash,
			t.FromAddress,
			t.ToAddress,
			t.ContractAddress,
			t.TokenValue,
			t.TokenName,
			t.TokenSymbol,
			t.TokenDecimal,
			t.TransactionIndex,
			int64(t.GasLimit),
			int64(t.GasPrice),
			int64(t.GasUsed),
			int64(t.CumulativeGasUsed),
			t.Confirmations,
			t.FeeUSD,
			t.PoolID,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range transfers {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert transfers: %w", err)
		}
	}
	return nil
}

// LatestTransfer returns the most recently stored transfer touching the
// address for the pool, by timestamp, or nil when none exists.
func (s *Store) LatestTransfer(ctx context.Context, address string, poolID int64) (*model.Transfer, error) {
	row := s.pool.QueryRow(ctx, transferSelect+`
		WHERE (from_address = $1 OR to_address = $1) AND pool_id = $2
		ORDER BY ts_timestamp DESC
		LIMIT 1
	`, address, poolID)
	return scanTransfer(row)
}

// TransferByHash returns the stored transfer with the hash, or nil.
func (s *Store) TransferByHash(ctx context.Context, txHash string) (*model.Transfer, error) {
	row := s.pool.QueryRow(ctx, transferSelect+`
		WHERE tx_hash = $1
	`, txHash)
	return scanTransfer(row)
}

const transferSelect = `
	SELECT transaction_id, block_number, ts_timestamp, tx_hash, from_address,
		to_address, contract_address, token_value, token_name, token_symbol,
		token_decimal, transaction_index, gas_limit, gas_price, gas_used,
		cumulative_gas_used, confirmations, COALESCE(fee_usd::text, ''),
		COALESCE(pool_id, 0)
	FROM pool_transfers
`

func scanTransfer(row pgx.Row) (*model.Transfer, error) {
	var t model.Transfer
	var blockNumber, gasLimit, gasPrice, gasUsed, cumulativeGasUsed int64
	err := row.Scan(
		&t.TransactionID,
		&blockNumber,
		&t.Timestamp,
		&t.TxHash,
		&t.FromAddress,
		&t.ToAddress,
		&t.ContractAddress,
		&t.TokenValue,
		&t.TokenName,
		&t.TokenSymbol,
		&t.TokenDecimal,
		&t.TransactionIndex,
		&gasLimit,
		&gasPrice,
		&gasUsed,
		&cumulativeGasUsed,
		&t.Confirmations,
		&t.FeeUSD,
		&t.PoolID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}
	t.BlockNumber = uint64(blockNumber)
	t.GasLimit = uint64(gasLimit)
	t.GasPrice = uint64(gasPrice)
	t.GasUsed = uint64(gasUsed)
	t.CumulativeGasUsed = uint64(cumulativeGasUsed)
	return &t, nil
}

package storage

import (
	"context"
	"errors"

	"poolpulse/internal/model"
)

// ErrConflict reports a uniqueness violation on insert.
var ErrConflict = errors.New("already registered")

// PoolStore persists pool registrations. Pool names and contract addresses
// are each unique across registrations.
type PoolStore interface {
	// InsertPool registers a pool and returns it with its assigned id.
	// A duplicate name or address yields ErrConflict.
	InsertPool(ctx context.Context, pool model.Pool) (model.Pool, error)
	ListPools(ctx context.Context) ([]model.Pool, error)
	PoolsByName(ctx context.Context, poolName string) ([]model.Pool, error)
	PoolsByID(ctx context.Context, ids []int64) ([]model.Pool, error)
}

// TransferStore persists ingested transfers keyed by transaction hash.
type TransferStore interface {
	// InsertTransfers writes a batch, silently skipping rows whose tx hash
	// is already stored.
	InsertTransfers(ctx context.Context, transfers []model.Transfer) error
	// LatestTransfer returns the most recently stored transfer for the
	// address and pool, by timestamp, or nil when none exists.
	LatestTransfer(ctx context.Context, address string, poolID int64) (*model.Transfer, error)
	// TransferByHash returns the stored transfer with the hash, or nil.
	TransferByHash(ctx context.Context, txHash string) (*model.Transfer, error)
}

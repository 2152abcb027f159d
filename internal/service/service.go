package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"poolpulse/internal/dex"
	"poolpulse/internal/explorer"
	"poolpulse/internal/fees"
	"poolpulse/internal/ingest"
	"poolpulse/internal/model"
	"poolpulse/internal/storage"
)

// Service exposes the pool and transfer operations consumed by the HTTP
// layer and the CLI.
type Service struct {
	pools     storage.PoolStore
	transfers storage.TransferStore
	source    explorer.Source
	engine    *ingest.Engine
	fees      *fees.Calculator
	decoder   *dex.PriceDecoder
	logger    *zap.Logger
}

// New builds a Service with its dependencies.
func New(
	pools storage.PoolStore,
	transfers storage.TransferStore,
	source explorer.Source,
	engine *ingest.Engine,
	feeCalc *fees.Calculator,
	decoder *dex.PriceDecoder,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pools:     pools,
		transfers: transfers,
		source:    source,
		engine:    engine,
		fees:      feeCalc,
		decoder:   decoder,
		logger:    logger,
	}
}

// RegisterPool registers a pool under a lower-cased name and address.
// A duplicate name or address yields storage.ErrConflict.
func (s *Service) RegisterPool(ctx context.Context, poolName, contractAddress string) (model.Pool, error) {
	pool := model.Pool{
		PoolName:        strings.ToLower(strings.TrimSpace(poolName)),
		ContractAddress: strings.ToLower(strings.TrimSpace(contractAddress)),
	}
	return s.pools.InsertPool(ctx, pool)
}

// ListPools returns every registered pool.
func (s *Service) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.pools.ListPools(ctx)
}

// FindPoolByName returns the pools registered under the name.
func (s *Service) FindPoolByName(ctx context.Context, poolName string) ([]model.Pool, error) {
	return s.pools.PoolsByName(ctx, strings.ToLower(strings.TrimSpace(poolName)))
}

// StartIngestion launches background polling for the pool name.
func (s *Service) StartIngestion(ctx context.Context, poolName string) error {
	return s.engine.Start(ctx, poolName)
}

// StopIngestion signals the pool's polling task to stop.
func (s *Service) StopIngestion(poolName string) error {
	return s.engine.Stop(poolName)
}

// LatestTransfer returns the most recently ingested transfer for the
// address and pool, or nil.
func (s *Service) LatestTransfer(ctx context.Context, address string, poolID int64) (*model.Transfer, error) {
	return s.transfers.LatestTransfer(ctx, address, poolID)
}

// TransfersInTimeRange resolves the wall-clock range to a block range and
// returns the priced transfers inside it, hashes deduplicated and fees
// formatted to two decimals. A non-success status on either block lookup
// yields an empty list, not an error.
func (s *Service) TransfersInTimeRange(ctx context.Context, address string, startEpoch, endEpoch int64) ([]model.Transfer, error) {
	startBlock, err := s.source.BlockNumberNear(ctx, startEpoch, explorer.DirectionAfter)
	if err != nil {
		return s.emptyIfUpstream(err, "start block lookup")
	}
	endBlock, err := s.source.BlockNumberNear(ctx, endEpoch, explorer.DirectionBefore)
	if err != nil {
		return s.emptyIfUpstream(err, "end block lookup")
	}

	page, err := s.source.TransfersInRange(ctx, address, startBlock, endBlock)
	if err != nil {
		return nil, fmt.Errorf("transfers in range: %w", err)
	}

	seen := make(map[string]struct{}, len(page))
	results := make([]model.Transfer, 0, len(page))
	for _, tx := range page {
		if _, dup := seen[tx.Hash]; dup {
			continue
		}
		seen[tx.Hash] = struct{}{}

		fee := s.fees.StableFee(ctx, tx.GasUsed, tx.GasPrice, ingest.ParseInt64(tx.TimeStamp))
		results = append(results, ingest.BuildTransfer(tx, 0, fees.FormatTwoDecimals(fee)))
	}
	return results, nil
}

func (s *Service) emptyIfUpstream(err error, op string) ([]model.Transfer, error) {
	if errors.Is(err, explorer.ErrUpstreamStatus) {
		s.logger.Warn("block lookup returned no data", zap.String("op", op), zap.Error(err))
		return []model.Transfer{}, nil
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

// FeeByHash returns the stored fee of a transfer formatted to two decimals
// and the name of its pool. Unknown hashes yield "0.00" and an empty name.
func (s *Service) FeeByHash(ctx context.Context, txHash string) (string, string, error) {
	transfer, err := s.transfers.TransferByHash(ctx, txHash)
	if err != nil {
		return "", "", fmt.Errorf("transfer by hash: %w", err)
	}
	if transfer == nil {
		return "0.00", "", nil
	}

	poolName := ""
	if transfer.PoolID != 0 {
		pools, err := s.pools.PoolsByID(ctx, []int64{transfer.PoolID})
		if err != nil {
			return "", "", fmt.Errorf("pool by id: %w", err)
		}
		if len(pools) > 0 {
			poolName = pools[0].PoolName
		}
	}
	return fees.FormatTwoDecimals(transfer.FeeUSD), poolName, nil
}

// SwapExecutionPrice decodes the swap logs the transaction emitted against
// the named pool's contract and returns their execution prices.
func (s *Service) SwapExecutionPrice(ctx context.Context, txHash, poolName string) ([]model.SwapExecution, error) {
	pools, err := s.FindPoolByName(ctx, poolName)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("pool %q: %w", poolName, ingest.ErrNotFound)
	}
	return s.decoder.ExecutionPrices(ctx, txHash, pools[0].ContractAddress)
}

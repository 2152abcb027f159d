package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"poolpulse/internal/explorer"
	"poolpulse/internal/fees"
	"poolpulse/internal/model"
	"poolpulse/internal/storage"
)

var (
	// ErrAlreadyRunning reports a start call for a pool whose task exists.
	ErrAlreadyRunning = errors.New("ingestion already running")
	// ErrNotFound reports an unknown pool name or a stop call with no task.
	ErrNotFound = errors.New("not found")
)

// Config holds runtime settings for the ingestion engine.
type Config struct {
	// PollInterval is the sleep between polling iterations.
	PollInterval time.Duration
	// MaxBatch caps how many transfers one iteration may persist.
	MaxBatch int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 20
	}
	return c
}

// Engine runs one background polling task per started pool, discovering new
// token transfers through the explorer and persisting them with a priced
// fee. Iterations within one pool are strictly sequential; pools proceed
// independently.
type Engine struct {
	cfg       Config
	pools     storage.PoolStore
	transfers storage.TransferStore
	source    explorer.Source
	fees      *fees.Calculator
	registry  *TaskRegistry
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewEngine builds an Engine with its dependencies. The registry is owned by
// the caller so control surfaces can share it.
func NewEngine(
	cfg Config,
	pools storage.PoolStore,
	transfers storage.TransferStore,
	source explorer.Source,
	feeCalc *fees.Calculator,
	registry *TaskRegistry,
	logger *zap.Logger,
) *Engine {
	if registry == nil {
		registry = NewTaskRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		pools:     pools,
		transfers: transfers,
		source:    source,
		fees:      feeCalc,
		registry:  registry,
		logger:    logger,
	}
}

// Registry exposes the task registry.
func (e *Engine) Registry() *TaskRegistry {
	return e.registry
}

// Start launches a background polling task for the pool name. A second start
// for the same normalized name is a no-op reported as ErrAlreadyRunning;
// an unregistered name is ErrNotFound. Bootstrap happens asynchronously:
// its failure ends the task, not this call.
func (e *Engine) Start(ctx context.Context, poolName string) error {
	key := normalizeKey(poolName)
	if e.registry.Running(key) {
		return ErrAlreadyRunning
	}

	pools, err := e.pools.PoolsByName(ctx, key)
	if err != nil {
		return fmt.Errorf("resolve pool %q: %w", key, err)
	}
	if len(pools) == 0 {
		return fmt.Errorf("pool %q: %w", key, ErrNotFound)
	}
	pool := pools[0]

	taskCtx, cancel := context.WithCancel(context.Background())
	if !e.registry.Add(key, cancel) {
		cancel()
		return ErrAlreadyRunning
	}

	e.wg.Add(1)
	go e.run(taskCtx, key, pool)
	return nil
}

// Stop signals the pool's task to stop and removes it from the registry.
// The task observes the signal at its next iteration boundary, so one extra
// iteration may complete after Stop returns.
func (e *Engine) Stop(poolName string) error {
	cancel, ok := e.registry.Remove(normalizeKey(poolName))
	if !ok {
		return fmt.Errorf("task %q: %w", normalizeKey(poolName), ErrNotFound)
	}
	cancel()
	return nil
}

// Shutdown stops every task and waits for the loops to exit.
func (e *Engine) Shutdown() {
	for _, cancel := range e.registry.Drain() {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, key string, pool model.Pool) {
	defer e.wg.Done()

	if err := e.bootstrap(ctx, pool); err != nil {
		e.logger.Warn("ingestion bootstrap failed",
			zap.String("pool", key),
			zap.Error(err),
		)
		if cancel, ok := e.registry.Remove(key); ok {
			cancel()
		}
		return
	}

	e.logger.Info("ingestion running",
		zap.String("pool", key),
		zap.String("address", pool.ContractAddress),
		zap.Duration("poll_interval", e.cfg.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("ingestion stopped", zap.String("pool", key))
			return
		default:
		}

		latest, err := e.transfers.LatestTransfer(ctx, pool.ContractAddress, pool.PoolID)
		if err != nil {
			e.logger.Warn("read latest transfer failed", zap.String("pool", key), zap.Error(err))
		} else if latest == nil {
			// The seed record vanished; the loop cannot resume.
			e.logger.Error("no stored transfer to resume from, ending task", zap.String("pool", key))
			if cancel, ok := e.registry.Remove(key); ok {
				cancel()
			}
			return
		} else if err := e.pollOnce(ctx, pool, latest.BlockNumber); err != nil {
			// The iteration is abandoned; the next pass retries.
			e.logger.Warn("polling iteration failed", zap.String("pool", key), zap.Error(err))
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("ingestion stopped", zap.String("pool", key))
			return
		case <-timer.C:
		}
	}
}

// bootstrap seeds the pool with its most recent transfer when nothing is
// stored yet. Finding no transfer at all is fatal to the task.
func (e *Engine) bootstrap(ctx context.Context, pool model.Pool) error {
	stored, err := e.transfers.LatestTransfer(ctx, pool.ContractAddress, pool.PoolID)
	if err != nil {
		return fmt.Errorf("read latest transfer: %w", err)
	}
	if stored != nil {
		return nil
	}

	recent, err := e.source.LatestTransfers(ctx, pool.ContractAddress)
	if err != nil {
		return fmt.Errorf("fetch latest transfers: %w", err)
	}
	if len(recent) == 0 {
		return fmt.Errorf("no transfers found for %s", pool.ContractAddress)
	}

	seed := recent[0]
	existing, err := e.transfers.TransferByHash(ctx, seed.Hash)
	if err != nil {
		return fmt.Errorf("check seed hash: %w", err)
	}
	if existing != nil {
		return nil
	}

	fee := e.fees.StableFee(ctx, seed.GasUsed, seed.GasPrice, ParseInt64(seed.TimeStamp))
	if err := e.transfers.InsertTransfers(ctx, []model.Transfer{BuildTransfer(seed, pool.PoolID, fee)}); err != nil {
		return fmt.Errorf("insert seed transfer: %w", err)
	}
	return nil
}

func (e *Engine) pollOnce(ctx context.Context, pool model.Pool, startBlock uint64) error {
	page, err := e.source.TransfersFromBlock(ctx, pool.ContractAddress, startBlock)
	if err != nil {
		return fmt.Errorf("fetch transfers from block %d: %w", startBlock, err)
	}

	batch := e.buildBatch(ctx, pool, startBlock, page)
	if err := e.transfers.InsertTransfers(ctx, batch); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	if len(batch) > 0 {
		e.logger.Info("transfers ingested",
			zap.String("pool", pool.PoolName),
			zap.Uint64("start_block", startBlock),
			zap.Int("count", len(batch)),
		)
	}
	return nil
}

// buildBatch drops the already-ingested boundary block, dedups hashes within
// the page, prices each remaining transfer, and caps the batch size.
func (e *Engine) buildBatch(ctx context.Context, pool model.Pool, startBlock uint64, page []explorer.TokenTransfer) []model.Transfer {
	seen := make(map[string]struct{}, len(page))
	batch := make([]model.Transfer, 0, len(page))
	for _, tx := range page {
		if ParseUint64(tx.BlockNumber) == startBlock {
			continue
		}
		if _, dup := seen[tx.Hash]; dup {
			continue
		}
		seen[tx.Hash] = struct{}{}

		fee := e.fees.StableFee(ctx, tx.GasUsed, tx.GasPrice, ParseInt64(tx.TimeStamp))
		batch = append(batch, BuildTransfer(tx, pool.PoolID, fee))

		if len(batch) == e.cfg.MaxBatch {
			break
		}
	}
	return batch
}

func normalizeKey(poolName string) string {
	return strings.ToLower(strings.TrimSpace(poolName))
}

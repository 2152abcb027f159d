package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"poolpulse/internal/explorer"
	"poolpulse/internal/fees"
	"poolpulse/internal/model"
)

type stubPrices struct {
	price string
	ok    bool
}

func (s stubPrices) ClosePriceAt(context.Context, string, int64) (string, bool) {
	return s.price, s.ok
}

type fakePoolStore struct {
	pools []model.Pool
}

func (f *fakePoolStore) InsertPool(_ context.Context, pool model.Pool) (model.Pool, error) {
	pool.PoolID = int64(len(f.pools) + 1)
	f.pools = append(f.pools, pool)
	return pool, nil
}

func (f *fakePoolStore) ListPools(context.Context) ([]model.Pool, error) {
	return f.pools, nil
}

func (f *fakePoolStore) PoolsByName(_ context.Context, poolName string) ([]model.Pool, error) {
	var out []model.Pool
	for _, p := range f.pools {
		if p.PoolName == poolName {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePoolStore) PoolsByID(_ context.Context, ids []int64) ([]model.Pool, error) {
	var out []model.Pool
	for _, p := range f.pools {
		for _, id := range ids {
			if p.PoolID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type fakeTransferStore struct {
	mu        sync.Mutex
	transfers []model.Transfer
}

func (f *fakeTransferStore) InsertTransfers(_ context.Context, transfers []model.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range transfers {
		if f.lookupLocked(t.TxHash) != nil {
			continue
		}
		f.transfers = append(f.transfers, t)
	}
	return nil
}

func (f *fakeTransferStore) LatestTransfer(_ context.Context, address string, poolID int64) (*model.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.Transfer
	for i := range f.transfers {
		t := &f.transfers[i]
		if t.PoolID != poolID || (t.FromAddress != address && t.ToAddress != address) {
			continue
		}
		if latest == nil || t.Timestamp > latest.Timestamp {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeTransferStore) TransferByHash(_ context.Context, txHash string) (*model.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.lookupLocked(txHash)
	if t == nil {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTransferStore) lookupLocked(txHash string) *model.Transfer {
	for i := range f.transfers {
		if f.transfers[i].TxHash == txHash {
			return &f.transfers[i]
		}
	}
	return nil
}

func (f *fakeTransferStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

type fakeExplorer struct {
	mu          sync.Mutex
	latest      []explorer.TokenTransfer
	latestErr   error
	page        []explorer.TokenTransfer
	latestCalls int
}

func (f *fakeExplorer) LatestTransfers(context.Context, string) ([]explorer.TokenTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.latest, f.latestErr
}

func (f *fakeExplorer) TransfersFromBlock(context.Context, string, uint64) ([]explorer.TokenTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page, nil
}

func (f *fakeExplorer) TransfersInRange(context.Context, string, uint64, uint64) ([]explorer.TokenTransfer, error) {
	return nil, nil
}

func (f *fakeExplorer) BlockNumberNear(context.Context, int64, explorer.Direction) (uint64, error) {
	return 0, nil
}

func (f *fakeExplorer) latestCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestCalls
}

const poolAddress = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func wireTransfer(hash string, block uint64) explorer.TokenTransfer {
	return explorer.TokenTransfer{
		BlockNumber:     fmt.Sprintf("%d", block),
		TimeStamp:       fmt.Sprintf("%d", 1700000000+block),
		Hash:            hash,
		From:            "0xsender",
		To:              poolAddress,
		ContractAddress: "0xtoken",
		Value:           "1000000",
		TokenName:       "Tether USD",
		TokenSymbol:     "USDT",
		TokenDecimal:    "6",
		Gas:             "60000",
		GasPrice:        "30000000000",
		GasUsed:         "52000",
		Confirmations:   "12",
	}
}

func newTestEngine(cfg Config, pools *fakePoolStore, transfers *fakeTransferStore, source *fakeExplorer, prices stubPrices) *Engine {
	calc := fees.NewCalculator(prices, "ETHUSDT", zap.NewNop())
	return NewEngine(cfg, pools, transfers, source, calc, NewTaskRegistry(), zap.NewNop())
}

func TestBuildBatchDropsBoundaryAndDuplicates(t *testing.T) {
	engine := newTestEngine(Config{}, &fakePoolStore{}, &fakeTransferStore{}, &fakeExplorer{}, stubPrices{price: "2000", ok: true})

	page := []explorer.TokenTransfer{
		wireTransfer("0x01", 100),
		wireTransfer("0x02", 101),
		wireTransfer("0x02", 101),
		wireTransfer("0x03", 102),
	}

	batch := engine.buildBatch(context.Background(), model.Pool{PoolID: 1}, 100, page)
	if len(batch) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(batch))
	}
	if batch[0].TxHash != "0x02" || batch[1].TxHash != "0x03" {
		t.Fatalf("unexpected batch order: %q, %q", batch[0].TxHash, batch[1].TxHash)
	}
	if batch[0].BlockNumber != 101 {
		t.Fatalf("block number mismatch: %d", batch[0].BlockNumber)
	}
}

func TestBuildBatchCapsAtMaxBatch(t *testing.T) {
	engine := newTestEngine(Config{MaxBatch: 2}, &fakePoolStore{}, &fakeTransferStore{}, &fakeExplorer{}, stubPrices{price: "2000", ok: true})

	page := make([]explorer.TokenTransfer, 0, 5)
	for i := uint64(0); i < 5; i++ {
		page = append(page, wireTransfer(fmt.Sprintf("0x%02d", i), 200+i))
	}

	batch := engine.buildBatch(context.Background(), model.Pool{PoolID: 1}, 100, page)
	if len(batch) != 2 {
		t.Fatalf("expected the cap of 2, got %d", len(batch))
	}
}

func TestBuildBatchKeepsUnpricedTransfers(t *testing.T) {
	engine := newTestEngine(Config{}, &fakePoolStore{}, &fakeTransferStore{}, &fakeExplorer{}, stubPrices{})

	batch := engine.buildBatch(context.Background(), model.Pool{PoolID: 1}, 100, []explorer.TokenTransfer{
		wireTransfer("0x01", 101),
	})
	if len(batch) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(batch))
	}
	if batch[0].FeeUSD != "" {
		t.Fatalf("expected empty fee sentinel, got %q", batch[0].FeeUSD)
	}
}

func TestBootstrapSeedsEmptyStore(t *testing.T) {
	store := &fakeTransferStore{}
	source := &fakeExplorer{latest: []explorer.TokenTransfer{
		wireTransfer("0xseed", 500),
		wireTransfer("0xolder", 499),
	}}
	engine := newTestEngine(Config{}, &fakePoolStore{}, store, source, stubPrices{price: "2000", ok: true})

	pool := model.Pool{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}
	if err := engine.bootstrap(context.Background(), pool); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if store.count() != 1 {
		t.Fatalf("expected 1 seed transfer, got %d", store.count())
	}
	seed, err := store.TransferByHash(context.Background(), "0xseed")
	if err != nil || seed == nil {
		t.Fatalf("seed not stored: %v %v", seed, err)
	}
	if seed.FeeUSD == "" {
		t.Fatal("seed fee should be priced")
	}
	if seed.PoolID != 1 {
		t.Fatalf("seed pool id mismatch: %d", seed.PoolID)
	}
}

func TestBootstrapSkipsWhenAlreadySeeded(t *testing.T) {
	store := &fakeTransferStore{}
	pool := model.Pool{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}
	if err := store.InsertTransfers(context.Background(), []model.Transfer{{
		TxHash: "0xstored", ToAddress: poolAddress, PoolID: 1, Timestamp: 1,
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	source := &fakeExplorer{latest: []explorer.TokenTransfer{wireTransfer("0xseed", 500)}}
	engine := newTestEngine(Config{}, &fakePoolStore{}, store, source, stubPrices{price: "2000", ok: true})

	if err := engine.bootstrap(context.Background(), pool); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if source.latestCallCount() != 0 {
		t.Fatal("bootstrap should not hit the explorer when a transfer is stored")
	}
	if store.count() != 1 {
		t.Fatalf("store changed: %d transfers", store.count())
	}
}

func TestBootstrapSkipsDuplicateSeedHash(t *testing.T) {
	store := &fakeTransferStore{}
	// Same hash stored under another pool: LatestTransfer misses, the hash
	// check must still prevent a second row.
	if err := store.InsertTransfers(context.Background(), []model.Transfer{{
		TxHash: "0xseed", ToAddress: "0xelsewhere", PoolID: 9, Timestamp: 1,
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	source := &fakeExplorer{latest: []explorer.TokenTransfer{wireTransfer("0xseed", 500)}}
	engine := newTestEngine(Config{}, &fakePoolStore{}, store, source, stubPrices{price: "2000", ok: true})

	pool := model.Pool{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}
	if err := engine.bootstrap(context.Background(), pool); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected no new rows, got %d", store.count())
	}
}

func TestBootstrapFailsWithNoTransfers(t *testing.T) {
	engine := newTestEngine(Config{}, &fakePoolStore{}, &fakeTransferStore{}, &fakeExplorer{}, stubPrices{price: "2000", ok: true})

	pool := model.Pool{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}
	if err := engine.bootstrap(context.Background(), pool); err == nil {
		t.Fatal("expected an error for an address with no transfers")
	}
}

func TestStartUnknownPool(t *testing.T) {
	engine := newTestEngine(Config{}, &fakePoolStore{}, &fakeTransferStore{}, &fakeExplorer{}, stubPrices{})

	err := engine.Start(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartTwiceReportsAlreadyRunning(t *testing.T) {
	pools := &fakePoolStore{pools: []model.Pool{{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}}}
	store := &fakeTransferStore{}
	if err := store.InsertTransfers(context.Background(), []model.Transfer{{
		TxHash: "0xstored", ToAddress: poolAddress, PoolID: 1, Timestamp: 1, BlockNumber: 500,
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	engine := newTestEngine(Config{PollInterval: time.Hour}, pools, store, &fakeExplorer{}, stubPrices{price: "2000", ok: true})
	defer engine.Shutdown()

	if err := engine.Start(context.Background(), "USDC-WETH"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(context.Background(), "usdc-weth"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if engine.Registry().Len() != 1 {
		t.Fatalf("expected 1 task, got %d", engine.Registry().Len())
	}
}

func TestStopEndsTask(t *testing.T) {
	pools := &fakePoolStore{pools: []model.Pool{{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}}}
	store := &fakeTransferStore{}
	if err := store.InsertTransfers(context.Background(), []model.Transfer{{
		TxHash: "0xstored", ToAddress: poolAddress, PoolID: 1, Timestamp: 1, BlockNumber: 500,
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	engine := newTestEngine(Config{PollInterval: time.Hour}, pools, store, &fakeExplorer{}, stubPrices{price: "2000", ok: true})

	if err := engine.Start(context.Background(), "usdc-weth"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Stop("usdc-weth"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if engine.Registry().Running("usdc-weth") {
		t.Fatal("task should be deregistered after stop")
	}
	engine.Shutdown()
}

func TestStopWithoutTask(t *testing.T) {
	engine := newTestEngine(Config{}, &fakePoolStore{}, &fakeTransferStore{}, &fakeExplorer{}, stubPrices{})

	if err := engine.Stop("usdc-weth"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBootstrapFailureDeregistersTask(t *testing.T) {
	pools := &fakePoolStore{pools: []model.Pool{{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}}}
	source := &fakeExplorer{latestErr: errors.New("explorer down")}

	engine := newTestEngine(Config{PollInterval: time.Hour}, pools, &fakeTransferStore{}, source, stubPrices{price: "2000", ok: true})

	if err := engine.Start(context.Background(), "usdc-weth"); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.wg.Wait()
	if engine.Registry().Running("usdc-weth") {
		t.Fatal("failed bootstrap should remove the task")
	}
}

func TestPollOnceSkipsStoredHashes(t *testing.T) {
	store := &fakeTransferStore{}
	if err := store.InsertTransfers(context.Background(), []model.Transfer{{
		TxHash: "0x02", ToAddress: poolAddress, PoolID: 1, Timestamp: 1, BlockNumber: 101,
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	source := &fakeExplorer{page: []explorer.TokenTransfer{
		wireTransfer("0x02", 101),
		wireTransfer("0x03", 102),
	}}
	engine := newTestEngine(Config{}, &fakePoolStore{}, store, source, stubPrices{price: "2000", ok: true})

	pool := model.Pool{PoolID: 1, PoolName: "usdc-weth", ContractAddress: poolAddress}
	if err := engine.pollOnce(context.Background(), pool, 100); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if store.count() != 2 {
		t.Fatalf("expected 2 transfers after poll, got %d", store.count())
	}
	stored, err := store.TransferByHash(context.Background(), "0x03")
	if err != nil || stored == nil {
		t.Fatalf("new transfer missing: %v %v", stored, err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"poolpulse/internal/explorer"
	"poolpulse/internal/fees"
	"poolpulse/internal/ingest"
	"poolpulse/internal/model"
)

type stubPrices struct {
	price string
	ok    bool
}

func (s stubPrices) ClosePriceAt(context.Context, string, int64) (string, bool) {
	return s.price, s.ok
}

type memPoolStore struct {
	pools []model.Pool
}

func (m *memPoolStore) InsertPool(_ context.Context, pool model.Pool) (model.Pool, error) {
	pool.PoolID = int64(len(m.pools) + 1)
	m.pools = append(m.pools, pool)
	return pool, nil
}

func (m *memPoolStore) ListPools(context.Context) ([]model.Pool, error) {
	return m.pools, nil
}

func (m *memPoolStore) PoolsByName(_ context.Context, poolName string) ([]model.Pool, error) {
	var out []model.Pool
	for _, p := range m.pools {
		if p.PoolName == poolName {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPoolStore) PoolsByID(_ context.Context, ids []int64) ([]model.Pool, error) {
	var out []model.Pool
	for _, p := range m.pools {
		for _, id := range ids {
			if p.PoolID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type memTransferStore struct {
	byHash map[string]model.Transfer
}

func (m *memTransferStore) InsertTransfers(_ context.Context, transfers []model.Transfer) error {
	for _, t := range transfers {
		if _, ok := m.byHash[t.TxHash]; !ok {
			m.byHash[t.TxHash] = t
		}
	}
	return nil
}

func (m *memTransferStore) LatestTransfer(context.Context, string, int64) (*model.Transfer, error) {
	return nil, nil
}

func (m *memTransferStore) TransferByHash(_ context.Context, txHash string) (*model.Transfer, error) {
	if t, ok := m.byHash[txHash]; ok {
		return &t, nil
	}
	return nil, nil
}

type stubExplorer struct {
	startBlock    uint64
	endBlock      uint64
	blockErr      error
	page          []explorer.TokenTransfer
	rangeCalls    [][2]uint64
	rangeAddress  string
	blockRequests []explorer.Direction
}

func (s *stubExplorer) LatestTransfers(context.Context, string) ([]explorer.TokenTransfer, error) {
	return nil, nil
}

func (s *stubExplorer) TransfersFromBlock(context.Context, string, uint64) ([]explorer.TokenTransfer, error) {
	return nil, nil
}

func (s *stubExplorer) TransfersInRange(_ context.Context, address string, startBlock, endBlock uint64) ([]explorer.TokenTransfer, error) {
	s.rangeAddress = address
	s.rangeCalls = append(s.rangeCalls, [2]uint64{startBlock, endBlock})
	return s.page, nil
}

func (s *stubExplorer) BlockNumberNear(_ context.Context, _ int64, closest explorer.Direction) (uint64, error) {
	s.blockRequests = append(s.blockRequests, closest)
	if s.blockErr != nil {
		return 0, s.blockErr
	}
	if closest == explorer.DirectionAfter {
		return s.startBlock, nil
	}
	return s.endBlock, nil
}

func newTestService(pools *memPoolStore, transfers *memTransferStore, source *stubExplorer, prices stubPrices) *Service {
	calc := fees.NewCalculator(prices, "ETHUSDT", zap.NewNop())
	return New(pools, transfers, source, nil, calc, nil, zap.NewNop())
}

func TestRegisterPoolNormalizes(t *testing.T) {
	pools := &memPoolStore{}
	svc := newTestService(pools, &memTransferStore{}, &stubExplorer{}, stubPrices{})

	pool, err := svc.RegisterPool(context.Background(), "  USDC-WETH ", "0xABCDEF0123456789abcdef0123456789ABCDEF01")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if pool.PoolName != "usdc-weth" {
		t.Fatalf("name not lower-cased: %q", pool.PoolName)
	}
	if pool.ContractAddress != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("address not lower-cased: %q", pool.ContractAddress)
	}
	if pool.PoolID == 0 {
		t.Fatal("pool id not assigned")
	}
}

func TestTransfersInTimeRange(t *testing.T) {
	row := func(hash string) explorer.TokenTransfer {
		return explorer.TokenTransfer{
			BlockNumber: "19000001",
			TimeStamp:   "1700000000",
			Hash:        hash,
			GasUsed:     "52000",
			GasPrice:    "30000000000",
		}
	}
	source := &stubExplorer{
		startBlock: 19000000,
		endBlock:   19000500,
		page:       []explorer.TokenTransfer{row("0x01"), row("0x01"), row("0x02")},
	}
	svc := newTestService(&memPoolStore{}, &memTransferStore{}, source, stubPrices{price: "2000", ok: true})

	transfers, err := svc.TransfersInTimeRange(context.Background(), "0xpool", 1700000000, 1700003600)
	if err != nil {
		t.Fatalf("time range: %v", err)
	}

	if len(source.rangeCalls) != 1 || source.rangeCalls[0] != [2]uint64{19000000, 19000500} {
		t.Fatalf("block range mismatch: %v", source.rangeCalls)
	}
	if len(source.blockRequests) != 2 ||
		source.blockRequests[0] != explorer.DirectionAfter ||
		source.blockRequests[1] != explorer.DirectionBefore {
		t.Fatalf("block lookup directions mismatch: %v", source.blockRequests)
	}

	if len(transfers) != 2 {
		t.Fatalf("expected 2 deduplicated transfers, got %d", len(transfers))
	}
	// 52000 * 30 gwei at 2000 per native unit is 3.12.
	if transfers[0].FeeUSD != "3.12" {
		t.Fatalf("fee mismatch: %q", transfers[0].FeeUSD)
	}
	if transfers[0].PoolID != 0 {
		t.Fatalf("range results carry no pool id, got %d", transfers[0].PoolID)
	}
}

func TestTransfersInTimeRangeUpstreamStatusIsEmpty(t *testing.T) {
	source := &stubExplorer{blockErr: fmt.Errorf("%w: NOTOK", explorer.ErrUpstreamStatus)}
	svc := newTestService(&memPoolStore{}, &memTransferStore{}, source, stubPrices{})

	transfers, err := svc.TransfersInTimeRange(context.Background(), "0xpool", 1700000000, 1700003600)
	if err != nil {
		t.Fatalf("upstream status must not surface as an error: %v", err)
	}
	if transfers == nil || len(transfers) != 0 {
		t.Fatalf("expected an empty list, got %v", transfers)
	}
}

func TestTransfersInTimeRangePropagatesTransportErrors(t *testing.T) {
	source := &stubExplorer{blockErr: errors.New("connection refused")}
	svc := newTestService(&memPoolStore{}, &memTransferStore{}, source, stubPrices{})

	if _, err := svc.TransfersInTimeRange(context.Background(), "0xpool", 1700000000, 1700003600); err == nil {
		t.Fatal("transport errors must propagate")
	}
}

func TestFeeByHash(t *testing.T) {
	pools := &memPoolStore{pools: []model.Pool{{PoolID: 3, PoolName: "usdc-weth", ContractAddress: "0xpool"}}}
	transfers := &memTransferStore{byHash: map[string]model.Transfer{
		"0xabc": {TxHash: "0xabc", FeeUSD: "2.269349999", PoolID: 3},
		"0xdef": {TxHash: "0xdef", FeeUSD: "", PoolID: 0},
	}}
	svc := newTestService(pools, transfers, &stubExplorer{}, stubPrices{})

	fee, poolName, err := svc.FeeByHash(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("fee by hash: %v", err)
	}
	if fee != "2.27" || poolName != "usdc-weth" {
		t.Fatalf("fee/pool mismatch: %q %q", fee, poolName)
	}

	// Stored but unpriced renders as zero, without a pool.
	fee, poolName, err = svc.FeeByHash(context.Background(), "0xdef")
	if err != nil {
		t.Fatalf("fee by hash: %v", err)
	}
	if fee != "0.00" || poolName != "" {
		t.Fatalf("unpriced fee mismatch: %q %q", fee, poolName)
	}
}

func TestSwapExecutionPriceUnknownPool(t *testing.T) {
	svc := newTestService(&memPoolStore{}, &memTransferStore{}, &stubExplorer{}, stubPrices{})

	if _, err := svc.SwapExecutionPrice(context.Background(), "0xabc", "nope"); !errors.Is(err, ingest.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFeeByHashUnknown(t *testing.T) {
	svc := newTestService(&memPoolStore{}, &memTransferStore{byHash: map[string]model.Transfer{}}, &stubExplorer{}, stubPrices{})

	fee, poolName, err := svc.FeeByHash(context.Background(), "0xmissing")
	if err != nil {
		t.Fatalf("fee by hash: %v", err)
	}
	if fee != "0.00" || poolName != "" {
		t.Fatalf("unknown hash must read 0.00, got %q %q", fee, poolName)
	}
}

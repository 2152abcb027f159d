package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrUpstreamStatus reports a non-success status from the explorer API.
var ErrUpstreamStatus = errors.New("explorer status not ok")

// Direction selects which side of a timestamp a block lookup resolves to.
type Direction string

const (
	DirectionBefore Direction = "before"
	DirectionAfter  Direction = "after"
)

const (
	latestPageSize = 2
	scanPageSize   = 100
)

// TokenTransfer is one ERC-20 transfer row as reported by the explorer.
// Numeric fields arrive as decimal strings on the wire.
type TokenTransfer struct {
	BlockNumber       string `json:"blockNumber"`
	TimeStamp         string `json:"timeStamp"`
	Hash              string `json:"hash"`
	From              string `json:"from"`
	ContractAddress   string `json:"contractAddress"`
	To                string `json:"to"`
	Value             string `json:"value"`
	TokenName         string `json:"tokenName"`
	TokenSymbol       string `json:"tokenSymbol"`
	TokenDecimal      string `json:"tokenDecimal"`
	TransactionIndex  string `json:"transactionIndex"`
	Gas               string `json:"gas"`
	GasPrice          string `json:"gasPrice"`
	GasUsed           string `json:"gasUsed"`
	CumulativeGasUsed string `json:"cumulativeGasUsed"`
	Confirmations     string `json:"confirmations"`
}

// Source is the block-explorer capability consumed by the ingestion engine.
type Source interface {
	LatestTransfers(ctx context.Context, address string) ([]TokenTransfer, error)
	TransfersFromBlock(ctx context.Context, address string, startBlock uint64) ([]TokenTransfer, error)
	TransfersInRange(ctx context.Context, address string, startBlock, endBlock uint64) ([]TokenTransfer, error)
	BlockNumberNear(ctx context.Context, timestamp int64, closest Direction) (uint64, error)
}

// Client queries an Etherscan-compatible HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds an explorer client for the given API base URL.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// LatestTransfers returns the most recent token transfers for an address,
// newest first, capped at a small page.
func (c *Client) LatestTransfers(ctx context.Context, address string) ([]TokenTransfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("address", address)
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(latestPageSize))
	params.Set("sort", "desc")
	return c.tokenTransfers(ctx, params)
}

// TransfersFromBlock returns token transfers for an address from startBlock
// onward (inclusive), oldest first, one explorer page at most.
func (c *Client) TransfersFromBlock(ctx context.Context, address string, startBlock uint64) ([]TokenTransfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("address", address)
	params.Set("startblock", strconv.FormatUint(startBlock, 10))
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(scanPageSize))
	params.Set("sort", "asc")
	return c.tokenTransfers(ctx, params)
}

// TransfersInRange returns token transfers for an address between startBlock
// and endBlock inclusive, oldest first, one explorer page at most.
func (c *Client) TransfersInRange(ctx context.Context, address string, startBlock, endBlock uint64) ([]TokenTransfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("address", address)
	params.Set("startblock", strconv.FormatUint(startBlock, 10))
	params.Set("endblock", strconv.FormatUint(endBlock, 10))
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(scanPageSize))
	params.Set("sort", "asc")
	return c.tokenTransfers(ctx, params)
}

// BlockNumberNear resolves the block number closest to a unix timestamp on
// the given side.
func (c *Client) BlockNumberNear(ctx context.Context, timestamp int64, closest Direction) (uint64, error) {
	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("closest", string(closest))

	body, err := c.get(ctx, params)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode block number response: %w", err)
	}
	if resp.Status != "1" {
		return 0, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Message)
	}

	block, err := strconv.ParseUint(resp.Result, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", resp.Result, err)
	}
	return block, nil
}

func (c *Client) tokenTransfers(ctx context.Context, params url.Values) ([]TokenTransfer, error) {
	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode tokentx response: %w", err)
	}
	if resp.Status != "1" {
		// An empty page is reported with status "0"; it is data, not failure.
		if resp.Message == "No transactions found" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Message)
	}

	var transfers []TokenTransfer
	if err := json.Unmarshal(resp.Result, &transfers); err != nil {
		return nil, fmt.Errorf("decode tokentx result: %w", err)
	}
	return transfers, nil
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build explorer request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrUpstreamStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read explorer response: %w", err)
	}
	return body, nil
}

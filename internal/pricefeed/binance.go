package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Source answers close-price lookups for a trading pair. ClosePriceAt must
// never fail: callers treat pricing as best-effort and ok=false means the
// price is unavailable.
type Source interface {
	ClosePriceAt(ctx context.Context, symbol string, endTimeMillis int64) (string, bool)
}

// Kline is one OHLC bar. Binance encodes klines as positional JSON arrays.
type Kline struct {
	OpenTime  int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	CloseTime int64
}

// UnmarshalJSON decodes the positional kline array.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) < 7 {
		return fmt.Errorf("kline has %d fields, want at least 7", len(fields))
	}
	if err := json.Unmarshal(fields[0], &k.OpenTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	strs := []*string{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range strs {
		if err := json.Unmarshal(fields[i+1], dst); err != nil {
			return fmt.Errorf("kline field %d: %w", i+1, err)
		}
	}
	if err := json.Unmarshal(fields[6], &k.CloseTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}
	return nil
}

// Client queries the Binance spot REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a spot price client for the given API base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// ClosePriceAt returns the close of the single most recent 1-minute candle
// whose close time is at or before endTimeMillis. Upstream failures and
// empty result sets degrade to ok=false.
func (c *Client) ClosePriceAt(ctx context.Context, symbol string, endTimeMillis int64) (string, bool) {
	klines, err := c.Klines(ctx, symbol, "1m", 1, 0, endTimeMillis)
	if err != nil {
		c.logger.Warn("close price lookup failed",
			zap.String("symbol", symbol),
			zap.Int64("end_time_ms", endTimeMillis),
			zap.Error(err),
		)
		return "", false
	}
	if len(klines) == 0 {
		c.logger.Warn("close price lookup returned no candles",
			zap.String("symbol", symbol),
			zap.Int64("end_time_ms", endTimeMillis),
		)
		return "", false
	}
	return klines[0].Close, true
}

// Klines fetches OHLC bars for a symbol. startTime and endTime are
// millisecond timestamps; zero leaves the bound unset.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build klines request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read klines response: %w", err)
	}

	var klines []Kline
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	return klines, nil
}

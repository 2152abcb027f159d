package fees

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"poolpulse/internal/pricefeed"
)

// nativeDecimals is the decimal scale of the chain's native currency.
const nativeDecimals = 18

// Calculator prices transaction gas cost in a stable quote currency.
type Calculator struct {
	prices pricefeed.Source
	symbol string
	logger *zap.Logger
}

// NewCalculator builds a Calculator quoting against the given trading pair
// symbol (e.g. ETHUSDT).
func NewCalculator(prices pricefeed.Source, symbol string, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{prices: prices, symbol: symbol, logger: logger}
}

// NativeFee computes gasUsed * gasPrice scaled down to native currency
// units. Both inputs are decimal strings; gasPrice is in the chain's
// smallest unit.
func NativeFee(gasUsed, gasPrice string) (decimal.Decimal, error) {
	used, err := decimal.NewFromString(gasUsed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse gas used %q: %w", gasUsed, err)
	}
	price, err := decimal.NewFromString(gasPrice)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse gas price %q: %w", gasPrice, err)
	}
	return used.Mul(price).Shift(-nativeDecimals), nil
}

// StableFee converts the native gas fee of a transfer into the stable quote
// using the close price at the transfer timestamp. It returns the empty
// sentinel when the fee cannot be computed or priced; pricing is
// best-effort and never blocks ingestion.
func (c *Calculator) StableFee(ctx context.Context, gasUsed, gasPrice string, timestamp int64) string {
	native, err := NativeFee(gasUsed, gasPrice)
	if err != nil {
		c.logger.Warn("native fee computation failed", zap.Error(err))
		return ""
	}

	closePrice, ok := c.prices.ClosePriceAt(ctx, c.symbol, timestamp*1000)
	if !ok {
		return ""
	}

	quote, err := decimal.NewFromString(closePrice)
	if err != nil {
		c.logger.Warn("close price not a decimal",
			zap.String("symbol", c.symbol),
			zap.String("close_price", closePrice),
		)
		return ""
	}

	return native.Mul(quote).String()
}

// FormatTwoDecimals renders a decimal string with exactly two fractional
// digits, rounding half-up. The empty sentinel and unparsable input render
// as "0.00".
func FormatTwoDecimals(value string) string {
	if value == "" {
		return "0.00"
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "0.00"
	}
	return d.StringFixed(2)
}

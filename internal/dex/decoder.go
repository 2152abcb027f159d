package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"poolpulse/internal/chain"
	"poolpulse/internal/model"
)

// Token decimal scales the identity heuristic assigns. The heuristic is
// specific to an 18/6-decimal two-token pool and must not be extended to
// other pool shapes.
const (
	volatileDecimals = 18
	stableDecimals   = 6
)

// PriceDecoder derives execution prices from the swap logs a transaction
// emitted against a known pool contract.
type PriceDecoder struct {
	logs      chain.LogSource
	swapEvent abi.Event
	logger    *zap.Logger
}

// NewPriceDecoder builds a PriceDecoder over the given log source.
func NewPriceDecoder(logs chain.LogSource, logger *zap.Logger) (*PriceDecoder, error) {
	parsed, err := SwapABI()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceDecoder{
		logs:      logs,
		swapEvent: parsed.Events["Swap"],
		logger:    logger,
	}, nil
}

// ExecutionPrices fetches the transaction's logs, keeps those emitted by the
// pool contract with the Swap signature, and derives one SwapExecution per
// decodable log. Logs that fail to decode are skipped, not fatal; a
// transaction with no matching logs yields an empty result.
func (d *PriceDecoder) ExecutionPrices(ctx context.Context, txHash, poolAddress string) ([]model.SwapExecution, error) {
	logs, err := d.logs.TransactionLogs(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}

	pool := common.HexToAddress(poolAddress)
	results := make([]model.SwapExecution, 0, 1)
	for _, log := range logs {
		if log == nil || len(log.Topics) == 0 {
			continue
		}
		if log.Address != pool || log.Topics[0] != d.swapEvent.ID {
			continue
		}

		execution, err := d.decodeSwap(txHash, log)
		if err != nil {
			d.logger.Error("swap log decode failed",
				zap.String("tx_hash", txHash),
				zap.Uint("log_index", log.Index),
				zap.Error(err),
			)
			continue
		}
		results = append(results, execution)
	}
	return results, nil
}

func (d *PriceDecoder) decodeSwap(txHash string, log *types.Log) (model.SwapExecution, error) {
	if len(log.Topics) != 3 {
		return model.SwapExecution{}, fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}

	var indexed struct {
		Sender    common.Address
		Recipient common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(d.swapEvent.Inputs), log.Topics[1:]); err != nil {
		return model.SwapExecution{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := d.swapEvent.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.SwapExecution{}, fmt.Errorf("unpack swap data: %w", err)
	}
	if len(values) != 5 {
		return model.SwapExecution{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}

	amount0, err := asBigInt(values[0])
	if err != nil {
		return model.SwapExecution{}, err
	}
	amount1, err := asBigInt(values[1])
	if err != nil {
		return model.SwapExecution{}, err
	}
	sqrtPriceX96, err := asBigInt(values[2])
	if err != nil {
		return model.SwapExecution{}, err
	}

	decimals0, decimals1 := inferTokenDecimals(amount0, amount1)
	price := PriceFromSqrtPriceX96(sqrtPriceX96, decimals0, decimals1)

	return model.SwapExecution{
		TxHash:         txHash,
		ExecutionPrice: price.FloatString(2),
		Amount0:        amount0.String(),
		Amount1:        amount1.String(),
		Sender:         indexed.Sender.Hex(),
		Recipient:      indexed.Recipient.Hex(),
	}, nil
}

// inferTokenDecimals guesses which side of the pool holds the 18-decimal
// asset: of the two signed amounts, the one with more decimal digits in its
// magnitude is taken to be 18-decimal and the other 6-decimal. The positive
// amount is the side the counter-party received.
func inferTokenDecimals(amount0, amount1 *big.Int) (int, int) {
	received, sent := amount1, amount0
	receivedIsToken0 := false
	if amount0.Sign() > 0 {
		received, sent = amount0, amount1
		receivedIsToken0 = true
	}

	receivedDecimals := stableDecimals
	sentDecimals := volatileDecimals
	if digitCount(received) > digitCount(sent) {
		receivedDecimals = volatileDecimals
		sentDecimals = stableDecimals
	}

	if receivedIsToken0 {
		return receivedDecimals, sentDecimals
	}
	return sentDecimals, receivedDecimals
}

func digitCount(v *big.Int) int {
	return len(new(big.Int).Abs(v).String())
}

// PriceFromSqrtPriceX96 computes sqrtPriceX96^2 * 10^(decimals0-decimals1)
// / 2^192 exactly, inverting the result when it falls below one so the
// quote reads stable-per-volatile.
func PriceFromSqrtPriceX96(sqrtPriceX96 *big.Int, decimals0, decimals1 int) *big.Rat {
	num := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	denom := new(big.Int).Lsh(big.NewInt(1), 192)

	shift := decimals0 - decimals1
	if shift > 0 {
		num.Mul(num, pow10(shift))
	} else if shift < 0 {
		denom.Mul(denom, pow10(-shift))
	}

	price := new(big.Rat).SetFrac(num, denom)
	if price.Sign() > 0 && price.Cmp(big.NewRat(1, 1)) < 0 {
		price.Inv(price)
	}
	return price
}

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

func asBigInt(value interface{}) (*big.Int, error) {
	cast, ok := value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("value is not *big.Int: %T", value)
	}
	return cast, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

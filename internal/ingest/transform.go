package ingest

import (
	"strconv"

	"poolpulse/internal/explorer"
	"poolpulse/internal/model"
)

// BuildTransfer maps an explorer wire row onto a stored transfer. Explorer
// numeric fields are decimal strings; unparsable values map to zero.
func BuildTransfer(tx explorer.TokenTransfer, poolID int64, feeUSD string) model.Transfer {
	return model.Transfer{
		BlockNumber:       ParseUint64(tx.BlockNumber),
		Timestamp:         ParseInt64(tx.TimeStamp),
		TxHash:            tx.Hash,
		FromAddress:       tx.From,
		ToAddress:         tx.To,
		ContractAddress:   tx.ContractAddress,
		TokenValue:        tx.Value,
		TokenName:         tx.TokenName,
		TokenSymbol:       tx.TokenSymbol,
		TokenDecimal:      int32(ParseInt64(tx.TokenDecimal)),
		TransactionIndex:  int32(ParseInt64(tx.TransactionIndex)),
		GasLimit:          ParseUint64(tx.Gas),
		GasPrice:          ParseUint64(tx.GasPrice),
		GasUsed:           ParseUint64(tx.GasUsed),
		CumulativeGasUsed: ParseUint64(tx.CumulativeGasUsed),
		Confirmations:     ParseInt64(tx.Confirmations),
		FeeUSD:            feeUSD,
		PoolID:            poolID,
	}
}

func ParseUint64(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func ParseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

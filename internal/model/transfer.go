package model

// Transfer is an ingested ERC-20 transfer tied to a pool contract. TxHash is
// globally unique and is the sole idempotency guard against re-ingestion.
// FeeUSD is a decimal string; the empty string means the fee could not be
// priced at ingestion time.
type Transfer struct {
	TransactionID     int64  `json:"transaction_id"`
	BlockNumber       uint64 `json:"block_number"`
	Timestamp         int64  `json:"timestamp"`
	TxHash            string `json:"tx_hash"`
	FromAddress       string `json:"from_address"`
	ToAddress         string `json:"to_address"`
	ContractAddress   string `json:"contract_address"`
	TokenValue        string `json:"token_value"`
	TokenName         string `json:"token_name"`
	TokenSymbol       string `json:"token_symbol"`
	TokenDecimal      int32  `json:"token_decimal"`
	TransactionIndex  int32  `json:"transaction_index"`
	GasLimit          uint64 `json:"gas_limit"`
	GasPrice          uint64 `json:"gas_price"`
	GasUsed           uint64 `json:"gas_used"`
	CumulativeGasUsed uint64 `json:"cumulative_gas_used"`
	Confirmations     int64  `json:"confirmations"`
	FeeUSD            string `json:"fee_usd"`
	PoolID            int64  `json:"pool_id,omitempty"`
}

package model

// SwapExecution is the human-readable result of decoding one swap log:
// the execution price quoted stable-per-volatile, formatted to two decimals,
// alongside the raw signed amounts and counter-parties.
type SwapExecution struct {
	TxHash         string `json:"transaction_hash"`
	ExecutionPrice string `json:"execution_price"`
	Amount0        string `json:"amount0"`
	Amount1        string `json:"amount1"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
}

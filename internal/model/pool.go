package model

// Pool is a registered liquidity-pool contract. Pool names and contract
// addresses are stored lower-cased and are each unique.
type Pool struct {
	PoolID          int64  `json:"pool_id"`
	PoolName        string `json:"pool_name"`
	ContractAddress string `json:"contract_address"`
}

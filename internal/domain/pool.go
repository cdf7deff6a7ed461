package domain

// PoolConfig describes the budget configuration of one license pool.
// MaxOverage is conventionally Total-Commit, but smaller values are
// allowed to cap overage spend below raw capacity.
type PoolConfig struct {
	Tool         string  `json:"tool"`
	Total        int     `json:"total"`
	Commit       int     `json:"commit"`
	MaxOverage   int     `json:"max_overage"`
	CommitPrice  float64 `json:"commit_price"`
	OveragePrice float64 `json:"overage_price_per_license"`
}

// PoolStatus is the externally visible state of one pool. The field
// set and JSON names are the wire contract consumed by the dashboard
// and the client libraries.
type PoolStatus struct {
	Tool               string  `json:"tool"`
	Total              int     `json:"total"`
	Borrowed           int     `json:"borrowed"`
	Available          int     `json:"available"`
	Commit             int     `json:"commit"`
	MaxOverage         int     `json:"max_overage"`
	Overage            int     `json:"overage"`
	InCommit           bool    `json:"in_commit"`
	CommitPrice        float64 `json:"commit_price"`
	OveragePrice       float64 `json:"overage_price_per_license"`
	CurrentOverageCost float64 `json:"current_overage_cost"`
	TotalCost          float64 `json:"total_cost"`
}

// Validate checks a pool configuration for internal consistency.
func (c PoolConfig) Validate() error {
	if c.Tool == "" {
		return ErrInvalidPoolConfig
	}
	if c.Total < 0 || c.Commit < 0 || c.MaxOverage < 0 {
		return ErrInvalidPoolConfig
	}
	if c.Commit > c.Total {
		return ErrInvalidPoolConfig
	}
	if c.CommitPrice < 0 || c.OveragePrice < 0 {
		return ErrInvalidPoolConfig
	}
	return nil
}

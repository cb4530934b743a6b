package engine

import (
	"context"
)

// Engine describes the operations required by the lending HTTP surface.
// Addresses are hex strings; amounts are base-10 integer strings, with "max"
// selecting the full balance for withdraw and repay.
type Engine interface {
	Supply(ctx context.Context, user, asset, amount string) error
	Withdraw(ctx context.Context, user, asset, amount string) (string, error)
	Borrow(ctx context.Context, user, asset, amount string) error
	Repay(ctx context.Context, user, asset, amount string) (string, error)
	SetCollateral(ctx context.Context, user, asset string) (bool, error)
	Liquidate(ctx context.Context, req LiquidationRequest) (Liquidation, error)

	InitPool(ctx context.Context, caller string, req PoolParams) (string, error)
	SetPoolStatus(ctx context.Context, caller, asset, status string) error

	GetPool(ctx context.Context, asset string) (Pool, error)
	ListPools(ctx context.Context) ([]Pool, error)
	GetPosition(ctx context.Context, user, asset string) (Position, error)
	GetAccount(ctx context.Context, user string) (Account, error)
	PurchaseAmount(ctx context.Context, user, debtAsset string) (string, error)
	USDValue(ctx context.Context, asset, amount string) (string, error)
}

// RiskParams carries WAD-scaled pool risk parameters as integer strings.
type RiskParams struct {
	BaseRate             string `json:"baseRate"`
	Slope1               string `json:"slope1"`
	Slope2               string `json:"slope2"`
	OptimalUtilization   string `json:"optimalUtilization"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	LiquidationBonus     string `json:"liquidationBonus"`
}

// PoolParams is the input to InitPool.
type PoolParams struct {
	Asset     string     `json:"asset"`
	PriceFeed string     `json:"priceFeed"`
	Risk      RiskParams `json:"risk"`
}

// Pool is a pool brought current to the time of the query.
type Pool struct {
	Asset             string     `json:"asset"`
	Status            string     `json:"status"`
	PriceFeed         string     `json:"priceFeed"`
	TotalSupplyShares string     `json:"totalSupplyShares"`
	TotalBorrowShares string     `json:"totalBorrowShares"`
	SupplyIndex       string     `json:"supplyIndex"`
	BorrowIndex       string     `json:"borrowIndex"`
	LastAccrual       uint64     `json:"lastAccrual"`
	TotalSupply       string     `json:"totalSupply"`
	TotalBorrow       string     `json:"totalBorrow"`
	Available         string     `json:"available"`
	Utilization       string     `json:"utilization"`
	BorrowRate        string     `json:"borrowRate"`
	SupplyRate        string     `json:"supplyRate"`
	Risk              RiskParams `json:"risk"`
}

// Position is one user's holding in one pool.
type Position struct {
	User         string `json:"user"`
	Asset        string `json:"asset"`
	SupplyShares string `json:"supplyShares"`
	BorrowShares string `json:"borrowShares"`
	IsCollateral bool   `json:"isCollateral"`
	Supplied     string `json:"supplied"`
	Debt         string `json:"debt"`
}

// Exposure is one pool's contribution to an account.
type Exposure struct {
	Asset         string `json:"asset"`
	IsCollateral  bool   `json:"isCollateral"`
	Supplied      string `json:"supplied"`
	Debt          string `json:"debt"`
	CollateralUSD string `json:"collateralUsd"`
	DebtUSD       string `json:"debtUsd"`
}

// Account aggregates a user's positions at current prices. HealthFactor is
// "max" for debt-free accounts.
type Account struct {
	User               string     `json:"user"`
	Assets             []Exposure `json:"assets"`
	TotalCollateralUSD string     `json:"totalCollateralUsd"`
	TotalDebtUSD       string     `json:"totalDebtUsd"`
	BorrowCapacityUSD  string     `json:"borrowCapacityUsd"`
	HealthFactor       string     `json:"healthFactor"`
	Liquidatable       bool       `json:"liquidatable"`
}

// LiquidationRequest names the parties and the amount of debt to repay.
type LiquidationRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	Amount          string `json:"amount"`
}

// Liquidation reports what a liquidation settled.
type Liquidation struct {
	Repaid           string `json:"repaid"`
	CollateralSeized string `json:"collateralSeized"`
	SeizedShares     string `json:"seizedShares"`
}

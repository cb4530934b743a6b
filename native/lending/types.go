package lending

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolStatus gates which operations a pool accepts.
type PoolStatus uint8

const (
	// PoolInactive is the status of a freshly initialised pool. Only
	// administrative actions are accepted.
	PoolInactive PoolStatus = iota
	// PoolActivated accepts every operation.
	PoolActivated
	// PoolClosed only accepts withdraw and repay so users can unwind.
	PoolClosed
)

func (s PoolStatus) String() string {
	switch s {
	case PoolInactive:
		return "inactive"
	case PoolActivated:
		return "activated"
	case PoolClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the known statuses.
func (s PoolStatus) Valid() bool { return s <= PoolClosed }

func (s PoolStatus) allowsInflow() bool { return s == PoolActivated }

func (s PoolStatus) allowsOutflow() bool { return s == PoolActivated || s == PoolClosed }

// ParsePoolStatus accepts the lower case names returned by String.
func ParsePoolStatus(value string) (PoolStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "inactive":
		return PoolInactive, nil
	case "activated", "active":
		return PoolActivated, nil
	case "closed":
		return PoolClosed, nil
	default:
		return 0, fmt.Errorf("unknown pool status %q", value)
	}
}

// RateParams shape the kinked borrow rate curve. All values are annualised
// WAD fractions.
type RateParams struct {
	// BaseRate is the borrow rate charged at zero utilisation.
	BaseRate *uint256.Int
	// Slope1 is the rate added as utilisation climbs from zero to the
	// optimal point.
	Slope1 *uint256.Int
	// Slope2 is the rate added as utilisation climbs from the optimal point
	// to full utilisation.
	Slope2 *uint256.Int
	// OptimalUtilization is the kink of the curve.
	OptimalUtilization *uint256.Int
}

// Clone returns a deep copy of the rate parameters.
func (p RateParams) Clone() RateParams {
	return RateParams{
		BaseRate:           cloneOrZero(p.BaseRate),
		Slope1:             cloneOrZero(p.Slope1),
		Slope2:             cloneOrZero(p.Slope2),
		OptimalUtilization: cloneOrZero(p.OptimalUtilization),
	}
}

// RiskParams is the immutable configuration supplied when a pool is
// initialised.
type RiskParams struct {
	Rates RateParams
	// LiquidationThreshold weights the USD value of collateral when
	// computing the health factor.
	LiquidationThreshold *uint256.Int
	// LiquidationBonus is the extra fraction of collateral a liquidator
	// receives on top of the repaid value, e.g. 0.05 for 5%.
	LiquidationBonus *uint256.Int
}

// Clone returns a deep copy of the risk parameters.
func (p RiskParams) Clone() RiskParams {
	return RiskParams{
		Rates:                p.Rates.Clone(),
		LiquidationThreshold: cloneOrZero(p.LiquidationThreshold),
		LiquidationBonus:     cloneOrZero(p.LiquidationBonus),
	}
}

// Validate checks the parameters fall in their admissible ranges.
func (p RiskParams) Validate() error {
	if err := p.Rates.Validate(); err != nil {
		return err
	}
	if p.LiquidationThreshold == nil || p.LiquidationThreshold.IsZero() || p.LiquidationThreshold.Gt(wad) {
		return fmt.Errorf("%w: liquidation threshold must be in (0, 1]", ErrInvalidParams)
	}
	if p.LiquidationBonus == nil || p.LiquidationBonus.Gt(wad) {
		return fmt.Errorf("%w: liquidation bonus must be in [0, 1]", ErrInvalidParams)
	}
	return nil
}

// Pool is the per-asset accounting record.
type Pool struct {
	Asset  common.Address
	Status PoolStatus
	// TotalSupplyShares is the sum of every supplier's shares.
	TotalSupplyShares *uint256.Int
	// TotalBorrowShares is the sum of every borrower's debt shares.
	TotalBorrowShares *uint256.Int
	// SupplyIndex converts supply shares into the underlying amount. It
	// starts at 1.0 and never decreases.
	SupplyIndex *uint256.Int
	// BorrowIndex converts debt shares into the owed amount. It starts at
	// 1.0 and never decreases.
	BorrowIndex *uint256.Int
	// LastAccrualTimestamp is the clock reading, in seconds, of the most
	// recent accrual.
	LastAccrualTimestamp uint64
	Risk                 RiskParams
	// PriceFeed references the USD price source for the asset.
	PriceFeed common.Address
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	return &Pool{
		Asset:                p.Asset,
		Status:               p.Status,
		TotalSupplyShares:    cloneOrZero(p.TotalSupplyShares),
		TotalBorrowShares:    cloneOrZero(p.TotalBorrowShares),
		SupplyIndex:          cloneOrZero(p.SupplyIndex),
		BorrowIndex:          cloneOrZero(p.BorrowIndex),
		LastAccrualTimestamp: p.LastAccrualTimestamp,
		Risk:                 p.Risk.Clone(),
		PriceFeed:            p.PriceFeed,
	}
}

// TotalSupplyAmount converts the outstanding supply shares to tokens.
func (p *Pool) TotalSupplyAmount() (*uint256.Int, error) {
	return ToAmount(p.TotalSupplyShares, p.SupplyIndex)
}

// TotalBorrowAmount converts the outstanding debt shares to tokens.
func (p *Pool) TotalBorrowAmount() (*uint256.Int, error) {
	return ToAmount(p.TotalBorrowShares, p.BorrowIndex)
}

// AvailableLiquidity is the supplied amount not currently lent out. Rounding
// can leave borrows a few wei above supply, in which case it reports zero.
func (p *Pool) AvailableLiquidity() (*uint256.Int, error) {
	supplied, err := p.TotalSupplyAmount()
	if err != nil {
		return nil, err
	}
	borrowed, err := p.TotalBorrowAmount()
	if err != nil {
		return nil, err
	}
	if borrowed.Gt(supplied) {
		return zero(), nil
	}
	return new(uint256.Int).Sub(supplied, borrowed), nil
}

// UserPosition holds one user's stake in one pool.
type UserPosition struct {
	SupplyShares *uint256.Int
	BorrowShares *uint256.Int
	// IsCollateral opts the supply balance into the health factor.
	IsCollateral bool
}

func newPosition() *UserPosition {
	return &UserPosition{SupplyShares: zero(), BorrowShares: zero()}
}

// Clone returns a deep copy of the position.
func (p *UserPosition) Clone() *UserPosition {
	if p == nil {
		return nil
	}
	return &UserPosition{
		SupplyShares: cloneOrZero(p.SupplyShares),
		BorrowShares: cloneOrZero(p.BorrowShares),
		IsCollateral: p.IsCollateral,
	}
}

// IsEmpty reports whether the position carries no balances and no flags. An
// empty position is equivalent to an absent one.
func (p *UserPosition) IsEmpty() bool {
	return p == nil || (isZero(p.SupplyShares) && isZero(p.BorrowShares) && !p.IsCollateral)
}

// PositionKey addresses a position by user and pool asset.
type PositionKey struct {
	User  common.Address
	Asset common.Address
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero()
	}
	return v.Clone()
}

package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Validate checks the curve is well formed. The optimal utilisation must be
// in (0, 1] so both slopes have a non-zero denominator where they apply.
func (p RateParams) Validate() error {
	if p.BaseRate == nil || p.Slope1 == nil || p.Slope2 == nil || p.OptimalUtilization == nil {
		return fmt.Errorf("%w: rate parameters incomplete", ErrInvalidParams)
	}
	if p.OptimalUtilization.IsZero() || p.OptimalUtilization.Gt(wad) {
		return fmt.Errorf("%w: optimal utilization must be in (0, 1]", ErrInvalidParams)
	}
	return nil
}

// Utilization returns borrowed / (borrowed + available) as a WAD fraction, or
// zero for an empty pool.
func Utilization(totalBorrowed, availableLiquidity *uint256.Int) (*uint256.Int, error) {
	total, err := addChecked(totalBorrowed, availableLiquidity)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return zero(), nil
	}
	return DivWad(totalBorrowed, total)
}

// BorrowRate evaluates the two-slope curve at the pool's utilisation and
// returns the annualised borrow rate.
func (p RateParams) BorrowRate(totalBorrowed, availableLiquidity *uint256.Int) (*uint256.Int, error) {
	util, err := Utilization(totalBorrowed, availableLiquidity)
	if err != nil {
		return nil, err
	}
	return p.rateAt(util)
}

func (p RateParams) rateAt(util *uint256.Int) (*uint256.Int, error) {
	if !util.Gt(p.OptimalUtilization) {
		ratio, err := DivWad(util, p.OptimalUtilization)
		if err != nil {
			return nil, err
		}
		variable, err := MulWad(p.Slope1, ratio)
		if err != nil {
			return nil, err
		}
		return addChecked(p.BaseRate, variable)
	}
	excess := new(uint256.Int).Sub(util, p.OptimalUtilization)
	headroom, err := subChecked(wad, p.OptimalUtilization)
	if err != nil {
		return nil, err
	}
	ratio, err := DivWad(excess, headroom)
	if err != nil {
		return nil, err
	}
	steep, err := MulWad(p.Slope2, ratio)
	if err != nil {
		return nil, err
	}
	rate, err := addChecked(p.BaseRate, p.Slope1)
	if err != nil {
		return nil, err
	}
	return addChecked(rate, steep)
}

// SupplyRate is the annualised rate earned by suppliers: the borrow rate
// scaled by the fraction of liquidity that is lent out.
func (p RateParams) SupplyRate(totalBorrowed, availableLiquidity *uint256.Int) (*uint256.Int, error) {
	util, err := Utilization(totalBorrowed, availableLiquidity)
	if err != nil {
		return nil, err
	}
	rate, err := p.rateAt(util)
	if err != nil {
		return nil, err
	}
	return MulWad(rate, util)
}

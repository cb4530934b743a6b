package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// SecondsPerYear is the default annualisation period.
const SecondsPerYear uint64 = 365 * 24 * 60 * 60

// AccrualMode selects how an annual rate is turned into an index multiplier.
type AccrualMode uint8

const (
	// AccrualLinear applies 1 + rate*elapsed/year on every accrual, so the
	// index compounds at whatever frequency the pool is touched.
	AccrualLinear AccrualMode = iota
	// AccrualCompound compounds the per-second rate over the elapsed
	// seconds.
	AccrualCompound
)

func (m AccrualMode) String() string {
	if m == AccrualCompound {
		return "compound"
	}
	return "linear"
}

// ParseAccrualMode accepts "linear" (or empty) and "compound".
func ParseAccrualMode(value string) (AccrualMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "linear":
		return AccrualLinear, nil
	case "compound":
		return AccrualCompound, nil
	default:
		return 0, fmt.Errorf("unknown accrual mode %q", value)
	}
}

// Accrual advances pool indices. It carries no state of its own.
type Accrual struct {
	SecondsPerYear uint64
	Mode           AccrualMode
}

// Accrue brings pool current to now. It reports whether the indices moved.
// Calling it again with the same now is a no-op, and a clock reading older
// than the last accrual is treated as zero elapsed time.
func (a Accrual) Accrue(pool *Pool, now uint64) (bool, error) {
	if pool == nil {
		return false, ErrUnknownPool
	}
	if now <= pool.LastAccrualTimestamp {
		return false, nil
	}
	elapsed := now - pool.LastAccrualTimestamp
	if isZero(pool.TotalBorrowShares) {
		pool.LastAccrualTimestamp = now
		return false, nil
	}

	borrowedBefore, err := pool.TotalBorrowAmount()
	if err != nil {
		return false, err
	}
	suppliedBefore, err := pool.TotalSupplyAmount()
	if err != nil {
		return false, err
	}
	available, err := pool.AvailableLiquidity()
	if err != nil {
		return false, err
	}
	rate, err := pool.Risk.Rates.BorrowRate(borrowedBefore, available)
	if err != nil {
		return false, err
	}
	multiplier, err := a.multiplier(rate, elapsed)
	if err != nil {
		return false, err
	}
	borrowIndex, err := MulWad(pool.BorrowIndex, multiplier)
	if err != nil {
		return false, err
	}
	borrowedAfter, err := ToAmount(pool.TotalBorrowShares, borrowIndex)
	if err != nil {
		return false, err
	}
	interest := new(uint256.Int).Sub(borrowedAfter, borrowedBefore)

	supplyIndex := pool.SupplyIndex.Clone()
	if !interest.IsZero() && !isZero(pool.TotalSupplyShares) {
		target, err := addChecked(suppliedBefore, interest)
		if err != nil {
			return false, err
		}
		// Rounded down so suppliers never gain more than borrowers paid.
		candidate, err := DivWad(target, pool.TotalSupplyShares)
		if err != nil {
			return false, err
		}
		if candidate.Gt(supplyIndex) {
			supplyIndex = candidate
		}
	}

	changed := !borrowIndex.Eq(pool.BorrowIndex) || !supplyIndex.Eq(pool.SupplyIndex)
	pool.BorrowIndex = borrowIndex
	pool.SupplyIndex = supplyIndex
	pool.LastAccrualTimestamp = now
	return changed, nil
}

func (a Accrual) multiplier(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	year := a.SecondsPerYear
	if year == 0 {
		year = SecondsPerYear
	}
	periods := uint256.NewInt(year)
	switch a.Mode {
	case AccrualCompound:
		perSecond := new(uint256.Int).Div(rate, periods)
		base, err := addChecked(wad, perSecond)
		if err != nil {
			return nil, err
		}
		return PowWad(base, elapsed)
	default:
		scaled, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(elapsed))
		if overflow {
			return nil, ErrArithmeticOverflow
		}
		return addChecked(wad, scaled.Div(scaled, periods))
	}
}

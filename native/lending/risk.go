package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RiskEngine evaluates account health across every pool. It is stateless; all
// inputs come from the view and price book handed to each call.
type RiskEngine struct {
	// CloseFactor is the fraction of a borrower's debt in one pool that a
	// single liquidation may repay.
	CloseFactor *uint256.Int
}

// AssetExposure is one pool's contribution to an account snapshot.
type AssetExposure struct {
	Asset        common.Address
	IsCollateral bool
	SupplyAmount *uint256.Int
	DebtAmount   *uint256.Int
	// CollateralUSD is the supply value weighted by the liquidation
	// threshold, or zero when the asset is not used as collateral.
	CollateralUSD *uint256.Int
	DebtUSD       *uint256.Int
}

// AccountSnapshot aggregates a user's positions at current prices.
type AccountSnapshot struct {
	User               common.Address
	Assets             []AssetExposure
	TotalCollateralUSD *uint256.Int
	TotalDebtUSD       *uint256.Int
	// HealthFactor is MaxAmount when the account carries no debt.
	HealthFactor *uint256.Int
	// BorrowCapacityUSD is the additional debt the account could take on
	// before its health factor falls below 1.0.
	BorrowCapacityUSD *uint256.Int
}

// Liquidatable reports whether the snapshot's health factor is below 1.0.
func (s *AccountSnapshot) Liquidatable() bool {
	return s.HealthFactor != nil && s.HealthFactor.Lt(wad)
}

// HealthFactor returns collateralUSD / debtUSD, or MaxAmount when there is no
// debt.
func HealthFactor(collateralUSD, debtUSD *uint256.Int) (*uint256.Int, error) {
	if isZero(debtUSD) {
		return MaxAmount(), nil
	}
	return DivWad(collateralUSD, debtUSD)
}

func (r RiskEngine) snapshot(v view, prices *priceBook, user common.Address) (*AccountSnapshot, error) {
	snap := &AccountSnapshot{User: user, TotalCollateralUSD: zero(), TotalDebtUSD: zero()}
	for _, asset := range v.assets() {
		pos := v.position(user, asset)
		if pos.IsEmpty() {
			continue
		}
		pool := v.pool(asset)
		exposure, err := exposureOf(pool, pos, prices)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.Hex(), err)
		}
		if snap.TotalCollateralUSD, err = addChecked(snap.TotalCollateralUSD, exposure.CollateralUSD); err != nil {
			return nil, err
		}
		if snap.TotalDebtUSD, err = addChecked(snap.TotalDebtUSD, exposure.DebtUSD); err != nil {
			return nil, err
		}
		snap.Assets = append(snap.Assets, *exposure)
	}
	hf, err := HealthFactor(snap.TotalCollateralUSD, snap.TotalDebtUSD)
	if err != nil {
		return nil, err
	}
	snap.HealthFactor = hf
	snap.BorrowCapacityUSD = zero()
	if snap.TotalCollateralUSD.Gt(snap.TotalDebtUSD) {
		snap.BorrowCapacityUSD = new(uint256.Int).Sub(snap.TotalCollateralUSD, snap.TotalDebtUSD)
	}
	return snap, nil
}

func exposureOf(pool *Pool, pos *UserPosition, prices *priceBook) (*AssetExposure, error) {
	supplied, err := ToAmount(pos.SupplyShares, pool.SupplyIndex)
	if err != nil {
		return nil, err
	}
	debt, err := ToAmountUp(pos.BorrowShares, pool.BorrowIndex)
	if err != nil {
		return nil, err
	}
	out := &AssetExposure{
		Asset:         pool.Asset,
		IsCollateral:  pos.IsCollateral,
		SupplyAmount:  supplied,
		DebtAmount:    debt,
		CollateralUSD: zero(),
	}
	if pos.IsCollateral {
		value, err := prices.usdValue(pool.PriceFeed, supplied)
		if err != nil {
			return nil, err
		}
		if out.CollateralUSD, err = MulWad(value, pool.Risk.LiquidationThreshold); err != nil {
			return nil, err
		}
	}
	if out.DebtUSD, err = prices.usdValue(pool.PriceFeed, debt); err != nil {
		return nil, err
	}
	return out, nil
}

func hasDebt(v view, user common.Address) bool {
	for _, asset := range v.assets() {
		if pos := v.position(user, asset); pos != nil && !isZero(pos.BorrowShares) {
			return true
		}
	}
	return false
}

// healthFactor skips pricing entirely for accounts without debt.
func (r RiskEngine) healthFactor(v view, prices *priceBook, user common.Address) (*uint256.Int, error) {
	if !hasDebt(v, user) {
		return MaxAmount(), nil
	}
	snap, err := r.snapshot(v, prices, user)
	if err != nil {
		return nil, err
	}
	return snap.HealthFactor, nil
}

// requireHealthy fails with ErrUnhealthyPosition when the account in v would
// be below 1.0.
func (r RiskEngine) requireHealthy(v view, prices *priceBook, user common.Address) error {
	hf, err := r.healthFactor(v, prices, user)
	if err != nil {
		return err
	}
	if hf.Lt(wad) {
		return fmt.Errorf("%w: health factor %s", ErrUnhealthyPosition, FormatWad(hf))
	}
	return nil
}

// canBorrow checks the account stays at or above 1.0 after taking amount of
// additional debt in asset.
func (r RiskEngine) canBorrow(v view, prices *priceBook, user, asset common.Address, amount *uint256.Int) error {
	snap, err := r.snapshot(v, prices, user)
	if err != nil {
		return err
	}
	pool := v.pool(asset)
	if pool == nil {
		return ErrUnknownPool
	}
	extra, err := prices.usdValue(pool.PriceFeed, amount)
	if err != nil {
		return err
	}
	debt, err := addChecked(snap.TotalDebtUSD, extra)
	if err != nil {
		return err
	}
	hf, err := HealthFactor(snap.TotalCollateralUSD, debt)
	if err != nil {
		return err
	}
	if hf.Lt(wad) {
		return fmt.Errorf("%w: health factor after borrow %s", ErrUnhealthyPosition, FormatWad(hf))
	}
	return nil
}

// PurchaseAmount is the most debt a liquidator may repay in one call given
// the borrower's current debt. Debts too small for the close factor to cover
// a single wei may be repaid in full.
func (r RiskEngine) PurchaseAmount(debt *uint256.Int) (*uint256.Int, error) {
	if isZero(debt) {
		return zero(), nil
	}
	closeFactor := r.CloseFactor
	if closeFactor == nil {
		closeFactor = defaultCloseFactor
	}
	capped, err := MulWad(debt, closeFactor)
	if err != nil {
		return nil, err
	}
	if capped.IsZero() {
		return debt.Clone(), nil
	}
	return minU256(debt, capped), nil
}

// LiquidationPayout returns the collateral a liquidator receives for
// repaying purchaseAmount of debt: the repaid USD value converted into the
// collateral asset and grossed up by the liquidation bonus.
func LiquidationPayout(purchaseAmount, debtPriceUSD, collateralPriceUSD, liquidationBonus *uint256.Int) (*uint256.Int, error) {
	repaidUSD, err := MulWad(purchaseAmount, debtPriceUSD)
	if err != nil {
		return nil, err
	}
	base, err := DivWad(repaidUSD, collateralPriceUSD)
	if err != nil {
		return nil, err
	}
	gross, err := addChecked(wad, liquidationBonus)
	if err != nil {
		return nil, err
	}
	return MulWad(base, gross)
}

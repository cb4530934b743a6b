package lending

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolSummary is a read-only view of a pool brought current to the time of
// the query.
type PoolSummary struct {
	Pool        *Pool
	TotalSupply *uint256.Int
	TotalBorrow *uint256.Int
	Available   *uint256.Int
	Utilization *uint256.Int
	BorrowRate  *uint256.Int
	SupplyRate  *uint256.Int
}

// preview runs fn against a throwaway txn. Accrual performed inside it is
// never committed.
func (e *Engine) preview(ctx context.Context, fn func(tx *txn, prices *priceBook, now uint64) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(newTxn(e.state), newPriceBook(ctx, e.feed), e.clock.Now())
}

func summarize(pool *Pool) (*PoolSummary, error) {
	supplied, err := pool.TotalSupplyAmount()
	if err != nil {
		return nil, err
	}
	borrowed, err := pool.TotalBorrowAmount()
	if err != nil {
		return nil, err
	}
	available, err := pool.AvailableLiquidity()
	if err != nil {
		return nil, err
	}
	util, err := Utilization(borrowed, available)
	if err != nil {
		return nil, err
	}
	borrowRate, err := pool.Risk.Rates.BorrowRate(borrowed, available)
	if err != nil {
		return nil, err
	}
	supplyRate, err := pool.Risk.Rates.SupplyRate(borrowed, available)
	if err != nil {
		return nil, err
	}
	return &PoolSummary{
		Pool:        pool.Clone(),
		TotalSupply: supplied,
		TotalBorrow: borrowed,
		Available:   available,
		Utilization: util,
		BorrowRate:  borrowRate,
		SupplyRate:  supplyRate,
	}, nil
}

// Pool returns the current view of one pool.
func (e *Engine) Pool(asset common.Address) (*PoolSummary, error) {
	var out *PoolSummary
	err := e.preview(context.Background(), func(tx *txn, _ *priceBook, now uint64) error {
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return err
		}
		out, err = summarize(pool)
		return err
	})
	return out, err
}

// Pools returns every pool ordered by asset address.
func (e *Engine) Pools() ([]*PoolSummary, error) {
	var out []*PoolSummary
	err := e.preview(context.Background(), func(tx *txn, _ *priceBook, now uint64) error {
		for _, asset := range tx.assets() {
			pool, err := e.openPool(tx, asset, now)
			if err != nil {
				return err
			}
			summary, err := summarize(pool)
			if err != nil {
				return err
			}
			out = append(out, summary)
		}
		return nil
	})
	return out, err
}

// Position returns a copy of the user's position in asset, or an empty
// position if none exists.
func (e *Engine) Position(user, asset common.Address) *UserPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos := e.state.position(user, asset); pos != nil {
		return pos.Clone()
	}
	return newPosition()
}

// Positions returns copies of every position user holds, keyed by asset.
func (e *Engine) Positions(user common.Address) map[common.Address]*UserPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[common.Address]*UserPosition)
	for _, asset := range e.state.assets() {
		if pos := e.state.position(user, asset); pos != nil {
			out[asset] = pos.Clone()
		}
	}
	return out
}

// Balances returns the user's current supply balance and debt in asset.
func (e *Engine) Balances(user, asset common.Address) (supplied, debt *uint256.Int, err error) {
	err = e.preview(context.Background(), func(tx *txn, _ *priceBook, now uint64) error {
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return err
		}
		pos := tx.position(user, asset)
		if pos == nil {
			supplied, debt = zero(), zero()
			return nil
		}
		if supplied, err = ToAmount(pos.SupplyShares, pool.SupplyIndex); err != nil {
			return err
		}
		debt, err = ToAmountUp(pos.BorrowShares, pool.BorrowIndex)
		return err
	})
	return supplied, debt, err
}

func (e *Engine) accrueAll(tx *txn, now uint64) error {
	for _, asset := range tx.assets() {
		if _, err := e.openPool(tx, asset, now); err != nil {
			return err
		}
	}
	return nil
}

// Account prices every position of user at current indices.
func (e *Engine) Account(ctx context.Context, user common.Address) (*AccountSnapshot, error) {
	var out *AccountSnapshot
	err := e.preview(ctx, func(tx *txn, prices *priceBook, now uint64) error {
		if err := e.accrueAll(tx, now); err != nil {
			return err
		}
		var err error
		out, err = e.risk.snapshot(tx, prices, user)
		return err
	})
	return out, err
}

// HealthFactor returns the user's health factor, MaxAmount when debt-free.
func (e *Engine) HealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.preview(ctx, func(tx *txn, prices *priceBook, now uint64) error {
		if err := e.accrueAll(tx, now); err != nil {
			return err
		}
		var err error
		out, err = e.risk.healthFactor(tx, prices, user)
		return err
	})
	return out, err
}

// PurchaseAmount returns the most of user's debt in debtAsset that a single
// liquidation may repay.
func (e *Engine) PurchaseAmount(user, debtAsset common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.preview(context.Background(), func(tx *txn, _ *priceBook, now uint64) error {
		pool, err := e.openPool(tx, debtAsset, now)
		if err != nil {
			return err
		}
		pos := tx.position(user, debtAsset)
		if pos == nil || pos.BorrowShares.IsZero() {
			return fmt.Errorf("%w: %s", ErrNoDebt, debtAsset.Hex())
		}
		debt, err := ToAmountUp(pos.BorrowShares, pool.BorrowIndex)
		if err != nil {
			return err
		}
		out, err = e.risk.PurchaseAmount(debt)
		return err
	})
	return out, err
}

// USDValue prices amount of asset in USD at the latest reading of the pool's
// feed.
func (e *Engine) USDValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if asset == (common.Address{}) {
		return nil, ErrInvalidAsset
	}
	if amount == nil {
		amount = zero()
	}
	e.mu.Lock()
	pool := e.state.pool(asset)
	e.mu.Unlock()
	if pool == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, asset.Hex())
	}
	return GetUSDValue(ctx, e.feed, pool.PriceFeed, amount)
}

// Snapshot returns a deep copy of the committed state.
func (e *Engine) Snapshot() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// PoolRecords returns copies of every committed pool ordered by asset.
func (s *State) PoolRecords() []*Pool {
	out := make([]*Pool, 0, len(s.pools))
	for _, asset := range s.assets() {
		out = append(out, s.pools[asset].Clone())
	}
	return out
}

// PositionRecords returns copies of every committed position.
func (s *State) PositionRecords() map[PositionKey]*UserPosition {
	out := make(map[PositionKey]*UserPosition, len(s.positions))
	for key, pos := range s.positions {
		out[key] = pos.Clone()
	}
	return out
}

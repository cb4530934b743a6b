package server

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendpool/services/lending/engine"
	"lendpool/services/lending/indexer"
	"lendpool/services/lending/pricefeed"
)

type fakeEngine struct {
	supplyFn         func(ctx context.Context, user, asset, amount string) error
	withdrawFn       func(ctx context.Context, user, asset, amount string) (string, error)
	borrowFn         func(ctx context.Context, user, asset, amount string) error
	repayFn          func(ctx context.Context, user, asset, amount string) (string, error)
	collateralFn     func(ctx context.Context, user, asset string) (bool, error)
	liquidateFn      func(ctx context.Context, req engine.LiquidationRequest) (engine.Liquidation, error)
	initPoolFn       func(ctx context.Context, caller string, req engine.PoolParams) (string, error)
	setPoolStatusFn  func(ctx context.Context, caller, asset, status string) error
	getPoolFn        func(ctx context.Context, asset string) (engine.Pool, error)
	listPoolsFn      func(ctx context.Context) ([]engine.Pool, error)
	getPositionFn    func(ctx context.Context, user, asset string) (engine.Position, error)
	getAccountFn     func(ctx context.Context, user string) (engine.Account, error)
	purchaseAmountFn func(ctx context.Context, user, debtAsset string) (string, error)
	usdValueFn       func(ctx context.Context, asset, amount string) (string, error)
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Supply(ctx context.Context, user, asset, amount string) error {
	if f.supplyFn != nil {
		return f.supplyFn(ctx, user, asset, amount)
	}
	return nil
}

func (f *fakeEngine) Withdraw(ctx context.Context, user, asset, amount string) (string, error) {
	if f.withdrawFn != nil {
		return f.withdrawFn(ctx, user, asset, amount)
	}
	return amount, nil
}

func (f *fakeEngine) Borrow(ctx context.Context, user, asset, amount string) error {
	if f.borrowFn != nil {
		return f.borrowFn(ctx, user, asset, amount)
	}
	return nil
}

func (f *fakeEngine) Repay(ctx context.Context, user, asset, amount string) (string, error) {
	if f.repayFn != nil {
		return f.repayFn(ctx, user, asset, amount)
	}
	return amount, nil
}

func (f *fakeEngine) SetCollateral(ctx context.Context, user, asset string) (bool, error) {
	if f.collateralFn != nil {
		return f.collateralFn(ctx, user, asset)
	}
	return true, nil
}

func (f *fakeEngine) Liquidate(ctx context.Context, req engine.LiquidationRequest) (engine.Liquidation, error) {
	if f.liquidateFn != nil {
		return f.liquidateFn(ctx, req)
	}
	return engine.Liquidation{}, nil
}

func (f *fakeEngine) InitPool(ctx context.Context, caller string, req engine.PoolParams) (string, error) {
	if f.initPoolFn != nil {
		return f.initPoolFn(ctx, caller, req)
	}
	return "", nil
}

func (f *fakeEngine) SetPoolStatus(ctx context.Context, caller, asset, status string) error {
	if f.setPoolStatusFn != nil {
		return f.setPoolStatusFn(ctx, caller, asset, status)
	}
	return nil
}

func (f *fakeEngine) GetPool(ctx context.Context, asset string) (engine.Pool, error) {
	if f.getPoolFn != nil {
		return f.getPoolFn(ctx, asset)
	}
	return engine.Pool{Asset: asset}, nil
}

func (f *fakeEngine) ListPools(ctx context.Context) ([]engine.Pool, error) {
	if f.listPoolsFn != nil {
		return f.listPoolsFn(ctx)
	}
	return nil, nil
}

func (f *fakeEngine) GetPosition(ctx context.Context, user, asset string) (engine.Position, error) {
	if f.getPositionFn != nil {
		return f.getPositionFn(ctx, user, asset)
	}
	return engine.Position{User: user, Asset: asset}, nil
}

func (f *fakeEngine) GetAccount(ctx context.Context, user string) (engine.Account, error) {
	if f.getAccountFn != nil {
		return f.getAccountFn(ctx, user)
	}
	return engine.Account{User: user, HealthFactor: "max"}, nil
}

func (f *fakeEngine) PurchaseAmount(ctx context.Context, user, debtAsset string) (string, error) {
	if f.purchaseAmountFn != nil {
		return f.purchaseAmountFn(ctx, user, debtAsset)
	}
	return "0", nil
}

func (f *fakeEngine) USDValue(ctx context.Context, asset, amount string) (string, error) {
	if f.usdValueFn != nil {
		return f.usdValueFn(ctx, asset, amount)
	}
	return "0", nil
}

type fakePrices struct {
	mu     sync.Mutex
	quotes map[common.Address]*uint256.Int
}

func (f *fakePrices) SetPrice(feed common.Address, price *uint256.Int) (pricefeed.Quote, error) {
	if feed == (common.Address{}) || price == nil || price.IsZero() {
		return pricefeed.Quote{}, pricefeed.ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = make(map[common.Address]*uint256.Int)
	}
	f.quotes[feed] = price.Clone()
	return pricefeed.Quote{Price: price.Clone()}, nil
}

type fakeEvents struct {
	entries []indexer.Entry
	last    indexer.Filter
}

func (f *fakeEvents) Query(_ context.Context, filter indexer.Filter) ([]indexer.Entry, error) {
	f.last = filter
	return f.entries, nil
}

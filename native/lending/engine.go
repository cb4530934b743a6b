package lending

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "lendpool/native/common"
)

const moduleName = "lending"

// Engine is the lending state machine. Operations run one at a time; each
// one accrues the pools it touches, validates against the risk engine,
// mutates a private copy of the records and commits only if every step
// succeeded.
type Engine struct {
	mu      sync.Mutex
	state   *State
	admin   common.Address
	accrual Accrual
	risk    RiskEngine
	feed    PriceFeed
	clock   Clock
	store   Store
	emitter Emitter
	pauses  nativecommon.PauseView
}

// NewEngine constructs an engine with an empty state.
func NewEngine(cfg Config, feed PriceFeed) (*Engine, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		state:   NewState(),
		admin:   cfg.Admin,
		accrual: Accrual{SecondsPerYear: cfg.SecondsPerYear, Mode: cfg.Compounding},
		risk:    RiskEngine{CloseFactor: cfg.CloseFactor.Clone()},
		feed:    feed,
		clock:   SystemClock{},
		emitter: NoopEmitter{},
	}, nil
}

// SetClock replaces the time source.
func (e *Engine) SetClock(c Clock) {
	if e == nil || c == nil {
		return
	}
	e.mu.Lock()
	e.clock = c
	e.mu.Unlock()
}

// SetStore wires the persistence layer. Committed changes are written to it
// before they become visible.
func (e *Engine) SetStore(s Store) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.store = s
	e.mu.Unlock()
}

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(em Emitter) {
	if e == nil {
		return
	}
	if em == nil {
		em = NoopEmitter{}
	}
	e.mu.Lock()
	e.emitter = em
	e.mu.Unlock()
}

// SetPauses wires the pause switches consulted before every user action.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pauses = p
	e.mu.Unlock()
}

// Restore replaces the in-memory state, typically with records loaded from
// the store at startup.
func (e *Engine) Restore(s *State) {
	if e == nil || s == nil {
		return
	}
	e.mu.Lock()
	e.state = s.Clone()
	e.mu.Unlock()
}

// Admin returns the administrative identity.
func (e *Engine) Admin() common.Address { return e.admin }

type operation func(tx *txn, prices *priceBook, now uint64) ([]Event, error)

func (e *Engine) execute(ctx context.Context, action string, op operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if action != "" {
		if err := nativecommon.Guard(e.pauses, moduleName, action); err != nil {
			return err
		}
	}
	tx := newTxn(e.state)
	events, err := op(tx, newPriceBook(ctx, e.feed), e.clock.Now())
	if err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.SaveChanges(tx.changes()); err != nil {
			return fmt.Errorf("lending: persist %s: %w", action, err)
		}
	}
	tx.commit()
	for _, ev := range events {
		e.emitter.Emit(ev)
	}
	return nil
}

// openPool returns the pool's private copy brought current to now.
func (e *Engine) openPool(tx *txn, asset common.Address, now uint64) (*Pool, error) {
	if asset == (common.Address{}) {
		return nil, ErrInvalidAsset
	}
	pool := tx.poolForUpdate(asset)
	if pool == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, asset.Hex())
	}
	if _, err := e.accrual.Accrue(pool, now); err != nil {
		return nil, fmt.Errorf("accrue %s: %w", asset.Hex(), err)
	}
	return pool, nil
}

// accrueAccount brings every pool user holds a position in current to now,
// so health checks price the account at live indices.
func (e *Engine) accrueAccount(tx *txn, user common.Address, now uint64) error {
	for _, asset := range tx.assets() {
		if tx.position(user, asset).IsEmpty() {
			continue
		}
		if _, err := e.openPool(tx, asset, now); err != nil {
			return err
		}
	}
	return nil
}

func requireAmount(amount *uint256.Int) error {
	if isZero(amount) {
		return ErrZeroAmount
	}
	return nil
}

func requireUser(user common.Address) error {
	if user == (common.Address{}) {
		return fmt.Errorf("%w: zero account", ErrUnauthorized)
	}
	return nil
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

// InitPool creates an inactive pool for asset and returns the fingerprint of
// its configuration.
func (e *Engine) InitPool(ctx context.Context, caller, asset, feed common.Address, params RiskParams) (common.Hash, error) {
	var ref common.Hash
	err := e.execute(ctx, "", func(tx *txn, _ *priceBook, now uint64) ([]Event, error) {
		if err := e.requireAdmin(caller); err != nil {
			return nil, err
		}
		if asset == (common.Address{}) {
			return nil, ErrInvalidAsset
		}
		if feed == (common.Address{}) {
			return nil, ErrInvalidFeed
		}
		if tx.pool(asset) != nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, asset.Hex())
		}
		if err := params.Validate(); err != nil {
			return nil, err
		}
		var err error
		if ref, err = ConfigRef(asset, feed, params); err != nil {
			return nil, err
		}
		tx.createPool(&Pool{
			Asset:                asset,
			Status:               PoolInactive,
			TotalSupplyShares:    zero(),
			TotalBorrowShares:    zero(),
			SupplyIndex:          wad.Clone(),
			BorrowIndex:          wad.Clone(),
			LastAccrualTimestamp: now,
			Risk:                 params.Clone(),
			PriceFeed:            feed,
		})
		return []Event{InitPool{Asset: asset, ConfigRef: ref}}, nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return ref, nil
}

// SetPoolStatus moves a pool to any status. The pool is accrued first so
// interest up to the transition is booked under the old status.
func (e *Engine) SetPoolStatus(ctx context.Context, caller, asset common.Address, status PoolStatus) error {
	return e.execute(ctx, "", func(tx *txn, _ *priceBook, now uint64) ([]Event, error) {
		if err := e.requireAdmin(caller); err != nil {
			return nil, err
		}
		if !status.Valid() {
			return nil, fmt.Errorf("%w: status %d", ErrInvalidParams, status)
		}
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return nil, err
		}
		pool.Status = status
		return []Event{PoolStatusChanged{Asset: asset, Status: status}}, nil
	})
}

// Supply deposits amount into the pool and mints supply shares rounded down.
func (e *Engine) Supply(ctx context.Context, user, asset common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "supply", func(tx *txn, _ *priceBook, now uint64) ([]Event, error) {
		if err := requireUser(user); err != nil {
			return nil, err
		}
		if err := requireAmount(amount); err != nil {
			return nil, err
		}
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return nil, err
		}
		if !pool.Status.allowsInflow() {
			return nil, fmt.Errorf("%w: %s is %s", ErrPoolNotActivated, asset.Hex(), pool.Status)
		}
		shares, err := ToShares(amount, pool.SupplyIndex)
		if err != nil {
			return nil, err
		}
		if shares.IsZero() {
			return nil, fmt.Errorf("%w: amount below one share", ErrZeroAmount)
		}
		pos := tx.positionForUpdate(user, asset)
		if pos.SupplyShares, err = addChecked(pos.SupplyShares, shares); err != nil {
			return nil, err
		}
		if pool.TotalSupplyShares, err = addChecked(pool.TotalSupplyShares, shares); err != nil {
			return nil, err
		}
		return []Event{Deposit{User: user, Asset: asset, Amount: amount.Clone()}}, nil
	})
}

// Withdraw pays out amount, or the whole supply balance when amount is
// MaxAmount, and returns the amount paid.
func (e *Engine) Withdraw(ctx context.Context, user, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var paid *uint256.Int
	err := e.execute(ctx, "withdraw", func(tx *txn, prices *priceBook, now uint64) ([]Event, error) {
		if err := requireUser(user); err != nil {
			return nil, err
		}
		if err := requireAmount(amount); err != nil {
			return nil, err
		}
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return nil, err
		}
		if !pool.Status.allowsOutflow() {
			return nil, fmt.Errorf("%w: %s is %s", ErrPoolNotActivated, asset.Hex(), pool.Status)
		}
		pos := tx.positionForUpdate(user, asset)
		var shares, payout *uint256.Int
		if IsMaxAmount(amount) {
			if pos.SupplyShares.IsZero() {
				return nil, ErrInsufficientShares
			}
			shares = pos.SupplyShares.Clone()
			if payout, err = ToAmount(shares, pool.SupplyIndex); err != nil {
				return nil, err
			}
		} else {
			if shares, err = ToSharesUp(amount, pool.SupplyIndex); err != nil {
				return nil, err
			}
			if pos.SupplyShares.Lt(shares) {
				return nil, fmt.Errorf("%w: have %s shares, need %s", ErrInsufficientShares, pos.SupplyShares.Dec(), shares.Dec())
			}
			payout = amount.Clone()
		}
		available, err := pool.AvailableLiquidity()
		if err != nil {
			return nil, err
		}
		if available.Lt(payout) {
			return nil, fmt.Errorf("%w: %s available", ErrInsufficientLiquidity, available.Dec())
		}
		pos.SupplyShares = new(uint256.Int).Sub(pos.SupplyShares, shares)
		if pool.TotalSupplyShares, err = subChecked(pool.TotalSupplyShares, shares); err != nil {
			return nil, err
		}
		if pos.IsCollateral {
			if err := e.accrueAccount(tx, user, now); err != nil {
				return nil, err
			}
			if err := e.risk.requireHealthy(tx, prices, user); err != nil {
				return nil, err
			}
		}
		paid = payout
		return []Event{Withdraw{User: user, Asset: asset, Amount: payout.Clone()}}, nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// Borrow lends amount out of the pool against the caller's collateral. Debt
// shares round up.
func (e *Engine) Borrow(ctx context.Context, user, asset common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "borrow", func(tx *txn, prices *priceBook, now uint64) ([]Event, error) {
		if err := requireUser(user); err != nil {
			return nil, err
		}
		if err := requireAmount(amount); err != nil {
			return nil, err
		}
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return nil, err
		}
		if !pool.Status.allowsInflow() {
			return nil, fmt.Errorf("%w: %s is %s", ErrPoolNotActivated, asset.Hex(), pool.Status)
		}
		available, err := pool.AvailableLiquidity()
		if err != nil {
			return nil, err
		}
		if available.Lt(amount) {
			return nil, fmt.Errorf("%w: %s available", ErrInsufficientLiquidity, available.Dec())
		}
		if err := e.accrueAccount(tx, user, now); err != nil {
			return nil, err
		}
		if err := e.risk.canBorrow(tx, prices, user, asset, amount); err != nil {
			return nil, err
		}
		shares, err := ToSharesUp(amount, pool.BorrowIndex)
		if err != nil {
			return nil, err
		}
		pos := tx.positionForUpdate(user, asset)
		if pos.BorrowShares, err = addChecked(pos.BorrowShares, shares); err != nil {
			return nil, err
		}
		if pool.TotalBorrowShares, err = addChecked(pool.TotalBorrowShares, shares); err != nil {
			return nil, err
		}
		return []Event{Borrow{User: user, Asset: asset, Amount: amount.Clone()}}, nil
	})
}

// Repay reduces the caller's debt by amount, capped at the outstanding debt,
// and returns the amount applied. MaxAmount repays everything.
func (e *Engine) Repay(ctx context.Context, user, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var repaid *uint256.Int
	err := e.execute(ctx, "repay", func(tx *txn, _ *priceBook, now uint64) ([]Event, error) {
		if err := requireUser(user); err != nil {
			return nil, err
		}
		if err := requireAmount(amount); err != nil {
			return nil, err
		}
		pool, err := e.openPool(tx, asset, now)
		if err != nil {
			return nil, err
		}
		if !pool.Status.allowsOutflow() {
			return nil, fmt.Errorf("%w: %s is %s", ErrPoolNotActivated, asset.Hex(), pool.Status)
		}
		pos := tx.positionForUpdate(user, asset)
		if pos.BorrowShares.IsZero() {
			return nil, ErrNoDebt
		}
		applied, _, err := settleDebt(pool, pos, amount)
		if err != nil {
			return nil, err
		}
		repaid = applied
		return []Event{Repay{User: user, Asset: asset, Amount: applied.Clone()}}, nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// settleDebt applies a repayment of amount to pos, capped at the debt, and
// returns the amount applied with the shares burned. Partial repayments burn
// shares rounded down.
func settleDebt(pool *Pool, pos *UserPosition, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	debt, err := ToAmountUp(pos.BorrowShares, pool.BorrowIndex)
	if err != nil {
		return nil, nil, err
	}
	var applied, burn *uint256.Int
	if IsMaxAmount(amount) || !amount.Lt(debt) {
		applied = debt
		burn = pos.BorrowShares.Clone()
	} else {
		applied = amount.Clone()
		if burn, err = ToShares(amount, pool.BorrowIndex); err != nil {
			return nil, nil, err
		}
		burn = minU256(burn, pos.BorrowShares)
	}
	pos.BorrowShares = new(uint256.Int).Sub(pos.BorrowShares, burn)
	if pool.TotalBorrowShares, err = subChecked(pool.TotalBorrowShares, burn); err != nil {
		return nil, nil, err
	}
	return applied, burn, nil
}

// SetCollateral toggles whether the caller's supply in asset backs their debt
// and returns the new setting. Disabling is refused if it would leave the
// account unhealthy.
func (e *Engine) SetCollateral(ctx context.Context, user, asset common.Address) (bool, error) {
	var enabled bool
	err := e.execute(ctx, "collateral", func(tx *txn, prices *priceBook, now uint64) ([]Event, error) {
		if err := requireUser(user); err != nil {
			return nil, err
		}
		if asset == (common.Address{}) {
			return nil, ErrInvalidAsset
		}
		if tx.pool(asset) == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, asset.Hex())
		}
		pos := tx.positionForUpdate(user, asset)
		pos.IsCollateral = !pos.IsCollateral
		if !pos.IsCollateral {
			if err := e.accrueAccount(tx, user, now); err != nil {
				return nil, err
			}
			if err := e.risk.requireHealthy(tx, prices, user); err != nil {
				return nil, err
			}
		}
		enabled = pos.IsCollateral
		return []Event{CollateralToggled{User: user, Asset: asset, Enabled: enabled}}, nil
	})
	return enabled, err
}

// LiquidationResult reports the effect of a liquidation.
type LiquidationResult struct {
	Repaid           *uint256.Int
	CollateralSeized *uint256.Int
	SeizedShares     *uint256.Int
}

// Liquidate repays purchaseAmount of borrower's debt in debtAsset on behalf of
// liquidator and moves the corresponding collateral, plus the collateral
// pool's bonus, from borrower's supply in collateralAsset to liquidator's.
func (e *Engine) Liquidate(ctx context.Context, liquidator, borrower, debtAsset, collateralAsset common.Address, purchaseAmount *uint256.Int) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.execute(ctx, "liquidate", func(tx *txn, prices *priceBook, now uint64) ([]Event, error) {
		if err := requireUser(liquidator); err != nil {
			return nil, err
		}
		if err := requireAmount(purchaseAmount); err != nil {
			return nil, err
		}
		debtPool, err := e.openPool(tx, debtAsset, now)
		if err != nil {
			return nil, err
		}
		collPool, err := e.openPool(tx, collateralAsset, now)
		if err != nil {
			return nil, err
		}
		for _, p := range []*Pool{debtPool, collPool} {
			if !p.Status.allowsOutflow() {
				return nil, fmt.Errorf("%w: %s is %s", ErrPoolNotActivated, p.Asset.Hex(), p.Status)
			}
		}

		if err := e.accrueAccount(tx, borrower, now); err != nil {
			return nil, err
		}
		hf, err := e.risk.healthFactor(tx, prices, borrower)
		if err != nil {
			return nil, err
		}
		if !hf.Lt(wad) {
			return nil, ErrHealthyAccount
		}
		if collPos := tx.position(borrower, collateralAsset); collPos == nil || !collPos.IsCollateral {
			return nil, ErrNotCollateral
		}
		debtPos := tx.positionForUpdate(borrower, debtAsset)
		if debtPos.BorrowShares.IsZero() {
			return nil, ErrNoDebt
		}
		debt, err := ToAmountUp(debtPos.BorrowShares, debtPool.BorrowIndex)
		if err != nil {
			return nil, err
		}
		maxPurchase, err := e.risk.PurchaseAmount(debt)
		if err != nil {
			return nil, err
		}
		if purchaseAmount.Gt(maxPurchase) {
			return nil, fmt.Errorf("%w: at most %s", ErrExceedsCloseFactor, maxPurchase.Dec())
		}
		repaid, _, err := settleDebt(debtPool, debtPos, purchaseAmount)
		if err != nil {
			return nil, err
		}

		debtPrice, err := prices.price(debtPool.PriceFeed)
		if err != nil {
			return nil, err
		}
		collPrice, err := prices.price(collPool.PriceFeed)
		if err != nil {
			return nil, err
		}
		seized, err := LiquidationPayout(repaid, debtPrice, collPrice, collPool.Risk.LiquidationBonus)
		if err != nil {
			return nil, err
		}
		seizedShares, err := ToSharesUp(seized, collPool.SupplyIndex)
		if err != nil {
			return nil, err
		}
		borrowerColl := tx.positionForUpdate(borrower, collateralAsset)
		if borrowerColl.SupplyShares.Lt(seizedShares) {
			return nil, fmt.Errorf("%w: seize %s, borrower holds %s shares", ErrInsufficientCollateral, seizedShares.Dec(), borrowerColl.SupplyShares.Dec())
		}
		borrowerColl.SupplyShares = new(uint256.Int).Sub(borrowerColl.SupplyShares, seizedShares)
		liqPos := tx.positionForUpdate(liquidator, collateralAsset)
		if liqPos.SupplyShares, err = addChecked(liqPos.SupplyShares, seizedShares); err != nil {
			return nil, err
		}

		result = &LiquidationResult{Repaid: repaid, CollateralSeized: seized, SeizedShares: seizedShares}
		return []Event{Liquidation{
			Borrower:         borrower,
			Liquidator:       liquidator,
			DebtAsset:        debtAsset,
			CollateralAsset:  collateralAsset,
			PurchaseAmount:   repaid.Clone(),
			CollateralSeized: seized.Clone(),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

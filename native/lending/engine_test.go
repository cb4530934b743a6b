package lending

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "lendpool/native/common"
)

var (
	testAdmin = makeAddress(0xA1)
	dai       = makeAddress(0xD1)
	daiFeed   = makeAddress(0xF1)
	weth      = makeAddress(0xD2)
	wethFeed  = makeAddress(0xF2)
	alice     = makeAddress(0x01)
	bob       = makeAddress(0x02)
)

func makeAddress(suffix byte) common.Address {
	var addr common.Address
	addr[len(addr)-1] = suffix
	return addr
}

type fakeFeed struct {
	prices map[common.Address]*uint256.Int
	stale  map[common.Address]bool
	reads  int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{prices: make(map[common.Address]*uint256.Int), stale: make(map[common.Address]bool)}
}

func (f *fakeFeed) GetPrice(_ context.Context, feed common.Address) (*uint256.Int, bool, error) {
	f.reads++
	price, ok := f.prices[feed]
	if !ok {
		return nil, false, errors.New("feed offline")
	}
	return price, !f.stale[feed], nil
}

type fakeClock struct{ now uint64 }

func (c *fakeClock) Now() uint64 { return c.now }

type recorder struct{ events []Event }

func (r *recorder) Emit(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) types() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType())
	}
	return out
}

type failingStore struct{ calls int }

func (s *failingStore) SaveChanges(*ChangeSet) error {
	s.calls++
	return errors.New("disk full")
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	feed   *fakeFeed
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	feed := newFakeFeed()
	feed.prices[daiFeed] = units(1)
	feed.prices[wethFeed] = units(2000)
	cfg := DefaultConfig()
	cfg.Admin = testAdmin
	engine, err := NewEngine(cfg, feed)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clock := &fakeClock{now: 1_700_000_000}
	events := &recorder{}
	engine.SetClock(clock)
	engine.SetEmitter(events)
	return &harness{t: t, ctx: context.Background(), engine: engine, feed: feed, clock: clock, events: events}
}

func (h *harness) activePool(asset, feed common.Address) {
	h.t.Helper()
	if _, err := h.engine.InitPool(h.ctx, testAdmin, asset, feed, DefaultRiskParams()); err != nil {
		h.t.Fatalf("init pool: %v", err)
	}
	if err := h.engine.SetPoolStatus(h.ctx, testAdmin, asset, PoolActivated); err != nil {
		h.t.Fatalf("activate pool: %v", err)
	}
}

func (h *harness) supplyCollateral(user, asset common.Address, amount *uint256.Int) {
	h.t.Helper()
	if err := h.engine.Supply(h.ctx, user, asset, amount); err != nil {
		h.t.Fatalf("supply: %v", err)
	}
	if !h.engine.Position(user, asset).IsCollateral {
		enabled, err := h.engine.SetCollateral(h.ctx, user, asset)
		if err != nil || !enabled {
			h.t.Fatalf("enable collateral: %v", err)
		}
	}
}

func TestInitPoolGuards(t *testing.T) {
	h := newHarness(t)
	params := DefaultRiskParams()
	if _, err := h.engine.InitPool(h.ctx, alice, dai, daiFeed, params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.InitPool(h.ctx, testAdmin, common.Address{}, daiFeed, params); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	if _, err := h.engine.InitPool(h.ctx, testAdmin, dai, common.Address{}, params); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected ErrInvalidFeed, got %v", err)
	}
	bad := DefaultRiskParams()
	bad.LiquidationThreshold = zero()
	if _, err := h.engine.InitPool(h.ctx, testAdmin, dai, daiFeed, bad); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}

	ref, err := h.engine.InitPool(h.ctx, testAdmin, dai, daiFeed, params)
	if err != nil {
		t.Fatalf("init pool: %v", err)
	}
	want, _ := ConfigRef(dai, daiFeed, params)
	if ref != want {
		t.Fatalf("config ref: got %s want %s", ref.Hex(), want.Hex())
	}
	if _, err := h.engine.InitPool(h.ctx, testAdmin, dai, daiFeed, params); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	summary, err := h.engine.Pool(dai)
	if err != nil {
		t.Fatalf("pool view: %v", err)
	}
	if summary.Pool.Status != PoolInactive || !summary.Pool.SupplyIndex.Eq(wad) || !summary.Pool.BorrowIndex.Eq(wad) {
		t.Fatalf("unexpected new pool: %+v", summary.Pool)
	}
	if len(h.events.events) != 1 {
		t.Fatalf("expected exactly one event, got %v", h.events.types())
	}
	if ev, ok := h.events.events[0].(InitPool); !ok || ev.ConfigRef != ref {
		t.Fatalf("unexpected event %#v", h.events.events[0])
	}
	if err := h.engine.SetPoolStatus(h.ctx, alice, dai, PoolActivated); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for status change, got %v", err)
	}
}

func TestPoolStatusGating(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.InitPool(h.ctx, testAdmin, dai, daiFeed, DefaultRiskParams()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.engine.Supply(h.ctx, alice, dai, units(10)); !errors.Is(err, ErrPoolNotActivated) {
		t.Fatalf("supply on inactive pool: got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, units(10)); !errors.Is(err, ErrPoolNotActivated) {
		t.Fatalf("withdraw on inactive pool: got %v", err)
	}
	if _, err := h.engine.Repay(h.ctx, alice, dai, units(10)); !errors.Is(err, ErrPoolNotActivated) {
		t.Fatalf("repay on inactive pool: got %v", err)
	}

	if err := h.engine.SetPoolStatus(h.ctx, testAdmin, dai, PoolActivated); err != nil {
		t.Fatalf("activate: %v", err)
	}
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := h.engine.SetPoolStatus(h.ctx, testAdmin, dai, PoolClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.engine.Supply(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrPoolNotActivated) {
		t.Fatalf("supply on closed pool: got %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrPoolNotActivated) {
		t.Fatalf("borrow on closed pool: got %v", err)
	}
	if _, err := h.engine.Repay(h.ctx, alice, dai, MaxAmount()); err != nil {
		t.Fatalf("repay on closed pool: %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, MaxAmount()); err != nil {
		t.Fatalf("withdraw on closed pool: %v", err)
	}
	if err := h.engine.Supply(h.ctx, alice, weth, units(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("supply to unknown pool: got %v", err)
	}
}

func TestZeroAmountRejected(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	if err := h.engine.Supply(h.ctx, alice, dai, zero()); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("supply: got %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, nil); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("borrow: got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, zero()); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("withdraw: got %v", err)
	}
}

func TestBorrowGatedByHealthFactor(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))

	if err := h.engine.Borrow(h.ctx, alice, dai, units(76)); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("borrowing 76 against 100 at 75%% should fail, got %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(75)); err != nil {
		t.Fatalf("borrowing 75 against 100 at 75%% should succeed: %v", err)
	}
	hf, err := h.engine.HealthFactor(h.ctx, alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !hf.Eq(wad) {
		t.Fatalf("health factor: got %s want 1", FormatWad(hf))
	}
	_, debt, err := h.engine.Balances(alice, dai)
	if err != nil || !debt.Eq(units(75)) {
		t.Fatalf("debt: got %v (%v)", debt, err)
	}
}

func TestBorrowWithoutCollateralFails(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	if err := h.engine.Supply(h.ctx, alice, dai, units(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("expected ErrUnhealthyPosition, got %v", err)
	}
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.activePool(weth, wethFeed)
	h.supplyCollateral(alice, weth, units(10))
	if err := h.engine.Supply(h.ctx, bob, dai, units(50)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(51)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(50)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, bob, dai, units(1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("withdraw from fully lent pool: got %v", err)
	}
}

func TestRepayCapsAtDebt(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	if _, err := h.engine.Repay(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("repay without debt: got %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(75)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	partial, err := h.engine.Repay(h.ctx, alice, dai, units(25))
	if err != nil || !partial.Eq(units(25)) {
		t.Fatalf("partial repay: %v (%v)", partial, err)
	}
	repaid, err := h.engine.Repay(h.ctx, alice, dai, units(76))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !repaid.Eq(units(50)) {
		t.Fatalf("repay should cap at outstanding debt: got %s", FormatWad(repaid))
	}
	if pos := h.engine.Position(alice, dai); !pos.BorrowShares.IsZero() {
		t.Fatalf("debt shares left: %s", pos.BorrowShares)
	}
	summary, _ := h.engine.Pool(dai)
	if !summary.Pool.TotalBorrowShares.IsZero() {
		t.Fatalf("pool borrow shares left: %s", summary.Pool.TotalBorrowShares)
	}
	last := h.events.events[len(h.events.events)-1].(Repay)
	if !last.Amount.Eq(units(50)) {
		t.Fatalf("repay event should carry the applied amount, got %s", last.Amount)
	}
}

func TestWithdrawAllThenDoubleSpend(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	if err := h.engine.Supply(h.ctx, alice, dai, units(1000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	h.clock.now += 600

	paid, err := h.engine.Withdraw(h.ctx, alice, dai, MaxAmount())
	if err != nil {
		t.Fatalf("withdraw max: %v", err)
	}
	if !paid.Eq(units(1000)) {
		t.Fatalf("withdraw max paid %s, want 1000", FormatWad(paid))
	}
	if pos := h.engine.Position(alice, dai); !pos.SupplyShares.IsZero() {
		t.Fatalf("supply shares left: %s", pos.SupplyShares)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, uint256.NewInt(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("second withdraw: expected ErrInsufficientShares, got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, MaxAmount()); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("second withdraw max: expected ErrInsufficientShares, got %v", err)
	}
}

func TestWithdrawKeepsCollateralHealthy(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(60)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, units(21)); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("expected ErrUnhealthyPosition, got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, units(20)); err != nil {
		t.Fatalf("withdraw to the limit: %v", err)
	}
}

func TestDisableCollateralRejectedWhenUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.SetCollateral(h.ctx, alice, dai); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("expected ErrUnhealthyPosition, got %v", err)
	}
	if !h.engine.Position(alice, dai).IsCollateral {
		t.Fatalf("collateral flag must survive a rejected toggle")
	}
	if _, err := h.engine.Repay(h.ctx, alice, dai, MaxAmount()); err != nil {
		t.Fatalf("repay: %v", err)
	}
	enabled, err := h.engine.SetCollateral(h.ctx, alice, dai)
	if err != nil || enabled {
		t.Fatalf("disable after repay: enabled=%v err=%v", enabled, err)
	}
}

func TestSameAssetLiquidationAfterAccrual(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(75)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, dai, units(1)); !errors.Is(err, ErrHealthyAccount) {
		t.Fatalf("expected ErrHealthyAccount at HF 1, got %v", err)
	}

	h.clock.now += 600
	hf, err := h.engine.HealthFactor(h.ctx, alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !hf.Lt(wad) {
		t.Fatalf("accrued debt should push HF below 1, got %s", FormatWad(hf))
	}
	purchase, err := h.engine.PurchaseAmount(alice, dai)
	if err != nil {
		t.Fatalf("purchase amount: %v", err)
	}
	_, debt, _ := h.engine.Balances(alice, dai)
	half, _ := MulWad(debt, MustParseWad("0.5"))
	if !purchase.Eq(half) {
		t.Fatalf("purchase amount %s, want half of debt %s", purchase, debt)
	}

	over := new(uint256.Int).AddUint64(purchase, 1)
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, dai, over); !errors.Is(err, ErrExceedsCloseFactor) {
		t.Fatalf("expected ErrExceedsCloseFactor, got %v", err)
	}

	result, err := h.engine.Liquidate(h.ctx, bob, alice, dai, dai, purchase)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !result.Repaid.Eq(purchase) {
		t.Fatalf("repaid %s, want %s", result.Repaid, purchase)
	}
	wantSeized, _ := MulWad(purchase, MustParseWad("1.05"))
	if !result.CollateralSeized.Eq(wantSeized) {
		t.Fatalf("seized %s, want %s", result.CollateralSeized, wantSeized)
	}
	_, debtAfter, _ := h.engine.Balances(alice, dai)
	remaining := new(uint256.Int).Sub(debt, purchase)
	if debtAfter.Lt(remaining) || new(uint256.Int).Sub(debtAfter, remaining).GtUint64(2) {
		t.Fatalf("debt after liquidation %s, want about %s", debtAfter, remaining)
	}

	realized, err := h.engine.Withdraw(h.ctx, bob, dai, MaxAmount())
	if err != nil {
		t.Fatalf("liquidator withdraw: %v", err)
	}
	if !realized.Gt(purchase) {
		t.Fatalf("liquidation not profitable: realized %s for %s repaid", realized, purchase)
	}
	if got := h.events.types(); got[len(got)-2] != TypeLiquidation {
		t.Fatalf("expected liquidation event, got %v", got)
	}
}

func TestCrossAssetLiquidation(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.activePool(weth, wethFeed)
	if err := h.engine.Supply(h.ctx, bob, dai, units(5000)); err != nil {
		t.Fatalf("supply dai: %v", err)
	}
	h.supplyCollateral(alice, weth, units(1))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, dai, units(10)); !errors.Is(err, ErrHealthyAccount) {
		t.Fatalf("expected ErrHealthyAccount, got %v", err)
	}

	h.feed.prices[wethFeed] = units(1800)
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, dai, units(10)); !errors.Is(err, ErrNotCollateral) {
		t.Fatalf("seizing a non-collateral asset: got %v", err)
	}
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, weth, weth, units(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("liquidating an asset without debt: got %v", err)
	}

	purchase := units(750)
	result, err := h.engine.Liquidate(h.ctx, bob, alice, dai, weth, purchase)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	base, _ := DivWad(units(750), units(1800))
	wantSeized, _ := MulWad(base, MustParseWad("1.05"))
	if !result.CollateralSeized.Eq(wantSeized) {
		t.Fatalf("seized %s, want %s", result.CollateralSeized, wantSeized)
	}
	seizedUSD, _ := MulWad(result.CollateralSeized, units(1800))
	if !seizedUSD.Gt(purchase) {
		t.Fatalf("liquidator gained %s USD for %s repaid", seizedUSD, purchase)
	}
	bobWeth, _, _ := h.engine.Balances(bob, weth)
	if bobWeth.Lt(result.CollateralSeized) {
		t.Fatalf("liquidator credited %s, want at least %s", bobWeth, result.CollateralSeized)
	}
	_, aliceDebt, _ := h.engine.Balances(alice, dai)
	if !aliceDebt.Eq(units(750)) {
		t.Fatalf("remaining debt %s, want 750", FormatWad(aliceDebt))
	}
}

func TestLiquidationInsufficientCollateralLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.activePool(weth, wethFeed)
	if err := h.engine.Supply(h.ctx, bob, dai, units(5000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	h.supplyCollateral(alice, weth, units(1))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.feed.prices[wethFeed] = units(500)
	before := h.engine.Snapshot()
	emitted := len(h.events.events)

	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, weth, units(750)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if !reflect.DeepEqual(before, h.engine.Snapshot()) {
		t.Fatalf("failed liquidation mutated state")
	}
	if len(h.events.events) != emitted {
		t.Fatalf("failed liquidation emitted events")
	}
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, weth, units(400)); err != nil {
		t.Fatalf("smaller liquidation should fit the collateral: %v", err)
	}
}

func TestStalePriceAbortsWithoutPartialWrites(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.clock.now += 3600
	h.feed.stale[daiFeed] = true
	before := h.engine.Snapshot()

	if err := h.engine.Borrow(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if !reflect.DeepEqual(before, h.engine.Snapshot()) {
		t.Fatalf("failed borrow left partial accrual behind")
	}

	h.feed.prices[daiFeed] = zero()
	h.feed.stale[daiFeed] = false
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected ErrInvalidFeed, got %v", err)
	}
	delete(h.feed.prices, daiFeed)
	if _, err := h.engine.Account(h.ctx, alice); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("offline feed should surface as ErrStalePrice, got %v", err)
	}
}

func TestPricesReadOncePerOperation(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	h.feed.reads = 0
	if _, err := h.engine.Liquidate(h.ctx, bob, alice, dai, dai, units(1)); !errors.Is(err, ErrHealthyAccount) {
		t.Fatalf("expected ErrHealthyAccount, got %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if h.feed.reads != 1 {
		t.Fatalf("borrow read the feed %d times, want 1", h.feed.reads)
	}
}

func TestStoreFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	store := &failingStore{}
	h.engine.SetStore(store)
	before := h.engine.Snapshot()
	emitted := len(h.events.events)

	if err := h.engine.Supply(h.ctx, alice, dai, units(5)); err == nil {
		t.Fatalf("expected store error")
	}
	if store.calls != 1 {
		t.Fatalf("store called %d times", store.calls)
	}
	if !reflect.DeepEqual(before, h.engine.Snapshot()) || len(h.events.events) != emitted {
		t.Fatalf("state or events changed despite store failure")
	}
}

func TestPauseGuardBlocksAction(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	pauses := nativecommon.NewPauses("lending.borrow")
	h.engine.SetPauses(pauses)
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	pauses.Set("lending", true)
	if err := h.engine.Supply(h.ctx, alice, dai, units(1)); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected module pause, got %v", err)
	}
	if err := h.engine.SetPoolStatus(h.ctx, testAdmin, dai, PoolClosed); err != nil {
		t.Fatalf("admin actions are not paused: %v", err)
	}
}

func TestEventsEmittedOncePerOperation(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.supplyCollateral(alice, dai, units(100))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.Repay(h.ctx, alice, dai, MaxAmount()); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, dai, units(40)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	want := []string{
		TypeInitPool, TypePoolStatusChanged, TypeDeposit, TypeCollateralToggled,
		TypeBorrow, TypeRepay, TypeWithdraw,
	}
	if got := h.events.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v want %v", got, want)
	}
	rec := h.events.events[2].Record()
	if rec.Attributes["amount"] != units(100).Dec() || rec.Attributes["user"] != alice.Hex() {
		t.Fatalf("deposit record: %+v", rec)
	}
}

func TestRiskChecksAccrueEveryPoolOfTheAccount(t *testing.T) {
	usdc, usdcFeed := makeAddress(0xD3), makeAddress(0xF3)
	h := newHarness(t)
	h.feed.prices[usdcFeed] = units(1)
	h.activePool(dai, daiFeed)
	h.activePool(weth, wethFeed)
	h.activePool(usdc, usdcFeed)
	if err := h.engine.Supply(h.ctx, bob, dai, units(2000)); err != nil {
		t.Fatalf("supply dai: %v", err)
	}
	if err := h.engine.Supply(h.ctx, bob, usdc, units(100)); err != nil {
		t.Fatalf("supply usdc: %v", err)
	}
	h.supplyCollateral(alice, weth, units(1))
	if err := h.engine.Borrow(h.ctx, alice, usdc, units(10)); err != nil {
		t.Fatalf("borrow usdc: %v", err)
	}
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1400)); err != nil {
		t.Fatalf("borrow dai: %v", err)
	}

	// Only the dai debt grows enough to sink the account; the operations
	// below never touch the dai pool directly.
	h.clock.now += 10 * SecondsPerYear
	hf, err := h.engine.HealthFactor(h.ctx, alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !hf.Lt(wad) {
		t.Fatalf("expected accrued health factor below 1, got %s", FormatWad(hf))
	}

	before := h.engine.Snapshot()
	if err := h.engine.Borrow(h.ctx, alice, weth, MustParseWad("0.001")); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("borrow while underwater: got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, alice, weth, MustParseWad("0.001")); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("withdraw while underwater: got %v", err)
	}
	if !reflect.DeepEqual(before, h.engine.Snapshot()) {
		t.Fatalf("rejected operations changed state")
	}

	res, err := h.engine.Liquidate(h.ctx, bob, alice, usdc, weth, units(1))
	if err != nil {
		t.Fatalf("liquidate through an untouched debt pool: %v", err)
	}
	if !res.Repaid.Eq(units(1)) {
		t.Fatalf("repaid: got %s", FormatWad(res.Repaid))
	}
	state := h.engine.Snapshot()
	if state.pool(dai).LastAccrualTimestamp != h.clock.now {
		t.Fatalf("dai pool not brought current by liquidation")
	}
}

func TestUSDValue(t *testing.T) {
	h := newHarness(t)
	h.activePool(weth, wethFeed)

	usd, err := h.engine.USDValue(h.ctx, weth, MustParseWad("1.5"))
	if err != nil {
		t.Fatalf("usd value: %v", err)
	}
	if !usd.Eq(units(3000)) {
		t.Fatalf("usd value: got %s want 3000", FormatWad(usd))
	}
	if _, err := h.engine.USDValue(h.ctx, dai, units(1)); !errors.Is(err, ErrUnknownPool) {
		t.Fatalf("unknown pool: got %v", err)
	}
	if _, err := h.engine.USDValue(h.ctx, common.Address{}, units(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("zero asset: got %v", err)
	}
	h.feed.stale[wethFeed] = true
	if _, err := h.engine.USDValue(h.ctx, weth, units(1)); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("stale feed: got %v", err)
	}
}

func TestAccountSnapshot(t *testing.T) {
	h := newHarness(t)
	h.activePool(dai, daiFeed)
	h.activePool(weth, wethFeed)
	if err := h.engine.Supply(h.ctx, bob, dai, units(5000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	h.supplyCollateral(alice, weth, units(2))
	if err := h.engine.Borrow(h.ctx, alice, dai, units(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	snap, err := h.engine.Account(h.ctx, alice)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !snap.TotalCollateralUSD.Eq(units(3000)) || !snap.TotalDebtUSD.Eq(units(1000)) {
		t.Fatalf("totals: collateral %s debt %s", FormatWad(snap.TotalCollateralUSD), FormatWad(snap.TotalDebtUSD))
	}
	if got := FormatWad(snap.HealthFactor); got != "3" {
		t.Fatalf("health factor: got %s", got)
	}
	if len(snap.Assets) != 2 || snap.Liquidatable() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.BorrowCapacityUSD.Eq(units(2000)) {
		t.Fatalf("borrow capacity: got %s", FormatWad(snap.BorrowCapacityUSD))
	}
	positions := h.engine.Positions(alice)
	if len(positions) != 2 || !positions[weth].IsCollateral || positions[dai].BorrowShares.IsZero() {
		t.Fatalf("positions: %+v", positions)
	}
	empty, err := h.engine.HealthFactor(h.ctx, bob)
	if err != nil || !IsMaxAmount(empty) {
		t.Fatalf("debt-free account should report max health factor, got %v (%v)", empty, err)
	}
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"lendpool/native/lending"
	"lendpool/observability"
)

const instrumentationName = "lendpool/services/lending"

// Local serves the Engine interface from an in-process lending engine.
type Local struct {
	core    *lending.Engine
	tracer  trace.Tracer
	ops     metric.Int64Counter
	metrics *observability.LendingMetrics
}

// NewLocal wraps core. Spans and counters go to the global OpenTelemetry
// providers; pool gauges go to the Prometheus registry.
func NewLocal(core *lending.Engine) (*Local, error) {
	if core == nil {
		return nil, fmt.Errorf("lending engine required")
	}
	ops, err := otel.Meter(instrumentationName).Int64Counter(
		"lending.operations",
		metric.WithDescription("Lending operations segmented by operation and outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	return &Local{
		core:    core,
		tracer:  otel.Tracer(instrumentationName),
		ops:     ops,
		metrics: observability.Lending(),
	}, nil
}

var _ Engine = (*Local)(nil)

func (l *Local) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "lending."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		outcome := "success"
		if err := *errp; err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		l.ops.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
		l.metrics.ObserveOperation(op, time.Since(start), *errp)
		span.End()
	}
}

// RefreshPools republishes the gauges of every pool.
func (l *Local) RefreshPools() error {
	pools, err := l.core.Pools()
	if err != nil {
		return Translate(err)
	}
	for _, summary := range pools {
		l.recordPool(summary)
	}
	return nil
}

func (l *Local) refreshPool(asset common.Address) {
	if summary, err := l.core.Pool(asset); err == nil {
		l.recordPool(summary)
	}
}

func (l *Local) recordPool(summary *lending.PoolSummary) {
	l.metrics.RecordPool(summary.Pool.Asset.Hex(), observability.PoolGauges{
		SupplyIndex: summary.Pool.SupplyIndex,
		BorrowIndex: summary.Pool.BorrowIndex,
		Utilization: summary.Utilization,
		TotalSupply: summary.TotalSupply,
		TotalBorrow: summary.TotalBorrow,
	})
}

func flowAttrs(user, asset string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("user", user), attribute.String("asset", asset)}
}

func (l *Local) Supply(ctx context.Context, user, asset, amount string) (err error) {
	ctx, done := l.observe(ctx, "supply", flowAttrs(user, asset)...)
	defer done(&err)
	u, a, amt, err := parseFlow(user, asset, amount)
	if err != nil {
		return err
	}
	if err := l.core.Supply(ctx, u, a, amt); err != nil {
		return Translate(err)
	}
	l.refreshPool(a)
	return nil
}

func (l *Local) Withdraw(ctx context.Context, user, asset, amount string) (paid string, err error) {
	ctx, done := l.observe(ctx, "withdraw", flowAttrs(user, asset)...)
	defer done(&err)
	u, a, amt, err := parseFlow(user, asset, amount)
	if err != nil {
		return "", err
	}
	payout, err := l.core.Withdraw(ctx, u, a, amt)
	if err != nil {
		return "", Translate(err)
	}
	l.refreshPool(a)
	return payout.Dec(), nil
}

func (l *Local) Borrow(ctx context.Context, user, asset, amount string) (err error) {
	ctx, done := l.observe(ctx, "borrow", flowAttrs(user, asset)...)
	defer done(&err)
	u, a, amt, err := parseFlow(user, asset, amount)
	if err != nil {
		return err
	}
	if err := l.core.Borrow(ctx, u, a, amt); err != nil {
		return Translate(err)
	}
	l.refreshPool(a)
	return nil
}

func (l *Local) Repay(ctx context.Context, user, asset, amount string) (repaid string, err error) {
	ctx, done := l.observe(ctx, "repay", flowAttrs(user, asset)...)
	defer done(&err)
	u, a, amt, err := parseFlow(user, asset, amount)
	if err != nil {
		return "", err
	}
	applied, err := l.core.Repay(ctx, u, a, amt)
	if err != nil {
		return "", Translate(err)
	}
	l.refreshPool(a)
	return applied.Dec(), nil
}

func (l *Local) SetCollateral(ctx context.Context, user, asset string) (enabled bool, err error) {
	ctx, done := l.observe(ctx, "collateral", flowAttrs(user, asset)...)
	defer done(&err)
	u, err := parseAddress("user", user)
	if err != nil {
		return false, err
	}
	a, err := parseAddress("asset", asset)
	if err != nil {
		return false, err
	}
	enabled, err = l.core.SetCollateral(ctx, u, a)
	if err != nil {
		return false, Translate(err)
	}
	return enabled, nil
}

func (l *Local) Liquidate(ctx context.Context, req LiquidationRequest) (out Liquidation, err error) {
	ctx, done := l.observe(ctx, "liquidate",
		attribute.String("liquidator", req.Liquidator),
		attribute.String("borrower", req.Borrower),
		attribute.String("debt_asset", req.DebtAsset),
		attribute.String("collateral_asset", req.CollateralAsset),
	)
	defer done(&err)
	var addrs [4]common.Address
	for i, field := range []struct{ name, value string }{
		{"liquidator", req.Liquidator},
		{"borrower", req.Borrower},
		{"debtAsset", req.DebtAsset},
		{"collateralAsset", req.CollateralAsset},
	} {
		if addrs[i], err = parseAddress(field.name, field.value); err != nil {
			return Liquidation{}, err
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return Liquidation{}, err
	}
	res, err := l.core.Liquidate(ctx, addrs[0], addrs[1], addrs[2], addrs[3], amount)
	if err != nil {
		return Liquidation{}, Translate(err)
	}
	l.metrics.RecordLiquidation(addrs[2].Hex(), addrs[3].Hex())
	l.refreshPool(addrs[2])
	if addrs[3] != addrs[2] {
		l.refreshPool(addrs[3])
	}
	return Liquidation{
		Repaid:           res.Repaid.Dec(),
		CollateralSeized: res.CollateralSeized.Dec(),
		SeizedShares:     res.SeizedShares.Dec(),
	}, nil
}

func (l *Local) InitPool(ctx context.Context, caller string, req PoolParams) (ref string, err error) {
	ctx, done := l.observe(ctx, "init_pool", attribute.String("asset", req.Asset))
	defer done(&err)
	c, err := parseAddress("caller", caller)
	if err != nil {
		return "", err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return "", err
	}
	feed, err := parseAddress("priceFeed", req.PriceFeed)
	if err != nil {
		return "", err
	}
	if feed == (common.Address{}) {
		return "", fmt.Errorf("%w: priceFeed must be non-zero", ErrInvalidArgument)
	}
	params, err := parseRisk(req.Risk)
	if err != nil {
		return "", err
	}
	hash, err := l.core.InitPool(ctx, c, asset, feed, params)
	if err != nil {
		return "", Translate(err)
	}
	l.refreshPool(asset)
	return hash.Hex(), nil
}

func (l *Local) SetPoolStatus(ctx context.Context, caller, asset, status string) (err error) {
	ctx, done := l.observe(ctx, "pool_status", attribute.String("asset", asset), attribute.String("status", status))
	defer done(&err)
	c, err := parseAddress("caller", caller)
	if err != nil {
		return err
	}
	a, err := parseAddress("asset", asset)
	if err != nil {
		return err
	}
	st, err := lending.ParsePoolStatus(status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := l.core.SetPoolStatus(ctx, c, a, st); err != nil {
		return Translate(err)
	}
	l.refreshPool(a)
	return nil
}

func (l *Local) GetPool(ctx context.Context, asset string) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, err
	}
	a, err := parseAddress("asset", asset)
	if err != nil {
		return Pool{}, err
	}
	summary, err := l.core.Pool(a)
	if err != nil {
		return Pool{}, Translate(err)
	}
	return toPool(summary), nil
}

func (l *Local) ListPools(ctx context.Context) ([]Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summaries, err := l.core.Pools()
	if err != nil {
		return nil, Translate(err)
	}
	out := make([]Pool, 0, len(summaries))
	for _, summary := range summaries {
		out = append(out, toPool(summary))
	}
	return out, nil
}

func (l *Local) GetPosition(ctx context.Context, user, asset string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	u, err := parseAddress("user", user)
	if err != nil {
		return Position{}, err
	}
	a, err := parseAddress("asset", asset)
	if err != nil {
		return Position{}, err
	}
	supplied, debt, err := l.core.Balances(u, a)
	if err != nil {
		return Position{}, Translate(err)
	}
	pos := l.core.Position(u, a)
	return Position{
		User:         u.Hex(),
		Asset:        a.Hex(),
		SupplyShares: pos.SupplyShares.Dec(),
		BorrowShares: pos.BorrowShares.Dec(),
		IsCollateral: pos.IsCollateral,
		Supplied:     supplied.Dec(),
		Debt:         debt.Dec(),
	}, nil
}

func (l *Local) GetAccount(ctx context.Context, user string) (Account, error) {
	u, err := parseAddress("user", user)
	if err != nil {
		return Account{}, err
	}
	snap, err := l.core.Account(ctx, u)
	if err != nil {
		return Account{}, Translate(err)
	}
	out := Account{
		User:               u.Hex(),
		Assets:             make([]Exposure, 0, len(snap.Assets)),
		TotalCollateralUSD: snap.TotalCollateralUSD.Dec(),
		TotalDebtUSD:       snap.TotalDebtUSD.Dec(),
		BorrowCapacityUSD:  snap.BorrowCapacityUSD.Dec(),
		HealthFactor:       formatAmount(snap.HealthFactor),
		Liquidatable:       snap.Liquidatable(),
	}
	for _, exp := range snap.Assets {
		out.Assets = append(out.Assets, Exposure{
			Asset:         exp.Asset.Hex(),
			IsCollateral:  exp.IsCollateral,
			Supplied:      exp.SupplyAmount.Dec(),
			Debt:          exp.DebtAmount.Dec(),
			CollateralUSD: exp.CollateralUSD.Dec(),
			DebtUSD:       exp.DebtUSD.Dec(),
		})
	}
	return out, nil
}

func (l *Local) PurchaseAmount(ctx context.Context, user, debtAsset string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, err := parseAddress("user", user)
	if err != nil {
		return "", err
	}
	a, err := parseAddress("asset", debtAsset)
	if err != nil {
		return "", err
	}
	amount, err := l.core.PurchaseAmount(u, a)
	if err != nil {
		return "", Translate(err)
	}
	return amount.Dec(), nil
}

// USDValue prices amount of asset at the pool feed's latest WAD price. The
// result is WAD-scaled USD.
func (l *Local) USDValue(ctx context.Context, asset, amount string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a, err := parseAddress("asset", asset)
	if err != nil {
		return "", err
	}
	amt, err := uint256.FromDecimal(strings.TrimSpace(amount))
	if err != nil {
		return "", fmt.Errorf("%w: invalid amount", ErrInvalidArgument)
	}
	usd, err := l.core.USDValue(ctx, a, amt)
	if err != nil {
		return "", Translate(err)
	}
	return usd.Dec(), nil
}

func toPool(s *lending.PoolSummary) Pool {
	p := s.Pool
	return Pool{
		Asset:             p.Asset.Hex(),
		Status:            p.Status.String(),
		PriceFeed:         p.PriceFeed.Hex(),
		TotalSupplyShares: p.TotalSupplyShares.Dec(),
		TotalBorrowShares: p.TotalBorrowShares.Dec(),
		SupplyIndex:       p.SupplyIndex.Dec(),
		BorrowIndex:       p.BorrowIndex.Dec(),
		LastAccrual:       p.LastAccrualTimestamp,
		TotalSupply:       s.TotalSupply.Dec(),
		TotalBorrow:       s.TotalBorrow.Dec(),
		Available:         s.Available.Dec(),
		Utilization:       s.Utilization.Dec(),
		BorrowRate:        s.BorrowRate.Dec(),
		SupplyRate:        s.SupplyRate.Dec(),
		Risk: RiskParams{
			BaseRate:             p.Risk.Rates.BaseRate.Dec(),
			Slope1:               p.Risk.Rates.Slope1.Dec(),
			Slope2:               p.Risk.Rates.Slope2.Dec(),
			OptimalUtilization:   p.Risk.Rates.OptimalUtilization.Dec(),
			LiquidationThreshold: p.Risk.LiquidationThreshold.Dec(),
			LiquidationBonus:     p.Risk.LiquidationBonus.Dec(),
		},
	}
}

// parseRisk fills unset fields from the default risk parameters.
func parseRisk(in RiskParams) (lending.RiskParams, error) {
	out := lending.DefaultRiskParams()
	for _, field := range []struct {
		name  string
		value string
		dst   **uint256.Int
	}{
		{"baseRate", in.BaseRate, &out.Rates.BaseRate},
		{"slope1", in.Slope1, &out.Rates.Slope1},
		{"slope2", in.Slope2, &out.Rates.Slope2},
		{"optimalUtilization", in.OptimalUtilization, &out.Rates.OptimalUtilization},
		{"liquidationThreshold", in.LiquidationThreshold, &out.LiquidationThreshold},
		{"liquidationBonus", in.LiquidationBonus, &out.LiquidationBonus},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		v, err := uint256.FromDecimal(strings.TrimSpace(field.value))
		if err != nil {
			return lending.RiskParams{}, fmt.Errorf("%w: invalid %s", ErrInvalidArgument, field.name)
		}
		*field.dst = v
	}
	return out, nil
}

func parseFlow(user, asset, amount string) (common.Address, common.Address, *uint256.Int, error) {
	u, err := parseAddress("user", user)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	a, err := parseAddress("asset", asset)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	amt, err := parseAmount(amount)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	return u, a, amt, nil
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%w: %s required", ErrInvalidArgument, field)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: invalid %s", ErrInvalidArgument, field)
	}
	return common.HexToAddress(trimmed), nil
}

// parseAmount accepts a base-10 integer or "max".
func parseAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidArgument)
	}
	if strings.EqualFold(trimmed, "max") {
		return lending.MaxAmount(), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount", ErrInvalidArgument)
	}
	return v, nil
}

func formatAmount(v *uint256.Int) string {
	if lending.IsMaxAmount(v) {
		return "max"
	}
	return v.Dec()
}

package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lendpool"

var wadFloat = new(big.Float).SetUint64(1e18)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// HTTP returns the lazily-initialised registry recording API traffic.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = orUnknown(route)
	method = orUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the route and reason.
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(orUnknown(route), reason).Inc()
}

// LendingMetrics captures engine operations and per-pool state.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
	supplyIndex  *prometheus.GaugeVec
	borrowIndex  *prometheus.GaugeVec
	utilization  *prometheus.GaugeVec
	totalSupply  *prometheus.GaugeVec
	totalBorrow  *prometheus.GaugeVec
}

// Lending returns the singleton lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		gauge := func(name, help string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			}, []string{"asset"})
		}
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of lending operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of executed liquidations segmented by debt and collateral asset.",
			}, []string{"debt_asset", "collateral_asset"}),
			supplyIndex: gauge("supply_index", "Current supply index of the pool."),
			borrowIndex: gauge("borrow_index", "Current borrow index of the pool."),
			utilization: gauge("utilization_ratio", "Borrowed share of supplied assets."),
			totalSupply: gauge("total_supply", "Total supplied assets in whole units."),
			totalBorrow: gauge("total_borrow", "Total borrowed assets in whole units."),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.liquidations,
			lendingRegistry.supplyIndex,
			lendingRegistry.borrowIndex,
			lendingRegistry.utilization,
			lendingRegistry.totalSupply,
			lendingRegistry.totalBorrow,
		)
	})
	return lendingRegistry
}

// ObserveOperation records one engine call and its latency.
func (m *LendingMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	operation = orUnknown(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLiquidation counts a successful liquidation.
func (m *LendingMetrics) RecordLiquidation(debtAsset, collateralAsset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(labelAsset(debtAsset), labelAsset(collateralAsset)).Inc()
}

// PoolGauges carries WAD-scaled pool figures for export.
type PoolGauges struct {
	SupplyIndex *uint256.Int
	BorrowIndex *uint256.Int
	Utilization *uint256.Int
	TotalSupply *uint256.Int
	TotalBorrow *uint256.Int
}

// RecordPool publishes the pool gauges for asset.
func (m *LendingMetrics) RecordPool(asset string, g PoolGauges) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.supplyIndex.WithLabelValues(label).Set(WadToFloat(g.SupplyIndex))
	m.borrowIndex.WithLabelValues(label).Set(WadToFloat(g.BorrowIndex))
	m.utilization.WithLabelValues(label).Set(WadToFloat(g.Utilization))
	m.totalSupply.WithLabelValues(label).Set(WadToFloat(g.TotalSupply))
	m.totalBorrow.WithLabelValues(label).Set(WadToFloat(g.TotalBorrow))
}

// WadToFloat converts an 18-decimal fixed point value into a float64. Lossy,
// intended for dashboards only.
func WadToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value.ToBig())
	out, _ := f.Quo(f, wadFloat).Float64()
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0
	}
	return out
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

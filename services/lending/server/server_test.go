package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"lendpool/native/lending"
	"lendpool/services/lending/engine"
	"lendpool/services/lending/indexer"
)

const (
	aliceHex = "0x00000000000000000000000000000000000000A1"
	usdcHex  = "0x00000000000000000000000000000000000000C1"
	feedHex  = "0x00000000000000000000000000000000000000F1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, eng engine.Engine, mutate func(*Options)) http.Handler {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{Disabled: true}, quietLogger())
	require.NoError(t, err)
	opts := Options{
		Engine: eng,
		Auth:   auth,
		Logger: quietLogger(),
		Hub:    NewHub(4),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Engine: &fakeEngine{}})
	require.Error(t, err)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, nil)

	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, nil)
	id := "9b2f2c43-6ad5-4b54-8f47-1ab4d3d4c0de"
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", map[string]string{RequestIDHeader: id})
	require.Equal(t, id, rec.Header().Get(RequestIDHeader))

	rec = doJSON(t, h, http.MethodGet, "/healthz", "", map[string]string{RequestIDHeader: "not-a-uuid"})
	require.NotEqual(t, "not-a-uuid", rec.Header().Get(RequestIDHeader))
}

func TestSupplyUsesCaller(t *testing.T) {
	var gotUser, gotAsset, gotAmount string
	eng := &fakeEngine{supplyFn: func(_ context.Context, user, asset, amount string) error {
		gotUser, gotAsset, gotAmount = user, asset, amount
		return nil
	}}
	h := newTestServer(t, eng, nil)

	body := fmt.Sprintf(`{"asset":%q,"amount":"1000"}`, usdcHex)
	rec := doJSON(t, h, http.MethodPost, "/v1/supply", body, map[string]string{CallerHeader: aliceHex})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "0x00000000000000000000000000000000000000a1", strings.ToLower(gotUser))
	require.Equal(t, usdcHex, gotAsset)
	require.Equal(t, "1000", gotAmount)

	var resp flowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "1000", resp.Amount)
}

func TestWriteRequiresCaller(t *testing.T) {
	called := false
	eng := &fakeEngine{supplyFn: func(context.Context, string, string, string) error {
		called = true
		return nil
	}}
	h := newTestServer(t, eng, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/supply", `{"asset":"x","amount":"1"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", decodeError(t, rec).Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/supply", `{"asset":"x","amount":"1"}`,
		map[string]string{CallerHeader: "0x0000000000000000000000000000000000000000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called)
}

func TestWithdrawAndRepayReportSettledAmounts(t *testing.T) {
	eng := &fakeEngine{
		withdrawFn: func(context.Context, string, string, string) (string, error) { return "750", nil },
		repayFn:    func(context.Context, string, string, string) (string, error) { return "42", nil },
	}
	h := newTestServer(t, eng, nil)
	caller := map[string]string{CallerHeader: aliceHex}

	rec := doJSON(t, h, http.MethodPost, "/v1/withdraw", `{"asset":"a","amount":"max"}`, caller)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp flowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "750", resp.Amount)

	rec = doJSON(t, h, http.MethodPost, "/v1/repay", `{"asset":"a","amount":"max"}`, caller)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "42", resp.Amount)
}

func TestLiquidateOverridesLiquidator(t *testing.T) {
	var got engine.LiquidationRequest
	eng := &fakeEngine{liquidateFn: func(_ context.Context, req engine.LiquidationRequest) (engine.Liquidation, error) {
		got = req
		return engine.Liquidation{Repaid: "10", CollateralSeized: "11", SeizedShares: "11"}, nil
	}}
	h := newTestServer(t, eng, nil)

	body := `{"liquidator":"0x00000000000000000000000000000000000000ff","borrower":"b","debtAsset":"d","collateralAsset":"c","amount":"10"}`
	rec := doJSON(t, h, http.MethodPost, "/v1/liquidate", body, map[string]string{CallerHeader: aliceHex})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, strings.EqualFold(aliceHex, got.Liquidator))
	require.Equal(t, "b", got.Borrower)

	var res engine.Liquidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "11", res.CollateralSeized)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown pool", engine.Translate(lending.ErrUnknownPool), http.StatusNotFound, "not_found"},
		{"zero amount", engine.Translate(lending.ErrZeroAmount), http.StatusBadRequest, "invalid_argument"},
		{"unauthorized", engine.Translate(lending.ErrUnauthorized), http.StatusForbidden, "unauthorized"},
		{"liquidity", engine.Translate(lending.ErrInsufficientLiquidity), http.StatusConflict, "conflict"},
		{"unhealthy", engine.Translate(lending.ErrUnhealthyPosition), http.StatusUnprocessableEntity, "insufficient_collateral"},
		{"stale", engine.Translate(lending.ErrStalePrice), http.StatusServiceUnavailable, "unavailable"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded"},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &fakeEngine{borrowFn: func(context.Context, string, string, string) error { return tc.err }}
			h := newTestServer(t, eng, nil)
			rec := doJSON(t, h, http.MethodPost, "/v1/borrow", `{"asset":"a","amount":"1"}`,
				map[string]string{CallerHeader: aliceHex})
			require.Equal(t, tc.status, rec.Code)
			detail := decodeError(t, rec)
			require.Equal(t, tc.code, detail.Code)
			require.NotEmpty(t, detail.RequestID)
			if tc.code == "internal" {
				require.Equal(t, "internal error", detail.Message)
			}
		})
	}
}

func TestDecodeRejectsBadBodies(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, nil)
	caller := map[string]string{CallerHeader: aliceHex}

	rec := doJSON(t, h, http.MethodPost, "/v1/supply", `{"asset":`, caller)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/supply", `{"asset":"a","amount":"1","extra":true}`, caller)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/supply", `{"asset":"a","amount":"1"}{}`, caller)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	huge := `{"asset":"` + strings.Repeat("a", requestLimit+1) + `","amount":"1"}`
	rec = doJSON(t, h, http.MethodPost, "/v1/supply", huge, caller)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReadRoutes(t *testing.T) {
	eng := &fakeEngine{
		listPoolsFn: func(context.Context) ([]engine.Pool, error) {
			return []engine.Pool{{Asset: usdcHex, Status: "activated"}}, nil
		},
		purchaseAmountFn: func(context.Context, string, string) (string, error) { return "500", nil },
		usdValueFn: func(_ context.Context, asset, amount string) (string, error) {
			if amount == "" {
				return "", engine.ErrInvalidArgument
			}
			require.Equal(t, usdcHex, asset)
			return "3000", nil
		},
	}
	h := newTestServer(t, eng, nil)

	rec := doJSON(t, h, http.MethodGet, "/v1/pools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pools struct {
		Pools []engine.Pool `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Len(t, pools.Pools, 1)

	rec = doJSON(t, h, http.MethodGet, "/v1/pools/"+usdcHex, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+aliceHex, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account engine.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	require.Equal(t, "max", account.HealthFactor)

	rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+aliceHex+"/positions/"+usdcHex, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pos engine.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	require.Equal(t, usdcHex, pos.Asset)

	rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+aliceHex+"/liquidation/"+usdcHex, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var purchase map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &purchase))
	require.Equal(t, "500", purchase["maxPurchase"])

	rec = doJSON(t, h, http.MethodGet, "/v1/pools/"+usdcHex+"/value?amount=1500", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var value map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &value))
	require.Equal(t, "3000", value["usd"])
	require.Equal(t, "1500", value["amount"])

	rec = doJSON(t, h, http.MethodGet, "/v1/pools/"+usdcHex+"/value", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	var status string
	eng := &fakeEngine{
		initPoolFn: func(_ context.Context, _ string, req engine.PoolParams) (string, error) {
			require.Equal(t, usdcHex, req.Asset)
			return "0xabc", nil
		},
		setPoolStatusFn: func(_ context.Context, _ string, _ string, s string) error {
			status = s
			return nil
		},
	}
	prices := &fakePrices{}
	h := newTestServer(t, eng, func(o *Options) { o.Prices = prices })
	caller := map[string]string{CallerHeader: aliceHex}

	body := fmt.Sprintf(`{"asset":%q,"priceFeed":%q}`, usdcHex, feedHex)
	rec := doJSON(t, h, http.MethodPost, "/v1/admin/pools", body, caller)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/pools/"+usdcHex+"/status", `{"status":"frozen"}`, caller)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "frozen", status)

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/prices", fmt.Sprintf(`{"feed":%q,"price":"1000000000000000000"}`, feedHex), caller)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, prices.quotes, 1)

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/prices", fmt.Sprintf(`{"feed":%q,"price":"0"}`, feedHex), caller)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/prices", `{"feed":"nope","price":"1"}`, caller)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptionalCollaboratorsAnswerUnavailable(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, func(o *Options) { o.Hub = nil })
	caller := map[string]string{CallerHeader: aliceHex}

	rec := doJSON(t, h, http.MethodPost, "/v1/admin/prices", `{"feed":"x","price":"1"}`, caller)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/events", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/events/stream", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListEventsPassesFilter(t *testing.T) {
	events := &fakeEvents{entries: []indexer.Entry{{Seq: 3, Type: lending.TypeDeposit}}}
	h := newTestServer(t, &fakeEngine{}, func(o *Options) { o.Events = events })

	rec := doJSON(t, h, http.MethodGet, "/v1/events?user="+aliceHex+"&type=lending.deposit&after=2&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, aliceHex, events.last.Account)
	require.Equal(t, lending.TypeDeposit, events.last.Type)
	require.Equal(t, uint64(2), events.last.AfterSeq)
	require.Equal(t, 5, events.last.Limit)

	var body struct {
		Events []indexer.Entry `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)

	rec = doJSON(t, h, http.MethodGet, "/v1/events?limit=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, func(o *Options) {
		o.RateLimiter = NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1})
	})

	rec := doJSON(t, h, http.MethodGet, "/v1/pools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/v1/pools", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Code)

	// Health checks bypass the limiter.
	rec = doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecovererReturnsInternal(t *testing.T) {
	eng := &fakeEngine{getPoolFn: func(context.Context, string) (engine.Pool, error) { panic("boom") }}
	h := newTestServer(t, eng, nil)
	rec := doJSON(t, h, http.MethodGet, "/v1/pools/x", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal", decodeError(t, rec).Code)
}

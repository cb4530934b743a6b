package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendpool/services/lending/engine"
	"lendpool/services/lending/indexer"
	"lendpool/services/lending/pricefeed"
)

const requestLimit = 1 << 20 // 1 MiB

// PriceUpdater accepts admin price pushes.
type PriceUpdater interface {
	SetPrice(feed common.Address, price *uint256.Int) (pricefeed.Quote, error)
}

// EventSource serves indexed events.
type EventSource interface {
	Query(ctx context.Context, f indexer.Filter) ([]indexer.Entry, error)
}

// Options wires the collaborators of the HTTP surface. Prices, Events and Hub
// are optional; their routes answer 503 when unset.
type Options struct {
	Engine         engine.Engine
	Prices         PriceUpdater
	Events         EventSource
	Hub            *Hub
	Auth           *Authenticator
	RateLimiter    *RateLimiter
	Logger         *slog.Logger
	ServiceName    string
	Timeout        time.Duration
	OriginPatterns []string
}

// Server exposes the lending engine over HTTP/JSON.
type Server struct {
	engine         engine.Engine
	prices         PriceUpdater
	events         EventSource
	hub            *Hub
	auth           *Authenticator
	limiter        *RateLimiter
	logger         *slog.Logger
	serviceName    string
	timeout        time.Duration
	originPatterns []string
}

// New constructs a new lending HTTP server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("lending engine required")
	}
	if opts.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "lendingd"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Server{
		engine:         opts.Engine,
		prices:         opts.Prices,
		events:         opts.Events,
		hub:            opts.Hub,
		auth:           opts.Auth,
		limiter:        opts.RateLimiter,
		logger:         opts.Logger,
		serviceName:    opts.ServiceName,
		timeout:        opts.Timeout,
		originPatterns: opts.OriginPatterns,
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, recoverer(s.logger), observe(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)

		v1.Get("/pools", s.listPools)
		v1.Get("/pools/{asset}", s.getPool)
		v1.Get("/pools/{asset}/value", s.usdValue)
		v1.Get("/accounts/{user}", s.getAccount)
		v1.Get("/accounts/{user}/positions/{asset}", s.getPosition)
		v1.Get("/accounts/{user}/liquidation/{asset}", s.purchaseAmount)
		v1.Get("/events", s.listEvents)
		v1.Get("/events/stream", s.handleStream)

		v1.Group(func(w chi.Router) {
			w.Use(s.auth.Middleware(ScopeWrite))
			w.Post("/supply", s.supply)
			w.Post("/withdraw", s.withdraw)
			w.Post("/borrow", s.borrow)
			w.Post("/repay", s.repay)
			w.Post("/collateral", s.setCollateral)
			w.Post("/liquidate", s.liquidate)
		})

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(ScopeAdmin))
			admin.Post("/pools", s.initPool)
			admin.Post("/pools/{asset}/status", s.setPoolStatus)
			admin.Post("/prices", s.setPrice)
		})
	})

	return otelhttp.NewHandler(r, s.serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("lending operation failed", "op", op, "error", err, "request_id", RequestIDFrom(r.Context()))
	}
	writeError(w, r, status, code, message)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, requestLimit)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid_argument", fmt.Sprintf("decode request: %v", err))
		return false
	}
	if _, err := dec.Token(); err != io.EOF {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "unexpected trailing data")
		return false
	}
	return true
}

func caller(r *http.Request) string {
	addr, _ := CallerFrom(r.Context())
	return addr.Hex()
}

type flowRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type flowResponse struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) supply(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Supply(ctx, caller(r), req.Asset, req.Amount); err != nil {
		s.fail(w, r, "supply", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{User: caller(r), Asset: req.Asset, Amount: req.Amount})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	paid, err := s.engine.Withdraw(ctx, caller(r), req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{User: caller(r), Asset: req.Asset, Amount: paid})
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Borrow(ctx, caller(r), req.Asset, req.Amount); err != nil {
		s.fail(w, r, "borrow", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{User: caller(r), Asset: req.Asset, Amount: req.Amount})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	repaid, err := s.engine.Repay(ctx, caller(r), req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, "repay", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{User: caller(r), Asset: req.Asset, Amount: repaid})
}

func (s *Server) setCollateral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset string `json:"asset"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	enabled, err := s.engine.SetCollateral(ctx, caller(r), req.Asset)
	if err != nil {
		s.fail(w, r, "collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": caller(r), "asset": req.Asset, "enabled": enabled})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req engine.LiquidationRequest
	if !decode(w, r, &req) {
		return
	}
	req.Liquidator = caller(r)
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.engine.Liquidate(ctx, req)
	if err != nil {
		s.fail(w, r, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) initPool(w http.ResponseWriter, r *http.Request) {
	var req engine.PoolParams
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	ref, err := s.engine.InitPool(ctx, caller(r), req)
	if err != nil {
		s.fail(w, r, "init_pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"asset": req.Asset, "configRef": ref})
}

func (s *Server) setPoolStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	asset := chi.URLParam(r, "asset")
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.SetPoolStatus(ctx, caller(r), asset, req.Status); err != nil {
		s.fail(w, r, "pool_status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "status": req.Status})
}

func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "price updates disabled")
		return
	}
	var req struct {
		Feed  string `json:"feed"`
		Price string `json:"price"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Feed)) {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid feed")
		return
	}
	price, err := uint256.FromDecimal(strings.TrimSpace(req.Price))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid price")
		return
	}
	feed := common.HexToAddress(strings.TrimSpace(req.Feed))
	quote, err := s.prices.SetPrice(feed, price)
	if err != nil {
		if errors.Is(err, pricefeed.ErrInvalidPrice) {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		s.fail(w, r, "set_price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feed":      feed.Hex(),
		"price":     quote.Price.Dec(),
		"updatedAt": quote.UpdatedAt,
	})
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pools, err := s.engine.ListPools(ctx)
	if err != nil {
		s.fail(w, r, "list_pools", err)
		return
	}
	if pools == nil {
		pools = []engine.Pool{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pool, err := s.engine.GetPool(ctx, chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) usdValue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	asset, amount := chi.URLParam(r, "asset"), r.URL.Query().Get("amount")
	usd, err := s.engine.USDValue(ctx, asset, amount)
	if err != nil {
		s.fail(w, r, "usd_value", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "amount": amount, "usd": usd})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	account, err := s.engine.GetAccount(ctx, chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pos, err := s.engine.GetPosition(ctx, chi.URLParam(r, "user"), chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) purchaseAmount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	user, asset := chi.URLParam(r, "user"), chi.URLParam(r, "asset")
	amount, err := s.engine.PurchaseAmount(ctx, user, asset)
	if err != nil {
		s.fail(w, r, "purchase_amount", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user": user, "debtAsset": asset, "maxPurchase": amount})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event index disabled")
		return
	}
	q := r.URL.Query()
	filter := indexer.Filter{Account: q.Get("user"), Asset: q.Get("asset"), Type: q.Get("type")}
	for name, dst := range map[string]interface{}{"after": &filter.AfterSeq, "limit": &filter.Limit} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid "+name)
			return
		}
		switch p := dst.(type) {
		case *uint64:
			*p = n
		case *int:
			*p = int(n)
		}
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	entries, err := s.events.Query(ctx, filter)
	if err != nil {
		s.fail(w, r, "list_events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

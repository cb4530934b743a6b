package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendpool/services/lending/engine"
)

// CallerHeader mirrors the header lendingd reads when authentication is
// disabled.
const CallerHeader = "X-Lending-Caller"

// APIError is a non-2xx answer from lendingd.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lendingd %d %s: %s", e.Status, e.Code, e.Message)
}

// Option customises a Client.
type Option func(*Client)

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithCaller names the caller for deployments running without auth.
func WithCaller(addr string) Option {
	return func(c *Client) { c.caller = strings.TrimSpace(addr) }
}

// WithHTTPClient replaces the underlying HTTP client. Its transport is used
// as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client is a thin wrapper around the lendingd HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	caller string
}

// Dial validates the endpoint and returns a client for it.
func Dial(endpoint string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must be http or https, got %q", endpoint)
	}
	c := &Client{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.caller != "" {
		req.Header.Set(CallerHeader, c.caller)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error struct {
				Code      string `json:"code"`
				Message   string `json:"message"`
				RequestID string `json:"requestId"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		return &APIError{
			Status:    resp.StatusCode,
			Code:      payload.Error.Code,
			Message:   payload.Error.Message,
			RequestID: payload.Error.RequestID,
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type flow struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type flowResult struct {
	Amount string `json:"amount"`
}

func (c *Client) Supply(ctx context.Context, asset, amount string) error {
	return c.do(ctx, http.MethodPost, "/v1/supply", flow{asset, amount}, nil)
}

// Withdraw returns the amount paid out. Pass "max" to withdraw everything.
func (c *Client) Withdraw(ctx context.Context, asset, amount string) (string, error) {
	var out flowResult
	err := c.do(ctx, http.MethodPost, "/v1/withdraw", flow{asset, amount}, &out)
	return out.Amount, err
}

func (c *Client) Borrow(ctx context.Context, asset, amount string) error {
	return c.do(ctx, http.MethodPost, "/v1/borrow", flow{asset, amount}, nil)
}

// Repay returns the amount applied to the debt. Pass "max" to clear it.
func (c *Client) Repay(ctx context.Context, asset, amount string) (string, error) {
	var out flowResult
	err := c.do(ctx, http.MethodPost, "/v1/repay", flow{asset, amount}, &out)
	return out.Amount, err
}

// ToggleCollateral flips the collateral flag and returns the new value.
func (c *Client) ToggleCollateral(ctx context.Context, asset string) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/collateral", map[string]string{"asset": asset}, &out)
	return out.Enabled, err
}

func (c *Client) Liquidate(ctx context.Context, req engine.LiquidationRequest) (engine.Liquidation, error) {
	var out engine.Liquidation
	err := c.do(ctx, http.MethodPost, "/v1/liquidate", req, &out)
	return out, err
}

// InitPool creates a pool and returns its configuration reference.
func (c *Client) InitPool(ctx context.Context, params engine.PoolParams) (string, error) {
	var out struct {
		ConfigRef string `json:"configRef"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/admin/pools", params, &out)
	return out.ConfigRef, err
}

func (c *Client) SetPoolStatus(ctx context.Context, asset, status string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pools/"+url.PathEscape(asset)+"/status", map[string]string{"status": status}, nil)
}

// SetPrice pushes a WAD price for a feed.
func (c *Client) SetPrice(ctx context.Context, feed, price string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/prices", map[string]string{"feed": feed, "price": price}, nil)
}

func (c *Client) Pools(ctx context.Context) ([]engine.Pool, error) {
	var out struct {
		Pools []engine.Pool `json:"pools"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/pools", nil, &out)
	return out.Pools, err
}

func (c *Client) Pool(ctx context.Context, asset string) (engine.Pool, error) {
	var out engine.Pool
	err := c.do(ctx, http.MethodGet, "/v1/pools/"+url.PathEscape(asset), nil, &out)
	return out, err
}

// USDValue prices amount of asset at the pool feed's latest reading and
// returns WAD-scaled USD.
func (c *Client) USDValue(ctx context.Context, asset, amount string) (string, error) {
	var out struct {
		USD string `json:"usd"`
	}
	path := "/v1/pools/" + url.PathEscape(asset) + "/value?" + url.Values{"amount": {amount}}.Encode()
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.USD, err
}

func (c *Client) Account(ctx context.Context, user string) (engine.Account, error) {
	var out engine.Account
	err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(user), nil, &out)
	return out, err
}

func (c *Client) Position(ctx context.Context, user, asset string) (engine.Position, error) {
	var out engine.Position
	err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(user)+"/positions/"+url.PathEscape(asset), nil, &out)
	return out, err
}

// PurchaseAmount returns the most debt a liquidator may repay for user now.
func (c *Client) PurchaseAmount(ctx context.Context, user, debtAsset string) (string, error) {
	var out struct {
		MaxPurchase string `json:"maxPurchase"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(user)+"/liquidation/"+url.PathEscape(debtAsset), nil, &out)
	return out.MaxPurchase, err
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"riskguard/internal/metrics"
	"riskguard/internal/ratelimit"
	"riskguard/internal/risk"
)

const maxBarsPerRequest = 20000

// Client issues limiter-gated POST-JSON calls against the broker gateway.
// Transient failures (429, 5xx, timeouts) are retried on a 1s/2s/4s ladder;
// a 401 triggers exactly one token refresh and one retry. Every retry
// consumes a fresh limiter token.
type Client struct {
	baseURL     string
	httpc       *http.Client
	limiter     *ratelimit.Limiter
	tokens      *TokenSource
	log         zerolog.Logger
	maxAttempts int
	backoffBase time.Duration
	sleep       func(context.Context, time.Duration) error
}

// Option configures Client construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP transport, used by tests.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// WithRetry tunes the transient-failure ladder.
func WithRetry(maxAttempts int, backoffBase time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			c.backoffBase = backoffBase
		}
	}
}

// WithSleep overrides the backoff sleeper so tests can observe waits
// without wall-clock delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient wires the gateway client. The limiter is mandatory: no call
// path may bypass the quota buckets.
func NewClient(baseURL string, tokens *TokenSource, limiter *ratelimit.Limiter, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		httpc:       &http.Client{Timeout: 10 * time.Second},
		limiter:     limiter,
		tokens:      tokens,
		log:         log,
		maxAttempts: 3,
		backoffBase: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return c
}

type envelopeHolder interface{ env() *apiEnvelope }

// post runs one logical gateway call: acquire a bucket slot, issue the
// request, and apply the response policy. 401 handling and the backoff
// ladder both re-enter the loop, so each physical attempt pays the limiter.
func (c *Client) post(ctx context.Context, endpoint, bucket string, body any, out envelopeHolder) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", endpoint, err)
	}

	attempt := 0
	reauthed := false
	for {
		if err := c.limiter.Acquire(ctx, bucket); err != nil {
			return fmt.Errorf("%s: acquire %s bucket: %w", endpoint, bucket, err)
		}

		status, err := c.do(ctx, endpoint, payload, out)
		if err == nil && status == http.StatusOK {
			if env := out.env(); !env.Success {
				metrics.GatewayRequests.WithLabelValues(endpoint, "rejected").Inc()
				return &APIError{Endpoint: endpoint, Code: env.ErrorCode, Message: env.ErrorMessage}
			}
			metrics.GatewayRequests.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if status == http.StatusUnauthorized {
			if reauthed {
				metrics.GatewayRequests.WithLabelValues(endpoint, "auth_failed").Inc()
				return fmt.Errorf("%s: authentication rejected after refresh", endpoint)
			}
			reauthed = true
			metrics.GatewayRequests.WithLabelValues(endpoint, "auth_retry").Inc()
			if err := c.tokens.Refresh(ctx); err != nil {
				return fmt.Errorf("%s: refresh token: %w", endpoint, err)
			}
			continue
		}

		if transient(status, err) {
			attempt++
			if attempt >= c.maxAttempts {
				metrics.GatewayRequests.WithLabelValues(endpoint, "exhausted").Inc()
				if err != nil {
					return fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, attempt, err)
				}
				return fmt.Errorf("%s: giving up after %d attempts: status %d", endpoint, attempt, status)
			}
			delay := c.backoffBase << (attempt - 1)
			metrics.GatewayRequests.WithLabelValues(endpoint, "retry").Inc()
			c.log.Warn().Str("endpoint", endpoint).Int("status", status).Err(err).
				Dur("backoff", delay).Msg("transient gateway failure")
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		metrics.GatewayRequests.WithLabelValues(endpoint, "error").Inc()
		if err != nil {
			return fmt.Errorf("%s: %w", endpoint, err)
		}
		return fmt.Errorf("%s: unexpected status %d", endpoint, status)
	}
}

// transient reports whether the failure belongs on the backoff ladder:
// rate limiting, server faults, and any transport-level error (timeouts
// included).
func transient(status int, err error) bool {
	if err != nil {
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func (c *Client) do(ctx context.Context, endpoint string, payload []byte, out envelopeHolder) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// Accounts returns the active tradable accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp accountSearchResponse
	if err := c.post(ctx, "Account/search", ratelimit.BucketGeneral, accountSearchRequest{OnlyActiveAccounts: true}, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// OpenPositions returns the account's open positions with signed sizes.
func (c *Client) OpenPositions(ctx context.Context, accountID string) ([]risk.Position, error) {
	var resp positionSearchResponse
	if err := c.post(ctx, "Position/searchOpen", ratelimit.BucketGeneral, accountScopedRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	positions := make([]risk.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		positions = append(positions, p.toDomain())
	}
	return positions, nil
}

// OpenOrders returns the account's working orders.
func (c *Client) OpenOrders(ctx context.Context, accountID string) ([]risk.Order, error) {
	var resp orderSearchResponse
	if err := c.post(ctx, "Order/searchOpen", ratelimit.BucketGeneral, accountScopedRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	orders := make([]risk.Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, o.toDomain())
	}
	return orders, nil
}

// Orders returns orders created at or after since.
func (c *Client) Orders(ctx context.Context, accountID string, since time.Time) ([]risk.Order, error) {
	req := orderSearchRequest{AccountID: accountID}
	if !since.IsZero() {
		req.StartTimestamp = &since
	}
	var resp orderSearchResponse
	if err := c.post(ctx, "Order/search", ratelimit.BucketGeneral, req, &resp); err != nil {
		return nil, err
	}
	orders := make([]risk.Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, o.toDomain())
	}
	return orders, nil
}

// Trades returns today's trades for the account, oldest first as the
// gateway reports them.
func (c *Client) Trades(ctx context.Context, accountID string, since time.Time) ([]Trade, error) {
	var resp tradeSearchResponse
	if err := c.post(ctx, "Trade/search", ratelimit.BucketGeneral, tradeSearchRequest{AccountID: accountID, StartTimestamp: since}, &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

// DayPnL sums realized profit and loss of the account's trades since local
// midnight of now. Half-turn trades report null P&L and voided trades do
// not count.
func (c *Client) DayPnL(ctx context.Context, accountID string, now time.Time) (float64, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	trades, err := c.Trades(ctx, accountID, midnight)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, t := range trades {
		if t.Voided || t.ProfitAndLoss == nil {
			continue
		}
		total += *t.ProfitAndLoss - t.Fees
	}
	return total, nil
}

// PlaceMarketOrder submits one market order and returns the gateway's
// order id.
func (c *Client) PlaceMarketOrder(ctx context.Context, accountID, contractID string, side risk.OrderSide, size int) (string, error) {
	var resp placeOrderResponse
	req := placeOrderRequest{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       int(risk.TypeMarket),
		Side:       int(side),
		Size:       size,
	}
	if err := c.post(ctx, "Order/place", ratelimit.BucketGeneral, req, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) error {
	var resp struct{ apiEnvelope }
	return c.post(ctx, "Order/cancel", ratelimit.BucketGeneral, cancelOrderRequest{AccountID: accountID, OrderID: orderID}, &resp)
}

// CancelAccountOrders cancels every open order on the account, optionally
// filtered to one contract. Returns how many were cancelled before the
// first failure.
func (c *Client) CancelAccountOrders(ctx context.Context, accountID, contractID string) (int, error) {
	orders, err := c.OpenOrders(ctx, accountID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, order := range risk.OpenOrders(orders) {
		if contractID != "" && order.ContractID != contractID {
			continue
		}
		if err := c.CancelOrder(ctx, accountID, order.OrderID); err != nil {
			return cancelled, fmt.Errorf("cancel order %s: %w", order.OrderID, err)
		}
		cancelled++
	}
	return cancelled, nil
}

// ModifyOrder rewrites an order's size and prices in place.
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, size int, limitPrice, stopPrice *float64) error {
	var resp struct{ apiEnvelope }
	req := modifyOrderRequest{AccountID: accountID, OrderID: orderID, Size: size, LimitPrice: limitPrice, StopPrice: stopPrice}
	return c.post(ctx, "Order/modify", ratelimit.BucketGeneral, req, &resp)
}

// ClosePosition market-closes the account's entire position in a contract.
func (c *Client) ClosePosition(ctx context.Context, accountID, contractID string) error {
	var resp struct{ apiEnvelope }
	return c.post(ctx, "Position/closeContract", ratelimit.BucketGeneral, closePositionRequest{AccountID: accountID, ContractID: contractID}, &resp)
}

// PartialClosePosition market-closes size contracts of a position.
func (c *Client) PartialClosePosition(ctx context.Context, accountID, contractID string, size int) error {
	var resp struct{ apiEnvelope }
	req := partialClosePositionRequest{AccountID: accountID, ContractID: contractID, Size: size}
	return c.post(ctx, "Position/partialCloseContract", ratelimit.BucketGeneral, req, &resp)
}

// AvailableContracts lists contracts currently open for trading.
func (c *Client) AvailableContracts(ctx context.Context, live bool) ([]Contract, error) {
	var resp contractSearchResponse
	if err := c.post(ctx, "Contract/available", ratelimit.BucketGeneral, contractAvailableRequest{Live: live}, &resp); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

// SearchContracts finds contracts by symbol text.
func (c *Client) SearchContracts(ctx context.Context, text string, live bool) ([]Contract, error) {
	var resp contractSearchResponse
	if err := c.post(ctx, "Contract/search", ratelimit.BucketGeneral, contractSearchRequest{SearchText: text, Live: live}, &resp); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

// ContractByID resolves a single contract.
func (c *Client) ContractByID(ctx context.Context, contractID string) (Contract, error) {
	var resp contractByIDResponse
	if err := c.post(ctx, "Contract/searchById", ratelimit.BucketGeneral, contractByIDRequest{ContractID: contractID}, &resp); err != nil {
		return Contract{}, err
	}
	return resp.Contract, nil
}

// Bars retrieves historical candles. This is the only call billed to the
// bars bucket, and the gateway caps one response at 20,000 bars.
func (c *Client) Bars(ctx context.Context, contractID string, start, end time.Time, unit, unitNumber, limit int) ([]Bar, error) {
	if limit <= 0 || limit > maxBarsPerRequest {
		limit = maxBarsPerRequest
	}
	var resp retrieveBarsResponse
	req := retrieveBarsRequest{
		ContractID: contractID,
		StartTime:  start,
		EndTime:    end,
		Unit:       unit,
		UnitNumber: unitNumber,
		Limit:      limit,
	}
	if err := c.post(ctx, "History/retrieveBars", ratelimit.BucketBars, req, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

package live

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrExecutorClosed is returned when the executor is used after Close.
var ErrExecutorClosed = errors.New("order executor closed")

// retryableCodes are Bybit retCodes worth retrying with backoff:
// timeouts, rate limits and transient matching-engine errors.
var retryableCodes = map[int]bool{
	10002:  true,
	10006:  true,
	10016:  true,
	110001: true,
	110003: true,
}

// ExecutorConfig configures the order executor.
type ExecutorConfig struct {
	BaseURL    string        `json:"baseUrl" mapstructure:"base_url"`
	RecvWindow int           `json:"recvWindow" mapstructure:"recv_window"`
	MaxRetries int           `json:"maxRetries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retryDelay" mapstructure:"retry_delay"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	Category   string        `json:"category" mapstructure:"category"`
	Testnet    bool          `json:"testnet" mapstructure:"testnet"`
}

// DefaultExecutorConfig returns defaults for Bybit v5 linear perps.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		BaseURL:    "https://api.bybit.com",
		RecvWindow: 5000,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Timeout:    10 * time.Second,
		Category:   "linear",
	}
}

// OrderResult is the outcome of one order placement.
type OrderResult struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          types.OrderSide `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	RetCode       int             `json:"retCode"`
	RetMsg        string          `json:"retMsg"`
	Attempts      int             `json:"attempts"`
}

// bybitResponse is the common Bybit v5 envelope.
type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// OrderExecutor places orders against the Bybit v5 REST API. It owns
// one HTTP client; Close is idempotent and any call after Close fails
// with ErrExecutorClosed.
type OrderExecutor struct {
	logger *zap.Logger
	config ExecutorConfig
	creds  *CredentialStore

	client      *http.Client
	limiter     *RateLimiter
	instruments *InstrumentCache

	mu     sync.Mutex
	closed bool
}

// NewOrderExecutor creates an executor. Credentials stay in the store
// until a request is signed.
func NewOrderExecutor(logger *zap.Logger, config ExecutorConfig, creds *CredentialStore) *OrderExecutor {
	if config.BaseURL == "" {
		config = DefaultExecutorConfig()
	}
	if config.Testnet {
		config.BaseURL = "https://api-testnet.bybit.com"
	}
	e := &OrderExecutor{
		logger:  logger.Named("executor"),
		config:  config,
		creds:   creds,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: NewRateLimiter(10, 100*time.Millisecond),
	}
	e.instruments = NewInstrumentCache(time.Hour, e.fetchInstruments)
	return e
}

// Close shuts the HTTP client down. Double-close is a no-op.
func (e *OrderExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.client.CloseIdleConnections()
	e.logger.Info("order executor closed")
}

func (e *OrderExecutor) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	return nil
}

// PlaceOrder submits an order, retrying transient Bybit errors with
// exponential backoff up to MaxRetries.
func (e *OrderExecutor) PlaceOrder(ctx context.Context, order *types.Order) (*OrderResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	clientID := order.ID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	qty := order.Quantity
	if inst, err := e.instruments.Get(ctx, order.Symbol); err == nil && inst != nil {
		qty = quantizeQty(qty, inst.QtyStep)
		if !inst.MinOrderQty.IsZero() && qty.LessThan(inst.MinOrderQty) {
			return nil, fmt.Errorf("quantity %s below exchange minimum %s for %s",
				qty, inst.MinOrderQty, order.Symbol)
		}
	}
	body := map[string]any{
		"category":    e.config.Category,
		"symbol":      order.Symbol,
		"side":        bybitSide(order.Side),
		"orderType":   bybitOrderType(order.Type),
		"qty":         qty.String(),
		"orderLinkId": clientID,
	}
	if order.Type == types.OrderTypeLimit || order.Type == types.OrderTypeStopLimit {
		body["price"] = order.Price.String()
		body["timeInForce"] = "GTC"
	}
	if !order.TriggerPrice.IsZero() {
		body["triggerPrice"] = order.TriggerPrice.String()
	}
	if order.ReduceOnly {
		body["reduceOnly"] = true
	}
	if !order.StopLoss.IsZero() {
		body["stopLoss"] = order.StopLoss.String()
	}
	if !order.TakeProfit.IsZero() {
		body["takeProfit"] = order.TakeProfit.String()
	}

	resp, attempts, err := e.signedPost(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, err
	}

	result := &OrderResult{
		ClientOrderID: clientID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      qty,
		RetCode:       resp.RetCode,
		RetMsg:        resp.RetMsg,
		Attempts:      attempts,
	}
	if resp.RetCode != 0 {
		return result, fmt.Errorf("order rejected: retCode=%d %s", resp.RetCode, resp.RetMsg)
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Result, &created); err == nil {
		result.OrderID = created.OrderID
	}
	e.logger.Info("order placed",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()),
		zap.Int("attempts", attempts))
	return result, nil
}

// CancelOrder cancels an order by exchange ID.
func (e *OrderExecutor) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	resp, _, err := e.signedPost(ctx, "/v5/order/cancel", map[string]any{
		"category": e.config.Category,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("cancel rejected: retCode=%d %s", resp.RetCode, resp.RetMsg)
	}
	return nil
}

// WalletBalance fetches the unified-account equity in USDT.
func (e *OrderExecutor) WalletBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := e.checkOpen(); err != nil {
		return decimal.Zero, err
	}
	resp, err := e.signedGet(ctx, "/v5/account/wallet-balance", "accountType=UNIFIED&coin=USDT")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.RetCode != 0 {
		return decimal.Zero, fmt.Errorf("wallet balance: retCode=%d %s", resp.RetCode, resp.RetMsg)
	}
	var wallet struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &wallet); err != nil {
		return decimal.Zero, err
	}
	if len(wallet.List) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(wallet.List[0].TotalEquity)
}

// fetchInstruments loads lot-size and leverage rules from the public
// instruments endpoint. A failure leaves the cache empty; orders then
// go out unquantized.
func (e *OrderExecutor) fetchInstruments(ctx context.Context) (map[string]*Instrument, error) {
	resp, err := e.publicGet(ctx, "/v5/market/instruments-info", "category="+e.config.Category+"&limit=1000")
	if err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("instruments info: retCode=%d %s", resp.RetCode, resp.RetMsg)
	}
	var payload struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return nil, err
	}
	out := make(map[string]*Instrument, len(payload.List))
	for _, item := range payload.List {
		out[item.Symbol] = &Instrument{
			Symbol:      item.Symbol,
			TickSize:    mustDecimal(item.PriceFilter.TickSize),
			QtyStep:     mustDecimal(item.LotSizeFilter.QtyStep),
			MinOrderQty: mustDecimal(item.LotSizeFilter.MinOrderQty),
			MaxLeverage: mustDecimal(item.LeverageFilter.MaxLeverage),
		}
	}
	return out, nil
}

// quantizeQty floors qty onto the exchange lot-size grid.
func quantizeQty(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// publicGet sends an unsigned GET to a public endpoint.
func (e *OrderExecutor) publicGet(ctx context.Context, path, query string) (*bybitResponse, error) {
	e.limiter.Acquire()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange http %d: %s", httpResp.StatusCode, string(raw))
	}
	var resp bybitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse exchange response: %w", err)
	}
	return &resp, nil
}

// signedPost sends a signed POST with retry on transient retCodes.
func (e *OrderExecutor) signedPost(ctx context.Context, path string, body map[string]any) (*bybitResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	delay := e.config.RetryDelay
	var last *bybitResponse
	var lastErr error
	attempts := 0
	for attempts < e.config.MaxRetries+1 {
		attempts++
		resp, err := e.doSigned(ctx, http.MethodPost, path, "", payload)
		if err != nil {
			lastErr = err
		} else {
			last, lastErr = resp, nil
			if !retryableCodes[resp.RetCode] {
				return resp, attempts, nil
			}
			e.logger.Warn("retryable exchange error",
				zap.Int("retCode", resp.RetCode),
				zap.String("retMsg", resp.RetMsg),
				zap.Int("attempt", attempts))
		}
		if attempts >= e.config.MaxRetries+1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if last != nil {
		return last, attempts, nil
	}
	return nil, attempts, lastErr
}

// signedGet sends a signed GET without retry.
func (e *OrderExecutor) signedGet(ctx context.Context, path, query string) (*bybitResponse, error) {
	return e.doSigned(ctx, http.MethodGet, path, query, nil)
}

// doSigned signs per Bybit v5: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + (query | body).
func (e *OrderExecutor) doSigned(ctx context.Context, method, path, query string, payload []byte) (*bybitResponse, error) {
	e.limiter.Acquire()

	apiKey, err := e.creds.Key()
	if err != nil {
		return nil, err
	}
	secret, err := e.creds.Secret()
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recv := strconv.Itoa(e.config.RecvWindow)
	signBase := timestamp + apiKey + recv
	if method == http.MethodGet {
		signBase += query
	} else {
		signBase += string(payload)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signBase))
	signature := hex.EncodeToString(mac.Sum(nil))

	reqURL := e.config.BaseURL + path
	if query != "" {
		reqURL += "?" + query
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	req.Header.Set("X-BAPI-SIGN", signature)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange http %d: %s", httpResp.StatusCode, string(raw))
	}
	var resp bybitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse exchange response: %w", err)
	}
	return &resp, nil
}

func bybitSide(side types.OrderSide) string {
	if side == types.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeLimit, types.OrderTypeStopLimit:
		return "Limit"
	default:
		return "Market"
	}
}

// RateLimiter is a token bucket refilled at a fixed rate.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a bucket holding maxTokens, refilled one
// token per refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Acquire takes a token, sleeping until one is available.
func (rl *RateLimiter) Acquire() {
	for {
		rl.mu.Lock()
		now := time.Now()
		refills := int(now.Sub(rl.lastRefill) / rl.refillRate)
		if refills > 0 {
			rl.tokens += refills
			if rl.tokens > rl.maxTokens {
				rl.tokens = rl.maxTokens
			}
			rl.lastRefill = now
		}
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return
		}
		rl.mu.Unlock()
		time.Sleep(rl.refillRate)
	}
}

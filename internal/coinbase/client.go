package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"confluence-trading-bot/internal/logging"
)

// Client talks to the Advanced Trade REST API. All methods respect the
// per-tier rate limiter and mint a fresh bearer token per request.
type Client struct {
	baseURL    string
	minter     *TokenMinter
	limiter    *RateLimiter
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates an authenticated REST client
func NewClient(baseURL string, minter *TokenMinter, limiter *RateLimiter) *Client {
	return &Client{
		baseURL:    baseURL,
		minter:     minter,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logging.WithComponent("coinbase"),
	}
}

// ==================== MARKET DATA ====================

type candlesResponse struct {
	Candles []struct {
		Start  string `json:"start"` // unix seconds
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

// GetCandles fetches closed candles for [start, end), oldest first
func (c *Client) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) ([]CandleData, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("granularity", granularity)

	path := fmt.Sprintf("/api/v3/brokerage/products/%s/candles", productID)
	var resp candlesResponse
	if err := c.do(ctx, TierPublic, http.MethodGet, path, params, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}

	candles := make([]CandleData, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		startSec, err := strconv.ParseInt(raw.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse candle start %q: %w", raw.Start, err)
		}
		candles = append(candles, CandleData{
			Start:  time.Unix(startSec, 0).UTC(),
			Open:   parseFloat(raw.Open),
			High:   parseFloat(raw.High),
			Low:    parseFloat(raw.Low),
			Close:  parseFloat(raw.Close),
			Volume: parseFloat(raw.Volume),
		})
	}

	// The API returns newest first
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

type bestBidAskResponse struct {
	PriceBooks []struct {
		ProductID string `json:"product_id"`
		Bids      []struct {
			Price string `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
		} `json:"asks"`
		Time time.Time `json:"time"`
	} `json:"pricebooks"`
}

// GetBestPrice returns the current best bid/ask with a mid price
func (c *Client) GetBestPrice(ctx context.Context, productID string) (*Ticker, error) {
	params := url.Values{}
	params.Set("product_ids", productID)

	var resp bestBidAskResponse
	if err := c.do(ctx, TierPrivate, http.MethodGet, "/api/v3/brokerage/best_bid_ask", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch best bid/ask: %w", err)
	}
	if len(resp.PriceBooks) == 0 {
		return nil, fmt.Errorf("no price book for %s", productID)
	}

	book := resp.PriceBooks[0]
	ticker := &Ticker{ProductID: productID, Time: book.Time}
	if len(book.Bids) > 0 {
		ticker.BestBid = parseFloat(book.Bids[0].Price)
	}
	if len(book.Asks) > 0 {
		ticker.BestAsk = parseFloat(book.Asks[0].Price)
	}
	if ticker.BestBid > 0 && ticker.BestAsk > 0 {
		ticker.Price = (ticker.BestBid + ticker.BestAsk) / 2
	}
	if ticker.Price <= 0 {
		return nil, fmt.Errorf("empty price book for %s", productID)
	}
	return ticker, nil
}

type productResponse struct {
	ProductID              string `json:"product_id"`
	Price                  string `json:"price"`
	Volume24h              string `json:"volume_24h"`
	PricePercentChange24h  string `json:"price_percentage_change_24h"`
	VolumePercentChange24h string `json:"volume_percentage_change_24h"`
}

// GetMarketSnapshot builds the market health view from the product stats,
// the price book and the last six hours of five-minute candles.
func (c *Client) GetMarketSnapshot(ctx context.Context, productID string) (*MarketSnapshot, error) {
	var product productResponse
	path := fmt.Sprintf("/api/v3/brokerage/products/%s", productID)
	if err := c.do(ctx, TierPublic, http.MethodGet, path, nil, nil, &product); err != nil {
		return nil, fmt.Errorf("fetch product stats: %w", err)
	}

	ticker, err := c.GetBestPrice(ctx, productID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	candles, err := c.GetCandles(ctx, productID, GranularityFiveMinute, now.Add(-6*time.Hour), now)
	if err != nil {
		return nil, err
	}

	snapshot := &MarketSnapshot{
		ProductID:      productID,
		Price:          ticker.Price,
		BestBid:        ticker.BestBid,
		BestAsk:        ticker.BestAsk,
		Volume24h:      parseFloat(product.Volume24h),
		PriceChange24h: parseFloat(product.PricePercentChange24h),
		CapturedAt:     now,
	}
	if ticker.Price > 0 {
		snapshot.SpreadPercent = (ticker.BestAsk - ticker.BestBid) / ticker.Price * 100
	}
	snapshot.HourlyVolatility, snapshot.VolumeRatio = hourlyStats(candles, now)
	return snapshot, nil
}

// hourlyStats derives the last hour's high-low range percent and the ratio
// of the last hour's volume to the trailing average hourly volume.
func hourlyStats(candles []CandleData, now time.Time) (volatility, volumeRatio float64) {
	hourAgo := now.Add(-time.Hour)

	var hi, lo, lastHourVolume, earlierVolume float64
	earlierHours := 0.0
	var earliest time.Time

	for _, candle := range candles {
		if candle.Start.Before(hourAgo) {
			earlierVolume += candle.Volume
			if earliest.IsZero() || candle.Start.Before(earliest) {
				earliest = candle.Start
			}
			continue
		}
		if hi == 0 || candle.High > hi {
			hi = candle.High
		}
		if lo == 0 || candle.Low < lo {
			lo = candle.Low
		}
		lastHourVolume += candle.Volume
	}

	if hi > 0 && lo > 0 {
		volatility = (hi - lo) / lo * 100
	}
	if !earliest.IsZero() {
		earlierHours = hourAgo.Sub(earliest).Hours()
	}
	if earlierHours > 0 && earlierVolume > 0 {
		volumeRatio = lastHourVolume / (earlierVolume / earlierHours)
	} else {
		volumeRatio = 1.0
	}
	return volatility, volumeRatio
}

// ==================== ACCOUNTS ====================

type accountsResponse struct {
	Accounts []struct {
		UUID             string `json:"uuid"`
		Currency         string `json:"currency"`
		AvailableBalance struct {
			Value string `json:"value"`
		} `json:"available_balance"`
		Hold struct {
			Value string `json:"value"`
		} `json:"hold"`
	} `json:"accounts"`
}

// ListAccounts returns account balances
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp accountsResponse
	if err := c.do(ctx, TierPrivate, http.MethodGet, "/api/v3/brokerage/accounts", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	accounts := make([]Account, 0, len(resp.Accounts))
	for _, raw := range resp.Accounts {
		accounts = append(accounts, Account{
			UUID:      raw.UUID,
			Currency:  raw.Currency,
			Available: parseFloat(raw.AvailableBalance.Value),
			Hold:      parseFloat(raw.Hold.Value),
		})
	}
	return accounts, nil
}

// ==================== ORDERS ====================

type orderConfiguration struct {
	MarketIOC *struct {
		BaseSize string `json:"base_size"`
	} `json:"market_market_ioc,omitempty"`
	LimitGTC *struct {
		BaseSize   string `json:"base_size"`
		LimitPrice string `json:"limit_price"`
	} `json:"limit_limit_gtc,omitempty"`
	StopLimitGTC *struct {
		BaseSize      string `json:"base_size"`
		LimitPrice    string `json:"limit_price"`
		StopPrice     string `json:"stop_price"`
		StopDirection string `json:"stop_direction"`
	} `json:"stop_limit_stop_limit_gtc,omitempty"`
}

type placeOrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          OrderSide          `json:"side"`
	Configuration orderConfiguration `json:"order_configuration"`
}

type placeOrderResponse struct {
	Success bool `json:"success"`
	Result  struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	Error struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error_response"`
}

// PlaceOrder submits an order. The order tier limiter applies.
func (c *Client) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	body := placeOrderRequest{
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.ProductID,
		Side:          req.Side,
	}

	size := formatSize(req.BaseSize)
	switch req.Type {
	case OrderTypeMarket:
		body.Configuration.MarketIOC = &struct {
			BaseSize string `json:"base_size"`
		}{BaseSize: size}
	case OrderTypeLimit:
		body.Configuration.LimitGTC = &struct {
			BaseSize   string `json:"base_size"`
			LimitPrice string `json:"limit_price"`
		}{BaseSize: size, LimitPrice: formatPrice(req.LimitPrice)}
	case OrderTypeStopLimit:
		direction := "STOP_DIRECTION_STOP_DOWN"
		if req.Side == SideBuy {
			direction = "STOP_DIRECTION_STOP_UP"
		}
		body.Configuration.StopLimitGTC = &struct {
			BaseSize      string `json:"base_size"`
			LimitPrice    string `json:"limit_price"`
			StopPrice     string `json:"stop_price"`
			StopDirection string `json:"stop_direction"`
		}{
			BaseSize:      size,
			LimitPrice:    formatPrice(req.LimitPrice),
			StopPrice:     formatPrice(req.StopPrice),
			StopDirection: direction,
		}
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}

	var resp placeOrderResponse
	if err := c.do(ctx, TierOrder, http.MethodPost, "/api/v3/brokerage/orders", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("order rejected: %s: %s", resp.Error.Error, resp.Error.Message)
	}

	c.log.Info("order placed",
		"order_id", resp.Result.OrderID,
		"side", string(req.Side),
		"type", string(req.Type),
		"size", req.BaseSize)

	return &Order{
		OrderID:       resp.Result.OrderID,
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.ProductID,
		Side:          req.Side,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

type getOrderResponse struct {
	Order struct {
		OrderID            string    `json:"order_id"`
		ClientOrderID      string    `json:"client_order_id"`
		ProductID          string    `json:"product_id"`
		Side               OrderSide `json:"side"`
		Status             string    `json:"status"`
		FilledSize         string    `json:"filled_size"`
		AverageFilledPrice string    `json:"average_filled_price"`
		CreatedTime        time.Time `json:"created_time"`
	} `json:"order"`
}

// GetOrder returns the current state of an order
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	path := fmt.Sprintf("/api/v3/brokerage/orders/historical/%s", orderID)
	var resp getOrderResponse
	if err := c.do(ctx, TierPrivate, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	raw := resp.Order
	return &Order{
		OrderID:        raw.OrderID,
		ClientOrderID:  raw.ClientOrderID,
		ProductID:      raw.ProductID,
		Side:           raw.Side,
		Status:         mapOrderStatus(raw.Status),
		FilledSize:     parseFloat(raw.FilledSize),
		AvgFilledPrice: parseFloat(raw.AverageFilledPrice),
		CreatedAt:      raw.CreatedTime,
	}, nil
}

type cancelOrdersResponse struct {
	Results []struct {
		Success       bool   `json:"success"`
		FailureReason string `json:"failure_reason"`
		OrderID       string `json:"order_id"`
	} `json:"results"`
}

// CancelOrders cancels a batch of orders, returning a per-order error map
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (map[string]error, error) {
	body := map[string][]string{"order_ids": orderIDs}

	var resp cancelOrdersResponse
	if err := c.do(ctx, TierOrder, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}

	results := make(map[string]error, len(orderIDs))
	for _, result := range resp.Results {
		if result.Success {
			results[result.OrderID] = nil
		} else {
			results[result.OrderID] = fmt.Errorf("cancel failed: %s", result.FailureReason)
		}
	}
	return results, nil
}

// ==================== TRANSPORT ====================

func (c *Client) do(ctx context.Context, tier RequestTier, method, path string, params url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx, tier); err != nil {
		return err
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.minter.MintREST(method, hostOf(c.baseURL), path)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429): %s", string(respBody))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func mapOrderStatus(status string) OrderStatus {
	switch status {
	case "PENDING", "QUEUED":
		return StatusPending
	case "OPEN":
		return StatusOpen
	case "FILLED":
		return StatusFilled
	case "CANCELLED", "CANCEL_QUEUED":
		return StatusCancelled
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusFailed
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func formatSize(s float64) string {
	return strconv.FormatFloat(s, 'f', 8, 64)
}

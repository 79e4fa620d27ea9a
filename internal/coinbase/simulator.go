package coinbase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"confluence-trading-bot/internal/logging"
)

// Simulator is a paper-trading ExchangeClient. Market orders fill instantly
// at the current price; stop-limit and limit orders fill when SetPrice
// crosses them. Market data is delegated to a real read-only client when
// one is provided.
type Simulator struct {
	mu sync.Mutex

	productID string
	price     float64
	balances  map[string]float64
	orders    map[string]*simOrder

	marketData ExchangeClient // optional live data source

	log *logging.Logger
}

type simOrder struct {
	order      Order
	orderType  OrderType
	baseSize   float64
	limitPrice float64
	stopPrice  float64
}

// NewSimulator creates a paper client seeded with quote-currency balance
func NewSimulator(productID string, quoteBalance float64, marketData ExchangeClient) *Simulator {
	quote := quoteCurrency(productID)
	base := baseCurrency(productID)
	return &Simulator{
		productID:  productID,
		balances:   map[string]float64{quote: quoteBalance, base: 0},
		orders:     make(map[string]*simOrder),
		marketData: marketData,
		log:        logging.WithComponent("simulator"),
	}
}

// SetPrice updates the simulated price and fills any triggered orders
func (s *Simulator) SetPrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.price = price
	for _, so := range s.orders {
		if so.order.Status != StatusOpen && so.order.Status != StatusPending {
			continue
		}
		if s.shouldFill(so, price) {
			s.fill(so, price)
		}
	}
}

func (s *Simulator) shouldFill(so *simOrder, price float64) bool {
	switch so.orderType {
	case OrderTypeLimit:
		if so.order.Side == SideSell {
			return price >= so.limitPrice
		}
		return price <= so.limitPrice
	case OrderTypeStopLimit:
		if so.order.Side == SideSell {
			return price <= so.stopPrice
		}
		return price >= so.stopPrice
	}
	return false
}

func (s *Simulator) fill(so *simOrder, price float64) {
	so.order.Status = StatusFilled
	so.order.FilledSize = so.baseSize
	so.order.AvgFilledPrice = price
	s.settle(so.order.Side, so.baseSize, price)
	s.log.Info("paper order filled",
		"order_id", so.order.OrderID, "side", string(so.order.Side), "price", price)
}

func (s *Simulator) settle(side OrderSide, size, price float64) {
	base := baseCurrency(s.productID)
	quote := quoteCurrency(s.productID)
	if side == SideBuy {
		s.balances[quote] -= size * price
		s.balances[base] += size
	} else {
		s.balances[base] -= size
		s.balances[quote] += size * price
	}
}

// ==================== ExchangeClient ====================

func (s *Simulator) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) ([]CandleData, error) {
	if s.marketData != nil {
		return s.marketData.GetCandles(ctx, productID, granularity, start, end)
	}
	return nil, fmt.Errorf("simulator has no market data source")
}

func (s *Simulator) GetBestPrice(ctx context.Context, productID string) (*Ticker, error) {
	if s.marketData != nil {
		return s.marketData.GetBestPrice(ctx, productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.price <= 0 {
		return nil, fmt.Errorf("simulator price not set")
	}
	spread := s.price * 0.0001
	return &Ticker{
		ProductID: productID,
		Price:     s.price,
		BestBid:   s.price - spread/2,
		BestAsk:   s.price + spread/2,
		Time:      time.Now().UTC(),
	}, nil
}

func (s *Simulator) GetMarketSnapshot(ctx context.Context, productID string) (*MarketSnapshot, error) {
	if s.marketData != nil {
		return s.marketData.GetMarketSnapshot(ctx, productID)
	}

	ticker, err := s.GetBestPrice(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &MarketSnapshot{
		ProductID:     productID,
		Price:         ticker.Price,
		BestBid:       ticker.BestBid,
		BestAsk:       ticker.BestAsk,
		SpreadPercent: (ticker.BestAsk - ticker.BestBid) / ticker.Price * 100,
		VolumeRatio:   1.0,
		CapturedAt:    time.Now().UTC(),
	}, nil
}

func (s *Simulator) ListAccounts(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]Account, 0, len(s.balances))
	for currency, balance := range s.balances {
		accounts = append(accounts, Account{
			UUID:      "sim-" + strings.ToLower(currency),
			Currency:  currency,
			Available: balance,
		})
	}
	return accounts, nil
}

func (s *Simulator) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.price <= 0 {
		return nil, fmt.Errorf("simulator price not set")
	}
	if req.BaseSize <= 0 {
		return nil, fmt.Errorf("invalid base size %f", req.BaseSize)
	}

	// Reject buys the quote balance cannot cover
	if req.Side == SideBuy && req.Type == OrderTypeMarket {
		cost := req.BaseSize * s.price
		if s.balances[quoteCurrency(s.productID)] < cost {
			return nil, fmt.Errorf("insufficient funds: need %.2f", cost)
		}
	}

	so := &simOrder{
		order: Order{
			OrderID:       uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			ProductID:     req.ProductID,
			Side:          req.Side,
			Status:        StatusOpen,
			CreatedAt:     time.Now().UTC(),
		},
		orderType:  req.Type,
		baseSize:   req.BaseSize,
		limitPrice: req.LimitPrice,
		stopPrice:  req.StopPrice,
	}

	if req.Type == OrderTypeMarket {
		s.fill(so, s.price)
	}
	s.orders[so.order.OrderID] = so

	result := so.order
	return &result, nil
}

func (s *Simulator) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	result := so.order
	return &result, nil
}

func (s *Simulator) CancelOrders(ctx context.Context, orderIDs []string) (map[string]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make(map[string]error, len(orderIDs))
	for _, id := range orderIDs {
		so, ok := s.orders[id]
		if !ok {
			results[id] = fmt.Errorf("order %s not found", id)
			continue
		}
		if so.order.Status.Terminal() {
			results[id] = fmt.Errorf("order %s already %s", id, so.order.Status)
			continue
		}
		so.order.Status = StatusCancelled
		results[id] = nil
	}
	return results, nil
}

func baseCurrency(productID string) string {
	if i := strings.Index(productID, "-"); i > 0 {
		return productID[:i]
	}
	return productID
}

func quoteCurrency(productID string) string {
	if i := strings.Index(productID, "-"); i > 0 {
		return productID[i+1:]
	}
	return "USD"
}

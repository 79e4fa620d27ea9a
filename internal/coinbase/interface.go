package coinbase

import (
	"context"
	"time"
)

// ExchangeClient is the surface the trading pipeline uses. The REST client
// and the paper simulator both implement it.
type ExchangeClient interface {
	// GetCandles returns closed candles for [start, end) at the given
	// granularity, oldest first.
	GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) ([]CandleData, error)

	// GetBestPrice returns the current price with best bid and ask
	GetBestPrice(ctx context.Context, productID string) (*Ticker, error)

	// GetMarketSnapshot returns the aggregated market health view
	GetMarketSnapshot(ctx context.Context, productID string) (*MarketSnapshot, error)

	// ListAccounts returns the account balances
	ListAccounts(ctx context.Context) ([]Account, error)

	// PlaceOrder submits an order and returns the exchange's acknowledgement
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)

	// GetOrder returns the current state of an order
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// CancelOrders cancels the given orders, returning per-order results
	CancelOrders(ctx context.Context, orderIDs []string) (map[string]error, error)
}

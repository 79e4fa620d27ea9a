package coinbase

import "time"

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType identifies how an order executes
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus is the exchange-side lifecycle status of an order
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the order can no longer change
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// OrderRequest describes an order to place
type OrderRequest struct {
	ClientOrderID string
	ProductID     string
	Side          OrderSide
	Type          OrderType
	BaseSize      float64
	LimitPrice    float64 // limit and stop-limit orders
	StopPrice     float64 // stop-limit orders only
}

// Order is the exchange's view of an order
type Order struct {
	OrderID        string
	ClientOrderID  string
	ProductID      string
	Side           OrderSide
	Status         OrderStatus
	FilledSize     float64
	AvgFilledPrice float64
	CreatedAt      time.Time
}

// Account is one currency balance
type Account struct {
	UUID      string
	Currency  string
	Available float64
	Hold      float64
}

// Ticker is a single trade print from the market data stream
type Ticker struct {
	ProductID string
	Price     float64
	BestBid   float64
	BestAsk   float64
	Time      time.Time
}

// CandleData is one OHLCV bucket as returned by the exchange
type CandleData struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketSnapshot aggregates the market health inputs the safety checks need
type MarketSnapshot struct {
	ProductID        string
	Price            float64
	BestBid          float64
	BestAsk          float64
	SpreadPercent    float64
	Volume24h        float64
	PriceChange24h   float64 // percent
	HourlyVolatility float64 // percent, high-low range of the last hour
	VolumeRatio      float64 // last hour vs trailing average hourly volume
	CapturedAt       time.Time
}

// Granularity strings accepted by the candles endpoint
const (
	GranularityFiveMinute = "FIVE_MINUTE"
	GranularityFourHour   = "FOUR_HOUR"
)

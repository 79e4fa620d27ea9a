package monitor

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
)

func testMonitor(cfg Config) *Monitor {
	return NewMonitor(nil, nil, nil, cfg, zerolog.Nop())
}

func longTrade() *database.Trade {
	return &database.Trade{
		ID:         1,
		Direction:  database.DirectionLong,
		EntryPrice: 90000,
		SizeBase:   0.09275,
		StopPrice:  88921.8,
		TakeProfit: 92156.4,
	}
}

func shortTrade() *database.Trade {
	return &database.Trade{
		ID:         2,
		Direction:  database.DirectionShort,
		EntryPrice: 90000,
		SizeBase:   0.09275,
		StopPrice:  90900,
		TakeProfit: 88200,
	}
}

func TestProgressToTarget(t *testing.T) {
	m := testMonitor(Config{})
	trade := longTrade()

	tests := []struct {
		name  string
		price float64
		want  float64
	}{
		{"at entry", 90000, 0},
		{"adverse move clamps to zero", 89000, 0},
		{"halfway", 91078.2, 0.5},
		{"at target", 92156.4, 1},
		{"beyond target clamps to one", 93000, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.progressToTarget(trade, tt.price); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("progress(%f) = %f, want %f", tt.price, got, tt.want)
			}
		})
	}
}

func TestProgressToTargetShort(t *testing.T) {
	m := testMonitor(Config{})
	trade := shortTrade()

	// Halfway down to the target
	if got := m.progressToTarget(trade, 89100); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("short progress = %f, want 0.5", got)
	}
	// Price above entry is adverse for a short
	if got := m.progressToTarget(trade, 90500); got != 0 {
		t.Errorf("adverse short progress = %f, want 0", got)
	}
}

func TestComputeTrailingStopStrategies(t *testing.T) {
	trade := longTrade()
	price := 91800.0

	breakeven := testMonitor(Config{Strategy: TrailingBreakeven})
	if got := breakeven.computeTrailingStop(trade, price); got != 90000 {
		t.Errorf("breakeven stop = %f, want entry 90000", got)
	}

	buffer := testMonitor(Config{Strategy: TrailingBuffer, BufferFraction: 0.002})
	if got := buffer.computeTrailingStop(trade, price); math.Abs(got-90180) > 1e-6 {
		t.Errorf("buffer stop = %f, want 90180", got)
	}

	dynamic := testMonitor(Config{Strategy: TrailingDynamic, LockFraction: 0.5})
	if got := dynamic.computeTrailingStop(trade, price); math.Abs(got-90900) > 1e-6 {
		t.Errorf("dynamic stop = %f, want 90900", got)
	}
}

func TestComputeTrailingStopShortBuffer(t *testing.T) {
	buffer := testMonitor(Config{Strategy: TrailingBuffer, BufferFraction: 0.002})
	if got := buffer.computeTrailingStop(shortTrade(), 88500); math.Abs(got-89820) > 1e-6 {
		t.Errorf("short buffer stop = %f, want 89820", got)
	}
}

func TestValidTrailingStop(t *testing.T) {
	m := testMonitor(Config{EntryBandPercent: 0.005})
	trade := longTrade()
	price := 91800.0

	tests := []struct {
		name string
		stop float64
		want bool
	}{
		{"breakeven promotion", 90000, true},
		{"no improvement over current stop", 88900, false},
		{"equal to current stop", 88921.8, false},
		{"above current price", 91900, false},
		{"outside entry band", 90600, false}, // 0.67% above entry
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.validTrailingStop(trade, tt.stop, price); got != tt.want {
				t.Errorf("validTrailingStop(%f) = %v, want %v", tt.stop, got, tt.want)
			}
		})
	}
}

func TestValidTrailingStopShort(t *testing.T) {
	m := testMonitor(Config{EntryBandPercent: 0.005})
	trade := shortTrade()
	price := 88500.0

	// For a short the promoted stop must come down, stay above price and
	// near entry
	if !m.validTrailingStop(trade, 90000, price) {
		t.Error("breakeven promotion should be valid for a short")
	}
	if m.validTrailingStop(trade, 91000, price) {
		t.Error("raising a short stop is not an improvement")
	}
	if m.validTrailingStop(trade, 88400, price) {
		t.Error("stop below price would trigger immediately")
	}
}

func TestRealizedPnL(t *testing.T) {
	long := longTrade()
	pnl, percent := realizedPnL(long, 92156.4)
	if math.Abs(pnl-0.09275*2156.4) > 1e-6 {
		t.Errorf("long pnl = %f, want %f", pnl, 0.09275*2156.4)
	}
	if math.Abs(percent-2156.4/90000*100) > 1e-6 {
		t.Errorf("long pnl percent = %f", percent)
	}

	short := shortTrade()
	pnl, _ = realizedPnL(short, 88200)
	if math.Abs(pnl-0.09275*1800) > 1e-6 {
		t.Errorf("short pnl = %f, want %f", pnl, 0.09275*1800)
	}

	// Loss on a long closed at the stop
	pnl, _ = realizedPnL(long, 88921.8)
	if pnl >= 0 {
		t.Errorf("stopped long pnl = %f, want negative", pnl)
	}
}

// mockExchange serves scripted orders and records cancels and placements
type mockExchange struct {
	price       float64
	orders      map[string]*coinbase.Order
	nextOrderID string
	placeErr    error
	placed      []*coinbase.OrderRequest
	cancelCalls [][]string
}

func (m *mockExchange) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) ([]coinbase.CandleData, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockExchange) GetBestPrice(ctx context.Context, productID string) (*coinbase.Ticker, error) {
	return &coinbase.Ticker{ProductID: productID, Price: m.price}, nil
}

func (m *mockExchange) GetMarketSnapshot(ctx context.Context, productID string) (*coinbase.MarketSnapshot, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockExchange) ListAccounts(ctx context.Context) ([]coinbase.Account, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req *coinbase.OrderRequest) (*coinbase.Order, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.placed = append(m.placed, req)
	return &coinbase.Order{OrderID: m.nextOrderID, Status: coinbase.StatusOpen}, nil
}

func (m *mockExchange) GetOrder(ctx context.Context, orderID string) (*coinbase.Order, error) {
	if order, ok := m.orders[orderID]; ok {
		return order, nil
	}
	return &coinbase.Order{OrderID: orderID, Status: coinbase.StatusOpen}, nil
}

func (m *mockExchange) CancelOrders(ctx context.Context, orderIDs []string) (map[string]error, error) {
	m.cancelCalls = append(m.cancelCalls, orderIDs)
	results := make(map[string]error, len(orderIDs))
	for _, id := range orderIDs {
		results[id] = nil
	}
	return results, nil
}

type closeCall struct {
	id      int64
	outcome database.Outcome
	exit    float64
}

type trailingCall struct {
	id      int64
	stop    float64
	orderID string
}

// fakeTradeStore records every mutation the monitor makes
type fakeTradeStore struct {
	open     []*database.Trade
	closes   []closeCall
	trailing []trailingCall
	flags    map[string]bool
}

func newFakeTradeStore(open ...*database.Trade) *fakeTradeStore {
	return &fakeTradeStore{open: open, flags: make(map[string]bool)}
}

func (f *fakeTradeStore) OpenTrades(ctx context.Context) ([]*database.Trade, error) {
	return f.open, nil
}

func (f *fakeTradeStore) CloseTrade(ctx context.Context, id int64, outcome database.Outcome, exitPrice float64, exitAt time.Time, pnlQuote, pnlPercent float64) (bool, error) {
	for _, c := range f.closes {
		if c.id == id {
			return false, nil
		}
	}
	f.closes = append(f.closes, closeCall{id: id, outcome: outcome, exit: exitPrice})
	return true, nil
}

func (f *fakeTradeStore) UpdateUnrealized(ctx context.Context, id int64, pnl, percent float64) error {
	return nil
}

func (f *fakeTradeStore) ActivateTrailing(ctx context.Context, id int64, newStop float64, newStopOrderID string) error {
	f.trailing = append(f.trailing, trailingCall{id: id, stop: newStop, orderID: newStopOrderID})
	return nil
}

func (f *fakeTradeStore) UpdateStopOrder(ctx context.Context, id int64, stopOrderID string) error {
	return nil
}

func (f *fakeTradeStore) SetFlag(ctx context.Context, key string, value bool) error {
	f.flags[key] = value
	return nil
}

func openLongTrade() *database.Trade {
	trade := longTrade()
	trade.EntryAt = time.Now().UTC().Add(-time.Hour)
	trade.EntryOrderID = "entry-1"
	trade.StopOrderID = "stop-1"
	trade.TPOrderID = "tp-1"
	trade.Status = database.TradeOpen
	return trade
}

func TestCheckTradeClosesLossOnStopFill(t *testing.T) {
	trade := openLongTrade()
	client := &mockExchange{
		price: 89000,
		orders: map[string]*coinbase.Order{
			"stop-1": {OrderID: "stop-1", Status: coinbase.StatusFilled, AvgFilledPrice: 88921.8, FilledSize: trade.SizeBase},
		},
	}
	store := newFakeTradeStore(trade)
	m := NewMonitor(client, store, events.NewEventBus(), Config{ProductID: "BTC-USD"}, zerolog.Nop())

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("check all: %v", err)
	}

	if len(store.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(store.closes))
	}
	got := store.closes[0]
	if got.outcome != database.OutcomeLoss || got.exit != 88921.8 {
		t.Errorf("closed %s @ %f, want LOSS @ 88921.8", got.outcome, got.exit)
	}

	if len(client.cancelCalls) != 1 || len(client.cancelCalls[0]) != 1 || client.cancelCalls[0][0] != "tp-1" {
		t.Errorf("cancel calls = %v, want the sibling take-profit only", client.cancelCalls)
	}
}

func TestCloseTradeSkipsCancelWithoutSibling(t *testing.T) {
	trade := openLongTrade()
	client := &mockExchange{}
	store := newFakeTradeStore(trade)

	bus := events.NewEventBus()
	closed := make(chan events.Event, 1)
	bus.Subscribe(events.EventTradeClosed, func(e events.Event) { closed <- e })

	m := NewMonitor(client, store, bus, Config{ProductID: "BTC-USD"}, zerolog.Nop())

	// Forced exits cancel both risk orders before the market close, so
	// the close itself carries no sibling
	if err := m.closeTrade(context.Background(), trade, database.OutcomeBreakeven, 90000, ""); err != nil {
		t.Fatalf("close trade: %v", err)
	}

	if len(client.cancelCalls) != 0 {
		t.Errorf("cancel calls = %v, want none for an empty sibling", client.cancelCalls)
	}
	select {
	case e := <-closed:
		if e.Data["trade_id"].(int64) != trade.ID {
			t.Errorf("trade_id = %v, want %d", e.Data["trade_id"], trade.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("trade close never published")
	}
}

func TestPromoteStopCancelsThenReplaces(t *testing.T) {
	trade := openLongTrade()
	client := &mockExchange{nextOrderID: "stop-2"}
	store := newFakeTradeStore(trade)
	cfg := Config{
		ProductID:        "BTC-USD",
		TrailingEnabled:  true,
		Strategy:         TrailingBreakeven,
		EntryBandPercent: 0.005,
	}
	m := NewMonitor(client, store, events.NewEventBus(), cfg, zerolog.Nop())

	m.promoteStop(context.Background(), trade, 91800)

	if len(client.cancelCalls) != 1 || client.cancelCalls[0][0] != "stop-1" {
		t.Fatalf("cancel calls = %v, want the original stop", client.cancelCalls)
	}
	if len(store.trailing) != 1 {
		t.Fatalf("trailing activations = %d, want 1", len(store.trailing))
	}
	got := store.trailing[0]
	if got.stop != 90000 || got.orderID != "stop-2" {
		t.Errorf("promoted to %f via %s, want breakeven 90000 via stop-2", got.stop, got.orderID)
	}
}

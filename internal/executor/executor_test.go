package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"confluence-trading-bot/internal/ai"
	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// stubClient serves a fixed price and rejects everything else
type stubClient struct {
	price    float64
	priceErr error
}

func (s *stubClient) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) ([]coinbase.CandleData, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubClient) GetBestPrice(ctx context.Context, productID string) (*coinbase.Ticker, error) {
	if s.priceErr != nil {
		return nil, s.priceErr
	}
	return &coinbase.Ticker{ProductID: productID, Price: s.price}, nil
}

func (s *stubClient) GetMarketSnapshot(ctx context.Context, productID string) (*coinbase.MarketSnapshot, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubClient) ListAccounts(ctx context.Context) ([]coinbase.Account, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubClient) PlaceOrder(ctx context.Context, req *coinbase.OrderRequest) (*coinbase.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubClient) GetOrder(ctx context.Context, orderID string) (*coinbase.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubClient) CancelOrders(ctx context.Context, orderIDs []string) (map[string]error, error) {
	return nil, fmt.Errorf("not implemented")
}

func testExecutor(price float64) *Executor {
	return &Executor{
		client:    &stubClient{price: price},
		productID: "BTC-USD",
		entryBand: DefaultEntryBand,
		log:       logging.WithComponent("executor"),
	}
}

func longDecision() *ai.Decision {
	return &ai.Decision{
		Approve:    true,
		Direction:  database.DirectionLong,
		Entry:      90000,
		Stop:       88921.8,
		TakeProfit: 92156.4,
		SizeBase:   0.09275,
		RR:         2.0,
	}
}

func TestRevalidateAccepts(t *testing.T) {
	e := testExecutor(90050) // within the 0.2% band

	if err := e.revalidate(context.Background(), longDecision()); err != nil {
		t.Errorf("revalidate: %v", err)
	}
}

func TestRevalidateRejectsMovedPrice(t *testing.T) {
	e := testExecutor(90300) // 0.33% away

	err := e.revalidate(context.Background(), longDecision())
	if err == nil {
		t.Fatal("expected rejection for moved price")
	}
	if errs.KindOf(err) != errs.KindBusiness {
		t.Errorf("kind = %s, want BUSINESS", errs.KindOf(err))
	}
}

func TestRevalidateRejectsBadSize(t *testing.T) {
	e := testExecutor(90000)
	d := longDecision()
	d.SizeBase = 0

	err := e.revalidate(context.Background(), d)
	if err == nil {
		t.Fatal("expected rejection for zero size")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", errs.KindOf(err))
	}
}

func TestRevalidateRejectsWrongSideOrders(t *testing.T) {
	e := testExecutor(90000)

	longBadStop := longDecision()
	longBadStop.Stop = 90500
	if err := e.revalidate(context.Background(), longBadStop); err == nil {
		t.Error("expected rejection for stop above a LONG entry")
	}

	shortBadTP := &ai.Decision{
		Direction:  database.DirectionShort,
		Entry:      90000,
		Stop:       90900,
		TakeProfit: 91000, // must be below entry for SHORT
		SizeBase:   0.09,
	}
	if err := e.revalidate(context.Background(), shortBadTP); err == nil {
		t.Error("expected rejection for take profit above a SHORT entry")
	}
}

func TestRevalidateClassifiesPriceFetchFailure(t *testing.T) {
	e := &Executor{
		client:    &stubClient{priceErr: fmt.Errorf("request timeout")},
		productID: "BTC-USD",
		entryBand: DefaultEntryBand,
		log:       logging.WithComponent("executor"),
	}

	err := e.revalidate(context.Background(), longDecision())
	if err == nil {
		t.Fatal("expected error when the price fetch fails")
	}
	if errs.KindOf(err) != errs.KindTransient {
		t.Errorf("kind = %s, want TRANSIENT", errs.KindOf(err))
	}
}

// scriptClient scripts the order flow: entries fill instantly, stop and
// take-profit placement can be made to fail, cancels are recorded
type scriptClient struct {
	stubClient
	stopErr   error
	tpErr     error
	cancelled []string
}

func (s *scriptClient) PlaceOrder(ctx context.Context, req *coinbase.OrderRequest) (*coinbase.Order, error) {
	switch req.Type {
	case coinbase.OrderTypeMarket:
		return &coinbase.Order{OrderID: "entry-1", Status: coinbase.StatusOpen}, nil
	case coinbase.OrderTypeStopLimit:
		if s.stopErr != nil {
			return nil, s.stopErr
		}
		return &coinbase.Order{OrderID: "stop-1", Status: coinbase.StatusOpen}, nil
	default:
		if s.tpErr != nil {
			return nil, s.tpErr
		}
		return &coinbase.Order{OrderID: "tp-1", Status: coinbase.StatusOpen}, nil
	}
}

func (s *scriptClient) GetOrder(ctx context.Context, orderID string) (*coinbase.Order, error) {
	return &coinbase.Order{
		OrderID:        orderID,
		Status:         coinbase.StatusFilled,
		AvgFilledPrice: s.price,
		FilledSize:     0.037,
	}, nil
}

func (s *scriptClient) CancelOrders(ctx context.Context, orderIDs []string) (map[string]error, error) {
	s.cancelled = append(s.cancelled, orderIDs...)
	results := make(map[string]error, len(orderIDs))
	for _, id := range orderIDs {
		results[id] = nil
	}
	return results, nil
}

// fakeTradeStore records persisted trades and raised flags
type fakeTradeStore struct {
	trades []*database.Trade
	flags  map[string]bool
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{flags: make(map[string]bool)}
}

func (f *fakeTradeStore) CreateTrade(ctx context.Context, trade *database.Trade) error {
	trade.ID = int64(len(f.trades) + 1)
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeTradeStore) SetFlag(ctx context.Context, key string, value bool) error {
	f.flags[key] = value
	return nil
}

func TestExecuteRollsBackOnTakeProfitFailure(t *testing.T) {
	client := &scriptClient{
		stubClient: stubClient{price: 90000},
		tpErr:      fmt.Errorf("insufficient funds"),
	}
	store := newFakeTradeStore()
	e := NewExecutor(client, store, events.NewEventBus(), "BTC-USD", 0)

	d := longDecision()
	d.SizeBase = 0.037

	_, err := e.Execute(context.Background(), d, 100)
	if err == nil {
		t.Fatal("expected failure when the take-profit leg cannot be placed")
	}
	if errs.KindOf(err) != errs.KindFatal {
		t.Errorf("kind = %s, want FATAL", errs.KindOf(err))
	}

	if len(store.trades) != 0 {
		t.Error("no trade row should exist after a partial placement")
	}
	if !store.flags[FlagOperatorAttention] {
		t.Error("operator attention flag should be raised")
	}

	cancelledStop := false
	for _, id := range client.cancelled {
		if id == "stop-1" {
			cancelledStop = true
		}
	}
	if !cancelledStop {
		t.Error("orphaned stop order should be cancelled during rollback")
	}
}

func TestExecuteNoCancelWhenStopNeverPlaced(t *testing.T) {
	client := &scriptClient{
		stubClient: stubClient{price: 90000},
		stopErr:    fmt.Errorf("exchange rejected order"),
	}
	store := newFakeTradeStore()
	e := NewExecutor(client, store, events.NewEventBus(), "BTC-USD", 0)

	_, err := e.Execute(context.Background(), longDecision(), 100)
	if err == nil {
		t.Fatal("expected failure when the stop leg cannot be placed")
	}
	if len(client.cancelled) != 0 {
		t.Errorf("nothing to cancel, yet cancelled %v", client.cancelled)
	}
	if !store.flags[FlagOperatorAttention] {
		t.Error("unprotected position must flag the operator")
	}
}

func TestExecutePersistsTradeOnFullPlacement(t *testing.T) {
	client := &scriptClient{stubClient: stubClient{price: 90000}}
	store := newFakeTradeStore()
	e := NewExecutor(client, store, events.NewEventBus(), "BTC-USD", 0)

	d := longDecision()
	trade, err := e.Execute(context.Background(), d, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if trade.EntryOrderID != "entry-1" || trade.StopOrderID != "stop-1" || trade.TPOrderID != "tp-1" {
		t.Errorf("order ids = %s/%s/%s", trade.EntryOrderID, trade.StopOrderID, trade.TPOrderID)
	}
	if trade.ConfluenceStateID != 100 {
		t.Errorf("state id = %d, want 100", trade.ConfluenceStateID)
	}
	if len(store.trades) != 1 {
		t.Fatalf("trade rows = %d, want 1", len(store.trades))
	}
	if trade.EntryPrice != 90000 || trade.SizeBase != 0.037 {
		t.Errorf("fill = %f @ %f, want 0.037 @ 90000", trade.SizeBase, trade.EntryPrice)
	}
}

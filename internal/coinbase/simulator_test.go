package coinbase

import (
	"context"
	"testing"
)

func newTestSimulator(t *testing.T, price float64) *Simulator {
	t.Helper()
	sim := NewSimulator("BTC-USD", 10000, nil)
	sim.SetPrice(price)
	return sim
}

func TestSimulatorMarketOrderFillsInstantly(t *testing.T) {
	sim := newTestSimulator(t, 90000)

	order, err := sim.PlaceOrder(context.Background(), &OrderRequest{
		ClientOrderID: "c1",
		ProductID:     "BTC-USD",
		Side:          SideBuy,
		Type:          OrderTypeMarket,
		BaseSize:      0.05,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
	if order.AvgFilledPrice != 90000 || order.FilledSize != 0.05 {
		t.Errorf("fill = %f @ %f, want 0.05 @ 90000", order.FilledSize, order.AvgFilledPrice)
	}

	accounts, err := sim.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	for _, acct := range accounts {
		switch acct.Currency {
		case "USD":
			if want := 10000 - 0.05*90000; acct.Available != want {
				t.Errorf("USD balance = %f, want %f", acct.Available, want)
			}
		case "BTC":
			if acct.Available != 0.05 {
				t.Errorf("BTC balance = %f, want 0.05", acct.Available)
			}
		}
	}
}

func TestSimulatorRejectsUnfundedBuy(t *testing.T) {
	sim := newTestSimulator(t, 90000)

	_, err := sim.PlaceOrder(context.Background(), &OrderRequest{
		ClientOrderID: "c1",
		ProductID:     "BTC-USD",
		Side:          SideBuy,
		Type:          OrderTypeMarket,
		BaseSize:      1, // 90k cost vs 10k balance
	})
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
}

func TestSimulatorStopLimitFillsOnBreach(t *testing.T) {
	sim := newTestSimulator(t, 90000)

	stop, err := sim.PlaceOrder(context.Background(), &OrderRequest{
		ClientOrderID: "c1",
		ProductID:     "BTC-USD",
		Side:          SideSell,
		Type:          OrderTypeStopLimit,
		BaseSize:      0.05,
		StopPrice:     88900,
		LimitPrice:    88722.2,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// Price above the stop leaves the order open
	sim.SetPrice(89500)
	got, _ := sim.GetOrder(context.Background(), stop.OrderID)
	if got.Status != StatusOpen {
		t.Fatalf("status after benign tick = %s, want OPEN", got.Status)
	}

	// Breach triggers the fill
	sim.SetPrice(88850)
	got, _ = sim.GetOrder(context.Background(), stop.OrderID)
	if got.Status != StatusFilled {
		t.Fatalf("status after breach = %s, want FILLED", got.Status)
	}
	if got.AvgFilledPrice != 88850 {
		t.Errorf("fill price = %f, want 88850", got.AvgFilledPrice)
	}
}

func TestSimulatorLimitSellFillsAtTarget(t *testing.T) {
	sim := newTestSimulator(t, 90000)

	tp, err := sim.PlaceOrder(context.Background(), &OrderRequest{
		ClientOrderID: "c1",
		ProductID:     "BTC-USD",
		Side:          SideSell,
		Type:          OrderTypeLimit,
		BaseSize:      0.05,
		LimitPrice:    92156.4,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	sim.SetPrice(92000)
	got, _ := sim.GetOrder(context.Background(), tp.OrderID)
	if got.Status != StatusOpen {
		t.Fatalf("status below target = %s, want OPEN", got.Status)
	}

	sim.SetPrice(92200)
	got, _ = sim.GetOrder(context.Background(), tp.OrderID)
	if got.Status != StatusFilled {
		t.Fatalf("status above target = %s, want FILLED", got.Status)
	}
}

func TestSimulatorCancelOrders(t *testing.T) {
	sim := newTestSimulator(t, 90000)

	open, err := sim.PlaceOrder(context.Background(), &OrderRequest{
		ClientOrderID: "c1",
		ProductID:     "BTC-USD",
		Side:          SideSell,
		Type:          OrderTypeLimit,
		BaseSize:      0.05,
		LimitPrice:    95000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	results, err := sim.CancelOrders(context.Background(), []string{open.OrderID, "missing"})
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if results[open.OrderID] != nil {
		t.Errorf("cancel open order failed: %v", results[open.OrderID])
	}
	if results["missing"] == nil {
		t.Error("expected error for unknown order id")
	}

	// Cancelling a terminal order is rejected
	results, _ = sim.CancelOrders(context.Background(), []string{open.OrderID})
	if results[open.OrderID] == nil {
		t.Error("expected error cancelling an already cancelled order")
	}
}

func TestSimulatorBestPriceWithoutMarketData(t *testing.T) {
	sim := NewSimulator("BTC-USD", 10000, nil)

	if _, err := sim.GetBestPrice(context.Background(), "BTC-USD"); err == nil {
		t.Error("expected error before any price is set")
	}

	sim.SetPrice(90000)
	ticker, err := sim.GetBestPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("GetBestPrice: %v", err)
	}
	if ticker.Price != 90000 {
		t.Errorf("price = %f, want 90000", ticker.Price)
	}
	if !(ticker.BestBid < ticker.Price && ticker.Price < ticker.BestAsk) {
		t.Errorf("bid %f / ask %f should straddle price", ticker.BestBid, ticker.BestAsk)
	}
}

func TestCurrencySplit(t *testing.T) {
	if baseCurrency("BTC-USD") != "BTC" || quoteCurrency("BTC-USD") != "USD" {
		t.Error("BTC-USD should split into BTC and USD")
	}
	if quoteCurrency("BTCUSD") != "USD" {
		t.Error("missing separator should default quote to USD")
	}
}

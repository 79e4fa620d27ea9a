// Package executor turns an approved decision into exchange orders: market
// entry, stop-limit protection and a take-profit limit, persisted as one
// Trade row only after all three are in place.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"confluence-trading-bot/internal/ai"
	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// Execution parameters
const (
	// re-validation default: price within 0.2% of entry
	DefaultEntryBand = 0.002
	FillPollInterval = time.Second
	FillPollTimeout  = 30 * time.Second

	// stop-limit orders use a limit slightly through the stop so the fill
	// is near-certain once triggered
	stopLimitSlippage = 0.002
)

// FlagOperatorAttention marks trades needing manual intervention
const FlagOperatorAttention = "operator_attention"

// Store is the slice of the repository the executor needs
type Store interface {
	CreateTrade(ctx context.Context, trade *database.Trade) error
	SetFlag(ctx context.Context, key string, value bool) error
}

// Executor places and persists trades
type Executor struct {
	client    coinbase.ExchangeClient
	repo      Store
	bus       *events.EventBus
	productID string
	entryBand float64
	log       *logging.Logger
}

// NewExecutor creates an executor. entryBand is the maximum fractional
// price deviation tolerated at re-validation; zero selects the default.
func NewExecutor(client coinbase.ExchangeClient, repo Store, bus *events.EventBus, productID string, entryBand float64) *Executor {
	if entryBand == 0 {
		entryBand = DefaultEntryBand
	}
	return &Executor{
		client:    client,
		repo:      repo,
		bus:       bus,
		productID: productID,
		entryBand: entryBand,
		log:       logging.WithComponent("executor"),
	}
}

// Execute runs the full entry sequence for an approved decision
func (e *Executor) Execute(ctx context.Context, decision *ai.Decision, stateID int64) (*database.Trade, error) {
	if err := e.revalidate(ctx, decision); err != nil {
		return nil, err
	}

	entry, err := e.placeEntry(ctx, decision)
	if err != nil {
		return nil, err
	}

	filled, err := e.awaitFill(ctx, entry.OrderID)
	if err != nil {
		return nil, err
	}

	e.log.Info("entry filled",
		"order_id", filled.OrderID,
		"avg_price", filled.AvgFilledPrice,
		"size", filled.FilledSize)

	stopOrder, err := e.placeStop(ctx, decision, filled.FilledSize)
	if err != nil {
		return nil, e.rollback(ctx, filled, nil, fmt.Errorf("place stop: %w", err))
	}

	tpOrder, err := e.placeTakeProfit(ctx, decision, filled.FilledSize)
	if err != nil {
		return nil, e.rollback(ctx, filled, stopOrder, fmt.Errorf("place take profit: %w", err))
	}

	trade := &database.Trade{
		ConfluenceStateID: stateID,
		Direction:         decision.Direction,
		EntryPrice:        filled.AvgFilledPrice,
		EntryAt:           time.Now().UTC(),
		SizeBase:          filled.FilledSize,
		SizeQuote:         filled.FilledSize * filled.AvgFilledPrice,
		StopPrice:         decision.Stop,
		StopSource:        decision.StopSource,
		TakeProfit:        decision.TakeProfit,
		RRRatio:           decision.RR,
		EntryOrderID:      filled.OrderID,
		StopOrderID:       stopOrder.OrderID,
		TPOrderID:         tpOrder.OrderID,
		AIConfidence:      decision.Confidence,
		AIReasoning:       decision.Reasoning,
	}
	if err := e.repo.CreateTrade(ctx, trade); err != nil {
		// Orders are live but the row is missing; the operator must
		// reconcile manually
		e.flagOperator(ctx, "trade persistence failed after orders placed")
		return nil, errs.New(errs.KindFatal, "executor",
			fmt.Errorf("persist trade (orders live, entry %s): %w", filled.OrderID, err))
	}

	e.log.Info("trade opened",
		"trade_id", trade.ID, "direction", string(trade.Direction),
		"entry", trade.EntryPrice, "stop", trade.StopPrice, "tp", trade.TakeProfit)
	e.bus.PublishTradeOpened(trade.ID, string(trade.Direction), trade.EntryPrice, trade.SizeBase)
	return trade, nil
}

// revalidate re-checks the decision against the live price just before
// committing capital
func (e *Executor) revalidate(ctx context.Context, d *ai.Decision) error {
	if d.SizeBase <= 0 {
		return errs.Newf(errs.KindValidation, "executor", "size must be positive, got %f", d.SizeBase)
	}

	ticker, err := e.client.GetBestPrice(ctx, e.productID)
	if err != nil {
		return errs.New(errs.Classify(err), "executor", err)
	}

	if math.Abs(ticker.Price-d.Entry)/d.Entry > e.entryBand {
		return errs.Newf(errs.KindBusiness, "executor",
			"price %.2f moved more than %.1f%% from entry %.2f",
			ticker.Price, e.entryBand*100, d.Entry)
	}

	if d.Direction == database.DirectionLong {
		if d.Stop >= d.Entry || d.TakeProfit <= d.Entry {
			return errs.Newf(errs.KindValidation, "executor", "stop/tp on wrong side for LONG")
		}
	} else {
		if d.Stop <= d.Entry || d.TakeProfit >= d.Entry {
			return errs.Newf(errs.KindValidation, "executor", "stop/tp on wrong side for SHORT")
		}
	}
	return nil
}

func (e *Executor) placeEntry(ctx context.Context, d *ai.Decision) (*coinbase.Order, error) {
	side := coinbase.SideBuy
	if d.Direction == database.DirectionShort {
		side = coinbase.SideSell
	}

	var order *coinbase.Order
	err := errs.Retry(ctx, errs.DefaultRetryConfig(), func() error {
		var placeErr error
		order, placeErr = e.client.PlaceOrder(ctx, &coinbase.OrderRequest{
			ClientOrderID: uuid.NewString(),
			ProductID:     e.productID,
			Side:          side,
			Type:          coinbase.OrderTypeMarket,
			BaseSize:      d.SizeBase,
		})
		if placeErr != nil {
			return errs.New(errs.Classify(placeErr), "entry", placeErr)
		}
		return nil
	})
	return order, err
}

// awaitFill polls the entry order until FILLED or the timeout elapses
func (e *Executor) awaitFill(ctx context.Context, orderID string) (*coinbase.Order, error) {
	deadline := time.Now().Add(FillPollTimeout)

	for {
		order, err := e.client.GetOrder(ctx, orderID)
		if err == nil {
			switch order.Status {
			case coinbase.StatusFilled:
				if order.FilledSize <= 0 || order.AvgFilledPrice <= 0 {
					return nil, errs.Newf(errs.KindFatal, "executor",
						"order %s FILLED with empty fill data", orderID)
				}
				return order, nil
			case coinbase.StatusCancelled, coinbase.StatusExpired, coinbase.StatusFailed:
				return nil, errs.Newf(errs.KindBusiness, "executor",
					"entry order %s ended %s before fill", orderID, order.Status)
			}
		}

		if time.Now().After(deadline) {
			return nil, errs.Newf(errs.KindBusiness, "executor",
				"entry order %s not filled within %s", orderID, FillPollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(FillPollInterval):
		}
	}
}

func (e *Executor) placeStop(ctx context.Context, d *ai.Decision, size float64) (*coinbase.Order, error) {
	side := coinbase.SideSell
	limit := d.Stop * (1 - stopLimitSlippage)
	if d.Direction == database.DirectionShort {
		side = coinbase.SideBuy
		limit = d.Stop * (1 + stopLimitSlippage)
	}

	return e.client.PlaceOrder(ctx, &coinbase.OrderRequest{
		ClientOrderID: uuid.NewString(),
		ProductID:     e.productID,
		Side:          side,
		Type:          coinbase.OrderTypeStopLimit,
		BaseSize:      size,
		StopPrice:     d.Stop,
		LimitPrice:    limit,
	})
}

func (e *Executor) placeTakeProfit(ctx context.Context, d *ai.Decision, size float64) (*coinbase.Order, error) {
	side := coinbase.SideSell
	if d.Direction == database.DirectionShort {
		side = coinbase.SideBuy
	}

	return e.client.PlaceOrder(ctx, &coinbase.OrderRequest{
		ClientOrderID: uuid.NewString(),
		ProductID:     e.productID,
		Side:          side,
		Type:          coinbase.OrderTypeLimit,
		BaseSize:      size,
		LimitPrice:    d.TakeProfit,
	})
}

// rollback cancels whatever risk orders exist after a partial failure. The
// filled entry position remains; the operator flag is raised.
func (e *Executor) rollback(ctx context.Context, entry *coinbase.Order, stopOrder *coinbase.Order, cause error) error {
	e.log.Error("order placement failed after entry fill, rolling back",
		"entry_order", entry.OrderID, "error", cause)

	if stopOrder != nil {
		if results, err := e.client.CancelOrders(ctx, []string{stopOrder.OrderID}); err != nil {
			e.log.Error("rollback cancel request failed", "order_id", stopOrder.OrderID, "error", err)
		} else if cancelErr := results[stopOrder.OrderID]; cancelErr != nil {
			e.log.Error("rollback cancel rejected", "order_id", stopOrder.OrderID, "error", cancelErr)
		}
	}

	e.flagOperator(ctx, "unprotected position after partial order placement")
	return errs.New(errs.KindFatal, "executor",
		fmt.Errorf("unprotected position (entry %s filled): %w", entry.OrderID, cause))
}

func (e *Executor) flagOperator(ctx context.Context, reason string) {
	if err := e.repo.SetFlag(ctx, FlagOperatorAttention, true); err != nil {
		e.log.Error("failed to set operator attention flag", "error", err)
	}
	e.bus.PublishError("executor", fmt.Errorf("%s", reason))
}

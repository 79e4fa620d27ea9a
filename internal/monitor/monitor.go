// Package monitor supervises open trades: it detects stop and take-profit
// fills, enforces the maximum trade duration, keeps unrealized P&L current
// and promotes the stop once a trade has travelled far enough.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
)

// Default maximum time a trade may stay open before a forced market close
const DefaultMaxDuration = 72 * time.Hour

// FlagOperatorAttention mirrors the executor's flag key
const FlagOperatorAttention = "operator_attention"

// TrailingStrategy selects how the promoted stop is computed
type TrailingStrategy string

const (
	TrailingBreakeven TrailingStrategy = "breakeven"
	TrailingBuffer    TrailingStrategy = "buffer"
	TrailingDynamic   TrailingStrategy = "dynamic"
)

// Config holds the monitor parameters
type Config struct {
	ProductID        string
	MaxDuration      time.Duration // time-based exit, DefaultMaxDuration when zero
	TrailingEnabled  bool
	TrailingTrigger  float64 // progress-to-target fraction, e.g. 0.80
	Strategy         TrailingStrategy
	LockFraction     float64 // dynamic strategy: fraction of the move locked
	BufferFraction   float64 // buffer strategy: offset from entry
	EntryBandPercent float64 // promoted stop must stay within entry ± band
	StopLimitSlack   float64 // limit offset through the stop price
}

// Store is the slice of the repository the monitor needs
type Store interface {
	OpenTrades(ctx context.Context) ([]*database.Trade, error)
	CloseTrade(ctx context.Context, id int64, outcome database.Outcome, exitPrice float64, exitAt time.Time, pnlQuote, pnlPercent float64) (bool, error)
	UpdateUnrealized(ctx context.Context, id int64, pnl, percent float64) error
	ActivateTrailing(ctx context.Context, id int64, newStop float64, newStopOrderID string) error
	UpdateStopOrder(ctx context.Context, id int64, stopOrderID string) error
	SetFlag(ctx context.Context, key string, value bool) error
}

// Monitor polls open trades against the exchange
type Monitor struct {
	client coinbase.ExchangeClient
	repo   Store
	bus    *events.EventBus
	cfg    Config
	logger zerolog.Logger
}

// NewMonitor creates a monitor
func NewMonitor(client coinbase.ExchangeClient, repo Store, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.StopLimitSlack == 0 {
		cfg.StopLimitSlack = 0.002
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	return &Monitor{
		client: client,
		repo:   repo,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With().Str("component", "Monitor").Logger(),
	}
}

// CheckAll runs one monitoring pass over every open trade
func (m *Monitor) CheckAll(ctx context.Context) error {
	trades, err := m.repo.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}

	for _, trade := range trades {
		if err := m.checkTrade(ctx, trade); err != nil {
			m.logger.Error().
				Int64("trade_id", trade.ID).
				Err(err).
				Msg("trade check failed")
		}
	}
	return nil
}

func (m *Monitor) checkTrade(ctx context.Context, trade *database.Trade) error {
	// Stop fill closes as LOSS
	stopOrder, err := m.client.GetOrder(ctx, trade.StopOrderID)
	if err == nil && stopOrder.Status == coinbase.StatusFilled {
		return m.closeTrade(ctx, trade, database.OutcomeLoss, stopOrder.AvgFilledPrice, trade.TPOrderID)
	}

	// Take-profit fill closes as WIN
	tpOrder, err := m.client.GetOrder(ctx, trade.TPOrderID)
	if err == nil && tpOrder.Status == coinbase.StatusFilled {
		return m.closeTrade(ctx, trade, database.OutcomeWin, tpOrder.AvgFilledPrice, trade.StopOrderID)
	}

	// Duration limit forces a market exit
	if time.Since(trade.EntryAt) > m.cfg.MaxDuration {
		return m.forceClose(ctx, trade, "maximum duration exceeded")
	}

	ticker, err := m.client.GetBestPrice(ctx, m.cfg.ProductID)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}

	if err := m.updateUnrealized(ctx, trade, ticker.Price); err != nil {
		return err
	}

	if m.cfg.TrailingEnabled && !trade.TrailingActivated && m.progressToTarget(trade, ticker.Price) >= m.cfg.TrailingTrigger {
		m.promoteStop(ctx, trade, ticker.Price)
	}
	return nil
}

// closeTrade records the exit exactly once and cancels the sibling order
func (m *Monitor) closeTrade(ctx context.Context, trade *database.Trade, outcome database.Outcome, exitPrice float64, siblingOrderID string) error {
	pnl, pnlPercent := realizedPnL(trade, exitPrice)

	closed, err := m.repo.CloseTrade(ctx, trade.ID, outcome, exitPrice, time.Now().UTC(), pnl, pnlPercent)
	if err != nil {
		return fmt.Errorf("close trade %d: %w", trade.ID, err)
	}
	if !closed {
		// Another path won the close; nothing further to do
		return nil
	}

	if siblingOrderID == "" {
		// Forced exits cancel both risk orders up front
		m.logger.Info().
			Int64("trade_id", trade.ID).
			Str("outcome", string(outcome)).
			Float64("exit_price", exitPrice).
			Float64("pnl", pnl).
			Msg("trade closed")
		m.bus.PublishTradeClosed(trade.ID, string(outcome), exitPrice, pnl)
		return nil
	}

	if results, err := m.client.CancelOrders(ctx, []string{siblingOrderID}); err != nil {
		m.logger.Warn().
			Int64("trade_id", trade.ID).
			Str("order_id", siblingOrderID).
			Err(err).
			Msg("sibling cancel request failed")
	} else if cancelErr := results[siblingOrderID]; cancelErr != nil {
		m.logger.Warn().
			Int64("trade_id", trade.ID).
			Str("order_id", siblingOrderID).
			Err(cancelErr).
			Msg("sibling cancel rejected")
	}

	m.logger.Info().
		Int64("trade_id", trade.ID).
		Str("outcome", string(outcome)).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("trade closed")
	m.bus.PublishTradeClosed(trade.ID, string(outcome), exitPrice, pnl)
	return nil
}

// CloseAll force-exits every open trade. Invoked by the emergency stop.
func (m *Monitor) CloseAll(ctx context.Context) error {
	trades, err := m.repo.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	for _, trade := range trades {
		if err := m.forceClose(ctx, trade, "emergency stop"); err != nil {
			m.logger.Error().
				Int64("trade_id", trade.ID).
				Err(err).
				Msg("emergency close failed")
		}
	}
	return nil
}

// forceClose cancels both risk orders and exits at market
func (m *Monitor) forceClose(ctx context.Context, trade *database.Trade, reason string) error {
	m.logger.Info().
		Int64("trade_id", trade.ID).
		Dur("age", time.Since(trade.EntryAt)).
		Str("reason", reason).
		Msg("forcing exit")

	if _, err := m.client.CancelOrders(ctx, []string{trade.StopOrderID, trade.TPOrderID}); err != nil {
		return fmt.Errorf("cancel risk orders for trade %d: %w", trade.ID, err)
	}

	side := coinbase.SideSell
	if trade.Direction == database.DirectionShort {
		side = coinbase.SideBuy
	}
	exit, err := m.client.PlaceOrder(ctx, &coinbase.OrderRequest{
		ClientOrderID: uuid.NewString(),
		ProductID:     m.cfg.ProductID,
		Side:          side,
		Type:          coinbase.OrderTypeMarket,
		BaseSize:      trade.SizeBase,
	})
	if err != nil {
		m.flagOperator(ctx, trade.ID, "market close failed after cancelling risk orders")
		return fmt.Errorf("market close trade %d: %w", trade.ID, err)
	}

	filled, err := m.awaitFill(ctx, exit.OrderID)
	if err != nil {
		m.flagOperator(ctx, trade.ID, "market close fill unconfirmed")
		return err
	}

	pnl, _ := realizedPnL(trade, filled.AvgFilledPrice)
	outcome := database.OutcomeBreakeven
	if pnl > 0 {
		outcome = database.OutcomeWin
	} else if pnl < 0 {
		outcome = database.OutcomeLoss
	}

	return m.closeTrade(ctx, trade, outcome, filled.AvgFilledPrice, "")
}

func (m *Monitor) awaitFill(ctx context.Context, orderID string) (*coinbase.Order, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		order, err := m.client.GetOrder(ctx, orderID)
		if err == nil && order.Status == coinbase.StatusFilled {
			return order, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("order %s not filled within 30s", orderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (m *Monitor) updateUnrealized(ctx context.Context, trade *database.Trade, price float64) error {
	pnl := trade.SizeBase * (price - trade.EntryPrice)
	if trade.Direction == database.DirectionShort {
		pnl = -pnl
	}

	percent := 0.0
	if notional := trade.SizeBase * trade.EntryPrice; notional > 0 {
		percent = pnl / notional * 100
	}

	if err := m.repo.UpdateUnrealized(ctx, trade.ID, pnl, percent); err != nil {
		return fmt.Errorf("update unrealized for trade %d: %w", trade.ID, err)
	}

	m.bus.Publish(events.Event{
		Type: events.EventTradeUpdate,
		Data: map[string]interface{}{
			"trade_id":       trade.ID,
			"price":          price,
			"unrealized_pnl": pnl,
		},
	})
	return nil
}

// progressToTarget is the fraction of the entry-to-target distance already
// travelled, 0 when adverse, capped at 1
func (m *Monitor) progressToTarget(trade *database.Trade, price float64) float64 {
	span := trade.TakeProfit - trade.EntryPrice
	if span == 0 {
		return 0
	}
	progress := (price - trade.EntryPrice) / span
	if progress < 0 {
		return 0
	}
	if progress > 1 {
		return 1
	}
	return progress
}

func realizedPnL(trade *database.Trade, exitPrice float64) (pnl, percent float64) {
	pnl = trade.SizeBase * (exitPrice - trade.EntryPrice)
	if trade.Direction == database.DirectionShort {
		pnl = -pnl
	}
	if notional := trade.SizeBase * trade.EntryPrice; notional > 0 {
		percent = pnl / notional * 100
	}
	return pnl, percent
}

func (m *Monitor) flagOperator(ctx context.Context, tradeID int64, reason string) {
	if err := m.repo.SetFlag(ctx, FlagOperatorAttention, true); err != nil {
		m.logger.Error().Err(err).Msg("failed to set operator attention flag")
	}
	m.logger.Error().
		Int64("trade_id", tradeID).
		Str("reason", reason).
		Msg("trade flagged for operator attention")
	m.bus.PublishError("monitor", fmt.Errorf("trade %d: %s", tradeID, reason))
}

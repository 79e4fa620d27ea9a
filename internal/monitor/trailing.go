package monitor

import (
	"context"
	"math"

	"github.com/google/uuid"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
)

// computeTrailingStop returns the promoted stop for the configured strategy
func (m *Monitor) computeTrailingStop(trade *database.Trade, price float64) float64 {
	switch m.cfg.Strategy {
	case TrailingBuffer:
		if trade.Direction == database.DirectionLong {
			return trade.EntryPrice * (1 + m.cfg.BufferFraction)
		}
		return trade.EntryPrice * (1 - m.cfg.BufferFraction)
	case TrailingDynamic:
		// Lock a fraction of the favorable move
		return trade.EntryPrice + m.cfg.LockFraction*(price-trade.EntryPrice)
	default:
		return trade.EntryPrice // breakeven
	}
}

// validTrailingStop checks that the promoted stop strictly improves the
// current one, sits on the passive side of price, and stays within the
// configured band around entry
func (m *Monitor) validTrailingStop(trade *database.Trade, newStop, price float64) bool {
	if trade.Direction == database.DirectionLong {
		if newStop <= trade.StopPrice || newStop >= price {
			return false
		}
	} else {
		if newStop >= trade.StopPrice || newStop <= price {
			return false
		}
	}
	return math.Abs(newStop-trade.EntryPrice)/trade.EntryPrice <= m.cfg.EntryBandPercent
}

// promoteStop cancels the existing stop and replaces it at the promoted
// level. If the replacement fails after the cancel, the original stop is
// reinstated; failing that, the trade is flagged for the operator.
func (m *Monitor) promoteStop(ctx context.Context, trade *database.Trade, price float64) {
	newStop := m.computeTrailingStop(trade, price)
	if !m.validTrailingStop(trade, newStop, price) {
		m.logger.Debug().
			Int64("trade_id", trade.ID).
			Float64("candidate", newStop).
			Msg("trailing candidate rejected")
		return
	}

	results, err := m.client.CancelOrders(ctx, []string{trade.StopOrderID})
	if err != nil {
		m.logger.Warn().
			Int64("trade_id", trade.ID).
			Err(err).
			Msg("trailing cancel request failed, keeping original stop")
		return
	}
	if cancelErr := results[trade.StopOrderID]; cancelErr != nil {
		m.logger.Warn().
			Int64("trade_id", trade.ID).
			Err(cancelErr).
			Msg("trailing cancel rejected, keeping original stop")
		return
	}

	replacement, err := m.placeStopOrder(ctx, trade, newStop)
	if err != nil {
		// The old stop is gone; try to reinstate it before involving
		// the operator
		reinstated, reErr := m.placeStopOrder(ctx, trade, trade.StopPrice)
		if reErr != nil {
			m.flagOperator(ctx, trade.ID, "stop replacement and reinstatement both failed")
			return
		}
		m.logger.Warn().
			Int64("trade_id", trade.ID).
			Str("order_id", reinstated.OrderID).
			Msg("stop replacement failed, original stop reinstated")
		if updErr := m.repo.UpdateStopOrder(ctx, trade.ID, reinstated.OrderID); updErr != nil {
			m.logger.Error().Int64("trade_id", trade.ID).Err(updErr).Msg("failed to record reinstated stop")
		}
		return
	}

	if err := m.repo.ActivateTrailing(ctx, trade.ID, newStop, replacement.OrderID); err != nil {
		m.logger.Error().
			Int64("trade_id", trade.ID).
			Err(err).
			Msg("failed to persist trailing promotion")
		return
	}

	m.logger.Info().
		Int64("trade_id", trade.ID).
		Float64("old_stop", trade.StopPrice).
		Float64("new_stop", newStop).
		Str("strategy", string(m.cfg.Strategy)).
		Msg("stop promoted")
	m.bus.Publish(events.Event{
		Type: events.EventTrailingMoved,
		Data: map[string]interface{}{
			"trade_id": trade.ID,
			"old_stop": trade.StopPrice,
			"new_stop": newStop,
		},
	})
}

func (m *Monitor) placeStopOrder(ctx context.Context, trade *database.Trade, stopPrice float64) (*coinbase.Order, error) {
	side := coinbase.SideSell
	limit := stopPrice * (1 - m.cfg.StopLimitSlack)
	if trade.Direction == database.DirectionShort {
		side = coinbase.SideBuy
		limit = stopPrice * (1 + m.cfg.StopLimitSlack)
	}

	return m.client.PlaceOrder(ctx, &coinbase.OrderRequest{
		ClientOrderID: uuid.NewString(),
		ProductID:     m.cfg.ProductID,
		Side:          side,
		Type:          coinbase.OrderTypeStopLimit,
		BaseSize:      trade.SizeBase,
		StopPrice:     stopPrice,
		LimitPrice:    limit,
	})
}

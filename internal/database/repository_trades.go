package database

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// TRADES
// ============================================================================

const tradeColumns = `
	id, confluence_state_id, direction, entry_price, entry_at,
	size_base, size_quote, stop_price, stop_source, take_profit, rr_ratio,
	entry_order_id, stop_order_id, tp_order_id,
	status, outcome, exit_price, exit_at, pnl_quote, pnl_percent,
	unrealized_pnl, unrealized_percent, trailing_activated, trailing_price,
	ai_confidence, ai_reasoning, created_at, updated_at
`

// CreateTrade records a trade after entry, stop and take-profit orders are
// all confirmed on the exchange
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (
			confluence_state_id, direction, entry_price, entry_at,
			size_base, size_quote, stop_price, stop_source, take_profit, rr_ratio,
			entry_order_id, stop_order_id, tp_order_id,
			status, ai_confidence, ai_reasoning
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		trade.ConfluenceStateID, trade.Direction, trade.EntryPrice, trade.EntryAt.UTC(),
		trade.SizeBase, trade.SizeQuote, trade.StopPrice, trade.StopSource,
		trade.TakeProfit, trade.RRRatio,
		trade.EntryOrderID, trade.StopOrderID, trade.TPOrderID,
		TradeOpen, trade.AIConfidence, trade.AIReasoning,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	trade.Status = TradeOpen
	return nil
}

// OpenTrades returns all open trades, oldest entry first
func (r *Repository) OpenTrades(ctx context.Context) ([]*Trade, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM trades WHERE status = $1 ORDER BY entry_at ASC
	`, tradeColumns)

	rows, err := r.db.Pool.Query(ctx, query, TradeOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := r.scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// CountOpenTrades returns the number of open trades
func (r *Repository) CountOpenTrades(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE status = $1`, TradeOpen).Scan(&count)
	return count, err
}

// GetTradeByID returns a trade by id
func (r *Repository) GetTradeByID(ctx context.Context, id int64) (*Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM trades WHERE id = $1`, tradeColumns)
	trade, err := r.scanTrade(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// CloseTrade marks a trade CLOSED exactly once. The status guard makes
// concurrent closes (monitor vs emergency stop) resolve to a single winner;
// the loser gets closed=false and must not re-notify.
func (r *Repository) CloseTrade(ctx context.Context, id int64, outcome Outcome, exitPrice float64, exitAt time.Time, pnlQuote, pnlPercent float64) (bool, error) {
	query := `
		UPDATE trades SET
			status = $1, outcome = $2, exit_price = $3, exit_at = $4,
			pnl_quote = $5, pnl_percent = $6,
			unrealized_pnl = 0, unrealized_percent = 0
		WHERE id = $7 AND status = $8
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		TradeClosed, outcome, exitPrice, exitAt.UTC(), pnlQuote, pnlPercent,
		id, TradeOpen,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateUnrealized refreshes the mark-to-market fields of an open trade
func (r *Repository) UpdateUnrealized(ctx context.Context, id int64, pnl, percent float64) error {
	query := `
		UPDATE trades SET unrealized_pnl = $1, unrealized_percent = $2
		WHERE id = $3 AND status = $4
	`
	_, err := r.db.Pool.Exec(ctx, query, pnl, percent, id, TradeOpen)
	return err
}

// ActivateTrailing records a promoted stop and its replacement order id
func (r *Repository) ActivateTrailing(ctx context.Context, id int64, newStop float64, newStopOrderID string) error {
	query := `
		UPDATE trades SET
			trailing_activated = TRUE, trailing_price = $1,
			stop_price = $1, stop_order_id = $2
		WHERE id = $3 AND status = $4
	`
	_, err := r.db.Pool.Exec(ctx, query, newStop, newStopOrderID, id, TradeOpen)
	return err
}

// UpdateStopOrder records a replacement stop order id without changing the
// trailing flag
func (r *Repository) UpdateStopOrder(ctx context.Context, id int64, stopOrderID string) error {
	query := `UPDATE trades SET stop_order_id = $1 WHERE id = $2 AND status = $3`
	_, err := r.db.Pool.Exec(ctx, query, stopOrderID, id, TradeOpen)
	return err
}

// RealizedPnLSince sums quote-currency PnL of trades closed at or after the
// cutoff. The risk gate calls this with the current UTC midnight.
func (r *Repository) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(pnl_quote), 0)
		FROM trades
		WHERE status = $1 AND exit_at >= $2
	`
	var pnl float64
	err := r.db.Pool.QueryRow(ctx, query, TradeClosed, since.UTC()).Scan(&pnl)
	return pnl, err
}

// ConsecutiveLosses counts the run of LOSS outcomes among the most recently
// closed trades. A WIN or BREAKEVEN breaks the run.
func (r *Repository) ConsecutiveLosses(ctx context.Context) (int, error) {
	query := `
		SELECT outcome
		FROM trades
		WHERE status = $1 AND outcome IS NOT NULL
		ORDER BY exit_at DESC
		LIMIT 20
	`
	rows, err := r.db.Pool.Query(ctx, query, TradeClosed)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var outcome Outcome
		if err := rows.Scan(&outcome); err != nil {
			return 0, err
		}
		if outcome != OutcomeLoss {
			break
		}
		count++
	}
	return count, rows.Err()
}

// RecentClosedTrades returns the last n closed trades, newest first
func (r *Repository) RecentClosedTrades(ctx context.Context, n int) ([]*Trade, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM trades WHERE status = $1 ORDER BY exit_at DESC LIMIT $2
	`, tradeColumns)

	rows, err := r.db.Pool.Query(ctx, query, TradeClosed, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := r.scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (r *Repository) scanTrade(row rowScanner) (*Trade, error) {
	trade := &Trade{}
	err := row.Scan(
		&trade.ID, &trade.ConfluenceStateID, &trade.Direction, &trade.EntryPrice, &trade.EntryAt,
		&trade.SizeBase, &trade.SizeQuote, &trade.StopPrice, &trade.StopSource,
		&trade.TakeProfit, &trade.RRRatio,
		&trade.EntryOrderID, &trade.StopOrderID, &trade.TPOrderID,
		&trade.Status, &trade.Outcome, &trade.ExitPrice, &trade.ExitAt,
		&trade.PnLQuote, &trade.PnLPercent,
		&trade.UnrealizedPnL, &trade.UnrealizedPercent,
		&trade.TrailingActivated, &trade.TrailingPrice,
		&trade.AIConfidence, &trade.AIReasoning,
		&trade.CreatedAt, &trade.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

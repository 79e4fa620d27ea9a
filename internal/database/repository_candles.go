package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertResult is the outcome of a candle insert
type InsertResult int

const (
	InsertInserted InsertResult = iota
	InsertDuplicateIgnored
	InsertInvalid
)

func candleTable(tf Timeframe) (string, error) {
	switch tf {
	case Timeframe4H:
		return "candles_4h", nil
	case Timeframe5M:
		return "candles_5m", nil
	}
	return "", fmt.Errorf("unknown timeframe %q", tf)
}

// InsertCandle inserts a candle, idempotent on bucket_start. Validity is
// enforced here; collectors never write invalid rows.
func (r *Repository) InsertCandle(ctx context.Context, c *Candle) (InsertResult, error) {
	if !c.Valid() {
		return InsertInvalid, nil
	}

	table, err := candleTable(c.Timeframe)
	if err != nil {
		return InsertInvalid, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (bucket_start, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bucket_start) DO NOTHING
	`, table)

	tag, err := r.db.Pool.Exec(ctx, query,
		c.BucketStart.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return InsertInvalid, err
	}
	if tag.RowsAffected() == 0 {
		return InsertDuplicateIgnored, nil
	}
	return InsertInserted, nil
}

// CandleRange returns candles in [from, to) ordered by bucket_start ascending
func (r *Repository) CandleRange(ctx context.Context, tf Timeframe, from, to time.Time) ([]*Candle, error) {
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT bucket_start, open, high, low, close, volume
		FROM %s
		WHERE bucket_start >= $1 AND bucket_start < $2
		ORDER BY bucket_start ASC
	`, table)

	return r.queryCandles(ctx, tf, query, from.UTC(), to.UTC())
}

// LatestCandles returns the most recent n candles ordered oldest first
func (r *Repository) LatestCandles(ctx context.Context, tf Timeframe, n int) ([]*Candle, error) {
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT bucket_start, open, high, low, close, volume
		FROM (
			SELECT bucket_start, open, high, low, close, volume
			FROM %s
			ORDER BY bucket_start DESC
			LIMIT $1
		) recent
		ORDER BY bucket_start ASC
	`, table)

	return r.queryCandles(ctx, tf, query, n)
}

// PruneCandles deletes candles older than the cutoff, returning the count
func (r *Repository) PruneCandles(ctx context.Context, tf Timeframe, olderThan time.Time) (int64, error) {
	table, err := candleTable(tf)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE bucket_start < $1`, table)
	tag, err := r.db.Pool.Exec(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) queryCandles(ctx context.Context, tf Timeframe, query string, args ...interface{}) ([]*Candle, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []*Candle
	for rows.Next() {
		c := &Candle{Timeframe: tf}
		err := rows.Scan(&c.BucketStart, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Package candles owns the candle history: persistence, collection from the
// exchange, gap backfill and retention pruning.
package candles

import (
	"context"
	"fmt"
	"time"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/logging"
)

// Store is the read/write surface over persisted candles
type Store struct {
	repo *database.Repository
	log  *logging.Logger
}

// NewStore creates a candle store
func NewStore(repo *database.Repository) *Store {
	return &Store{
		repo: repo,
		log:  logging.WithComponent("candles"),
	}
}

// Insert persists a candle. Duplicates on bucket_start are ignored and
// invalid candles are rejected without touching the database.
func (s *Store) Insert(ctx context.Context, c *database.Candle) (database.InsertResult, error) {
	result, err := s.repo.InsertCandle(ctx, c)
	if err != nil {
		return result, err
	}
	if result == database.InsertInvalid {
		s.log.Warn("rejected invalid candle",
			"timeframe", string(c.Timeframe), "bucket_start", c.BucketStart)
	}
	return result, nil
}

// Range returns candles in [from, to) oldest first
func (s *Store) Range(ctx context.Context, tf database.Timeframe, from, to time.Time) ([]*database.Candle, error) {
	return s.repo.CandleRange(ctx, tf, from, to)
}

// Latest returns the most recent n candles oldest first
func (s *Store) Latest(ctx context.Context, tf database.Timeframe, n int) ([]*database.Candle, error) {
	if n <= 0 {
		return nil, fmt.Errorf("candle count must be positive, got %d", n)
	}
	return s.repo.LatestCandles(ctx, tf, n)
}

// Prune deletes candles older than the cutoff
func (s *Store) Prune(ctx context.Context, tf database.Timeframe, olderThan time.Time) (int64, error) {
	return s.repo.PruneCandles(ctx, tf, olderThan)
}

// BucketStart floors a timestamp to the bucket containing it
func BucketStart(tf database.Timeframe, t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// LastClosedBucket returns the start of the most recent fully closed bucket
func LastClosedBucket(tf database.Timeframe, now time.Time) time.Time {
	return BucketStart(tf, now).Add(-tf.Duration())
}

// MissingBuckets returns the bucket starts absent from the given candles
// over [from, to). Input candles must be sorted oldest first.
func MissingBuckets(tf database.Timeframe, candles []*database.Candle, from, to time.Time) []time.Time {
	have := make(map[int64]bool, len(candles))
	for _, c := range candles {
		have[c.BucketStart.Unix()] = true
	}

	var missing []time.Time
	step := tf.Duration()
	for t := BucketStart(tf, from); t.Before(to); t = t.Add(step) {
		if !have[t.Unix()] {
			missing = append(missing, t)
		}
	}
	return missing
}

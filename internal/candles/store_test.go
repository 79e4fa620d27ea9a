package candles

import (
	"testing"
	"time"

	"confluence-trading-bot/internal/database"
)

func TestBucketStart(t *testing.T) {
	ts := time.Date(2025, 6, 1, 13, 47, 12, 0, time.UTC)

	if got := BucketStart(database.Timeframe5M, ts); !got.Equal(time.Date(2025, 6, 1, 13, 45, 0, 0, time.UTC)) {
		t.Errorf("5M bucket = %v", got)
	}
	if got := BucketStart(database.Timeframe4H, ts); !got.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("4H bucket = %v", got)
	}

	// Exact bucket boundaries map to themselves
	boundary := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	if got := BucketStart(database.Timeframe4H, boundary); !got.Equal(boundary) {
		t.Errorf("boundary bucket = %v, want itself", got)
	}
}

func TestLastClosedBucket(t *testing.T) {
	now := time.Date(2025, 6, 1, 13, 47, 0, 0, time.UTC)

	// The 13:45 bucket is still forming; 13:40 is the last closed one
	if got := LastClosedBucket(database.Timeframe5M, now); !got.Equal(time.Date(2025, 6, 1, 13, 40, 0, 0, time.UTC)) {
		t.Errorf("5M last closed = %v", got)
	}
	if got := LastClosedBucket(database.Timeframe4H, now); !got.Equal(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("4H last closed = %v", got)
	}
}

func TestMissingBuckets(t *testing.T) {
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(25 * time.Minute) // buckets 10:00..10:20

	mk := func(offset time.Duration) *database.Candle {
		return &database.Candle{
			Timeframe:   database.Timeframe5M,
			BucketStart: from.Add(offset),
			Open:        1, High: 1, Low: 1, Close: 1,
		}
	}

	// 10:05 and 10:15 absent
	have := []*database.Candle{mk(0), mk(10 * time.Minute), mk(20 * time.Minute)}

	missing := MissingBuckets(database.Timeframe5M, have, from, to)
	if len(missing) != 2 {
		t.Fatalf("got %d missing buckets, want 2: %v", len(missing), missing)
	}
	if !missing[0].Equal(from.Add(5*time.Minute)) || !missing[1].Equal(from.Add(15*time.Minute)) {
		t.Errorf("missing = %v", missing)
	}
}

func TestMissingBucketsFullGapAndNoGap(t *testing.T) {
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(15 * time.Minute)

	if missing := MissingBuckets(database.Timeframe5M, nil, from, to); len(missing) != 3 {
		t.Errorf("empty history: got %d missing, want 3", len(missing))
	}

	var complete []*database.Candle
	for i := 0; i < 3; i++ {
		complete = append(complete, &database.Candle{
			Timeframe:   database.Timeframe5M,
			BucketStart: from.Add(time.Duration(i) * 5 * time.Minute),
		})
	}
	if missing := MissingBuckets(database.Timeframe5M, complete, from, to); len(missing) != 0 {
		t.Errorf("complete history: got %d missing, want 0", len(missing))
	}

	// Empty window yields nothing
	if missing := MissingBuckets(database.Timeframe5M, nil, from, from); len(missing) != 0 {
		t.Errorf("empty window: got %d missing, want 0", len(missing))
	}
}

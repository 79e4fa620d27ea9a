package swings

import (
	"testing"
	"time"

	"confluence-trading-bot/internal/database"
)

func candleSeries(highs, lows []float64) []*database.Candle {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]*database.Candle, len(highs))
	for i := range highs {
		candles[i] = &database.Candle{
			Timeframe:   database.Timeframe5M,
			BucketStart: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:        lows[i],
			High:        highs[i],
			Low:         lows[i],
			Close:       highs[i],
		}
	}
	return candles
}

func TestIsSwingHigh(t *testing.T) {
	// Index 2 strictly above both neighbors on each side
	candles := candleSeries(
		[]float64{100, 101, 105, 102, 101},
		[]float64{90, 91, 92, 91, 90},
	)

	if !isSwing(candles, 2, database.SwingHigh) {
		t.Error("center candle should be a swing high")
	}
	if isSwing(candles, 2, database.SwingLow) {
		t.Error("center candle should not be a swing low")
	}
}

func TestIsSwingIgnoresAdjacentCandles(t *testing.T) {
	// Only the candles two positions away count. The higher high at
	// index 1 sits inside the comparison distance and does not
	// disqualify index 2.
	candles := candleSeries(
		[]float64{1, 6, 5, 2, 4},
		[]float64{0.5, 3, 2.5, 1, 2},
	)
	if !isSwing(candles, 2, database.SwingHigh) {
		t.Error("high above both two-away candles should qualify as a swing high")
	}
}

func TestIsSwingLowIgnoresAdjacentCandles(t *testing.T) {
	candles := candleSeries(
		[]float64{10, 11, 12, 11, 10},
		[]float64{9, 2, 4, 7, 5},
	)
	// low[2]=4 is above low[1]=2 but below low[0]=9 and low[4]=5
	if !isSwing(candles, 2, database.SwingLow) {
		t.Error("low below both two-away candles should qualify as a swing low")
	}
}

func TestIsSwingRejectsEqualNeighbor(t *testing.T) {
	// Equal high two candles away breaks the strict comparison
	candles := candleSeries(
		[]float64{105, 101, 105, 102, 101},
		[]float64{90, 91, 92, 91, 90},
	)
	if isSwing(candles, 2, database.SwingHigh) {
		t.Error("equal neighboring high should disqualify the swing")
	}
}

func TestIsSwingLow(t *testing.T) {
	candles := candleSeries(
		[]float64{100, 101, 102, 101, 100},
		[]float64{92, 91, 88, 90, 93},
	)
	if !isSwing(candles, 2, database.SwingLow) {
		t.Error("center candle should be a swing low")
	}
}

func TestNewestSwingPrefersLatest(t *testing.T) {
	// Swings at index 2 (high 105) and index 5 (high 110); index 5 wins
	candles := candleSeries(
		[]float64{100, 101, 105, 102, 101, 110, 103, 102},
		[]float64{90, 91, 92, 91, 90, 93, 91, 90},
	)

	got := newestSwing(candles, database.SwingHigh)
	if got == nil {
		t.Fatal("expected a swing high")
	}
	if got.High != 110 {
		t.Errorf("newest swing high = %f, want 110", got.High)
	}
}

func TestNewestSwingConfirmationLag(t *testing.T) {
	// An extremum in the last two candles cannot be confirmed yet
	candles := candleSeries(
		[]float64{100, 101, 102, 103, 120},
		[]float64{90, 91, 92, 93, 94},
	)
	if got := newestSwing(candles, database.SwingHigh); got != nil {
		t.Errorf("unconfirmed extremum reported as swing: %v", got.High)
	}
}

func TestNewestSwingNoneInFlatMarket(t *testing.T) {
	candles := candleSeries(
		[]float64{100, 100, 100, 100, 100},
		[]float64{90, 90, 90, 90, 90},
	)
	if newestSwing(candles, database.SwingHigh) != nil {
		t.Error("flat highs should yield no swing high")
	}
	if newestSwing(candles, database.SwingLow) != nil {
		t.Error("flat lows should yield no swing low")
	}
}

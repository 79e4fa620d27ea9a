// Package swings confirms local price extrema over a five-candle window.
// A swing high at index i requires high[i] strictly above the highs at
// i-2 and i+2; swing lows mirror with lows. Confirmation therefore lags
// two closed candles behind the extremum.
package swings

import (
	"context"
	"time"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// Window is candles each side of the candidate extremum
const Window = 2

// Store is the slice of the repository the tracker needs
type Store interface {
	LatestCandles(ctx context.Context, tf database.Timeframe, n int) ([]*database.Candle, error)
	HasSwingAt(ctx context.Context, tf database.Timeframe, kind database.SwingKind, bucketStart time.Time) (bool, error)
	CreateSwing(ctx context.Context, swing *database.SwingLevel) error
	ActiveSwing(ctx context.Context, tf database.Timeframe, kind database.SwingKind) (*database.SwingLevel, error)
}

// Tracker maintains the active swing high and low per timeframe
type Tracker struct {
	repo     Store
	bus      *events.EventBus
	lookback int
	log      *logging.Logger
}

// NewTracker creates a swing tracker
func NewTracker(repo Store, bus *events.EventBus, lookback int) *Tracker {
	return &Tracker{
		repo:     repo,
		bus:      bus,
		lookback: lookback,
		log:      logging.WithComponent("swings"),
	}
}

// Scan re-evaluates swings for a timeframe from the latest candles. Runs
// after every candle close on that timeframe; re-scans of the same window
// are idempotent.
func (t *Tracker) Scan(ctx context.Context, tf database.Timeframe) error {
	candles, err := t.repo.LatestCandles(ctx, tf, t.lookback)
	if err != nil {
		return err
	}
	if len(candles) < 2*Window+1 {
		return nil // not enough history yet
	}

	for _, kind := range []database.SwingKind{database.SwingHigh, database.SwingLow} {
		candidate := newestSwing(candles, kind)
		if candidate == nil {
			continue
		}
		if err := t.record(ctx, tf, kind, candidate); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) record(ctx context.Context, tf database.Timeframe, kind database.SwingKind, candidate *database.Candle) error {
	exists, err := t.repo.HasSwingAt(ctx, tf, kind, candidate.BucketStart)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	price := candidate.High
	if kind == database.SwingLow {
		price = candidate.Low
	}

	swing := &database.SwingLevel{
		Timeframe:   tf,
		Kind:        kind,
		BucketStart: candidate.BucketStart,
		Price:       price,
	}
	if err := t.repo.CreateSwing(ctx, swing); err != nil {
		return err
	}

	t.log.Info("swing confirmed",
		"timeframe", string(tf), "kind", string(kind),
		"price", price, "bucket_start", candidate.BucketStart)

	t.bus.Publish(events.Event{
		Type: events.EventSwingConfirmed,
		Data: map[string]interface{}{
			"timeframe": string(tf),
			"kind":      string(kind),
			"price":     price,
			"swing_id":  swing.ID,
		},
	})
	return nil
}

// Active returns the active swing for (timeframe, kind), or nil
func (t *Tracker) Active(ctx context.Context, tf database.Timeframe, kind database.SwingKind) (*database.SwingLevel, error) {
	return t.repo.ActiveSwing(ctx, tf, kind)
}

// newestSwing returns the most recent confirmed extremum in the candles,
// or nil when none qualifies. Candles must be sorted oldest first.
func newestSwing(candles []*database.Candle, kind database.SwingKind) *database.Candle {
	for i := len(candles) - 1 - Window; i >= Window; i-- {
		if isSwing(candles, i, kind) {
			return candles[i]
		}
	}
	return nil
}

// isSwing compares the candidate only against the candles Window positions
// away on each side; the candles in between may sit anywhere below (above
// for lows) without disqualifying it.
func isSwing(candles []*database.Candle, i int, kind database.SwingKind) bool {
	left, right := candles[i-Window], candles[i+Window]
	if kind == database.SwingHigh {
		return candles[i].High > left.High && candles[i].High > right.High
	}
	return candles[i].Low < left.Low && candles[i].Low < right.Low
}

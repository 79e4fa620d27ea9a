// Package sweeps detects liquidity sweeps of the active 4H swing levels.
// A breach must clear the swing by 0.1% before it counts; a swept low sets
// a bullish bias, a swept high a bearish one.
package sweeps

import (
	"context"
	"time"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// Breach thresholds relative to the swing price
const (
	HighBreachFactor = 1.001
	LowBreachFactor  = 0.999
)

// Outcome of one detection pass
type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeEmitted
	OutcomeExpired
)

// Result is what a detection pass produced
type Result struct {
	Outcome Outcome
	Sweep   *database.Sweep
	State   *database.ConfluenceState
}

// Store is the slice of the repository the detector needs
type Store interface {
	ActiveSweep(ctx context.Context) (*database.Sweep, error)
	ActiveSwing(ctx context.Context, tf database.Timeframe, kind database.SwingKind) (*database.SwingLevel, error)
	CreateSweepWithState(ctx context.Context, sweep *database.Sweep) (*database.ConfluenceState, error)
	GetStateBySweepID(ctx context.Context, sweepID int64) (*database.ConfluenceState, error)
	ExpireState(ctx context.Context, state *database.ConfluenceState) error
	ExpireSweep(ctx context.Context, id int64) error
}

// Detector watches the active 4H swings for breaches
type Detector struct {
	repo   Store
	bus    *events.EventBus
	expiry time.Duration
	log    *logging.Logger
}

// NewDetector creates a sweep detector
func NewDetector(repo Store, bus *events.EventBus, expiry time.Duration) *Detector {
	return &Detector{
		repo:   repo,
		bus:    bus,
		expiry: expiry,
		log:    logging.WithComponent("sweeps"),
	}
}

// Check runs one detection pass at the given price. Both kinds are
// evaluated on every pass: a breach while another sweep is active
// supersedes it, expiring the old sweep and its confluence state in the
// same transaction that records the new one. Re-breaches of the swing the
// active sweep already references are not new sweeps.
func (d *Detector) Check(ctx context.Context, price float64, now time.Time) (Result, error) {
	active, err := d.repo.ActiveSweep(ctx)
	if err != nil {
		return Result{}, err
	}
	if active != nil && now.After(active.ExpiresAt) {
		return d.expire(ctx, active)
	}

	for _, kind := range []database.SwingKind{database.SwingHigh, database.SwingLow} {
		swing, err := d.repo.ActiveSwing(ctx, database.Timeframe4H, kind)
		if err != nil {
			return Result{}, err
		}
		if swing == nil || !breached(kind, swing.Price, price) {
			continue
		}
		if active != nil && active.SwingLevelID == swing.ID {
			continue
		}
		return d.emit(ctx, active, swing, price, now)
	}
	return Result{Outcome: OutcomeNoChange}, nil
}

// ExpireStale expires the active sweep if its window has passed. Called on
// the scheduler tick independent of price movement.
func (d *Detector) ExpireStale(ctx context.Context, now time.Time) (Result, error) {
	active, err := d.repo.ActiveSweep(ctx)
	if err != nil {
		return Result{}, err
	}
	if active == nil || !now.After(active.ExpiresAt) {
		return Result{Outcome: OutcomeNoChange}, nil
	}
	return d.expire(ctx, active)
}

func (d *Detector) emit(ctx context.Context, superseded *database.Sweep, swing *database.SwingLevel, price float64, now time.Time) (Result, error) {
	var priorState *database.ConfluenceState
	if superseded != nil {
		var err error
		priorState, err = d.repo.GetStateBySweepID(ctx, superseded.ID)
		if err != nil {
			return Result{}, err
		}
	}

	sweep := &database.Sweep{
		DetectedAt:       now,
		Kind:             swing.Kind,
		PriceAtDetection: price,
		SwingLevelID:     swing.ID,
		Bias:             database.BiasForSweep(swing.Kind),
		ExpiresAt:        now.Add(d.expiry),
	}

	state, err := d.repo.CreateSweepWithState(ctx, sweep)
	if err != nil {
		return Result{}, err
	}

	if superseded != nil {
		d.log.Info("active sweep superseded",
			"old_sweep_id", superseded.ID, "old_kind", string(superseded.Kind),
			"new_kind", string(sweep.Kind))
		if priorState != nil && !priorState.CurrentPhase.Terminal() {
			d.bus.PublishSetupExpired(priorState.ID, superseded.ID, "superseded by new sweep")
		}
	}

	d.log.Info("sweep detected",
		"kind", string(sweep.Kind), "bias", string(sweep.Bias),
		"swing_price", swing.Price, "price", price,
		"expires_at", sweep.ExpiresAt)

	d.bus.PublishSweepDetected(sweep.ID, string(sweep.Kind), price, string(sweep.Bias))
	return Result{Outcome: OutcomeEmitted, Sweep: sweep, State: state}, nil
}

func (d *Detector) expire(ctx context.Context, sweep *database.Sweep) (Result, error) {
	state, err := d.repo.GetStateBySweepID(ctx, sweep.ID)
	if err != nil {
		return Result{}, err
	}

	if state != nil && !state.CurrentPhase.Terminal() {
		if err := d.repo.ExpireState(ctx, state); err != nil {
			return Result{}, err
		}
		d.bus.PublishSetupExpired(state.ID, sweep.ID, "sweep window elapsed")
	} else if err := d.repo.ExpireSweep(ctx, sweep.ID); err != nil {
		return Result{}, err
	}

	d.log.Info("sweep expired", "sweep_id", sweep.ID, "kind", string(sweep.Kind))
	d.bus.Publish(events.Event{
		Type: events.EventSweepExpired,
		Data: map[string]interface{}{"sweep_id": sweep.ID},
	})
	return Result{Outcome: OutcomeExpired, Sweep: sweep, State: state}, nil
}

// breached reports whether price clears the swing by the required margin
func breached(kind database.SwingKind, swingPrice, price float64) bool {
	if kind == database.SwingHigh {
		return price > swingPrice*HighBreachFactor
	}
	return price < swingPrice*LowBreachFactor
}

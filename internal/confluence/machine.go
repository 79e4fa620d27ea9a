// Package confluence drives the per-sweep setup state machine through
// CHoCH confirmation, FVG fill and BOS, and validates persisted states on
// startup.
package confluence

import (
	"context"
	"fmt"
	"time"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// Detection parameters
const (
	CHoCHLookback = 5    // closed candles before the confirming close
	FVGScanWindow = 20   // most recent 5M candles scanned for a gap
	FVGMinGapFrac = 0.001 // gap must exceed 0.1% of current price
	BOSFactor     = 1.001
)

// Zone is a fair value gap price range
type Zone struct {
	Low  float64
	High float64
}

// Contains reports whether price falls inside the zone
func (z Zone) Contains(price float64) bool {
	return price >= z.Low && price <= z.High
}

// Store is the slice of the repository the machine needs
type Store interface {
	ActiveSweep(ctx context.Context) (*database.Sweep, error)
	GetStateBySweepID(ctx context.Context, sweepID int64) (*database.ConfluenceState, error)
	AdvanceState(ctx context.Context, state *database.ConfluenceState) error
	ExpireState(ctx context.Context, state *database.ConfluenceState) error
}

// Machine advances the single active ConfluenceState. All transitions are
// persisted before any event is published.
type Machine struct {
	repo   Store
	bus    *events.EventBus
	maxAge time.Duration
	log    *logging.Logger
}

// NewMachine creates the state machine
func NewMachine(repo Store, bus *events.EventBus, maxAge time.Duration) *Machine {
	return &Machine{
		repo:   repo,
		bus:    bus,
		maxAge: maxAge,
		log:    logging.WithComponent("confluence"),
	}
}

// OnCandleClose runs the close-driven transitions: CHoCH confirmation and
// FVG detection. candles are the latest closed 5M candles, oldest first.
func (m *Machine) OnCandleClose(ctx context.Context, candles []*database.Candle) error {
	sweep, state, err := m.activeState(ctx)
	if err != nil || state == nil {
		return err
	}

	if expired, err := m.expireIfStale(ctx, sweep, state, time.Now().UTC()); err != nil || expired {
		return err
	}

	switch state.CurrentPhase {
	case database.PhaseWaitingCHoCH:
		return m.checkCHoCH(ctx, sweep, state, candles)
	case database.PhaseWaitingFVG:
		if len(candles) == 0 {
			return nil
		}
		latest := candles[len(candles)-1]
		return m.checkFVGFill(ctx, sweep, state, candles, latest.Close, latest.BucketStart)
	case database.PhaseWaitingBOS:
		if len(candles) == 0 {
			return nil
		}
		latest := candles[len(candles)-1]
		return m.checkBOS(ctx, sweep, state, latest.Close, latest.BucketStart)
	}
	return nil
}

// OnTick runs the tick-driven transitions: FVG fill and BOS confirmation.
// CHoCH needs a closed candle and is left to OnCandleClose.
func (m *Machine) OnTick(ctx context.Context, candles []*database.Candle, price float64, now time.Time) error {
	sweep, state, err := m.activeState(ctx)
	if err != nil || state == nil {
		return err
	}

	if expired, err := m.expireIfStale(ctx, sweep, state, now); err != nil || expired {
		return err
	}

	switch state.CurrentPhase {
	case database.PhaseWaitingFVG:
		return m.checkFVGFill(ctx, sweep, state, candles, price, now)
	case database.PhaseWaitingBOS:
		return m.checkBOS(ctx, sweep, state, price, now)
	}
	return nil
}

func (m *Machine) activeState(ctx context.Context) (*database.Sweep, *database.ConfluenceState, error) {
	sweep, err := m.repo.ActiveSweep(ctx)
	if err != nil || sweep == nil {
		return nil, nil, err
	}
	state, err := m.repo.GetStateBySweepID(ctx, sweep.ID)
	if err != nil {
		return nil, nil, err
	}
	if state == nil || state.CurrentPhase.Terminal() {
		return nil, nil, nil
	}
	return sweep, state, nil
}

func (m *Machine) expireIfStale(ctx context.Context, sweep *database.Sweep, state *database.ConfluenceState, now time.Time) (bool, error) {
	if now.Sub(state.CreatedAt) <= m.maxAge {
		return false, nil
	}
	if err := m.repo.ExpireState(ctx, state); err != nil {
		return false, err
	}
	m.log.Info("confluence state expired",
		"state_id", state.ID, "phase_at_expiry", string(state.CurrentPhase))
	m.bus.PublishSetupExpired(state.ID, sweep.ID, "confluence window elapsed")
	return true, nil
}

// checkCHoCH confirms a change of character: the latest close beyond the
// extremum of the prior five closed candles in the bias direction.
func (m *Machine) checkCHoCH(ctx context.Context, sweep *database.Sweep, state *database.ConfluenceState, candles []*database.Candle) error {
	if len(candles) < CHoCHLookback+1 {
		return nil
	}

	latest := candles[len(candles)-1]
	prior := candles[len(candles)-1-CHoCHLookback : len(candles)-1]

	confirmed := false
	if sweep.Bias == database.BiasBullish {
		confirmed = latest.Close > maxHigh(prior)
	} else {
		confirmed = latest.Close < minLow(prior)
	}
	if !confirmed {
		return nil
	}

	from := state.CurrentPhase
	state.CurrentPhase = database.PhaseWaitingFVG
	state.CHoCHPrice = f64(latest.Close)
	state.CHoCHAt = ts(latest.BucketStart)
	if err := m.repo.AdvanceState(ctx, state); err != nil {
		return err
	}

	m.log.Info("CHoCH confirmed",
		"state_id", state.ID, "bias", string(sweep.Bias), "close", latest.Close)
	m.bus.PublishPhaseAdvanced(state.ID, string(from), string(state.CurrentPhase))
	return nil
}

// checkFVGFill records the gap zone the first time one appears in the scan
// window and, once recorded, fills it when price trades back into the zone.
// Latching the zone on the state means a slow retrace still fills it after
// the forming candles have scrolled out of the window.
func (m *Machine) checkFVGFill(ctx context.Context, sweep *database.Sweep, state *database.ConfluenceState, candles []*database.Candle, price float64, at time.Time) error {
	if state.FVGLow == nil || state.FVGHigh == nil {
		zone, ok := FindFVG(candles, sweep.Bias, price)
		if !ok {
			return nil
		}
		state.FVGLow = f64(zone.Low)
		state.FVGHigh = f64(zone.High)
		if err := m.repo.AdvanceState(ctx, state); err != nil {
			return err
		}
		m.log.Info("FVG zone recorded",
			"state_id", state.ID, "zone_low", zone.Low, "zone_high", zone.High)
		return nil
	}

	zone := Zone{Low: *state.FVGLow, High: *state.FVGHigh}
	if !zone.Contains(price) {
		return nil
	}

	from := state.CurrentPhase
	state.CurrentPhase = database.PhaseWaitingBOS
	state.FVGFillPrice = f64(price)
	state.FVGFillAt = ts(at)
	if err := m.repo.AdvanceState(ctx, state); err != nil {
		return err
	}

	m.log.Info("FVG filled",
		"state_id", state.ID, "zone_low", zone.Low, "zone_high", zone.High, "price", price)
	m.bus.PublishPhaseAdvanced(state.ID, string(from), string(state.CurrentPhase))
	return nil
}

// checkBOS confirms a break of structure beyond the CHoCH price
func (m *Machine) checkBOS(ctx context.Context, sweep *database.Sweep, state *database.ConfluenceState, price float64, at time.Time) error {
	if state.CHoCHPrice == nil {
		return fmt.Errorf("state %d in WAITING_BOS without choch_price", state.ID)
	}

	confirmed := false
	if sweep.Bias == database.BiasBullish {
		confirmed = price > *state.CHoCHPrice*BOSFactor
	} else {
		confirmed = price < *state.CHoCHPrice*(2-BOSFactor)
	}
	if !confirmed {
		return nil
	}

	from := state.CurrentPhase
	state.CurrentPhase = database.PhaseComplete
	state.BOSPrice = f64(price)
	state.BOSAt = ts(at)
	if err := m.repo.AdvanceState(ctx, state); err != nil {
		return err
	}

	m.log.Info("BOS confirmed, setup complete",
		"state_id", state.ID, "bias", string(sweep.Bias), "price", price)
	m.bus.PublishPhaseAdvanced(state.ID, string(from), string(state.CurrentPhase))
	m.bus.PublishSetupReady(state.ID, sweep.ID, string(sweep.Bias))
	return nil
}

// FindFVG scans the most recent candles for a three-candle gap in the bias
// direction whose size exceeds 0.1% of the current price. The newest
// qualifying gap wins. Candles must be sorted oldest first.
func FindFVG(candles []*database.Candle, bias database.Bias, price float64) (Zone, bool) {
	if len(candles) > FVGScanWindow {
		candles = candles[len(candles)-FVGScanWindow:]
	}
	minGap := price * FVGMinGapFrac

	for i := len(candles) - 3; i >= 0; i-- {
		c1, c3 := candles[i], candles[i+2]
		if bias == database.BiasBullish {
			if gap := c3.Low - c1.High; gap > minGap {
				return Zone{Low: c1.High, High: c3.Low}, true
			}
		} else {
			if gap := c1.Low - c3.High; gap > minGap {
				return Zone{Low: c3.High, High: c1.Low}, true
			}
		}
	}
	return Zone{}, false
}

func maxHigh(candles []*database.Candle) float64 {
	max := candles[0].High
	for _, c := range candles[1:] {
		if c.High > max {
			max = c.High
		}
	}
	return max
}

func minLow(candles []*database.Candle) float64 {
	min := candles[0].Low
	for _, c := range candles[1:] {
		if c.Low < min {
			min = c.Low
		}
	}
	return min
}

func f64(v float64) *float64 { return &v }

func ts(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

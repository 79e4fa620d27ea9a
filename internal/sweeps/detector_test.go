package sweeps

import (
	"context"
	"testing"
	"time"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
)

// fakeStore keeps the single active sweep and its state in memory,
// mirroring the repository's supersede-on-create transaction
type fakeStore struct {
	swings map[database.SwingKind]*database.SwingLevel
	active *database.Sweep
	states map[int64]*database.ConfluenceState
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		swings: make(map[database.SwingKind]*database.SwingLevel),
		states: make(map[int64]*database.ConfluenceState),
	}
}

func (f *fakeStore) ActiveSweep(ctx context.Context) (*database.Sweep, error) {
	return f.active, nil
}

func (f *fakeStore) ActiveSwing(ctx context.Context, tf database.Timeframe, kind database.SwingKind) (*database.SwingLevel, error) {
	return f.swings[kind], nil
}

// GetStateBySweepID returns a copy, as a row load would
func (f *fakeStore) GetStateBySweepID(ctx context.Context, sweepID int64) (*database.ConfluenceState, error) {
	st, ok := f.states[sweepID]
	if !ok {
		return nil, nil
	}
	loaded := *st
	return &loaded, nil
}

func (f *fakeStore) CreateSweepWithState(ctx context.Context, sweep *database.Sweep) (*database.ConfluenceState, error) {
	if f.active != nil {
		if st := f.states[f.active.ID]; st != nil && !st.CurrentPhase.Terminal() {
			st.CurrentPhase = database.PhaseExpired
			st.Version++
		}
		f.active.Active = false
	}

	f.nextID++
	sweep.ID = f.nextID
	sweep.Active = true
	f.active = sweep

	f.nextID++
	state := &database.ConfluenceState{
		ID:           f.nextID,
		SweepID:      sweep.ID,
		CurrentPhase: database.PhaseWaitingCHoCH,
		Version:      1,
		CreatedAt:    sweep.DetectedAt,
	}
	f.states[sweep.ID] = state
	return state, nil
}

func (f *fakeStore) ExpireState(ctx context.Context, state *database.ConfluenceState) error {
	state.CurrentPhase = database.PhaseExpired
	state.Version++
	if st, ok := f.states[state.SweepID]; ok {
		st.CurrentPhase = database.PhaseExpired
		st.Version++
	}
	if f.active != nil && f.active.ID == state.SweepID {
		f.active.Active = false
		f.active = nil
	}
	return nil
}

func (f *fakeStore) ExpireSweep(ctx context.Context, id int64) error {
	if f.active != nil && f.active.ID == id {
		f.active.Active = false
		f.active = nil
	}
	return nil
}

func TestBreachedHigh(t *testing.T) {
	swing := 92000.0

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"well above threshold", 92200, true},
		{"just above threshold", swing*HighBreachFactor + 0.01, true},
		{"exactly at threshold", swing * HighBreachFactor, false},
		{"above swing but inside margin", 92050, false},
		{"below swing", 91900, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := breached(database.SwingHigh, swing, tt.price); got != tt.want {
				t.Errorf("breached(HIGH, %f, %f) = %v, want %v", swing, tt.price, got, tt.want)
			}
		})
	}
}

func TestBreachedLow(t *testing.T) {
	swing := 89100.0

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"well below threshold", 88900, true},
		{"just below threshold", swing*LowBreachFactor - 0.01, true},
		{"exactly at threshold", swing * LowBreachFactor, false},
		{"below swing but inside margin", 89050, false},
		{"above swing", 89200, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := breached(database.SwingLow, swing, tt.price); got != tt.want {
				t.Errorf("breached(LOW, %f, %f) = %v, want %v", swing, tt.price, got, tt.want)
			}
		})
	}
}

func TestCheckEmitsSweepOnLowBreach(t *testing.T) {
	store := newFakeStore()
	store.swings[database.SwingLow] = &database.SwingLevel{
		ID: 1, Timeframe: database.Timeframe4H, Kind: database.SwingLow,
		Price: 89000, Active: true,
	}
	d := NewDetector(store, events.NewEventBus(), time.Hour)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 0.1% below 89000 is 88911.1
	res, err := d.Check(context.Background(), 88910.9, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeEmitted {
		t.Fatalf("outcome = %d, want emitted", res.Outcome)
	}
	if res.Sweep.Kind != database.SwingLow || res.Sweep.Bias != database.BiasBullish {
		t.Errorf("sweep = %s/%s, want LOW/BULLISH", res.Sweep.Kind, res.Sweep.Bias)
	}
	if res.State == nil || res.State.CurrentPhase != database.PhaseWaitingCHoCH {
		t.Errorf("new state should start in WAITING_CHOCH")
	}
	if !res.Sweep.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want detection + expiry window", res.Sweep.ExpiresAt)
	}
}

func TestCheckIgnoresRebreachOfSweptSwing(t *testing.T) {
	store := newFakeStore()
	store.swings[database.SwingLow] = &database.SwingLevel{
		ID: 1, Timeframe: database.Timeframe4H, Kind: database.SwingLow,
		Price: 89000, Active: true,
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.active = &database.Sweep{
		ID: 10, Kind: database.SwingLow, SwingLevelID: 1,
		Bias: database.BiasBullish, Active: true, ExpiresAt: now.Add(time.Hour),
	}
	d := NewDetector(store, events.NewEventBus(), time.Hour)

	// Price still below the swept level must not mint a second sweep
	res, err := d.Check(context.Background(), 88800, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeNoChange {
		t.Errorf("outcome = %d, want no change", res.Outcome)
	}
	if store.active == nil || store.active.ID != 10 {
		t.Error("active sweep should be untouched")
	}
}

func TestCheckSupersedesActiveSweep(t *testing.T) {
	store := newFakeStore()
	store.swings[database.SwingLow] = &database.SwingLevel{
		ID: 1, Timeframe: database.Timeframe4H, Kind: database.SwingLow,
		Price: 89000, Active: true,
	}
	store.swings[database.SwingHigh] = &database.SwingLevel{
		ID: 2, Timeframe: database.Timeframe4H, Kind: database.SwingHigh,
		Price: 91000, Active: true,
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.active = &database.Sweep{
		ID: 10, Kind: database.SwingLow, SwingLevelID: 1,
		Bias: database.BiasBullish, Active: true, ExpiresAt: now.Add(time.Hour),
	}
	store.states[10] = &database.ConfluenceState{
		ID: 100, SweepID: 10, CurrentPhase: database.PhaseWaitingFVG, Version: 2,
	}

	bus := events.NewEventBus()
	expired := make(chan events.Event, 1)
	bus.Subscribe(events.EventSetupExpired, func(e events.Event) { expired <- e })

	d := NewDetector(store, bus, time.Hour)

	// 0.1% above the 91000 high is 91091; the breach lands while the
	// bullish sweep is still mid-confluence
	res, err := d.Check(context.Background(), 91200, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeEmitted {
		t.Fatalf("outcome = %d, want emitted", res.Outcome)
	}
	if res.Sweep.Bias != database.BiasBearish {
		t.Errorf("bias = %s, want BEARISH", res.Sweep.Bias)
	}

	if store.states[10].CurrentPhase != database.PhaseExpired {
		t.Errorf("old state phase = %s, want EXPIRED", store.states[10].CurrentPhase)
	}
	if store.active == nil || store.active.ID == 10 {
		t.Error("old sweep should have been replaced as the active one")
	}

	select {
	case e := <-expired:
		if e.Data["state_id"].(int64) != 100 {
			t.Errorf("expired state_id = %v, want 100", e.Data["state_id"])
		}
		if e.Data["reason"].(string) != "superseded by new sweep" {
			t.Errorf("reason = %v", e.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("setup expiry never published for the superseded state")
	}
}

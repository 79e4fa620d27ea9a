package risk

import (
	"context"
	"math"
	"testing"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
	"confluence-trading-bot/internal/logging"
)

func testSizer() *Sizer {
	return &Sizer{
		cfg: StopConfig{
			BufferLong:      0.998,
			BufferShort:     1.003,
			MinStopDistance: 0.005,
			MaxStopDistance: 0.03,
			RiskPerTrade:    0.01,
			MinRewardRisk:   2.0,
		},
		log: logging.WithComponent("risk"),
	}
}

func TestCandidateStop(t *testing.T) {
	s := testSizer()

	if got := s.candidateStop(89100, database.DirectionLong); math.Abs(got-88921.8) > 1e-6 {
		t.Errorf("long stop = %f, want 88921.8", got)
	}
	if got := s.candidateStop(92000, database.DirectionShort); math.Abs(got-92276) > 1e-6 {
		t.Errorf("short stop = %f, want 92276", got)
	}
}

func TestValidateStop(t *testing.T) {
	s := testSizer()
	entry := 90000.0

	tests := []struct {
		name      string
		stop      float64
		direction database.Direction
		wantOK    bool
	}{
		{"long stop in band", 88921.8, database.DirectionLong, true},
		{"long stop above entry", 90100, database.DirectionLong, false},
		{"long stop too tight", 89700, database.DirectionLong, false},  // 0.33%
		{"long stop too wide", 87000, database.DirectionLong, false},   // 3.33%
		{"short stop in band", 90900, database.DirectionShort, true},   // 1%
		{"short stop below entry", 89900, database.DirectionShort, false},
		{"short stop too tight", 90200, database.DirectionShort, false}, // 0.22%
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := s.validateStop(entry, tt.stop, tt.direction)
			if ok := reason == ""; ok != tt.wantOK {
				t.Errorf("validateStop(%f, %f, %s) = %q, wantOK %v",
					entry, tt.stop, tt.direction, reason, tt.wantOK)
			}
		})
	}
}

func TestBuildPlanLong(t *testing.T) {
	s := testSizer()

	// Entry 90000, swing-derived stop 88921.80, balance 10000:
	// distance 1078.20, risk 100, size 0.09275..., tp 92156.40
	plan := s.buildPlan(90000, 88921.8, database.DirectionLong, 10000)

	if math.Abs(plan.TakeProfit-92156.4) > 0.01 {
		t.Errorf("take profit = %f, want 92156.40", plan.TakeProfit)
	}
	if math.Abs(plan.RiskQuote-100) > 1e-9 {
		t.Errorf("risk quote = %f, want 100", plan.RiskQuote)
	}
	if math.Abs(plan.SizeBase-100/1078.2) > 1e-9 {
		t.Errorf("size = %f, want %f", plan.SizeBase, 100/1078.2)
	}
	if plan.RR != 2.0 {
		t.Errorf("rr = %f, want 2.0", plan.RR)
	}
}

func TestBuildPlanShort(t *testing.T) {
	s := testSizer()

	plan := s.buildPlan(90000, 90900, database.DirectionShort, 10000)

	// Stop 900 above entry, so target sits 1800 below
	if math.Abs(plan.TakeProfit-88200) > 0.01 {
		t.Errorf("take profit = %f, want 88200", plan.TakeProfit)
	}
	if math.Abs(plan.SizeBase-100.0/900) > 1e-9 {
		t.Errorf("size = %f, want %f", plan.SizeBase, 100.0/900)
	}
}

type fakeSwingSource struct {
	swings map[database.Timeframe]*database.SwingLevel
}

func (f *fakeSwingSource) ActiveSwing(ctx context.Context, tf database.Timeframe, kind database.SwingKind) (*database.SwingLevel, error) {
	swing := f.swings[tf]
	if swing == nil || swing.Kind != kind {
		return nil, nil
	}
	return swing, nil
}

func TestPlanAnchorsOnFiveMinuteSwing(t *testing.T) {
	s := testSizer()
	s.repo = &fakeSwingSource{swings: map[database.Timeframe]*database.SwingLevel{
		database.Timeframe5M: {ID: 1, Timeframe: database.Timeframe5M, Kind: database.SwingLow, Price: 89100},
		database.Timeframe4H: {ID: 2, Timeframe: database.Timeframe4H, Kind: database.SwingLow, Price: 89000},
	}}

	plan, err := s.Plan(context.Background(), 90000, database.DirectionLong, 10000)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Source != database.StopSource5M {
		t.Errorf("source = %s, want 5M", plan.Source)
	}
	if math.Abs(plan.StopPrice-88921.8) > 1e-6 {
		t.Errorf("stop = %f, want 88921.8", plan.StopPrice)
	}
	if math.Abs(plan.SizeBase-100/1078.2) > 1e-9 {
		t.Errorf("size = %f, want %f", plan.SizeBase, 100/1078.2)
	}
}

func TestPlanFallsBackToFourHourSwing(t *testing.T) {
	s := testSizer()
	// The 5M stop lands 0.31% from entry, under the 0.5% floor; the 4H
	// swing yields a usable one
	s.repo = &fakeSwingSource{swings: map[database.Timeframe]*database.SwingLevel{
		database.Timeframe5M: {ID: 1, Timeframe: database.Timeframe5M, Kind: database.SwingLow, Price: 89900},
		database.Timeframe4H: {ID: 2, Timeframe: database.Timeframe4H, Kind: database.SwingLow, Price: 89100},
	}}

	plan, err := s.Plan(context.Background(), 90000, database.DirectionLong, 10000)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Source != database.StopSource4H {
		t.Errorf("source = %s, want 4H", plan.Source)
	}
	if plan.SwingPrice != 89100 {
		t.Errorf("anchor swing = %f, want 89100", plan.SwingPrice)
	}
}

func TestPlanRejectsWithoutUsableStop(t *testing.T) {
	s := testSizer()
	s.repo = &fakeSwingSource{}

	_, err := s.Plan(context.Background(), 90000, database.DirectionLong, 10000)
	if err == nil {
		t.Fatal("expected rejection when no swing yields a stop")
	}
	if errs.KindOf(err) != errs.KindBusiness {
		t.Errorf("kind = %s, want BUSINESS", errs.KindOf(err))
	}
}

// Package risk computes swing-anchored stops and position sizes, and gates
// every trade behind account-level limits.
package risk

import (
	"context"
	"fmt"
	"math"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
	"confluence-trading-bot/internal/logging"
)

// StopConfig holds the stop and sizing parameters
type StopConfig struct {
	BufferLong      float64 // stop = swing * BufferLong for LONG
	BufferShort     float64 // stop = swing * BufferShort for SHORT
	MinStopDistance float64 // fraction of entry
	MaxStopDistance float64 // fraction of entry
	RiskPerTrade    float64 // fraction of balance risked
	MinRewardRisk   float64
}

// StopPlan is the accepted stop, take profit and size for a setup
type StopPlan struct {
	StopPrice  float64
	Source     database.StopSource
	SwingPrice float64
	TakeProfit float64
	SizeBase   float64
	RiskQuote  float64
	RR         float64
}

// SwingSource is the slice of the repository the sizer needs
type SwingSource interface {
	ActiveSwing(ctx context.Context, tf database.Timeframe, kind database.SwingKind) (*database.SwingLevel, error)
}

// Sizer derives stop plans from the active swings
type Sizer struct {
	repo SwingSource
	cfg  StopConfig
	log  *logging.Logger
}

// NewSizer creates a sizer
func NewSizer(repo SwingSource, cfg StopConfig) *Sizer {
	return &Sizer{
		repo: repo,
		cfg:  cfg,
		log:  logging.WithComponent("risk"),
	}
}

// Plan computes the stop, take profit and size for an expected entry.
// Tries the 5M swing first, falls back to 4H; rejects the setup when
// neither yields a stop inside the distance band.
func (s *Sizer) Plan(ctx context.Context, entry float64, direction database.Direction, balance float64) (*StopPlan, error) {
	if entry <= 0 {
		return nil, errs.Newf(errs.KindValidation, "sizer", "entry price must be positive, got %f", entry)
	}
	if balance <= 0 {
		return nil, errs.Newf(errs.KindValidation, "sizer", "account balance must be positive, got %f", balance)
	}

	kind := database.SwingLow
	if direction == database.DirectionShort {
		kind = database.SwingHigh
	}

	for _, attempt := range []struct {
		tf     database.Timeframe
		source database.StopSource
	}{
		{database.Timeframe5M, database.StopSource5M},
		{database.Timeframe4H, database.StopSource4H},
	} {
		swing, err := s.repo.ActiveSwing(ctx, attempt.tf, kind)
		if err != nil {
			return nil, err
		}
		if swing == nil {
			continue
		}

		stop := s.candidateStop(swing.Price, direction)
		if reason := s.validateStop(entry, stop, direction); reason != "" {
			s.log.Debug("stop candidate rejected",
				"timeframe", string(attempt.tf), "stop", stop, "reason", reason)
			continue
		}

		plan := s.buildPlan(entry, stop, direction, balance)
		plan.Source = attempt.source
		plan.SwingPrice = swing.Price

		s.log.Info("stop plan computed",
			"direction", string(direction), "entry", entry,
			"stop", plan.StopPrice, "source", string(plan.Source),
			"take_profit", plan.TakeProfit, "size_base", plan.SizeBase)
		return plan, nil
	}

	return nil, errs.Newf(errs.KindBusiness, "sizer",
		"no valid stop for %s entry %.2f on either timeframe", direction, entry)
}

func (s *Sizer) candidateStop(swingPrice float64, direction database.Direction) float64 {
	if direction == database.DirectionLong {
		return swingPrice * s.cfg.BufferLong
	}
	return swingPrice * s.cfg.BufferShort
}

// validateStop returns a rejection reason, or "" when the stop is usable
func (s *Sizer) validateStop(entry, stop float64, direction database.Direction) string {
	if direction == database.DirectionLong && stop >= entry {
		return "stop not below entry"
	}
	if direction == database.DirectionShort && stop <= entry {
		return "stop not above entry"
	}

	distance := math.Abs(entry-stop) / entry
	if distance < s.cfg.MinStopDistance {
		return fmt.Sprintf("distance %.4f below minimum %.4f", distance, s.cfg.MinStopDistance)
	}
	if distance > s.cfg.MaxStopDistance {
		return fmt.Sprintf("distance %.4f above maximum %.4f", distance, s.cfg.MaxStopDistance)
	}
	return ""
}

func (s *Sizer) buildPlan(entry, stop float64, direction database.Direction, balance float64) *StopPlan {
	stopDistance := math.Abs(entry - stop)

	takeProfit := entry + s.cfg.MinRewardRisk*stopDistance
	if direction == database.DirectionShort {
		takeProfit = entry - s.cfg.MinRewardRisk*stopDistance
	}

	riskQuote := balance * s.cfg.RiskPerTrade
	return &StopPlan{
		StopPrice:  stop,
		TakeProfit: takeProfit,
		SizeBase:   riskQuote / stopDistance,
		RiskQuote:  riskQuote,
		RR:         s.cfg.MinRewardRisk,
	}
}

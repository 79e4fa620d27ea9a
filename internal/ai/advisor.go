package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"confluence-trading-bot/internal/ai/llm"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
	"confluence-trading-bot/internal/logging"
)

// Validation thresholds
const (
	EntryDeviationMax = 0.005 // vs current price
	SizeDeviationMax  = 0.05  // vs sizer's computation
	RRTolerance       = 0.1
	MinReasoningLen   = 40
)

// Config holds the advisor's acceptance thresholds and safety limits
type Config struct {
	Enabled             bool // when false, setups pass on the computed plan alone
	MinConfidence       float64
	MinRewardRisk       float64
	MinStopDistance     float64
	MaxStopDistance     float64
	MaxHourlyVolatility float64 // percent
	MinVolumeRatio      float64
	MaxSpreadPercent    float64
	Max24hChangePercent float64
	PriceSanityMin      float64
	PriceSanityMax      float64
	EventWindowActive   func() bool // flagged economic event window, optional
}

// Decision is the parsed and validated model answer
type Decision struct {
	Approve    bool                `json:"approve"`
	Direction  database.Direction  `json:"direction"`
	Entry      float64             `json:"entry"`
	Stop       float64             `json:"stop"`
	StopSource database.StopSource `json:"stop_source"`
	TakeProfit float64             `json:"take_profit"`
	SizeBase   float64             `json:"size_base"`
	RR         float64             `json:"rr"`
	Confidence float64             `json:"confidence"`
	Reasoning  string              `json:"reasoning"`

	// Set when a market-safety override flipped an approval
	Overridden      bool     `json:"overridden,omitempty"`
	OverrideReasons []string `json:"override_reasons,omitempty"`
}

// Advisor asks the model about a setup and enforces the answer's
// consistency with the computed plan
type Advisor struct {
	client *llm.Client
	cfg    Config
	log    *logging.Logger
}

// NewAdvisor creates an advisor
func NewAdvisor(client *llm.Client, cfg Config) *Advisor {
	return &Advisor{
		client: client,
		cfg:    cfg,
		log:    logging.WithComponent("ai"),
	}
}

// Validate runs the full ask-parse-validate-override chain. A returned
// error means the answer was unusable; a Decision with Approve=false is a
// clean rejection.
func (a *Advisor) Validate(ctx context.Context, snapshot *Snapshot) (*Decision, error) {
	if !a.cfg.Enabled {
		// No model gate: the computed plan stands, market-safety limits
		// still apply
		decision := planDecision(snapshot)
		a.applyOverrides(decision, snapshot)
		a.log.Info("model gate disabled, plan accepted",
			"overridden", decision.Overridden)
		return decision, nil
	}

	raw, err := a.client.Complete(ctx, systemPrompt, BuildPrompt(snapshot))
	if err != nil {
		return nil, errs.New(errs.Classify(err), "ai", err)
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		return nil, errs.New(errs.KindValidation, "ai", err)
	}

	if !decision.Approve {
		a.log.Info("model rejected setup",
			"confidence", decision.Confidence, "reasoning", decision.Reasoning)
		return decision, nil
	}

	if reason := a.validateConsistency(decision, snapshot); reason != "" {
		return nil, errs.Newf(errs.KindValidation, "ai", "inconsistent model answer: %s", reason)
	}

	a.applyOverrides(decision, snapshot)
	if decision.Overridden {
		a.log.Warn("market-safety override rejected approved setup",
			"original_decision", "approve",
			"confidence", decision.Confidence,
			"reasons", strings.Join(decision.OverrideReasons, "; "))
	}
	return decision, nil
}

// planDecision approves the computed plan verbatim
func planDecision(s *Snapshot) *Decision {
	return &Decision{
		Approve:    true,
		Direction:  s.Direction,
		Entry:      s.CurrentPrice,
		Stop:       s.Plan.StopPrice,
		StopSource: s.Plan.Source,
		TakeProfit: s.Plan.TakeProfit,
		SizeBase:   s.Plan.SizeBase,
		RR:         s.Plan.RR,
		Confidence: 100,
		Reasoning:  "model gate disabled, computed plan accepted without review",
	}
}

// ParseDecision extracts the JSON object from the model output
func ParseDecision(raw string) (*Decision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decision); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	return &decision, nil
}

// validateConsistency returns a rejection reason, or "" for a usable answer
func (a *Advisor) validateConsistency(d *Decision, s *Snapshot) string {
	if d.Direction != s.Direction {
		return fmt.Sprintf("direction %s inconsistent with bias-implied %s", d.Direction, s.Direction)
	}

	if s.CurrentPrice <= 0 {
		return "no current price"
	}
	if math.Abs(d.Entry-s.CurrentPrice)/s.CurrentPrice > EntryDeviationMax {
		return fmt.Sprintf("entry %.2f deviates more than %.1f%% from price %.2f",
			d.Entry, EntryDeviationMax*100, s.CurrentPrice)
	}

	if d.Direction == database.DirectionLong && d.Stop >= d.Entry {
		return "stop not below entry for LONG"
	}
	if d.Direction == database.DirectionShort && d.Stop <= d.Entry {
		return "stop not above entry for SHORT"
	}

	distance := math.Abs(d.Entry-d.Stop) / d.Entry
	if distance < a.cfg.MinStopDistance || distance > a.cfg.MaxStopDistance {
		return fmt.Sprintf("stop distance %.4f outside [%.4f, %.4f]",
			distance, a.cfg.MinStopDistance, a.cfg.MaxStopDistance)
	}

	if d.RR < a.cfg.MinRewardRisk {
		return fmt.Sprintf("rr %.2f below minimum %.2f", d.RR, a.cfg.MinRewardRisk)
	}
	impliedRR := math.Abs(d.TakeProfit-d.Entry) / math.Abs(d.Entry-d.Stop)
	if math.Abs(impliedRR-d.RR) > RRTolerance {
		return fmt.Sprintf("reported rr %.2f inconsistent with implied %.2f", d.RR, impliedRR)
	}

	if d.Confidence < a.cfg.MinConfidence {
		return fmt.Sprintf("confidence %.0f below %.0f", d.Confidence, a.cfg.MinConfidence)
	}

	if s.Plan.SizeBase > 0 && math.Abs(d.SizeBase-s.Plan.SizeBase)/s.Plan.SizeBase > SizeDeviationMax {
		return fmt.Sprintf("size %.8f deviates more than %.0f%% from computed %.8f",
			d.SizeBase, SizeDeviationMax*100, s.Plan.SizeBase)
	}

	if len(strings.TrimSpace(d.Reasoning)) < MinReasoningLen {
		return "reasoning too short"
	}
	return ""
}

// applyOverrides forces the decision to a rejection when market safety
// limits are violated, recording every triggered limit
func (a *Advisor) applyOverrides(d *Decision, s *Snapshot) {
	if !d.Approve || s.Market == nil {
		return
	}

	var reasons []string
	m := s.Market

	if m.HourlyVolatility > a.cfg.MaxHourlyVolatility {
		reasons = append(reasons, fmt.Sprintf("hourly volatility %.2f%% above %.2f%%",
			m.HourlyVolatility, a.cfg.MaxHourlyVolatility))
	}
	if m.VolumeRatio < a.cfg.MinVolumeRatio {
		reasons = append(reasons, fmt.Sprintf("volume ratio %.2f below %.2f",
			m.VolumeRatio, a.cfg.MinVolumeRatio))
	}
	if m.SpreadPercent > a.cfg.MaxSpreadPercent {
		reasons = append(reasons, fmt.Sprintf("spread %.4f%% above %.4f%%",
			m.SpreadPercent, a.cfg.MaxSpreadPercent))
	}
	if math.Abs(m.PriceChange24h) > a.cfg.Max24hChangePercent {
		reasons = append(reasons, fmt.Sprintf("24h change %.2f%% beyond %.2f%%",
			m.PriceChange24h, a.cfg.Max24hChangePercent))
	}
	if a.cfg.EventWindowActive != nil && a.cfg.EventWindowActive() {
		reasons = append(reasons, "economic event window active")
	}
	if s.CurrentPrice < a.cfg.PriceSanityMin || s.CurrentPrice > a.cfg.PriceSanityMax {
		reasons = append(reasons, fmt.Sprintf("price %.2f outside sanity band [%.0f, %.0f]",
			s.CurrentPrice, a.cfg.PriceSanityMin, a.cfg.PriceSanityMax))
	}

	if len(reasons) > 0 {
		d.Approve = false
		d.Overridden = true
		d.OverrideReasons = reasons
	}
}

package database

import (
	"fmt"
	"time"
)

// Timeframe identifies a candle granularity
type Timeframe string

const (
	Timeframe4H Timeframe = "4H"
	Timeframe5M Timeframe = "5M"
)

// Duration returns the bucket width of the timeframe
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe4H:
		return 4 * time.Hour
	case Timeframe5M:
		return 5 * time.Minute
	default:
		return 0
	}
}

// ParseTimeframe parses a boundary string into a Timeframe
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe4H, Timeframe5M:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// SwingKind is the side of a swing level
type SwingKind string

const (
	SwingHigh SwingKind = "HIGH"
	SwingLow  SwingKind = "LOW"
)

// Opposite returns the other swing kind
func (k SwingKind) Opposite() SwingKind {
	if k == SwingHigh {
		return SwingLow
	}
	return SwingHigh
}

// Bias is the trade direction implied by a sweep
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
)

// BiasForSweep maps sweep kind to bias: a swept low implies longs, a swept
// high implies shorts.
func BiasForSweep(kind SwingKind) Bias {
	if kind == SwingLow {
		return BiasBullish
	}
	return BiasBearish
}

// Phase is a confluence state machine phase
type Phase string

const (
	PhaseWaitingCHoCH Phase = "WAITING_CHOCH"
	PhaseWaitingFVG   Phase = "WAITING_FVG"
	PhaseWaitingBOS   Phase = "WAITING_BOS"
	PhaseComplete     Phase = "COMPLETE"
	PhaseExpired      Phase = "EXPIRED"
)

// Order returns the position of the phase in the progression chain.
// EXPIRED shares the terminal rank with COMPLETE.
func (p Phase) Order() int {
	switch p {
	case PhaseWaitingCHoCH:
		return 0
	case PhaseWaitingFVG:
		return 1
	case PhaseWaitingBOS:
		return 2
	case PhaseComplete, PhaseExpired:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the phase is terminal
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseExpired
}

// Direction is the side of a trade
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// DirectionForBias maps a bias to the trade direction it implies
func DirectionForBias(b Bias) Direction {
	if b == BiasBullish {
		return DirectionLong
	}
	return DirectionShort
}

// TradeStatus is the lifecycle status of a trade
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Outcome is the result of a closed trade
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
)

// StopSource identifies which timeframe's swing produced a stop
type StopSource string

const (
	StopSource5M StopSource = "5M"
	StopSource4H StopSource = "4H"
)

// Candle is one OHLCV bucket. Immutable once inserted.
type Candle struct {
	Timeframe   Timeframe `json:"timeframe"`
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
}

// Valid enforces the OHLCV invariant
func (c *Candle) Valid() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.Volume < 0 {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close {
		return false
	}
	if c.High < c.Open || c.High < c.Close {
		return false
	}
	return !c.BucketStart.IsZero()
}

// SwingLevel is a confirmed local extremum. At most one row per
// (timeframe, kind) has active=true.
type SwingLevel struct {
	ID          int64     `json:"id"`
	Timeframe   Timeframe `json:"timeframe"`
	Kind        SwingKind `json:"kind"`
	BucketStart time.Time `json:"bucket_start"`
	Price       float64   `json:"price"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Sweep records a breach of the active 4H swing. At most one row is active.
type Sweep struct {
	ID               int64     `json:"id"`
	DetectedAt       time.Time `json:"detected_at"`
	Kind             SwingKind `json:"kind"`
	PriceAtDetection float64   `json:"price_at_detection"`
	SwingLevelID     int64     `json:"swing_level_id"`
	Bias             Bias      `json:"bias"`
	Active           bool      `json:"active"`
	ExpiresAt        time.Time `json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConfluenceState drives one sweep through CHoCH, FVG fill and BOS.
// Phases only advance; terminal states are COMPLETE and EXPIRED.
type ConfluenceState struct {
	ID           int64      `json:"id"`
	SweepID      int64      `json:"sweep_id"`
	CurrentPhase Phase      `json:"current_phase"`
	CHoCHPrice   *float64   `json:"choch_price,omitempty"`
	CHoCHAt      *time.Time `json:"choch_at,omitempty"`
	FVGLow       *float64   `json:"fvg_low,omitempty"`
	FVGHigh      *float64   `json:"fvg_high,omitempty"`
	FVGFillPrice *float64   `json:"fvg_fill_price,omitempty"`
	FVGFillAt    *time.Time `json:"fvg_fill_at,omitempty"`
	BOSPrice     *float64   `json:"bos_price,omitempty"`
	BOSAt        *time.Time `json:"bos_at,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TimesOrdered checks choch_at <= fvg_fill_at <= bos_at over the set fields
func (s *ConfluenceState) TimesOrdered() bool {
	if s.CHoCHAt != nil && s.FVGFillAt != nil && s.FVGFillAt.Before(*s.CHoCHAt) {
		return false
	}
	if s.FVGFillAt != nil && s.BOSAt != nil && s.BOSAt.Before(*s.FVGFillAt) {
		return false
	}
	return true
}

// Trade is one executed position, created only after entry, stop and
// take-profit orders are all in place.
type Trade struct {
	ID                int64       `json:"id"`
	ConfluenceStateID int64       `json:"confluence_state_id"`
	Direction         Direction   `json:"direction"`
	EntryPrice        float64     `json:"entry_price"`
	EntryAt           time.Time   `json:"entry_at"`
	SizeBase          float64     `json:"size_base"`
	SizeQuote         float64     `json:"size_quote"`
	StopPrice         float64     `json:"stop_price"`
	StopSource        StopSource  `json:"stop_source"`
	TakeProfit        float64     `json:"take_profit"`
	RRRatio           float64     `json:"rr_ratio"`
	EntryOrderID      string      `json:"entry_order_id"`
	StopOrderID       string      `json:"stop_order_id"`
	TPOrderID         string      `json:"tp_order_id"`
	Status            TradeStatus `json:"status"`
	Outcome           *Outcome    `json:"outcome,omitempty"`
	ExitPrice         *float64    `json:"exit_price,omitempty"`
	ExitAt            *time.Time  `json:"exit_at,omitempty"`
	PnLQuote          *float64    `json:"pnl_quote,omitempty"`
	PnLPercent        *float64    `json:"pnl_percent,omitempty"`
	UnrealizedPnL     float64     `json:"unrealized_pnl"`
	UnrealizedPercent float64     `json:"unrealized_percent"`
	TrailingActivated bool        `json:"trailing_activated"`
	TrailingPrice     *float64    `json:"trailing_price,omitempty"`
	AIConfidence      float64     `json:"ai_confidence"`
	AIReasoning       string      `json:"ai_reasoning"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// System flag keys. Flags live in the system_flags key-value table.
const (
	FlagEmergencyStop = "emergency_stop"
	FlagPaperMode     = "paper_mode"
)

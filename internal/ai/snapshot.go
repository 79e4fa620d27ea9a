// Package ai validates completed setups with a language model and applies
// deterministic market-safety overrides on top of its answer.
package ai

import (
	"fmt"
	"strings"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/risk"
)

// Snapshot is everything the model sees about one setup
type Snapshot struct {
	Sweep        *database.Sweep
	State        *database.ConfluenceState
	Swing        *database.SwingLevel
	Plan         *risk.StopPlan
	Direction    database.Direction
	CurrentPrice float64
	Balance      float64
	Market       *coinbase.MarketSnapshot
}

const systemPrompt = `You are a disciplined spot trading validator for BTC-USD.
You receive one fully formed setup: a 4H liquidity sweep followed by a 5M
change of character, a filled fair value gap and a break of structure,
together with a computed stop-loss, take-profit and position size.

Your only job is to approve or reject the setup. You may adjust nothing.
Respond with a single JSON object and no other text:

{
  "approve": true or false,
  "direction": "LONG" or "SHORT",
  "entry": number,
  "stop": number,
  "stop_source": "5M" or "4H",
  "take_profit": number,
  "size_base": number,
  "rr": number,
  "confidence": number between 0 and 100,
  "reasoning": "at least two sentences explaining your decision"
}

Echo the provided entry, stop, take_profit, size_base and rr values in your
answer. Reject if the structure looks weak, the move is exhausted, or the
market context argues against the bias.`

// BuildPrompt renders the user prompt for a snapshot
func BuildPrompt(s *Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SETUP (bias %s, direction %s)\n\n", s.Sweep.Bias, s.Direction)

	fmt.Fprintf(&b, "4H liquidity sweep:\n")
	fmt.Fprintf(&b, "- swept %s swing at %.2f\n", s.Sweep.Kind, s.Swing.Price)
	fmt.Fprintf(&b, "- sweep price %.2f at %s\n\n", s.Sweep.PriceAtDetection, s.Sweep.DetectedAt.Format("2006-01-02 15:04 UTC"))

	fmt.Fprintf(&b, "5M confluence:\n")
	if s.State.CHoCHPrice != nil {
		fmt.Fprintf(&b, "- CHoCH close %.2f at %s\n", *s.State.CHoCHPrice, s.State.CHoCHAt.Format("15:04"))
	}
	if s.State.FVGLow != nil && s.State.FVGHigh != nil {
		fmt.Fprintf(&b, "- FVG zone [%.2f, %.2f], filled at %.2f\n", *s.State.FVGLow, *s.State.FVGHigh, *s.State.FVGFillPrice)
	}
	if s.State.BOSPrice != nil {
		fmt.Fprintf(&b, "- BOS at %.2f\n\n", *s.State.BOSPrice)
	}

	fmt.Fprintf(&b, "Computed plan:\n")
	fmt.Fprintf(&b, "- entry (current price) %.2f\n", s.CurrentPrice)
	fmt.Fprintf(&b, "- stop %.2f (source %s swing %.2f)\n", s.Plan.StopPrice, s.Plan.Source, s.Plan.SwingPrice)
	fmt.Fprintf(&b, "- take_profit %.2f, rr %.1f\n", s.Plan.TakeProfit, s.Plan.RR)
	fmt.Fprintf(&b, "- size_base %.8f (risking %.2f of balance %.2f)\n\n", s.Plan.SizeBase, s.Plan.RiskQuote, s.Balance)

	if s.Market != nil {
		fmt.Fprintf(&b, "Market context:\n")
		fmt.Fprintf(&b, "- hourly volatility %.2f%%\n", s.Market.HourlyVolatility)
		fmt.Fprintf(&b, "- volume ratio vs average %.2f\n", s.Market.VolumeRatio)
		fmt.Fprintf(&b, "- spread %.4f%%\n", s.Market.SpreadPercent)
		fmt.Fprintf(&b, "- 24h change %.2f%%\n", s.Market.PriceChange24h)
	}

	return b.String()
}

package scheduler

import (
	"context"

	"confluence-trading-bot/internal/ai"
	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
)

// setupLoop executes completed setups one at a time. A rejection anywhere
// along the chain drops the setup and retires its sweep; only transient
// infrastructure errors leave the setup in the queue's past without
// retirement.
func (s *Scheduler) setupLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case stateID := <-s.setups:
			s.processSetup(ctx, stateID)
		}
	}
}

func (s *Scheduler) processSetup(ctx context.Context, stateID int64) {
	log := s.log.WithField("state_id", stateID)

	if s.isHalted(ctx) {
		log.Warn("setup dropped, emergency stop active")
		return
	}

	state, err := s.repo.GetStateByID(ctx, stateID)
	if err != nil {
		log.Error("load state failed", "error", err)
		return
	}

	if err := s.validator.ValidateComplete(ctx, state); err != nil {
		log.Error("completed state failed validation", "error", err)
		s.retireSweep(ctx, state.SweepID)
		return
	}

	sweep, err := s.repo.GetSweepByID(ctx, state.SweepID)
	if err != nil {
		log.Error("load sweep failed", "error", err)
		return
	}
	swing, err := s.repo.GetSwingByID(ctx, sweep.SwingLevelID)
	if err != nil {
		log.Error("load swing failed", "error", err)
		return
	}

	direction := database.DirectionForBias(sweep.Bias)

	ticker, err := s.client.GetBestPrice(ctx, s.cfg.ProductID)
	if err != nil {
		log.Error("price fetch failed", "error", err)
		s.bus.PublishError("pipeline", err)
		return
	}

	// Risk gate before any sizing work; its balance feeds the sizer
	gateResult, err := s.gate.Evaluate(ctx)
	if err != nil {
		log.Error("risk gate evaluation failed", "error", err)
		s.bus.PublishError("risk_gate", err)
		return
	}
	if !gateResult.Allowed {
		for _, failed := range gateResult.FailedChecks() {
			log.Warn("trade blocked by risk gate", "check", failed.Name, "detail", failed.Detail)
		}
		s.retireSweep(ctx, sweep.ID)
		return
	}

	plan, err := s.sizer.Plan(ctx, ticker.Price, direction, gateResult.Balance)
	if err != nil {
		if errs.KindOf(err) == errs.KindBusiness {
			log.Info("setup rejected, no valid stop", "error", err)
		} else {
			log.Error("stop planning failed", "error", err)
			s.bus.PublishError("sizer", err)
		}
		s.retireSweep(ctx, sweep.ID)
		return
	}

	snapshot := &ai.Snapshot{
		Sweep:        sweep,
		State:        state,
		Swing:        swing,
		Plan:         plan,
		Direction:    direction,
		CurrentPrice: ticker.Price,
		Balance:      gateResult.Balance,
		Market:       s.marketSnapshot(ctx),
	}

	s.notifier.SendSetupReady(string(sweep.Bias), ticker.Price)

	decision, err := s.advisor.Validate(ctx, snapshot)
	if err != nil {
		log.Error("ai validation failed", "error", err)
		s.bus.PublishError("ai", err)
		s.retireSweep(ctx, sweep.ID)
		return
	}
	if !decision.Approve {
		log.Info("setup rejected by ai",
			"overridden", decision.Overridden, "confidence", decision.Confidence)
		s.retireSweep(ctx, sweep.ID)
		return
	}

	trade, err := s.exec.Execute(ctx, decision, state.ID)
	if err != nil {
		log.Error("execution failed", "error", err, "kind", errs.KindOf(err).String())
		s.bus.PublishError("executor", err)
		if errs.KindOf(err) == errs.KindFatal {
			s.notifier.SendError("Execution failure needs attention", err.Error())
		}
		s.retireSweep(ctx, sweep.ID)
		return
	}

	log.Info("trade opened from setup", "trade_id", trade.ID)
	s.notifier.SendTradeOpen(string(trade.Direction),
		trade.EntryPrice, trade.SizeBase, trade.StopPrice, trade.TakeProfit)
	s.retireSweep(ctx, sweep.ID)
}

// retireSweep deactivates a sweep whose setup has been fully processed so
// the detector can watch for the next one
func (s *Scheduler) retireSweep(ctx context.Context, sweepID int64) {
	if err := s.repo.ExpireSweep(ctx, sweepID); err != nil {
		s.log.Error("sweep retirement failed", "sweep_id", sweepID, "error", err)
	}
}

// marketSnapshot prefers the cached snapshot, falling back to a live fetch
func (s *Scheduler) marketSnapshot(ctx context.Context) *coinbase.MarketSnapshot {
	if cached := s.cache.Snapshot(ctx, s.cfg.ProductID); cached != nil {
		return cached
	}
	snapshot, err := s.client.GetMarketSnapshot(ctx, s.cfg.ProductID)
	if err != nil {
		s.log.Warn("live market snapshot failed", "error", err)
		return nil
	}
	s.cache.SetSnapshot(ctx, snapshot)
	return snapshot
}

package risk

import (
	"context"
	"fmt"
	"time"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/logging"
)

// GateConfig holds the account-level trade limits
type GateConfig struct {
	MaxOpenPositions    int
	MaxDailyLossPercent float64 // positive number, e.g. 3.0
	MaxConsecutiveLoss  int
	MinAccountBalance   float64
	QuoteCurrency       string
}

// Check is one evaluated gate condition
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// GateResult is the outcome of a full gate evaluation
type GateResult struct {
	Allowed bool
	Balance float64
	Checks  []Check
}

// FailedChecks returns the checks that blocked the trade
func (r *GateResult) FailedChecks() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// GateStore is the slice of the repository the gate needs
type GateStore interface {
	CountOpenTrades(ctx context.Context) (int, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	ConsecutiveLosses(ctx context.Context) (int, error)
}

// Gate evaluates the pre-trade account limits
type Gate struct {
	repo   GateStore
	client coinbase.ExchangeClient
	cfg    GateConfig
	log    *logging.Logger
}

// NewGate creates a risk gate
func NewGate(repo GateStore, client coinbase.ExchangeClient, cfg GateConfig) *Gate {
	return &Gate{
		repo:   repo,
		client: client,
		cfg:    cfg,
		log:    logging.WithComponent("risk_gate"),
	}
}

// Evaluate runs every check and returns the full result. All checks run
// even after one fails so the record shows everything that blocked.
func (g *Gate) Evaluate(ctx context.Context) (*GateResult, error) {
	result := &GateResult{Allowed: true}

	balance, reachErr := g.quoteBalance(ctx)
	result.Balance = balance
	result.add(Check{
		Name:   "exchange_reachable",
		Passed: reachErr == nil,
		Detail: detailOf(reachErr),
	})

	openCount, err := g.repo.CountOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("count open trades: %w", err)
	}
	result.add(Check{
		Name:   "open_positions",
		Passed: openCount < g.cfg.MaxOpenPositions,
		Detail: fmt.Sprintf("%d open, limit %d", openCount, g.cfg.MaxOpenPositions),
	})

	midnight := utcMidnight(time.Now())
	dailyPnL, err := g.repo.RealizedPnLSince(ctx, midnight)
	if err != nil {
		return nil, fmt.Errorf("daily realized pnl: %w", err)
	}
	lossFloor := -g.cfg.MaxDailyLossPercent / 100 * balance
	result.add(Check{
		Name:   "daily_loss",
		Passed: reachErr != nil || dailyPnL > lossFloor,
		Detail: fmt.Sprintf("realized %.2f today, floor %.2f", dailyPnL, lossFloor),
	})

	losses, err := g.repo.ConsecutiveLosses(ctx)
	if err != nil {
		return nil, fmt.Errorf("consecutive losses: %w", err)
	}
	result.add(Check{
		Name:   "consecutive_losses",
		Passed: losses < g.cfg.MaxConsecutiveLoss,
		Detail: fmt.Sprintf("%d consecutive, limit %d", losses, g.cfg.MaxConsecutiveLoss),
	})

	result.add(Check{
		Name:   "account_balance",
		Passed: reachErr == nil && balance >= g.cfg.MinAccountBalance,
		Detail: fmt.Sprintf("balance %.2f, floor %.2f", balance, g.cfg.MinAccountBalance),
	})

	if !result.Allowed {
		for _, failed := range result.FailedChecks() {
			g.log.Warn("risk gate check failed",
				"check", failed.Name, "detail", failed.Detail)
		}
	}
	return result, nil
}

func (r *GateResult) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Allowed = false
	}
}

func (g *Gate) quoteBalance(ctx context.Context) (float64, error) {
	accounts, err := g.client.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	for _, account := range accounts {
		if account.Currency == g.cfg.QuoteCurrency {
			return account.Available, nil
		}
	}
	return 0, fmt.Errorf("no %s account found", g.cfg.QuoteCurrency)
}

func utcMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func detailOf(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

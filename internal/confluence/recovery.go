package confluence

import (
	"context"
	"fmt"
	"time"

	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/logging"
)

// Validator re-checks persisted confluence states after a restart. States
// older than the confluence window are expired; the rest resume with their
// persisted phase.
type Validator struct {
	repo   *database.Repository
	maxAge time.Duration
	log    *logging.Logger
}

// NewValidator creates a startup validator
func NewValidator(repo *database.Repository, maxAge time.Duration) *Validator {
	return &Validator{
		repo:   repo,
		maxAge: maxAge,
		log:    logging.WithComponent("recovery"),
	}
}

// Recover processes all non-terminal states and returns how many were
// resumed and how many expired
func (v *Validator) Recover(ctx context.Context) (resumed, expired int, err error) {
	states, err := v.repo.NonTerminalStates(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load non-terminal states: %w", err)
	}

	now := time.Now().UTC()
	for _, state := range states {
		if now.Sub(state.CreatedAt) > v.maxAge {
			if err := v.repo.ExpireState(ctx, state); err != nil {
				return resumed, expired, fmt.Errorf("expire state %d: %w", state.ID, err)
			}
			expired++
			v.log.Info("expired stale state on recovery",
				"state_id", state.ID, "phase", string(state.CurrentPhase),
				"age", now.Sub(state.CreatedAt).String())
			continue
		}

		if err := v.validateResumable(ctx, state); err != nil {
			if expireErr := v.repo.ExpireState(ctx, state); expireErr != nil {
				return resumed, expired, fmt.Errorf("expire invalid state %d: %w", state.ID, expireErr)
			}
			expired++
			v.log.Warn("expired inconsistent state on recovery",
				"state_id", state.ID, "reason", err.Error())
			continue
		}

		resumed++
		v.log.Info("resumed confluence state",
			"state_id", state.ID, "phase", string(state.CurrentPhase))
	}

	v.log.Info("recovery complete", "resumed", resumed, "expired", expired)
	return resumed, expired, nil
}

// validateResumable enforces the field and ordering requirements of the
// persisted phase
func (v *Validator) validateResumable(ctx context.Context, state *database.ConfluenceState) error {
	if !state.TimesOrdered() {
		return fmt.Errorf("timestamps out of order")
	}

	switch state.CurrentPhase {
	case database.PhaseWaitingCHoCH:
		// no phase fields expected yet
	case database.PhaseWaitingFVG:
		if state.CHoCHPrice == nil || state.CHoCHAt == nil {
			return fmt.Errorf("WAITING_FVG without choch fields")
		}
	case database.PhaseWaitingBOS:
		if state.CHoCHPrice == nil || state.CHoCHAt == nil {
			return fmt.Errorf("WAITING_BOS without choch fields")
		}
		if state.FVGLow == nil || state.FVGHigh == nil || state.FVGFillPrice == nil || state.FVGFillAt == nil {
			return fmt.Errorf("WAITING_BOS without fvg fields")
		}
		if *state.FVGLow > *state.FVGHigh {
			return fmt.Errorf("inverted fvg zone")
		}
	default:
		return fmt.Errorf("unexpected phase %q", state.CurrentPhase)
	}

	sweep, err := v.repo.GetSweepByID(ctx, state.SweepID)
	if err != nil {
		return fmt.Errorf("load originating sweep: %w", err)
	}
	if database.BiasForSweep(sweep.Kind) != sweep.Bias {
		return fmt.Errorf("bias inconsistent with sweep kind")
	}
	return nil
}

// ValidateComplete checks a COMPLETE state before it is handed to the
// execution path: all phase fields set, times strictly ordered, bias
// consistent with the originating sweep.
func (v *Validator) ValidateComplete(ctx context.Context, state *database.ConfluenceState) error {
	if state.CurrentPhase != database.PhaseComplete {
		return fmt.Errorf("state %d is %s, not COMPLETE", state.ID, state.CurrentPhase)
	}
	if state.CHoCHPrice == nil || state.CHoCHAt == nil ||
		state.FVGLow == nil || state.FVGHigh == nil ||
		state.FVGFillPrice == nil || state.FVGFillAt == nil ||
		state.BOSPrice == nil || state.BOSAt == nil {
		return fmt.Errorf("state %d COMPLETE with missing phase fields", state.ID)
	}
	if !state.CHoCHAt.Before(*state.FVGFillAt) && !state.CHoCHAt.Equal(*state.FVGFillAt) {
		return fmt.Errorf("state %d choch_at after fvg_fill_at", state.ID)
	}
	if !state.FVGFillAt.Before(*state.BOSAt) && !state.FVGFillAt.Equal(*state.BOSAt) {
		return fmt.Errorf("state %d fvg_fill_at after bos_at", state.ID)
	}

	sweep, err := v.repo.GetSweepByID(ctx, state.SweepID)
	if err != nil {
		return fmt.Errorf("load sweep for state %d: %w", state.ID, err)
	}
	if database.BiasForSweep(sweep.Kind) != sweep.Bias {
		return fmt.Errorf("state %d bias inconsistent with sweep", state.ID)
	}
	return nil
}

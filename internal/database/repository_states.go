package database

import (
	"context"
	"fmt"
)

// ============================================================================
// CONFLUENCE STATES
// ============================================================================

// ErrStaleState is returned when a versioned state update lost a race
var ErrStaleState = fmt.Errorf("confluence state version conflict")

const stateColumns = `
	id, sweep_id, current_phase,
	choch_price, choch_at,
	fvg_low, fvg_high, fvg_fill_price, fvg_fill_at,
	bos_price, bos_at,
	version, created_at, updated_at
`

// GetStateBySweepID returns the confluence state for a sweep, or nil
func (r *Repository) GetStateBySweepID(ctx context.Context, sweepID int64) (*ConfluenceState, error) {
	query := fmt.Sprintf(`SELECT %s FROM confluence_states WHERE sweep_id = $1`, stateColumns)
	return r.scanState(r.db.Pool.QueryRow(ctx, query, sweepID))
}

// GetStateByID returns a confluence state by id
func (r *Repository) GetStateByID(ctx context.Context, id int64) (*ConfluenceState, error) {
	query := fmt.Sprintf(`SELECT %s FROM confluence_states WHERE id = $1`, stateColumns)
	state, err := r.scanState(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("confluence state %d not found", id)
	}
	return state, nil
}

// NonTerminalStates returns every state still in a WAITING phase, oldest
// first. Used by recovery after restart.
func (r *Repository) NonTerminalStates(ctx context.Context) ([]*ConfluenceState, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM confluence_states
		WHERE current_phase NOT IN ($1, $2)
		ORDER BY created_at ASC
	`, stateColumns)

	rows, err := r.db.Pool.Query(ctx, query, PhaseComplete, PhaseExpired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*ConfluenceState
	for rows.Next() {
		state, err := r.scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// AdvanceState persists a phase transition using the state's version for
// optimistic concurrency. The in-memory state must already carry the new
// phase and any fields recorded by the transition; version is bumped here.
// Phases never move backwards.
func (r *Repository) AdvanceState(ctx context.Context, state *ConfluenceState) error {
	if !state.TimesOrdered() {
		return fmt.Errorf("confluence state %d: timestamps out of order", state.ID)
	}

	query := `
		UPDATE confluence_states SET
			current_phase = $1,
			choch_price = $2, choch_at = $3,
			fvg_low = $4, fvg_high = $5, fvg_fill_price = $6, fvg_fill_at = $7,
			bos_price = $8, bos_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		state.CurrentPhase,
		state.CHoCHPrice, state.CHoCHAt,
		state.FVGLow, state.FVGHigh, state.FVGFillPrice, state.FVGFillAt,
		state.BOSPrice, state.BOSAt,
		state.ID, state.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	state.Version++
	return nil
}

// ExpireState marks a state EXPIRED and deactivates its sweep together
func (r *Repository) ExpireState(ctx context.Context, state *ConfluenceState) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expire := `
		UPDATE confluence_states SET current_phase = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`
	tag, err := tx.Exec(ctx, expire, PhaseExpired, state.ID, state.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}

	deactivate := `UPDATE sweeps SET active = FALSE WHERE id = $1`
	if _, err := tx.Exec(ctx, deactivate, state.SweepID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	state.CurrentPhase = PhaseExpired
	state.Version++
	return nil
}

func (r *Repository) scanState(row rowScanner) (*ConfluenceState, error) {
	state := &ConfluenceState{}
	err := row.Scan(
		&state.ID, &state.SweepID, &state.CurrentPhase,
		&state.CHoCHPrice, &state.CHoCHAt,
		&state.FVGLow, &state.FVGHigh, &state.FVGFillPrice, &state.FVGFillAt,
		&state.BOSPrice, &state.BOSAt,
		&state.Version, &state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

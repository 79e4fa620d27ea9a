package database

import (
	"context"
	"fmt"
)

// ============================================================================
// SWEEPS
// ============================================================================

// CreateSweepWithState atomically supersedes any still-active sweep (expiring
// its confluence state), inserts the new sweep, and creates its initial
// WAITING_CHOCH confluence state. Nothing is published if the transaction
// fails.
func (r *Repository) CreateSweepWithState(ctx context.Context, sweep *Sweep) (*ConfluenceState, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expireStates := `
		UPDATE confluence_states SET current_phase = $1, version = version + 1
		WHERE sweep_id IN (SELECT id FROM sweeps WHERE active)
		  AND current_phase NOT IN ($2, $3)
	`
	if _, err := tx.Exec(ctx, expireStates, PhaseExpired, PhaseComplete, PhaseExpired); err != nil {
		return nil, fmt.Errorf("expire prior states: %w", err)
	}

	expireSweeps := `UPDATE sweeps SET active = FALSE WHERE active`
	if _, err := tx.Exec(ctx, expireSweeps); err != nil {
		return nil, fmt.Errorf("expire prior sweeps: %w", err)
	}

	insertSweep := `
		INSERT INTO sweeps (detected_at, kind, price_at_detection, swing_level_id, bias, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertSweep,
		sweep.DetectedAt.UTC(), sweep.Kind, sweep.PriceAtDetection,
		sweep.SwingLevelID, sweep.Bias, sweep.ExpiresAt.UTC(),
	).Scan(&sweep.ID, &sweep.CreatedAt, &sweep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert sweep: %w", err)
	}
	sweep.Active = true

	state := &ConfluenceState{SweepID: sweep.ID, CurrentPhase: PhaseWaitingCHoCH}
	insertState := `
		INSERT INTO confluence_states (sweep_id, current_phase)
		VALUES ($1, $2)
		RETURNING id, version, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertState, sweep.ID, PhaseWaitingCHoCH).
		Scan(&state.ID, &state.Version, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert confluence state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sweep tx: %w", err)
	}
	return state, nil
}

// ActiveSweep returns the single active sweep, or nil
func (r *Repository) ActiveSweep(ctx context.Context) (*Sweep, error) {
	query := `
		SELECT id, detected_at, kind, price_at_detection, swing_level_id, bias, active, expires_at, created_at, updated_at
		FROM sweeps
		WHERE active
	`
	return r.scanSweep(r.db.Pool.QueryRow(ctx, query))
}

// GetSweepByID returns a sweep by id
func (r *Repository) GetSweepByID(ctx context.Context, id int64) (*Sweep, error) {
	query := `
		SELECT id, detected_at, kind, price_at_detection, swing_level_id, bias, active, expires_at, created_at, updated_at
		FROM sweeps
		WHERE id = $1
	`
	sweep, err := r.scanSweep(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if sweep == nil {
		return nil, fmt.Errorf("sweep %d not found", id)
	}
	return sweep, nil
}

// ExpireSweep flips a sweep inactive
func (r *Repository) ExpireSweep(ctx context.Context, id int64) error {
	query := `UPDATE sweeps SET active = FALSE WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanSweep(row rowScanner) (*Sweep, error) {
	sweep := &Sweep{}
	err := row.Scan(
		&sweep.ID, &sweep.DetectedAt, &sweep.Kind, &sweep.PriceAtDetection,
		&sweep.SwingLevelID, &sweep.Bias, &sweep.Active, &sweep.ExpiresAt,
		&sweep.CreatedAt, &sweep.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return sweep, nil
}

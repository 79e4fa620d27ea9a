package database

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// SWING LEVELS
// ============================================================================

// CreateSwing inserts a new swing level and deactivates the prior active
// swing of the same (timeframe, kind) in the same transaction.
func (r *Repository) CreateSwing(ctx context.Context, swing *SwingLevel) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin swing tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deactivate := `
		UPDATE swing_levels SET active = FALSE
		WHERE timeframe = $1 AND kind = $2 AND active
	`
	if _, err := tx.Exec(ctx, deactivate, swing.Timeframe, swing.Kind); err != nil {
		return fmt.Errorf("deactivate prior swing: %w", err)
	}

	insert := `
		INSERT INTO swing_levels (timeframe, kind, bucket_start, price, active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insert,
		swing.Timeframe, swing.Kind, swing.BucketStart.UTC(), swing.Price,
	).Scan(&swing.ID, &swing.CreatedAt, &swing.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert swing: %w", err)
	}
	swing.Active = true

	return tx.Commit(ctx)
}

// ActiveSwing returns the active swing for (timeframe, kind), or nil
func (r *Repository) ActiveSwing(ctx context.Context, tf Timeframe, kind SwingKind) (*SwingLevel, error) {
	query := `
		SELECT id, timeframe, kind, bucket_start, price, active, created_at, updated_at
		FROM swing_levels
		WHERE timeframe = $1 AND kind = $2 AND active
	`
	swing := &SwingLevel{}
	err := r.db.Pool.QueryRow(ctx, query, tf, kind).Scan(
		&swing.ID, &swing.Timeframe, &swing.Kind, &swing.BucketStart,
		&swing.Price, &swing.Active, &swing.CreatedAt, &swing.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return swing, nil
}

// GetSwingByID returns a swing level by id
func (r *Repository) GetSwingByID(ctx context.Context, id int64) (*SwingLevel, error) {
	query := `
		SELECT id, timeframe, kind, bucket_start, price, active, created_at, updated_at
		FROM swing_levels
		WHERE id = $1
	`
	swing := &SwingLevel{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&swing.ID, &swing.Timeframe, &swing.Kind, &swing.BucketStart,
		&swing.Price, &swing.Active, &swing.CreatedAt, &swing.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return swing, nil
}

// HasSwingAt reports whether a swing already exists for the bucket. Used to
// keep re-scans of the same window idempotent.
func (r *Repository) HasSwingAt(ctx context.Context, tf Timeframe, kind SwingKind, bucketStart time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM swing_levels
			WHERE timeframe = $1 AND kind = $2 AND bucket_start = $3
		)
	`
	var exists bool
	err := r.db.Pool.QueryRow(ctx, query, tf, kind, bucketStart).Scan(&exists)
	return exists, err
}

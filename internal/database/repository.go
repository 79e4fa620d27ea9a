package database

import (
	"context"
)

// Repository provides data access methods. One method per lifecycle
// operation; entity lifecycles are owned by the components in §3 and no
// raw SQL leaves this package.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// SYSTEM FLAGS
// ============================================================================

// GetFlag returns a system flag, defaulting to false when unset
func (r *Repository) GetFlag(ctx context.Context, key string) (bool, error) {
	query := `SELECT value FROM system_flags WHERE key = $1`
	var value bool
	err := r.db.Pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return value, nil
}

// SetFlag upserts a system flag
func (r *Repository) SetFlag(ctx context.Context, key string, value bool) error {
	query := `
		INSERT INTO system_flags (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, key, value)
	return err
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"confluence-trading-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 15
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logging.WithComponent("database")
	log.Info("connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		// One candle table per timeframe; the bucket start is the natural key
		`CREATE TABLE IF NOT EXISTS candles_4h (
			id BIGSERIAL PRIMARY KEY,
			bucket_start TIMESTAMPTZ NOT NULL UNIQUE,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_4h_bucket ON candles_4h(bucket_start DESC)`,

		`CREATE TABLE IF NOT EXISTS candles_5m (
			id BIGSERIAL PRIMARY KEY,
			bucket_start TIMESTAMPTZ NOT NULL UNIQUE,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_5m_bucket ON candles_5m(bucket_start DESC)`,

		`CREATE TABLE IF NOT EXISTS swing_levels (
			id BIGSERIAL PRIMARY KEY,
			timeframe VARCHAR(4) NOT NULL,
			kind VARCHAR(4) NOT NULL,
			bucket_start TIMESTAMPTZ NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swing_levels_lookup ON swing_levels(timeframe, kind, active)`,
		// At most one active swing per (timeframe, kind)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_swing_levels_one_active
			ON swing_levels(timeframe, kind) WHERE active`,

		`CREATE TABLE IF NOT EXISTS sweeps (
			id BIGSERIAL PRIMARY KEY,
			detected_at TIMESTAMPTZ NOT NULL,
			kind VARCHAR(4) NOT NULL,
			price_at_detection DECIMAL(20, 8) NOT NULL,
			swing_level_id BIGINT NOT NULL REFERENCES swing_levels(id) ON DELETE RESTRICT,
			bias VARCHAR(8) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// At most one active sweep globally
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sweeps_one_active ON sweeps((active)) WHERE active`,

		`CREATE TABLE IF NOT EXISTS confluence_states (
			id BIGSERIAL PRIMARY KEY,
			sweep_id BIGINT NOT NULL UNIQUE REFERENCES sweeps(id) ON DELETE RESTRICT,
			current_phase VARCHAR(16) NOT NULL,
			choch_price DECIMAL(20, 8),
			choch_at TIMESTAMPTZ,
			fvg_low DECIMAL(20, 8),
			fvg_high DECIMAL(20, 8),
			fvg_fill_price DECIMAL(20, 8),
			fvg_fill_at TIMESTAMPTZ,
			bos_price DECIMAL(20, 8),
			bos_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_confluence_times CHECK (
				(choch_at IS NULL OR fvg_fill_at IS NULL OR choch_at <= fvg_fill_at) AND
				(fvg_fill_at IS NULL OR bos_at IS NULL OR fvg_fill_at <= bos_at)
			)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_confluence_states_phase ON confluence_states(current_phase)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			confluence_state_id BIGINT NOT NULL REFERENCES confluence_states(id) ON DELETE RESTRICT,
			direction VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_at TIMESTAMPTZ NOT NULL,
			size_base DECIMAL(20, 8) NOT NULL,
			size_quote DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			stop_source VARCHAR(4) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			rr_ratio DECIMAL(10, 4) NOT NULL,
			entry_order_id VARCHAR(64) NOT NULL,
			stop_order_id VARCHAR(64) NOT NULL,
			tp_order_id VARCHAR(64) NOT NULL,
			status VARCHAR(8) NOT NULL DEFAULT 'OPEN',
			outcome VARCHAR(12),
			exit_price DECIMAL(20, 8),
			exit_at TIMESTAMPTZ,
			pnl_quote DECIMAL(20, 8),
			pnl_percent DECIMAL(10, 4),
			unrealized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			unrealized_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			trailing_activated BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_price DECIMAL(20, 8),
			ai_confidence DECIMAL(5, 2) NOT NULL DEFAULT 0,
			ai_reasoning TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_at ON trades(exit_at DESC)`,

		`CREATE TABLE IF NOT EXISTS system_flags (
			key VARCHAR(64) PRIMARY KEY,
			value BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_swing_levels_updated_at ON swing_levels`,
		`CREATE TRIGGER update_swing_levels_updated_at BEFORE UPDATE ON swing_levels
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_sweeps_updated_at ON sweeps`,
		`CREATE TRIGGER update_sweeps_updated_at BEFORE UPDATE ON sweeps
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_confluence_states_updated_at ON confluence_states`,
		`CREATE TRIGGER update_confluence_states_updated_at BEFORE UPDATE ON confluence_states
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info("database migrations completed")
	return nil
}

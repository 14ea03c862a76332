package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foodorder-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(cfg config.Database, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Database schema ensured")
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
	)
	return db, nil
}

// Migrate creates every table the service touches if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price NUMERIC(12, 2) NOT NULL CHECK (price >= 0),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_zones (
		id TEXT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		base_fee NUMERIC(12, 2) NOT NULL DEFAULT 0 CHECK (base_fee >= 0),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		code VARCHAR(64) NOT NULL,
		type VARCHAR(32) NOT NULL,
		value NUMERIC(12, 2) NOT NULL DEFAULT 0,
		min_order_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		max_discount_amount NUMERIC(12, 2),
		usage_limit INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		valid_from TIMESTAMPTZ,
		valid_until TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS promotions_code_lower_idx ON promotions (LOWER(code))`,
	`CREATE TABLE IF NOT EXISTS order_number_counters (
		day DATE PRIMARY KEY,
		last_value INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		order_number VARCHAR(32) NOT NULL UNIQUE,
		customer_email VARCHAR(255) NOT NULL,
		customer_name VARCHAR(255) NOT NULL,
		customer_phone VARCHAR(64) NOT NULL DEFAULT '',
		customer_id TEXT,
		fulfillment_type VARCHAR(16) NOT NULL CHECK (fulfillment_type IN ('delivery', 'pickup')),
		delivery_zone_id TEXT REFERENCES delivery_zones(id),
		delivery_address TEXT NOT NULL DEFAULT '',
		delivery_notes TEXT NOT NULL DEFAULT '',
		subtotal NUMERIC(12, 2) NOT NULL,
		delivery_fee NUMERIC(12, 2) NOT NULL DEFAULT 0,
		discount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		delivery_discount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		total NUMERIC(12, 2) NOT NULL CHECK (total >= 0),
		promotion_code VARCHAR(64),
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		payment_status VARCHAR(16) NOT NULL DEFAULT 'pending',
		payment_reference VARCHAR(255) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paid_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orders_customer_email_lower_idx ON orders (LOWER(customer_email))`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders(id),
		product_id TEXT NOT NULL,
		product_name VARCHAR(255) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(12, 2) NOT NULL,
		discount_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		total_price NUMERIC(12, 2) NOT NULL,
		customizations JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id BIGSERIAL PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders(id),
		provider_reference VARCHAR(255) NOT NULL UNIQUE,
		amount NUMERIC(12, 2) NOT NULL,
		currency CHAR(3) NOT NULL,
		status VARCHAR(16) NOT NULL,
		channel VARCHAR(64) NOT NULL DEFAULT '',
		gateway_response JSONB,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_status_changes (
		id BIGSERIAL PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders(id),
		previous_status VARCHAR(32) NOT NULL,
		new_status VARCHAR(32) NOT NULL,
		changed_by TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS communication_events (
		id UUID PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		recipient VARCHAR(255) NOT NULL,
		order_id UUID REFERENCES orders(id),
		template_key VARCHAR(64) NOT NULL,
		variables JSONB NOT NULL DEFAULT '{}',
		status VARCHAR(16) NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		dedup_key VARCHAR(255) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 2,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS communication_events_dedup_idx ON communication_events (event_type, dedup_key, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS communication_events_queue_idx ON communication_events (status, priority, created_at)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL,
		role VARCHAR(32) NOT NULL,
		PRIMARY KEY (user_id, role)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		action VARCHAR(64) NOT NULL,
		category VARCHAR(32) NOT NULL,
		message TEXT NOT NULL,
		actor TEXT NOT NULL,
		target_ref TEXT NOT NULL DEFAULT '',
		before_value JSONB,
		after_value JSONB,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS security_incidents (
		id BIGSERIAL PRIMARY KEY,
		kind VARCHAR(64) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		reference TEXT NOT NULL,
		order_id UUID,
		details JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

package store

import (
	"context"
	"database/sql"
)

const (
	// ChangeChannel is the LISTEN/NOTIFY channel order changes go out on.
	ChangeChannel = "order_changes"

	orderNumberConstraint = "orders_tenant_day_number_key"
)

func CreateTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			order_number VARCHAR(16) NOT NULL,
			business_day DATE NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			table_number INTEGER,
			status VARCHAR(20) NOT NULL CHECK (status IN
				('pending','confirmed','preparing','ready','completed','cancelled')),
			customer_name VARCHAR(255) NOT NULL,
			customer_phone VARCHAR(64) NOT NULL,
			customer_email VARCHAR(255),
			items JSONB NOT NULL,
			subtotal DECIMAL(12,2) NOT NULL,
			tax DECIMAL(12,2) NOT NULL,
			delivery_fee DECIMAL(12,2) NOT NULL DEFAULT 0,
			discount DECIMAL(12,2) NOT NULL DEFAULT 0,
			total DECIMAL(12,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL,
			payment_status VARCHAR(20) NOT NULL,
			notes TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			estimated_ready_at TIMESTAMPTZ,
			CONSTRAINT ` + orderNumberConstraint + ` UNIQUE (tenant_id, business_day, order_number)
		)`,
		`CREATE TABLE IF NOT EXISTS order_sequences (
			tenant_id VARCHAR(64) NOT NULL,
			business_day DATE NOT NULL,
			last_value BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, business_day)
		)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			email VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL,
			branch_id VARCHAR(64),
			first_name VARCHAR(255),
			last_name VARCHAR(255),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tenant_status_created ON orders(tenant_id, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tenant_created ON orders(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_admin_users_tenant ON admin_users(tenant_id)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

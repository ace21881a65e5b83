package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS idx_delivery (
			exchange_address VARCHAR(42) NOT NULL,
			delivery_id BIGINT NOT NULL,
			token_address VARCHAR(42) NOT NULL,
			buyer_address VARCHAR(42) NOT NULL,
			seller_address VARCHAR(42) NOT NULL,
			amount BIGINT NOT NULL,
			agent_address VARCHAR(42) NOT NULL,
			data TEXT NOT NULL DEFAULT '',
			settlement_service_type VARCHAR(50),
			create_blocktimestamp TIMESTAMP,
			create_transaction_hash VARCHAR(66),
			cancel_blocktimestamp TIMESTAMP,
			cancel_transaction_hash VARCHAR(66),
			confirm_blocktimestamp TIMESTAMP,
			confirm_transaction_hash VARCHAR(66),
			finish_blocktimestamp TIMESTAMP,
			finish_transaction_hash VARCHAR(66),
			abort_blocktimestamp TIMESTAMP,
			abort_transaction_hash VARCHAR(66),
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			valid BOOLEAN NOT NULL DEFAULT TRUE,
			status INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (exchange_address, delivery_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_token ON idx_delivery (token_address)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_buyer ON idx_delivery (buyer_address)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_seller ON idx_delivery (seller_address)`,
		`CREATE TABLE IF NOT EXISTS idx_delivery_block_number (
			exchange_address VARCHAR(42) PRIMARY KEY,
			latest_block_number BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS dvp_async_process (
			id BIGSERIAL PRIMARY KEY,
			issuer_address VARCHAR(42) NOT NULL,
			process_type VARCHAR(30) NOT NULL,
			process_status INTEGER NOT NULL,
			dvp_contract_address VARCHAR(42) NOT NULL,
			token_address VARCHAR(42) NOT NULL,
			seller_address VARCHAR(42) NOT NULL,
			buyer_address VARCHAR(42) NOT NULL,
			amount BIGINT NOT NULL,
			agent_address VARCHAR(42) NOT NULL,
			delivery_id BIGINT NOT NULL,
			step INTEGER NOT NULL DEFAULT 0,
			step_tx_hash VARCHAR(66) NOT NULL,
			step_tx_status VARCHAR(10) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dvp_async_process_status ON dvp_async_process (process_status)`,
		`CREATE TABLE IF NOT EXISTS notification (
			notice_id VARCHAR(36) PRIMARY KEY,
			issuer_address VARCHAR(42) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			type VARCHAR(30) NOT NULL,
			code INTEGER NOT NULL,
			metainfo JSONB NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_status ON notification (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS account (
			issuer_address VARCHAR(42) PRIMARY KEY,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS dvp_agent_account (
			account_address VARCHAR(42) PRIMARY KEY,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS token (
			token_address VARCHAR(42) PRIMARY KEY,
			issuer_address VARCHAR(42) NOT NULL,
			type VARCHAR(40) NOT NULL,
			token_status INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_issuer ON token (issuer_address)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

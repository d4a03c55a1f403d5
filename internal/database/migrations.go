package database

import (
	"database/sql"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

const migrationTable = "ledgercore_migrations"

// Migrations is the schema of the money-movement core.
var Migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_users_accounts",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					phone_encrypted TEXT,
					phone_hash TEXT UNIQUE,
					national_id_encrypted TEXT,
					national_id_hash TEXT UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
				`CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL REFERENCES users(id),
					account_type TEXT NOT NULL CHECK (account_type IN ('CHECKING', 'SAVINGS', 'CREDIT')),
					currency CHAR(3) NOT NULL,
					balance_minor_units BIGINT NOT NULL DEFAULT 0,
					masked_number TEXT NOT NULL,
					account_number_encrypted TEXT NOT NULL,
					routing_number_encrypted TEXT NOT NULL,
					account_number_hash TEXT NOT NULL UNIQUE,
					version INTEGER NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
				`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts (user_id, created_at)`,
			},
			Down: []string{
				`DROP TABLE IF EXISTS accounts`,
				`DROP TABLE IF EXISTS users`,
			},
		},
		{
			Id: "0002_ledger_entries",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS ledger_entries (
					id TEXT PRIMARY KEY,
					reference TEXT NOT NULL,
					source_account_id TEXT REFERENCES accounts(id),
					destination_account_id TEXT REFERENCES accounts(id),
					amount_minor_units BIGINT NOT NULL,
					kind TEXT NOT NULL CHECK (kind IN ('DEBIT', 'CREDIT', 'TRANSFER')),
					description TEXT NOT NULL,
					posted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (source_account_id IS NOT NULL OR destination_account_id IS NOT NULL)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_entries_source ON ledger_entries (source_account_id, posted_at)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_entries_destination ON ledger_entries (destination_account_id, posted_at)`,
			},
			Down: []string{
				`DROP TABLE IF EXISTS ledger_entries`,
			},
		},
		{
			Id: "0003_idempotency_audit",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS idempotency_records (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					operation TEXT NOT NULL,
					idempotency_key TEXT NOT NULL,
					request_hash TEXT NOT NULL,
					response JSONB NOT NULL,
					ledger_entry_id TEXT REFERENCES ledger_entries(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (user_id, operation, idempotency_key)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_idempotency_created_at ON idempotency_records (created_at)`,
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					action TEXT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs (user_id, created_at)`,
			},
			Down: []string{
				`DROP TABLE IF EXISTS audit_logs`,
				`DROP TABLE IF EXISTS idempotency_records`,
			},
		},
	},
}

// Migrate applies (or rolls back) the schema and returns how many migrations ran.
func Migrate(db *sql.DB, direction migrate.MigrationDirection) (int, error) {
	migrate.SetTable(migrationTable)
	n, err := migrate.Exec(db, "postgres", Migrations, direction)
	if err != nil {
		return n, fmt.Errorf("migration failed: %w", err)
	}
	return n, nil
}

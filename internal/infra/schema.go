package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema statements are idempotent so startup can run them unconditionally.
// The CHECK constraints back up the engine's own validation: amounts are
// strictly positive and no bucket ever goes negative. The partial unique
// index enforces global idempotency-key uniqueness while permitting NULL
// keys on system entries.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
        id         TEXT PRIMARY KEY,
        owner_id   TEXT NOT NULL,
        asset      TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (owner_id, asset)
    )`,
	`CREATE TABLE IF NOT EXISTS wallet_balances (
        wallet_id  TEXT PRIMARY KEY,
        available  BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
        pending_in BIGINT NOT NULL DEFAULT 0 CHECK (pending_in >= 0),
        held       BIGINT NOT NULL DEFAULT 0 CHECK (held >= 0),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
        id              BIGSERIAL PRIMARY KEY,
        wallet_id       TEXT NOT NULL,
        type            TEXT NOT NULL CHECK (type IN ('deposit_pending','deposit_confirm','withdraw_hold','withdraw_final','hold_release')),
        bucket_from     TEXT CHECK (bucket_from IN ('available','pending_in','held')),
        bucket_to       TEXT CHECK (bucket_to IN ('available','pending_in','held')),
        amount          BIGINT NOT NULL CHECK (amount > 0),
        idempotency_key TEXT,
        meta            JSONB,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_idempotency_key_idx
        ON ledger_entries (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_wallet_created_idx
        ON ledger_entries (wallet_id, created_at)`,
}

// EnsureSchema creates the persisted layout on startup. There is no external
// migration tooling; the statements are safe to re-run on every boot.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

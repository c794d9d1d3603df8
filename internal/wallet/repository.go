package wallet

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports a lookup for a wallet id that was never registered.
var ErrNotFound = errors.New("wallet not found")

// Repository persists wallet metadata.
type Repository interface {
	GetOrCreate(ctx context.Context, wallet Wallet) (Wallet, error)
	Get(ctx context.Context, id string) (Wallet, error)
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetOrCreate inserts the candidate unless the (owner, asset) pair already
// exists, then returns whichever row won. Losing the insert race is fine:
// the follow-up select observes the winner.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, wallet Wallet) (Wallet, error) {
	_, err := r.db.Exec(ctx, `INSERT INTO wallets (id, owner_id, asset, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (owner_id, asset) DO NOTHING`,
		wallet.ID, wallet.OwnerID, wallet.Asset, wallet.CreatedAt.UTC())
	if err != nil {
		return Wallet{}, err
	}
	row := r.db.QueryRow(ctx, `SELECT id, owner_id, asset, created_at
        FROM wallets WHERE owner_id = $1 AND asset = $2`, wallet.OwnerID, wallet.Asset)
	return scanWallet(row)
}

// Get fetches wallet metadata by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT id, owner_id, asset, created_at
        FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Asset, &w.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, wallet_id, type, bucket_from, bucket_to, amount, COALESCE(idempotency_key, ''), meta, created_at`

// PostgresStore persists the ledger and aggregates in PostgreSQL. A row-level
// FOR UPDATE lock on wallet_balances serializes concurrent operations per
// wallet; the unique index on ledger_entries.idempotency_key is the final
// arbiter for duplicates.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. lockTimeout bounds
// row lock waits inside each unit; zero keeps the server default.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// Begin opens the transaction, lazily creates the all-zero aggregate row,
// and locks it for the duration of the unit.
func (s *PostgresStore) Begin(ctx context.Context, walletID string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			tx.Rollback(ctx) // nolint:errcheck
			return nil, classify(err)
		}
	}

	if _, err := tx.Exec(ctx, `INSERT INTO wallet_balances (wallet_id) VALUES ($1)
        ON CONFLICT (wallet_id) DO NOTHING`, walletID); err != nil {
		tx.Rollback(ctx) // nolint:errcheck
		return nil, classify(err)
	}

	bal := Balance{WalletID: walletID}
	row := tx.QueryRow(ctx, `SELECT available, pending_in, held, updated_at
        FROM wallet_balances WHERE wallet_id = $1 FOR UPDATE`, walletID)
	if err := row.Scan(&bal.Available, &bal.PendingIn, &bal.Held, &bal.UpdatedAt); err != nil {
		tx.Rollback(ctx) // nolint:errcheck
		return nil, classify(err)
	}

	return &pgTx{tx: tx, walletID: walletID, snapshot: bal}, nil
}

// Balance returns the current aggregate without locking. A wallet that never
// saw an operation reports all-zero buckets.
func (s *PostgresStore) Balance(ctx context.Context, walletID string) (Balance, error) {
	bal := Balance{WalletID: walletID}
	row := s.db.QueryRow(ctx, `SELECT available, pending_in, held, updated_at
        FROM wallet_balances WHERE wallet_id = $1`, walletID)
	if err := row.Scan(&bal.Available, &bal.PendingIn, &bal.Held, &bal.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{WalletID: walletID}, nil
		}
		return Balance{}, classify(err)
	}
	return bal, nil
}

func (s *PostgresStore) Entries(ctx context.Context, walletID string, limit int, beforeID int64) ([]Entry, error) {
	limit = normalizeLimit(limit)
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE wallet_id = $1`
	args := []any{walletID}
	if beforeID > 0 {
		query += ` AND id < $2`
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *PostgresStore) FindByKey(ctx context.Context, idemKey string) (*Entry, error) {
	return findByKey(ctx, s.db, idemKey)
}

type pgTx struct {
	tx       pgx.Tx
	walletID string
	snapshot Balance
}

func (t *pgTx) Balance() Balance { return t.snapshot }

func (t *pgTx) FindByKey(ctx context.Context, idemKey string) (*Entry, error) {
	return findByKey(ctx, t.tx, idemKey)
}

func (t *pgTx) Append(ctx context.Context, e Entry) (int64, error) {
	var meta any
	if !e.Meta.IsZero() {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return 0, fmt.Errorf("encode entry meta: %w", err)
		}
		meta = b
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err := t.tx.QueryRow(ctx, `
        INSERT INTO ledger_entries (wallet_id, type, bucket_from, bucket_to, amount, idempotency_key, meta, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
        RETURNING id`,
		t.walletID, string(e.Type), bucketText(e.BucketFrom), bucketText(e.BucketTo),
		e.Amount, e.IdempotencyKey, meta, createdAt).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (t *pgTx) ApplyDelta(ctx context.Context, dAvailable, dPendingIn, dHeld int64) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE wallet_balances
        SET available = available + $2, pending_in = pending_in + $3, held = held + $4, updated_at = now()
        WHERE wallet_id = $1`,
		t.walletID, dAvailable, dPendingIn, dHeld)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("wallet %s: aggregate row missing", t.walletID)
	}
	return nil
}

func (t *pgTx) SumAmountByTypeSince(ctx context.Context, typ EntryType, since time.Time) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)
        FROM ledger_entries WHERE wallet_id = $1 AND type = $2 AND created_at >= $3`,
		t.walletID, string(typ), since).Scan(&sum)
	if err != nil {
		return 0, classify(err)
	}
	return sum, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify(err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findByKey(ctx context.Context, q querier, idemKey string) (*Entry, error) {
	if idemKey == "" {
		return nil, nil
	}
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, idemKey)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e        Entry
		typ      string
		from, to *string
		meta     []byte
	)
	if err := row.Scan(&e.ID, &e.WalletID, &typ, &from, &to, &e.Amount, &e.IdempotencyKey, &meta, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, classify(err)
	}
	e.Type = EntryType(typ)
	if from != nil {
		b := Bucket(*from)
		e.BucketFrom = &b
	}
	if to != nil {
		b := Bucket(*to)
		e.BucketTo = &b
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return Entry{}, fmt.Errorf("decode entry meta: %w", err)
		}
	}
	return e, nil
}

func bucketText(b *Bucket) *string {
	if b == nil {
		return nil
	}
	s := string(*b)
	return &s
}

// classify maps driver failures onto the engine's error kinds: 23505 is the
// idempotency-key conflict, 55P03 a bounded lock wait expiring. Other SQL
// states keep their identity; anything below the protocol (pool, network,
// cancelled context) is a transient store failure.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateOperation
		case "55P03":
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

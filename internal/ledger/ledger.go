package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidAmount rejects a non-positive amount before any lock is taken.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientPending occurs when a confirmation exceeds the wallet's
	// unconfirmed incoming balance.
	ErrInsufficientPending = errors.New("insufficient pending funds")

	// ErrInsufficientAvailable occurs when a reservation exceeds the wallet's
	// spendable balance.
	ErrInsufficientAvailable = errors.New("insufficient available funds")

	// ErrInsufficientHeld occurs when a finalize or release exceeds the amount
	// currently reserved for in-flight withdrawals.
	ErrInsufficientHeld = errors.New("insufficient held funds")

	// ErrDuplicateOperation indicates the idempotency key was already used and
	// the operation must be treated as already applied.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrPolicyRejected indicates the risk policy denied a withdrawal
	// reservation. The wrapped message carries the denial reason.
	ErrPolicyRejected = errors.New("policy rejected")

	// ErrLockTimeout indicates the per-wallet lock could not be acquired in
	// time. Safe to retry with the same idempotency key.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrStoreUnavailable indicates an infrastructure-level store failure.
	// Safe to retry with the same idempotency key.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Retryable reports whether an error is infrastructure-level, meaning an
// at-least-once caller should retry the operation with the same idempotency
// key. Validation and business-rule failures are terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrStoreUnavailable)
}

// Bucket names one of the three balance categories a wallet holds value in.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketPendingIn Bucket = "pending_in"
	BucketHeld      Bucket = "held"
)

// EntryType identifies the bucket transition a ledger entry records.
type EntryType string

const (
	EntryDepositPending EntryType = "deposit_pending"
	EntryDepositConfirm EntryType = "deposit_confirm"
	EntryWithdrawHold   EntryType = "withdraw_hold"
	EntryWithdrawFinal  EntryType = "withdraw_final"
	EntryHoldRelease    EntryType = "hold_release"
)

// Balance is the derived per-wallet aggregate: three bucket totals kept in
// lockstep with the ledger. All amounts are in minimal asset units.
type Balance struct {
	WalletID  string    `json:"wallet_id"`
	Available int64     `json:"available"`
	PendingIn int64     `json:"pending_in"`
	Held      int64     `json:"held"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RiskSnapshot records what the risk policy saw when it approved a
// withdrawal reservation.
type RiskSnapshot struct {
	WindowSum int64  `json:"window_sum"`
	Channel   string `json:"channel,omitempty"`
	Initiator string `json:"initiator,omitempty"`
}

// Meta is the structured metadata attached to a ledger entry: the hold
// identifier for reservation lifecycle entries, the release reason, and the
// risk snapshot taken at reservation time. Stored as an opaque JSON blob.
type Meta struct {
	HoldID string        `json:"hold_id,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Risk   *RiskSnapshot `json:"risk,omitempty"`
}

// IsZero reports whether the metadata carries nothing worth persisting.
func (m Meta) IsZero() bool {
	return m == Meta{}
}

// Entry is one immutable ledger record. BucketFrom nil means value entered
// the system; BucketTo nil means value left it. IdempotencyKey is empty only
// for system-generated entries; when present it is unique across the store.
type Entry struct {
	ID             int64     `json:"id"`
	WalletID       string    `json:"wallet_id"`
	Type           EntryType `json:"type"`
	BucketFrom     *Bucket   `json:"bucket_from"`
	BucketTo       *Bucket   `json:"bucket_to"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Meta           Meta      `json:"meta"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the persistence contract for the balance-ledger engine. Begin
// opens the atomic unit for one wallet; the remaining methods are lock-free
// reads serving query and audit surfaces.
type Store interface {
	// Begin opens a transaction scoped to walletID and acquires the exclusive
	// lock on its aggregate row, creating the all-zero row if absent. The lock
	// is held until Commit or Rollback.
	Begin(ctx context.Context, walletID string) (Tx, error)

	// Balance returns the current aggregate. A wallet with no recorded
	// operations reports all-zero buckets.
	Balance(ctx context.Context, walletID string) (Balance, error)

	// Entries returns up to limit ledger entries for the wallet, newest
	// first. A beforeID > 0 restricts the page to entries with smaller ids.
	Entries(ctx context.Context, walletID string, limit int, beforeID int64) ([]Entry, error)

	// FindByKey returns the entry recorded under the idempotency key, or nil
	// when the key is unused.
	FindByKey(ctx context.Context, idemKey string) (*Entry, error)
}

// Tx is one atomic unit over a single wallet. The aggregate row stays
// exclusively locked from Begin until Commit or Rollback; no other operation
// on the same wallet can observe an intermediate state. Rollback after
// Commit is a no-op, so callers defer it unconditionally.
type Tx interface {
	// Balance returns the snapshot taken under the lock at Begin.
	Balance() Balance

	// FindByKey looks the idempotency key up within the transaction.
	FindByKey(ctx context.Context, idemKey string) (*Entry, error)

	// Append inserts one ledger entry and returns its id. A conflicting
	// idempotency key yields ErrDuplicateOperation.
	Append(ctx context.Context, e Entry) (int64, error)

	// ApplyDelta adjusts the locked aggregate's buckets.
	ApplyDelta(ctx context.Context, dAvailable, dPendingIn, dHeld int64) error

	// SumAmountByTypeSince sums entry amounts of one type for the wallet
	// recorded at or after since.
	SumAmountByTypeSince(ctx context.Context, t EntryType, since time.Time) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

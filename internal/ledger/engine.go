package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-pay/custodia/internal/risk"
)

const (
	opRecordPendingDeposit = "record_pending_deposit"
	opConfirmDeposit       = "confirm_deposit"
	opReserveWithdrawal    = "reserve_withdrawal"
	opFinalizeWithdrawal   = "finalize_withdrawal"
	opReleaseHold          = "release_hold"
)

// Engine orchestrates the five balance operations. Each call runs as one
// atomic unit: per-wallet exclusive lock, idempotency check, bucket
// validation, then exactly one ledger append paired with one aggregate
// delta. A single Engine instance is shared per process and is safe for
// concurrent use; serialization happens entirely at the store's lock.
type Engine struct {
	store   Store
	policy  risk.Policy
	log     *slog.Logger
	metrics *Metrics

	now   func() time.Time
	newID func() string
}

// NewEngine wires the engine's dependencies explicitly. A nil policy
// disables risk evaluation; metrics may be nil.
func NewEngine(store Store, policy risk.Policy, log *slog.Logger, metrics *Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:   store,
		policy:  policy,
		log:     log,
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// RecordPendingDeposit credits an observed but unconfirmed deposit to the
// wallet's pending_in bucket. Crediting only: no sufficiency check.
func (e *Engine) RecordPendingDeposit(ctx context.Context, walletID string, amount int64, idemKey string) (bal Balance, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(opRecordPendingDeposit, resultLabel(err), time.Since(start)) }()

	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := e.begin(ctx, walletID)
	if err != nil {
		return Balance{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	prior, err := replayed(ctx, tx, idemKey)
	if err != nil {
		return Balance{}, err
	}
	if prior != nil {
		return tx.Balance(), ErrDuplicateOperation
	}

	entry := Entry{
		WalletID:       walletID,
		Type:           EntryDepositPending,
		BucketTo:       bucketRef(BucketPendingIn),
		Amount:         amount,
		IdempotencyKey: idemKey,
		CreatedAt:      e.now(),
	}
	return e.commitEntry(ctx, tx, entry, 0, amount, 0)
}

// ConfirmDeposit moves a confirmed deposit from pending_in to available.
func (e *Engine) ConfirmDeposit(ctx context.Context, walletID string, amount int64, idemKey string) (bal Balance, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(opConfirmDeposit, resultLabel(err), time.Since(start)) }()

	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := e.begin(ctx, walletID)
	if err != nil {
		return Balance{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	prior, err := replayed(ctx, tx, idemKey)
	if err != nil {
		return Balance{}, err
	}
	if prior != nil {
		return tx.Balance(), ErrDuplicateOperation
	}

	if tx.Balance().PendingIn < amount {
		return Balance{}, ErrInsufficientPending
	}

	entry := Entry{
		WalletID:       walletID,
		Type:           EntryDepositConfirm,
		BucketFrom:     bucketRef(BucketPendingIn),
		BucketTo:       bucketRef(BucketAvailable),
		Amount:         amount,
		IdempotencyKey: idemKey,
		CreatedAt:      e.now(),
	}
	return e.commitEntry(ctx, tx, entry, amount, -amount, 0)
}

// ReserveWithdrawal moves funds from available to held for an in-flight
// withdrawal, subject to the risk policy evaluated over the trailing window
// of prior reservations. The returned hold id must be retained to finalize
// or release the reservation later.
func (e *Engine) ReserveWithdrawal(ctx context.Context, walletID string, amount int64, idemKey string, rc risk.Context) (holdID string, bal Balance, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(opReserveWithdrawal, resultLabel(err), time.Since(start)) }()

	if amount <= 0 {
		return "", Balance{}, ErrInvalidAmount
	}

	tx, err := e.begin(ctx, walletID)
	if err != nil {
		return "", Balance{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	prior, err := replayed(ctx, tx, idemKey)
	if err != nil {
		return "", Balance{}, err
	}
	if prior != nil {
		return prior.Meta.HoldID, tx.Balance(), ErrDuplicateOperation
	}

	if tx.Balance().Available < amount {
		return "", Balance{}, ErrInsufficientAvailable
	}

	var snapshot *RiskSnapshot
	if e.policy != nil {
		windowSum, sumErr := tx.SumAmountByTypeSince(ctx, EntryWithdrawHold, e.now().Add(-e.policy.Window()))
		if sumErr != nil {
			return "", Balance{}, sumErr
		}
		decision := e.policy.Approve(ctx, walletID, amount, windowSum, rc)
		if !decision.Allowed {
			e.metrics.IncPolicyRejection()
			e.log.Warn("withdrawal reservation rejected",
				"wallet_id", walletID, "amount", amount, "reason", decision.Reason)
			return "", Balance{}, fmt.Errorf("%w: %s", ErrPolicyRejected, decision.Reason)
		}
		snapshot = &RiskSnapshot{WindowSum: windowSum, Channel: rc.Channel, Initiator: rc.Initiator}
	}

	holdID = e.newID()
	entry := Entry{
		WalletID:       walletID,
		Type:           EntryWithdrawHold,
		BucketFrom:     bucketRef(BucketAvailable),
		BucketTo:       bucketRef(BucketHeld),
		Amount:         amount,
		IdempotencyKey: idemKey,
		Meta:           Meta{HoldID: holdID, Risk: snapshot},
		CreatedAt:      e.now(),
	}
	bal, err = e.commitEntry(ctx, tx, entry, -amount, 0, amount)
	if err != nil {
		if errors.Is(err, ErrDuplicateOperation) {
			return e.priorHoldID(ctx, idemKey), bal, err
		}
		return "", Balance{}, err
	}
	return holdID, bal, nil
}

// FinalizeWithdrawal records that the held amount permanently left the
// system after a successful broadcast. Irreversible.
func (e *Engine) FinalizeWithdrawal(ctx context.Context, walletID string, amount int64, idemKey, holdID string) (bal Balance, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(opFinalizeWithdrawal, resultLabel(err), time.Since(start)) }()

	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := e.begin(ctx, walletID)
	if err != nil {
		return Balance{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	prior, err := replayed(ctx, tx, idemKey)
	if err != nil {
		return Balance{}, err
	}
	if prior != nil {
		return tx.Balance(), ErrDuplicateOperation
	}

	if tx.Balance().Held < amount {
		return Balance{}, ErrInsufficientHeld
	}

	entry := Entry{
		WalletID:       walletID,
		Type:           EntryWithdrawFinal,
		BucketFrom:     bucketRef(BucketHeld),
		Amount:         amount,
		IdempotencyKey: idemKey,
		Meta:           Meta{HoldID: holdID},
		CreatedAt:      e.now(),
	}
	return e.commitEntry(ctx, tx, entry, 0, 0, -amount)
}

// ReleaseHold returns a reserved amount to available after a failed or
// cancelled withdrawal, recording the reason alongside the hold id.
func (e *Engine) ReleaseHold(ctx context.Context, walletID string, amount int64, idemKey, holdID, reason string) (bal Balance, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(opReleaseHold, resultLabel(err), time.Since(start)) }()

	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := e.begin(ctx, walletID)
	if err != nil {
		return Balance{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	prior, err := replayed(ctx, tx, idemKey)
	if err != nil {
		return Balance{}, err
	}
	if prior != nil {
		return tx.Balance(), ErrDuplicateOperation
	}

	if tx.Balance().Held < amount {
		return Balance{}, ErrInsufficientHeld
	}

	entry := Entry{
		WalletID:       walletID,
		Type:           EntryHoldRelease,
		BucketFrom:     bucketRef(BucketHeld),
		BucketTo:       bucketRef(BucketAvailable),
		Amount:         amount,
		IdempotencyKey: idemKey,
		Meta:           Meta{HoldID: holdID, Reason: reason},
		CreatedAt:      e.now(),
	}
	return e.commitEntry(ctx, tx, entry, amount, 0, -amount)
}

func (e *Engine) begin(ctx context.Context, walletID string) (Tx, error) {
	tx, err := e.store.Begin(ctx, walletID)
	if err != nil {
		e.log.Error("open ledger unit failed", "wallet_id", walletID, "error", err)
		return nil, err
	}
	return tx, nil
}

// commitEntry appends the entry, applies the matching aggregate delta, and
// commits. The append and the delta are indivisible under the lock held
// since begin. The returned balance is the locked snapshot plus this
// operation's delta, i.e. the wallet state as of this commit.
func (e *Engine) commitEntry(ctx context.Context, tx Tx, entry Entry, dAvailable, dPendingIn, dHeld int64) (Balance, error) {
	if _, err := tx.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateOperation) {
			// Lost a cross-wallet race on the key; the unique index is the
			// final arbiter.
			return tx.Balance(), ErrDuplicateOperation
		}
		e.log.Error("ledger append failed",
			"wallet_id", entry.WalletID, "type", string(entry.Type), "error", err)
		return Balance{}, err
	}
	if err := tx.ApplyDelta(ctx, dAvailable, dPendingIn, dHeld); err != nil {
		e.log.Error("aggregate update failed", "wallet_id", entry.WalletID, "error", err)
		return Balance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		e.log.Error("commit ledger unit failed", "wallet_id", entry.WalletID, "error", err)
		return Balance{}, err
	}

	bal := tx.Balance()
	bal.Available += dAvailable
	bal.PendingIn += dPendingIn
	bal.Held += dHeld
	bal.UpdatedAt = entry.CreatedAt
	return bal, nil
}

// replayed looks up a previous use of the idempotency key inside the locked
// unit. A hit means the operation already applied: the caller returns the
// locked snapshot together with ErrDuplicateOperation.
func replayed(ctx context.Context, tx Tx, idemKey string) (*Entry, error) {
	if idemKey == "" {
		return nil, nil
	}
	return tx.FindByKey(ctx, idemKey)
}

// priorHoldID recovers the hold id recorded under a reused key, best effort.
func (e *Engine) priorHoldID(ctx context.Context, idemKey string) string {
	if idemKey == "" {
		return ""
	}
	prior, err := e.store.FindByKey(ctx, idemKey)
	if err != nil || prior == nil {
		return ""
	}
	return prior.Meta.HoldID
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDuplicateOperation):
		return "duplicate"
	case errors.Is(err, ErrPolicyRejected):
		return "rejected"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, ErrInsufficientPending),
		errors.Is(err, ErrInsufficientAvailable),
		errors.Is(err, ErrInsufficientHeld):
		return "insufficient"
	case Retryable(err):
		return "transient"
	default:
		return "error"
	}
}

func bucketRef(b Bucket) *Bucket {
	return &b
}

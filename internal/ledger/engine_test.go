package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/custodia-pay/custodia/internal/logging"
	"github.com/custodia-pay/custodia/internal/risk"
)

func newTestEngine(t *testing.T, policy risk.Policy) (*Engine, *InMemoryStore) {
	t.Helper()
	store := NewInMemory()
	return NewEngine(store, policy, logging.Discard(), nil), store
}

func mustBalance(t *testing.T, store Store, walletID string) Balance {
	t.Helper()
	bal, err := store.Balance(context.Background(), walletID)
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	return bal
}

// replayAggregate folds every ledger entry for the wallet from zero, the way
// an auditor would re-derive the aggregate.
func replayAggregate(t *testing.T, store Store, walletID string) Balance {
	t.Helper()
	entries, err := store.Entries(context.Background(), walletID, 1000, 0)
	if err != nil {
		t.Fatalf("entries lookup failed: %v", err)
	}

	var bal Balance
	bal.WalletID = walletID
	apply := func(b *Bucket, delta int64) {
		if b == nil {
			return
		}
		switch *b {
		case BucketAvailable:
			bal.Available += delta
		case BucketPendingIn:
			bal.PendingIn += delta
		case BucketHeld:
			bal.Held += delta
		}
	}
	// Entries are newest first; order does not matter for the fold.
	for _, e := range entries {
		apply(e.BucketFrom, -e.Amount)
		apply(e.BucketTo, e.Amount)
	}
	return bal
}

func TestEngine_DepositLifecycle(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	bal, err := e.RecordPendingDeposit(ctx, "w1", 500, "k1")
	if err != nil {
		t.Fatalf("record pending deposit failed: %v", err)
	}
	if bal.PendingIn != 500 || bal.Available != 0 || bal.Held != 0 {
		t.Fatalf("unexpected balance after pending deposit: %+v", bal)
	}

	bal, err = e.ConfirmDeposit(ctx, "w1", 500, "k2")
	if err != nil {
		t.Fatalf("confirm deposit failed: %v", err)
	}
	if bal.Available != 500 || bal.PendingIn != 0 {
		t.Fatalf("unexpected balance after confirm: %+v", bal)
	}

	stored := mustBalance(t, store, "w1")
	if stored.Available != bal.Available || stored.PendingIn != bal.PendingIn || stored.Held != bal.Held {
		t.Fatalf("stored aggregate %+v does not match returned %+v", stored, bal)
	}
}

func TestEngine_WithdrawalLifecycle(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.RecordPendingDeposit(ctx, "w1", 500, "d1"); err != nil {
		t.Fatalf("record pending deposit failed: %v", err)
	}
	if _, err := e.ConfirmDeposit(ctx, "w1", 500, "d2"); err != nil {
		t.Fatalf("confirm deposit failed: %v", err)
	}

	holdID, bal, err := e.ReserveWithdrawal(ctx, "w1", 200, "k3", risk.Context{Channel: "api"})
	if err != nil {
		t.Fatalf("reserve withdrawal failed: %v", err)
	}
	if holdID == "" {
		t.Fatal("expected a hold id")
	}
	if bal.Available != 300 || bal.Held != 200 {
		t.Fatalf("unexpected balance after reserve: %+v", bal)
	}

	bal, err = e.FinalizeWithdrawal(ctx, "w1", 200, "k4", holdID)
	if err != nil {
		t.Fatalf("finalize withdrawal failed: %v", err)
	}
	if bal.Available != 300 || bal.Held != 0 {
		t.Fatalf("unexpected balance after finalize: %+v", bal)
	}

	// 200 permanently left the system.
	stored := mustBalance(t, store, "w1")
	if total := stored.Available + stored.PendingIn + stored.Held; total != 300 {
		t.Fatalf("expected 300 remaining in system, got %d", total)
	}

	// The finalize entry references the hold.
	final, err := store.FindByKey(ctx, "k4")
	if err != nil || final == nil {
		t.Fatalf("finalize entry lookup failed: %v", err)
	}
	if final.Meta.HoldID != holdID {
		t.Fatalf("finalize entry hold id = %q, want %q", final.Meta.HoldID, holdID)
	}
}

func TestEngine_ReleaseRestoresAvailable(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()
	SeedBalance(store, "w1", 300, 0, 0)

	holdID, bal, err := e.ReserveWithdrawal(ctx, "w1", 50, "k5", risk.Context{})
	if err != nil {
		t.Fatalf("reserve withdrawal failed: %v", err)
	}
	if bal.Available != 250 || bal.Held != 50 {
		t.Fatalf("unexpected balance after reserve: %+v", bal)
	}

	bal, err = e.ReleaseHold(ctx, "w1", 50, "k6", holdID, "broadcast_failed")
	if err != nil {
		t.Fatalf("release hold failed: %v", err)
	}
	if bal.Available != 300 || bal.Held != 0 {
		t.Fatalf("unexpected balance after release: %+v", bal)
	}

	rel, err := store.FindByKey(ctx, "k6")
	if err != nil || rel == nil {
		t.Fatalf("release entry lookup failed: %v", err)
	}
	if rel.Meta.HoldID != holdID || rel.Meta.Reason != "broadcast_failed" {
		t.Fatalf("unexpected release metadata: %+v", rel.Meta)
	}
}

func TestEngine_ConfirmWithoutPending(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.ConfirmDeposit(ctx, "w1", 1_000, "k7"); !errors.Is(err, ErrInsufficientPending) {
		t.Fatalf("expected insufficient pending, got %v", err)
	}

	bal := mustBalance(t, store, "w1")
	if bal.Available != 0 || bal.PendingIn != 0 || bal.Held != 0 {
		t.Fatalf("failed confirm must leave buckets unchanged: %+v", bal)
	}
	if entries, _ := store.Entries(ctx, "w1", 10, 0); len(entries) != 0 {
		t.Fatalf("failed confirm must append nothing, got %d entries", len(entries))
	}
}

func TestEngine_DuplicateKeyDoesNotDoubleApply(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.RecordPendingDeposit(ctx, "w1", 500, "k1"); err != nil {
		t.Fatalf("record pending deposit failed: %v", err)
	}

	bal, err := e.RecordPendingDeposit(ctx, "w1", 500, "k1")
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
	if bal.PendingIn != 500 {
		t.Fatalf("replay must report the original outcome, got %+v", bal)
	}
	if stored := mustBalance(t, store, "w1"); stored.PendingIn != 500 {
		t.Fatalf("replay double-applied: %+v", stored)
	}
	if entries, _ := store.Entries(ctx, "w1", 10, 0); len(entries) != 1 {
		t.Fatalf("expected a single ledger entry, got %d", len(entries))
	}
}

func TestEngine_EveryOperationReplaysIdempotently(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.RecordPendingDeposit(ctx, "w1", 1_000, "d1"); err != nil {
		t.Fatalf("seed pending failed: %v", err)
	}
	if _, err := e.ConfirmDeposit(ctx, "w1", 1_000, "d2"); err != nil {
		t.Fatalf("seed confirm failed: %v", err)
	}
	holdID, _, err := e.ReserveWithdrawal(ctx, "w1", 400, "d3", risk.Context{})
	if err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}
	if _, err := e.FinalizeWithdrawal(ctx, "w1", 150, "d4", holdID); err != nil {
		t.Fatalf("seed finalize failed: %v", err)
	}
	if _, err := e.ReleaseHold(ctx, "w1", 250, "d5", holdID, "partial_cancel"); err != nil {
		t.Fatalf("seed release failed: %v", err)
	}

	before := mustBalance(t, store, "w1")

	if _, err := e.ConfirmDeposit(ctx, "w1", 1_000, "d2"); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("confirm replay: expected duplicate, got %v", err)
	}
	if _, _, err := e.ReserveWithdrawal(ctx, "w1", 400, "d3", risk.Context{}); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("reserve replay: expected duplicate, got %v", err)
	}
	if _, err := e.FinalizeWithdrawal(ctx, "w1", 150, "d4", holdID); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("finalize replay: expected duplicate, got %v", err)
	}
	if _, err := e.ReleaseHold(ctx, "w1", 250, "d5", holdID, "partial_cancel"); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("release replay: expected duplicate, got %v", err)
	}

	after := mustBalance(t, store, "w1")
	if before.Available != after.Available || before.PendingIn != after.PendingIn || before.Held != after.Held {
		t.Fatalf("replays changed buckets: before=%+v after=%+v", before, after)
	}
}

func TestEngine_ReserveReplayReturnsOriginalHold(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()
	SeedBalance(store, "w1", 500, 0, 0)

	holdID, _, err := e.ReserveWithdrawal(ctx, "w1", 100, "r1", risk.Context{})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	replayID, bal, err := e.ReserveWithdrawal(ctx, "w1", 100, "r1", risk.Context{})
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
	if replayID != holdID {
		t.Fatalf("replay hold id = %q, want original %q", replayID, holdID)
	}
	if bal.Available != 400 || bal.Held != 100 {
		t.Fatalf("replay must report current buckets: %+v", bal)
	}
}

func TestEngine_InvalidAmount(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	for _, amount := range []int64{0, -1} {
		if _, err := e.RecordPendingDeposit(ctx, "w1", amount, "k"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("record pending %d: expected invalid amount, got %v", amount, err)
		}
		if _, err := e.ConfirmDeposit(ctx, "w1", amount, "k"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("confirm %d: expected invalid amount, got %v", amount, err)
		}
		if _, _, err := e.ReserveWithdrawal(ctx, "w1", amount, "k", risk.Context{}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("reserve %d: expected invalid amount, got %v", amount, err)
		}
		if _, err := e.FinalizeWithdrawal(ctx, "w1", amount, "k", "h"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("finalize %d: expected invalid amount, got %v", amount, err)
		}
		if _, err := e.ReleaseHold(ctx, "w1", amount, "k", "h", "r"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("release %d: expected invalid amount, got %v", amount, err)
		}
	}

	// Rejected before any lock or write.
	if entries, _ := store.Entries(ctx, "w1", 10, 0); len(entries) != 0 {
		t.Fatalf("invalid amounts must append nothing, got %d entries", len(entries))
	}
}

func TestEngine_InsufficientLeavesBucketsUnchanged(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()
	SeedBalance(store, "w1", 100, 0, 30)

	if _, _, err := e.ReserveWithdrawal(ctx, "w1", 101, "k1", risk.Context{}); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("expected insufficient available, got %v", err)
	}
	if _, err := e.FinalizeWithdrawal(ctx, "w1", 31, "k2", "h"); !errors.Is(err, ErrInsufficientHeld) {
		t.Fatalf("expected insufficient held, got %v", err)
	}
	if _, err := e.ReleaseHold(ctx, "w1", 31, "k3", "h", "r"); !errors.Is(err, ErrInsufficientHeld) {
		t.Fatalf("expected insufficient held, got %v", err)
	}

	bal := mustBalance(t, store, "w1")
	if bal.Available != 100 || bal.PendingIn != 0 || bal.Held != 30 {
		t.Fatalf("failed operations must leave buckets unchanged: %+v", bal)
	}

	// Exact-balance operations succeed.
	if _, _, err := e.ReserveWithdrawal(ctx, "w1", 100, "k4", risk.Context{}); err != nil {
		t.Fatalf("exact-balance reserve failed: %v", err)
	}
}

func TestEngine_PolicyRejection(t *testing.T) {
	e, store := newTestEngine(t, risk.NewDailyCapPolicy(100, 24*time.Hour))
	ctx := context.Background()
	SeedBalance(store, "w1", 10_000, 0, 0)

	if _, _, err := e.ReserveWithdrawal(ctx, "w1", 60, "p1", risk.Context{}); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	_, _, err := e.ReserveWithdrawal(ctx, "w1", 50, "p2", risk.Context{})
	if !errors.Is(err, ErrPolicyRejected) {
		t.Fatalf("expected policy rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "cap") {
		t.Fatalf("rejection must carry the reason, got %q", err.Error())
	}

	bal := mustBalance(t, store, "w1")
	if bal.Available != 9_940 || bal.Held != 60 {
		t.Fatalf("rejected reserve must not move funds: %+v", bal)
	}

	// The approved reservation recorded what the policy saw.
	hold, err := store.FindByKey(ctx, "p1")
	if err != nil || hold == nil {
		t.Fatalf("hold entry lookup failed: %v", err)
	}
	if hold.Meta.Risk == nil || hold.Meta.Risk.WindowSum != 0 {
		t.Fatalf("expected zero window sum in risk snapshot, got %+v", hold.Meta.Risk)
	}
}

func TestEngine_CrossOperationKeyReuse(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()
	SeedBalance(store, "w1", 500, 0, 0)

	if _, err := e.RecordPendingDeposit(ctx, "w1", 100, "shared"); err != nil {
		t.Fatalf("record pending failed: %v", err)
	}

	// A different operation reusing the key is rejected the same way; no
	// semantic mismatch detection.
	if _, _, err := e.ReserveWithdrawal(ctx, "w1", 50, "shared", risk.Context{}); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}

	bal := mustBalance(t, store, "w1")
	if bal.Available != 500 || bal.PendingIn != 100 || bal.Held != 0 {
		t.Fatalf("key reuse must not move funds: %+v", bal)
	}
}

func TestEngine_ConcurrentReserveSingleWinner(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()
	SeedBalance(store, "w-race", 100, 0, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = e.ReserveWithdrawal(ctx, "w-race", 60, fmt.Sprintf("race-%d", i), risk.Context{})
		}(i)
	}
	wg.Wait()

	var success, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInsufficientAvailable):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one insufficient, got success=%d insufficient=%d", success, insufficient)
	}

	bal := mustBalance(t, store, "w-race")
	if bal.Available != 40 || bal.Held != 60 {
		t.Fatalf("unexpected buckets after race: %+v", bal)
	}
}

func TestEngine_ReplayMatchesAggregate(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.RecordPendingDeposit(ctx, "w1", 800, "s1"); err != nil {
		t.Fatalf("record pending failed: %v", err)
	}
	if _, err := e.ConfirmDeposit(ctx, "w1", 800, "s2"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	holdID, _, err := e.ReserveWithdrawal(ctx, "w1", 300, "s3", risk.Context{})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := e.FinalizeWithdrawal(ctx, "w1", 120, "s4", holdID); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, err := e.ReleaseHold(ctx, "w1", 180, "s5", holdID, "partial"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := e.RecordPendingDeposit(ctx, "w1", 40, "s6"); err != nil {
		t.Fatalf("second pending failed: %v", err)
	}

	stored := mustBalance(t, store, "w1")
	derived := replayAggregate(t, store, "w1")
	if stored.Available != derived.Available || stored.PendingIn != derived.PendingIn || stored.Held != derived.Held {
		t.Fatalf("aggregate %+v is not derivable from ledger %+v", stored, derived)
	}
	if stored.Available < 0 || stored.PendingIn < 0 || stored.Held < 0 {
		t.Fatalf("negative bucket: %+v", stored)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(ErrInsufficientAvailable) || Retryable(ErrDuplicateOperation) || Retryable(ErrPolicyRejected) {
		t.Fatal("business failures must not be retryable")
	}
	if !Retryable(ErrLockTimeout) || !Retryable(ErrStoreUnavailable) {
		t.Fatal("infrastructure failures must be retryable")
	}
	if !Retryable(fmt.Errorf("begin: %w", ErrStoreUnavailable)) {
		t.Fatal("wrapped infrastructure failures must be retryable")
	}
}

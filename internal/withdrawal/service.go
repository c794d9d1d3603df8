package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-pay/custodia/internal/events"
	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/risk"
	"github.com/custodia-pay/custodia/internal/wallet"
)

// ErrBroadcastRejected reports a chain submission the network refused; the
// reserved funds were already released back to available.
var ErrBroadcastRejected = errors.New("broadcast rejected")

const (
	statusCompleted = "completed"
	statusReleased  = "released"
	statusDuplicate = "duplicate"
)

// Ledger is the slice of the balance engine withdrawals use.
type Ledger interface {
	ReserveWithdrawal(ctx context.Context, walletID string, amount int64, idemKey string, rc risk.Context) (string, ledger.Balance, error)
	FinalizeWithdrawal(ctx context.Context, walletID string, amount int64, idemKey, holdID string) (ledger.Balance, error)
	ReleaseHold(ctx context.Context, walletID string, amount int64, idemKey, holdID, reason string) (ledger.Balance, error)
}

// Invalidator drops cached balance snapshots after committed mutations.
type Invalidator interface {
	Invalidate(ctx context.Context, walletID string)
}

// Service drives the withdrawal lifecycle: reserve, broadcast, then
// finalize or release.
type Service struct {
	ledger      Ledger
	wallets     *wallet.Service
	broadcaster Broadcaster
	sink        events.Sink
	cache       Invalidator
}

// NewService constructs a withdrawal service. A nil broadcaster falls back
// to the static stub; sink and cache may be nil.
func NewService(ledger Ledger, wallets *wallet.Service, broadcaster Broadcaster, sink events.Sink, cache Invalidator) *Service {
	if broadcaster == nil {
		broadcaster = StaticBroadcaster{}
	}
	return &Service{ledger: ledger, wallets: wallets, broadcaster: broadcaster, sink: sink, cache: cache}
}

// ReserveInput captures data to reserve funds for a withdrawal.
type ReserveInput struct {
	WalletID       string
	Amount         int64
	IdempotencyKey string
	Channel        string
	Initiator      string
}

// FinalizeInput captures data to settle a reserved withdrawal.
type FinalizeInput struct {
	WalletID       string
	Amount         int64
	IdempotencyKey string
	HoldID         string
}

// ReleaseInput captures data to cancel a hold and restore the funds.
type ReleaseInput struct {
	WalletID       string
	Amount         int64
	IdempotencyKey string
	HoldID         string
	Reason         string
}

// ExecuteInput captures data for the full reserve-broadcast-settle flow.
type ExecuteInput struct {
	WalletID       string
	Amount         int64
	Address        string
	IdempotencyKey string
	Channel        string
	Initiator      string
}

// Result describes the ledger outcome of a withdrawal operation.
type Result struct {
	WalletID    string
	HoldID      string
	Balance     ledger.Balance
	Duplicate   bool
	CompletedAt time.Time
}

// ExecuteResult is the outcome of the full flow.
type ExecuteResult struct {
	Result
	TxHash string
	Status string
}

// Reserve moves funds from available into held under a fresh hold id.
func (s *Service) Reserve(ctx context.Context, input ReserveInput) (Result, error) {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return Result{}, err
	}
	holdID, bal, err := s.ledger.ReserveWithdrawal(ctx, w.ID, input.Amount, input.IdempotencyKey,
		risk.Context{Channel: input.Channel, Initiator: input.Initiator})
	return s.finish(ctx, w.ID, holdID, bal, ledger.EntryWithdrawHold, input.Amount, input.IdempotencyKey, "", err)
}

// Finalize settles a broadcast withdrawal; the held value leaves custody.
func (s *Service) Finalize(ctx context.Context, input FinalizeInput) (Result, error) {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return Result{}, err
	}
	bal, err := s.ledger.FinalizeWithdrawal(ctx, w.ID, input.Amount, input.IdempotencyKey, input.HoldID)
	return s.finish(ctx, w.ID, input.HoldID, bal, ledger.EntryWithdrawFinal, input.Amount, input.IdempotencyKey, "", err)
}

// Release cancels a hold, restoring the funds to available.
func (s *Service) Release(ctx context.Context, input ReleaseInput) (Result, error) {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return Result{}, err
	}
	bal, err := s.ledger.ReleaseHold(ctx, w.ID, input.Amount, input.IdempotencyKey, input.HoldID, input.Reason)
	return s.finish(ctx, w.ID, input.HoldID, bal, ledger.EntryHoldRelease, input.Amount, input.IdempotencyKey, input.Reason, err)
}

// Execute runs the full flow: reserve the funds, broadcast the transaction,
// then finalize on acceptance or release the hold on rejection. Stage keys
// derive from the caller's key, so a retried Execute replays each step
// instead of repeating it.
func (s *Service) Execute(ctx context.Context, input ExecuteInput) (ExecuteResult, error) {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return ExecuteResult{}, err
	}

	reserved, err := s.Reserve(ctx, ReserveInput{
		WalletID:       input.WalletID,
		Amount:         input.Amount,
		IdempotencyKey: input.IdempotencyKey,
		Channel:        input.Channel,
		Initiator:      input.Initiator,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			// The first flow owns the broadcast; report its hold.
			return ExecuteResult{Result: reserved, Status: statusDuplicate}, err
		}
		return ExecuteResult{}, err
	}

	sub, err := s.broadcaster.Broadcast(ctx, Transaction{
		WalletID: w.ID,
		Asset:    w.Asset,
		Address:  input.Address,
		Amount:   input.Amount,
		HoldID:   reserved.HoldID,
	})
	if err != nil || !sub.Accepted {
		reason := "broadcast failed"
		if err != nil {
			reason = err.Error()
		} else if sub.Reason != "" {
			reason = sub.Reason
		}
		released, relErr := s.Release(ctx, ReleaseInput{
			WalletID:       input.WalletID,
			Amount:         input.Amount,
			IdempotencyKey: stageKey(input.IdempotencyKey, "release"),
			HoldID:         reserved.HoldID,
			Reason:         reason,
		})
		if relErr != nil && !errors.Is(relErr, ledger.ErrDuplicateOperation) {
			return ExecuteResult{}, relErr
		}
		released.HoldID = reserved.HoldID
		return ExecuteResult{Result: released, Status: statusReleased},
			fmt.Errorf("%w: %s", ErrBroadcastRejected, reason)
	}

	finalized, err := s.Finalize(ctx, FinalizeInput{
		WalletID:       input.WalletID,
		Amount:         input.Amount,
		IdempotencyKey: stageKey(input.IdempotencyKey, "finalize"),
		HoldID:         reserved.HoldID,
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
		return ExecuteResult{}, err
	}
	finalized.HoldID = reserved.HoldID
	return ExecuteResult{Result: finalized, TxHash: sub.TxHash, Status: statusCompleted}, nil
}

func (s *Service) finish(ctx context.Context, walletID, holdID string, bal ledger.Balance, entryType ledger.EntryType, amount int64, idemKey, reason string, err error) (Result, error) {
	now := time.Now().UTC()
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			return Result{WalletID: walletID, HoldID: holdID, Balance: bal, Duplicate: true, CompletedAt: now}, err
		}
		return Result{}, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, walletID)
	}
	if s.sink != nil {
		_ = s.sink.EntryRecorded(ctx, events.EntryRecorded{
			WalletID:       walletID,
			EntryType:      string(entryType),
			Amount:         amount,
			IdempotencyKey: idemKey,
			HoldID:         holdID,
			Reason:         reason,
			Balance:        bal,
		})
	}
	return Result{WalletID: walletID, HoldID: holdID, Balance: bal, CompletedAt: now}, nil
}

func stageKey(key, stage string) string {
	return key + ":" + stage
}

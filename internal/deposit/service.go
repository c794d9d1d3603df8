package deposit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-pay/custodia/internal/events"
	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/wallet"
)

// Ledger is the slice of the balance engine deposits use.
type Ledger interface {
	RecordPendingDeposit(ctx context.Context, walletID string, amount int64, idemKey string) (ledger.Balance, error)
	ConfirmDeposit(ctx context.Context, walletID string, amount int64, idemKey string) (ledger.Balance, error)
}

// Invalidator drops cached balance snapshots after committed mutations.
type Invalidator interface {
	Invalidate(ctx context.Context, walletID string)
}

// Service records and confirms deposits against registered wallets.
type Service struct {
	ledger  Ledger
	wallets *wallet.Service
	sink    events.Sink
	cache   Invalidator
}

// NewService constructs a deposit service. sink and cache may be nil.
func NewService(ledger Ledger, wallets *wallet.Service, sink events.Sink, cache Invalidator) *Service {
	return &Service{ledger: ledger, wallets: wallets, sink: sink, cache: cache}
}

// RecordInput captures a provisionally observed deposit.
type RecordInput struct {
	WalletID       string
	Amount         int64
	IdempotencyKey string
}

// ConfirmInput captures a deposit confirmation.
type ConfirmInput struct {
	WalletID       string
	Amount         int64
	IdempotencyKey string
}

// Result describes the ledger outcome of a deposit operation.
type Result struct {
	WalletID    string
	Balance     ledger.Balance
	Duplicate   bool
	CompletedAt time.Time
}

// RecordPending credits the pending bucket for an observed deposit.
func (s *Service) RecordPending(ctx context.Context, input RecordInput) (Result, error) {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return Result{}, err
	}
	bal, err := s.ledger.RecordPendingDeposit(ctx, w.ID, input.Amount, input.IdempotencyKey)
	return s.finish(ctx, w.ID, bal, ledger.EntryDepositPending, input.Amount, input.IdempotencyKey, err)
}

// Confirm moves a previously recorded deposit from pending to available.
func (s *Service) Confirm(ctx context.Context, input ConfirmInput) (Result, error) {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return Result{}, err
	}
	bal, err := s.ledger.ConfirmDeposit(ctx, w.ID, input.Amount, input.IdempotencyKey)
	return s.finish(ctx, w.ID, bal, ledger.EntryDepositConfirm, input.Amount, input.IdempotencyKey, err)
}

func (s *Service) finish(ctx context.Context, walletID string, bal ledger.Balance, entryType ledger.EntryType, amount int64, idemKey string, err error) (Result, error) {
	now := time.Now().UTC()
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			return Result{WalletID: walletID, Balance: bal, Duplicate: true, CompletedAt: now}, err
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
			Balance:        bal,
		})
	}
	return Result{WalletID: walletID, Balance: bal, CompletedAt: now}, nil
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/logging"
	"github.com/custodia-pay/custodia/internal/risk"
	"github.com/custodia-pay/custodia/internal/wallet"
)

type fixture struct {
	store   *ledger.InMemoryStore
	engine  *ledger.Engine
	wallets *wallet.Service
	audit   *Service
}

func setup(t *testing.T) (*fixture, wallet.Wallet) {
	t.Helper()
	store := ledger.NewInMemory()
	engine := ledger.NewEngine(store, nil, logging.Discard(), nil)
	wallets := wallet.NewService(wallet.NewMemoryRepository())

	w, err := wallets.Resolve(context.Background(), "owner-1", "BTC")
	if err != nil {
		t.Fatalf("resolve wallet: %v", err)
	}

	return &fixture{
		store:   store,
		engine:  engine,
		wallets: wallets,
		audit:   NewService(store, wallets),
	}, w
}

func TestVerifyConsistentAfterOperations(t *testing.T) {
	f, w := setup(t)
	ctx := context.Background()

	if _, err := f.engine.RecordPendingDeposit(ctx, w.ID, 1000, "dep-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := f.engine.ConfirmDeposit(ctx, w.ID, 600, "conf-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	holdID, _, err := f.engine.ReserveWithdrawal(ctx, w.ID, 300, "res-1", risk.Context{})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := f.engine.FinalizeWithdrawal(ctx, w.ID, 200, "fin-1", holdID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := f.engine.ReleaseHold(ctx, w.ID, 100, "rel-1", holdID, "partial fill"); err != nil {
		t.Fatalf("release: %v", err)
	}

	report, err := f.audit.Verify(ctx, w.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !report.Consistent {
		t.Fatalf("expected consistent report, got %+v", report)
	}
	if report.EntryCount != 5 {
		t.Fatalf("expected 5 entries, got %d", report.EntryCount)
	}
	want := BucketTotals{Available: 400, PendingIn: 400, Held: 0}
	if report.Computed != want {
		t.Fatalf("expected computed %+v, got %+v", want, report.Computed)
	}
	if report.Stored != want {
		t.Fatalf("expected stored %+v, got %+v", want, report.Stored)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	f, w := setup(t)
	ctx := context.Background()

	// Seed the aggregate without writing entries: replay derives zeros and
	// must disagree with the stored totals.
	ledger.SeedBalance(f.store, w.ID, 500, 0, 0)

	report, err := f.audit.Verify(ctx, w.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if report.Consistent {
		t.Fatalf("expected drift to be reported, got %+v", report)
	}
	if report.Computed != (BucketTotals{}) {
		t.Fatalf("expected zero computed totals, got %+v", report.Computed)
	}
	if report.Stored.Available != 500 {
		t.Fatalf("expected stored available 500, got %d", report.Stored.Available)
	}
}

func TestVerifyPagesThroughLongLedgers(t *testing.T) {
	f, w := setup(t)
	ctx := context.Background()

	const ops = verifyPageSize + 7
	for i := 0; i < ops; i++ {
		key := fmt.Sprintf("dep-%d", i)
		if _, err := f.engine.RecordPendingDeposit(ctx, w.ID, 2, key); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	report, err := f.audit.Verify(ctx, w.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if report.EntryCount != ops {
		t.Fatalf("expected %d entries replayed, got %d", ops, report.EntryCount)
	}
	if !report.Consistent {
		t.Fatalf("expected consistent report, got %+v", report)
	}
	if report.Computed.PendingIn != int64(ops)*2 {
		t.Fatalf("expected pending_in %d, got %d", ops*2, report.Computed.PendingIn)
	}
}

func TestVerifyUnknownWallet(t *testing.T) {
	f, _ := setup(t)

	if _, err := f.audit.Verify(context.Background(), "missing"); !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEntriesPagesNewestFirst(t *testing.T) {
	f, w := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("dep-%d", i)
		if _, err := f.engine.RecordPendingDeposit(ctx, w.ID, int64(i+1), key); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	page, err := f.audit.Entries(ctx, w.ID, 3, 0)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page))
	}
	if page[0].Amount != 5 || page[2].Amount != 3 {
		t.Fatalf("expected newest-first ordering, got %+v", page)
	}

	rest, err := f.audit.Entries(ctx, w.ID, 10, page[len(page)-1].ID)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(rest))
	}
	if rest[0].Amount != 2 || rest[1].Amount != 1 {
		t.Fatalf("expected amounts 2,1 got %+v", rest)
	}

	if _, err := f.audit.Entries(ctx, "missing", 10, 0); !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

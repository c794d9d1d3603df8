package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/custodia-pay/custodia/internal/events"
	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/logging"
	"github.com/custodia-pay/custodia/internal/wallet"
)

func newTestConsumer(t *testing.T) (*ChainConsumer, *wallet.Service, ledger.Store) {
	t.Helper()
	store := ledger.NewInMemory()
	engine := ledger.NewEngine(store, nil, logging.Discard(), nil)
	wallets := wallet.NewService(wallet.NewMemoryRepository())
	svc := NewService(engine, wallets, nil, nil)
	return NewChainConsumer(svc, wallets, logging.Discard()), wallets, store
}

func chainMessage(t *testing.T, eventType, txHash, ownerID, asset string, amount int64) *sarama.ConsumerMessage {
	t.Helper()
	env, err := events.NewEnvelope(eventType, 1, "")
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	payload, err := json.Marshal(ChainDepositEvent{
		Envelope: env,
		TxHash:   txHash,
		OwnerID:  ownerID,
		Asset:    asset,
		Amount:   amount,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "chain.events", Value: payload}
}

func TestChainConsumerAppliesObservedDeposit(t *testing.T) {
	consumer, wallets, store := newTestConsumer(t)
	ctx := context.Background()
	ownerID := uuid.NewString()

	msg := chainMessage(t, DepositObservedEventType, "0xabc", ownerID, "BTC", 5_000)
	if err := consumer.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("handle observed: %v", err)
	}

	w, err := wallets.Resolve(ctx, ownerID, "BTC")
	if err != nil {
		t.Fatalf("resolve wallet: %v", err)
	}
	bal, err := store.Balance(ctx, w.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.PendingIn != 5_000 {
		t.Fatalf("expected pending 5000, got %d", bal.PendingIn)
	}

	// Redelivery must be a no-op, not a double credit.
	if err := consumer.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivered observed: %v", err)
	}
	bal, _ = store.Balance(ctx, w.ID)
	if bal.PendingIn != 5_000 {
		t.Fatalf("redelivery double-credited: %d", bal.PendingIn)
	}
}

func TestChainConsumerConfirmsDeposit(t *testing.T) {
	consumer, wallets, store := newTestConsumer(t)
	ctx := context.Background()
	ownerID := uuid.NewString()

	if err := consumer.HandleMessage(ctx, chainMessage(t, DepositObservedEventType, "0xabc", ownerID, "BTC", 5_000)); err != nil {
		t.Fatalf("handle observed: %v", err)
	}
	if err := consumer.HandleMessage(ctx, chainMessage(t, DepositConfirmedEventType, "0xabc", ownerID, "BTC", 5_000)); err != nil {
		t.Fatalf("handle confirmed: %v", err)
	}

	w, _ := wallets.Resolve(ctx, ownerID, "BTC")
	bal, err := store.Balance(ctx, w.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Available != 5_000 || bal.PendingIn != 0 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestChainConsumerDeadLettersMalformedPayload(t *testing.T) {
	consumer, _, _ := newTestConsumer(t)

	err := consumer.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
	var dlqErr *events.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
	if dlqErr.Reason != "decode" {
		t.Fatalf("unexpected reason %s", dlqErr.Reason)
	}
}

func TestChainConsumerDeadLettersInvalidEvent(t *testing.T) {
	consumer, _, _ := newTestConsumer(t)

	msg := chainMessage(t, DepositObservedEventType, "", uuid.NewString(), "BTC", 5_000)
	err := consumer.HandleMessage(context.Background(), msg)
	var dlqErr *events.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
	if dlqErr.Reason != "invalid_event" {
		t.Fatalf("unexpected reason %s", dlqErr.Reason)
	}
}

func TestChainConsumerDeadLettersPrematureConfirm(t *testing.T) {
	consumer, _, _ := newTestConsumer(t)

	// Confirm before any observation: terminally inconsistent, so the
	// message must park on the DLQ rather than retry forever.
	err := consumer.HandleMessage(context.Background(), chainMessage(t, DepositConfirmedEventType, "0xdef", uuid.NewString(), "BTC", 700))
	var dlqErr *events.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
	if !errors.Is(err, ledger.ErrInsufficientPending) {
		t.Fatalf("expected insufficient pending cause, got %v", err)
	}
}

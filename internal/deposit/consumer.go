package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"

	"github.com/custodia-pay/custodia/internal/events"
	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/wallet"
)

const (
	// DepositObservedEventType announces a deposit seen on chain but not
	// yet final.
	DepositObservedEventType = "deposit.observed"
	// DepositConfirmedEventType announces a deposit that reached the
	// required confirmation depth.
	DepositConfirmedEventType = "deposit.confirmed"
)

// ChainDepositEvent is the payload shared by observed and confirmed events.
type ChainDepositEvent struct {
	events.Envelope
	TxHash  string `json:"tx_hash"`
	OwnerID string `json:"owner_id"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

// Validate reports whether the event carries everything the consumer needs.
func (e *ChainDepositEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.TxHash) == "" {
		return fmt.Errorf("tx_hash is required")
	}
	if strings.TrimSpace(e.OwnerID) == "" {
		return fmt.Errorf("owner_id is required")
	}
	if strings.TrimSpace(e.Asset) == "" {
		return fmt.Errorf("asset is required")
	}
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// ChainConsumer applies observed and confirmed chain deposits to wallets.
// The idempotency key derives from the tx hash, so a redelivered event
// replays into DuplicateOperation instead of double-crediting.
type ChainConsumer struct {
	service *Service
	wallets *wallet.Service
	logger  *slog.Logger
}

// NewChainConsumer builds the consumer around the deposit service.
func NewChainConsumer(service *Service, wallets *wallet.Service, logger *slog.Logger) *ChainConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainConsumer{service: service, wallets: wallets, logger: logger}
}

// HandleMessage implements events.MessageHandler.
func (c *ChainConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return events.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}

	var event ChainDepositEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return events.DLQ(fmt.Errorf("decode chain event: %w", err), "decode")
	}
	if err := event.Validate(); err != nil {
		return events.DLQ(err, "invalid_event")
	}

	switch event.EventType {
	case DepositObservedEventType:
		return c.handleObserved(ctx, event)
	case DepositConfirmedEventType:
		return c.handleConfirmed(ctx, event)
	default:
		return events.DLQ(fmt.Errorf("unexpected event_type: %s", event.EventType), "unexpected_event_type")
	}
}

func (c *ChainConsumer) handleObserved(ctx context.Context, event ChainDepositEvent) error {
	w, err := c.wallets.Resolve(ctx, event.OwnerID, event.Asset)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidInput) {
			return events.DLQ(err, "invalid_event")
		}
		return fmt.Errorf("resolve wallet: %w", err)
	}
	_, err = c.service.RecordPending(ctx, RecordInput{
		WalletID:       w.ID,
		Amount:         event.Amount,
		IdempotencyKey: chainKey(event.TxHash, "observed"),
	})
	return c.outcome(event, err)
}

func (c *ChainConsumer) handleConfirmed(ctx context.Context, event ChainDepositEvent) error {
	w, err := c.wallets.Resolve(ctx, event.OwnerID, event.Asset)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidInput) {
			return events.DLQ(err, "invalid_event")
		}
		return fmt.Errorf("resolve wallet: %w", err)
	}
	_, err = c.service.Confirm(ctx, ConfirmInput{
		WalletID:       w.ID,
		Amount:         event.Amount,
		IdempotencyKey: chainKey(event.TxHash, "confirmed"),
	})
	return c.outcome(event, err)
}

func (c *ChainConsumer) outcome(event ChainDepositEvent, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrDuplicateOperation):
		// Redelivery of an event whose effect already committed.
		c.logger.Info("chain event already applied", "event_id", event.EventID, "tx_hash", event.TxHash)
		return nil
	case ledger.Retryable(err):
		return err
	default:
		// Validation and sufficiency failures will not succeed on retry.
		return events.DLQ(err, "rejected")
	}
}

// chainKey derives the engine idempotency key from the chain tx hash.
func chainKey(txHash, stage string) string {
	return "chain:" + txHash + ":" + stage
}

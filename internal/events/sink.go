package events

import (
	"context"
	"log/slog"

	"github.com/custodia-pay/custodia/internal/ledger"
)

// EntryRecordedEventType names the event published after every committed
// ledger operation.
const EntryRecordedEventType = "ledger.entry.recorded"

// EntryRecorded describes one committed ledger operation.
type EntryRecorded struct {
	WalletID       string         `json:"wallet_id"`
	EntryType      string         `json:"entry_type"`
	Amount         int64          `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	HoldID         string         `json:"hold_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Balance        ledger.Balance `json:"balance"`
}

// EntryRecordedEvent is the wire form: envelope plus payload.
type EntryRecordedEvent struct {
	Envelope
	EntryRecorded
}

// Sink receives notifications about committed ledger operations. Callers
// treat it as fire-and-forget: a failing sink never unwinds the operation.
type Sink interface {
	EntryRecorded(ctx context.Context, rec EntryRecorded) error
}

// KafkaSink publishes entry-recorded events, keyed by wallet so one
// wallet's events stay ordered. The event id is deterministic in the
// idempotency key, letting downstream consumers dedupe redeliveries.
type KafkaSink struct {
	producer Publisher
	topic    string
}

// NewKafkaSink builds a sink that publishes to the given topic.
func NewKafkaSink(producer Publisher, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// EntryRecorded publishes the event.
func (s *KafkaSink) EntryRecorded(ctx context.Context, rec EntryRecorded) error {
	env, err := NewEnvelopeWithID(
		DeterministicEventID(EntryRecordedEventType, rec.WalletID, rec.IdempotencyKey),
		EntryRecordedEventType, 1, rec.IdempotencyKey,
	)
	if err != nil {
		return err
	}
	_, _, err = s.producer.PublishJSON(ctx, s.topic, rec.WalletID, EntryRecordedEvent{Envelope: env, EntryRecorded: rec})
	return err
}

// LogSink writes entry-recorded events to the structured logger. It stands
// in for the Kafka sink in development and tests.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a logging sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// EntryRecorded writes the event to the logger.
func (s *LogSink) EntryRecorded(_ context.Context, rec EntryRecorded) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.Info("ledger entry recorded",
		"wallet_id", rec.WalletID,
		"entry_type", rec.EntryType,
		"amount", rec.Amount,
		"hold_id", rec.HoldID,
		"available", rec.Balance.Available,
		"pending_in", rec.Balance.PendingIn,
		"held", rec.Balance.Held,
	)
	return nil
}

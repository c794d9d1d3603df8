package withdrawal

import (
	"context"

	"github.com/google/uuid"
)

// Broadcaster submits withdrawal transactions to the chain network.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx Transaction) (Submission, error)
}

// Transaction describes the outbound transfer to submit.
type Transaction struct {
	WalletID string
	Asset    string
	Address  string
	Amount   int64
	HoldID   string
}

// Submission captures the network's answer to a broadcast.
type Submission struct {
	TxHash   string
	Accepted bool
	Reason   string
}

// StaticBroadcaster simulates a node connection that accepts everything.
type StaticBroadcaster struct{}

// Broadcast accepts the transaction with a synthetic hash.
func (StaticBroadcaster) Broadcast(_ context.Context, _ Transaction) (Submission, error) {
	return Submission{TxHash: uuid.NewString(), Accepted: true}, nil
}

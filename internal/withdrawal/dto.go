package withdrawal

import "github.com/custodia-pay/custodia/internal/ledger"

// ReserveRequest captures data to reserve funds for a withdrawal.
type ReserveRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Channel        string `json:"channel"`
	Initiator      string `json:"initiator"`
}

// FinalizeRequest captures data to settle a reserved withdrawal.
type FinalizeRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	HoldID         string `json:"hold_id"`
}

// ReleaseRequest captures data to cancel a hold.
type ReleaseRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	HoldID         string `json:"hold_id"`
	Reason         string `json:"reason"`
}

// ExecuteRequest captures data for the full reserve-broadcast-settle flow.
type ExecuteRequest struct {
	Amount         int64  `json:"amount"`
	Address        string `json:"address"`
	IdempotencyKey string `json:"idempotency_key"`
	Channel        string `json:"channel"`
	Initiator      string `json:"initiator"`
}

// Response represents the API response for withdrawal operations.
type Response struct {
	WalletID  string         `json:"wallet_id"`
	HoldID    string         `json:"hold_id,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Balance   ledger.Balance `json:"balance"`
}

// ExecuteResponse extends Response with the broadcast outcome.
type ExecuteResponse struct {
	Response
	TxHash string `json:"tx_hash,omitempty"`
	Status string `json:"status"`
}

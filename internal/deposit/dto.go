package deposit

import "github.com/custodia-pay/custodia/internal/ledger"

// RecordRequest captures data to record a pending deposit.
type RecordRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ConfirmRequest captures data to confirm a recorded deposit.
type ConfirmRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Response represents the API response for deposit operations.
type Response struct {
	WalletID  string         `json:"wallet_id"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Balance   ledger.Balance `json:"balance"`
}

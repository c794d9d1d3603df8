package wallet

import "time"

// Wallet is the custodial account for one (owner, asset) pair. Rows are
// created on first use and never mutated or deleted afterwards.
type Wallet struct {
	ID        string
	OwnerID   string
	Asset     string
	CreatedAt time.Time
}

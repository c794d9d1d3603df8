// Package risk decides whether withdrawal reservations are permitted.
// Policies are consulted by the balance engine inside the locked unit and
// are replaceable without touching the engine's transition logic.
package risk

import (
	"context"
	"time"
)

// Context describes the caller of a withdrawal reservation. It is passed
// through to the policy and recorded in the ledger entry's risk snapshot.
type Context struct {
	Channel   string `json:"channel,omitempty"`
	Initiator string `json:"initiator,omitempty"`
}

// Decision is a policy verdict. Reason is set when the reservation is denied.
type Decision struct {
	Allowed bool
	Reason  string
}

// Policy approves or denies a withdrawal reservation. The engine supplies
// windowSum, the total of withdraw_hold amounts recorded for the wallet
// within the trailing Window at evaluation time.
type Policy interface {
	Window() time.Duration
	Approve(ctx context.Context, walletID string, amount, windowSum int64, rc Context) Decision
}
